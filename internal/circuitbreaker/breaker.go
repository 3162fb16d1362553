// Package circuitbreaker protects the engine against implausible data-source batches.
//
// A tripped breaker rejects live data until its reset delay elapses, so the
// fetch layer falls back to cached values instead of feeding garbage into the
// gravity analysis.
package circuitbreaker

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/gravity-oracle/internal/model"
	"github.com/yourorg/gravity-oracle/internal/types"
)

// ErrOpen is returned while the breaker rejects batches
var ErrOpen = errors.New("circuit breaker open: system protection engaged")

// State represents the current state of the circuit breaker
type State int

// Circuit breaker states
const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Tripped, batches rejected
	StateHalfOpen              // Testing if the source has recovered
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Thresholds defines the limits that will trigger the circuit breaker
type Thresholds struct {
	// Maximum allowed APY in basis points
	MaxAPYBps int64 `json:"max_apy_bps" yaml:"max_apy_bps"`

	// Maximum allowed TVL change of a venue between consecutive good batches (0.5 for 50%)
	MaxTVLChange float64 `json:"max_tvl_change" yaml:"max_tvl_change"`

	// Minimum number of venues a batch must report
	MinVenues int `json:"min_venues" yaml:"min_venues"`

	// Maximum APY jump of a venue between consecutive good batches, in basis points
	MaxAPYJumpBps int64 `json:"max_apy_jump_bps,omitempty" yaml:"max_apy_jump_bps"`
}

// DefaultThresholds are loose enough for normal market moves
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxAPYBps:     50_000,
		MaxTVLChange:  0.5,
		MinVenues:     1,
		MaxAPYJumpBps: 2_000,
	}
}

// CircuitBreaker implements the circuit breaker pattern over sample batches
type CircuitBreaker struct {
	thresholds Thresholds

	state    State
	lastTrip time.Time

	// Duration before auto-reset attempt
	resetDelay time.Duration

	mu sync.RWMutex

	// last accepted sample per venue, used for change checks
	lastGood map[types.VenueID]model.YieldSample
	// skip change checks until a batch is accepted
	rebaseline bool

	successCount     int
	successThreshold int

	onTripCallback func(reason string, samples []model.YieldSample)
	now            func() time.Time
}

// New creates a new CircuitBreaker with the provided thresholds
func New(t Thresholds) *CircuitBreaker {
	return &CircuitBreaker{
		thresholds:       t,
		state:            StateClosed,
		resetDelay:       5 * time.Minute,
		successThreshold: 3,
		lastGood:         make(map[types.VenueID]model.YieldSample),
		now:              time.Now,
	}
}

// WithResetDelay sets a custom reset delay and returns the circuit breaker
func (cb *CircuitBreaker) WithResetDelay(delay time.Duration) *CircuitBreaker {
	cb.resetDelay = delay
	return cb
}

// WithSuccessThreshold sets the number of good batches needed to close the circuit
func (cb *CircuitBreaker) WithSuccessThreshold(threshold int) *CircuitBreaker {
	cb.successThreshold = threshold
	return cb
}

// WithTripCallback sets a function called when the circuit trips, outside the breaker lock
func (cb *CircuitBreaker) WithTripCallback(callback func(reason string, samples []model.YieldSample)) *CircuitBreaker {
	cb.onTripCallback = callback
	return cb
}

// WithClock replaces the time source
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.now = now
	return cb
}

// Check evaluates a batch against the thresholds. An open circuit rejects the
// batch with ErrOpen; a violating batch trips the circuit. The trip callback
// runs after the lock is released.
func (cb *CircuitBreaker) Check(samples []model.YieldSample) error {
	notify, err := cb.check(samples)
	if notify != nil {
		notify()
	}
	return err
}

func (cb *CircuitBreaker) check(samples []model.YieldSample) (func(), error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.lastTrip) <= cb.resetDelay {
			return nil, ErrOpen
		}
		cb.state = StateHalfOpen
		cb.successCount = 0
		// the next accepted batch becomes the change baseline
		cb.rebaseline = true
		logrus.Info("Circuit breaker half-open: testing data source recovery")
	}

	if len(samples) == 0 {
		return nil, errors.New("no samples provided to circuit breaker")
	}

	if reason := cb.violation(samples); reason != "" {
		return cb.trip(reason, samples), errors.New(reason)
	}

	if cb.rebaseline {
		clear(cb.lastGood)
		cb.rebaseline = false
	}
	for _, s := range samples {
		cb.lastGood[s.Venue] = s
	}

	if cb.state == StateHalfOpen {
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.state = StateClosed
			cb.successCount = 0
			logrus.Info("Circuit breaker closed: data source has recovered")
		}
	}
	return nil, nil
}

func (cb *CircuitBreaker) violation(samples []model.YieldSample) string {
	if len(samples) < cb.thresholds.MinVenues {
		return fmt.Sprintf("insufficient venue count: got %d, need %d", len(samples), cb.thresholds.MinVenues)
	}

	for _, s := range samples {
		if cb.thresholds.MaxAPYBps > 0 && s.APYBps > cb.thresholds.MaxAPYBps {
			return fmt.Sprintf("APY exceeds maximum threshold for %s: %d > %d bps", s.Venue, s.APYBps, cb.thresholds.MaxAPYBps)
		}

		if cb.rebaseline {
			continue
		}
		prev, ok := cb.lastGood[s.Venue]
		if !ok {
			continue
		}
		if jump := cb.thresholds.MaxAPYJumpBps; jump > 0 && abs(s.APYBps-prev.APYBps) > jump {
			return fmt.Sprintf("APY jump too drastic for %s: %d -> %d bps", s.Venue, prev.APYBps, s.APYBps)
		}
		// only check substantial TVL to avoid division by tiny numbers
		if s.HasTVL() && prev.HasTVL() && *prev.TVLUSD > 1.0 && cb.thresholds.MaxTVLChange > 0 {
			change := math.Abs(*s.TVLUSD-*prev.TVLUSD) / *prev.TVLUSD
			if change > cb.thresholds.MaxTVLChange {
				return fmt.Sprintf("TVL change too drastic for %s: %.2f%% (threshold: %.2f%%)", s.Venue, change*100, cb.thresholds.MaxTVLChange*100)
			}
		}
	}
	return ""
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset forcibly resets the circuit breaker to closed state. The next batch
// that passes the absolute limits becomes the new change baseline.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.successCount = 0
	cb.rebaseline = true
	logrus.Info("Circuit breaker manually reset to closed state")
}

// LastGood returns the most recent accepted sample per venue
func (cb *CircuitBreaker) LastGood() map[types.VenueID]model.YieldSample {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	out := make(map[types.VenueID]model.YieldSample, len(cb.lastGood))
	for k, v := range cb.lastGood {
		out[k] = v
	}
	return out
}

// trip sets the circuit breaker to open state and returns the pending
// callback; callers hold the lock
func (cb *CircuitBreaker) trip(reason string, samples []model.YieldSample) func() {
	cb.state = StateOpen
	cb.lastTrip = cb.now()
	logrus.Warnf("Circuit breaker tripped: %s", reason)

	callback := cb.onTripCallback
	if callback == nil {
		return nil
	}
	return func() { callback(reason, samples) }
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
