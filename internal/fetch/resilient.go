package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/gravity-oracle/internal/aggregate"
	"github.com/yourorg/gravity-oracle/internal/circuitbreaker"
	"github.com/yourorg/gravity-oracle/internal/model"
	"github.com/yourorg/gravity-oracle/internal/types"
)

// ErrUnavailable is returned when no live, cached or simulated data exists
var ErrUnavailable = errors.New("no yield data available")

// DefaultFreshnessWindow bounds how long cached samples may stand in for live ones
const DefaultFreshnessWindow = 15 * time.Minute

type cacheEntry struct {
	sample    model.YieldSample
	fetchedAt time.Time
}

// Resilient fans out to every configured source and degrades gracefully:
// live data first, then cached samples within the freshness window, then
// deterministic simulation. Every sample is tagged with where it came from.
type Resilient struct {
	sources   []Client
	breaker   *circuitbreaker.CircuitBreaker
	simulator *Simulator
	freshness time.Duration
	merge     aggregate.Strategy
	now       func() time.Time

	mu    sync.RWMutex
	cache map[types.VenueID]cacheEntry
}

// ResilientOptions configures the fallback chain
type ResilientOptions struct {
	FreshnessWindow time.Duration

	// Breaker rejects implausible live batches; nil disables the check
	Breaker *circuitbreaker.CircuitBreaker

	// Simulator is the last resort; nil disables simulation
	Simulator *Simulator

	// Merge combines venues reported by several sources. The zero value keeps
	// the highest priority source.
	Merge aggregate.Strategy
}

// NewResilient creates a client over the given sources, in priority order
func NewResilient(sources []Client, opts ResilientOptions) *Resilient {
	if opts.FreshnessWindow <= 0 {
		opts.FreshnessWindow = DefaultFreshnessWindow
	}
	return &Resilient{
		sources:   sources,
		breaker:   opts.Breaker,
		simulator: opts.Simulator,
		freshness: opts.FreshnessWindow,
		merge:     opts.Merge,
		now:       time.Now,
		cache:     make(map[types.VenueID]cacheEntry),
	}
}

// WithClock replaces the time source
func (c *Resilient) WithClock(now func() time.Time) *Resilient {
	c.now = now
	if c.simulator != nil {
		c.simulator.now = now
	}
	return c
}

// Name identifies the client
func (c *Resilient) Name() string {
	return "resilient"
}

// Fetch returns the best data available this cycle
func (c *Resilient) Fetch(ctx context.Context) ([]model.YieldSample, error) {
	live, err := c.fetchLive(ctx)
	if err == nil && c.breaker != nil {
		err = c.breaker.Check(live)
	}
	if err == nil {
		c.remember(live)
		return live, nil
	}
	logrus.WithError(err).Warn("Live yield data unavailable, falling back")

	if cached := c.fresh(); len(cached) > 0 {
		logrus.WithField("venues", len(cached)).Info("Using cached yield data")
		return cached, nil
	}

	if c.simulator != nil {
		logrus.Warn("No fresh cache, using simulated yield data")
		return c.simulator.At(c.now()), nil
	}
	return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// fetchLive queries every source concurrently and merges the reports per venue
// with the configured strategy.
func (c *Resilient) fetchLive(ctx context.Context) ([]model.YieldSample, error) {
	if len(c.sources) == 0 {
		return nil, errors.New("no data sources configured")
	}

	type result struct {
		samples []model.YieldSample
		err     error
	}
	results := make([]result, len(c.sources))

	var wg sync.WaitGroup
	for i, src := range c.sources {
		wg.Add(1)
		go func(i int, src Client) {
			defer wg.Done()
			samples, err := src.Fetch(ctx)
			if err != nil {
				logrus.Warnf("Error fetching data from %s: %v", src.Name(), err)
			}
			results[i] = result{samples: samples, err: err}
		}(i, src)
	}
	wg.Wait()

	var reports [][]model.YieldSample
	var errs []error
	for i, r := range results {
		if r.err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.sources[i].Name(), r.err))
			continue
		}
		reports = append(reports, r.samples)
	}

	merged := aggregate.Combine(reports, c.merge)
	if len(merged) == 0 {
		if len(errs) == 0 {
			return nil, ErrNoData
		}
		return nil, errors.Join(errs...)
	}
	for i := range merged {
		merged[i].Source = model.SourceLive
	}
	return merged, nil
}

func (c *Resilient) remember(samples []model.YieldSample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for _, s := range samples {
		c.cache[s.Venue] = cacheEntry{sample: s, fetchedAt: now}
	}
}

// fresh returns cached samples younger than the freshness window, ordered by venue
func (c *Resilient) fresh() []model.YieldSample {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	var out []model.YieldSample
	for _, v := range types.AllVenues() {
		entry, ok := c.cache[v.ID]
		if !ok || now.Sub(entry.fetchedAt) > c.freshness {
			continue
		}
		s := entry.sample
		s.Source = model.SourceCached
		out = append(out, s)
	}
	return out
}
