package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/gravity-oracle/internal/model"
	"github.com/yourorg/gravity-oracle/internal/types"
)

func tvl(v float64) *float64 { return &v }

func batch(apys map[types.VenueID]int64, tvls map[types.VenueID]float64) []model.YieldSample {
	var out []model.YieldSample
	for _, v := range []types.VenueID{types.VenueJitoSOL, types.VenueMSOL, types.VenueBSOL} {
		apy, ok := apys[v]
		if !ok {
			continue
		}
		s := model.YieldSample{Venue: v, Timestamp: 1, APYBps: apy}
		if t, ok := tvls[v]; ok {
			s.TVLUSD = tvl(t)
		}
		out = append(out, s)
	}
	return out
}

func thresholds() Thresholds {
	return Thresholds{
		MaxAPYBps:     5_000,
		MaxTVLChange:  0.3,
		MinVenues:     2,
		MaxAPYJumpBps: 500,
	}
}

func TestCircuitBreaker_BasicFunctionality(t *testing.T) {
	cb := New(thresholds())
	assert.Equal(t, StateClosed, cb.GetState(), "Circuit breaker should start closed")

	err := cb.Check(batch(map[types.VenueID]int64{types.VenueJitoSOL: 700, types.VenueMSOL: 690}, nil))
	assert.NoError(t, err, "Valid batch should pass checks")
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Len(t, cb.LastGood(), 2)
}

func TestCircuitBreaker_Violations(t *testing.T) {
	baseline := batch(
		map[types.VenueID]int64{types.VenueJitoSOL: 700, types.VenueMSOL: 690},
		map[types.VenueID]float64{types.VenueJitoSOL: 1000, types.VenueMSOL: 2000},
	)

	tests := []struct {
		name    string
		next    []model.YieldSample
		message string
	}{
		{
			name:    "apy above maximum",
			next:    batch(map[types.VenueID]int64{types.VenueJitoSOL: 700, types.VenueMSOL: 6_000}, nil),
			message: "APY exceeds maximum threshold",
		},
		{
			name:    "tvl drop",
			next:    batch(map[types.VenueID]int64{types.VenueJitoSOL: 700, types.VenueMSOL: 690}, map[types.VenueID]float64{types.VenueJitoSOL: 400, types.VenueMSOL: 2000}),
			message: "TVL change too drastic",
		},
		{
			name:    "apy jump",
			next:    batch(map[types.VenueID]int64{types.VenueJitoSOL: 1_300, types.VenueMSOL: 690}, nil),
			message: "APY jump too drastic",
		},
		{
			name:    "too few venues",
			next:    batch(map[types.VenueID]int64{types.VenueJitoSOL: 700}, nil),
			message: "insufficient venue count",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := New(thresholds())
			require.NoError(t, cb.Check(baseline))

			err := cb.Check(tt.next)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.message)
			assert.Equal(t, StateOpen, cb.GetState())

			// last good is untouched by a rejected batch
			assert.Equal(t, int64(700), cb.LastGood()[types.VenueJitoSOL].APYBps)
		})
	}
}

func TestCircuitBreaker_Recovery(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cb := New(thresholds()).
		WithResetDelay(time.Minute).
		WithSuccessThreshold(2).
		WithClock(func() time.Time { return now })

	bad := batch(map[types.VenueID]int64{types.VenueJitoSOL: 9_000, types.VenueMSOL: 700}, nil)
	good := batch(map[types.VenueID]int64{types.VenueJitoSOL: 700, types.VenueMSOL: 700}, nil)

	require.Error(t, cb.Check(bad))
	assert.ErrorIs(t, cb.Check(good), ErrOpen, "good batches are rejected while open")

	now = now.Add(2 * time.Minute)
	require.NoError(t, cb.Check(good))
	assert.Equal(t, StateHalfOpen, cb.GetState())
	require.NoError(t, cb.Check(good))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_CallbackAndReset(t *testing.T) {
	var reasons []string
	cb := New(thresholds()).WithTripCallback(func(reason string, samples []model.YieldSample) {
		reasons = append(reasons, reason)
		assert.Len(t, samples, 2)
	})

	require.Error(t, cb.Check(batch(map[types.VenueID]int64{types.VenueJitoSOL: 9_000, types.VenueMSOL: 700}, nil)))
	require.Len(t, reasons, 1)
	assert.Contains(t, reasons[0], "APY exceeds maximum threshold")

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, "closed", cb.GetState().String())
}

func TestCircuitBreaker_EmptyBatch(t *testing.T) {
	cb := New(thresholds())
	assert.Error(t, cb.Check(nil))
	assert.Equal(t, StateClosed, cb.GetState(), "an empty batch is not a trip")
}

func TestCircuitBreaker_SustainedShiftRecovers(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cb := New(thresholds()).
		WithResetDelay(time.Minute).
		WithSuccessThreshold(2).
		WithClock(func() time.Time { return now })

	require.NoError(t, cb.Check(batch(map[types.VenueID]int64{types.VenueJitoSOL: 700, types.VenueMSOL: 690}, nil)))

	shifted := batch(map[types.VenueID]int64{types.VenueJitoSOL: 1_300, types.VenueMSOL: 690}, nil)
	err := cb.Check(shifted)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "APY jump too drastic")

	// the new level holds: the first half-open batch becomes the baseline
	now = now.Add(2 * time.Minute)
	require.NoError(t, cb.Check(shifted))
	assert.Equal(t, StateHalfOpen, cb.GetState())
	assert.Equal(t, int64(1_300), cb.LastGood()[types.VenueJitoSOL].APYBps)

	require.NoError(t, cb.Check(shifted))
	assert.Equal(t, StateClosed, cb.GetState())

	// change checks run against the new baseline again
	err = cb.Check(batch(map[types.VenueID]int64{types.VenueJitoSOL: 700, types.VenueMSOL: 690}, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1300 -> 700")
}

func TestCircuitBreaker_ResetRebaselines(t *testing.T) {
	cb := New(thresholds()).WithResetDelay(time.Hour)
	require.NoError(t, cb.Check(batch(
		map[types.VenueID]int64{types.VenueJitoSOL: 700, types.VenueMSOL: 690},
		map[types.VenueID]float64{types.VenueJitoSOL: 1000, types.VenueMSOL: 2000},
	)))

	shifted := batch(
		map[types.VenueID]int64{types.VenueJitoSOL: 1_300, types.VenueMSOL: 690},
		map[types.VenueID]float64{types.VenueJitoSOL: 5000, types.VenueMSOL: 2000},
	)
	require.Error(t, cb.Check(shifted))
	assert.ErrorIs(t, cb.Check(shifted), ErrOpen)

	cb.Reset()
	require.NoError(t, cb.Check(shifted))
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, 5000.0, *cb.LastGood()[types.VenueJitoSOL].TVLUSD)
}

func TestCircuitBreaker_CallbackRunsUnlocked(t *testing.T) {
	var seen State
	cb := New(thresholds())
	cb.WithTripCallback(func(string, []model.YieldSample) {
		seen = cb.GetState()
	})

	done := make(chan error, 1)
	go func() {
		done <- cb.Check(batch(map[types.VenueID]int64{types.VenueJitoSOL: 9_000, types.VenueMSOL: 700}, nil))
	}()
	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("trip callback blocked on the breaker lock")
	}
	assert.Equal(t, StateOpen, seen)
}
