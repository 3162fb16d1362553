package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/gravity-oracle/internal/aggregate"
	"github.com/yourorg/gravity-oracle/internal/circuitbreaker"
	"github.com/yourorg/gravity-oracle/internal/model"
	"github.com/yourorg/gravity-oracle/internal/types"
	"github.com/yourorg/gravity-oracle/internal/validation"
)

type fakeSource struct {
	name    string
	samples []model.YieldSample
	err     error
	calls   int
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Fetch(context.Context) ([]model.YieldSample, error) {
	f.calls++
	return f.samples, f.err
}

func sample(venue types.VenueID, ts, apy int64) model.YieldSample {
	return model.YieldSample{Venue: venue, Timestamp: ts, APYBps: apy}
}

func TestHTTPSource_WrongTypeFailsClosed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"data":[
			{"venue":"jitosol","apy_bps":712,"tvl_usd":1250000000.5},
			{"venue":"msol","apy_bps":"oops"},
			{"venue":"unknown","apy_bps":500},
			{"venue":"bsol"},
			{"venue":"jupsol","apy_bps":830}
		]}`))
	}))
	defer server.Close()

	src := NewHTTPSource(HTTPSourceOptions{Name: "test", URL: server.URL, APIKey: "key", Validation: validation.DefaultValidationOptions()})
	_, err := src.Fetch(context.Background())
	// a row with the wrong type fails the whole document decode
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error decoding response")
}

func TestHTTPSource_DropsInvalidRows(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[
			{"venue":"jitosol","apy_bps":712,"tvl_usd":1250000000.5},
			{"venue":"unknown","apy_bps":500},
			{"venue":"bsol"},
			{"venue":"jupsol","apy_bps":830}
		]}`))
	}))
	defer server.Close()

	now := time.Unix(1_700_000_000, 0)
	src := NewHTTPSource(HTTPSourceOptions{URL: server.URL, Validation: validation.DefaultValidationOptions()})
	src.now = func() time.Time { return now }

	got, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, types.VenueJitoSOL, got[0].Venue)
	assert.Equal(t, int64(712), got[0].APYBps)
	assert.Equal(t, 1250000000.5, *got[0].TVLUSD)
	assert.Equal(t, now.Unix(), got[0].Timestamp)
	assert.Equal(t, types.VenueJupSOL, got[1].Venue)
	assert.False(t, got[1].HasTVL())
}

func TestHTTPSource_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{name: "bad status", status: http.StatusBadRequest, body: `nope`, want: "status 400"},
		{name: "no rows", status: http.StatusOK, body: `{"data":[]}`, want: ErrNoData.Error()},
		{name: "only invalid rows", status: http.StatusOK, body: `{"data":[{"venue":"jitosol"}]}`, want: ErrNoData.Error()},
		{name: "not json", status: http.StatusOK, body: `<html>`, want: "error decoding"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewHTTPSource(HTTPSourceOptions{URL: server.URL}).Fetch(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestResilient_FallbackChain(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	primary := &fakeSource{name: "primary", samples: []model.YieldSample{sample(types.VenueJitoSOL, now.Unix(), 700), sample(types.VenueMSOL, now.Unix(), 690)}}
	secondary := &fakeSource{name: "secondary", samples: []model.YieldSample{sample(types.VenueMSOL, now.Unix(), 999), sample(types.VenueBSOL, now.Unix(), 760)}}

	c := NewResilient([]Client{primary, secondary}, ResilientOptions{
		FreshnessWindow: 15 * time.Minute,
		Simulator:       NewSimulator(nil),
	}).WithClock(func() time.Time { return now })

	// live: merged, primary wins for msol
	got, err := c.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, int64(690), got[1].APYBps)
	assert.Equal(t, model.SourceLive, SourceOf(got))

	// both sources down: cached within the window
	primary.err, secondary.err = errors.New("timeout"), errors.New("timeout")
	primary.samples, secondary.samples = nil, nil
	now = now.Add(10 * time.Minute)
	got, err = c.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, model.SourceCached, SourceOf(got))
	assert.Equal(t, now.Add(-10*time.Minute).Unix(), got[0].Timestamp, "cached samples keep their timestamp")

	// cache expired: simulation
	now = now.Add(10 * time.Minute)
	got, err = c.Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, len(types.AllVenues()))
	assert.Equal(t, model.SourceSimulated, SourceOf(got))
	for _, s := range got {
		assert.Equal(t, model.SourceSimulated, s.Source)
	}
}

func TestResilient_MedianMerge(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a := &fakeSource{name: "a", samples: []model.YieldSample{sample(types.VenueMSOL, now.Unix(), 690)}}
	b := &fakeSource{name: "b", samples: []model.YieldSample{sample(types.VenueMSOL, now.Unix(), 700)}}
	c := &fakeSource{name: "c", samples: []model.YieldSample{sample(types.VenueMSOL, now.Unix(), 980)}}

	r := NewResilient([]Client{a, b, c}, ResilientOptions{Merge: aggregate.StrategyMedian}).
		WithClock(func() time.Time { return now })
	got, err := r.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(700), got[0].APYBps)
	assert.Equal(t, model.SourceLive, got[0].Source)
}

func TestResilient_PartialLiveIsAGap(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	src := &fakeSource{name: "src", samples: []model.YieldSample{sample(types.VenueJitoSOL, now.Unix(), 700), sample(types.VenueMSOL, now.Unix(), 690)}}
	c := NewResilient([]Client{src}, ResilientOptions{}).WithClock(func() time.Time { return now })
	_, err := c.Fetch(context.Background())
	require.NoError(t, err)

	src.samples = src.samples[:1]
	got, err := c.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1, "a venue missing from a live batch is skipped, not filled from cache")
	assert.Equal(t, types.VenueJitoSOL, got[0].Venue)
}

func TestResilient_BreakerRejectsLiveBatch(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	src := &fakeSource{name: "src", samples: []model.YieldSample{sample(types.VenueJitoSOL, now.Unix(), 700)}}
	breaker := circuitbreaker.New(circuitbreaker.Thresholds{MaxAPYBps: 5_000, MinVenues: 1})
	c := NewResilient([]Client{src}, ResilientOptions{Breaker: breaker}).WithClock(func() time.Time { return now })

	_, err := c.Fetch(context.Background())
	require.NoError(t, err)

	now = now.Add(5 * time.Minute)
	src.samples = []model.YieldSample{sample(types.VenueJitoSOL, now.Unix(), 90_000)}
	got, err := c.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(700), got[0].APYBps)
	assert.Equal(t, model.SourceCached, got[0].Source)
	assert.Equal(t, circuitbreaker.StateOpen, breaker.GetState())
}

func TestResilient_NothingAvailable(t *testing.T) {
	src := &fakeSource{name: "src", err: errors.New("down")}
	_, err := NewResilient([]Client{src}, ResilientOptions{}).Fetch(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestSimulator_Deterministic(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	sim := NewSimulator(nil)
	first, second := sim.At(at), sim.At(at)
	assert.Equal(t, first, second)

	for _, s := range first {
		cfg, ok := types.Venue(s.Venue)
		require.True(t, ok)
		assert.InDelta(t, cfg.BaseAPYBps, s.APYBps, float64(cfg.BaseAPYBps)*0.05+1)
		assert.True(t, s.HasTVL())
	}
	assert.NotEqual(t, first[0].APYBps, sim.At(at.Add(90 * time.Minute))[0].APYBps)
}

func TestSourceOf(t *testing.T) {
	assert.Equal(t, model.SourceSimulated, SourceOf(nil))
	assert.Equal(t, model.SourceLive, SourceOf([]model.YieldSample{{Source: model.SourceLive}}))
	assert.Equal(t, model.SourceCached, SourceOf([]model.YieldSample{{Source: model.SourceLive}, {Source: model.SourceCached}}))
}
