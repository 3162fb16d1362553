package validation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/gravity-oracle/internal/types"
)

func str(s string) *string   { return &s }
func num(f float64) *float64 { return &f }
func stamp(ts int64) *int64  { return &ts }

func TestValidate(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name    string
		raw     RawSample
		opts    ValidationOptions
		wantErr error
	}{
		{name: "valid", raw: RawSample{Venue: str("jitosol"), APYBps: num(712), TVLUSD: num(1.2e9)}, opts: DefaultValidationOptions()},
		{name: "valid without tvl", raw: RawSample{Venue: str("msol"), APYBps: num(700)}, opts: DefaultValidationOptions()},
		{name: "missing venue", raw: RawSample{APYBps: num(712)}, opts: DefaultValidationOptions(), wantErr: ErrMissingField},
		{name: "unknown venue", raw: RawSample{Venue: str("stsol"), APYBps: num(712)}, opts: DefaultValidationOptions(), wantErr: ErrUnknownVenue},
		{name: "missing apy", raw: RawSample{Venue: str("jitosol")}, opts: DefaultValidationOptions(), wantErr: ErrMissingField},
		{name: "negative apy", raw: RawSample{Venue: str("jitosol"), APYBps: num(-1)}, opts: DefaultValidationOptions(), wantErr: ErrOutOfRange},
		{name: "absurd apy", raw: RawSample{Venue: str("jitosol"), APYBps: num(250_000)}, opts: DefaultValidationOptions(), wantErr: ErrOutOfRange},
		{name: "zero tvl", raw: RawSample{Venue: str("jitosol"), APYBps: num(700), TVLUSD: num(0)}, opts: DefaultValidationOptions(), wantErr: ErrOutOfRange},
		{name: "tvl required", raw: RawSample{Venue: str("jitosol"), APYBps: num(700)}, opts: ValidationOptions{RequireTVL: true}, wantErr: ErrMissingField},
		{name: "stale", raw: RawSample{Venue: str("jitosol"), APYBps: num(700), Timestamp: stamp(now.Add(-2 * time.Hour).Unix())}, opts: DefaultValidationOptions(), wantErr: ErrStale},
		{name: "future", raw: RawSample{Venue: str("jitosol"), APYBps: num(700), Timestamp: stamp(now.Add(time.Hour).Unix())}, opts: DefaultValidationOptions(), wantErr: ErrOutOfRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(tt.raw, now, tt.opts)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidate_Conversion(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s, err := Validate(RawSample{Venue: str(" JupSOL "), APYBps: num(829.6), TVLUSD: num(5e8), Timestamp: stamp(now.Unix() - 30)}, now, DefaultValidationOptions())
	require.NoError(t, err)

	assert.Equal(t, types.VenueJupSOL, s.Venue)
	assert.Equal(t, int64(830), s.APYBps)
	require.True(t, s.HasTVL())
	assert.Equal(t, 5e8, *s.TVLUSD)
	assert.Equal(t, now.Unix()-30, s.Timestamp)
}

func TestFilterInvalid(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rows := []RawSample{
		{Venue: str("jitosol"), APYBps: num(712)},
		{Venue: str("jitosol"), APYBps: num(999)},
		{Venue: str("msol"), APYBps: num(-5)},
		{Venue: str("bsol"), APYBps: num(760), TVLUSD: num(3e8)},
		{},
	}

	got := FilterInvalid(rows, now, DefaultValidationOptions())
	require.Len(t, got, 2)
	assert.Equal(t, types.VenueJitoSOL, got[0].Venue)
	assert.Equal(t, int64(712), got[0].APYBps)
	assert.Equal(t, types.VenueBSOL, got[1].Venue)
	assert.Equal(t, now.Unix(), got[1].Timestamp)

	assert.Empty(t, FilterInvalid(nil, now, DefaultValidationOptions()))
}
