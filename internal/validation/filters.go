// Package validation turns raw data-source rows into yield samples.
// Rows that fail validation are dropped: a malformed row is a gap for that
// venue in this cycle, never a zero.
package validation

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/gravity-oracle/internal/model"
	"github.com/yourorg/gravity-oracle/internal/types"
)

// Validation failures
var (
	ErrMissingField = errors.New("missing field")
	ErrUnknownVenue = errors.New("unknown venue")
	ErrOutOfRange   = errors.New("value out of range")
	ErrStale        = errors.New("sample too old")
)

// RawSample is a data-source row as decoded from the wire. Every field is
// optional until validated.
type RawSample struct {
	Venue     *string  `json:"venue"`
	APYBps    *float64 `json:"apy_bps"`
	TVLUSD    *float64 `json:"tvl_usd"`
	Timestamp *int64   `json:"ts"`
}

// ValidationOptions holds configuration for the validation process
type ValidationOptions struct {
	// MaxAge defines how recent a sample must be to be considered valid
	MaxAge time.Duration

	// MinTVL defines the minimum TVL a reported TVL must exceed
	MinTVL float64

	// MaxAPYBps defines the maximum reasonable APY value
	MaxAPYBps int64

	// RequireTVL drops rows without a TVL reading
	RequireTVL bool
}

// DefaultValidationOptions returns sensible defaults for validation
func DefaultValidationOptions() ValidationOptions {
	return ValidationOptions{
		MaxAge:    time.Hour,
		MinTVL:    0,
		MaxAPYBps: 100_000, // 1000%
	}
}

// Validate checks a single row and converts it to a sample stamped with now
// unless the row carries its own timestamp.
func Validate(raw RawSample, now time.Time, opts ValidationOptions) (model.YieldSample, error) {
	if raw.Venue == nil || strings.TrimSpace(*raw.Venue) == "" {
		return model.YieldSample{}, fmt.Errorf("%w: venue", ErrMissingField)
	}
	venue, err := types.ParseVenue(*raw.Venue)
	if err != nil {
		return model.YieldSample{}, fmt.Errorf("%w: %s", ErrUnknownVenue, *raw.Venue)
	}

	if raw.APYBps == nil {
		return model.YieldSample{}, fmt.Errorf("%w: apy_bps for %s", ErrMissingField, venue)
	}
	apy := math.Round(*raw.APYBps)
	if apy < 0 || (opts.MaxAPYBps > 0 && apy > float64(opts.MaxAPYBps)) {
		return model.YieldSample{}, fmt.Errorf("%w: apy_bps %.1f for %s", ErrOutOfRange, *raw.APYBps, venue)
	}

	var tvl *float64
	if raw.TVLUSD != nil {
		if *raw.TVLUSD <= opts.MinTVL || math.IsInf(*raw.TVLUSD, 0) {
			return model.YieldSample{}, fmt.Errorf("%w: tvl_usd %f for %s", ErrOutOfRange, *raw.TVLUSD, venue)
		}
		v := *raw.TVLUSD
		tvl = &v
	} else if opts.RequireTVL {
		return model.YieldSample{}, fmt.Errorf("%w: tvl_usd for %s", ErrMissingField, venue)
	}

	sample := model.NewSample(venue, now, int64(apy), tvl)
	if raw.Timestamp != nil {
		ts := time.Unix(*raw.Timestamp, 0)
		if ts.After(now.Add(time.Minute)) {
			return model.YieldSample{}, fmt.Errorf("%w: timestamp %d in the future for %s", ErrOutOfRange, *raw.Timestamp, venue)
		}
		if opts.MaxAge > 0 && now.Sub(ts) > opts.MaxAge {
			return model.YieldSample{}, fmt.Errorf("%w: %s old for %s", ErrStale, now.Sub(ts).Truncate(time.Second), venue)
		}
		sample.Timestamp = *raw.Timestamp
	}
	return sample, nil
}

// FilterInvalid validates every row, logs and drops the invalid ones, and keeps
// the first valid row per venue.
func FilterInvalid(rows []RawSample, now time.Time, opts ValidationOptions) []model.YieldSample {
	valid := make([]model.YieldSample, 0, len(rows))
	seen := make(map[types.VenueID]bool, len(rows))
	for _, row := range rows {
		s, err := Validate(row, now, opts)
		if err != nil {
			logrus.WithError(err).Debug("Filtered invalid sample")
			continue
		}
		if seen[s.Venue] {
			logrus.WithField("venue", s.Venue).Debug("Filtered duplicate venue row")
			continue
		}
		seen[s.Venue] = true
		valid = append(valid, s)
	}
	return valid
}
