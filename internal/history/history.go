// Package history keeps the bounded per-venue time series the gravity analysis runs on.
//
// A History is owned by a single cycle driver and is not safe for concurrent use.
// Persist it through Snapshot and rebuild it with Restore.
package history

import (
	"iter"
	"sort"

	"github.com/yourorg/gravity-oracle/internal/model"
	"github.com/yourorg/gravity-oracle/internal/types"
)

// DefaultCapacity keeps 24h of samples at a 5-minute cadence.
const DefaultCapacity = 288

// History is an append-only, per-venue ring of yield samples.
type History struct {
	capacity int
	series   map[types.VenueID][]model.YieldSample
}

// New creates an empty history. A non-positive capacity falls back to DefaultCapacity.
func New(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &History{
		capacity: capacity,
		series:   make(map[types.VenueID][]model.YieldSample),
	}
}

// Capacity returns the retention cap per venue
func (h *History) Capacity() int {
	return h.capacity
}

// Record appends the sample when it is newer than the last stored one for its venue.
// Replayed or duplicate samples are ignored and Record returns false.
func (h *History) Record(s model.YieldSample) bool {
	series := h.series[s.Venue]
	if n := len(series); n > 0 && s.Timestamp <= series[n-1].Timestamp {
		return false
	}

	series = append(series, s)
	if len(series) > h.capacity {
		// drop the oldest and reslice into a fresh backing array so evicted
		// samples do not pin memory forever
		trimmed := make([]model.YieldSample, h.capacity, h.capacity+1)
		copy(trimmed, series[len(series)-h.capacity:])
		series = trimmed
	}
	h.series[s.Venue] = series
	return true
}

// Len returns the number of stored samples for a venue
func (h *History) Len(venue types.VenueID) int {
	return len(h.series[venue])
}

// Latest returns the newest sample for a venue
func (h *History) Latest(venue types.VenueID) (model.YieldSample, bool) {
	series := h.series[venue]
	if len(series) == 0 {
		return model.YieldSample{}, false
	}
	return series[len(series)-1], true
}

// Window returns a copy of the most recent n samples (or fewer), oldest first.
func (h *History) Window(venue types.VenueID, n int) []model.YieldSample {
	series := tail(h.series[venue], n)
	out := make([]model.YieldSample, len(series))
	copy(out, series)
	return out
}

// Iter returns a lazy view over the most recent n samples, oldest first.
// The sequence can be ranged over any number of times and never blocks; each
// pass reflects the history at the moment iteration starts.
func (h *History) Iter(venue types.VenueID, n int) iter.Seq[model.YieldSample] {
	return func(yield func(model.YieldSample) bool) {
		for _, s := range tail(h.series[venue], n) {
			if !yield(s) {
				return
			}
		}
	}
}

// Venues returns the venues with at least one sample, ordered by id
func (h *History) Venues() []types.VenueID {
	out := make([]types.VenueID, 0, len(h.series))
	for v, series := range h.series {
		if len(series) > 0 {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Snapshot returns a deep copy of every series for persistence
func (h *History) Snapshot() map[types.VenueID][]model.YieldSample {
	out := make(map[types.VenueID][]model.YieldSample, len(h.series))
	for v, series := range h.series {
		cp := make([]model.YieldSample, len(series))
		copy(cp, series)
		out[v] = cp
	}
	return out
}

// Restore replaces the content with persisted series. Samples are replayed
// through Record so ordering, deduplication and the retention cap hold even
// for a hand-edited state file.
func (h *History) Restore(data map[types.VenueID][]model.YieldSample) {
	h.series = make(map[types.VenueID][]model.YieldSample, len(data))
	for venue, series := range data {
		sorted := make([]model.YieldSample, len(series))
		copy(sorted, series)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp < sorted[j].Timestamp })
		for _, s := range sorted {
			s.Venue = venue
			h.Record(s)
		}
	}
}

func tail(series []model.YieldSample, n int) []model.YieldSample {
	if n <= 0 {
		return nil
	}
	if n > len(series) {
		n = len(series)
	}
	return series[len(series)-n:]
}
