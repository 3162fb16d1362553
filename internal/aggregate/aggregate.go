// Package aggregate führt die Meldungen mehrerer Datenquellen zu einem Sample
// pro Venue zusammen.
package aggregate

import (
	"fmt"
	"math"
	"sort"

	"github.com/yourorg/gravity-oracle/internal/model"
	"github.com/yourorg/gravity-oracle/internal/types"
)

// Strategy bestimmt, wie mehrere Meldungen derselben Venue kombiniert werden
type Strategy string

const (
	// StrategyPriority übernimmt die Meldung der ersten Quelle
	StrategyPriority Strategy = "priority"
	StrategyMedian   Strategy = "median"
	// StrategyWeighted gewichtet die APY mit der gemeldeten TVL
	StrategyWeighted Strategy = "weighted"
	// StrategyTrimmed verwirft die extremen Meldungen vor der Mittelung
	StrategyTrimmed Strategy = "trimmed"
)

// trimPercent ist der Anteil, der bei StrategyTrimmed oben und unten wegfällt
const trimPercent = 0.1

// ParseStrategy liest eine Strategie aus der Konfiguration
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyPriority, StrategyMedian, StrategyWeighted, StrategyTrimmed:
		return Strategy(s), nil
	case "":
		return StrategyPriority, nil
	}
	return "", fmt.Errorf("unknown source merge strategy %q", s)
}

// Combine fasst die Meldungen pro Venue zusammen. reports ist nach
// Quellenpriorität sortiert, das Ergebnis nach Venue.
func Combine(reports [][]model.YieldSample, strategy Strategy) []model.YieldSample {
	byVenue := make(map[types.VenueID][]model.YieldSample)
	for _, report := range reports {
		seen := make(map[types.VenueID]bool, len(report))
		for _, s := range report {
			// eine Quelle zählt pro Venue nur einmal
			if seen[s.Venue] {
				continue
			}
			seen[s.Venue] = true
			byVenue[s.Venue] = append(byVenue[s.Venue], s)
		}
	}

	venues := make([]types.VenueID, 0, len(byVenue))
	for v := range byVenue {
		venues = append(venues, v)
	}
	sort.Slice(venues, func(i, j int) bool { return venues[i] < venues[j] })

	out := make([]model.YieldSample, 0, len(venues))
	for _, v := range venues {
		out = append(out, combineVenue(byVenue[v], strategy))
	}
	return out
}

func combineVenue(samples []model.YieldSample, strategy Strategy) model.YieldSample {
	if len(samples) == 1 {
		return samples[0]
	}
	switch strategy {
	case StrategyMedian:
		return MedianSample(samples)
	case StrategyWeighted:
		if s, ok := Weighted(samples); ok {
			return s
		}
		return MedianSample(samples)
	case StrategyTrimmed:
		return TrimmedMean(samples, trimPercent)
	default:
		return samples[0]
	}
}

// Weighted berechnet die TVL-gewichtete APY. ok ist false, wenn keine
// Meldung eine positive TVL trägt.
func Weighted(samples []model.YieldSample) (model.YieldSample, bool) {
	var totalTVL, weightedAPY float64
	for _, s := range samples {
		if !s.HasTVL() || *s.TVLUSD <= 0 {
			continue
		}
		totalTVL += *s.TVLUSD
		weightedAPY += float64(s.APYBps) * *s.TVLUSD
	}
	if totalTVL <= 0 || math.IsNaN(weightedAPY) || math.IsInf(weightedAPY, 0) {
		return model.YieldSample{}, false
	}

	out := base(samples)
	out.APYBps = int64(math.Round(weightedAPY / totalTVL))
	return out, true
}

// Median liefert den Median der ausgewählten Werte
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}

// MedianSample nimmt den Median von APY und TVL, robust gegen einzelne Ausreißer
func MedianSample(samples []model.YieldSample) model.YieldSample {
	apys := make([]float64, 0, len(samples))
	for _, s := range samples {
		apys = append(apys, float64(s.APYBps))
	}
	out := base(samples)
	out.APYBps = int64(math.Round(Median(apys)))
	return out
}

// FilterOutliers entfernt Meldungen außerhalb von 1,5 IQR. Unter vier
// Meldungen ist die Statistik zu dünn und alles bleibt erhalten.
func FilterOutliers(samples []model.YieldSample) []model.YieldSample {
	if len(samples) < 4 {
		return samples
	}

	apys := make([]float64, 0, len(samples))
	for _, s := range samples {
		apys = append(apys, float64(s.APYBps))
	}
	sort.Float64s(apys)
	n := len(apys)

	q1 := apys[n/4]
	q3 := apys[n*3/4]
	iqr := q3 - q1
	lower := q1 - 1.5*iqr
	upper := q3 + 1.5*iqr

	filtered := make([]model.YieldSample, 0, len(samples))
	for _, s := range samples {
		if apy := float64(s.APYBps); apy >= lower && apy <= upper {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

// TrimmedMean verwirft trim der niedrigsten und höchsten APY-Meldungen und
// mittelt den Rest. Bei weniger als drei Meldungen wird der Median genommen.
func TrimmedMean(samples []model.YieldSample, trim float64) model.YieldSample {
	samples = FilterOutliers(samples)
	if len(samples) < 3 || trim <= 0 || trim >= 0.5 {
		return MedianSample(samples)
	}

	sorted := append([]model.YieldSample(nil), samples...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].APYBps < sorted[j].APYBps })
	cut := int(float64(len(sorted)) * trim)
	kept := sorted[cut : len(sorted)-cut]

	var sum float64
	for _, s := range kept {
		sum += float64(s.APYBps)
	}
	out := base(samples)
	out.APYBps = int64(math.Round(sum / float64(len(kept))))
	return out
}

// base übernimmt Venue und Quelle, den neuesten Zeitstempel und die Median-TVL
func base(samples []model.YieldSample) model.YieldSample {
	out := model.YieldSample{Venue: samples[0].Venue, Source: samples[0].Source}
	var tvls []float64
	for _, s := range samples {
		out.Timestamp = max(out.Timestamp, s.Timestamp)
		if s.HasTVL() {
			tvls = append(tvls, *s.TVLUSD)
		}
	}
	if len(tvls) > 0 {
		tvl := Median(tvls)
		out.TVLUSD = &tvl
	}
	return out
}
