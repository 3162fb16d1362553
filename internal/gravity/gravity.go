// Package gravity turns per-venue yield history into ranked gravity scores.
//
// The analysis looks at how fast a venue's yield moves (velocity), in which
// direction it keeps moving (momentum), where it sits relative to its recent
// mean and range, and how its TVL is changing. TVL inflows predict yield
// compression and outflows predict expansion. All windows and thresholds are
// fixed policy constants.
package gravity

import (
	"fmt"
	"math"
	"sort"

	"github.com/yourorg/gravity-oracle/internal/history"
	"github.com/yourorg/gravity-oracle/internal/model"
	"github.com/yourorg/gravity-oracle/internal/types"
)

// Policy constants
const (
	// MinSamples is the number of samples a venue needs before it gets a score
	MinSamples = 6

	VelocityWindow = 6
	MomentumWindow = 12
	MeanWindow     = 24
	MeanMinPoints  = 12

	// MinVelocitySpanSeconds guards the velocity division against near-zero spans
	MinVelocitySpanSeconds = 6 * 60

	TrendThresholdBpsPerHour = 20.0

	StrongMomentum   = 0.6
	ModerateMomentum = 0.3
	WeakMomentumMax  = 0.5

	MaxMomentumImpact      = 50.0
	MeanReversionThreshold = 0.10
	MaxMeanReversionImpact = 30.0

	BreakoutUpper  = 1.05
	BreakoutLower  = 0.95
	BreakoutImpact = 40.0

	TVLCompressionPct   = 5.0
	TVLMildInflowPct    = 2.0
	TVLTrendPct         = 2.0
	MaxTVLImpact        = 40.0
	TVLMildInflowImpact = -10.0

	PredictionWeight = 0.7
	MaxConfidence    = 0.9
	WeakDiscount     = 0.7
	MomentumWeight   = 20.0
)

// Analyzer computes GravityAnalysis snapshots. It records every sample it
// analyzes into the injected history, so analysis always covers the current sample.
type Analyzer struct {
	history *history.History
	venues  map[types.VenueID]types.VenueConfig
}

// NewAnalyzer creates an analyzer over the given history and venue catalog.
// An empty catalog falls back to every known venue.
func NewAnalyzer(h *history.History, venues []types.VenueConfig) *Analyzer {
	if len(venues) == 0 {
		venues = types.AllVenues()
	}
	catalog := make(map[types.VenueID]types.VenueConfig, len(venues))
	for _, v := range venues {
		catalog[v.ID] = v
	}
	return &Analyzer{history: h, venues: catalog}
}

// History returns the history the analyzer records into
func (a *Analyzer) History() *history.History {
	return a.history
}

// AnalyzeAll records every sample of a cycle and returns one analysis per
// sampled venue, ranked. Venues without a sample this cycle are skipped.
func (a *Analyzer) AnalyzeAll(samples []model.YieldSample) []model.GravityAnalysis {
	out := make([]model.GravityAnalysis, 0, len(samples))
	seen := make(map[types.VenueID]bool, len(samples))
	for _, s := range samples {
		if seen[s.Venue] {
			continue
		}
		if _, ok := a.venues[s.Venue]; !ok {
			continue
		}
		seen[s.Venue] = true
		out = append(out, a.Analyze(s))
	}
	return Rank(out)
}

// Analyze records the current sample and derives the venue's analysis
func (a *Analyzer) Analyze(current model.YieldSample) model.GravityAnalysis {
	a.history.Record(current)

	cfg := a.venues[current.Venue]
	apy := float64(current.APYBps)
	result := model.GravityAnalysis{
		Venue:            current.Venue,
		Executable:       cfg.Executable,
		RiskScore:        cfg.RiskScore,
		Samples:          a.history.Len(current.Venue),
		Source:           current.Source,
		CurrentAPYBps:    apy,
		AdjustedAPYBps:   AdjustedAPY(apy, cfg.RiskScore),
		VelocityTrend:    model.TrendStable,
		MomentumStrength: model.StrengthWeak,
		TVLTrend:         model.TVLStable,
		Signals:          []model.Signal{},
	}
	if result.Samples < MinSamples {
		return result
	}
	result.Ready = true

	velocityWindow := a.history.Window(current.Venue, VelocityWindow)
	result.VelocityBpsPerHour = Velocity(velocityWindow)
	result.VelocityTrend = VelocityTrend(result.VelocityBpsPerHour)

	result.Momentum = Momentum(a.history.Window(current.Venue, MomentumWindow))
	result.MomentumStrength = MomentumStrength(result.Momentum)

	if sig, ok := momentumSignal(result.VelocityBpsPerHour, result.VelocityTrend, result.MomentumStrength); ok {
		result.Signals = append(result.Signals, sig)
	}

	mean, hasMean := Mean(a.history.Window(current.Venue, MeanWindow))
	if hasMean {
		if sig, ok := meanReversionSignal(apy, mean); ok {
			result.Signals = append(result.Signals, sig)
		}
	}

	// breakout looks at the range the current sample is breaking out of
	prior := a.history.Window(current.Venue, MeanWindow+1)
	prior = prior[:len(prior)-1]
	if sig, ok := breakoutSignal(apy, prior); ok {
		result.Signals = append(result.Signals, sig)
	}

	if change, ok := TVLChange(velocityWindow); ok {
		result.TVLChangePercent = change
		result.TVLTrend = TVLTrendOf(change)
		if sig, ok := tvlSignal(change); ok {
			result.Signals = append(result.Signals, sig)
		}
	}

	predicted := apy + result.VelocityBpsPerHour
	if hasMean {
		predicted = predicted*PredictionWeight + mean*(1-PredictionWeight)
	}
	result.PredictedAPYBps = predicted
	result.Confidence = Confidence(result.Samples, a.history.Capacity(), result.Momentum)
	result.GravityScore = result.AdjustedAPYBps + result.SignalImpact() + result.Momentum*MomentumWeight

	return result
}

// AdjustedAPY discounts a raw APY by the venue's risk score
func AdjustedAPY(apyBps float64, riskScore int) float64 {
	return apyBps * float64(100-riskScore) / 100
}

// Velocity returns the APY change in bps per hour between the first and last
// sample. It is 0 for fewer than two samples or a span shorter than six minutes.
func Velocity(samples []model.YieldSample) float64 {
	if len(samples) < 2 {
		return 0
	}
	first, last := samples[0], samples[len(samples)-1]
	span := last.Timestamp - first.Timestamp
	if span < MinVelocitySpanSeconds {
		return 0
	}
	hours := float64(span) / 3600
	return float64(last.APYBps-first.APYBps) / hours
}

// VelocityTrend labels a velocity
func VelocityTrend(velocity float64) model.Trend {
	switch {
	case velocity > TrendThresholdBpsPerHour:
		return model.TrendRising
	case velocity < -TrendThresholdBpsPerHour:
		return model.TrendFalling
	default:
		return model.TrendStable
	}
}

// Momentum returns (up - down) / (up + down) over consecutive APY moves, in [-1, 1]
func Momentum(samples []model.YieldSample) float64 {
	var up, down int
	for i := 1; i < len(samples); i++ {
		switch delta := samples[i].APYBps - samples[i-1].APYBps; {
		case delta > 0:
			up++
		case delta < 0:
			down++
		}
	}
	if up+down == 0 {
		return 0
	}
	return float64(up-down) / float64(up+down)
}

// MomentumStrength labels the magnitude of a momentum value
func MomentumStrength(momentum float64) model.Strength {
	abs := math.Abs(momentum)
	switch {
	case abs > StrongMomentum:
		return model.StrengthStrong
	case abs > ModerateMomentum:
		return model.StrengthModerate
	default:
		return model.StrengthWeak
	}
}

// Mean returns the average APY of the samples, requiring MeanMinPoints of them
func Mean(samples []model.YieldSample) (float64, bool) {
	if len(samples) < MeanMinPoints {
		return 0, false
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s.APYBps)
	}
	return sum / float64(len(samples)), true
}

// TVLChange returns the TVL change in percent between the first and last
// samples that carry a TVL reading. ok is false with fewer than two readings
// or a non-positive starting TVL.
func TVLChange(samples []model.YieldSample) (float64, bool) {
	var first, last *float64
	for i := range samples {
		if !samples[i].HasTVL() {
			continue
		}
		if first == nil {
			first = samples[i].TVLUSD
			continue
		}
		last = samples[i].TVLUSD
	}
	if first == nil || last == nil || *first <= 0 {
		return 0, false
	}
	return (*last - *first) / *first * 100, true
}

// TVLTrendOf labels a TVL change in percent
func TVLTrendOf(changePct float64) model.TVLTrend {
	switch {
	case changePct > TVLTrendPct:
		return model.TVLInflow
	case changePct < -TVLTrendPct:
		return model.TVLOutflow
	default:
		return model.TVLStable
	}
}

// Confidence grows with the sample count up to MaxConfidence and is discounted
// when momentum is weak.
func Confidence(samples, capacity int, momentum float64) float64 {
	if samples < MinSamples || capacity <= 0 {
		return 0
	}
	c := math.Min(MaxConfidence, float64(samples)/float64(capacity))
	if math.Abs(momentum) <= WeakMomentumMax {
		c *= WeakDiscount
	}
	return c
}

func momentumSignal(velocity float64, trend model.Trend, strength model.Strength) (model.Signal, bool) {
	if trend == model.TrendStable || strength == model.StrengthWeak {
		return model.Signal{}, false
	}
	impact := clamp(velocity/2, -MaxMomentumImpact, MaxMomentumImpact)
	if trend == model.TrendRising {
		return model.Signal{
			Type:      model.SignalMomentum,
			Message:   fmt.Sprintf("yield rising %.1f bps/h with %s momentum", velocity, strength),
			ImpactBps: impact,
		}, true
	}
	return model.Signal{
		Type:      model.SignalWarning,
		Message:   fmt.Sprintf("yield falling %.1f bps/h with %s momentum", velocity, strength),
		ImpactBps: impact,
	}, true
}

func meanReversionSignal(current, mean float64) (model.Signal, bool) {
	if mean <= 0 {
		return model.Signal{}, false
	}
	deviation := (current - mean) / mean
	if math.Abs(deviation) <= MeanReversionThreshold {
		return model.Signal{}, false
	}
	impact := clamp(-deviation*100*2, -MaxMeanReversionImpact, MaxMeanReversionImpact)
	direction := "above"
	if deviation < 0 {
		direction = "below"
	}
	return model.Signal{
		Type:      model.SignalMeanReversion,
		Message:   fmt.Sprintf("yield %.1f%% %s 24-sample mean of %.0f bps", math.Abs(deviation)*100, direction, mean),
		ImpactBps: impact,
	}, true
}

func breakoutSignal(current float64, prior []model.YieldSample) (model.Signal, bool) {
	if len(prior) < MeanMinPoints {
		return model.Signal{}, false
	}
	high, low := prior[0].APYBps, prior[0].APYBps
	for _, s := range prior[1:] {
		high = max(high, s.APYBps)
		low = min(low, s.APYBps)
	}
	switch {
	case current > BreakoutUpper*float64(high):
		return model.Signal{
			Type:      model.SignalBreakout,
			Message:   fmt.Sprintf("yield broke above recent high of %d bps", high),
			ImpactBps: BreakoutImpact,
		}, true
	case current < BreakoutLower*float64(low):
		return model.Signal{
			Type:      model.SignalWarning,
			Message:   fmt.Sprintf("yield broke below recent low of %d bps", low),
			ImpactBps: -BreakoutImpact,
		}, true
	}
	return model.Signal{}, false
}

func tvlSignal(changePct float64) (model.Signal, bool) {
	switch {
	case changePct > TVLCompressionPct:
		return model.Signal{
			Type:      model.SignalTVLCompression,
			Message:   fmt.Sprintf("TVL up %.1f%%, yield compression expected", changePct),
			ImpactBps: math.Max(-MaxTVLImpact, -3*changePct),
		}, true
	case changePct < -TVLCompressionPct:
		return model.Signal{
			Type:      model.SignalTVLCompression,
			Message:   fmt.Sprintf("TVL down %.1f%%, yield expansion expected", -changePct),
			ImpactBps: math.Min(MaxTVLImpact, -3*changePct),
		}, true
	case changePct >= TVLMildInflowPct:
		return model.Signal{
			Type:      model.SignalWarning,
			Message:   fmt.Sprintf("TVL inflow %.1f%%", changePct),
			ImpactBps: TVLMildInflowImpact,
		}, true
	}
	return model.Signal{}, false
}

// Rank returns a copy of the analyses ordered by gravity score, then adjusted
// APY, then venue id. The order is total, so equal inputs rank identically.
func Rank(analyses []model.GravityAnalysis) []model.GravityAnalysis {
	ranked := make([]model.GravityAnalysis, len(analyses))
	copy(ranked, analyses)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.GravityScore != b.GravityScore {
			return a.GravityScore > b.GravityScore
		}
		if a.AdjustedAPYBps != b.AdjustedAPYBps {
			return a.AdjustedAPYBps > b.AdjustedAPYBps
		}
		return a.Venue < b.Venue
	})
	return ranked
}

// Best returns the highest ranked venue that is ready and, when
// executableOnly is set, has an execution path.
func Best(ranked []model.GravityAnalysis, executableOnly bool) (model.GravityAnalysis, bool) {
	for _, a := range ranked {
		if !a.Ready {
			continue
		}
		if executableOnly && !a.Executable {
			continue
		}
		return a, true
	}
	return model.GravityAnalysis{}, false
}

// Find returns the analysis of a venue
func Find(analyses []model.GravityAnalysis, venue types.VenueID) (model.GravityAnalysis, bool) {
	for _, a := range analyses {
		if a.Venue == venue {
			return a, true
		}
	}
	return model.GravityAnalysis{}, false
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
