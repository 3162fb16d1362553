// Package model defines the core data structures for the gravity oracle.
package model

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yourorg/gravity-oracle/internal/types"
)

// Source tells where a sample came from. Simulated data must never be mistaken
// for live data in the audit trail.
type Source string

const (
	SourceLive      Source = "live"
	SourceCached    Source = "cached"
	SourceSimulated Source = "simulated"
)

// YieldSample is a single yield/TVL observation for a venue.
// This is the core data structure that flows through the entire application.
type YieldSample struct {
	Venue types.VenueID `json:"venue"`

	// Timestamp is the Unix time in seconds when the sample was taken
	Timestamp int64 `json:"ts"`

	// APYBps is the annual percentage yield in basis points (1500 = 15%)
	APYBps int64 `json:"apy_bps"`

	// TVLUSD is the total value locked; nil when the source did not report it
	TVLUSD *float64 `json:"tvl_usd,omitempty"`

	Source Source `json:"source,omitempty"`
}

// NewSample creates a live sample stamped with the given time
func NewSample(venue types.VenueID, at time.Time, apyBps int64, tvl *float64) YieldSample {
	return YieldSample{
		Venue:     venue,
		Timestamp: at.Unix(),
		APYBps:    apyBps,
		TVLUSD:    tvl,
		Source:    SourceLive,
	}
}

// HasTVL reports whether the sample carries a TVL reading
func (s YieldSample) HasTVL() bool {
	return s.TVLUSD != nil
}

// SignalType classifies a gravity signal
type SignalType string

const (
	SignalMomentum       SignalType = "momentum"
	SignalWarning        SignalType = "warning"
	SignalMeanReversion  SignalType = "mean_reversion"
	SignalBreakout       SignalType = "breakout"
	SignalTVLCompression SignalType = "tvl_compression"
)

// Signal is a single observation that nudges the gravity score
type Signal struct {
	Type      SignalType `json:"type"`
	Message   string     `json:"message"`
	ImpactBps float64    `json:"impact_bps"`
}

// Trend labels
type Trend string

const (
	TrendRising  Trend = "rising"
	TrendFalling Trend = "falling"
	TrendStable  Trend = "stable"
)

// Strength labels for momentum
type Strength string

const (
	StrengthWeak     Strength = "weak"
	StrengthModerate Strength = "moderate"
	StrengthStrong   Strength = "strong"
)

// TVLTrend labels
type TVLTrend string

const (
	TVLInflow  TVLTrend = "inflow"
	TVLOutflow TVLTrend = "outflow"
	TVLStable  TVLTrend = "stable"
)

// GravityAnalysis is the derived per-venue snapshot of one cycle.
// It is recomputed from history every cycle and never stored on its own.
type GravityAnalysis struct {
	Venue      types.VenueID `json:"venue"`
	Executable bool          `json:"executable"`
	RiskScore  int           `json:"risk_score"`
	Samples    int           `json:"samples"`
	Ready      bool          `json:"ready"`
	Source     Source        `json:"source"`

	CurrentAPYBps  float64 `json:"current_apy_bps"`
	AdjustedAPYBps float64 `json:"adjusted_apy_bps"`

	VelocityBpsPerHour float64 `json:"velocity_bps_per_hour"`
	VelocityTrend      Trend   `json:"velocity_trend"`

	Momentum         float64  `json:"momentum"`
	MomentumStrength Strength `json:"momentum_strength"`

	TVLTrend         TVLTrend `json:"tvl_trend"`
	TVLChangePercent float64  `json:"tvl_change_percent"`

	Signals []Signal `json:"signals"`

	PredictedAPYBps float64 `json:"predicted_apy_bps"`
	Confidence      float64 `json:"confidence"`
	GravityScore    float64 `json:"gravity_score"`
}

// SignalImpact sums the impact of every signal
func (a GravityAnalysis) SignalImpact() float64 {
	total := 0.0
	for _, s := range a.Signals {
		total += s.ImpactBps
	}
	return total
}

// Position is capital currently held in a venue
type Position struct {
	Venue types.VenueID `json:"venue"`

	// Amount of venue tokens held, in base units
	Amount *big.Int `json:"amount"`

	// EntryPrice is the settlement asset paid per venue token at acquisition
	EntryPrice decimal.Decimal `json:"entry_price"`

	// EntryValue is the settlement amount (lamports) spent to open the position
	EntryValue *big.Int `json:"entry_value"`

	EntryTime time.Time `json:"entry_time"`
}

// HeldFor returns how long the position has been open
func (p Position) HeldFor(now time.Time) time.Duration {
	return now.Sub(p.EntryTime)
}

// Clone returns a deep copy so callers cannot mutate shared big.Int values
func (p Position) Clone() Position {
	c := p
	if p.Amount != nil {
		c.Amount = new(big.Int).Set(p.Amount)
	}
	if p.EntryValue != nil {
		c.EntryValue = new(big.Int).Set(p.EntryValue)
	}
	return c
}

// ActionKind enumerates what the engine can do in a cycle
type ActionKind string

const (
	ActionNoop      ActionKind = "noop"
	ActionEnter     ActionKind = "enter"
	ActionExit      ActionKind = "exit"
	ActionRebalance ActionKind = "rebalance"
)

// Action is a decision produced by the position state machine
type Action struct {
	Kind ActionKind `json:"kind"`

	// From is the venue being exited (exit, rebalance)
	From *types.VenueID `json:"from,omitempty"`

	// To is the venue being entered (enter, rebalance)
	To *types.VenueID `json:"to,omitempty"`

	// Amount is the settlement amount to enter with, or venue tokens to exit
	Amount *big.Int `json:"amount,omitempty"`

	Reason string `json:"reason"`
}

// IsNoop reports whether the action does nothing
func (a Action) IsNoop() bool {
	return a.Kind == ActionNoop
}

// Venues lists the venues an action touches, exit side first
func (a Action) Venues() []types.VenueID {
	var out []types.VenueID
	if a.From != nil {
		out = append(out, *a.From)
	}
	if a.To != nil {
		out = append(out, *a.To)
	}
	return out
}

// DecisionRecord is an append-only audit trail entry
type DecisionRecord struct {
	ID            string          `json:"id"`
	Timestamp     time.Time       `json:"timestamp"`
	Action        ActionKind      `json:"action"`
	Venues        []types.VenueID `json:"venues"`
	AmountIn      *big.Int        `json:"amount_in,omitempty"`
	AmountOut     *big.Int        `json:"amount_out,omitempty"`
	SettlementRef string          `json:"settlement_ref,omitempty"`
	Success       bool            `json:"success"`
	Fault         bool            `json:"fault,omitempty"`
	DataSource    Source          `json:"data_source"`
	Reason        string          `json:"reason"`
}

// VenuePtr returns a pointer to a copy of v, handy for Action fields
func VenuePtr(v types.VenueID) *types.VenueID {
	return &v
}

// Fill is one settled swap leg
type Fill struct {
	Venue types.VenueID `json:"venue"`

	// In is what was given up (settlement lamports on entry, venue tokens on exit)
	In *big.Int `json:"in"`

	// Out is what was received
	Out *big.Int `json:"out"`

	// Rate is settlement units per venue token
	Rate          decimal.Decimal `json:"rate"`
	SettlementRef string          `json:"settlement_ref"`
	At            time.Time       `json:"at"`
}

// Outcome is the result of executing an action
type Outcome struct {
	Action Action         `json:"action"`
	Exit   *Fill          `json:"exit,omitempty"`
	Entry  *Fill          `json:"entry,omitempty"`
	Record DecisionRecord `json:"record"`
	Err    error          `json:"-"`
}

// Partial reports whether the exit leg settled but the entry leg did not
func (o Outcome) Partial() bool {
	return o.Action.Kind == ActionRebalance && o.Exit != nil && o.Entry == nil
}
