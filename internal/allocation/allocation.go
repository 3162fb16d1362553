package allocation

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/yourorg/gravity-oracle/internal/model"
	"github.com/yourorg/gravity-oracle/internal/types"
)

// Strategy bestimmt, wie Kapital auf die Venues verteilt wird
type Strategy string

const (
	StrategyEqual         Strategy = "equal"
	StrategyYieldWeighted Strategy = "yield-weighted"
	StrategyRiskWeighted  Strategy = "risk-weighted"
)

// weightScale wandelt Dezimalgewichte in Ganzzahlen um, damit die Aufteilung
// rein mit big.Int rechnet
const weightScale = 4

// ParseStrategy liest eine Strategie aus der Konfiguration
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyEqual, StrategyYieldWeighted, StrategyRiskWeighted:
		return Strategy(s), nil
	case "":
		return StrategyYieldWeighted, nil
	}
	return "", fmt.Errorf("unknown allocation strategy %q", s)
}

// Options steuert die Planung
type Options struct {
	Strategy     Strategy
	MaxPositions int

	// MinPositionSize in Lamports; kleinere Anteile werden verworfen
	MinPositionSize *big.Int
}

// Allocation ist der Zielbetrag für eine Venue
type Allocation struct {
	Venue  types.VenueID   `json:"venue"`
	Weight decimal.Decimal `json:"weight"`
	Amount *big.Int        `json:"amount"`
}

// Targets bildet Venue auf Zielbetrag ab. Fehlende Venues haben Ziel 0.
type Targets map[types.VenueID]*big.Int

// Get liefert den Zielbetrag einer Venue oder 0
func (t Targets) Get(venue types.VenueID) *big.Int {
	if v, ok := t[venue]; ok && v != nil {
		return v
	}
	return new(big.Int)
}

// Total summiert alle Zielbeträge
func (t Targets) Total() *big.Int {
	sum := new(big.Int)
	for _, v := range t {
		if v != nil {
			sum.Add(sum, v)
		}
	}
	return sum
}

// Plan ist das Ergebnis einer Planung
type Plan struct {
	Strategy    Strategy     `json:"strategy"`
	Capital     *big.Int     `json:"capital"`
	Allocations []Allocation `json:"allocations"`
}

// Targets gibt den Plan als Venue→Betrag Zuordnung zurück
func (p Plan) Targets() Targets {
	out := make(Targets, len(p.Allocations))
	for _, a := range p.Allocations {
		out[a.Venue] = new(big.Int).Set(a.Amount)
	}
	return out
}

// Compute berechnet Zielallokationen für die besten Venues.
// Berücksichtigt werden nur bereite Venues mit Ausführungspfad, gekürzt auf die
// MaxPositions Venues mit der höchsten adjustierten APY. Die Summe der Ziele ist
// nie größer als capital.
func Compute(analyses []model.GravityAnalysis, capital *big.Int, opts Options) Plan {
	plan := Plan{Strategy: opts.Strategy, Capital: new(big.Int)}
	if capital != nil {
		plan.Capital.Set(capital)
	}
	candidates := eligible(analyses, opts.MaxPositions)
	if len(candidates) == 0 || plan.Capital.Sign() <= 0 {
		return plan
	}

	weights := rawWeights(candidates, opts.Strategy)
	total := new(big.Int)
	for _, w := range weights {
		total.Add(total, w)
	}
	// Fallback auf Gleichverteilung, wenn alle Gewichte 0 sind
	if total.Sign() == 0 {
		weights = rawWeights(candidates, StrategyEqual)
		total.SetInt64(int64(len(candidates)))
	}

	minSize := opts.MinPositionSize
	if minSize == nil {
		minSize = new(big.Int)
	}

	totalDec := decimal.NewFromBigInt(total, 0)
	for i, c := range candidates {
		amount := new(big.Int).Mul(plan.Capital, weights[i])
		amount.Quo(amount, total)
		if amount.Sign() <= 0 || amount.Cmp(minSize) < 0 {
			continue
		}
		plan.Allocations = append(plan.Allocations, Allocation{
			Venue:  c.Venue,
			Weight: decimal.NewFromBigInt(weights[i], 0).DivRound(totalDec, 8),
			Amount: amount,
		})
	}
	return plan
}

// NeedsRebalancing prüft, ob die aktuelle Verteilung vom Ziel abweicht.
// true, wenn eine Venue um mehr als thresholdPct des Gesamtwerts abweicht
// oder eine gehaltene Venue im Ziel fehlt.
func NeedsRebalancing(current, target Targets, totalValue *big.Int, thresholdPct decimal.Decimal) bool {
	for venue, amount := range current {
		if amount == nil || amount.Sign() == 0 {
			continue
		}
		if _, ok := target[venue]; !ok {
			return true
		}
	}

	if totalValue == nil || totalValue.Sign() <= 0 {
		return false
	}
	limit := thresholdPct.Mul(decimal.NewFromBigInt(totalValue, 0))

	venues := make(map[types.VenueID]struct{}, len(current)+len(target))
	for v := range current {
		venues[v] = struct{}{}
	}
	for v := range target {
		venues[v] = struct{}{}
	}
	for v := range venues {
		drift := new(big.Int).Sub(current.Get(v), target.Get(v))
		drift.Abs(drift)
		if decimal.NewFromBigInt(drift, 0).Mul(decimal.NewFromInt(100)).GreaterThan(limit) {
			return true
		}
	}
	return false
}

// eligible filtert und sortiert Kandidaten nach adjustierter APY
func eligible(analyses []model.GravityAnalysis, maxPositions int) []model.GravityAnalysis {
	out := make([]model.GravityAnalysis, 0, len(analyses))
	for _, a := range analyses {
		if a.Ready && a.Executable {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].AdjustedAPYBps != out[j].AdjustedAPYBps {
			return out[i].AdjustedAPYBps > out[j].AdjustedAPYBps
		}
		return out[i].Venue < out[j].Venue
	})
	if maxPositions > 0 && len(out) > maxPositions {
		out = out[:maxPositions]
	}
	return out
}

// rawWeights liefert ganzzahlige, unnormierte Gewichte je Kandidat
func rawWeights(candidates []model.GravityAnalysis, strategy Strategy) []*big.Int {
	weights := make([]*big.Int, len(candidates))
	for i, c := range candidates {
		switch strategy {
		case StrategyYieldWeighted:
			weights[i] = scaled(decimal.NewFromFloat(c.AdjustedAPYBps))
		case StrategyRiskWeighted:
			weights[i] = scaled(decimal.NewFromInt(int64(100 - c.RiskScore)))
		default:
			weights[i] = big.NewInt(1)
		}
	}
	return weights
}

// scaled rundet ein Gewicht auf weightScale Nachkommastellen; negative Werte zählen als 0
func scaled(d decimal.Decimal) *big.Int {
	if d.IsNegative() {
		return new(big.Int)
	}
	return d.Round(weightScale).Shift(weightScale).BigInt()
}
