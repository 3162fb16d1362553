package position

import (
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yourorg/gravity-oracle/internal/allocation"
	"github.com/yourorg/gravity-oracle/internal/model"
	"github.com/yourorg/gravity-oracle/internal/types"
)

// Valuer prices a venue token amount in settlement lamports
type Valuer func(venue types.VenueID, amount *big.Int) *big.Int

// ReferenceValuer values positions at the catalog reference rate
func ReferenceValuer(venue types.VenueID, amount *big.Int) *big.Int {
	cfg, ok := types.Venue(venue)
	if !ok || amount == nil {
		return new(big.Int)
	}
	return decimal.NewFromBigInt(amount, 0).Mul(cfg.ReferenceRate).Truncate(0).BigInt()
}

// BookConfig configures multi-position mode
type BookConfig struct {
	Plan         allocation.Options
	MinTradeSize *big.Int

	// MinHoldTime must elapse between two rebalances of the book
	MinHoldTime time.Duration

	// DriftPct of total value that triggers a rebalance
	DriftPct decimal.Decimal
}

// BookSnapshot is the persisted form of a Book
type BookSnapshot struct {
	Positions     []model.Position `json:"positions"`
	Cash          *big.Int         `json:"cash"`
	RealizedPnL   *big.Int         `json:"realized_pnl"`
	LastRebalance time.Time        `json:"last_rebalance"`
}

// Book holds at most one position per venue and follows allocation targets
type Book struct {
	cfg BookConfig

	positions     map[types.VenueID]*model.Position
	cash          *big.Int
	realizedPnL   *big.Int
	lastRebalance time.Time
}

// NewBook creates an empty book with the given settlement capital
func NewBook(cfg BookConfig, capital *big.Int) *Book {
	if cfg.MinTradeSize == nil {
		cfg.MinTradeSize = new(big.Int)
	}
	b := &Book{
		cfg:         cfg,
		positions:   make(map[types.VenueID]*model.Position),
		cash:        new(big.Int),
		realizedPnL: new(big.Int),
	}
	if capital != nil {
		b.cash.Set(capital)
	}
	return b
}

// Positions returns copies of the open positions ordered by venue
func (b *Book) Positions() []model.Position {
	out := make([]model.Position, 0, len(b.positions))
	for _, v := range b.venues() {
		out = append(out, b.positions[v].Clone())
	}
	return out
}

// Cash returns the unallocated settlement balance
func (b *Book) Cash() *big.Int {
	return new(big.Int).Set(b.cash)
}

// RealizedPnL returns the running realized profit and loss in lamports
func (b *Book) RealizedPnL() *big.Int {
	return new(big.Int).Set(b.realizedPnL)
}

// Holdings values every open position
func (b *Book) Holdings(value Valuer) allocation.Targets {
	out := make(allocation.Targets, len(b.positions))
	for v, p := range b.positions {
		out[v] = value(v, p.Amount)
	}
	return out
}

// TotalValue is cash plus the value of every position
func (b *Book) TotalValue(value Valuer) *big.Int {
	total := new(big.Int).Set(b.cash)
	return total.Add(total, b.Holdings(value).Total())
}

// Decide returns the exits and entries that move the book toward the plan for
// this cycle, exits first. It returns nil while cooling down or when the book
// is within the drift tolerance. Held venues missing from ranked are left as they are.
func (b *Book) Decide(now time.Time, ranked []model.GravityAnalysis, value Valuer) []model.Action {
	if !b.lastRebalance.IsZero() && now.Sub(b.lastRebalance) < b.cfg.MinHoldTime {
		return nil
	}

	current := b.Holdings(value)
	total := b.TotalValue(value)

	// a held venue without analysis this cycle is a data gap: it keeps its
	// amount and only the rest of the book is planned
	analyzed := make(map[types.VenueID]bool, len(ranked))
	for _, a := range ranked {
		analyzed[a.Venue] = true
	}
	frozen := make(allocation.Targets)
	plannable := new(big.Int).Set(total)
	for v, amount := range current {
		if !analyzed[v] {
			frozen[v] = amount
			plannable.Sub(plannable, amount)
		}
	}

	opts := b.cfg.Plan
	if len(frozen) > 0 && opts.MaxPositions > 0 {
		opts.MaxPositions -= len(frozen)
		if opts.MaxPositions <= 0 {
			return nil
		}
	}
	target := allocation.Compute(ranked, plannable, opts).Targets()
	for v, amount := range frozen {
		target[v] = amount
	}
	if !allocation.NeedsRebalancing(current, target, total, b.cfg.DriftPct) {
		return nil
	}

	var actions []model.Action
	for _, v := range b.venues() {
		have, want := current.Get(v), target.Get(v)
		if have.Cmp(want) <= 0 {
			continue
		}
		pos := b.positions[v]
		tokens := new(big.Int).Set(pos.Amount)
		if want.Sign() > 0 {
			excess := new(big.Int).Sub(have, want)
			if excess.Cmp(b.cfg.MinTradeSize) < 0 {
				continue
			}
			tokens.Mul(tokens, excess).Quo(tokens, have)
		}
		if tokens.Sign() <= 0 {
			continue
		}
		actions = append(actions, model.Action{
			Kind:   model.ActionExit,
			From:   model.VenuePtr(v),
			Amount: tokens,
			Reason: fmt.Sprintf("reduce %s from %s to %s lamports", v, have, want),
		})
	}

	for _, v := range sortedVenues(target) {
		have, want := current.Get(v), target.Get(v)
		if want.Cmp(have) <= 0 {
			continue
		}
		buy := new(big.Int).Sub(want, have)
		if buy.Cmp(b.cfg.MinTradeSize) < 0 {
			continue
		}
		actions = append(actions, model.Action{
			Kind:   model.ActionEnter,
			To:     model.VenuePtr(v),
			Amount: buy,
			Reason: fmt.Sprintf("increase %s from %s to %s lamports", v, have, want),
		})
	}
	return actions
}

// Fund caps an entry at the available cash. ok is false when the capped amount
// falls below the minimum trade size and the entry should be skipped.
func (b *Book) Fund(action model.Action) (model.Action, bool) {
	if action.Kind != model.ActionEnter || action.Amount == nil {
		return action, true
	}
	if action.Amount.Cmp(b.cash) > 0 {
		action.Amount = new(big.Int).Set(b.cash)
	}
	return action, action.Amount.Sign() > 0 && action.Amount.Cmp(b.cfg.MinTradeSize) >= 0
}

// EmergencyExit returns a full exit for every open position
func (b *Book) EmergencyExit() []model.Action {
	var actions []model.Action
	for _, v := range b.venues() {
		actions = append(actions, model.Action{
			Kind:   model.ActionExit,
			From:   model.VenuePtr(v),
			Amount: new(big.Int).Set(b.positions[v].Amount),
			Reason: "emergency withdraw",
		})
	}
	return actions
}

// Apply feeds one execution outcome back and returns the realized P&L, or nil
func (b *Book) Apply(out model.Outcome) *big.Int {
	if out.Err != nil {
		return nil
	}
	switch {
	case out.Action.Kind == model.ActionEnter && out.Entry != nil:
		b.enter(out.Entry)
		b.lastRebalance = out.Entry.At
	case out.Action.Kind == model.ActionExit && out.Exit != nil:
		pnl := b.exit(out.Exit)
		b.lastRebalance = out.Exit.At
		return pnl
	}
	return nil
}

func (b *Book) enter(f *model.Fill) {
	b.cash.Sub(b.cash, f.In)
	pos, ok := b.positions[f.Venue]
	if !ok {
		b.positions[f.Venue] = positionFrom(f)
		return
	}
	pos.Amount.Add(pos.Amount, f.Out)
	pos.EntryValue.Add(pos.EntryValue, f.In)
	pos.EntryPrice = decimal.NewFromBigInt(pos.EntryValue, 0).DivRound(decimal.NewFromBigInt(pos.Amount, 0), 12)
}

func (b *Book) exit(f *model.Fill) *big.Int {
	b.cash.Add(b.cash, f.Out)
	pos, ok := b.positions[f.Venue]
	if !ok || pos.Amount.Sign() == 0 {
		return nil
	}

	sold := f.In
	if sold.Cmp(pos.Amount) > 0 {
		sold = pos.Amount
	}
	basis := new(big.Int).Mul(pos.EntryValue, sold)
	basis.Quo(basis, pos.Amount)

	pnl := new(big.Int).Sub(f.Out, basis)
	b.realizedPnL.Add(b.realizedPnL, pnl)

	pos.Amount.Sub(pos.Amount, sold)
	pos.EntryValue.Sub(pos.EntryValue, basis)
	if pos.Amount.Sign() == 0 {
		delete(b.positions, f.Venue)
	}
	return pnl
}

// Snapshot returns the persisted form
func (b *Book) Snapshot() BookSnapshot {
	return BookSnapshot{
		Positions:     b.Positions(),
		Cash:          new(big.Int).Set(b.cash),
		RealizedPnL:   new(big.Int).Set(b.realizedPnL),
		LastRebalance: b.lastRebalance,
	}
}

// Restore replaces the book with a snapshot. Duplicate venues are merged.
func (b *Book) Restore(s BookSnapshot) {
	b.positions = make(map[types.VenueID]*model.Position, len(s.Positions))
	b.cash = orZero(s.Cash)
	b.realizedPnL = orZero(s.RealizedPnL)
	b.lastRebalance = s.LastRebalance
	for _, p := range s.Positions {
		if p.Amount == nil || p.Amount.Sign() <= 0 {
			continue
		}
		if _, ok := b.positions[p.Venue]; ok {
			b.enter(&model.Fill{Venue: p.Venue, In: orZero(p.EntryValue), Out: p.Amount, At: p.EntryTime})
			// restoring is not spending
			b.cash.Add(b.cash, orZero(p.EntryValue))
			continue
		}
		c := p.Clone()
		if c.EntryValue == nil {
			c.EntryValue = new(big.Int)
		}
		b.positions[p.Venue] = &c
	}
}

func (b *Book) venues() []types.VenueID {
	out := make([]types.VenueID, 0, len(b.positions))
	for v := range b.positions {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedVenues(t allocation.Targets) []types.VenueID {
	out := make([]types.VenueID, 0, len(t))
	for v := range t {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
