// Package position holds the capital the oracle has deployed and decides what
// to do with it each cycle.
//
// Machine is the single-position state machine (Empty or Holding). Book is the
// multi-position variant driven by allocation targets. Neither performs I/O:
// they emit actions, and the caller feeds execution outcomes back through Apply.
package position

import (
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yourorg/gravity-oracle/internal/gravity"
	"github.com/yourorg/gravity-oracle/internal/model"
)

// State of the single-position machine
type State string

const (
	StateEmpty   State = "empty"
	StateHolding State = "holding"
)

// Config holds the hysteresis and sizing rules
type Config struct {
	// MinTradeSize is the smallest entry, in lamports
	MinTradeSize *big.Int

	// MaxPositionCap bounds a single entry, in lamports
	MaxPositionCap *big.Int

	// MinHoldTime must elapse after entry before a rebalance is considered
	MinHoldTime time.Duration

	// MinImprovementBps is the adjusted APY gain required to rebalance.
	// The comparison is inclusive: an improvement equal to the threshold rebalances.
	MinImprovementBps float64

	// AutoRecover re-enters with pending proceeds after a partial fill
	AutoRecover bool
}

// Snapshot is the persisted form of a Machine
type Snapshot struct {
	Position        *model.Position `json:"position,omitempty"`
	Cash            *big.Int        `json:"cash"`
	PendingProceeds *big.Int        `json:"pending_proceeds,omitempty"`
	Fault           string          `json:"fault,omitempty"`
	RealizedPnL     *big.Int        `json:"realized_pnl"`
}

// Machine is the single-position state machine. It is driven by one cycle at a time.
type Machine struct {
	cfg Config

	position    *model.Position
	cash        *big.Int
	pending     *big.Int
	fault       string
	realizedPnL *big.Int
}

// NewMachine creates an empty machine with the given settlement capital
func NewMachine(cfg Config, capital *big.Int) *Machine {
	if cfg.MinTradeSize == nil {
		cfg.MinTradeSize = new(big.Int)
	}
	m := &Machine{cfg: cfg, cash: new(big.Int), realizedPnL: new(big.Int)}
	if capital != nil {
		m.cash.Set(capital)
	}
	return m
}

// State returns Empty or Holding
func (m *Machine) State() State {
	if m.position != nil {
		return StateHolding
	}
	return StateEmpty
}

// Position returns a copy of the held position
func (m *Machine) Position() (model.Position, bool) {
	if m.position == nil {
		return model.Position{}, false
	}
	return m.position.Clone(), true
}

// Cash returns the unallocated settlement balance
func (m *Machine) Cash() *big.Int {
	return new(big.Int).Set(m.cash)
}

// RealizedPnL returns the running realized profit and loss in lamports
func (m *Machine) RealizedPnL() *big.Int {
	return new(big.Int).Set(m.realizedPnL)
}

// Fault returns the pending partial-fill fault, if any
func (m *Machine) Fault() (string, *big.Int, bool) {
	if m.fault == "" {
		return "", nil, false
	}
	return m.fault, new(big.Int).Set(m.pending), true
}

// ResolveFault returns pending proceeds to cash and clears the fault
func (m *Machine) ResolveFault() {
	if m.pending != nil {
		m.cash.Add(m.cash, m.pending)
	}
	m.pending = nil
	m.fault = ""
}

// Decide picks the action for this cycle from the ranked analyses
func (m *Machine) Decide(now time.Time, ranked []model.GravityAnalysis) model.Action {
	if m.position == nil {
		return m.decideEmpty(ranked)
	}
	return m.decideHolding(now, ranked)
}

func (m *Machine) decideEmpty(ranked []model.GravityAnalysis) model.Action {
	if m.fault != "" && !m.cfg.AutoRecover {
		return noop(fmt.Sprintf("fault requires operator attention: %s", m.fault))
	}

	best, ok := gravity.Best(ranked, true)
	if !ok {
		return noop("no executable venue with enough history")
	}

	if m.fault != "" {
		if m.pending.Cmp(m.cfg.MinTradeSize) < 0 {
			return noop(fmt.Sprintf("pending proceeds %s SOL below minimum trade size", lamportsToSOL(m.pending)))
		}
		return model.Action{
			Kind:   model.ActionEnter,
			To:     model.VenuePtr(best.Venue),
			Amount: new(big.Int).Set(m.pending),
			Reason: fmt.Sprintf("re-entering %s with proceeds left by partial rebalance", best.Venue),
		}
	}

	size := new(big.Int).Quo(m.cash, big.NewInt(2))
	if m.cfg.MaxPositionCap != nil && m.cfg.MaxPositionCap.Sign() > 0 && size.Cmp(m.cfg.MaxPositionCap) > 0 {
		size.Set(m.cfg.MaxPositionCap)
	}
	if size.Sign() <= 0 || size.Cmp(m.cfg.MinTradeSize) < 0 {
		return noop(fmt.Sprintf("available capital %s SOL below minimum trade size", lamportsToSOL(m.cash)))
	}

	return model.Action{
		Kind:   model.ActionEnter,
		To:     model.VenuePtr(best.Venue),
		Amount: size,
		Reason: fmt.Sprintf("entering %s with %s SOL: gravity %.1f, adjusted APY %.0f bps", best.Venue, lamportsToSOL(size), best.GravityScore, best.AdjustedAPYBps),
	}
}

func (m *Machine) decideHolding(now time.Time, ranked []model.GravityAnalysis) model.Action {
	held := m.position.Venue
	if elapsed := m.position.HeldFor(now); elapsed < m.cfg.MinHoldTime {
		return noop(fmt.Sprintf("cooling down: held %s for %s of %s", held, elapsed.Truncate(time.Second), m.cfg.MinHoldTime))
	}

	current, ok := gravity.Find(ranked, held)
	if !ok {
		return noop(fmt.Sprintf("no data for held venue %s this cycle", held))
	}
	best, ok := gravity.Best(ranked, true)
	if !ok {
		return noop("no executable venue with enough history")
	}

	improvement := best.AdjustedAPYBps - current.AdjustedAPYBps
	if improvement < m.cfg.MinImprovementBps {
		return noop(fmt.Sprintf("improvement %.1f bps below threshold %.1f bps", improvement, m.cfg.MinImprovementBps))
	}
	if best.Venue == held {
		return noop(fmt.Sprintf("already holding best venue %s", held))
	}

	return model.Action{
		Kind:   model.ActionRebalance,
		From:   model.VenuePtr(held),
		To:     model.VenuePtr(best.Venue),
		Amount: new(big.Int).Set(m.position.Amount),
		Reason: fmt.Sprintf("rebalancing %s -> %s: +%.1f bps adjusted APY", held, best.Venue, improvement),
	}
}

// EmergencyExit returns an exit of the whole position, or a noop when empty
func (m *Machine) EmergencyExit() model.Action {
	if m.position == nil {
		return noop("nothing to withdraw")
	}
	return model.Action{
		Kind:   model.ActionExit,
		From:   model.VenuePtr(m.position.Venue),
		Amount: new(big.Int).Set(m.position.Amount),
		Reason: "emergency withdraw",
	}
}

// Apply feeds an execution outcome back into the machine and returns the
// P&L realized by it, or nil. Failed actions leave the machine unchanged,
// except a partial rebalance which moves to Empty with pending proceeds.
func (m *Machine) Apply(out model.Outcome) *big.Int {
	switch out.Action.Kind {
	case model.ActionEnter:
		if out.Err != nil || out.Entry == nil {
			return nil
		}
		if m.fault != "" {
			m.pending.Sub(m.pending, out.Entry.In)
			m.cash.Add(m.cash, m.pending)
			m.pending, m.fault = nil, ""
		} else {
			m.cash.Sub(m.cash, out.Entry.In)
		}
		m.position = positionFrom(out.Entry)
		return nil

	case model.ActionExit:
		if out.Err != nil || out.Exit == nil || m.position == nil {
			return nil
		}
		pnl := m.close(out.Exit)
		m.cash.Add(m.cash, out.Exit.Out)
		return pnl

	case model.ActionRebalance:
		if out.Exit == nil || m.position == nil {
			return nil
		}
		pnl := m.close(out.Exit)
		if out.Entry == nil {
			m.pending = new(big.Int).Set(out.Exit.Out)
			m.fault = "rebalance exit settled but entry failed"
			if out.Err != nil {
				m.fault = out.Err.Error()
			}
			return pnl
		}
		// leftover from a partial fill of the entry stays in cash
		m.cash.Add(m.cash, new(big.Int).Sub(out.Exit.Out, out.Entry.In))
		m.position = positionFrom(out.Entry)
		return pnl
	}
	return nil
}

func (m *Machine) close(exit *model.Fill) *big.Int {
	pnl := new(big.Int).Sub(exit.Out, m.position.EntryValue)
	m.realizedPnL.Add(m.realizedPnL, pnl)
	m.position = nil
	return pnl
}

// Snapshot returns the persisted form
func (m *Machine) Snapshot() Snapshot {
	s := Snapshot{
		Cash:        new(big.Int).Set(m.cash),
		Fault:       m.fault,
		RealizedPnL: new(big.Int).Set(m.realizedPnL),
	}
	if m.position != nil {
		p := m.position.Clone()
		s.Position = &p
	}
	if m.pending != nil {
		s.PendingProceeds = new(big.Int).Set(m.pending)
	}
	return s
}

// Restore replaces the machine state with a snapshot
func (m *Machine) Restore(s Snapshot) {
	m.position = nil
	if s.Position != nil {
		p := s.Position.Clone()
		m.position = &p
	}
	m.cash = orZero(s.Cash)
	m.realizedPnL = orZero(s.RealizedPnL)
	m.fault = s.Fault
	m.pending = nil
	if s.Fault != "" {
		m.pending = orZero(s.PendingProceeds)
	}
}

func positionFrom(entry *model.Fill) *model.Position {
	return &model.Position{
		Venue:      entry.Venue,
		Amount:     new(big.Int).Set(entry.Out),
		EntryPrice: entry.Rate,
		EntryValue: new(big.Int).Set(entry.In),
		EntryTime:  entry.At,
	}
}

func noop(reason string) model.Action {
	return model.Action{Kind: model.ActionNoop, Reason: reason}
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// lamportsToSOL formats lamports for human readable reasons
func lamportsToSOL(v *big.Int) string {
	return decimal.NewFromBigInt(v, -9).StringFixed(4)
}
