package engine

import (
	"math/big"
	"slices"
	"time"

	"github.com/yourorg/gravity-oracle/internal/model"
	"github.com/yourorg/gravity-oracle/internal/store"
)

// Status is a point-in-time view of the engine for the API and CLI
type Status struct {
	Mode       store.Mode   `json:"mode"`
	Cycles     uint64       `json:"cycles"`
	LastCycle  time.Time    `json:"last_cycle"`
	LastError  string       `json:"last_error,omitempty"`
	DataSource model.Source `json:"data_source"`
	Breaker    string       `json:"circuit_breaker,omitempty"`

	Ranking []model.GravityAnalysis `json:"ranking"`

	// State is the machine state in single mode and "book" in multi mode
	State           string           `json:"state"`
	Positions       []model.Position `json:"positions"`
	Cash            *big.Int         `json:"cash"`
	PendingProceeds *big.Int         `json:"pending_proceeds,omitempty"`
	Fault           string           `json:"fault,omitempty"`
	RealizedPnL     *big.Int         `json:"realized_pnl"`
	TotalValue      *big.Int         `json:"total_value"`

	LastActions []model.DecisionRecord `json:"last_actions"`
}

// Status returns a copy safe to read while cycles keep running
func (e *Engine) Status() Status {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	return e.status.clone()
}

// refreshStatus rebuilds the snapshot. ranking and outcomes are kept from the
// previous cycle when nil.
func (e *Engine) refreshStatus(ranking []model.GravityAnalysis, outcomes []model.Outcome, lastErr string) {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()

	prev := e.status
	st := Status{
		Mode:        e.port.mode(),
		Cycles:      e.cycles,
		LastCycle:   prev.LastCycle,
		LastError:   lastErr,
		DataSource:  e.lastSource,
		Ranking:     prev.Ranking,
		LastActions: prev.LastActions,
	}
	if ranking != nil || outcomes != nil || lastErr != "" {
		st.LastCycle = e.now()
	}
	if ranking != nil {
		st.Ranking = ranking
	}
	if outcomes != nil {
		st.LastActions = make([]model.DecisionRecord, 0, len(outcomes))
		for _, out := range outcomes {
			st.LastActions = append(st.LastActions, out.Record)
		}
	}
	if e.deps.Breaker != nil {
		st.Breaker = e.deps.Breaker.GetState().String()
	}
	e.port.fill(&st)

	e.deps.Metrics.realizedPnL.Set(lamportsFloat(st.RealizedPnL))
	e.deps.Metrics.totalValue.Set(lamportsFloat(st.TotalValue))
	e.status = st
}

func (s Status) clone() Status {
	c := s
	c.Ranking = make([]model.GravityAnalysis, len(s.Ranking))
	for i, a := range s.Ranking {
		a.Signals = slices.Clone(a.Signals)
		c.Ranking[i] = a
	}
	c.Positions = make([]model.Position, len(s.Positions))
	for i, p := range s.Positions {
		c.Positions[i] = p.Clone()
	}
	c.LastActions = slices.Clone(s.LastActions)
	c.Cash = copyInt(s.Cash)
	c.PendingProceeds = copyInt(s.PendingProceeds)
	c.RealizedPnL = copyInt(s.RealizedPnL)
	c.TotalValue = copyInt(s.TotalValue)
	return c
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
