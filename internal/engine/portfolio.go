package engine

import (
	"math/big"
	"time"

	"github.com/yourorg/gravity-oracle/internal/model"
	"github.com/yourorg/gravity-oracle/internal/position"
	"github.com/yourorg/gravity-oracle/internal/store"
	"github.com/yourorg/gravity-oracle/internal/types"
)

// portfolio hides whether capital sits in the single-position machine or the multi-position book
type portfolio interface {
	mode() store.Mode
	decide(now time.Time, ranked []model.GravityAnalysis) []model.Action
	fund(a model.Action) (model.Action, bool)
	apply(out model.Outcome) *big.Int
	emergency() []model.Action
	holdings() map[types.VenueID]*big.Int
	totalValue() *big.Int
	fill(st *Status)
	save(st *store.State)
	load(st *store.State)
}

type single struct {
	m     *position.Machine
	value position.Valuer
}

func (s *single) mode() store.Mode { return store.ModeSingle }

func (s *single) decide(now time.Time, ranked []model.GravityAnalysis) []model.Action {
	return []model.Action{s.m.Decide(now, ranked)}
}

func (s *single) fund(a model.Action) (model.Action, bool) { return a, true }

func (s *single) apply(out model.Outcome) *big.Int { return s.m.Apply(out) }

// emergency hands pending proceeds back to cash first so nothing stays parked in a fault
func (s *single) emergency() []model.Action {
	s.m.ResolveFault()
	return []model.Action{s.m.EmergencyExit()}
}

func (s *single) holdings() map[types.VenueID]*big.Int {
	out := map[types.VenueID]*big.Int{}
	if p, ok := s.m.Position(); ok {
		out[p.Venue] = s.value(p.Venue, p.Amount)
	}
	return out
}

func (s *single) totalValue() *big.Int {
	snap := s.m.Snapshot()
	total := new(big.Int).Set(snap.Cash)
	if snap.PendingProceeds != nil {
		total.Add(total, snap.PendingProceeds)
	}
	for _, v := range s.holdings() {
		total.Add(total, v)
	}
	return total
}

func (s *single) fill(st *Status) {
	snap := s.m.Snapshot()
	if snap.Position != nil {
		st.Positions = []model.Position{*snap.Position}
	}
	st.State = string(s.m.State())
	st.Cash = snap.Cash
	st.PendingProceeds = snap.PendingProceeds
	st.Fault = snap.Fault
	st.RealizedPnL = snap.RealizedPnL
	st.TotalValue = s.totalValue()
}

func (s *single) save(st *store.State) {
	snap := s.m.Snapshot()
	st.Machine = &snap
}

func (s *single) load(st *store.State) {
	if st.Machine != nil {
		s.m.Restore(*st.Machine)
	}
}

type multi struct {
	b     *position.Book
	value position.Valuer
}

func (m *multi) mode() store.Mode { return store.ModeMulti }

func (m *multi) decide(now time.Time, ranked []model.GravityAnalysis) []model.Action {
	return m.b.Decide(now, ranked, m.value)
}

func (m *multi) fund(a model.Action) (model.Action, bool) { return m.b.Fund(a) }

func (m *multi) apply(out model.Outcome) *big.Int { return m.b.Apply(out) }

func (m *multi) emergency() []model.Action { return m.b.EmergencyExit() }

func (m *multi) holdings() map[types.VenueID]*big.Int {
	return m.b.Holdings(m.value)
}

func (m *multi) totalValue() *big.Int { return m.b.TotalValue(m.value) }

func (m *multi) fill(st *Status) {
	st.Positions = m.b.Positions()
	st.State = "book"
	st.Cash = m.b.Cash()
	st.RealizedPnL = m.b.RealizedPnL()
	st.TotalValue = m.totalValue()
}

func (m *multi) save(st *store.State) {
	snap := m.b.Snapshot()
	st.Book = &snap
}

func (m *multi) load(st *store.State) {
	if st.Book != nil {
		m.b.Restore(*st.Book)
	}
}
