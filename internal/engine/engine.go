// Package engine drives the decision cycle: fetch samples, analyze them,
// decide, execute, record on the ledger and persist. One cycle runs at a time.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yourorg/gravity-oracle/internal/circuitbreaker"
	"github.com/yourorg/gravity-oracle/internal/fetch"
	"github.com/yourorg/gravity-oracle/internal/gravity"
	"github.com/yourorg/gravity-oracle/internal/history"
	"github.com/yourorg/gravity-oracle/internal/ledger"
	"github.com/yourorg/gravity-oracle/internal/model"
	"github.com/yourorg/gravity-oracle/internal/notify"
	tracing "github.com/yourorg/gravity-oracle/internal/otel"
	"github.com/yourorg/gravity-oracle/internal/position"
	"github.com/yourorg/gravity-oracle/internal/store"
	"github.com/yourorg/gravity-oracle/internal/types"
)

// Fetcher returns this cycle's samples
type Fetcher interface {
	Fetch(ctx context.Context) ([]model.YieldSample, error)
}

// Executor settles actions against a swap venue
type Executor interface {
	Execute(ctx context.Context, action model.Action, source model.Source) model.Outcome
}

// AuditLog is the append-only decision trail
type AuditLog interface {
	Append(ctx context.Context, records ...model.DecisionRecord) error
}

// Publisher records decisions on the ledger
type Publisher interface {
	EnsureInitialized(ctx context.Context) (ledger.Account, error)
	Publish(ctx context.Context, best model.GravityAnalysis) (bool, error)
	Report(ctx context.Context, r ledger.Report) error
	RecordSwap(ctx context.Context, f *model.Fill) error
	EmergencyWithdraw(ctx context.Context) error
}

// Options configures the engine
type Options struct {
	Mode         store.Mode
	Interval     time.Duration
	CycleTimeout time.Duration

	// Capital is the starting settlement balance, ignored when state is restored
	Capital         *big.Int
	HistoryCapacity int

	// Venues defaults to the full catalog
	Venues []types.VenueConfig

	Machine position.Config
	Book    position.BookConfig
}

// Deps are the collaborators. Fetcher, Executor and State are required.
type Deps struct {
	Fetcher  Fetcher
	Executor Executor
	State    *store.StateFile
	Audit    AuditLog

	// Publisher is optional; nil disables ledger writes
	Publisher Publisher

	// Notifier defaults to notify.Log
	Notifier notify.Notifier

	// Metrics defaults to collectors on a private registry
	Metrics *Metrics

	// Breaker is only read for status reporting
	Breaker *circuitbreaker.CircuitBreaker
}

// CycleReport summarizes one cycle
type CycleReport struct {
	At        time.Time
	Source    model.Source
	Ranking   []model.GravityAnalysis
	Outcomes  []model.Outcome
	Published bool
}

// Engine owns the history, analyzer and portfolio. It is driven by Run or RunOnce.
type Engine struct {
	opts Options
	deps Deps
	now  func() time.Time

	// runMu serializes cycles and emergency exits
	runMu       sync.Mutex
	history     *history.History
	analyzer    *gravity.Analyzer
	port        portfolio
	cycles      uint64
	lastSource  model.Source
	ledgerReady bool

	statusMu sync.RWMutex
	status   Status
}

// New builds an engine and restores persisted state when the state file exists
func New(opts Options, deps Deps) (*Engine, error) {
	if deps.Fetcher == nil || deps.Executor == nil || deps.State == nil {
		return nil, errors.New("engine: fetcher, executor and state file are required")
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.CycleTimeout <= 0 || opts.CycleTimeout > opts.Interval {
		opts.CycleTimeout = opts.Interval
	}
	if opts.Capital == nil {
		opts.Capital = new(big.Int)
	}
	if opts.Venues == nil {
		opts.Venues = types.AllVenues()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Log{}
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(prometheus.NewRegistry())
	}

	e := &Engine{
		opts:       opts,
		deps:       deps,
		now:        time.Now,
		history:    history.New(opts.HistoryCapacity),
		lastSource: model.SourceLive,
	}
	e.analyzer = gravity.NewAnalyzer(e.history, opts.Venues)

	switch opts.Mode {
	case store.ModeSingle, "":
		e.opts.Mode = store.ModeSingle
		e.port = &single{m: position.NewMachine(opts.Machine, opts.Capital), value: position.ReferenceValuer}
	case store.ModeMulti:
		e.port = &multi{b: position.NewBook(opts.Book, opts.Capital), value: position.ReferenceValuer}
	default:
		return nil, fmt.Errorf("engine: unknown mode %q", opts.Mode)
	}

	st, err := deps.State.Load()
	if err != nil {
		return nil, fmt.Errorf("engine: load state: %w", err)
	}
	if st != nil {
		if st.Mode != e.port.mode() {
			return nil, fmt.Errorf("engine: state file %s was written in %s mode, running %s", deps.State.Path(), st.Mode, e.port.mode())
		}
		e.history.Restore(st.History)
		e.port.load(st)
		e.cycles = st.Cycles
		logrus.WithFields(logrus.Fields{
			"cycles":   st.Cycles,
			"venues":   len(st.History),
			"saved_at": st.SavedAt,
		}).Info("Restored engine state")
	}

	e.refreshStatus(nil, nil, "")
	return e, nil
}

// WithClock replaces the clock used for decisions
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Metrics returns the engine collectors
func (e *Engine) Metrics() *Metrics {
	return e.deps.Metrics
}

// Run executes a cycle immediately and then on every interval until ctx is
// cancelled. Cancellation stops the loop before the next cycle; a cycle
// already running finishes on its own timeout. Only persistence failures end Run with an error.
func (e *Engine) Run(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}

	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()

	logrus.WithFields(logrus.Fields{
		"mode":     e.opts.Mode,
		"interval": e.opts.Interval,
	}).Info("Engine started")

	for {
		if _, err := e.RunOnce(context.WithoutCancel(ctx)); err != nil {
			if errors.Is(err, store.ErrPersistence) {
				return err
			}
			logrus.WithError(err).Warn("Cycle failed")
		}

		select {
		case <-ctx.Done():
			logrus.Info("Engine stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce runs a single cycle bounded by the cycle timeout
func (e *Engine) RunOnce(ctx context.Context) (CycleReport, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, e.opts.CycleTimeout)
	defer cancel()

	ctx, span := tracing.Tracer().Start(ctx, "oracle.cycle")
	defer span.End()

	start := time.Now()
	report, err := e.cycle(ctx)
	e.deps.Metrics.cycleDuration.Observe(time.Since(start).Seconds())

	status := "ok"
	if err != nil {
		status = "error"
		tracing.RecordError(ctx, err)
	}
	e.deps.Metrics.cycles.WithLabelValues(status).Inc()
	span.SetAttributes(
		attribute.String("oracle.source", string(report.Source)),
		attribute.Int("oracle.actions", len(report.Outcomes)),
	)
	return report, err
}

func (e *Engine) cycle(ctx context.Context) (CycleReport, error) {
	now := e.now()
	report := CycleReport{At: now}
	e.observeBreaker()

	samples, err := e.deps.Fetcher.Fetch(ctx)
	if err != nil {
		e.alert(ctx, notify.SeverityWarning, "No yield data", fmt.Sprintf("cycle skipped: %v", err))
		e.refreshStatus(nil, nil, err.Error())
		return report, fmt.Errorf("fetch samples: %w", err)
	}

	report.Source = fetch.SourceOf(samples)
	e.lastSource = report.Source
	e.deps.Metrics.dataSource.WithLabelValues(string(report.Source)).Inc()

	report.Ranking = e.analyzer.AnalyzeAll(samples)
	e.deps.Metrics.observeRanking(report.Ranking)

	logrus.WithFields(logrus.Fields{
		"samples": len(samples),
		"ranked":  len(report.Ranking),
		"source":  report.Source,
	}).Debug("Analyzed samples")

	actions := e.port.decide(now, report.Ranking)
	outcomes, pnl := e.execute(ctx, actions, report.Source)
	report.Outcomes = outcomes

	report.Published = e.record(ctx, report.Ranking, outcomes, pnl)

	if err := e.persist(context.WithoutCancel(ctx), outcomes); err != nil {
		e.alert(ctx, notify.SeverityCritical, "State not persisted", err.Error())
		return report, err
	}

	e.refreshStatus(report.Ranking, outcomes, "")
	return report, nil
}

// execute settles non-noop actions in order and feeds every outcome back.
// It returns the outcomes and the realized P&L of the batch.
func (e *Engine) execute(ctx context.Context, actions []model.Action, source model.Source) ([]model.Outcome, *big.Int) {
	pnl := new(big.Int)
	var outcomes []model.Outcome

	for _, a := range actions {
		if a.IsNoop() {
			logrus.WithField("reason", a.Reason).Info("Holding")
			continue
		}
		if ctx.Err() != nil {
			logrus.WithField("action", a.Kind).Warn("Cycle timed out, remaining actions deferred")
			break
		}

		funded, ok := e.port.fund(a)
		if !ok {
			logrus.WithFields(logrus.Fields{
				"action": a.Kind,
				"venues": a.Venues(),
			}).Info("Skipping entry: not enough cash")
			continue
		}

		out := e.deps.Executor.Execute(ctx, funded, source)
		if realized := e.port.apply(out); realized != nil {
			pnl.Add(pnl, realized)
		}
		e.deps.Metrics.observeOutcome(out)
		outcomes = append(outcomes, out)

		switch {
		case out.Partial():
			e.alert(ctx, notify.SeverityCritical, "Partial rebalance",
				fmt.Sprintf("%s; proceeds of %s lamports are waiting for re-entry", out.Err, out.Exit.Out))
		case out.Err != nil:
			e.alert(ctx, notify.SeverityWarning, "Action failed",
				fmt.Sprintf("%s %v: %s", a.Kind, a.Venues(), out.Err))
		}
	}
	return outcomes, pnl
}

// record writes the cycle to the ledger. Failures are logged and retried next cycle.
func (e *Engine) record(ctx context.Context, ranked []model.GravityAnalysis, outcomes []model.Outcome, pnl *big.Int) bool {
	pub := e.deps.Publisher
	if pub == nil {
		return false
	}
	log := logrus.WithField("component", "ledger")

	if !e.ledgerReady {
		_, err := pub.EnsureInitialized(ctx)
		e.deps.Metrics.ledgerWrite(ledger.OpInitialize.String(), err)
		if err != nil {
			log.WithError(err).Error("Ledger not ready")
			return false
		}
		e.ledgerReady = true
	}

	published := false
	if best, ok := gravity.Best(ranked, true); ok {
		wrote, err := pub.Publish(ctx, best)
		if wrote || err != nil {
			e.deps.Metrics.ledgerWrite(ledger.OpPublishStrategy.String(), err)
		}
		if err != nil {
			log.WithError(err).WithField("venue", best.Venue.String()).Error("Failed to publish strategy")
		}
		published = wrote
	}

	e.recordSwaps(ctx, outcomes)
	if settled(outcomes) {
		err := pub.Report(ctx, ledger.Report{
			Holdings:   e.port.holdings(),
			TotalValue: e.port.totalValue(),
			PnLDelta:   pnl,
		})
		e.deps.Metrics.ledgerWrite(ledger.OpRebalance.String(), err)
		if err != nil {
			log.WithError(err).Error("Failed to report portfolio")
		}
	}
	return published
}

func (e *Engine) recordSwaps(ctx context.Context, outcomes []model.Outcome) {
	for _, out := range outcomes {
		for _, f := range []*model.Fill{out.Exit, out.Entry} {
			if f == nil {
				continue
			}
			err := e.deps.Publisher.RecordSwap(ctx, f)
			e.deps.Metrics.ledgerWrite(ledger.OpExecuteSwap.String(), err)
			if err != nil {
				logrus.WithError(err).WithField("settlement_ref", f.SettlementRef).Warn("Failed to record swap on ledger")
			}
		}
	}
}

// persist appends audit records before replacing the state file
func (e *Engine) persist(ctx context.Context, outcomes []model.Outcome) error {
	if e.deps.Audit != nil {
		var records []model.DecisionRecord
		for _, out := range outcomes {
			if out.Record.ID != "" {
				records = append(records, out.Record)
			}
		}
		if err := e.deps.Audit.Append(ctx, records...); err != nil {
			return err
		}
	}

	e.cycles++
	st := &store.State{
		SavedAt: e.now(),
		Mode:    e.port.mode(),
		Cycles:  e.cycles,
		History: e.history.Snapshot(),
	}
	e.port.save(st)
	return e.deps.State.Save(st)
}

// EmergencyExit closes every position once, records it and returns. It waits
// for a running cycle to finish first.
func (e *Engine) EmergencyExit(ctx context.Context) (CycleReport, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	report := CycleReport{At: e.now(), Source: e.lastSource}
	actions := e.port.emergency()
	outcomes, pnl := e.execute(ctx, actions, report.Source)
	report.Outcomes = outcomes

	var errs []error
	for _, out := range outcomes {
		if out.Err != nil {
			errs = append(errs, fmt.Errorf("exit %v: %w", out.Action.Venues(), out.Err))
		}
	}

	if pub := e.deps.Publisher; pub != nil {
		e.recordSwaps(ctx, outcomes)
		if settled(outcomes) {
			if err := pub.Report(ctx, ledger.Report{Holdings: e.port.holdings(), TotalValue: e.port.totalValue(), PnLDelta: pnl}); err != nil {
				logrus.WithError(err).Error("Failed to report emergency exit")
			}
		}
		err := pub.EmergencyWithdraw(ctx)
		e.deps.Metrics.ledgerWrite(ledger.OpEmergencyWithdraw.String(), err)
		if err != nil {
			logrus.WithError(err).Error("Failed to record emergency withdraw")
		}
	}

	if err := e.persist(context.WithoutCancel(ctx), outcomes); err != nil {
		return report, err
	}

	msg := fmt.Sprintf("%d exits settled, total value %s lamports", len(outcomes)-len(errs), e.port.totalValue())
	if len(errs) > 0 {
		msg += fmt.Sprintf(", %d failed", len(errs))
	}
	e.alert(ctx, notify.SeverityCritical, "Emergency exit", msg)
	e.refreshStatus(nil, outcomes, "")
	return report, errors.Join(errs...)
}

func (e *Engine) alert(ctx context.Context, sev notify.Severity, title, msg string) {
	ev := notify.Event{Severity: sev, Title: title, Message: msg, At: e.now()}
	if err := e.deps.Notifier.Notify(ctx, ev); err != nil {
		logrus.WithError(err).WithField("alert", title).Warn("Failed to deliver alert")
	}
}

// BreakerTripped is meant for circuitbreaker.WithTripCallback
func (e *Engine) BreakerTripped(reason string, samples []model.YieldSample) {
	e.alert(context.Background(), notify.SeverityWarning, "Circuit breaker open",
		fmt.Sprintf("%s (%d samples rejected)", reason, len(samples)))
}

func (e *Engine) observeBreaker() {
	if e.deps.Breaker != nil {
		e.deps.Metrics.breakerState.Set(float64(e.deps.Breaker.GetState()))
	}
}

func settled(outcomes []model.Outcome) bool {
	for _, out := range outcomes {
		if out.Exit != nil || out.Entry != nil {
			return true
		}
	}
	return false
}
