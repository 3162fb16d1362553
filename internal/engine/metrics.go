package engine

import (
	"math/big"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/yourorg/gravity-oracle/internal/model"
)

// Metrics holds the Prometheus collectors the engine updates every cycle
type Metrics struct {
	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	actions       *prometheus.CounterVec
	dataSource    *prometheus.CounterVec
	gravityScore  *prometheus.GaugeVec
	adjustedAPY   *prometheus.GaugeVec
	breakerState  prometheus.Gauge
	realizedPnL   prometheus.Gauge
	totalValue    prometheus.Gauge
	faults        prometheus.Counter
	ledgerWrites  *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oracle_cycles_total",
				Help: "Total number of decision cycles run",
			},
			[]string{"status"},
		),
		cycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "oracle_cycle_duration_seconds",
				Help:    "Decision cycle duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		actions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oracle_actions_total",
				Help: "Executed actions by kind and result",
			},
			[]string{"kind", "result"},
		),
		dataSource: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oracle_data_source_total",
				Help: "Cycles by the data source that fed them (live, cached, simulated)",
			},
			[]string{"source"},
		),
		gravityScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "oracle_gravity_score",
				Help: "Gravity score per venue",
			},
			[]string{"venue"},
		),
		adjustedAPY: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "oracle_adjusted_apy_bps",
				Help: "Risk adjusted APY per venue in basis points",
			},
			[]string{"venue"},
		),
		breakerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "oracle_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
		),
		realizedPnL: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "oracle_realized_pnl_lamports",
				Help: "Cumulative realized profit and loss in lamports",
			},
		),
		totalValue: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "oracle_total_value_lamports",
				Help: "Cash plus positions at reference rates, in lamports",
			},
		),
		faults: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "oracle_partial_fills_total",
				Help: "Rebalances whose exit settled but entry failed",
			},
		),
		ledgerWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oracle_ledger_writes_total",
				Help: "Ledger instructions submitted by result",
			},
			[]string{"op", "result"},
		),
	}

	reg.MustRegister(
		m.cycles,
		m.cycleDuration,
		m.actions,
		m.dataSource,
		m.gravityScore,
		m.adjustedAPY,
		m.breakerState,
		m.realizedPnL,
		m.totalValue,
		m.faults,
		m.ledgerWrites,
	)
	return m
}

func (m *Metrics) observeRanking(ranked []model.GravityAnalysis) {
	for _, a := range ranked {
		m.gravityScore.WithLabelValues(a.Venue.String()).Set(a.GravityScore)
		m.adjustedAPY.WithLabelValues(a.Venue.String()).Set(a.AdjustedAPYBps)
	}
}

func (m *Metrics) observeOutcome(out model.Outcome) {
	result := "success"
	switch {
	case out.Partial():
		result = "partial"
		m.faults.Inc()
	case out.Err != nil:
		result = "failed"
	}
	m.actions.WithLabelValues(string(out.Action.Kind), result).Inc()
}

func (m *Metrics) ledgerWrite(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ledgerWrites.WithLabelValues(op, result).Inc()
}

func lamportsFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
