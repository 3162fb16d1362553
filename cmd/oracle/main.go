// Package main runs the gravity oracle: it samples venue yields every cycle,
// ranks venues by predicted risk-adjusted yield, moves capital when the
// ranking justifies it and records its decisions on the ledger.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/gravity-oracle/internal/aggregate"
	"github.com/yourorg/gravity-oracle/internal/allocation"
	"github.com/yourorg/gravity-oracle/internal/api"
	"github.com/yourorg/gravity-oracle/internal/circuitbreaker"
	"github.com/yourorg/gravity-oracle/internal/config"
	"github.com/yourorg/gravity-oracle/internal/engine"
	"github.com/yourorg/gravity-oracle/internal/executor"
	"github.com/yourorg/gravity-oracle/internal/fetch"
	"github.com/yourorg/gravity-oracle/internal/ledger"
	"github.com/yourorg/gravity-oracle/internal/notify"
	tracing "github.com/yourorg/gravity-oracle/internal/otel"
	"github.com/yourorg/gravity-oracle/internal/position"
	"github.com/yourorg/gravity-oracle/internal/retry"
	"github.com/yourorg/gravity-oracle/internal/store"
	"github.com/yourorg/gravity-oracle/internal/swap"
	"github.com/yourorg/gravity-oracle/internal/types"
	"github.com/yourorg/gravity-oracle/internal/validation"
)

// version is set at build time
var version = "dev"

// app holds the wired components
type app struct {
	cfg      config.Config
	engine   *engine.Engine
	audit    *store.AuditLog
	breaker  *circuitbreaker.CircuitBreaker
	registry *prometheus.Registry
	webhook  *notify.Webhook
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	once := flag.Bool("once", false, "run a single cycle, print the result and exit")
	status := flag.Bool("status", false, "print the persisted state and recent decisions, then exit")
	emergencyExit := flag.Bool("emergency-exit", false, "exit every open position to the settlement asset and stop")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("Configuration error: %v", err)
	}
	closeLog, err := setupLogging(cfg.Log)
	if err != nil {
		logrus.Fatalf("Failed to set up logging: %v", err)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracing.InitTracer(ctx, cfg.OtelEndpoint)
	if err != nil {
		logrus.Warnf("Tracing disabled: %v", err)
	}
	defer shutdownTracer()

	a, err := build(cfg)
	if err != nil {
		logrus.Fatalf("Startup failed: %v", err)
	}
	defer a.close()

	switch {
	case *status:
		err = a.printStatus(ctx, os.Stdout)
	case *emergencyExit:
		err = a.emergencyExit(ctx)
	case *once:
		err = a.runOnce(ctx)
	default:
		err = a.serve(ctx)
	}
	if err != nil {
		a.close()
		closeLog()
		logrus.Fatalf("Oracle stopped: %v", err)
	}
}

// build wires every component from the configuration
func build(cfg config.Config) (*app, error) {
	a := &app{cfg: cfg, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	venues := types.AllVenues()

	a.breaker = circuitbreaker.New(circuitbreaker.Thresholds{
		MaxAPYBps:     cfg.Breaker.MaxAPYBps,
		MaxTVLChange:  cfg.Breaker.MaxTVLChange,
		MinVenues:     cfg.Breaker.MinVenues,
		MaxAPYJumpBps: cfg.Breaker.MaxAPYJumpBps,
	}).WithResetDelay(cfg.Breaker.ResetDelay)

	merge, err := aggregate.ParseStrategy(cfg.SourceMerge)
	if err != nil {
		return nil, err
	}
	fetcher := fetch.NewResilient(createSources(cfg), fetch.ResilientOptions{
		FreshnessWindow: cfg.FreshnessWindow,
		Breaker:         a.breaker,
		Simulator:       fetch.NewSimulator(venues),
		Merge:           merge,
	})

	venue, route := createSwapVenue(cfg)
	exec := executor.New(venue, executor.Options{
		Retry:             retry.Policy{MaxAttempts: cfg.Swap.MaxAttempts, Delay: cfg.Swap.RetryDelay},
		MaxPriceImpactPct: decimal.NewFromFloat(cfg.Swap.MaxPriceImpactPct),
	})

	if err := ensureDir(cfg.StatePath); err != nil {
		return nil, err
	}
	if cfg.AuditPath != "" {
		if err := ensureDir(cfg.AuditPath); err != nil {
			return nil, err
		}
		audit, err := store.OpenAuditLog(cfg.AuditPath)
		if err != nil {
			return nil, err
		}
		a.audit = audit
	}

	notifier, webhook, err := createNotifiers(cfg)
	if err != nil {
		a.close()
		return nil, err
	}
	a.webhook = webhook

	deps := engine.Deps{
		Fetcher:  fetcher,
		Executor: exec,
		State:    store.NewStateFile(cfg.StatePath),
		Notifier: notifier,
		Metrics:  engine.NewMetrics(a.registry),
		Breaker:  a.breaker,
	}
	if a.audit != nil {
		deps.Audit = a.audit
	}
	if cfg.Ledger.Enabled {
		pub, err := createPublisher(cfg.Ledger)
		if err != nil {
			a.close()
			return nil, err
		}
		deps.Publisher = pub.WithRoute(route)
	}

	strategy, err := allocation.ParseStrategy(cfg.Allocation.Strategy)
	if err != nil {
		a.close()
		return nil, err
	}

	eng, err := engine.New(engine.Options{
		Mode:            store.Mode(cfg.Mode),
		Interval:        cfg.Interval,
		CycleTimeout:    cfg.CycleTimeout,
		Capital:         big.NewInt(cfg.CapitalLamports),
		HistoryCapacity: cfg.HistoryCapacity,
		Venues:          venues,
		Machine: position.Config{
			MinTradeSize:      big.NewInt(cfg.Position.MinTradeLamports),
			MaxPositionCap:    big.NewInt(cfg.Position.MaxPositionLamports),
			MinHoldTime:       cfg.Position.MinHoldTime,
			MinImprovementBps: cfg.Position.MinImprovementBps,
			AutoRecover:       cfg.Position.AutoRecover,
		},
		Book: position.BookConfig{
			Plan: allocation.Options{
				Strategy:        strategy,
				MaxPositions:    cfg.Allocation.MaxPositions,
				MinPositionSize: big.NewInt(cfg.Allocation.MinPositionLamports),
			},
			MinTradeSize: big.NewInt(cfg.Position.MinTradeLamports),
			MinHoldTime:  cfg.Allocation.MinRebalanceGap,
			DriftPct:     decimal.NewFromFloat(cfg.Allocation.DriftPct),
		},
	}, deps)
	if err != nil {
		a.close()
		return nil, err
	}
	a.breaker.WithTripCallback(eng.BreakerTripped)
	a.engine = eng

	logrus.WithFields(logrus.Fields{
		"mode":     cfg.Mode,
		"interval": cfg.Interval,
		"sources":  len(cfg.Sources),
		"paper":    cfg.Swap.URL == "",
		"ledger":   cfg.Ledger.Enabled,
		"audit":    cfg.AuditPath,
	}).Info("Oracle initialized")
	return a, nil
}

func createSources(cfg config.Config) []fetch.Client {
	opts := validation.ValidationOptions{
		MaxAge:     cfg.Validation.MaxAge,
		MinTVL:     cfg.Validation.MinTVLUSD,
		MaxAPYBps:  cfg.Validation.MaxAPYBps,
		RequireTVL: cfg.Validation.RequireTVL,
	}
	sources := make([]fetch.Client, 0, len(cfg.Sources))
	for _, s := range cfg.Sources {
		sources = append(sources, fetch.NewHTTPSource(fetch.HTTPSourceOptions{
			Name:       s.Name,
			URL:        s.URL,
			APIKey:     s.APIKey,
			Timeout:    cfg.RequestTimeout,
			RetryMax:   cfg.RetryMax,
			Validation: opts,
		}))
	}
	if len(sources) == 0 {
		logrus.Warn("No data sources configured, running on simulated yields")
	}
	return sources
}

// createSwapVenue returns the execution venue and the ledger route it settles through
func createSwapVenue(cfg config.Config) (swap.Venue, uint8) {
	if cfg.Swap.URL == "" {
		logrus.Warnf("No swap URL configured, paper trading with %d bps fee", cfg.Swap.PaperFeeBps)
		return swap.NewPaperVenue(cfg.Swap.PaperFeeBps), ledger.RouteDirect
	}
	return swap.NewHTTPVenue(swap.HTTPOptions{
		BaseURL:  cfg.Swap.URL,
		APIKey:   cfg.Swap.APIKey,
		Timeout:  cfg.RequestTimeout,
		RetryMax: cfg.RetryMax,
	}), ledger.RouteAggregator
}

func createNotifiers(cfg config.Config) (notify.Notifier, *notify.Webhook, error) {
	notifiers := notify.Multi{notify.Log{}}

	if cfg.Telegram.Enabled() {
		tg, err := notify.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID, 3, 2*time.Second)
		if err != nil {
			return nil, nil, err
		}
		notifiers = append(notifiers, tg)
		logrus.Info("Telegram alerts enabled")
	}

	var webhook *notify.Webhook
	if cfg.Webhook.URL != "" {
		webhook = notify.NewWebhook(notify.WebhookConfig{
			URL:       cfg.Webhook.URL,
			APIKey:    cfg.Webhook.APIKey,
			BatchSize: cfg.Webhook.BatchSize,
			Interval:  cfg.Webhook.Interval,
			RetryMax:  cfg.RetryMax,
			Timeout:   cfg.RequestTimeout,
		})
		notifiers = append(notifiers, webhook)
		logrus.Info("Webhook alerts enabled")
	}
	return notifiers, webhook, nil
}

func createPublisher(cfg config.LedgerConfig) (*ledger.Publisher, error) {
	if err := ensureDir(cfg.Path); err != nil {
		return nil, err
	}
	l, err := ledger.OpenFileLedger(cfg.Path)
	if err != nil {
		return nil, err
	}

	var signer *ledger.Signer
	if cfg.KeyHex != "" {
		signer, err = ledger.SignerFromHex(cfg.KeyHex)
	} else {
		signer, err = ledger.LoadOrCreateSigner(cfg.KeyPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load authority key: %w", err)
	}
	logrus.Infof("Ledger authority %s", signer.Authority())
	return ledger.NewPublisher(l, signer, ledger.DefaultPolicy), nil
}

// serve runs the engine loop alongside the status server until a signal arrives
func (a *app) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	server := api.New(api.Config{
		Port:      a.cfg.API.Port,
		RateLimit: a.cfg.API.RateLimit,
		Burst:     a.cfg.API.Burst,
		Version:   version,
	}, a.engine, a.decisions(), a.breaker, a.registry)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Run(ctx); err != nil {
			logrus.Errorf("Status server failed: %v", err)
		}
	}()

	// SIGHUP is the operator reset for the data guard
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		resetOnSignal(ctx, hup, a.breaker)
	}()

	if a.webhook != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.webhook.Run(ctx)
		}()
	}

	err := a.engine.Run(ctx)
	cancel()
	wg.Wait()
	return err
}

// resetOnSignal resets the breaker for every signal received until ctx is done
func resetOnSignal(ctx context.Context, signals <-chan os.Signal, breaker *circuitbreaker.CircuitBreaker) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-signals:
			breaker.Reset()
			logrus.WithField("signal", sig.String()).Info("Circuit breaker reset by operator")
		}
	}
}

func (a *app) runOnce(ctx context.Context) error {
	report, err := a.engine.RunOnce(ctx)
	if err != nil {
		return err
	}
	printReport(os.Stdout, report)
	return a.flushAlerts(ctx)
}

func (a *app) emergencyExit(ctx context.Context) error {
	logrus.Warn("Emergency exit requested")
	report, err := a.engine.EmergencyExit(ctx)
	printReport(os.Stdout, report)
	if ferr := a.flushAlerts(ctx); ferr != nil {
		logrus.Warnf("Failed to deliver alerts: %v", ferr)
	}
	return err
}

func (a *app) flushAlerts(ctx context.Context) error {
	if a.webhook == nil {
		return nil
	}
	return a.webhook.Flush(ctx)
}

// decisions returns the audit log as a query source, or nil when disabled
func (a *app) decisions() api.DecisionSource {
	if a.audit == nil {
		return nil
	}
	return a.audit
}

func (a *app) close() {
	if a.audit != nil {
		if err := a.audit.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			logrus.Warnf("Failed to close audit log: %v", err)
		}
		a.audit = nil
	}
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}
