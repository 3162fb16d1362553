package main

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/yourorg/gravity-oracle/internal/config"
	"github.com/yourorg/gravity-oracle/internal/engine"
	"github.com/yourorg/gravity-oracle/internal/model"
)

const solDecimals = 9

// setupLogging configures logrus from the log settings. The returned function
// closes the log file, if any.
func setupLogging(cfg config.LogConfig) (func(), error) {
	switch strings.ToLower(cfg.Format) {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	switch strings.ToLower(cfg.Level) {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	if cfg.File == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return func() {}, err
	}
	file := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}
	logrus.SetOutput(io.MultiWriter(os.Stderr, file))
	logrus.Infof("Logging to %s", cfg.File)
	return func() { file.Close() }, nil
}

// printStatus shows the restored state and the latest audit records
func (a *app) printStatus(ctx context.Context, w io.Writer) error {
	st := a.engine.Status()
	fmt.Fprintf(w, "mode %s, state %s, %d cycles\n", st.Mode, st.State, st.Cycles)
	fmt.Fprintf(w, "cash %s SOL, total value %s SOL, realized P&L %s SOL\n",
		sol(st.Cash), sol(st.TotalValue), sol(st.RealizedPnL))
	if st.Fault != "" {
		fmt.Fprintf(w, "FAULT: %s (pending %s SOL)\n", st.Fault, sol(st.PendingProceeds))
	}
	printPositions(w, st)

	if a.audit == nil {
		return nil
	}
	records, err := a.audit.Recent(ctx, 10)
	if err != nil {
		return err
	}
	printDecisions(w, records)
	return nil
}

func printReport(w io.Writer, r engine.CycleReport) {
	if len(r.Ranking) > 0 {
		fmt.Fprintf(w, "ranking (%s data)\n", r.Source)
		table := tablewriter.NewWriter(w)
		table.Header("#", "Venue", "APY", "Adjusted", "Predicted", "Velocity/h", "Momentum", "Signals", "Gravity", "Conf")
		for i, a := range r.Ranking {
			if !a.Ready {
				table.Append(fmt.Sprintf("%d", i+1), a.Venue.String(), bps(a.CurrentAPYBps), bps(a.AdjustedAPYBps),
					"-", "-", "-", "-", fmt.Sprintf("warming up %d", a.Samples), "-")
				continue
			}
			table.Append(
				fmt.Sprintf("%d", i+1),
				a.Venue.String(),
				bps(a.CurrentAPYBps),
				bps(a.AdjustedAPYBps),
				bps(a.PredictedAPYBps),
				fmt.Sprintf("%+.1f", a.VelocityBpsPerHour),
				fmt.Sprintf("%.2f %s", a.Momentum, a.MomentumStrength),
				signalNames(a.Signals),
				fmt.Sprintf("%.1f", a.GravityScore),
				fmt.Sprintf("%.0f%%", a.Confidence*100),
			)
		}
		table.Render()
	}

	if len(r.Outcomes) == 0 {
		fmt.Fprintln(w, "no action")
		return
	}
	records := make([]model.DecisionRecord, 0, len(r.Outcomes))
	for _, out := range r.Outcomes {
		records = append(records, out.Record)
	}
	printDecisions(w, records)
}

func printPositions(w io.Writer, st engine.Status) {
	if len(st.Positions) == 0 {
		fmt.Fprintln(w, "no open positions")
		return
	}
	table := tablewriter.NewWriter(w)
	table.Header("Venue", "Tokens", "Entry value (SOL)", "Entry price", "Since")
	for _, p := range st.Positions {
		table.Append(
			p.Venue.String(),
			p.Amount.String(),
			sol(p.EntryValue),
			p.EntryPrice.StringFixed(6),
			p.EntryTime.Format("2006-01-02 15:04"),
		)
	}
	table.Render()
}

func printDecisions(w io.Writer, records []model.DecisionRecord) {
	table := tablewriter.NewWriter(w)
	table.Header("Time", "Action", "Venues", "In", "Out", "Source", "Result", "Reason")
	for _, r := range records {
		venues := make([]string, 0, len(r.Venues))
		for _, v := range r.Venues {
			venues = append(venues, v.String())
		}
		result := "ok"
		switch {
		case r.Fault:
			result = "FAULT"
		case !r.Success:
			result = "failed"
		}
		table.Append(
			r.Timestamp.Format("2006-01-02 15:04:05"),
			string(r.Action),
			strings.Join(venues, " -> "),
			intOrDash(r.AmountIn),
			intOrDash(r.AmountOut),
			string(r.DataSource),
			result,
			r.Reason,
		)
	}
	table.Render()
}

func sol(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -solDecimals).StringFixed(4)
}

func bps(v float64) string {
	return fmt.Sprintf("%.2f%%", v/100)
}

func intOrDash(v *big.Int) string {
	if v == nil {
		return "-"
	}
	return v.String()
}

func signalNames(signals []model.Signal) string {
	if len(signals) == 0 {
		return "-"
	}
	names := make([]string, 0, len(signals))
	for _, s := range signals {
		names = append(names, fmt.Sprintf("%s %+.0f", s.Type, s.ImpactBps))
	}
	return strings.Join(names, ", ")
}
