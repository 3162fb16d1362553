// Package executor turns position actions into swaps against the execution venue.
//
// Every quote+execute pair runs under a fixed retry policy. A failed action is
// reported, never retried beyond the policy, and every executed action produces
// exactly one audit record whether it succeeded or not.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/gravity-oracle/internal/model"
	"github.com/yourorg/gravity-oracle/internal/retry"
	"github.com/yourorg/gravity-oracle/internal/swap"
	"github.com/yourorg/gravity-oracle/internal/types"
)

var (
	// ErrPartialFill means a rebalance exited the old venue but could not enter the new one
	ErrPartialFill = errors.New("exit settled but entry failed")

	// ErrPriceImpact means the quote moved the price more than allowed
	ErrPriceImpact = errors.New("price impact above limit")

	// ErrRejected means the venue answered but refused to settle
	ErrRejected = errors.New("venue rejected execution")

	ErrInvalidAction = errors.New("invalid action")
)

// Options configures an Executor
type Options struct {
	Retry retry.Policy

	// MaxPriceImpactPct rejects quotes above this price impact. Zero disables the check.
	MaxPriceImpactPct decimal.Decimal
}

// Executor runs actions against a swap venue
type Executor struct {
	venue swap.Venue
	opts  Options
	now   func() time.Time
	newID func() string
}

// New creates an executor
func New(venue swap.Venue, opts Options) *Executor {
	return &Executor{
		venue: venue,
		opts:  opts,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// WithClock replaces the clock used to stamp fills and records
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

// Execute runs a single action. Noop actions return an empty outcome without a record.
func (e *Executor) Execute(ctx context.Context, action model.Action, source model.Source) model.Outcome {
	out := model.Outcome{Action: action}
	if action.IsNoop() {
		return out
	}

	log := logrus.WithFields(logrus.Fields{
		"action": action.Kind,
		"venues": action.Venues(),
		"amount": amountString(action.Amount),
	})

	switch err := validate(action); {
	case err != nil:
		out.Err = err
	case action.Kind == model.ActionEnter:
		out.Entry, out.Err = e.leg(ctx, *action.To, true, action.Amount)
	case action.Kind == model.ActionExit:
		out.Exit, out.Err = e.leg(ctx, *action.From, false, action.Amount)
	case action.Kind == model.ActionRebalance:
		out.Exit, out.Err = e.leg(ctx, *action.From, false, action.Amount)
		if out.Err == nil {
			var err error
			out.Entry, err = e.leg(ctx, *action.To, true, out.Exit.Out)
			if err != nil {
				out.Err = fmt.Errorf("%w: %w", ErrPartialFill, err)
			}
		}
	}

	out.Record = e.record(action, out, source)
	if out.Err != nil {
		log.WithError(out.Err).WithField("partial", out.Partial()).Error("Action failed")
	} else {
		log.WithField("ref", out.Record.SettlementRef).Info("Action settled")
	}
	return out
}

// leg quotes and executes one swap, re-quoting on every attempt
func (e *Executor) leg(ctx context.Context, venueID types.VenueID, entry bool, amount *big.Int) (*model.Fill, error) {
	venue, ok := types.Venue(venueID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown venue %d", ErrInvalidAction, venueID)
	}
	if entry && !venue.Executable {
		return nil, fmt.Errorf("%w: %s has no execution path", ErrInvalidAction, venue.Name)
	}
	inMint, outMint := swap.EntryPair(venue)
	direction := "entry"
	if !entry {
		inMint, outMint = swap.ExitPair(venue)
		direction = "exit"
	}

	fields := logrus.Fields{"venue": venue.Name, "direction": direction, "amount": amount.String()}

	return retry.Do(ctx, e.opts.Retry, func(ctx context.Context, attempt int) (*model.Fill, error) {
		q, err := e.venue.Quote(ctx, inMint, outMint, amount)
		if err != nil {
			if errors.Is(err, swap.ErrNoRoute) {
				return nil, retry.Permanent(err)
			}
			return nil, err
		}
		if limit := e.opts.MaxPriceImpactPct; limit.IsPositive() && q.PriceImpactPct.GreaterThan(limit) {
			return nil, retry.Permanent(fmt.Errorf("%w: %s%% > %s%%", ErrPriceImpact, q.PriceImpactPct, limit))
		}

		res, err := e.venue.Execute(ctx, q)
		if err != nil {
			return nil, err
		}
		if !res.Success {
			return nil, fmt.Errorf("%w: %s", ErrRejected, res.Error)
		}

		received := res.OutAmount
		if received == nil {
			received = q.OutAmount
		}
		fill := &model.Fill{
			Venue:         venueID,
			In:            new(big.Int).Set(amount),
			Out:           new(big.Int).Set(received),
			SettlementRef: res.SettlementRef,
			At:            e.now(),
		}
		fill.Rate = settlementRate(fill, entry)
		return fill, nil
	}, func(attempt int, err error) {
		logrus.WithFields(fields).WithField("attempt", attempt).WithError(err).Warn("Swap attempt failed, retrying")
	})
}

func (e *Executor) record(action model.Action, out model.Outcome, source model.Source) model.DecisionRecord {
	rec := model.DecisionRecord{
		ID:         e.newID(),
		Timestamp:  e.now(),
		Action:     action.Kind,
		Venues:     action.Venues(),
		AmountIn:   copyInt(action.Amount),
		Success:    out.Err == nil,
		Fault:      out.Partial(),
		DataSource: source,
		Reason:     action.Reason,
	}

	var refs []string
	for _, f := range []*model.Fill{out.Exit, out.Entry} {
		if f == nil {
			continue
		}
		refs = append(refs, f.SettlementRef)
		rec.AmountOut = copyInt(f.Out)
	}
	rec.SettlementRef = strings.Join(refs, "+")

	if out.Err != nil {
		rec.Reason = fmt.Sprintf("%s; failed: %v", action.Reason, out.Err)
		if out.Partial() {
			rec.Reason += fmt.Sprintf("; %s lamports pending re-entry", out.Exit.Out)
		}
	}
	return rec
}

func validate(action model.Action) error {
	if action.Amount == nil || action.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: %s needs a positive amount", ErrInvalidAction, action.Kind)
	}
	switch action.Kind {
	case model.ActionEnter:
		if action.To == nil {
			return fmt.Errorf("%w: enter without target venue", ErrInvalidAction)
		}
	case model.ActionExit:
		if action.From == nil {
			return fmt.Errorf("%w: exit without source venue", ErrInvalidAction)
		}
	case model.ActionRebalance:
		if action.From == nil || action.To == nil {
			return fmt.Errorf("%w: rebalance needs both venues", ErrInvalidAction)
		}
		if *action.From == *action.To {
			return fmt.Errorf("%w: rebalance into the held venue", ErrInvalidAction)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidAction, action.Kind)
	}
	return nil
}

// settlementRate returns settlement units per venue token for a fill
func settlementRate(f *model.Fill, entry bool) decimal.Decimal {
	settlement, tokens := f.In, f.Out
	if !entry {
		settlement, tokens = f.Out, f.In
	}
	if tokens.Sign() == 0 {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(settlement, 0).DivRound(decimal.NewFromBigInt(tokens, 0), 12)
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
