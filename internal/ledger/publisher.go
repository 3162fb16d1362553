package ledger

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/yourorg/gravity-oracle/internal/model"
	"github.com/yourorg/gravity-oracle/internal/types"
)

// Policy decides when the recorded strategy is refreshed
type Policy struct {
	// MinImprovement is the relative APY gain a new best venue needs (0.005 = 0.5%)
	MinImprovement float64
	// MaxAge forces a publish when the stored record is older
	MaxAge time.Duration
}

// DefaultPolicy matches the program's documented update rule
var DefaultPolicy = Policy{MinImprovement: 0.005, MaxAge: time.Hour}

// ShouldPublish reports whether best should replace what the account holds, and why
func (p Policy) ShouldPublish(acct Account, best model.GravityAnalysis, now time.Time) (bool, string) {
	if acct.LastUpdate == 0 {
		return true, "no strategy recorded"
	}
	if age := now.Sub(acct.LastUpdateTime()); age > p.MaxAge {
		return true, fmt.Sprintf("record is %s old", age.Truncate(time.Second))
	}
	if best.Venue == acct.BestVenue {
		return false, "best venue unchanged"
	}
	if acct.CurrentAPYBps == 0 {
		return true, "stored apy is zero"
	}
	stored := float64(acct.CurrentAPYBps)
	gain := (best.CurrentAPYBps - stored) / stored
	if gain > p.MinImprovement {
		return true, fmt.Sprintf("%s beats %s by %.2f%%", best.Venue, acct.BestVenue, gain*100)
	}
	return false, fmt.Sprintf("improvement %.2f%% below threshold", gain*100)
}

// Report is the portfolio state sent with a Rebalance instruction
type Report struct {
	Holdings   map[types.VenueID]*big.Int
	TotalValue *big.Int
	PnLDelta   *big.Int
}

// Publisher writes the oracle's decisions to a ledger with the authority key
type Publisher struct {
	ledger Ledger
	signer *Signer
	policy Policy
	route  uint8
	now    func() time.Time
}

// NewPublisher creates a publisher
func NewPublisher(l Ledger, s *Signer, p Policy) *Publisher {
	return &Publisher{ledger: l, signer: s, policy: p, route: RouteAggregator, now: time.Now}
}

// WithRoute sets the route recorded with swaps (RouteDirect or RouteAggregator)
func (p *Publisher) WithRoute(route uint8) *Publisher {
	p.route = route
	return p
}

// WithClock overrides the publish timestamp source
func (p *Publisher) WithClock(now func() time.Time) *Publisher {
	p.now = now
	return p
}

// Authority returns the signer identity
func (p *Publisher) Authority() Authority {
	return p.signer.Authority()
}

// EnsureInitialized claims a blank account and checks that an existing one belongs to the signer
func (p *Publisher) EnsureInitialized(ctx context.Context) (Account, error) {
	acct, err := p.ledger.Account(ctx)
	if err != nil {
		return Account{}, fmt.Errorf("failed to read ledger account: %w", err)
	}
	if acct.Initialized {
		if acct.Authority != p.signer.Authority() {
			return acct, fmt.Errorf("%w: account owned by %s", ErrInvalidAuthority, acct.Authority)
		}
		return acct, nil
	}

	if err := p.submit(ctx, Initialize{}); err != nil {
		return Account{}, err
	}
	logrus.Infof("Initialized ledger account for authority %s", p.signer.Authority())
	return p.ledger.Account(ctx)
}

// Publish records best when the policy asks for it. It returns whether a write happened.
func (p *Publisher) Publish(ctx context.Context, best model.GravityAnalysis) (bool, error) {
	acct, err := p.ledger.Account(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to read ledger account: %w", err)
	}
	now := p.now()
	ok, reason := p.policy.ShouldPublish(acct, best, now)
	if !ok {
		logrus.Debugf("Skipping strategy publish: %s", reason)
		return false, nil
	}

	risk := best.RiskScore
	if risk < 0 {
		risk = 0
	}
	inst := PublishStrategy{
		Venue:          best.Venue,
		ExpectedAPYBps: clampBps(best.CurrentAPYBps),
		RiskScore:      uint8(min(risk, 255)),
		Timestamp:      now.Unix(),
	}
	if err := p.submit(ctx, inst); err != nil {
		return false, err
	}
	logrus.WithFields(logrus.Fields{
		"venue":   best.Venue.String(),
		"apy_bps": inst.ExpectedAPYBps,
		"reason":  reason,
	}).Info("Published strategy")
	return true, nil
}

// Report records the portfolio after an executed action
func (p *Publisher) Report(ctx context.Context, r Report) error {
	return p.submit(ctx, Rebalance{
		TargetBps:  AllocationBps(r.Holdings),
		TotalValue: clampUint64(r.TotalValue),
		PnLDelta:   clampInt64(r.PnLDelta),
	})
}

// RecordSwap records a settled swap leg. The amount received is the minimum
// the ledger accepts, so a zero fill is rejected as slippage.
func (p *Publisher) RecordSwap(ctx context.Context, f *model.Fill) error {
	return p.submit(ctx, ExecuteSwap{
		AmountIn:     clampUint64(f.In),
		MinAmountOut: clampUint64(f.Out),
		Route:        p.route,
	})
}

// EmergencyWithdraw records that every position was exited
func (p *Publisher) EmergencyWithdraw(ctx context.Context) error {
	return p.submit(ctx, EmergencyWithdraw{})
}

func (p *Publisher) submit(ctx context.Context, inst Instruction) error {
	tx, err := NewTransaction(p.signer, inst)
	if err != nil {
		return err
	}
	if err := p.ledger.Submit(ctx, tx); err != nil {
		return fmt.Errorf("ledger %s failed: %w", inst.Op(), err)
	}
	return nil
}

// AllocationBps converts holdings into per-slot basis points summing to 10000.
// Rounding remainder goes to the largest holding. No holdings gives all zeros.
func AllocationBps(holdings map[types.VenueID]*big.Int) [AllocationSlots]uint16 {
	var out [AllocationSlots]uint16

	total := new(big.Int)
	ids := make([]types.VenueID, 0, len(holdings))
	for id, v := range holdings {
		if int(id) >= AllocationSlots || v == nil || v.Sign() <= 0 {
			continue
		}
		total.Add(total, v)
		ids = append(ids, id)
	}
	if total.Sign() == 0 {
		return out
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	sum := 0
	largest := ids[0]
	for _, id := range ids {
		bps := new(big.Int).Mul(holdings[id], big.NewInt(10000))
		bps.Quo(bps, total)
		out[id] = uint16(bps.Int64())
		sum += int(out[id])
		if holdings[id].Cmp(holdings[largest]) > 0 {
			largest = id
		}
	}
	out[largest] += uint16(10000 - sum)
	return out
}

func clampBps(apy float64) uint16 {
	switch {
	case math.IsNaN(apy) || apy <= 0:
		return 0
	case apy >= math.MaxUint16:
		return math.MaxUint16
	default:
		return uint16(math.Round(apy))
	}
}

func clampUint64(v *big.Int) uint64 {
	switch {
	case v == nil || v.Sign() <= 0:
		return 0
	case !v.IsUint64():
		return math.MaxUint64
	default:
		return v.Uint64()
	}
}

func clampInt64(v *big.Int) int64 {
	switch {
	case v == nil:
		return 0
	case v.IsInt64():
		return v.Int64()
	case v.Sign() > 0:
		return math.MaxInt64
	default:
		return math.MinInt64
	}
}
