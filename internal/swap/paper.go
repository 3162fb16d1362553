package swap

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/yourorg/gravity-oracle/internal/types"
)

// PaperVenue fills every quote at the venue's reference rate minus a fee.
// It is deterministic and used for dry runs and tests.
type PaperVenue struct {
	feeBps int64

	mu  sync.Mutex
	seq uint64
}

// NewPaperVenue creates a paper venue charging feeBps on every swap
func NewPaperVenue(feeBps int64) *PaperVenue {
	return &PaperVenue{feeBps: feeBps}
}

// Quote prices the swap at the reference rate of the non-settlement side
func (p *PaperVenue) Quote(_ context.Context, inputMint, outputMint string, amount *big.Int) (Quote, error) {
	if amount == nil || amount.Sign() <= 0 {
		return Quote{}, fmt.Errorf("invalid quote amount %v", amount)
	}

	in := decimal.NewFromBigInt(amount, 0)
	var out decimal.Decimal
	switch {
	case inputMint == types.SettlementMint:
		venue, ok := types.VenueByMint(outputMint)
		if !ok || !venue.Executable {
			return Quote{}, fmt.Errorf("paper quote to %s: %w", short(outputMint), ErrNoRoute)
		}
		out = in.Div(venue.ReferenceRate)
	case outputMint == types.SettlementMint:
		venue, ok := types.VenueByMint(inputMint)
		if !ok || !venue.Executable {
			return Quote{}, fmt.Errorf("paper quote from %s: %w", short(inputMint), ErrNoRoute)
		}
		out = in.Mul(venue.ReferenceRate)
	default:
		return Quote{}, fmt.Errorf("paper venue only routes through the settlement asset: %w", ErrNoRoute)
	}

	fee := decimal.NewFromInt(p.feeBps).Div(decimal.NewFromInt(10_000))
	out = out.Mul(decimal.NewFromInt(1).Sub(fee)).Truncate(0)
	if out.Sign() <= 0 {
		return Quote{}, fmt.Errorf("paper quote amount %s too small", amount)
	}

	return Quote{
		InputMint:      inputMint,
		OutputMint:     outputMint,
		InAmount:       new(big.Int).Set(amount),
		OutAmount:      out.BigInt(),
		PriceImpactPct: decimal.Zero,
	}, nil
}

// Execute always fills the quote at its quoted amount
func (p *PaperVenue) Execute(_ context.Context, q Quote) (Result, error) {
	p.mu.Lock()
	p.seq++
	ref := fmt.Sprintf("paper-%06d", p.seq)
	p.mu.Unlock()

	return Result{Success: true, SettlementRef: ref, OutAmount: new(big.Int).Set(q.OutAmount)}, nil
}
