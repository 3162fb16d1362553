// Package swap talks to the quoting/execution venue that moves capital between
// the settlement asset and venue tokens.
package swap

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/yourorg/gravity-oracle/internal/types"
)

// ErrNoRoute is returned when the venue cannot quote the pair
var ErrNoRoute = errors.New("no route for pair")

// Quote is an exchange offer. Raw carries the venue's own representation so
// Execute can hand it back unchanged.
type Quote struct {
	InputMint      string          `json:"inputMint"`
	OutputMint     string          `json:"outputMint"`
	InAmount       *big.Int        `json:"inAmount"`
	OutAmount      *big.Int        `json:"outAmount"`
	PriceImpactPct decimal.Decimal `json:"priceImpactPct"`
	Raw            json.RawMessage `json:"-"`
}

// Rate returns the realized exchange rate as input units per output unit
func (q Quote) Rate() decimal.Decimal {
	if q.OutAmount == nil || q.OutAmount.Sign() == 0 || q.InAmount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(q.InAmount, 0).DivRound(decimal.NewFromBigInt(q.OutAmount, 0), 12)
}

// Result is the outcome of executing a quote
type Result struct {
	Success       bool     `json:"success"`
	SettlementRef string   `json:"settlementRef,omitempty"`
	OutAmount     *big.Int `json:"outAmount,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// Venue quotes and executes swaps
type Venue interface {
	Quote(ctx context.Context, inputMint, outputMint string, amount *big.Int) (Quote, error)
	Execute(ctx context.Context, q Quote) (Result, error)
}

// EntryPair returns the mints to enter a venue from the settlement asset
func EntryPair(venue types.VenueConfig) (string, string) {
	return types.SettlementMint, venue.Mint
}

// ExitPair returns the mints to exit a venue into the settlement asset
func ExitPair(venue types.VenueConfig) (string, string) {
	return venue.Mint, types.SettlementMint
}
