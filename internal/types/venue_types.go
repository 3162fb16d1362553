// Package types contains shared type definitions used across multiple packages
package types

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// VenueID identifies a yield venue the oracle can hold capital in.
// The numeric value is what the ledger stores in its best venue byte.
type VenueID uint8

// Supported venues
const (
	VenueJitoSOL VenueID = iota
	VenueMSOL
	VenueBSOL
	VenueJupSOL
	VenueRaydiumSOLUSDC
	VenueKaminoUSDC
)

// VenueKind describes how a venue produces yield
type VenueKind string

const (
	KindLiquidStaking VenueKind = "liquid_staking"
	KindAMMPool       VenueKind = "amm_pool"
	KindVault         VenueKind = "vault"
)

// SettlementMint is the asset every position is entered from and exited to (wrapped SOL).
const SettlementMint = "So11111111111111111111111111111111111111112"

// VenueConfig holds the static description of a venue
type VenueConfig struct {
	ID         VenueID   `json:"id"`
	Name       string    `json:"name"`
	Kind       VenueKind `json:"kind"`
	Mint       string    `json:"mint"`
	RiskScore  int       `json:"risk_score"` // 0-100, lower is safer
	Executable bool      `json:"executable"` // has a swap route from the settlement asset

	// ReferenceRate is the settlement asset paid per unit of the venue token.
	// Used by the paper venue and for valuation when no quote is available.
	ReferenceRate decimal.Decimal `json:"reference_rate"`

	// BaseAPYBps anchors the deterministic simulation when no data source answers.
	BaseAPYBps int64 `json:"base_apy_bps"`
}

var catalog = map[VenueID]VenueConfig{
	VenueJitoSOL: {
		ID: VenueJitoSOL, Name: "jitosol", Kind: KindLiquidStaking,
		Mint: "J1toso1uCk3RLmjorhTtrVwY9HJ7X8V9yYac6Y7kGCPn", RiskScore: 15, Executable: true,
		ReferenceRate: decimal.RequireFromString("1.1420"), BaseAPYBps: 790,
	},
	VenueMSOL: {
		ID: VenueMSOL, Name: "msol", Kind: KindLiquidStaking,
		Mint: "mSoLzYCxHdYgdzU16g5QSh3i5K3z3KZK7ytfqcJm7So", RiskScore: 15, Executable: true,
		ReferenceRate: decimal.RequireFromString("1.2650"), BaseAPYBps: 740,
	},
	VenueBSOL: {
		ID: VenueBSOL, Name: "bsol", Kind: KindLiquidStaking,
		Mint: "bSo13r4TkiE4KumL71LsHTPpL2euBYLFx6h9HP3piy1", RiskScore: 20, Executable: true,
		ReferenceRate: decimal.RequireFromString("1.2110"), BaseAPYBps: 760,
	},
	VenueJupSOL: {
		ID: VenueJupSOL, Name: "jupsol", Kind: KindLiquidStaking,
		Mint: "jupSoLaHXQiZZTSfEWMTRRgpnyFm8f6sZdosWBjx93v", RiskScore: 20, Executable: true,
		ReferenceRate: decimal.RequireFromString("1.0890"), BaseAPYBps: 830,
	},
	VenueRaydiumSOLUSDC: {
		ID: VenueRaydiumSOLUSDC, Name: "raydium-sol-usdc", Kind: KindAMMPool,
		Mint: "8HoQnePLqPj4M7PUDzfw8e3Ymdwgc7NLGnaTUapubyvu", RiskScore: 35, Executable: false,
		ReferenceRate: decimal.NewFromInt(1), BaseAPYBps: 1500,
	},
	VenueKaminoUSDC: {
		ID: VenueKaminoUSDC, Name: "kamino-usdc", Kind: KindVault,
		Mint: "B8V6WVjPxW1UGwVDfxH2d2r8SyT4cqn7dQRK6XneVa7D", RiskScore: 25, Executable: false,
		ReferenceRate: decimal.NewFromInt(1), BaseAPYBps: 1100,
	},
}

// Venue returns the static configuration of a venue
func Venue(id VenueID) (VenueConfig, bool) {
	cfg, ok := catalog[id]
	return cfg, ok
}

// AllVenues returns every known venue ordered by id
func AllVenues() []VenueConfig {
	out := make([]VenueConfig, 0, len(catalog))
	for _, cfg := range catalog {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ParseVenue resolves a venue by name (case-insensitive)
func ParseVenue(name string) (VenueID, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for id, cfg := range catalog {
		if cfg.Name == name {
			return id, nil
		}
	}
	return 0, fmt.Errorf("unknown venue %q", name)
}

// Valid reports whether the id belongs to the catalog
func (v VenueID) Valid() bool {
	_, ok := catalog[v]
	return ok
}

func (v VenueID) String() string {
	if cfg, ok := catalog[v]; ok {
		return cfg.Name
	}
	return fmt.Sprintf("venue(%d)", uint8(v))
}

// MarshalText encodes the venue by name so JSON maps keyed by venue stay readable
func (v VenueID) MarshalText() ([]byte, error) {
	if !v.Valid() {
		return nil, fmt.Errorf("unknown venue id %d", uint8(v))
	}
	return []byte(v.String()), nil
}

// UnmarshalText decodes a venue name
func (v *VenueID) UnmarshalText(text []byte) error {
	id, err := ParseVenue(string(text))
	if err != nil {
		return err
	}
	*v = id
	return nil
}

// VenueByMint resolves the venue whose token has the given mint
func VenueByMint(mint string) (VenueConfig, bool) {
	for _, cfg := range catalog {
		if cfg.Mint == mint {
			return cfg, true
		}
	}
	return VenueConfig{}, false
}
