// Package ledger models the settlement ledger the oracle records its decisions on:
// a fixed 69-byte account, one-byte instruction discriminators and authority
// signatures, plus a file-backed simulator that enforces the same rules.
package ledger

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/yourorg/gravity-oracle/internal/types"
)

// AccountSize is the encoded size of the oracle account
const AccountSize = 1 + 32 + 1 + 2 + 1 + 8 + 8 + 8 + 8

// DefaultRiskScore is what Initialize stores before the first strategy is published
const DefaultRiskScore = 50

// Ledger errors. The first block mirrors the program's custom error codes.
var (
	ErrAlreadyInitialized  = errors.New("ledger: account already initialized")
	ErrNotInitialized      = errors.New("ledger: account not initialized")
	ErrInvalidAuthority    = errors.New("ledger: invalid authority")
	ErrInvalidProtocol     = errors.New("ledger: invalid protocol")
	ErrInvalidRiskScore    = errors.New("ledger: risk score out of range")
	ErrInsufficientFunds   = errors.New("ledger: insufficient funds")
	ErrSlippageExceeded    = errors.New("ledger: slippage exceeded")
	ErrEmergencyModeActive = errors.New("ledger: emergency mode active")

	ErrMissingSignature   = errors.New("ledger: missing required signature")
	ErrInvalidInstruction = errors.New("ledger: invalid instruction data")
	ErrInvalidAccountData = errors.New("ledger: invalid account data")
)

// Authority is the 32-byte identity allowed to write the account
type Authority [32]byte

// IsZero reports whether no authority is set
func (a Authority) IsZero() bool {
	return a == Authority{}
}

func (a Authority) String() string {
	return hex.EncodeToString(a[:])
}

// Account is the decoded oracle account
type Account struct {
	Initialized       bool          `json:"initialized"`
	Authority         Authority     `json:"authority"`
	BestVenue         types.VenueID `json:"best_venue"`
	CurrentAPYBps     uint16        `json:"current_apy_bps"`
	RiskScore         uint8         `json:"risk_score"`
	LastUpdate        int64         `json:"last_update"`
	TotalValueManaged uint64        `json:"total_value_managed"`
	DecisionsCount    uint64        `json:"decisions_count"`
	CumulativePnL     int64         `json:"cumulative_pnl"`
}

// LastUpdateTime converts the stored unix timestamp; zero means never written
func (a Account) LastUpdateTime() time.Time {
	if a.LastUpdate == 0 {
		return time.Time{}
	}
	return time.Unix(a.LastUpdate, 0).UTC()
}

// MarshalBinary encodes the account in its fixed little-endian layout
func (a Account) MarshalBinary() ([]byte, error) {
	b := make([]byte, AccountSize)
	if a.Initialized {
		b[0] = 1
	}
	copy(b[1:33], a.Authority[:])
	b[33] = uint8(a.BestVenue)
	binary.LittleEndian.PutUint16(b[34:36], a.CurrentAPYBps)
	b[36] = a.RiskScore
	binary.LittleEndian.PutUint64(b[37:45], uint64(a.LastUpdate))
	binary.LittleEndian.PutUint64(b[45:53], a.TotalValueManaged)
	binary.LittleEndian.PutUint64(b[53:61], a.DecisionsCount)
	binary.LittleEndian.PutUint64(b[61:69], uint64(a.CumulativePnL))
	return b, nil
}

// UnmarshalBinary decodes an account. Trailing bytes beyond AccountSize are ignored.
func (a *Account) UnmarshalBinary(b []byte) error {
	if len(b) < AccountSize {
		return fmt.Errorf("%w: %d bytes, want %d", ErrInvalidAccountData, len(b), AccountSize)
	}
	a.Initialized = b[0] != 0
	copy(a.Authority[:], b[1:33])
	a.BestVenue = types.VenueID(b[33])
	a.CurrentAPYBps = binary.LittleEndian.Uint16(b[34:36])
	a.RiskScore = b[36]
	a.LastUpdate = int64(binary.LittleEndian.Uint64(b[37:45]))
	a.TotalValueManaged = binary.LittleEndian.Uint64(b[45:53])
	a.DecisionsCount = binary.LittleEndian.Uint64(b[53:61])
	a.CumulativePnL = int64(binary.LittleEndian.Uint64(b[61:69]))
	return nil
}

func (a *Account) incrementDecisions() {
	if a.DecisionsCount < math.MaxUint64 {
		a.DecisionsCount++
	}
}

// addPnL adds with saturation at the int64 bounds
func (a *Account) addPnL(delta int64) {
	sum := a.CumulativePnL + delta
	switch {
	case delta > 0 && sum < a.CumulativePnL:
		sum = math.MaxInt64
	case delta < 0 && sum > a.CumulativePnL:
		sum = math.MinInt64
	}
	a.CumulativePnL = sum
}
