package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/yourorg/gravity-oracle/internal/types"
)

// Ledger is the settlement layer the engine records decisions on
type Ledger interface {
	Account(ctx context.Context) (Account, error)
	Submit(ctx context.Context, tx Transaction) error
}

// FileLedger simulates the on-chain program against a local file. It applies the
// same checks the program does: signer, authority, initialization and argument ranges.
type FileLedger struct {
	mu    sync.Mutex
	path  string
	state fileState
}

type fileState struct {
	Account   []byte `json:"account"`
	Emergency bool   `json:"emergency"`
}

// OpenFileLedger loads the ledger file, starting with a blank account when it does not exist
func OpenFileLedger(path string) (*FileLedger, error) {
	l := &FileLedger{path: path}

	blank, _ := Account{}.MarshalBinary()
	l.state.Account = blank

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return l, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read ledger file: %w", err)
	}

	if err := json.Unmarshal(data, &l.state); err != nil {
		return nil, fmt.Errorf("failed to decode ledger file: %w", err)
	}
	var acct Account
	if err := acct.UnmarshalBinary(l.state.Account); err != nil {
		return nil, err
	}
	return l, nil
}

// Account returns the decoded account
func (l *FileLedger) Account(ctx context.Context) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var acct Account
	err := acct.UnmarshalBinary(l.state.Account)
	return acct, err
}

// EmergencyMode reports whether an emergency withdraw has been processed
func (l *FileLedger) EmergencyMode() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Emergency
}

// Submit verifies and applies a transaction. A rejected transaction leaves the account untouched.
func (l *FileLedger) Submit(ctx context.Context, tx Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	signer, err := RecoverAuthority(tx.Data, tx.Signature)
	if err != nil {
		return err
	}
	inst, err := DecodeInstruction(tx.Data)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var acct Account
	if err := acct.UnmarshalBinary(l.state.Account); err != nil {
		return err
	}
	next := l.state
	if err := process(&acct, &next.Emergency, signer, inst); err != nil {
		logrus.WithFields(logrus.Fields{
			"op":    inst.Op().String(),
			"error": err,
		}).Debug("Ledger rejected instruction")
		return err
	}

	next.Account, _ = acct.MarshalBinary()
	if err := l.save(next); err != nil {
		return err
	}
	l.state = next
	return nil
}

func (l *FileLedger) save(st fileState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode ledger: %w", err)
	}
	if dir := filepath.Dir(l.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write ledger: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("failed to replace ledger: %w", err)
	}
	return nil
}

// process applies one instruction the way the program does
func process(acct *Account, emergency *bool, signer Authority, inst Instruction) error {
	if _, ok := inst.(Initialize); ok {
		if acct.Initialized {
			return ErrAlreadyInitialized
		}
		*acct = Account{
			Initialized: true,
			Authority:   signer,
			RiskScore:   DefaultRiskScore,
		}
		*emergency = false
		return nil
	}

	if !acct.Initialized {
		return ErrNotInitialized
	}
	if acct.Authority != signer {
		return ErrInvalidAuthority
	}

	switch in := inst.(type) {
	case MonitorYields:
		if err := checkStrategy(in.Venue, in.RiskScore); err != nil {
			return err
		}
		if in.APYBps > acct.CurrentAPYBps {
			acct.BestVenue = in.Venue
			acct.CurrentAPYBps = in.APYBps
			acct.RiskScore = in.RiskScore
			acct.incrementDecisions()
		}

	case ExecuteSwap:
		if *emergency {
			return ErrEmergencyModeActive
		}
		if in.Route != RouteDirect && in.Route != RouteAggregator {
			return ErrInvalidProtocol
		}
		if in.AmountIn == 0 {
			return ErrInsufficientFunds
		}
		if in.MinAmountOut == 0 {
			return ErrSlippageExceeded
		}

	case Rebalance:
		if *emergency {
			return ErrEmergencyModeActive
		}
		if in.MaxSlippageBps > 10000 {
			return ErrSlippageExceeded
		}
		acct.TotalValueManaged = in.TotalValue
		acct.addPnL(in.PnLDelta)
		acct.incrementDecisions()

	case PublishStrategy:
		if err := checkStrategy(in.Venue, in.RiskScore); err != nil {
			return err
		}
		acct.BestVenue = in.Venue
		acct.CurrentAPYBps = in.ExpectedAPYBps
		acct.RiskScore = in.RiskScore
		acct.LastUpdate = in.Timestamp
		acct.incrementDecisions()

	case EmergencyWithdraw:
		*emergency = true
		acct.TotalValueManaged = 0
		acct.incrementDecisions()

	default:
		return fmt.Errorf("%w: %s", ErrInvalidInstruction, inst.Op())
	}
	return nil
}

func checkStrategy(venue types.VenueID, risk uint8) error {
	if !venue.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidProtocol, uint8(venue))
	}
	if risk > 100 {
		return fmt.Errorf("%w: %d", ErrInvalidRiskScore, risk)
	}
	return nil
}
