package ledger

import (
	"context"
	"encoding/binary"
	"math"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/gravity-oracle/internal/model"
	"github.com/yourorg/gravity-oracle/internal/types"
)

func TestAccountLayout(t *testing.T) {
	assert.Equal(t, 69, AccountSize)

	acct := Account{
		Initialized:       true,
		BestVenue:         types.VenueBSOL,
		CurrentAPYBps:     812,
		RiskScore:         20,
		LastUpdate:        1_700_000_000,
		TotalValueManaged: 5_000_000_000,
		DecisionsCount:    7,
		CumulativePnL:     -1234,
	}
	acct.Authority[0] = 0xAA
	acct.Authority[31] = 0xBB

	b, err := acct.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, AccountSize)

	assert.Equal(t, byte(1), b[0])
	assert.Equal(t, byte(0xAA), b[1])
	assert.Equal(t, byte(0xBB), b[32])
	assert.Equal(t, byte(types.VenueBSOL), b[33])
	assert.Equal(t, uint16(812), binary.LittleEndian.Uint16(b[34:36]))
	assert.Equal(t, byte(20), b[36])
	assert.Equal(t, int64(1_700_000_000), int64(binary.LittleEndian.Uint64(b[37:45])))
	assert.Equal(t, uint64(5_000_000_000), binary.LittleEndian.Uint64(b[45:53]))
	assert.Equal(t, uint64(7), binary.LittleEndian.Uint64(b[53:61]))
	assert.Equal(t, int64(-1234), int64(binary.LittleEndian.Uint64(b[61:69])))

	var decoded Account
	require.NoError(t, decoded.UnmarshalBinary(b))
	assert.Equal(t, acct, decoded)

	assert.ErrorIs(t, decoded.UnmarshalBinary(b[:68]), ErrInvalidAccountData)
}

func TestAccountCountersSaturate(t *testing.T) {
	acct := Account{DecisionsCount: math.MaxUint64, CumulativePnL: math.MaxInt64 - 1}
	acct.incrementDecisions()
	acct.addPnL(10)
	assert.Equal(t, uint64(math.MaxUint64), acct.DecisionsCount)
	assert.Equal(t, int64(math.MaxInt64), acct.CumulativePnL)

	acct.CumulativePnL = math.MinInt64 + 1
	acct.addPnL(-10)
	assert.Equal(t, int64(math.MinInt64), acct.CumulativePnL)
}

func TestDecodeInstruction(t *testing.T) {
	t.Run("publish strategy", func(t *testing.T) {
		in := PublishStrategy{Venue: types.VenueJupSOL, ExpectedAPYBps: 845, RiskScore: 20, Timestamp: 1_700_000_123}
		data := in.Encode()
		require.Len(t, data, 13)
		assert.Equal(t, byte(OpPublishStrategy), data[0])

		out, err := DecodeInstruction(data)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})

	t.Run("short payload", func(t *testing.T) {
		_, err := DecodeInstruction([]byte{byte(OpPublishStrategy), 1, 2})
		assert.ErrorIs(t, err, ErrInvalidInstruction)

		_, err = DecodeInstruction([]byte{byte(OpExecuteSwap), 1})
		assert.ErrorIs(t, err, ErrInvalidInstruction)
	})

	t.Run("unknown discriminator", func(t *testing.T) {
		_, err := DecodeInstruction([]byte{9})
		assert.ErrorIs(t, err, ErrInvalidInstruction)

		_, err = DecodeInstruction(nil)
		assert.ErrorIs(t, err, ErrInvalidInstruction)
	})

	t.Run("rebalance must sum to 10000 or zero", func(t *testing.T) {
		bad := Rebalance{TargetBps: [AllocationSlots]uint16{5000, 4000, 0, 0}}
		_, err := DecodeInstruction(bad.Encode())
		assert.ErrorIs(t, err, ErrInvalidInstruction)

		cash := Rebalance{TotalValue: 10, PnLDelta: -3}
		out, err := DecodeInstruction(cash.Encode())
		require.NoError(t, err)
		assert.Equal(t, cash, out)
	})

	t.Run("rebalance base layout without report", func(t *testing.T) {
		data := make([]byte, 11)
		data[0] = byte(OpRebalance)
		binary.LittleEndian.PutUint16(data[1:3], 10000)
		binary.LittleEndian.PutUint16(data[9:11], 50)

		out, err := DecodeInstruction(data)
		require.NoError(t, err)
		r := out.(Rebalance)
		assert.Equal(t, uint16(10000), r.TargetBps[0])
		assert.Equal(t, uint16(50), r.MaxSlippageBps)
		assert.Zero(t, r.TotalValue)
	})
}

func TestSignerAuthority(t *testing.T) {
	s, err := GenerateSigner()
	require.NoError(t, err)

	msg := []byte("publish")
	sig, err := s.Sign(msg)
	require.NoError(t, err)
	require.Len(t, sig, 65)

	got, err := RecoverAuthority(msg, sig)
	require.NoError(t, err)
	assert.Equal(t, s.Authority(), got)

	other, err := RecoverAuthority([]byte("tampered"), sig)
	if err == nil {
		assert.NotEqual(t, s.Authority(), other)
	} else {
		assert.ErrorIs(t, err, ErrInvalidAuthority)
	}

	_, err = RecoverAuthority(msg, nil)
	assert.ErrorIs(t, err, ErrMissingSignature)
}

func TestLoadOrCreateSigner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "authority.key")

	first, err := LoadOrCreateSigner(path)
	require.NoError(t, err)
	_, err = os.Stat(path)
	require.NoError(t, err)

	second, err := LoadOrCreateSigner(path)
	require.NoError(t, err)
	assert.Equal(t, first.Authority(), second.Authority())
}

func newLedger(t *testing.T) (*FileLedger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.json")
	l, err := OpenFileLedger(path)
	require.NoError(t, err)
	return l, path
}

func submit(t *testing.T, l *FileLedger, s *Signer, inst Instruction) error {
	t.Helper()
	tx, err := NewTransaction(s, inst)
	require.NoError(t, err)
	return l.Submit(context.Background(), tx)
}

func TestFileLedger_Lifecycle(t *testing.T) {
	ctx := context.Background()
	l, path := newLedger(t)
	owner, err := GenerateSigner()
	require.NoError(t, err)
	intruder, err := GenerateSigner()
	require.NoError(t, err)

	publish := PublishStrategy{Venue: types.VenueJitoSOL, ExpectedAPYBps: 790, RiskScore: 15, Timestamp: 1_700_000_000}

	assert.ErrorIs(t, submit(t, l, owner, publish), ErrNotInitialized)

	require.NoError(t, submit(t, l, owner, Initialize{}))
	assert.ErrorIs(t, submit(t, l, owner, Initialize{}), ErrAlreadyInitialized)

	acct, err := l.Account(ctx)
	require.NoError(t, err)
	assert.True(t, acct.Initialized)
	assert.Equal(t, owner.Authority(), acct.Authority)
	assert.Equal(t, uint8(DefaultRiskScore), acct.RiskScore)

	assert.ErrorIs(t, submit(t, l, intruder, publish), ErrInvalidAuthority)

	require.NoError(t, submit(t, l, owner, publish))
	acct, _ = l.Account(ctx)
	assert.Equal(t, types.VenueJitoSOL, acct.BestVenue)
	assert.Equal(t, uint16(790), acct.CurrentAPYBps)
	assert.Equal(t, int64(1_700_000_000), acct.LastUpdate)
	assert.Equal(t, uint64(1), acct.DecisionsCount)

	// monitor only moves to a higher apy and never touches the timestamp
	require.NoError(t, submit(t, l, owner, MonitorYields{Venue: types.VenueMSOL, APYBps: 700, RiskScore: 15}))
	acct, _ = l.Account(ctx)
	assert.Equal(t, types.VenueJitoSOL, acct.BestVenue)
	assert.Equal(t, uint64(1), acct.DecisionsCount)

	require.NoError(t, submit(t, l, owner, MonitorYields{Venue: types.VenueMSOL, APYBps: 800, RiskScore: 15}))
	acct, _ = l.Account(ctx)
	assert.Equal(t, types.VenueMSOL, acct.BestVenue)
	assert.Equal(t, uint16(800), acct.CurrentAPYBps)
	assert.Equal(t, int64(1_700_000_000), acct.LastUpdate)
	assert.Equal(t, uint64(2), acct.DecisionsCount)

	require.NoError(t, submit(t, l, owner, Rebalance{
		TargetBps:  [AllocationSlots]uint16{10000, 0, 0, 0},
		TotalValue: 2_000_000_000,
		PnLDelta:   -500,
	}))
	acct, _ = l.Account(ctx)
	assert.Equal(t, uint64(2_000_000_000), acct.TotalValueManaged)
	assert.Equal(t, int64(-500), acct.CumulativePnL)
	assert.Equal(t, uint64(3), acct.DecisionsCount)

	// the file survives a reopen
	reopened, err := OpenFileLedger(path)
	require.NoError(t, err)
	again, err := reopened.Account(ctx)
	require.NoError(t, err)
	assert.Equal(t, acct, again)
}

func TestFileLedger_Rejections(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	owner, err := GenerateSigner()
	require.NoError(t, err)
	require.NoError(t, submit(t, l, owner, Initialize{}))

	tests := []struct {
		name string
		inst Instruction
		want error
	}{
		{"risk above 100", PublishStrategy{Venue: types.VenueJitoSOL, RiskScore: 101}, ErrInvalidRiskScore},
		{"unknown venue", PublishStrategy{Venue: types.VenueID(42), RiskScore: 10}, ErrInvalidProtocol},
		{"monitor unknown venue", MonitorYields{Venue: types.VenueID(42), APYBps: 9000}, ErrInvalidProtocol},
		{"swap bad route", ExecuteSwap{AmountIn: 1, MinAmountOut: 1, Route: 7}, ErrInvalidProtocol},
		{"swap zero amount", ExecuteSwap{MinAmountOut: 1}, ErrInsufficientFunds},
		{"swap no slippage floor", ExecuteSwap{AmountIn: 1}, ErrSlippageExceeded},
		{"rebalance slippage", Rebalance{MaxSlippageBps: 10001}, ErrSlippageExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before, _ := l.Account(ctx)
			assert.ErrorIs(t, submit(t, l, owner, tt.inst), tt.want)
			after, _ := l.Account(ctx)
			assert.Equal(t, before, after)
		})
	}

	t.Run("missing signature", func(t *testing.T) {
		err := l.Submit(ctx, Transaction{Data: Initialize{}.Encode()})
		assert.ErrorIs(t, err, ErrMissingSignature)
	})

	t.Run("tampered data", func(t *testing.T) {
		tx, err := NewTransaction(owner, PublishStrategy{Venue: types.VenueJitoSOL, ExpectedAPYBps: 700, RiskScore: 15, Timestamp: 1})
		require.NoError(t, err)
		tx.Data[2] = 0xFF
		assert.ErrorIs(t, l.Submit(ctx, tx), ErrInvalidAuthority)
	})
}

func TestFileLedger_EmergencyBlocksSwaps(t *testing.T) {
	l, _ := newLedger(t)
	owner, err := GenerateSigner()
	require.NoError(t, err)
	require.NoError(t, submit(t, l, owner, Initialize{}))
	require.NoError(t, submit(t, l, owner, ExecuteSwap{AmountIn: 10, MinAmountOut: 9, Route: RouteAggregator}))

	require.NoError(t, submit(t, l, owner, EmergencyWithdraw{}))
	assert.True(t, l.EmergencyMode())

	assert.ErrorIs(t, submit(t, l, owner, ExecuteSwap{AmountIn: 10, MinAmountOut: 9}), ErrEmergencyModeActive)
	assert.ErrorIs(t, submit(t, l, owner, Rebalance{}), ErrEmergencyModeActive)

	// publishing is still a record, not a trade
	require.NoError(t, submit(t, l, owner, PublishStrategy{Venue: types.VenueMSOL, ExpectedAPYBps: 700, RiskScore: 15, Timestamp: 5}))
}

func TestPolicy_ShouldPublish(t *testing.T) {
	now := time.Unix(1_700_010_000, 0)
	stored := Account{
		Initialized:   true,
		BestVenue:     types.VenueJitoSOL,
		CurrentAPYBps: 800,
		LastUpdate:    now.Add(-10 * time.Minute).Unix(),
	}
	best := func(v types.VenueID, apy float64) model.GravityAnalysis {
		return model.GravityAnalysis{Venue: v, CurrentAPYBps: apy}
	}

	tests := []struct {
		name string
		acct Account
		best model.GravityAnalysis
		want bool
	}{
		{"nothing stored", Account{Initialized: true}, best(types.VenueMSOL, 700), true},
		{"same venue fresh", stored, best(types.VenueJitoSOL, 900), false},
		{"new venue small gain", stored, best(types.VenueMSOL, 803), false},
		{"new venue exactly half percent", stored, best(types.VenueMSOL, 804), false},
		{"new venue large gain", stored, best(types.VenueMSOL, 805), true},
		{"new venue worse", stored, best(types.VenueMSOL, 700), false},
		{"stale record", Account{Initialized: true, BestVenue: types.VenueJitoSOL, CurrentAPYBps: 800, LastUpdate: now.Add(-61 * time.Minute).Unix()}, best(types.VenueJitoSOL, 800), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := DefaultPolicy.ShouldPublish(tt.acct, tt.best, now)
			assert.Equal(t, tt.want, got, reason)
		})
	}
}

func TestAllocationBps(t *testing.T) {
	assert.Equal(t, [AllocationSlots]uint16{}, AllocationBps(nil))

	got := AllocationBps(map[types.VenueID]*big.Int{
		types.VenueJitoSOL: big.NewInt(1),
		types.VenueMSOL:    big.NewInt(1),
		types.VenueBSOL:    big.NewInt(1),
	})
	assert.Equal(t, [AllocationSlots]uint16{3334, 3333, 3333, 0}, got)

	got = AllocationBps(map[types.VenueID]*big.Int{types.VenueJupSOL: big.NewInt(42)})
	assert.Equal(t, [AllocationSlots]uint16{0, 0, 0, 10000}, got)
}

func TestPublisher(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	owner, err := GenerateSigner()
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	p := NewPublisher(l, owner, DefaultPolicy).WithClock(func() time.Time { return now })

	acct, err := p.EnsureInitialized(ctx)
	require.NoError(t, err)
	assert.True(t, acct.Initialized)

	// second call is a no-op
	_, err = p.EnsureInitialized(ctx)
	require.NoError(t, err)

	best := model.GravityAnalysis{Venue: types.VenueJupSOL, CurrentAPYBps: 845.6, RiskScore: 20}
	wrote, err := p.Publish(ctx, best)
	require.NoError(t, err)
	assert.True(t, wrote)

	acct, _ = l.Account(ctx)
	assert.Equal(t, types.VenueJupSOL, acct.BestVenue)
	assert.Equal(t, uint16(846), acct.CurrentAPYBps)
	assert.Equal(t, now.Unix(), acct.LastUpdate)

	wrote, err = p.Publish(ctx, best)
	require.NoError(t, err)
	assert.False(t, wrote)

	now = now.Add(2 * time.Hour)
	wrote, err = p.Publish(ctx, best)
	require.NoError(t, err)
	assert.True(t, wrote)

	require.NoError(t, p.Report(ctx, Report{
		Holdings:   map[types.VenueID]*big.Int{types.VenueJupSOL: big.NewInt(1_000)},
		TotalValue: big.NewInt(2_000),
		PnLDelta:   big.NewInt(25),
	}))
	acct, _ = l.Account(ctx)
	assert.Equal(t, uint64(2_000), acct.TotalValueManaged)
	assert.Equal(t, int64(25), acct.CumulativePnL)

	stranger, err := GenerateSigner()
	require.NoError(t, err)
	_, err = NewPublisher(l, stranger, DefaultPolicy).EnsureInitialized(ctx)
	assert.ErrorIs(t, err, ErrInvalidAuthority)
}

func TestPublisher_RecordSwap(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t)
	owner, err := GenerateSigner()
	require.NoError(t, err)
	p := NewPublisher(l, owner, DefaultPolicy).WithRoute(RouteDirect)
	_, err = p.EnsureInitialized(ctx)
	require.NoError(t, err)

	fill := &model.Fill{Venue: types.VenueMSOL, In: big.NewInt(1_000), Out: big.NewInt(790)}
	require.NoError(t, p.RecordSwap(ctx, fill))

	acct, _ := l.Account(ctx)
	assert.Zero(t, acct.DecisionsCount, "swaps are validated, not counted")

	err = p.RecordSwap(ctx, &model.Fill{Venue: types.VenueMSOL, In: big.NewInt(1_000), Out: big.NewInt(0)})
	assert.ErrorIs(t, err, ErrSlippageExceeded)

	require.NoError(t, p.EmergencyWithdraw(ctx))
	assert.ErrorIs(t, p.RecordSwap(ctx, fill), ErrEmergencyModeActive)
}
