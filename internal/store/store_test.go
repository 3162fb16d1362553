package store_test

import (
	"context"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/gravity-oracle/internal/model"
	"github.com/yourorg/gravity-oracle/internal/position"
	"github.com/yourorg/gravity-oracle/internal/store"
	"github.com/yourorg/gravity-oracle/internal/types"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestStateFile_MissingIsFreshStart(t *testing.T) {
	f := store.NewStateFile(filepath.Join(t.TempDir(), "state.json"))
	st, err := f.Load()
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestStateFile_SaveLoad(t *testing.T) {
	f := store.NewStateFile(filepath.Join(t.TempDir(), "nested", "state.json"))

	tvl := 1.5e9
	st := &store.State{
		SavedAt: t0,
		Mode:    store.ModeSingle,
		Cycles:  42,
		History: map[types.VenueID][]model.YieldSample{
			types.VenueJitoSOL: {
				model.NewSample(types.VenueJitoSOL, t0, 790, &tvl),
				model.NewSample(types.VenueJitoSOL, t0.Add(5*time.Minute), 795, nil),
			},
		},
		Machine: &position.Snapshot{
			Position: &model.Position{
				Venue:      types.VenueMSOL,
				Amount:     big.NewInt(790_513_833),
				EntryPrice: decimal.RequireFromString("1.265"),
				EntryValue: big.NewInt(1_000_000_000),
				EntryTime:  t0,
			},
			Cash:        big.NewInt(9_000_000_000),
			RealizedPnL: big.NewInt(-12),
		},
	}
	require.NoError(t, f.Save(st))

	_, err := os.Stat(f.Path() + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must be renamed away")

	loaded, err := f.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, uint64(42), loaded.Cycles)
	assert.Equal(t, store.ModeSingle, loaded.Mode)
	require.Len(t, loaded.History[types.VenueJitoSOL], 2)
	assert.Equal(t, int64(795), loaded.History[types.VenueJitoSOL][1].APYBps)
	require.NotNil(t, loaded.Machine)
	require.NotNil(t, loaded.Machine.Position)
	assert.Equal(t, types.VenueMSOL, loaded.Machine.Position.Venue)
	assert.Equal(t, 0, loaded.Machine.Position.Amount.Cmp(big.NewInt(790_513_833)))
	assert.True(t, loaded.Machine.Position.EntryPrice.Equal(decimal.RequireFromString("1.265")))
	assert.Equal(t, 0, loaded.Machine.Cash.Cmp(big.NewInt(9_000_000_000)))
}

func TestStateFile_StaleTempIgnored(t *testing.T) {
	f := store.NewStateFile(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, f.Save(&store.State{Mode: store.ModeMulti, Cycles: 3}))

	// a crash between write and rename leaves a half written temp file behind
	require.NoError(t, os.WriteFile(f.Path()+".tmp", []byte(`{"version":1,"cyc`), 0o600))

	st, err := f.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), st.Cycles)

	_, err = os.Stat(f.Path() + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestStateFile_CorruptFileIsAnError(t *testing.T) {
	f := store.NewStateFile(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, os.WriteFile(f.Path(), []byte("{not json"), 0o600))

	_, err := f.Load()
	assert.Error(t, err)
}

func TestStateFile_UnwritableIsPersistenceError(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	f := store.NewStateFile(filepath.Join(blocker, "state.json"))
	err := f.Save(&store.State{})
	assert.ErrorIs(t, err, store.ErrPersistence)
}

func record(id string, at time.Time, kind model.ActionKind, venues ...types.VenueID) model.DecisionRecord {
	return model.DecisionRecord{
		ID:         id,
		Timestamp:  at,
		Action:     kind,
		Venues:     venues,
		Success:    true,
		DataSource: model.SourceLive,
		Reason:     "test",
	}
}

func TestAuditLog_AppendRecent(t *testing.T) {
	ctx := context.Background()
	log, err := store.OpenAuditLog(":memory:")
	require.NoError(t, err)
	defer log.Close()

	first := record("a", t0, model.ActionEnter, types.VenueJitoSOL)
	first.AmountIn = big.NewInt(5_000_000_000)
	first.AmountOut = big.NewInt(4_378_283_712)
	first.SettlementRef = "paper-000001"

	second := record("b", t0.Add(time.Hour), model.ActionRebalance, types.VenueJitoSOL, types.VenueJupSOL)
	second.Success = false
	second.Fault = true
	second.DataSource = model.SourceCached
	second.Reason = "rotate; failed: no route"

	require.NoError(t, log.Append(ctx, first))
	require.NoError(t, log.Append(ctx, second))

	n, err := log.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	recs, err := log.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, "b", recs[0].ID)
	assert.Equal(t, []types.VenueID{types.VenueJitoSOL, types.VenueJupSOL}, recs[0].Venues)
	assert.True(t, recs[0].Fault)
	assert.False(t, recs[0].Success)
	assert.Equal(t, model.SourceCached, recs[0].DataSource)
	assert.Nil(t, recs[0].AmountIn)

	assert.Equal(t, "a", recs[1].ID)
	assert.True(t, recs[1].Timestamp.Equal(t0))
	assert.Equal(t, 0, recs[1].AmountOut.Cmp(big.NewInt(4_378_283_712)))
	assert.Equal(t, "paper-000001", recs[1].SettlementRef)

	limited, err := log.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestAuditLog_DuplicateIDIsPersistenceError(t *testing.T) {
	ctx := context.Background()
	log, err := store.OpenAuditLog(":memory:")
	require.NoError(t, err)
	defer log.Close()

	rec := record("dup", t0, model.ActionExit, types.VenueBSOL)
	require.NoError(t, log.Append(ctx, rec))

	err = log.Append(ctx, record("other", t0, model.ActionExit), rec)
	assert.ErrorIs(t, err, store.ErrPersistence)

	// the batch is atomic
	n, err := log.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
