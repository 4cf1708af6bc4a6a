package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tradebaas/engine/pkg/types"
)

func newSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := NewSQLStore(zap.NewNop(), filepath.Join(t.TempDir(), "trades.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLStoreOpenCloseRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newSQLStore(t)

	id, err := store.RecordOpen(ctx, openRecord("u1"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	open, err := store.Query(ctx, Filter{UserID: "u1", Status: types.TradeStatusOpen})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.True(t, open[0].EntryPrice.Equal(dec("95000")))
	assert.True(t, open[0].Amount.Equal(dec("0.001")))

	require.NoError(t, store.RecordClose(ctx, id, CloseDetails{
		ExitPrice:  dec("95950"),
		ExitTime:   time.Now(),
		ExitReason: types.ExitReasonTPHit,
		Pnl:        dec("0.95"),
		PnlPercent: dec("0.01"),
	}))

	closed, err := store.Query(ctx, Filter{UserID: "u1", Status: types.TradeStatusClosed})
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, types.ExitReasonTPHit, closed[0].ExitReason)
	assert.True(t, closed[0].Pnl.Equal(dec("0.95")))
	require.NotNil(t, closed[0].ExitTime)
}

// The partial unique index enforces the single-open-trade invariant in the
// storage layer itself.
func TestSQLStoreSingleOpenInvariant(t *testing.T) {
	ctx := context.Background()
	store := newSQLStore(t)

	_, err := store.RecordOpen(ctx, openRecord("u1"))
	require.NoError(t, err)

	_, err = store.RecordOpen(ctx, openRecord("u1"))
	assert.ErrorIs(t, err, ErrConflict)

	_, err = store.RecordOpen(ctx, openRecord("u2"))
	assert.NoError(t, err)

	// A legacy row with no user still participates in the invariant.
	_, err = store.RecordOpen(ctx, openRecord(""))
	require.NoError(t, err)
	_, err = store.RecordOpen(ctx, openRecord(""))
	assert.ErrorIs(t, err, ErrConflict)
}

func TestSQLStoreCloseErrors(t *testing.T) {
	ctx := context.Background()
	store := newSQLStore(t)

	assert.ErrorIs(t, store.RecordClose(ctx, "99999", CloseDetails{}), ErrNotFound)

	id, err := store.RecordOpen(ctx, openRecord("u1"))
	require.NoError(t, err)
	require.NoError(t, store.RecordClose(ctx, id, CloseDetails{ExitPrice: dec("95000"), ExitTime: time.Now(), ExitReason: types.ExitReasonManual}))
	assert.ErrorIs(t, store.RecordClose(ctx, id, CloseDetails{}), ErrAlreadyClosed)
}

func TestSQLStoreReopenAfterClose(t *testing.T) {
	ctx := context.Background()
	store := newSQLStore(t)

	id, err := store.RecordOpen(ctx, openRecord("u1"))
	require.NoError(t, err)
	require.NoError(t, store.RecordClose(ctx, id, CloseDetails{ExitPrice: dec("95000"), ExitTime: time.Now(), ExitReason: types.ExitReasonManual}))

	// Once closed, a fresh open for the same key is allowed.
	_, err = store.RecordOpen(ctx, openRecord("u1"))
	assert.NoError(t, err)
}

func TestSQLStoreStatsAndSync(t *testing.T) {
	ctx := context.Background()
	store := newSQLStore(t)

	id, err := store.RetroactiveSync(ctx, SyncRequest{
		UserID:       "u1",
		StrategyName: "recovered",
		Instrument:   "BTC_USDC-PERPETUAL",
		Side:         types.OrderSideSell,
		EntryPrice:   dec("95000"),
		Amount:       dec("0.002"),
		EntryTime:    time.Now(),
	})
	require.NoError(t, err)

	// A short stopped out above entry loses money.
	pnl, pct := ComputePnl(types.OrderSideSell, dec("95000"), dec("95475"), dec("0.002"))
	require.NoError(t, store.RecordClose(ctx, id, CloseDetails{
		ExitPrice: dec("95475"), ExitTime: time.Now(), ExitReason: types.ExitReasonSLHit, Pnl: pnl, PnlPercent: pct,
	}))

	stats, err := store.Stats(ctx, Filter{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Trades)
	assert.Equal(t, 1, stats.SlHits)
	assert.True(t, stats.TotalPnl.Equal(dec("-0.95")), "total = %s", stats.TotalPnl)
}
