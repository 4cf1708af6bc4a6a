package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradebaas/engine/pkg/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func openRecord(user string) types.TradeRecord {
	return types.TradeRecord{
		UserID:       user,
		StrategyName: "razor",
		Instrument:   "BTC_USDC-PERPETUAL",
		Side:         types.OrderSideBuy,
		EntryPrice:   dec("95000"),
		Amount:       dec("0.001"),
		StopLoss:     dec("94525"),
		TakeProfit:   dec("95950"),
		EntryTime:    time.Now(),
	}
}

func TestClassifyExit(t *testing.T) {
	sl, tp := dec("94525"), dec("95950")

	assert.Equal(t, types.ExitReasonTPHit, ClassifyExit(dec("95950"), sl, tp))
	assert.Equal(t, types.ExitReasonTPHit, ClassifyExit(dec("95800"), sl, tp))
	assert.Equal(t, types.ExitReasonSLHit, ClassifyExit(dec("94530"), sl, tp))
	assert.Equal(t, types.ExitReasonManual, ClassifyExit(dec("95237.5"), sl, tp))
	assert.Equal(t, types.ExitReasonManual, ClassifyExit(dec("95000"), decimal.Zero, tp))
}

func TestComputePnl(t *testing.T) {
	pnl, pct := ComputePnl(types.OrderSideBuy, dec("95000"), dec("95950"), dec("0.001"))
	assert.True(t, pnl.Equal(dec("0.95")), "pnl = %s", pnl)
	assert.True(t, pct.Equal(dec("0.01")), "pct = %s", pct)

	pnl, _ = ComputePnl(types.OrderSideSell, dec("95000"), dec("95950"), dec("0.001"))
	assert.True(t, pnl.Equal(dec("-0.95")), "pnl = %s", pnl)

	pnl, pct = ComputePnl(types.OrderSideSell, dec("95000"), dec("94525"), dec("0.001"))
	assert.True(t, pnl.IsPositive())
	assert.True(t, pct.IsPositive())
}

func TestMemoryStoreOpenCloseRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	id, err := store.RecordOpen(ctx, openRecord("u1"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	err = store.RecordClose(ctx, id, CloseDetails{
		ExitPrice:  dec("95950"),
		ExitTime:   time.Now(),
		ExitReason: types.ExitReasonTPHit,
		Pnl:        dec("0.95"),
		PnlPercent: dec("0.01"),
	})
	require.NoError(t, err)

	closed, err := store.Query(ctx, Filter{UserID: "u1", Status: types.TradeStatusClosed})
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, types.ExitReasonTPHit, closed[0].ExitReason)
	assert.True(t, closed[0].Pnl.Equal(dec("0.95")))
	require.NotNil(t, closed[0].ExitTime)
}

func TestMemoryStoreSingleOpenInvariant(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.RecordOpen(ctx, openRecord("u1"))
	require.NoError(t, err)

	_, err = store.RecordOpen(ctx, openRecord("u1"))
	assert.ErrorIs(t, err, ErrConflict)

	// Same strategy and instrument under a different user is fine.
	_, err = store.RecordOpen(ctx, openRecord("u2"))
	assert.NoError(t, err)
}

func TestMemoryStoreCloseErrors(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	err := store.RecordClose(ctx, "missing", CloseDetails{})
	assert.ErrorIs(t, err, ErrNotFound)

	id, err := store.RecordOpen(ctx, openRecord("u1"))
	require.NoError(t, err)
	require.NoError(t, store.RecordClose(ctx, id, CloseDetails{ExitPrice: dec("95000"), ExitTime: time.Now(), ExitReason: types.ExitReasonManual}))
	assert.ErrorIs(t, store.RecordClose(ctx, id, CloseDetails{}), ErrAlreadyClosed)
}

func TestMemoryStoreStats(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	close := func(rec types.TradeRecord, exit string, reason types.ExitReason) {
		id, err := store.RecordOpen(ctx, rec)
		require.NoError(t, err)
		pnl, pct := ComputePnl(rec.Side, rec.EntryPrice, dec(exit), rec.Amount)
		require.NoError(t, store.RecordClose(ctx, id, CloseDetails{
			ExitPrice: dec(exit), ExitTime: time.Now(), ExitReason: reason, Pnl: pnl, PnlPercent: pct,
		}))
	}

	close(openRecord("u1"), "95950", types.ExitReasonTPHit) // +0.95
	close(openRecord("u1"), "94525", types.ExitReasonSLHit) // -0.475

	stats, err := store.Stats(ctx, Filter{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Trades)
	assert.Equal(t, 1, stats.TpHits)
	assert.Equal(t, 1, stats.SlHits)
	assert.True(t, stats.WinRate.Equal(dec("0.5")))
	assert.True(t, stats.TotalPnl.Equal(dec("0.475")), "total = %s", stats.TotalPnl)
	assert.True(t, stats.Best.Equal(dec("0.95")))
	assert.True(t, stats.Worst.Equal(dec("-0.475")))
}

func TestMemoryStoreRetroactiveSync(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	id, err := store.RetroactiveSync(ctx, SyncRequest{
		UserID:       "u1",
		StrategyName: "recovered",
		Instrument:   "BTC_USDC-PERPETUAL",
		Side:         types.OrderSideBuy,
		EntryPrice:   dec("95000"),
		Amount:       dec("0.002"),
		EntryTime:    time.Now(),
	})
	require.NoError(t, err)

	open, err := store.Query(ctx, Filter{UserID: "u1", Status: types.TradeStatusOpen})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, id, open[0].ID)
	assert.Empty(t, open[0].ExitReason)
}

func TestMemoryStoreQueryPagination(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	base := time.Now()
	for i := 0; i < 5; i++ {
		rec := openRecord("u1")
		rec.Instrument = "BTC_USDC-PERPETUAL"
		rec.StrategyName = "razor"
		rec.EntryTime = base.Add(time.Duration(i) * time.Minute)
		id, err := store.RecordOpen(ctx, rec)
		require.NoError(t, err)
		require.NoError(t, store.RecordClose(ctx, id, CloseDetails{ExitPrice: dec("95000"), ExitTime: time.Now(), ExitReason: types.ExitReasonManual}))
	}

	page, err := store.Query(ctx, Filter{UserID: "u1", Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	// Newest first: offset 1 skips the latest entry.
	assert.True(t, page[0].EntryTime.Equal(base.Add(3*time.Minute)))
}
