package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tradebaas/engine/internal/broker"
	"github.com/tradebaas/engine/internal/broker/brokertest"
	"github.com/tradebaas/engine/internal/ledger"
	"github.com/tradebaas/engine/internal/manager"
	"github.com/tradebaas/engine/internal/metrics"
	"github.com/tradebaas/engine/internal/staterepo"
	"github.com/tradebaas/engine/internal/strategy"
	"github.com/tradebaas/engine/pkg/types"
)

const instrument = "BTC_USDC-PERPETUAL"

func newServer(t *testing.T) (*Server, *ledger.MemoryStore) {
	t.Helper()

	logger := zap.NewNop()
	repo, err := staterepo.New(logger, filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	fake := brokertest.New()
	fake.SetOTOCO(true)
	fake.AddInstrument(types.InstrumentInfo{
		Instrument:     instrument,
		TickSize:       decimal.NewFromFloat(0.5),
		MinTradeAmount: decimal.NewFromFloat(0.001),
	}, decimal.NewFromInt(95000))

	brokers := broker.NewRegistry(logger)
	brokers.Put("u1", "deribit", "testnet", fake)

	store := ledger.NewMemoryStore()
	cfg := types.DefaultConfig()
	cfg.StoreBackend = types.StoreBackendMemory

	mgr := manager.New(logger, cfg, strategy.NewRegistry(logger), brokers, repo, store, metrics.Nop())
	t.Cleanup(func() { mgr.Shutdown(context.Background()) })

	return NewServer(logger, cfg, mgr, metrics.Nop()), store
}

func doJSON(t *testing.T, s *Server, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func startBody() manager.StartRequest {
	return manager.StartRequest{
		StrategyName: "razor",
		Instrument:   instrument,
		Environment:  "testnet",
		Config: map[string]any{
			"tradeSize":         100,
			"stopLossPercent":   0.5,
			"takeProfitPercent": 1.0,
		},
	}
}

func TestHealth(t *testing.T) {
	s, _ := newServer(t)
	rec := doJSON(t, s, http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequiresUserHeader(t *testing.T) {
	s, _ := newServer(t)
	rec := doJSON(t, s, http.MethodGet, "/api/v1/strategies", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStartListStopFlow(t *testing.T) {
	s, _ := newServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/strategies/start", "u1", startBody())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Duplicate start conflicts.
	rec = doJSON(t, s, http.MethodPost, "/api/v1/strategies/start", "u1", startBody())
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/strategies?environment=testnet", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var records []types.StrategyRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, types.StrategyStatusActive, records[0].Status)

	rec = doJSON(t, s, http.MethodPost, "/api/v1/strategies/stop", "u1", manager.StopRequest{
		StrategyName: "razor",
		Instrument:   instrument,
		Environment:  "testnet",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStartValidation(t *testing.T) {
	s, _ := newServer(t)

	body := startBody()
	body.StrategyName = ""
	rec := doJSON(t, s, http.MethodPost, "/api/v1/strategies/start", "u1", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body = startBody()
	body.StrategyName = "loki"
	rec = doJSON(t, s, http.MethodPost, "/api/v1/strategies/start", "u1", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// User without a broker client cannot start.
	rec = doJSON(t, s, http.MethodPost, "/api/v1/strategies/start", "u2", startBody())
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
}

func TestQueryTradesAndStats(t *testing.T) {
	s, store := newServer(t)
	ctx := context.Background()

	id, err := store.RecordOpen(ctx, types.TradeRecord{
		UserID:       "u1",
		StrategyName: "razor",
		Instrument:   instrument,
		Side:         types.OrderSideBuy,
		EntryPrice:   decimal.NewFromInt(95000),
		Amount:       decimal.NewFromFloat(0.001),
		StopLoss:     decimal.NewFromInt(94525),
		TakeProfit:   decimal.NewFromInt(95950),
		EntryTime:    time.Now(),
	})
	require.NoError(t, err)
	pnl, pct := ledger.ComputePnl(types.OrderSideBuy, decimal.NewFromInt(95000), decimal.NewFromInt(95950), decimal.NewFromFloat(0.001))
	require.NoError(t, store.RecordClose(ctx, id, ledger.CloseDetails{
		ExitPrice:  decimal.NewFromInt(95950),
		ExitTime:   time.Now(),
		ExitReason: types.ExitReasonTPHit,
		Pnl:        pnl,
		PnlPercent: pct,
	}))

	rec := doJSON(t, s, http.MethodGet, "/api/v1/trades?status=closed", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var trades []types.TradeRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trades))
	require.Len(t, trades, 1)
	assert.Equal(t, types.ExitReasonTPHit, trades[0].ExitReason)

	// Another user sees nothing.
	rec = doJSON(t, s, http.MethodGet, "/api/v1/trades", "u2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trades))
	assert.Empty(t, trades)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/trades/stats", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats ledger.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Trades)
	assert.Equal(t, 1, stats.TpHits)
}
