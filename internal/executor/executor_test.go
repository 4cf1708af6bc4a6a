package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tradebaas/engine/internal/bracket"
	"github.com/tradebaas/engine/internal/broker/brokertest"
	"github.com/tradebaas/engine/internal/ledger"
	"github.com/tradebaas/engine/internal/metrics"
	"github.com/tradebaas/engine/internal/strategy"
	"github.com/tradebaas/engine/pkg/types"
)

const instrument = "BTC_USDC-PERPETUAL"

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// stubSignaler fires the direction set by the test on every evaluation.
type stubSignaler struct {
	mu        sync.Mutex
	direction strategy.Direction
}

func (s *stubSignaler) Name() string { return "stub" }
func (s *stubSignaler) Warmup() int  { return 0 }

func (s *stubSignaler) Evaluate(_ *strategy.History) strategy.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strategy.Signal{Direction: s.direction, Confidence: 1}
}

func (s *stubSignaler) set(d strategy.Direction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.direction = d
}

type stubSupervisor struct {
	mu       sync.Mutex
	terminal []types.StrategyStatus
}

func (s *stubSupervisor) ReportTerminal(_ types.StrategyKey, status types.StrategyStatus, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminal = append(s.terminal, status)
}

func (s *stubSupervisor) last() (types.StrategyStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.terminal) == 0 {
		return "", false
	}
	return s.terminal[len(s.terminal)-1], true
}

type harness struct {
	fake     *brokertest.Fake
	store    *ledger.MemoryStore
	signaler *stubSignaler
	sup      *stubSupervisor
	exec     *Executor
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	fake := brokertest.New()
	fake.SetOTOCO(true)
	fake.AddInstrument(types.InstrumentInfo{
		Instrument:     instrument,
		TickSize:       dec("0.5"),
		MinTradeAmount: dec("0.001"),
		ContractSize:   dec("0.001"),
	}, dec("95000"))

	store := ledger.NewMemoryStore()
	signaler := &stubSignaler{direction: strategy.DirectionNone}
	sup := &stubSupervisor{}
	m := metrics.Nop()

	key := types.StrategyKey{
		UserID:       "u1",
		StrategyName: "razor",
		Instrument:   instrument,
		Broker:       "deribit",
		Environment:  "testnet",
	}
	params := strategy.CommonParams{
		TradeSize:         dec("100"),
		StopLossPercent:   dec("0.5"),
		TakeProfitPercent: dec("1.0"),
		CooldownMinutes:   5,
		MaxDailyTrades:    150,
	}

	orch := bracket.New(zap.NewNop(), fake, m, 5*time.Second)
	exec := New(zap.NewNop(), key, fake, store, orch, sup, m, signaler, params)
	exec.stopGrace = time.Second
	exec.graceInterval = 10 * time.Millisecond

	require.NoError(t, exec.Start(context.Background()))
	t.Cleanup(exec.Stop)

	return &harness{fake: fake, store: store, signaler: signaler, sup: sup, exec: exec}
}

func waitStatus(t *testing.T, exec *Executor, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		return exec.State().Status == want
	}, 2*time.Second, 10*time.Millisecond, "expected status %s", want)
}

// Full happy path: ticks arrive, a signal fires, one OTOCO placement opens
// the position with rounded protective prices, and the broker-side close is
// detected within one tick.
func TestHappyPathOpenAndResume(t *testing.T) {
	h := newHarness(t)

	h.fake.Push(instrument, dec("95000"))
	h.fake.Push(instrument, dec("95010"))
	h.fake.Push(instrument, dec("95020"))
	waitStatus(t, h.exec, StatusAnalyzing)
	assert.Empty(t, h.fake.Placed, "no orders before a signal")

	h.signaler.set(strategy.DirectionLong)
	h.fake.Push(instrument, dec("95000"))

	waitStatus(t, h.exec, StatusPositionOpen)

	require.Len(t, h.fake.Placed, 1)
	entry := h.fake.Placed[0]
	assert.Equal(t, types.OrderSideBuy, entry.Side)
	assert.Equal(t, types.OrderTypeMarket, entry.Type)
	assert.True(t, entry.Amount.Equal(dec("0.001")), "amount = %s", entry.Amount)
	require.NotNil(t, entry.OTOCO)
	assert.True(t, entry.OTOCO.Children[0].TriggerPrice.Equal(dec("94525")))
	assert.True(t, entry.OTOCO.Children[1].Price.Equal(dec("95950")))

	open, err := h.store.Query(context.Background(), ledger.Filter{UserID: "u1", Status: types.TradeStatusOpen})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.True(t, open[0].EntryPrice.Equal(dec("95000")))

	state := h.exec.State()
	assert.NotEmpty(t, state.CurrentTradeID)
	assert.InDelta(t, float64(5*time.Minute), float64(time.Until(state.CooldownUntil)), float64(30*time.Second))

	// Take profit hits on the venue.
	h.fake.ClosePosition(instrument, dec("95950"), true)
	h.fake.Push(instrument, dec("95950"))

	waitStatus(t, h.exec, StatusAnalyzing)

	closed, err := h.store.Query(context.Background(), ledger.Filter{UserID: "u1", Status: types.TradeStatusClosed})
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, types.ExitReasonTPHit, closed[0].ExitReason)
	assert.True(t, closed[0].Pnl.Equal(dec("0.95")), "pnl = %s", closed[0].Pnl)
	assert.Empty(t, h.exec.State().CurrentTradeID)
}

// The cooldown set at open time keeps working after the close.
func TestCooldownBlocksReentry(t *testing.T) {
	h := newHarness(t)

	h.signaler.set(strategy.DirectionLong)
	h.fake.Push(instrument, dec("95000"))
	waitStatus(t, h.exec, StatusPositionOpen)

	h.fake.ClosePosition(instrument, dec("95950"), true)
	h.fake.Push(instrument, dec("95950"))
	waitStatus(t, h.exec, StatusAnalyzing)

	placed := len(h.fake.Placed)
	h.fake.Push(instrument, dec("95950"))
	h.fake.Push(instrument, dec("95960"))

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, StatusAnalyzing, h.exec.State().Status)
	assert.Len(t, h.fake.Placed, placed, "cooldown must suppress re-entry")
}

// While a position is open, ticks only monitor it: no signal evaluation.
func TestNoSignalEvaluationWhilePositionOpen(t *testing.T) {
	h := newHarness(t)

	h.signaler.set(strategy.DirectionLong)
	h.fake.Push(instrument, dec("95000"))
	waitStatus(t, h.exec, StatusPositionOpen)

	placed := len(h.fake.Placed)
	for i := 0; i < 5; i++ {
		h.fake.Push(instrument, dec("95100"))
	}
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, StatusPositionOpen, h.exec.State().Status)
	assert.Len(t, h.fake.Placed, placed)
}

// A short signal mirrors the protective prices.
func TestShortEntryPrices(t *testing.T) {
	h := newHarness(t)

	h.signaler.set(strategy.DirectionShort)
	h.fake.Push(instrument, dec("95000"))
	waitStatus(t, h.exec, StatusPositionOpen)

	require.Len(t, h.fake.Placed, 1)
	entry := h.fake.Placed[0]
	assert.Equal(t, types.OrderSideSell, entry.Side)
	assert.True(t, entry.OTOCO.Children[0].TriggerPrice.Equal(dec("95475")), "sl = %s", entry.OTOCO.Children[0].TriggerPrice)
	assert.True(t, entry.OTOCO.Children[1].Price.Equal(dec("94050")), "tp = %s", entry.OTOCO.Children[1].Price)
}

// An existing broker position aborts the entry defensively.
func TestPreTradeOrphanPositionCheck(t *testing.T) {
	h := newHarness(t)

	h.fake.SeedPosition(types.Position{
		Instrument: instrument,
		Size:       dec("0.005"),
		EntryPrice: dec("94000"),
	})

	h.signaler.set(strategy.DirectionLong)
	h.fake.Push(instrument, dec("95000"))

	waitStatus(t, h.exec, StatusAnalyzing)
	assert.Empty(t, h.fake.Placed)
}

// RecordOpen failing after a successful bracket must not leave the executor
// claiming a position; it backs off and frees the bracket for the reaper.
func TestRecordOpenConflictBacksOff(t *testing.T) {
	h := newHarness(t)

	// An open row for the same key already exists (external interference).
	_, err := h.store.RecordOpen(context.Background(), types.TradeRecord{
		UserID:       "u1",
		StrategyName: "razor",
		Instrument:   instrument,
		Side:         types.OrderSideBuy,
		EntryPrice:   dec("94000"),
		Amount:       dec("0.001"),
		EntryTime:    time.Now(),
	})
	require.NoError(t, err)

	h.signaler.set(strategy.DirectionLong)
	h.fake.Push(instrument, dec("95000"))

	require.Eventually(t, func() bool {
		return h.exec.State().CooldownUntil.After(time.Now())
	}, 2*time.Second, 10*time.Millisecond, "error cooldown must be set")

	state := h.exec.State()
	assert.Equal(t, StatusAnalyzing, state.Status)
	assert.Empty(t, state.CurrentTradeID)

	open, err := h.store.Query(context.Background(), ledger.Filter{UserID: "u1", Status: types.TradeStatusOpen})
	require.NoError(t, err)
	assert.Len(t, open, 1, "only the pre-existing row remains")
}

// Graceful stop with a position open closes it and records the trade.
func TestStopClosesOpenPosition(t *testing.T) {
	h := newHarness(t)

	h.signaler.set(strategy.DirectionLong)
	h.fake.Push(instrument, dec("95000"))
	waitStatus(t, h.exec, StatusPositionOpen)

	h.exec.Stop()

	status, ok := h.sup.last()
	require.True(t, ok)
	assert.Equal(t, types.StrategyStatusStopped, status)

	closed, err := h.store.Query(context.Background(), ledger.Filter{UserID: "u1", Status: types.TradeStatusClosed})
	require.NoError(t, err)
	require.Len(t, closed, 1)
	// Exit classification is by proximity; 95000 sits nearer the stop.
	assert.Equal(t, types.ExitReasonSLHit, closed[0].ExitReason)
}

func TestStopWithoutPosition(t *testing.T) {
	h := newHarness(t)

	h.fake.Push(instrument, dec("95000"))
	h.exec.Stop()

	status, ok := h.sup.last()
	require.True(t, ok)
	assert.Equal(t, types.StrategyStatusStopped, status)
	assert.Equal(t, StatusStopped, h.exec.State().Status)
}
