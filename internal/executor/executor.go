// Package executor runs one strategy instance as a serialised state machine:
// it ingests the ticker stream, decides entries, delegates placement to the
// bracket orchestrator, monitors the open position, and resumes after close.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradebaas/engine/internal/bracket"
	"github.com/tradebaas/engine/internal/broker"
	"github.com/tradebaas/engine/internal/ledger"
	"github.com/tradebaas/engine/internal/metrics"
	"github.com/tradebaas/engine/internal/strategy"
	"github.com/tradebaas/engine/pkg/types"
)

// Status is the executor's in-memory analysis state.
type Status string

const (
	StatusInitializing   Status = "initializing"
	StatusAnalyzing      Status = "analyzing"
	StatusSignalDetected Status = "signal_detected"
	StatusPositionOpen   Status = "position_open"
	StatusStopped        Status = "stopped"
)

// Supervisor is the narrow capability through which the executor reaches back
// into its manager. The manager holds the executor by nothing more than a
// key-addressed handle.
type Supervisor interface {
	// ReportTerminal is called exactly once, when the run loop exits.
	ReportTerminal(key types.StrategyKey, status types.StrategyStatus, errMsg string)
}

// State is the copy of executor state exposed to the outside.
type State struct {
	Status         Status          `json:"status"`
	CurrentPrice   decimal.Decimal `json:"currentPrice"`
	Signal         strategy.Signal `json:"signal"`
	CooldownUntil  time.Time       `json:"cooldownUntil"`
	CurrentTradeID string          `json:"currentTradeId,omitempty"`
	DailyTrades    int             `json:"dailyTrades"`
}

const (
	defaultQueueSize = 64
	errorCooldown    = time.Minute
	cooldownLogEvery = 30 * time.Second
	queryTimeout     = 3 * time.Second
)

// Executor is a single running strategy instance. All state mutations happen
// on one goroutine; ticker events, stop requests, and state reads are
// funnelled into a single serialised handler. There is no timer event: the
// cooldown log is throttled as ticks arrive.
type Executor struct {
	logger   *zap.Logger
	client   broker.Client
	store    ledger.Store
	brackets *bracket.Orchestrator
	sup      Supervisor
	metrics  *metrics.Metrics

	key      types.StrategyKey
	signaler strategy.Signaler
	params   strategy.CommonParams

	events chan event
	done   chan struct{}

	// stateReq serves State copies out of the run loop without locks.
	stateReq chan chan State

	stopGrace     time.Duration
	graceInterval time.Duration
	now           func() time.Time

	// Everything below is owned by the run goroutine.
	status         Status
	history        *strategy.History
	currentPrice   decimal.Decimal
	lastSignal     strategy.Signal
	cooldownUntil  time.Time
	lastCooldownLog time.Time
	currentTradeID string
	currentTrade   types.TradeRecord
	bracketLabel   string
	dailyCount     int
	dailyDay       string
	instrument     *types.InstrumentInfo
	unsubscribe    func()
}

// event is one unit of serialised work.
type event interface{ isEvent() }

type tickEvent types.TickerUpdate

func (tickEvent) isEvent() {}

type stopEvent struct {
	ack chan struct{}
}

func (stopEvent) isEvent() {}

// New constructs an executor. Call Start to begin the loop.
func New(
	logger *zap.Logger,
	key types.StrategyKey,
	client broker.Client,
	store ledger.Store,
	brackets *bracket.Orchestrator,
	sup Supervisor,
	m *metrics.Metrics,
	signaler strategy.Signaler,
	params strategy.CommonParams,
) *Executor {
	return &Executor{
		logger:        logger.Named("executor").With(zap.String("key", key.String())),
		client:        client,
		store:         store,
		brackets:      brackets,
		sup:           sup,
		metrics:       m,
		key:           key,
		signaler:      signaler,
		params:        params,
		events:        make(chan event, defaultQueueSize),
		done:          make(chan struct{}),
		stateReq:      make(chan chan State),
		stopGrace:     10 * time.Second,
		graceInterval: 500 * time.Millisecond,
		now:           time.Now,
		status:        StatusInitializing,
		history:       strategy.NewHistory(strategy.DefaultHistorySize),
	}
}

// Start loads instrument parameters, subscribes to the ticker, and launches
// the serialised run loop.
func (e *Executor) Start(ctx context.Context) error {
	info, err := e.client.GetInstrument(ctx, e.key.Instrument)
	if err != nil {
		return fmt.Errorf("failed to load instrument %s: %w", e.key.Instrument, err)
	}
	e.instrument = info

	unsubscribe, err := e.client.SubscribeTicker(e.key.Instrument, e.onTicker)
	if err != nil {
		return fmt.Errorf("failed to subscribe ticker for %s: %w", e.key.Instrument, err)
	}
	e.unsubscribe = unsubscribe
	e.status = StatusAnalyzing

	go e.run()

	e.logger.Info("Executor started",
		zap.String("strategy", e.signaler.Name()),
		zap.Int("warmup", e.signaler.Warmup()))
	return nil
}

// onTicker enqueues a price update. The broker's delivery goroutine is never
// blocked: a full queue drops the update and the next one carries a fresher
// price anyway.
func (e *Executor) onTicker(u types.TickerUpdate) {
	select {
	case e.events <- tickEvent(u):
	case <-e.done:
	default:
		e.metrics.TickerEventsDropped.Inc()
	}
}

// Stop signals the executor and waits for the loop to finish, bounded by the
// grace period. With a position open the executor first attempts an orderly
// close.
func (e *Executor) Stop() {
	select {
	case <-e.done:
		return
	default:
	}

	ack := make(chan struct{})
	select {
	case e.events <- stopEvent{ack: ack}:
	case <-e.done:
		return
	}

	select {
	case <-ack:
	case <-e.done:
	case <-time.After(e.stopGrace + 5*time.Second):
		e.logger.Warn("Executor stop timed out")
	}
}

// State returns a copy of the executor's current analysis state.
func (e *Executor) State() State {
	resp := make(chan State, 1)
	select {
	case e.stateReq <- resp:
		return <-resp
	case <-e.done:
		return State{Status: StatusStopped}
	}
}

// run is the serialised handler: ticker T_n is fully processed before T_n+1.
func (e *Executor) run() {
	defer close(e.done)
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Executor panicked", zap.Any("panic", r))
			e.teardown()
			e.sup.ReportTerminal(e.key, types.StrategyStatusError, fmt.Sprintf("panic: %v", r))
		}
	}()

	for {
		select {
		case ev := <-e.events:
			switch ev := ev.(type) {
			case tickEvent:
				e.handleTick(types.TickerUpdate(ev))
			case stopEvent:
				e.handleStop()
				close(ev.ack)
				return
			}
		case resp := <-e.stateReq:
			resp <- State{
				Status:         e.status,
				CurrentPrice:   e.currentPrice,
				Signal:         e.lastSignal,
				CooldownUntil:  e.cooldownUntil,
				CurrentTradeID: e.currentTradeID,
				DailyTrades:    e.dailyCount,
			}
		}
	}
}

func (e *Executor) handleTick(u types.TickerUpdate) {
	e.currentPrice = u.Price
	e.history.Update(u.Price, u.Timestamp)

	if e.status == StatusPositionOpen {
		e.checkPositionAndResume(u)
		return
	}

	now := e.now()
	if e.cooldownUntil.After(now) {
		if now.Sub(e.lastCooldownLog) >= cooldownLogEvery {
			e.lastCooldownLog = now
			e.logger.Debug("In cooldown",
				zap.Time("until", e.cooldownUntil),
				zap.String("price", u.Price.String()))
		}
		return
	}

	if !e.underDailyLimit(now) {
		return
	}

	signal := e.signaler.Evaluate(e.history)
	e.lastSignal = signal
	if signal.Direction == strategy.DirectionNone {
		return
	}

	e.executeTrade(signal, u)
}

// underDailyLimit counts trades per UTC day.
func (e *Executor) underDailyLimit(now time.Time) bool {
	day := now.UTC().Format("2006-01-02")
	if day != e.dailyDay {
		e.dailyDay = day
		e.dailyCount = 0
	}
	return e.dailyCount < e.params.MaxDailyTrades
}

func (e *Executor) executeTrade(signal strategy.Signal, u types.TickerUpdate) {
	price := u.Price

	// Defensive orphan-position check: an existing position for this
	// instrument means something outside this executor is trading it.
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	positions, err := e.client.ListPositions(ctx, types.CurrencyOf(e.key.Instrument))
	cancel()
	if err != nil {
		e.logger.Warn("Pre-trade position check failed", zap.Error(err))
		return
	}
	for _, p := range positions {
		if p.Instrument == e.key.Instrument && !p.Size.IsZero() {
			e.logger.Warn("Aborting entry: position already exists",
				zap.String("size", p.Size.String()))
			return
		}
	}

	amount := bracket.RoundAmount(e.params.TradeSize.Div(price), e.instrument)

	side := types.OrderSideBuy
	if signal.Direction == strategy.DirectionShort {
		side = types.OrderSideSell
	}

	slPct := e.params.StopLossPercent.Div(decimal.NewFromInt(100))
	tpPct := e.params.TakeProfitPercent.Div(decimal.NewFromInt(100))
	one := decimal.NewFromInt(1)

	var sl, tp decimal.Decimal
	if side == types.OrderSideBuy {
		sl = price.Mul(one.Sub(slPct))
		tp = price.Mul(one.Add(tpPct))
	} else {
		sl = price.Mul(one.Add(slPct))
		tp = price.Mul(one.Sub(tpPct))
	}
	sl = bracket.RoundToTick(sl, e.instrument.TickSize)
	tp = bracket.RoundToTick(tp, e.instrument.TickSize)

	if sl.Equal(price) || tp.Equal(price) {
		e.logger.Warn("Protective price equals entry after rounding, skipping entry",
			zap.String("price", price.String()),
			zap.String("sl", sl.String()),
			zap.String("tp", tp.String()))
		return
	}

	e.status = StatusSignalDetected
	e.logger.Info("Signal detected",
		zap.String("direction", string(signal.Direction)),
		zap.Float64("confidence", signal.Confidence),
		zap.String("reason", signal.Reason),
		zap.String("price", price.String()))

	bctx, bcancel := context.WithTimeout(context.Background(), 30*time.Second)
	result, err := e.brackets.PlaceBracket(bctx, bracket.Request{
		Instrument: e.key.Instrument,
		Side:       side,
		Amount:     amount,
		EntryType:  types.OrderTypeMarket,
		StopPrice:  sl,
		TakePrice:  tp,
		Label:      e.key.StrategyName,
	})
	bcancel()
	if err != nil {
		// Short fallback cooldown so a rejecting venue cannot drive a
		// tight error loop.
		e.status = StatusAnalyzing
		e.cooldownUntil = e.now().Add(errorCooldown)
		e.logger.Error("Bracket placement failed", zap.Error(err))
		return
	}

	entryPrice := result.FilledPrice
	if entryPrice.IsZero() {
		entryPrice = price
	}

	now := e.now()
	record := types.TradeRecord{
		UserID:       e.key.UserID,
		StrategyName: e.key.StrategyName,
		Instrument:   e.key.Instrument,
		Side:         side,
		EntryOrderID: result.EntryID,
		SlOrderID:    result.SlID,
		TpOrderID:    result.TpID,
		EntryPrice:   entryPrice,
		Amount:       amount,
		StopLoss:     sl,
		TakeProfit:   tp,
		EntryTime:    now,
	}

	lctx, lcancel := context.WithTimeout(context.Background(), queryTimeout)
	tradeID, err := e.store.RecordOpen(lctx, record)
	lcancel()
	if err != nil {
		// The most dangerous race: orders live, no ledger row. Never
		// report position_open without one; the reaper and
		// reconciliation own the broker-side remnants.
		e.brackets.Release(result.Label)
		e.status = StatusAnalyzing
		e.cooldownUntil = e.now().Add(errorCooldown)
		e.logger.Error("Failed to record open trade, bracket released for reaping",
			zap.String("tx", result.Label),
			zap.Error(err))
		return
	}

	record.ID = tradeID
	e.currentTrade = record
	e.currentTradeID = tradeID
	e.bracketLabel = result.Label
	e.status = StatusPositionOpen
	e.cooldownUntil = now.Add(time.Duration(e.params.CooldownMinutes) * time.Minute)
	e.dailyCount++
	e.metrics.TradesOpened.WithLabelValues(e.key.StrategyName).Inc()

	e.logger.Info("Position opened",
		zap.String("tx", result.Label),
		zap.String("tradeId", tradeID),
		zap.String("side", string(side)),
		zap.String("entry", entryPrice.String()),
		zap.String("amount", amount.String()),
		zap.String("sl", sl.String()),
		zap.String("tp", tp.String()))
}

// checkPositionAndResume runs on every tick while a position is open. A
// broker-reported size of zero is the auto-resume pivot: close the ledger row
// and go back to analysing.
func (e *Executor) checkPositionAndResume(u types.TickerUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	positions, err := e.client.ListPositions(ctx, types.CurrencyOf(e.key.Instrument))
	cancel()
	if err != nil {
		e.logger.Debug("Position check failed", zap.Error(err))
		return
	}

	for _, p := range positions {
		if p.Instrument == e.key.Instrument && !p.Size.IsZero() {
			return
		}
	}

	e.closeTrade(u.Price)
}

// closeTrade records the close at the given exit price and resumes analysis.
func (e *Executor) closeTrade(exitPrice decimal.Decimal) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	if err := e.client.CancelAllForInstrument(ctx, e.key.Instrument); err != nil {
		e.logger.Warn("Post-close cancel-all failed", zap.Error(err))
	}
	cancel()

	reason := ledger.ClassifyExit(exitPrice, e.currentTrade.StopLoss, e.currentTrade.TakeProfit)
	pnl, pnlPercent := ledger.ComputePnl(e.currentTrade.Side, e.currentTrade.EntryPrice, exitPrice, e.currentTrade.Amount)

	lctx, lcancel := context.WithTimeout(context.Background(), queryTimeout)
	err := e.store.RecordClose(lctx, e.currentTradeID, ledger.CloseDetails{
		ExitPrice:  exitPrice,
		ExitTime:   e.now(),
		ExitReason: reason,
		Pnl:        pnl,
		PnlPercent: pnlPercent,
	})
	lcancel()
	if err != nil {
		e.logger.Error("Failed to record trade close",
			zap.String("tradeId", e.currentTradeID),
			zap.Error(err))
	}

	e.metrics.TradesClosed.WithLabelValues(e.key.StrategyName, string(reason)).Inc()
	e.logger.Info("Position closed",
		zap.String("tx", e.bracketLabel),
		zap.String("tradeId", e.currentTradeID),
		zap.String("exitPrice", exitPrice.String()),
		zap.String("exitReason", string(reason)),
		zap.String("pnl", pnl.String()))

	e.brackets.Release(e.bracketLabel)
	e.bracketLabel = ""
	e.currentTradeID = ""
	e.currentTrade = types.TradeRecord{}
	// CooldownUntil set at open time remains in effect.
	e.status = StatusAnalyzing
}

// handleStop performs the graceful stop: orderly close when a position is
// open, then teardown.
func (e *Executor) handleStop() {
	if e.status == StatusPositionOpen {
		e.gracefulClose()
	}
	e.teardown()
	e.status = StatusStopped
	e.sup.ReportTerminal(e.key, types.StrategyStatusStopped, "")
	e.logger.Info("Executor stopped")
}

// gracefulClose issues a reduce-only market close and waits, bounded, for the
// broker to report the position gone. A residual position is left to
// reconciliation.
func (e *Executor) gracefulClose() {
	side := e.currentTrade.Side.Opposite()

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	_, err := e.client.PlaceOrder(ctx, types.OrderRequest{
		Instrument: e.key.Instrument,
		Side:       side,
		Type:       types.OrderTypeMarket,
		Amount:     e.currentTrade.Amount,
		ReduceOnly: true,
		Label:      e.bracketLabel + "_close",
	})
	cancel()
	if err != nil {
		e.logger.Warn("Market close on stop failed, relying on protective orders", zap.Error(err))
	}

	deadline := e.now().Add(e.stopGrace)
	for e.now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
		positions, err := e.client.ListPositions(ctx, types.CurrencyOf(e.key.Instrument))
		cancel()
		if err == nil {
			open := false
			for _, p := range positions {
				if p.Instrument == e.key.Instrument && !p.Size.IsZero() {
					open = true
				}
			}
			if !open {
				e.closeTrade(e.currentPrice)
				return
			}
		}
		time.Sleep(e.graceInterval)
	}

	e.logger.Warn("Position still open after stop grace, reconciliation will repair",
		zap.String("tradeId", e.currentTradeID))
}

func (e *Executor) teardown() {
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
}
