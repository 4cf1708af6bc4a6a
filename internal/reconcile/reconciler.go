// Package reconcile periodically squares the ledger and strategy records
// against broker-reported reality: closing vanished positions, adopting
// unwitnessed ones, and flagging dead executors.
package reconcile

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradebaas/engine/internal/broker"
	"github.com/tradebaas/engine/internal/ledger"
	"github.com/tradebaas/engine/internal/staterepo"
	"github.com/tradebaas/engine/pkg/types"
)

// PolicySync adopts unknown broker positions into the ledger; PolicyAlert
// only logs them.
const (
	PolicySync  = "sync"
	PolicyAlert = "alert"
)

// recoveredStrategy labels ledger rows synthesised from unwitnessed positions.
const recoveredStrategy = "recovered"

// Reconciler is the periodic repair service.
type Reconciler struct {
	logger          *zap.Logger
	brokers         *broker.Registry
	repo            *staterepo.Repository
	store           ledger.Store
	heartbeatPeriod time.Duration
	policy          string
}

// New creates a reconciler.
func New(
	logger *zap.Logger,
	brokers *broker.Registry,
	repo *staterepo.Repository,
	store ledger.Store,
	heartbeatPeriod time.Duration,
	policy string,
) *Reconciler {
	return &Reconciler{
		logger:          logger.Named("reconciler"),
		brokers:         brokers,
		repo:            repo,
		store:           store,
		heartbeatPeriod: heartbeatPeriod,
		policy:          policy,
	}
}

// Run performs one full reconciliation sweep.
func (r *Reconciler) Run(ctx context.Context) {
	r.brokers.Each(func(userID, brokerName, environment string, client broker.Client) {
		if !client.IsConnected() {
			return
		}
		r.reconcileUser(ctx, userID, client)
	})
	r.flagStaleHeartbeats(ctx)
}

func (r *Reconciler) reconcileUser(ctx context.Context, userID string, client broker.Client) {
	logger := r.logger.With(zap.String("userId", userID))

	positions, err := client.ListPositions(ctx, "")
	if err != nil {
		logger.Warn("Reconcile could not list positions", zap.Error(err))
		return
	}
	bySize := make(map[string]types.Position, len(positions))
	for _, p := range positions {
		if !p.Size.IsZero() {
			bySize[p.Instrument] = p
		}
	}

	openTrades, err := r.store.Query(ctx, ledger.Filter{UserID: userID, Status: types.TradeStatusOpen})
	if err != nil {
		logger.Warn("Reconcile could not query open trades", zap.Error(err))
		return
	}

	// Ledger says open, broker says flat: repair with a best-effort close.
	openInstruments := make(map[string]bool)
	for _, trade := range openTrades {
		openInstruments[trade.Instrument] = true
		if _, stillOpen := bySize[trade.Instrument]; stillOpen {
			continue
		}

		// Without a fresher ticker the position's last known entry
		// price stands in as the exit price.
		exitPrice := trade.EntryPrice
		pnl, pnlPercent := ledger.ComputePnl(trade.Side, trade.EntryPrice, exitPrice, trade.Amount)
		err := r.store.RecordClose(ctx, trade.ID, ledger.CloseDetails{
			ExitPrice:  exitPrice,
			ExitTime:   time.Now(),
			ExitReason: types.ExitReasonManual,
			Pnl:        pnl,
			PnlPercent: pnlPercent,
		})
		if err != nil {
			logger.Warn("Failed to repair vanished trade",
				zap.String("tradeId", trade.ID), zap.Error(err))
			continue
		}
		logger.Info("Closed vanished trade",
			zap.String("tradeId", trade.ID),
			zap.String("instrument", trade.Instrument))
	}

	// Broker says open, ledger has no row: adopt or alert.
	for instrument, pos := range bySize {
		if openInstruments[instrument] {
			continue
		}
		if r.policy != PolicySync {
			logger.Warn("Unwitnessed broker position",
				zap.String("instrument", instrument),
				zap.String("size", pos.Size.String()))
			continue
		}
		r.adoptPosition(ctx, logger, userID, client, pos)
	}
}

// adoptPosition records an unwitnessed position, synthesising SL/TP from the
// instrument's open reduce-only orders when present.
func (r *Reconciler) adoptPosition(ctx context.Context, logger *zap.Logger, userID string, client broker.Client, pos types.Position) {
	side := types.OrderSideBuy
	if pos.Size.IsNegative() {
		side = types.OrderSideSell
	}

	var stopLoss, takeProfit decimal.Decimal
	if orders, err := client.ListOpenOrders(ctx, pos.Instrument); err == nil {
		for _, o := range orders {
			if !o.ReduceOnly {
				continue
			}
			switch o.Type {
			case types.OrderTypeStopMarket:
				stopLoss = o.TriggerPrice
			case types.OrderTypeLimit:
				takeProfit = o.Price
			}
		}
	}

	tradeID, err := r.store.RetroactiveSync(ctx, ledger.SyncRequest{
		UserID:       userID,
		StrategyName: recoveredStrategy,
		Instrument:   pos.Instrument,
		Side:         side,
		EntryPrice:   pos.EntryPrice,
		Amount:       pos.Size.Abs(),
		StopLoss:     stopLoss,
		TakeProfit:   takeProfit,
		EntryTime:    time.Now(),
	})
	if err != nil {
		logger.Warn("Failed to adopt broker position",
			zap.String("instrument", pos.Instrument), zap.Error(err))
		return
	}
	logger.Info("Adopted broker position into ledger",
		zap.String("instrument", pos.Instrument),
		zap.String("tradeId", tradeID),
		zap.String("size", pos.Size.String()))
}

// flagStaleHeartbeats marks active records whose executor went silent.
func (r *Reconciler) flagStaleHeartbeats(ctx context.Context) {
	cutoff := time.Now().Add(-3 * r.heartbeatPeriod)
	stale, err := r.repo.FindStale(ctx, cutoff)
	if err != nil {
		r.logger.Warn("Could not query stale heartbeats", zap.Error(err))
		return
	}

	for _, rec := range stale {
		msg := "stale heartbeat"
		err := r.repo.UpdateStatus(ctx, rec.Key, staterepo.StatusPatch{
			Status:         types.StrategyStatusError,
			LastAction:     types.LastActionExecutionError,
			ErrorMessage:   &msg,
			IncrementError: true,
		})
		if err != nil {
			r.logger.Warn("Failed to flag stale record",
				zap.String("key", rec.Key.String()), zap.Error(err))
			continue
		}
		r.logger.Warn("Flagged stale strategy record",
			zap.String("key", rec.Key.String()),
			zap.Time("lastHeartbeat", rec.LastHeartbeat))
	}
}
