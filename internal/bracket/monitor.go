package bracket

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradebaas/engine/internal/broker"
	"github.com/tradebaas/engine/pkg/types"
)

var positionDustThreshold = decimal.NewFromFloat(0.1)

// monitorPosition is defence-in-depth on venues without native OTOCO: a
// bounded watcher that cancels surviving protective legs once the position
// closes or drops below 10% of its original size, and cancels the sibling
// when only one protective leg remains.
func (o *Orchestrator) monitorPosition(group *Group) {
	logger := o.logger.With(zap.String("tx", group.Label), zap.String("instrument", group.Instrument))

	for i := 0; i < o.monitorChecks; i++ {
		time.Sleep(o.monitorInterval)

		if !o.isLive(group.Label) {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		positions, err := o.client.ListPositions(ctx, types.CurrencyOf(group.Instrument))
		if err != nil {
			cancel()
			logger.Debug("Position monitor query failed", zap.Error(err))
			continue
		}

		size := decimal.Zero
		for _, p := range positions {
			if p.Instrument == group.Instrument {
				size = p.Size.Abs()
			}
		}

		if size.IsZero() || size.LessThan(group.Amount.Mul(positionDustThreshold)) {
			logger.Info("Position closed, cancelling surviving protective legs")
			o.cancelRemaining(ctx, group)
			o.Release(group.Label)
			cancel()
			return
		}

		// OTOCO semantics by hand: one protective leg gone means its
		// sibling must not outlive it unprotected.
		orders, err := o.client.ListOpenOrders(ctx, group.Instrument)
		cancel()
		if err != nil {
			continue
		}
		slAlive, tpAlive := false, false
		for _, ord := range orders {
			switch ord.OrderID {
			case group.SlID:
				slAlive = true
			case group.TpID:
				tpAlive = true
			}
		}
		if slAlive != tpAlive {
			survivor := group.SlID
			if tpAlive {
				survivor = group.TpID
			}
			logger.Info("Protective sibling disappeared, cancelling survivor",
				zap.String("orderId", survivor))
			cctx, ccancel := context.WithTimeout(context.Background(), o.timeout)
			if err := o.client.CancelOrder(cctx, survivor); err != nil && !errors.Is(err, broker.ErrNotFound) {
				logger.Warn("Failed to cancel surviving leg", zap.Error(err))
			}
			ccancel()
			o.Release(group.Label)
			return
		}
	}
}

func (o *Orchestrator) isLive(label string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.live[label]
	return ok
}

func (o *Orchestrator) cancelRemaining(ctx context.Context, group *Group) {
	for _, id := range []string{group.SlID, group.TpID} {
		if id == "" {
			continue
		}
		if err := o.client.CancelOrder(ctx, id); err != nil && !errors.Is(err, broker.ErrNotFound) {
			o.logger.Warn("Failed to cancel protective leg",
				zap.String("tx", group.Label),
				zap.String("orderId", id),
				zap.Error(err))
		}
	}
}
