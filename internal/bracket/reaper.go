package bracket

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/tradebaas/engine/internal/broker"
	"github.com/tradebaas/engine/pkg/types"
)

// SweepOrphans cancels protective orders left behind by failed rollbacks or
// missed OTOCO sibling-cancellation. An order is an orphan candidate iff it is
// reduce-only, there is no net position in its instrument, and no live bracket
// claims it. A cancel reporting NotFound is success.
func (o *Orchestrator) SweepOrphans(ctx context.Context) {
	o.mu.Lock()
	instruments := make([]string, 0, len(o.instruments))
	for instr := range o.instruments {
		instruments = append(instruments, instr)
	}
	o.mu.Unlock()

	for _, instrument := range instruments {
		o.sweepInstrument(ctx, instrument)
	}
}

func (o *Orchestrator) sweepInstrument(ctx context.Context, instrument string) {
	orders, err := o.client.ListOpenOrders(ctx, instrument)
	if err != nil {
		o.logger.Debug("Orphan sweep failed to list orders",
			zap.String("instrument", instrument), zap.Error(err))
		return
	}
	if len(orders) == 0 {
		return
	}

	positions, err := o.client.ListPositions(ctx, types.CurrencyOf(instrument))
	if err != nil {
		o.logger.Debug("Orphan sweep failed to list positions",
			zap.String("instrument", instrument), zap.Error(err))
		return
	}

	hasPosition := false
	for _, p := range positions {
		if p.Instrument == instrument && !p.Size.IsZero() {
			hasPosition = true
			break
		}
	}
	if hasPosition {
		return
	}

	for _, order := range orders {
		if !order.ReduceOnly {
			continue
		}
		if o.liveMember(order.OrderID) {
			continue
		}

		err := o.client.CancelOrder(ctx, order.OrderID)
		if err != nil && !errors.Is(err, broker.ErrNotFound) {
			o.logger.Warn("Failed to reap orphan order",
				zap.String("instrument", instrument),
				zap.String("orderId", order.OrderID),
				zap.String("label", order.Label),
				zap.Error(err))
			continue
		}

		o.metrics.OrphansReaped.Inc()
		o.logger.Info("Reaped orphan order",
			zap.String("instrument", instrument),
			zap.String("orderId", order.OrderID),
			zap.String("label", order.Label))
	}
}
