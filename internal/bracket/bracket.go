// Package bracket places Entry + Stop-Loss + Take-Profit as one logical OTOCO
// group, rolls back on partial failure, and reaps orphan protective orders.
package bracket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradebaas/engine/internal/broker"
	"github.com/tradebaas/engine/internal/metrics"
	"github.com/tradebaas/engine/pkg/types"
)

// RollbackError reports a bracket aborted after partial placement. Broker-side
// remnants are handed to the orphan reaper.
type RollbackError struct {
	Cause error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("bracket rolled back: %v", e.Cause)
}

func (e *RollbackError) Unwrap() error {
	return e.Cause
}

// Request describes one bracket placement.
type Request struct {
	Instrument string
	Side       types.OrderSide
	Amount     decimal.Decimal
	EntryType  types.OrderType // market or limit
	EntryPrice decimal.Decimal // required for limit entries
	StopPrice  decimal.Decimal
	TakePrice  decimal.Decimal
	Label      string
}

// Result is a successfully placed bracket.
type Result struct {
	Label       string
	EntryID     string
	SlID        string
	TpID        string
	FilledPrice decimal.Decimal
}

// Group tracks a live bracket's members for the reaper.
type Group struct {
	Label      string
	Instrument string
	EntryID    string
	SlID       string
	TpID       string
	Amount     decimal.Decimal
}

// Orchestrator places brackets through one broker client. It is shared by all
// executors of the owning user.
type Orchestrator struct {
	logger  *zap.Logger
	client  broker.Client
	metrics *metrics.Metrics
	timeout time.Duration

	// monitorInterval and monitorChecks bound the position-based watcher
	// used on brokers without native OTOCO.
	monitorInterval time.Duration
	monitorChecks   int

	mu          sync.Mutex
	live        map[string]*Group // by label prefix
	instruments map[string]bool   // every instrument ever placed on, for sweeps

	txCounter atomic.Uint64
}

// New creates an orchestrator over one broker client.
func New(logger *zap.Logger, client broker.Client, m *metrics.Metrics, timeout time.Duration) *Orchestrator {
	return &Orchestrator{
		logger:          logger.Named("bracket"),
		client:          client,
		metrics:         m,
		timeout:         timeout,
		monitorInterval: 2 * time.Second,
		monitorChecks:   60,
		live:            make(map[string]*Group),
		instruments:     make(map[string]bool),
	}
}

// nextLabel returns a globally-unique monotonic transaction prefix so logs and
// orphan reaping can correlate.
func (o *Orchestrator) nextLabel(base string) string {
	n := o.txCounter.Add(1)
	return fmt.Sprintf("%s-tx%06d-%s", base, n, uuid.NewString()[:8])
}

// PlaceBracket places the three-order group. On success all three orders exist
// (or the entry has filled and both protectives are live); on any failure
// after the entry was placed, nothing is left dangling.
func (o *Orchestrator) PlaceBracket(ctx context.Context, req Request) (*Result, error) {
	info, err := o.client.GetInstrument(ctx, req.Instrument)
	if err != nil {
		return nil, fmt.Errorf("failed to load instrument %s: %w", req.Instrument, err)
	}

	amount := RoundAmount(req.Amount, info)
	stop := RoundToTick(req.StopPrice, info.TickSize)
	take := RoundToTick(req.TakePrice, info.TickSize)
	entryPrice := req.EntryPrice
	if req.EntryType == types.OrderTypeLimit {
		entryPrice = RoundToTick(entryPrice, info.TickSize)
	}

	if stop.Equal(take) || !amount.IsPositive() {
		return nil, fmt.Errorf("degenerate bracket after rounding: amount=%s sl=%s tp=%s", amount, stop, take)
	}

	label := o.nextLabel(req.Label)
	o.mu.Lock()
	o.instruments[req.Instrument] = true
	o.mu.Unlock()

	logger := o.logger.With(
		zap.String("tx", label),
		zap.String("instrument", req.Instrument),
		zap.String("side", string(req.Side)))

	var result *Result
	if o.client.SupportsOTOCO() {
		result, err = o.placeNative(ctx, req, label, amount, entryPrice, stop, take)
	} else {
		result, err = o.placeSequential(ctx, req, label, amount, entryPrice, stop, take)
	}
	if err != nil {
		var rb *RollbackError
		if errors.As(err, &rb) {
			o.metrics.BracketsRolledBack.Inc()
		}
		logger.Warn("Bracket placement failed", zap.Error(err))
		return nil, err
	}

	group := &Group{
		Label:      label,
		Instrument: req.Instrument,
		EntryID:    result.EntryID,
		SlID:       result.SlID,
		TpID:       result.TpID,
		Amount:     amount,
	}
	o.mu.Lock()
	o.live[label] = group
	o.mu.Unlock()

	o.metrics.BracketsPlaced.Inc()
	logger.Info("Bracket placed",
		zap.String("entryId", result.EntryID),
		zap.String("slId", result.SlID),
		zap.String("tpId", result.TpID),
		zap.String("filledPrice", result.FilledPrice.String()))

	if !o.client.SupportsOTOCO() {
		go o.monitorPosition(group)
	}

	return result, nil
}

// placeNative submits the entry with an OTOCO child list; the broker
// guarantees sibling-cancellation, collapsing the three legs into one call.
func (o *Orchestrator) placeNative(ctx context.Context, req Request, label string, amount, entryPrice, stop, take decimal.Decimal) (*Result, error) {
	opposite := req.Side.Opposite()
	order := types.OrderRequest{
		Instrument: req.Instrument,
		Side:       req.Side,
		Type:       req.EntryType,
		Amount:     amount,
		Price:      entryPrice,
		Label:      label,
		OTOCO: &types.OTOCOConfig{
			LinkedOrderType:      types.LinkedOneTriggersOneCancelsOther,
			TriggerFillCondition: types.TriggerFillConditionFirstHit,
			Children: []types.OTOCOChild{
				{
					Type:         types.OrderTypeStopMarket,
					Side:         opposite,
					Amount:       amount,
					TriggerPrice: stop,
					Trigger:      types.TriggerMarkPrice,
					ReduceOnly:   true,
					Label:        label + "_sl",
				},
				{
					Type:       types.OrderTypeLimit,
					Side:       opposite,
					Amount:     amount,
					Price:      take,
					ReduceOnly: true,
					Label:      label + "_tp",
				},
			},
		},
	}

	cctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	res, err := o.client.PlaceOrder(cctx, order)
	if err != nil {
		return nil, err
	}

	result := &Result{Label: label, EntryID: res.OrderID, FilledPrice: res.AvgPrice}
	if len(res.ChildIDs) == 2 {
		result.SlID, result.TpID = res.ChildIDs[0], res.ChildIDs[1]
	}
	return result, nil
}

// placeSequential is the three-step protocol for venues without OTOCO:
// entry, then SL, then TP, unwinding in reverse on failure.
func (o *Orchestrator) placeSequential(ctx context.Context, req Request, label string, amount, entryPrice, stop, take decimal.Decimal) (*Result, error) {
	opposite := req.Side.Opposite()

	entry, err := o.placeOne(ctx, types.OrderRequest{
		Instrument: req.Instrument,
		Side:       req.Side,
		Type:       req.EntryType,
		Amount:     amount,
		Price:      entryPrice,
		Label:      label,
	})
	if err != nil {
		return nil, err
	}

	sl, err := o.placeOne(ctx, types.OrderRequest{
		Instrument:   req.Instrument,
		Side:         opposite,
		Type:         types.OrderTypeStopMarket,
		Amount:       amount,
		TriggerPrice: stop,
		Trigger:      types.TriggerMarkPrice,
		ReduceOnly:   true,
		Label:        label + "_sl",
	})
	if err != nil {
		o.rollback(label, entry.OrderID)
		return nil, &RollbackError{Cause: err}
	}

	tp, err := o.placeOne(ctx, types.OrderRequest{
		Instrument: req.Instrument,
		Side:       opposite,
		Type:       types.OrderTypeLimit,
		Amount:     amount,
		Price:      take,
		ReduceOnly: true,
		Label:      label + "_tp",
	})
	if err != nil {
		o.rollback(label, sl.OrderID, entry.OrderID)
		return nil, &RollbackError{Cause: err}
	}

	return &Result{
		Label:       label,
		EntryID:     entry.OrderID,
		SlID:        sl.OrderID,
		TpID:        tp.OrderID,
		FilledPrice: entry.AvgPrice,
	}, nil
}

func (o *Orchestrator) placeOne(ctx context.Context, req types.OrderRequest) (*types.OrderResult, error) {
	cctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	return o.client.PlaceOrder(cctx, req)
}

// rollback best-effort cancels the given orders in sequence. A cancel that
// fails is logged and left to the reaper; rollback never blocks on it.
func (o *Orchestrator) rollback(label string, orderIDs ...string) {
	for _, id := range orderIDs {
		ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
		err := o.client.CancelOrder(ctx, id)
		cancel()
		if err != nil && !errors.Is(err, broker.ErrNotFound) {
			o.logger.Warn("Rollback cancel failed, delegating to reaper",
				zap.String("tx", label),
				zap.String("orderId", id),
				zap.Error(err))
		}
	}
}

// Release removes a closed bracket from the live set.
func (o *Orchestrator) Release(label string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.live, label)
}

// liveMember reports whether any live bracket claims the order id.
func (o *Orchestrator) liveMember(orderID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, g := range o.live {
		if g.EntryID == orderID || g.SlID == orderID || g.TpID == orderID {
			return true
		}
	}
	return false
}

// RoundToTick rounds a price to the instrument's tick size.
func RoundToTick(price, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}
	return price.Div(tick).Round(0).Mul(tick)
}

// RoundAmount rounds a raw amount to a tradable size: the nearest multiple of
// minTradeAmount, floored at minTradeAmount, clamped to 8 decimals.
func RoundAmount(raw decimal.Decimal, info *types.InstrumentInfo) decimal.Decimal {
	step := info.MinTradeAmount
	if !step.IsPositive() {
		step = info.ContractSize
	}
	if !step.IsPositive() {
		return raw.Round(8)
	}
	amount := raw.Div(step).Round(0).Mul(step)
	if amount.LessThan(info.MinTradeAmount) {
		amount = info.MinTradeAmount
	}
	return amount.Round(8)
}
