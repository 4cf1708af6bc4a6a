// Package brokertest provides a deterministic in-memory broker for tests.
// Orders fill instantly at the last pushed price, protective legs rest as
// open orders, and position lifecycle is driven explicitly by the test.
package brokertest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradebaas/engine/internal/broker"
	"github.com/tradebaas/engine/pkg/types"
)

// Fake is a scriptable broker.Client.
type Fake struct {
	mu sync.Mutex

	connected bool
	otoco     bool

	instruments map[string]types.InstrumentInfo
	lastPrice   map[string]decimal.Decimal
	openOrders  map[string]types.OrderSummary
	positions   map[string]types.Position
	subscribers map[string][]broker.TickerHandler

	// failOn maps an order-type to the error its next placement returns.
	// The entry is consumed once triggered.
	failOn map[types.OrderType]error
	// failCancel makes every CancelOrder return the given error.
	failCancel error

	nextID int

	// Placed records every PlaceOrder request in order.
	Placed []types.OrderRequest
	// Cancelled records every CancelOrder id in order.
	Cancelled []string
}

// New creates a connected fake with no instruments.
func New() *Fake {
	return &Fake{
		connected:   true,
		instruments: make(map[string]types.InstrumentInfo),
		lastPrice:   make(map[string]decimal.Decimal),
		openOrders:  make(map[string]types.OrderSummary),
		positions:   make(map[string]types.Position),
		subscribers: make(map[string][]broker.TickerHandler),
		failOn:      make(map[types.OrderType]error),
	}
}

// AddInstrument registers contract parameters and an initial price.
func (f *Fake) AddInstrument(info types.InstrumentInfo, price decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instruments[info.Instrument] = info
	f.lastPrice[info.Instrument] = price
}

// SetOTOCO toggles native OTOCO support.
func (f *Fake) SetOTOCO(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.otoco = on
}

// SetConnected toggles connection state.
func (f *Fake) SetConnected(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = on
}

// FailNext makes the next placement of the given order type fail.
func (f *Fake) FailNext(orderType types.OrderType, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOn[orderType] = err
}

// FailCancels makes CancelOrder fail until cleared with nil.
func (f *Fake) FailCancels(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failCancel = err
}

// Push delivers a price to every subscriber of the instrument, synchronously
// on the caller's goroutine.
func (f *Fake) Push(instrument string, price decimal.Decimal) {
	f.mu.Lock()
	f.lastPrice[instrument] = price
	handlers := append([]broker.TickerHandler(nil), f.subscribers[instrument]...)
	f.mu.Unlock()

	u := types.TickerUpdate{Instrument: instrument, Price: price, Timestamp: time.Now()}
	for _, h := range handlers {
		h(u)
	}
}

// ClosePosition zeroes the net position, optionally removing the resting
// protective orders the way a native OTOCO link would.
func (f *Fake) ClosePosition(instrument string, exitPrice decimal.Decimal, removeProtective bool) {
	f.mu.Lock()
	delete(f.positions, instrument)
	f.lastPrice[instrument] = exitPrice
	if removeProtective {
		for id, o := range f.openOrders {
			if o.Instrument == instrument && o.ReduceOnly {
				delete(f.openOrders, id)
			}
		}
	}
	f.mu.Unlock()
}

// SeedPosition installs a broker position directly, bypassing order flow.
func (f *Fake) SeedPosition(pos types.Position) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions[pos.Instrument] = pos
}

// SeedOpenOrder installs a resting order directly.
func (f *Fake) SeedOpenOrder(o types.OrderSummary) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openOrders[o.OrderID] = o
}

// OpenOrderCount returns the number of resting orders for the instrument.
func (f *Fake) OpenOrderCount(instrument string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, o := range f.openOrders {
		if o.Instrument == instrument {
			n++
		}
	}
	return n
}

// PlaceOrder implements broker.Client.
func (f *Fake) PlaceOrder(_ context.Context, req types.OrderRequest) (*types.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.connected {
		return nil, broker.ErrDisconnected
	}
	if _, ok := f.instruments[req.Instrument]; !ok {
		return nil, broker.ErrUnknownInstrument
	}
	if err, ok := f.failOn[req.Type]; ok {
		delete(f.failOn, req.Type)
		return nil, err
	}

	f.Placed = append(f.Placed, req)
	f.nextID++
	id := fmt.Sprintf("ord-%d", f.nextID)
	price := f.lastPrice[req.Instrument]

	res := &types.OrderResult{OrderID: id, Label: req.Label}

	switch req.Type {
	case types.OrderTypeMarket:
		res.Status = types.OrderStatusFilled
		res.FilledAmount = req.Amount
		res.AvgPrice = price
		f.applyFill(req.Instrument, req.Side, req.Amount, price, req.ReduceOnly)
	default:
		res.Status = types.OrderStatusOpen
		f.openOrders[id] = types.OrderSummary{
			OrderID:      id,
			Instrument:   req.Instrument,
			Side:         req.Side,
			Type:         req.Type,
			Amount:       req.Amount,
			Price:        req.Price,
			TriggerPrice: req.TriggerPrice,
			ReduceOnly:   req.ReduceOnly,
			Label:        req.Label,
		}
	}

	if req.OTOCO != nil {
		for _, child := range req.OTOCO.Children {
			f.nextID++
			cid := fmt.Sprintf("ord-%d", f.nextID)
			f.openOrders[cid] = types.OrderSummary{
				OrderID:      cid,
				Instrument:   req.Instrument,
				Side:         child.Side,
				Type:         child.Type,
				Amount:       child.Amount,
				Price:        child.Price,
				TriggerPrice: child.TriggerPrice,
				ReduceOnly:   child.ReduceOnly,
				Label:        child.Label,
			}
			res.ChildIDs = append(res.ChildIDs, cid)
		}
	}

	return res, nil
}

func (f *Fake) applyFill(instrument string, side types.OrderSide, amount, price decimal.Decimal, reduceOnly bool) {
	pos := f.positions[instrument]
	pos.Instrument = instrument
	delta := amount
	if side == types.OrderSideSell {
		delta = amount.Neg()
	}
	pos.Size = pos.Size.Add(delta)
	if pos.Size.IsZero() {
		delete(f.positions, instrument)
		return
	}
	if !reduceOnly {
		pos.EntryPrice = price
	}
	pos.MarkPrice = price
	f.positions[instrument] = pos
}

// CancelOrder implements broker.Client.
func (f *Fake) CancelOrder(_ context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failCancel != nil {
		return f.failCancel
	}
	f.Cancelled = append(f.Cancelled, orderID)
	if _, ok := f.openOrders[orderID]; !ok {
		return broker.ErrNotFound
	}
	delete(f.openOrders, orderID)
	return nil
}

// CancelAllForInstrument implements broker.Client.
func (f *Fake) CancelAllForInstrument(_ context.Context, instrument string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for id, o := range f.openOrders {
		if o.Instrument == instrument {
			delete(f.openOrders, id)
		}
	}
	return nil
}

// ListOpenOrders implements broker.Client.
func (f *Fake) ListOpenOrders(_ context.Context, instrument string) ([]types.OrderSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []types.OrderSummary
	for _, o := range f.openOrders {
		if o.Instrument == instrument {
			out = append(out, o)
		}
	}
	return out, nil
}

// ListPositions implements broker.Client.
func (f *Fake) ListPositions(_ context.Context, currency string) ([]types.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.connected {
		return nil, broker.ErrDisconnected
	}
	var out []types.Position
	for _, p := range f.positions {
		if currency == "" || strings.HasPrefix(p.Instrument, currency) {
			out = append(out, p)
		}
	}
	return out, nil
}

// GetInstrument implements broker.Client.
func (f *Fake) GetInstrument(_ context.Context, instrument string) (*types.InstrumentInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	info, ok := f.instruments[instrument]
	if !ok {
		return nil, broker.ErrUnknownInstrument
	}
	return &info, nil
}

// SubscribeTicker implements broker.Client.
func (f *Fake) SubscribeTicker(instrument string, handler broker.TickerHandler) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.instruments[instrument]; !ok {
		return nil, broker.ErrUnknownInstrument
	}
	f.subscribers[instrument] = append(f.subscribers[instrument], handler)
	idx := len(f.subscribers[instrument]) - 1
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		subs := f.subscribers[instrument]
		if idx < len(subs) {
			f.subscribers[instrument] = append(subs[:idx], subs[idx+1:]...)
		}
	}, nil
}

// SupportsOTOCO implements broker.Client.
func (f *Fake) SupportsOTOCO() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.otoco
}

// IsConnected implements broker.Client.
func (f *Fake) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}
