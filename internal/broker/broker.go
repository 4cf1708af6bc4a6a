// Package broker defines the abstract broker capability the engine trades
// through. Everything the core consumes is here; no broker-specific types
// leak upward.
package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/tradebaas/engine/pkg/types"
)

// Transient and terminal broker fault taxonomy. Callers match with errors.Is.
var (
	ErrRejected           = errors.New("broker: order rejected")
	ErrInsufficientFunds  = errors.New("broker: insufficient funds")
	ErrRateLimited        = errors.New("broker: rate limited")
	ErrTimeout            = errors.New("broker: timeout")
	ErrDisconnected       = errors.New("broker: disconnected")
	ErrNotFound           = errors.New("broker: not found")
	ErrUnknownInstrument  = errors.New("broker: unknown instrument")
)

// TickerHandler receives price updates for a subscribed instrument. Handlers
// are called on the broker's delivery goroutine and must not block; the broker
// does not buffer or coalesce updates for slow handlers.
type TickerHandler func(types.TickerUpdate)

// Client is the per-broker trading capability. Implementations are safe for
// concurrent use by all executors of one user and carry their own
// request-rate budget.
type Client interface {
	// PlaceOrder submits an order, optionally with a native OTOCO
	// attachment. Bounded timeout; fails with the taxonomy above.
	PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.OrderResult, error)

	// CancelOrder cancels by id. ErrNotFound means the order is already
	// gone, which callers treat as success.
	CancelOrder(ctx context.Context, orderID string) error

	// CancelAllForInstrument cancels every resting order on the instrument.
	CancelAllForInstrument(ctx context.Context, instrument string) error

	// ListOpenOrders returns resting orders for the instrument.
	ListOpenOrders(ctx context.Context, instrument string) ([]types.OrderSummary, error)

	// ListPositions returns net positions for the settlement currency.
	// An empty currency returns positions across all currencies.
	ListPositions(ctx context.Context, currency string) ([]types.Position, error)

	// GetInstrument returns contract parameters for order rounding.
	GetInstrument(ctx context.Context, instrument string) (*types.InstrumentInfo, error)

	// SubscribeTicker registers a price handler. The returned function
	// removes the subscription.
	SubscribeTicker(instrument string, handler TickerHandler) (unsubscribe func(), err error)

	// SupportsOTOCO reports whether the venue accepts a native
	// one-triggers-one-cancels-other attachment on the entry order.
	SupportsOTOCO() bool

	// IsConnected reports live connection state.
	IsConnected() bool
}

// IsTransient reports whether the fault should be retried on the next tick
// rather than escalated.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimited) || errors.Is(err, ErrDisconnected)
}

// Rejection wraps a venue rejection with its reason for logging.
func Rejection(reason string) error {
	return fmt.Errorf("%w: %s", ErrRejected, reason)
}
