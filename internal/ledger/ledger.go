// Package ledger provides the durable per-user trade history: open/close
// lifecycle, PnL, exit classification, and aggregate statistics. Two
// interchangeable backings exist; the interface is identical.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradebaas/engine/pkg/types"
)

var (
	// ErrConflict means an open trade already exists for the same
	// (user, strategy, instrument) — the single-open-trade invariant.
	ErrConflict = errors.New("ledger: open trade already exists")
	// ErrNotFound means no trade with the given id exists.
	ErrNotFound = errors.New("ledger: trade not found")
	// ErrAlreadyClosed means the trade was closed before.
	ErrAlreadyClosed = errors.New("ledger: trade already closed")
)

// CloseDetails carries everything RecordClose writes on a trade.
type CloseDetails struct {
	ExitPrice  decimal.Decimal
	ExitTime   time.Time
	ExitReason types.ExitReason
	Pnl        decimal.Decimal
	PnlPercent decimal.Decimal
}

// Filter narrows Query and Stats.
type Filter struct {
	UserID       string
	StrategyName string
	Instrument   string
	Status       types.TradeStatus
	From         time.Time
	To           time.Time
	Limit        int
	Offset       int
}

// Stats is the aggregate view over closed trades.
type Stats struct {
	Trades   int             `json:"trades"`
	WinRate  decimal.Decimal `json:"winRate"`
	TotalPnl decimal.Decimal `json:"totalPnl"`
	AvgPnl   decimal.Decimal `json:"avgPnl"`
	Best     decimal.Decimal `json:"best"`
	Worst    decimal.Decimal `json:"worst"`
	SlHits   int             `json:"slHits"`
	TpHits   int             `json:"tpHits"`
}

// SyncRequest records an existing broker position whose opening this process
// did not witness.
type SyncRequest struct {
	UserID       string
	StrategyName string
	Instrument   string
	Side         types.OrderSide
	EntryPrice   decimal.Decimal
	Amount       decimal.Decimal
	StopLoss     decimal.Decimal
	TakeProfit   decimal.Decimal
	EntryTime    time.Time
}

// Store is the trade ledger contract.
type Store interface {
	// RecordOpen inserts an open trade, atomically rejecting with
	// ErrConflict when an open row already exists for the same
	// (UserID, StrategyName, Instrument).
	RecordOpen(ctx context.Context, record types.TradeRecord) (string, error)

	// RecordClose closes a trade. ErrNotFound / ErrAlreadyClosed on misuse.
	RecordClose(ctx context.Context, tradeID string, details CloseDetails) error

	// Query returns trades matching the filter, newest first.
	Query(ctx context.Context, filter Filter) ([]types.TradeRecord, error)

	// Stats aggregates closed trades matching the filter.
	Stats(ctx context.Context, filter Filter) (*Stats, error)

	// RetroactiveSync adopts an unwitnessed broker position as an open trade.
	RetroactiveSync(ctx context.Context, req SyncRequest) (string, error)

	// Close releases backing resources.
	Close() error
}

// ClassifyExit computes the exit reason from proximity to the protective
// prices when the broker does not volunteer one: closer to TP is tp_hit,
// closer to SL is sl_hit, equidistant or missing info is manual.
func ClassifyExit(exitPrice, stopLoss, takeProfit decimal.Decimal) types.ExitReason {
	if stopLoss.IsZero() || takeProfit.IsZero() {
		return types.ExitReasonManual
	}
	distTP := exitPrice.Sub(takeProfit).Abs()
	distSL := exitPrice.Sub(stopLoss).Abs()
	switch {
	case distTP.LessThan(distSL):
		return types.ExitReasonTPHit
	case distSL.LessThan(distTP):
		return types.ExitReasonSLHit
	default:
		return types.ExitReasonManual
	}
}

// ComputePnl returns (pnl, pnlPercent). Fees are not modelled.
func ComputePnl(side types.OrderSide, entryPrice, exitPrice, amount decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	direction := decimal.NewFromInt(1)
	if side == types.OrderSideSell {
		direction = decimal.NewFromInt(-1)
	}
	pnl := exitPrice.Sub(entryPrice).Mul(amount).Mul(direction)

	notional := entryPrice.Mul(amount)
	if notional.IsZero() {
		return pnl, decimal.Zero
	}
	return pnl, pnl.Div(notional)
}

// statsFromTrades folds closed trades into a Stats value. Shared by both
// backends so the arithmetic cannot drift.
func statsFromTrades(trades []types.TradeRecord) *Stats {
	s := &Stats{}
	wins := 0
	first := true
	for _, t := range trades {
		if t.Status != types.TradeStatusClosed {
			continue
		}
		s.Trades++
		s.TotalPnl = s.TotalPnl.Add(t.Pnl)
		if t.Pnl.IsPositive() {
			wins++
		}
		if first || t.Pnl.GreaterThan(s.Best) {
			s.Best = t.Pnl
		}
		if first || t.Pnl.LessThan(s.Worst) {
			s.Worst = t.Pnl
		}
		first = false
		switch t.ExitReason {
		case types.ExitReasonSLHit:
			s.SlHits++
		case types.ExitReasonTPHit:
			s.TpHits++
		}
	}
	if s.Trades > 0 {
		s.WinRate = decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(s.Trades)))
		s.AvgPnl = s.TotalPnl.Div(decimal.NewFromInt(int64(s.Trades)))
	}
	return s
}
