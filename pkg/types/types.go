// Package types provides shared type definitions for the trading engine.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType represents the type of order
type OrderType string

const (
	OrderTypeMarket     OrderType = "market"
	OrderTypeLimit      OrderType = "limit"
	OrderTypeStopMarket OrderType = "stop_market"
)

// OrderStatus represents the status of an order as reported by the broker
type OrderStatus string

const (
	OrderStatusOpen        OrderStatus = "open"
	OrderStatusFilled      OrderStatus = "filled"
	OrderStatusCancelled   OrderStatus = "cancelled"
	OrderStatusRejected    OrderStatus = "rejected"
	OrderStatusUntriggered OrderStatus = "untriggered"
)

// OTOCOChild is one protective leg of a one-triggers-one-cancels-other
// attachment submitted together with the entry order.
type OTOCOChild struct {
	Type         OrderType       `json:"type"`
	Side         OrderSide       `json:"side"`
	Amount       decimal.Decimal `json:"amount"`
	Price        decimal.Decimal `json:"price,omitempty"`
	TriggerPrice decimal.Decimal `json:"triggerPrice,omitempty"`
	Trigger      string          `json:"trigger,omitempty"`
	ReduceOnly   bool            `json:"reduceOnly"`
	Label        string          `json:"label"`
}

// OTOCOConfig describes a native broker OTOCO attachment.
type OTOCOConfig struct {
	LinkedOrderType      string       `json:"linkedOrderType"`
	TriggerFillCondition string       `json:"triggerFillCondition"`
	Children             []OTOCOChild `json:"children"`
}

// OTOCO attachment constants per the Deribit wire contract.
const (
	LinkedOneTriggersOneCancelsOther = "one_triggers_one_cancels_other"
	TriggerFillConditionFirstHit     = "first_hit"
	TriggerMarkPrice                 = "mark_price"
)

// OrderRequest is a broker-agnostic order placement request.
type OrderRequest struct {
	Instrument   string          `json:"instrument"`
	Side         OrderSide       `json:"side"`
	Type         OrderType       `json:"type"`
	Amount       decimal.Decimal `json:"amount"`
	Price        decimal.Decimal `json:"price,omitempty"`
	TriggerPrice decimal.Decimal `json:"triggerPrice,omitempty"`
	Trigger      string          `json:"trigger,omitempty"`
	ReduceOnly   bool            `json:"reduceOnly"`
	Label        string          `json:"label"`
	OTOCO        *OTOCOConfig    `json:"otoco,omitempty"`
}

// OrderResult is the broker's answer to a placement request.
type OrderResult struct {
	OrderID      string          `json:"orderId"`
	Label        string          `json:"label"`
	Status       OrderStatus     `json:"status"`
	FilledAmount decimal.Decimal `json:"filledAmount"`
	AvgPrice     decimal.Decimal `json:"avgPrice"`
	ChildIDs     []string        `json:"childIds,omitempty"`
}

// OrderSummary is a broker-reported open order.
type OrderSummary struct {
	OrderID      string          `json:"orderId"`
	Instrument   string          `json:"instrument"`
	Side         OrderSide       `json:"side"`
	Type         OrderType       `json:"type"`
	Amount       decimal.Decimal `json:"amount"`
	Price        decimal.Decimal `json:"price"`
	TriggerPrice decimal.Decimal `json:"triggerPrice"`
	ReduceOnly   bool            `json:"reduceOnly"`
	Label        string          `json:"label"`
}

// Position is a broker-reported net position. Size is signed: positive for
// long, negative for short.
type Position struct {
	Instrument string          `json:"instrument"`
	Size       decimal.Decimal `json:"size"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	MarkPrice  decimal.Decimal `json:"markPrice"`
}

// InstrumentInfo carries the contract parameters needed to round orders.
type InstrumentInfo struct {
	Instrument     string          `json:"instrument"`
	TickSize       decimal.Decimal `json:"tickSize"`
	MinTradeAmount decimal.Decimal `json:"minTradeAmount"`
	ContractSize   decimal.Decimal `json:"contractSize"`
}

// TickerUpdate is a single price update delivered to a subscriber.
type TickerUpdate struct {
	Instrument string          `json:"instrument"`
	Price      decimal.Decimal `json:"price"`
	Timestamp  time.Time       `json:"timestamp"`
}

// CurrencyOf derives the settlement currency from an instrument name, e.g.
// "BTC_USDC-PERPETUAL" -> "BTC".
func CurrencyOf(instrument string) string {
	if i := strings.IndexAny(instrument, "_-"); i > 0 {
		return instrument[:i]
	}
	return instrument
}

// StrategyStatus is the persisted lifecycle status of a strategy record.
type StrategyStatus string

const (
	StrategyStatusActive  StrategyStatus = "active"
	StrategyStatusStopped StrategyStatus = "stopped"
	StrategyStatusPaused  StrategyStatus = "paused"
	StrategyStatusError   StrategyStatus = "error"
)

// LastAction records what last touched a strategy record.
type LastAction string

const (
	LastActionManualStart       LastAction = "manual_start"
	LastActionManualStop        LastAction = "manual_stop"
	LastActionAutoResume        LastAction = "auto_resume"
	LastActionAutoResumeSkipped LastAction = "auto_resume_skipped"
	LastActionAutoResumeFailed  LastAction = "auto_resume_failed"
	LastActionExecutionError    LastAction = "execution_error"
)

// StrategyKey uniquely identifies a running strategy instance.
type StrategyKey struct {
	UserID       string `json:"userId"`
	StrategyName string `json:"strategyName"`
	Instrument   string `json:"instrument"`
	Broker       string `json:"broker"`
	Environment  string `json:"environment"`
}

// String renders the composite key used by the live map and logs.
func (k StrategyKey) String() string {
	return fmt.Sprintf("%s:%s:%s:%s:%s", k.UserID, k.StrategyName, k.Instrument, k.Broker, k.Environment)
}

// StrategyRecord is the durable per-user strategy state. It is the only
// restart-survivable knowledge of user intent.
type StrategyRecord struct {
	Key            StrategyKey    `json:"key"`
	Config         map[string]any `json:"config"`
	Status         StrategyStatus `json:"status"`
	AutoReconnect  bool           `json:"autoReconnect"`
	LastAction     LastAction     `json:"lastAction"`
	ConnectedAt    time.Time      `json:"connectedAt"`
	LastHeartbeat  time.Time      `json:"lastHeartbeat"`
	DisconnectedAt *time.Time     `json:"disconnectedAt,omitempty"`
	ErrorMessage   string         `json:"errorMessage,omitempty"`
	ErrorCount     int            `json:"errorCount"`
}

// TradeStatus is the ledger lifecycle state of a trade.
type TradeStatus string

const (
	TradeStatusOpen   TradeStatus = "open"
	TradeStatusClosed TradeStatus = "closed"
)

// ExitReason classifies how a position closed.
type ExitReason string

const (
	ExitReasonSLHit  ExitReason = "sl_hit"
	ExitReasonTPHit  ExitReason = "tp_hit"
	ExitReasonManual ExitReason = "manual"
)

// TradeRecord is one ledger row: a position from open to close.
type TradeRecord struct {
	ID           string          `json:"id"`
	UserID       string          `json:"userId,omitempty"` // empty for legacy rows
	StrategyName string          `json:"strategyName"`
	Instrument   string          `json:"instrument"`
	Side         OrderSide       `json:"side"`
	EntryOrderID string          `json:"entryOrderId"`
	SlOrderID    string          `json:"slOrderId"`
	TpOrderID    string          `json:"tpOrderId"`
	EntryPrice   decimal.Decimal `json:"entryPrice"`
	Amount       decimal.Decimal `json:"amount"`
	StopLoss     decimal.Decimal `json:"stopLoss"`
	TakeProfit   decimal.Decimal `json:"takeProfit"`
	EntryTime    time.Time       `json:"entryTime"`
	Status       TradeStatus     `json:"status"`

	ExitPrice  decimal.Decimal `json:"exitPrice,omitempty"`
	ExitTime   *time.Time      `json:"exitTime,omitempty"`
	Pnl        decimal.Decimal `json:"pnl,omitempty"`
	PnlPercent decimal.Decimal `json:"pnlPercent,omitempty"`
	ExitReason ExitReason      `json:"exitReason,omitempty"`
}
