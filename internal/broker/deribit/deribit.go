// Package deribit implements the broker port over Deribit's JSON-RPC
// websocket API. The venue supports native OTOCO attachments, so a bracket
// collapses into a single placement call.
package deribit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tradebaas/engine/internal/broker"
	"github.com/tradebaas/engine/pkg/types"
)

const (
	mainnetURL = "wss://www.deribit.com/ws/api/v2"
	testnetURL = "wss://test.deribit.com/ws/api/v2"

	callTimeout      = 5 * time.Second
	reconnectMin     = time.Second
	reconnectMax     = 30 * time.Second
	// Deribit's public budget is 20 req/s with small bursts; stay under it.
	requestsPerSecond = 10
	requestBurst      = 5
)

// Config configures one authenticated Deribit connection.
type Config struct {
	Environment  string // "live" or "testnet"
	ClientID     string
	ClientSecret string
}

// Client is an authenticated Deribit websocket client shared by all of one
// user's executors.
type Client struct {
	logger  *zap.Logger
	cfg     Config
	url     string
	limiter *rate.Limiter

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	pending   map[int64]chan rpcResponse
	subs      map[string][]broker.TickerHandler
	closed    bool

	reqID atomic.Int64
	token string
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	Method string          `json:"method"`
	Params struct {
		Channel string          `json:"channel"`
		Data    json.RawMessage `json:"data"`
	} `json:"params"`
}

// New creates a disconnected client; call Connect before trading.
func New(logger *zap.Logger, cfg Config) *Client {
	url := mainnetURL
	if cfg.Environment == "testnet" {
		url = testnetURL
	}
	return &Client{
		logger:  logger.Named("deribit").With(zap.String("environment", cfg.Environment)),
		cfg:     cfg,
		url:     url,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), requestBurst),
		pending: make(map[int64]chan rpcResponse),
		subs:    make(map[string][]broker.TickerHandler),
	}
}

// Connect dials, authenticates, and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readLoop(conn)

	if err := c.authenticate(ctx); err != nil {
		c.teardown(conn)
		return err
	}

	c.logger.Info("Connected to Deribit")
	return nil
}

// Close shuts the connection down permanently.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.teardown(conn)
	}
}

func (c *Client) authenticate(ctx context.Context) error {
	var result struct {
		AccessToken string `json:"access_token"`
	}
	err := c.call(ctx, "public/auth", map[string]any{
		"grant_type":    "client_credentials",
		"client_id":     c.cfg.ClientID,
		"client_secret": c.cfg.ClientSecret,
	}, &result)
	if err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	c.mu.Lock()
	c.token = result.AccessToken
	c.mu.Unlock()
	return nil
}

// readLoop dispatches responses to pending calls and notifications to
// subscribers until the connection drops, then reconnects with backoff.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var msg rpcResponse
		if err := conn.ReadJSON(&msg); err != nil {
			c.onDisconnect(conn, err)
			return
		}

		switch {
		case msg.Method == "subscription":
			c.dispatchSubscription(msg)
		case msg.Method == "heartbeat" || strings.Contains(string(msg.Params.Data), "test_request"):
			go c.call(context.Background(), "public/test", nil, nil)
		default:
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			if ok {
				delete(c.pending, msg.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
		}
	}
}

func (c *Client) dispatchSubscription(msg rpcResponse) {
	channel := msg.Params.Channel
	if !strings.HasPrefix(channel, "ticker.") {
		return
	}

	var data struct {
		InstrumentName string  `json:"instrument_name"`
		LastPrice      float64 `json:"last_price"`
		MarkPrice      float64 `json:"mark_price"`
		Timestamp      int64   `json:"timestamp"`
	}
	if err := json.Unmarshal(msg.Params.Data, &data); err != nil {
		c.logger.Debug("Bad ticker payload", zap.Error(err))
		return
	}

	price := data.LastPrice
	if price == 0 {
		price = data.MarkPrice
	}
	update := types.TickerUpdate{
		Instrument: data.InstrumentName,
		Price:      decimal.NewFromFloat(price),
		Timestamp:  time.UnixMilli(data.Timestamp),
	}

	c.mu.Lock()
	handlers := append([]broker.TickerHandler(nil), c.subs[data.InstrumentName]...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(update)
	}
}

func (c *Client) onDisconnect(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.connected = false
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	closed := c.closed
	c.mu.Unlock()

	conn.Close()
	if closed {
		return
	}

	c.logger.Warn("Connection lost, reconnecting", zap.Error(cause))
	go c.reconnectLoop()
}

func (c *Client) reconnectLoop() {
	backoff := reconnectMin
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		time.Sleep(backoff)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			c.resubscribe()
			return
		}

		c.logger.Warn("Reconnect attempt failed", zap.Error(err))
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

func (c *Client) resubscribe() {
	c.mu.Lock()
	channels := make([]string, 0, len(c.subs))
	for instrument := range c.subs {
		channels = append(channels, "ticker."+instrument+".100ms")
	}
	c.mu.Unlock()

	if len(channels) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	if err := c.call(ctx, "public/subscribe", map[string]any{"channels": channels}, nil); err != nil {
		c.logger.Warn("Resubscribe failed", zap.Error(err))
	}
}

// call performs one JSON-RPC round trip under the rate budget.
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return broker.ErrTimeout
	}

	c.mu.Lock()
	if !c.connected || c.conn == nil {
		c.mu.Unlock()
		return broker.ErrDisconnected
	}
	id := c.reqID.Add(1)
	ch := make(chan rpcResponse, 1)
	c.pending[id] = ch
	conn := c.conn

	err := conn.WriteJSON(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		return broker.ErrDisconnected
	}
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return broker.ErrTimeout
	case resp, ok := <-ch:
		if !ok {
			return broker.ErrDisconnected
		}
		if resp.Error != nil {
			return mapError(resp.Error)
		}
		if out != nil {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("failed to decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

// mapError translates Deribit error codes into the broker taxonomy.
func mapError(e *rpcError) error {
	switch e.Code {
	case 10009, 10041: // not_enough_funds, settlement_in_progress
		return fmt.Errorf("%w: %s", broker.ErrInsufficientFunds, e.Message)
	case 10028, 10047: // too_many_requests, matching_engine_queue_full
		return broker.ErrRateLimited
	case 11044, 10004: // not_open_order, order_not_found
		return broker.ErrNotFound
	}
	msg := strings.ToLower(e.Message)
	switch {
	case strings.Contains(msg, "not_found") || strings.Contains(msg, "not open"):
		return broker.ErrNotFound
	case strings.Contains(msg, "too_many"):
		return broker.ErrRateLimited
	default:
		return broker.Rejection(fmt.Sprintf("%s (%d)", e.Message, e.Code))
	}
}

type orderState struct {
	Order struct {
		OrderID      string  `json:"order_id"`
		OrderState   string  `json:"order_state"`
		FilledAmount float64 `json:"filled_amount"`
		AveragePrice float64 `json:"average_price"`
		Label        string   `json:"label"`
		OtoOrderIDs  []string `json:"oto_order_ids"`
	} `json:"order"`
	Trades []struct {
		Price  float64 `json:"price"`
		Amount float64 `json:"amount"`
	} `json:"trades"`
}

// PlaceOrder implements broker.Client.
func (c *Client) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.OrderResult, error) {
	method := "private/buy"
	if req.Side == types.OrderSideSell {
		method = "private/sell"
	}

	params := map[string]any{
		"instrument_name": req.Instrument,
		"amount":          req.Amount.InexactFloat64(),
		"type":            string(req.Type),
		"label":           req.Label,
	}
	if req.Type == types.OrderTypeLimit {
		params["price"] = req.Price.InexactFloat64()
	}
	if req.Type == types.OrderTypeStopMarket {
		params["trigger_price"] = req.TriggerPrice.InexactFloat64()
		params["trigger"] = req.Trigger
	}
	if req.ReduceOnly {
		params["reduce_only"] = true
	}
	if req.OTOCO != nil {
		children := make([]map[string]any, 0, len(req.OTOCO.Children))
		for _, child := range req.OTOCO.Children {
			p := map[string]any{
				"amount":    child.Amount.InexactFloat64(),
				"direction": string(child.Side),
				"type":      string(child.Type),
				"label":     child.Label,
			}
			if child.ReduceOnly {
				p["reduce_only"] = true
			}
			if child.Type == types.OrderTypeLimit {
				p["price"] = child.Price.InexactFloat64()
			}
			if child.Type == types.OrderTypeStopMarket {
				p["trigger_price"] = child.TriggerPrice.InexactFloat64()
				p["trigger"] = child.Trigger
			}
			children = append(children, p)
		}
		params["otoco_config"] = children
		params["linked_order_type"] = req.OTOCO.LinkedOrderType
		params["trigger_fill_condition"] = req.OTOCO.TriggerFillCondition
	}

	var state orderState
	if err := c.call(ctx, method, params, &state); err != nil {
		return nil, err
	}

	result := &types.OrderResult{
		OrderID: state.Order.OrderID,
		Label:   state.Order.Label,
		Status:  mapOrderState(state.Order.OrderState),
	}
	result.FilledAmount = decimal.NewFromFloat(state.Order.FilledAmount)
	result.AvgPrice = decimal.NewFromFloat(state.Order.AveragePrice)
	result.ChildIDs = state.Order.OtoOrderIDs
	return result, nil
}

func mapOrderState(state string) types.OrderStatus {
	switch state {
	case "filled":
		return types.OrderStatusFilled
	case "open":
		return types.OrderStatusOpen
	case "untriggered":
		return types.OrderStatusUntriggered
	case "cancelled":
		return types.OrderStatusCancelled
	case "rejected":
		return types.OrderStatusRejected
	default:
		return types.OrderStatus(state)
	}
}

// CancelOrder implements broker.Client.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	return c.call(ctx, "private/cancel", map[string]any{"order_id": orderID}, nil)
}

// CancelAllForInstrument implements broker.Client.
func (c *Client) CancelAllForInstrument(ctx context.Context, instrument string) error {
	return c.call(ctx, "private/cancel_all_by_instrument", map[string]any{"instrument_name": instrument}, nil)
}

// ListOpenOrders implements broker.Client.
func (c *Client) ListOpenOrders(ctx context.Context, instrument string) ([]types.OrderSummary, error) {
	var raw []struct {
		OrderID      string  `json:"order_id"`
		Direction    string  `json:"direction"`
		OrderType    string  `json:"order_type"`
		Amount       float64 `json:"amount"`
		Price        float64 `json:"price"`
		TriggerPrice float64 `json:"trigger_price"`
		ReduceOnly   bool    `json:"reduce_only"`
		Label        string  `json:"label"`
	}
	err := c.call(ctx, "private/get_open_orders_by_instrument", map[string]any{"instrument_name": instrument}, &raw)
	if err != nil {
		return nil, err
	}

	out := make([]types.OrderSummary, 0, len(raw))
	for _, o := range raw {
		out = append(out, types.OrderSummary{
			OrderID:      o.OrderID,
			Instrument:   instrument,
			Side:         types.OrderSide(o.Direction),
			Type:         types.OrderType(o.OrderType),
			Amount:       decimal.NewFromFloat(o.Amount),
			Price:        decimal.NewFromFloat(o.Price),
			TriggerPrice: decimal.NewFromFloat(o.TriggerPrice),
			ReduceOnly:   o.ReduceOnly,
			Label:        o.Label,
		})
	}
	return out, nil
}

// deribitCurrencies is the set swept when the caller passes no currency.
var deribitCurrencies = []string{"BTC", "ETH", "USDC", "USDT"}

// ListPositions implements broker.Client.
func (c *Client) ListPositions(ctx context.Context, currency string) ([]types.Position, error) {
	currencies := []string{currency}
	if currency == "" {
		currencies = deribitCurrencies
	}

	var out []types.Position
	for _, cur := range currencies {
		var raw []struct {
			InstrumentName string  `json:"instrument_name"`
			Size           float64 `json:"size"`
			AveragePrice   float64 `json:"average_price"`
			MarkPrice      float64 `json:"mark_price"`
		}
		err := c.call(ctx, "private/get_positions", map[string]any{"currency": cur}, &raw)
		if err != nil {
			if errors.Is(err, broker.ErrRejected) && currency == "" {
				continue // currency without an account on this venue
			}
			return nil, err
		}
		for _, p := range raw {
			out = append(out, types.Position{
				Instrument: p.InstrumentName,
				Size:       decimal.NewFromFloat(p.Size),
				EntryPrice: decimal.NewFromFloat(p.AveragePrice),
				MarkPrice:  decimal.NewFromFloat(p.MarkPrice),
			})
		}
	}
	return out, nil
}

// GetInstrument implements broker.Client.
func (c *Client) GetInstrument(ctx context.Context, instrument string) (*types.InstrumentInfo, error) {
	var raw struct {
		TickSize       float64 `json:"tick_size"`
		MinTradeAmount float64 `json:"min_trade_amount"`
		ContractSize   float64 `json:"contract_size"`
	}
	err := c.call(ctx, "public/get_instrument", map[string]any{"instrument_name": instrument}, &raw)
	if err != nil {
		return nil, err
	}
	return &types.InstrumentInfo{
		Instrument:     instrument,
		TickSize:       decimal.NewFromFloat(raw.TickSize),
		MinTradeAmount: decimal.NewFromFloat(raw.MinTradeAmount),
		ContractSize:   decimal.NewFromFloat(raw.ContractSize),
	}, nil
}

// SubscribeTicker implements broker.Client.
func (c *Client) SubscribeTicker(instrument string, handler broker.TickerHandler) (func(), error) {
	c.mu.Lock()
	first := len(c.subs[instrument]) == 0
	c.subs[instrument] = append(c.subs[instrument], handler)
	idx := len(c.subs[instrument]) - 1
	c.mu.Unlock()

	if first {
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()
		err := c.call(ctx, "public/subscribe", map[string]any{
			"channels": []string{"ticker." + instrument + ".100ms"},
		}, nil)
		if err != nil {
			return nil, err
		}
	}

	return func() {
		c.mu.Lock()
		subs := c.subs[instrument]
		if idx < len(subs) {
			c.subs[instrument] = append(subs[:idx], subs[idx+1:]...)
		}
		empty := len(c.subs[instrument]) == 0
		if empty {
			delete(c.subs, instrument)
		}
		c.mu.Unlock()

		if empty {
			ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
			defer cancel()
			c.call(ctx, "public/unsubscribe", map[string]any{
				"channels": []string{"ticker." + instrument + ".100ms"},
			}, nil)
		}
	}, nil
}

// SupportsOTOCO implements broker.Client. Deribit accepts native OTOCO
// attachments on entry orders.
func (c *Client) SupportsOTOCO() bool {
	return true
}

// IsConnected implements broker.Client.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) teardown(conn *websocket.Conn) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
}
