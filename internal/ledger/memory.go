package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/tradebaas/engine/pkg/types"
)

// MemoryStore is the ephemeral ledger backing for development and tests.
type MemoryStore struct {
	mu     sync.Mutex
	trades map[string]types.TradeRecord
	order  []string // insertion order, oldest first
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trades: make(map[string]types.TradeRecord)}
}

// RecordOpen implements Store.
func (m *MemoryStore) RecordOpen(_ context.Context, record types.TradeRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.trades {
		if t.Status == types.TradeStatusOpen &&
			t.UserID == record.UserID &&
			t.StrategyName == record.StrategyName &&
			t.Instrument == record.Instrument {
			return "", ErrConflict
		}
	}

	record.ID = uuid.NewString()
	record.Status = types.TradeStatusOpen
	m.trades[record.ID] = record
	m.order = append(m.order, record.ID)
	return record.ID, nil
}

// RecordClose implements Store.
func (m *MemoryStore) RecordClose(_ context.Context, tradeID string, details CloseDetails) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.trades[tradeID]
	if !ok {
		return ErrNotFound
	}
	if t.Status == types.TradeStatusClosed {
		return ErrAlreadyClosed
	}

	t.Status = types.TradeStatusClosed
	t.ExitPrice = details.ExitPrice
	exitTime := details.ExitTime
	t.ExitTime = &exitTime
	t.ExitReason = details.ExitReason
	t.Pnl = details.Pnl
	t.PnlPercent = details.PnlPercent
	m.trades[tradeID] = t
	return nil
}

// Query implements Store.
func (m *MemoryStore) Query(_ context.Context, filter Filter) ([]types.TradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []types.TradeRecord
	for _, id := range m.order {
		t := m.trades[id]
		if !matches(t, filter) {
			continue
		}
		out = append(out, t)
	}

	// Newest first.
	sort.SliceStable(out, func(i, j int) bool { return out[i].EntryTime.After(out[j].EntryTime) })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Stats implements Store.
func (m *MemoryStore) Stats(ctx context.Context, filter Filter) (*Stats, error) {
	filter.Status = types.TradeStatusClosed
	filter.Limit = 0
	filter.Offset = 0
	trades, err := m.Query(ctx, filter)
	if err != nil {
		return nil, err
	}
	return statsFromTrades(trades), nil
}

// RetroactiveSync implements Store.
func (m *MemoryStore) RetroactiveSync(ctx context.Context, req SyncRequest) (string, error) {
	return m.RecordOpen(ctx, types.TradeRecord{
		UserID:       req.UserID,
		StrategyName: req.StrategyName,
		Instrument:   req.Instrument,
		Side:         req.Side,
		EntryPrice:   req.EntryPrice,
		Amount:       req.Amount,
		StopLoss:     req.StopLoss,
		TakeProfit:   req.TakeProfit,
		EntryTime:    req.EntryTime,
	})
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	return nil
}

func matches(t types.TradeRecord, f Filter) bool {
	if f.UserID != "" && t.UserID != f.UserID {
		return false
	}
	if f.StrategyName != "" && t.StrategyName != f.StrategyName {
		return false
	}
	if f.Instrument != "" && t.Instrument != f.Instrument {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if !f.From.IsZero() && t.EntryTime.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && t.EntryTime.After(f.To) {
		return false
	}
	return true
}
