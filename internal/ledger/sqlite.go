package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradebaas/engine/internal/database"
	"github.com/tradebaas/engine/pkg/types"
)

// sqlTimeFormat keeps a fixed fractional width so stored timestamps compare
// correctly as strings.
const sqlTimeFormat = "2006-01-02T15:04:05.000000000Z"

// Migrations is the forward-only schema history of the trade ledger.
// The partial unique index enforces the single-open-trade invariant at the
// storage layer, so concurrent RecordOpen calls cannot both succeed.
var Migrations = []database.Migration{
	{
		Version: 1,
		SQL: `
CREATE TABLE IF NOT EXISTS trades (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id        TEXT,
    strategy       TEXT    NOT NULL,
    instrument     TEXT    NOT NULL,
    side           TEXT    NOT NULL,
    entry_order_id TEXT    NOT NULL DEFAULT '',
    sl_order_id    TEXT    NOT NULL DEFAULT '',
    tp_order_id    TEXT    NOT NULL DEFAULT '',
    entry_price    TEXT    NOT NULL,
    amount         TEXT    NOT NULL,
    stop_loss      TEXT    NOT NULL DEFAULT '0',
    take_profit    TEXT    NOT NULL DEFAULT '0',
    entry_time     DATETIME NOT NULL,
    status         TEXT    NOT NULL DEFAULT 'open',
    exit_price     TEXT,
    exit_time      DATETIME,
    exit_reason    TEXT,
    pnl            TEXT,
    pnl_percent    TEXT
);

CREATE INDEX IF NOT EXISTS idx_trades_lookup
    ON trades(user_id, strategy, instrument, status, entry_time);

CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_single_open
    ON trades(COALESCE(user_id, ''), strategy, instrument)
    WHERE status = 'open';
`,
	},
}

// SQLStore is the durable embedded ledger backing.
type SQLStore struct {
	db     *database.DB
	logger *zap.Logger
}

// NewSQLStore opens the ledger database and applies pending migrations.
func NewSQLStore(logger *zap.Logger, dbPath string) (*SQLStore, error) {
	db, err := database.Open(dbPath)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(Migrations); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLStore{db: db, logger: logger.Named("trade-ledger")}, nil
}

// RecordOpen implements Store.
func (s *SQLStore) RecordOpen(ctx context.Context, record types.TradeRecord) (string, error) {
	res, err := s.db.Conn().ExecContext(ctx, `
		INSERT INTO trades
		(user_id, strategy, instrument, side, entry_order_id, sl_order_id, tp_order_id,
		 entry_price, amount, stop_loss, take_profit, entry_time, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'open')`,
		nullString(record.UserID),
		record.StrategyName,
		record.Instrument,
		string(record.Side),
		record.EntryOrderID,
		record.SlOrderID,
		record.TpOrderID,
		record.EntryPrice.String(),
		record.Amount.String(),
		record.StopLoss.String(),
		record.TakeProfit.String(),
		record.EntryTime.UTC().Format(sqlTimeFormat),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return "", ErrConflict
		}
		return "", fmt.Errorf("failed to record open trade: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return "", fmt.Errorf("failed to read trade id: %w", err)
	}
	return strconv.FormatInt(id, 10), nil
}

// RecordClose implements Store.
func (s *SQLStore) RecordClose(ctx context.Context, tradeID string, details CloseDetails) error {
	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin close: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM trades WHERE id = ?`, tradeID).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load trade %s: %w", tradeID, err)
	}
	if types.TradeStatus(status) == types.TradeStatusClosed {
		return ErrAlreadyClosed
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE trades
		SET status = 'closed', exit_price = ?, exit_time = ?, exit_reason = ?, pnl = ?, pnl_percent = ?
		WHERE id = ?`,
		details.ExitPrice.String(),
		details.ExitTime.UTC().Format(sqlTimeFormat),
		string(details.ExitReason),
		details.Pnl.String(),
		details.PnlPercent.String(),
		tradeID,
	)
	if err != nil {
		return fmt.Errorf("failed to close trade %s: %w", tradeID, err)
	}
	return tx.Commit()
}

// Query implements Store.
func (s *SQLStore) Query(ctx context.Context, filter Filter) ([]types.TradeRecord, error) {
	query := `SELECT id, user_id, strategy, instrument, side, entry_order_id, sl_order_id, tp_order_id,
		entry_price, amount, stop_loss, take_profit, entry_time, status,
		exit_price, exit_time, exit_reason, pnl, pnl_percent
		FROM trades WHERE 1=1`
	var args []any

	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.StrategyName != "" {
		query += ` AND strategy = ?`
		args = append(args, filter.StrategyName)
	}
	if filter.Instrument != "" {
		query += ` AND instrument = ?`
		args = append(args, filter.Instrument)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.From.IsZero() {
		query += ` AND entry_time >= ?`
		args = append(args, filter.From.UTC().Format(sqlTimeFormat))
	}
	if !filter.To.IsZero() {
		query += ` AND entry_time <= ?`
		args = append(args, filter.To.UTC().Format(sqlTimeFormat))
	}

	query += ` ORDER BY entry_time DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var out []types.TradeRecord
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Stats implements Store.
func (s *SQLStore) Stats(ctx context.Context, filter Filter) (*Stats, error) {
	filter.Status = types.TradeStatusClosed
	filter.Limit = 0
	filter.Offset = 0
	trades, err := s.Query(ctx, filter)
	if err != nil {
		return nil, err
	}
	return statsFromTrades(trades), nil
}

// RetroactiveSync implements Store.
func (s *SQLStore) RetroactiveSync(ctx context.Context, req SyncRequest) (string, error) {
	return s.RecordOpen(ctx, types.TradeRecord{
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
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func scanTrade(rows *sql.Rows) (types.TradeRecord, error) {
	var (
		t          types.TradeRecord
		id         int64
		userID     sql.NullString
		entryTime  string
		exitPrice  sql.NullString
		exitTime   sql.NullString
		exitReason sql.NullString
		pnl        sql.NullString
		pnlPercent sql.NullString
		entryPrice, amount, stopLoss, takeProfit string
	)

	err := rows.Scan(&id, &userID, &t.StrategyName, &t.Instrument, (*string)(&t.Side),
		&t.EntryOrderID, &t.SlOrderID, &t.TpOrderID,
		&entryPrice, &amount, &stopLoss, &takeProfit, &entryTime, (*string)(&t.Status),
		&exitPrice, &exitTime, &exitReason, &pnl, &pnlPercent)
	if err != nil {
		return t, fmt.Errorf("failed to scan trade: %w", err)
	}

	t.ID = strconv.FormatInt(id, 10)
	t.UserID = userID.String
	if t.EntryPrice, err = decimal.NewFromString(entryPrice); err != nil {
		return t, fmt.Errorf("bad entry_price for trade %d: %w", id, err)
	}
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return t, fmt.Errorf("bad amount for trade %d: %w", id, err)
	}
	t.StopLoss, _ = decimal.NewFromString(stopLoss)
	t.TakeProfit, _ = decimal.NewFromString(takeProfit)
	if ts, err := time.Parse(time.RFC3339Nano, entryTime); err == nil {
		t.EntryTime = ts
	}
	if exitPrice.Valid {
		t.ExitPrice, _ = decimal.NewFromString(exitPrice.String)
	}
	if exitTime.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, exitTime.String); err == nil {
			t.ExitTime = &ts
		}
	}
	if exitReason.Valid {
		t.ExitReason = types.ExitReason(exitReason.String)
	}
	if pnl.Valid {
		t.Pnl, _ = decimal.NewFromString(pnl.String)
	}
	if pnlPercent.Valid {
		t.PnlPercent, _ = decimal.NewFromString(pnlPercent.String)
	}
	return t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
