// Package staterepo persists per-user strategy records. These records are the
// only restart-survivable knowledge of user intent; executor memory is
// derivative.
package staterepo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tradebaas/engine/internal/database"
	"github.com/tradebaas/engine/pkg/types"
)

// ErrNotFound means no record exists for the key.
var ErrNotFound = errors.New("staterepo: record not found")

// sqlTimeFormat keeps a fixed fractional width so stored timestamps compare
// correctly as strings.
const sqlTimeFormat = "2006-01-02T15:04:05.000000000Z"

// Migrations is the forward-only schema history of the strategy-state store.
var Migrations = []database.Migration{
	{
		Version: 1,
		SQL: `
CREATE TABLE IF NOT EXISTS strategy_records (
    user_id         TEXT NOT NULL,
    strategy        TEXT NOT NULL,
    instrument      TEXT NOT NULL,
    broker          TEXT NOT NULL,
    environment     TEXT NOT NULL,
    config          TEXT NOT NULL DEFAULT '{}',
    status          TEXT NOT NULL,
    auto_reconnect  INTEGER NOT NULL DEFAULT 0,
    last_action     TEXT NOT NULL DEFAULT '',
    connected_at    DATETIME,
    last_heartbeat  DATETIME,
    disconnected_at DATETIME,
    error_message   TEXT NOT NULL DEFAULT '',
    error_count     INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (user_id, strategy, instrument, broker, environment)
);

CREATE INDEX IF NOT EXISTS idx_strategy_records_resume
    ON strategy_records(status, auto_reconnect, user_id, connected_at);
`,
	},
}

// StatusPatch is a partial update applied by UpdateStatus.
type StatusPatch struct {
	Status         types.StrategyStatus
	AutoReconnect  *bool
	LastAction     types.LastAction
	ConnectedAt    *time.Time
	LastHeartbeat  *time.Time
	DisconnectedAt *time.Time
	ErrorMessage   *string
	ResetErrors    bool
	IncrementError bool
}

// Repository is the durable strategy-state store.
type Repository struct {
	db     *database.DB
	logger *zap.Logger
}

// New opens the strategy-state database and applies pending migrations.
func New(logger *zap.Logger, dbPath string) (*Repository, error) {
	db, err := database.Open(dbPath)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(Migrations); err != nil {
		db.Close()
		return nil, err
	}
	return &Repository{db: db, logger: logger.Named("staterepo")}, nil
}

// Close releases the database.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Upsert inserts or replaces the record for its key.
func (r *Repository) Upsert(ctx context.Context, record types.StrategyRecord) error {
	cfg, err := json.Marshal(record.Config)
	if err != nil {
		return fmt.Errorf("failed to serialise config: %w", err)
	}

	_, err = r.db.Conn().ExecContext(ctx, `
		INSERT INTO strategy_records
		(user_id, strategy, instrument, broker, environment, config, status, auto_reconnect,
		 last_action, connected_at, last_heartbeat, disconnected_at, error_message, error_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, strategy, instrument, broker, environment) DO UPDATE SET
		 config = excluded.config,
		 status = excluded.status,
		 auto_reconnect = excluded.auto_reconnect,
		 last_action = excluded.last_action,
		 connected_at = excluded.connected_at,
		 last_heartbeat = excluded.last_heartbeat,
		 disconnected_at = excluded.disconnected_at,
		 error_message = excluded.error_message,
		 error_count = excluded.error_count`,
		record.Key.UserID, record.Key.StrategyName, record.Key.Instrument,
		record.Key.Broker, record.Key.Environment,
		string(cfg), string(record.Status), boolToInt(record.AutoReconnect),
		string(record.LastAction), nullTime(&record.ConnectedAt), nullTime(&record.LastHeartbeat),
		nullTime(record.DisconnectedAt), record.ErrorMessage, record.ErrorCount,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert strategy record %s: %w", record.Key, err)
	}
	return nil
}

// FindByKey loads one record.
func (r *Repository) FindByKey(ctx context.Context, key types.StrategyKey) (*types.StrategyRecord, error) {
	rows, err := r.db.Conn().QueryContext(ctx, selectColumns+`
		WHERE user_id = ? AND strategy = ? AND instrument = ? AND broker = ? AND environment = ?`,
		key.UserID, key.StrategyName, key.Instrument, key.Broker, key.Environment)
	if err != nil {
		return nil, fmt.Errorf("failed to load strategy record: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, ErrNotFound
	}
	rec, err := scanRecord(rows)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// FindByUser returns the user's records, optionally narrowed to a broker and
// environment.
func (r *Repository) FindByUser(ctx context.Context, userID, brokerName, environment string) ([]types.StrategyRecord, error) {
	query := selectColumns + ` WHERE user_id = ?`
	args := []any{userID}
	if brokerName != "" {
		query += ` AND broker = ?`
		args = append(args, brokerName)
	}
	if environment != "" {
		query += ` AND environment = ?`
		args = append(args, environment)
	}
	query += ` ORDER BY connected_at DESC`

	return r.queryRecords(ctx, query, args...)
}

// FindAllToResume feeds auto-resume: every active record with autoReconnect
// across all users, ordered (userId, connectedAt).
func (r *Repository) FindAllToResume(ctx context.Context, brokerName, environment string) ([]types.StrategyRecord, error) {
	query := selectColumns + ` WHERE status = 'active' AND auto_reconnect = 1`
	var args []any
	if brokerName != "" {
		query += ` AND broker = ?`
		args = append(args, brokerName)
	}
	if environment != "" {
		query += ` AND environment = ?`
		args = append(args, environment)
	}
	query += ` ORDER BY user_id, connected_at`

	return r.queryRecords(ctx, query, args...)
}

// FindStale returns active records whose heartbeat is older than the cutoff.
func (r *Repository) FindStale(ctx context.Context, cutoff time.Time) ([]types.StrategyRecord, error) {
	return r.queryRecords(ctx, selectColumns+`
		WHERE status = 'active' AND (last_heartbeat IS NULL OR last_heartbeat < ?)`,
		cutoff.UTC().Format(sqlTimeFormat))
}

// UpdateStatus applies a partial status update transactionally.
func (r *Repository) UpdateStatus(ctx context.Context, key types.StrategyKey, patch StatusPatch) error {
	set := `status = ?`
	args := []any{string(patch.Status)}

	if patch.AutoReconnect != nil {
		set += `, auto_reconnect = ?`
		args = append(args, boolToInt(*patch.AutoReconnect))
	}
	if patch.LastAction != "" {
		set += `, last_action = ?`
		args = append(args, string(patch.LastAction))
	}
	if patch.ConnectedAt != nil {
		set += `, connected_at = ?`
		args = append(args, patch.ConnectedAt.UTC().Format(sqlTimeFormat))
	}
	if patch.LastHeartbeat != nil {
		set += `, last_heartbeat = ?`
		args = append(args, patch.LastHeartbeat.UTC().Format(sqlTimeFormat))
	}
	if patch.DisconnectedAt != nil {
		set += `, disconnected_at = ?`
		args = append(args, patch.DisconnectedAt.UTC().Format(sqlTimeFormat))
	}
	if patch.ErrorMessage != nil {
		set += `, error_message = ?`
		args = append(args, *patch.ErrorMessage)
	}
	if patch.ResetErrors {
		set += `, error_message = '', error_count = 0`
	}
	if patch.IncrementError {
		set += `, error_count = error_count + 1`
	}

	args = append(args, key.UserID, key.StrategyName, key.Instrument, key.Broker, key.Environment)
	res, err := r.db.Conn().ExecContext(ctx, `UPDATE strategy_records SET `+set+`
		WHERE user_id = ? AND strategy = ? AND instrument = ? AND broker = ? AND environment = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update status for %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateHeartbeat advances last_heartbeat. Fire-and-forget callers ignore the
// error beyond logging.
func (r *Repository) UpdateHeartbeat(ctx context.Context, key types.StrategyKey, ts time.Time) error {
	_, err := r.db.Conn().ExecContext(ctx, `
		UPDATE strategy_records SET last_heartbeat = ?
		WHERE user_id = ? AND strategy = ? AND instrument = ? AND broker = ? AND environment = ?`,
		ts.UTC().Format(sqlTimeFormat),
		key.UserID, key.StrategyName, key.Instrument, key.Broker, key.Environment)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat for %s: %w", key, err)
	}
	return nil
}

// MarkDisconnected records a stop or disconnect.
func (r *Repository) MarkDisconnected(ctx context.Context, key types.StrategyKey, status types.StrategyStatus, autoReconnect bool, action types.LastAction) error {
	now := time.Now()
	return r.UpdateStatus(ctx, key, StatusPatch{
		Status:         status,
		AutoReconnect:  &autoReconnect,
		LastAction:     action,
		DisconnectedAt: &now,
	})
}

const selectColumns = `SELECT user_id, strategy, instrument, broker, environment, config, status,
	auto_reconnect, last_action, connected_at, last_heartbeat, disconnected_at, error_message, error_count
	FROM strategy_records`

func (r *Repository) queryRecords(ctx context.Context, query string, args ...any) ([]types.StrategyRecord, error) {
	rows, err := r.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query strategy records: %w", err)
	}
	defer rows.Close()

	var out []types.StrategyRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(rows *sql.Rows) (types.StrategyRecord, error) {
	var (
		rec            types.StrategyRecord
		cfg            string
		autoReconnect  int
		connectedAt    sql.NullString
		lastHeartbeat  sql.NullString
		disconnectedAt sql.NullString
	)

	err := rows.Scan(&rec.Key.UserID, &rec.Key.StrategyName, &rec.Key.Instrument,
		&rec.Key.Broker, &rec.Key.Environment, &cfg, (*string)(&rec.Status),
		&autoReconnect, (*string)(&rec.LastAction), &connectedAt, &lastHeartbeat,
		&disconnectedAt, &rec.ErrorMessage, &rec.ErrorCount)
	if err != nil {
		return rec, fmt.Errorf("failed to scan strategy record: %w", err)
	}

	rec.AutoReconnect = autoReconnect != 0
	if err := json.Unmarshal([]byte(cfg), &rec.Config); err != nil {
		return rec, fmt.Errorf("corrupt config for %s: %w", rec.Key, err)
	}
	if ts, ok := parseTime(connectedAt); ok {
		rec.ConnectedAt = ts
	}
	if ts, ok := parseTime(lastHeartbeat); ok {
		rec.LastHeartbeat = ts
	}
	if ts, ok := parseTime(disconnectedAt); ok {
		rec.DisconnectedAt = &ts
	}
	return rec, nil
}

func parseTime(ns sql.NullString) (time.Time, bool) {
	if !ns.Valid || ns.String == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().Format(sqlTimeFormat)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
