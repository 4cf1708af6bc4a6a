// Package types provides configuration types for the trading engine.
package types

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// StoreBackend selects the trade-ledger backing.
type StoreBackend string

const (
	StoreBackendMemory StoreBackend = "memory"
	StoreBackendSQL    StoreBackend = "sql"
)

// Config is the process-wide configuration, environment-variable shaped.
type Config struct {
	StoreBackend StoreBackend `json:"storeBackend"`
	StateDBURL   string       `json:"stateDbUrl"`
	TradeDBPath  string       `json:"tradeDbPath"`

	HeartbeatSeconds   int `json:"heartbeatSeconds"`
	ReconcileSeconds   int `json:"reconcileSeconds"`
	OrphanSweepSeconds int `json:"orphanSweepSeconds"`

	DefaultCooldownMinutes int `json:"defaultCooldownMinutes"`
	DefaultMaxDailyTrades  int `json:"defaultMaxDailyTrades"`

	BracketTimeoutMS int `json:"bracketTimeoutMs"`

	// Reconciliation behaviour for broker positions with no ledger row:
	// "sync" records them retroactively, "alert" only logs.
	OrphanPositionPolicy string `json:"orphanPositionPolicy"`

	Host        string `json:"host"`
	Port        int    `json:"port"`
	MetricsPath string `json:"metricsPath"`
	LogLevel    string `json:"logLevel"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		StoreBackend:           StoreBackendSQL,
		StateDBURL:             "./data/state.db",
		TradeDBPath:            "./data/trades.db",
		HeartbeatSeconds:       30,
		ReconcileSeconds:       300,
		OrphanSweepSeconds:     60,
		DefaultCooldownMinutes: 5,
		DefaultMaxDailyTrades:  150,
		BracketTimeoutMS:       5000,
		OrphanPositionPolicy:   "sync",
		Host:                   "0.0.0.0",
		Port:                   8080,
		MetricsPath:            "/metrics",
		LogLevel:               "info",
	}
}

// LoadConfig reads configuration from the environment via viper.
func LoadConfig() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	def := DefaultConfig()
	v.SetDefault("STORE_BACKEND", string(def.StoreBackend))
	v.SetDefault("STATE_DB_URL", def.StateDBURL)
	v.SetDefault("TRADE_DB_PATH", def.TradeDBPath)
	v.SetDefault("HEARTBEAT_SECONDS", def.HeartbeatSeconds)
	v.SetDefault("RECONCILE_SECONDS", def.ReconcileSeconds)
	v.SetDefault("ORPHAN_SWEEP_SECONDS", def.OrphanSweepSeconds)
	v.SetDefault("DEFAULT_COOLDOWN_MINUTES", def.DefaultCooldownMinutes)
	v.SetDefault("DEFAULT_MAX_DAILY_TRADES", def.DefaultMaxDailyTrades)
	v.SetDefault("BRACKET_TIMEOUT_MS", def.BracketTimeoutMS)
	v.SetDefault("ORPHAN_POSITION_POLICY", def.OrphanPositionPolicy)
	v.SetDefault("HOST", def.Host)
	v.SetDefault("PORT", def.Port)
	v.SetDefault("METRICS_PATH", def.MetricsPath)
	v.SetDefault("LOG_LEVEL", def.LogLevel)

	cfg := Config{
		StoreBackend:           StoreBackend(v.GetString("STORE_BACKEND")),
		StateDBURL:             v.GetString("STATE_DB_URL"),
		TradeDBPath:            v.GetString("TRADE_DB_PATH"),
		HeartbeatSeconds:       v.GetInt("HEARTBEAT_SECONDS"),
		ReconcileSeconds:       v.GetInt("RECONCILE_SECONDS"),
		OrphanSweepSeconds:     v.GetInt("ORPHAN_SWEEP_SECONDS"),
		DefaultCooldownMinutes: v.GetInt("DEFAULT_COOLDOWN_MINUTES"),
		DefaultMaxDailyTrades:  v.GetInt("DEFAULT_MAX_DAILY_TRADES"),
		BracketTimeoutMS:       v.GetInt("BRACKET_TIMEOUT_MS"),
		OrphanPositionPolicy:   v.GetString("ORPHAN_POSITION_POLICY"),
		Host:                   v.GetString("HOST"),
		Port:                   v.GetInt("PORT"),
		MetricsPath:            v.GetString("METRICS_PATH"),
		LogLevel:               v.GetString("LOG_LEVEL"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the process cannot run with.
func (c Config) Validate() error {
	switch c.StoreBackend {
	case StoreBackendMemory, StoreBackendSQL:
	default:
		return fmt.Errorf("invalid STORE_BACKEND %q", c.StoreBackend)
	}
	if c.StoreBackend == StoreBackendSQL && c.TradeDBPath == "" {
		return fmt.Errorf("TRADE_DB_PATH required for sql backend")
	}
	if c.StateDBURL == "" {
		return fmt.Errorf("STATE_DB_URL required")
	}
	if c.HeartbeatSeconds <= 0 || c.ReconcileSeconds <= 0 || c.OrphanSweepSeconds <= 0 {
		return fmt.Errorf("intervals must be positive")
	}
	if c.BracketTimeoutMS <= 0 {
		return fmt.Errorf("BRACKET_TIMEOUT_MS must be positive")
	}
	switch c.OrphanPositionPolicy {
	case "sync", "alert":
	default:
		return fmt.Errorf("invalid ORPHAN_POSITION_POLICY %q", c.OrphanPositionPolicy)
	}
	return nil
}

// HeartbeatPeriod returns the heartbeat interval as a duration.
func (c Config) HeartbeatPeriod() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// BracketTimeout returns the per-leg bracket placement timeout.
func (c Config) BracketTimeout() time.Duration {
	return time.Duration(c.BracketTimeoutMS) * time.Millisecond
}
