package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 30, cfg.HeartbeatSeconds)
	assert.Equal(t, 300, cfg.ReconcileSeconds)
	assert.Equal(t, 60, cfg.OrphanSweepSeconds)
	assert.Equal(t, 5, cfg.DefaultCooldownMinutes)
	assert.Equal(t, 150, cfg.DefaultMaxDailyTrades)
	assert.Equal(t, 5000, cfg.BracketTimeoutMS)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StoreBackend = "postgres"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.StoreBackend = StoreBackendSQL
	cfg.TradeDBPath = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.StateDBURL = ""
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.HeartbeatSeconds = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.OrphanPositionPolicy = "ignore"
	assert.Error(t, cfg.Validate())
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("HEARTBEAT_SECONDS", "10")
	t.Setenv("ORPHAN_POSITION_POLICY", "alert")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, StoreBackendMemory, cfg.StoreBackend)
	assert.Equal(t, 10, cfg.HeartbeatSeconds)
	assert.Equal(t, "alert", cfg.OrphanPositionPolicy)
	// Untouched keys keep their defaults.
	assert.Equal(t, 300, cfg.ReconcileSeconds)
}

func TestCurrencyOf(t *testing.T) {
	assert.Equal(t, "BTC", CurrencyOf("BTC_USDC-PERPETUAL"))
	assert.Equal(t, "ETH", CurrencyOf("ETH-PERPETUAL"))
	assert.Equal(t, "SOL", CurrencyOf("SOL"))
}

func TestStrategyKeyString(t *testing.T) {
	key := StrategyKey{
		UserID:       "u1",
		StrategyName: "razor",
		Instrument:   "BTC_USDC-PERPETUAL",
		Broker:       "deribit",
		Environment:  "testnet",
	}
	assert.Equal(t, "u1:razor:BTC_USDC-PERPETUAL:deribit:testnet", key.String())
}

func TestOrderSideOpposite(t *testing.T) {
	assert.Equal(t, OrderSideSell, OrderSideBuy.Opposite())
	assert.Equal(t, OrderSideBuy, OrderSideSell.Opposite())
}
