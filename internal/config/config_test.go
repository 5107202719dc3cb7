package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "sqlite")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8082", cfg.Port)
	assert.Equal(t, "data/reconciler.db", cfg.DatabaseURL)
	assert.Equal(t, BackendEthereum, cfg.ChainBackend)
	assert.Equal(t, "ethereum", cfg.ChainName)
	assert.Equal(t, uint64(3), cfg.MinConfirmations)
	assert.Equal(t, uint64(12), cfg.ReorgSafetyWindow)
	assert.Equal(t, uint64(100), cfg.ForceCheckDepth)
	assert.Equal(t, int64(200), cfg.ToleranceBps)
	assert.Equal(t, map[string]int32{"ETH": 18, "BTC": 8}, cfg.AssetDecimals)
	assert.Equal(t, 10*time.Second, cfg.WebhookTimeout)
	assert.Equal(t, 30*time.Second, cfg.WebhookBaseDelay)
	assert.Equal(t, time.Hour, cfg.WebhookMaxDelay)
	assert.Equal(t, 72*time.Hour, cfg.ProcessedTTL)
	assert.Empty(t, cfg.Brokers())
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/payments?sslmode=disable")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")
	t.Setenv("CHAIN_BACKEND", "Bitcoin")
	t.Setenv("CHAIN_NAME", "btc-testnet")
	t.Setenv("MIN_CONFIRMATIONS", "6")
	t.Setenv("SCAN_INTERVAL", "1m")
	t.Setenv("ASSET_DECIMALS", "btc=8, usdt=6")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, cfg.DatabaseDriver)
	assert.Equal(t, BackendBitcoin, cfg.ChainBackend)
	assert.Equal(t, "btc-testnet", cfg.ChainName)
	assert.Equal(t, uint64(6), cfg.MinConfirmations)
	assert.Equal(t, time.Minute, cfg.ScanInterval)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Brokers())
	assert.Equal(t, map[string]int32{"BTC": 8, "USDT": 6}, cfg.AssetDecimals)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reconciler.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database_driver: sqlite
database_url: /tmp/test.db
tolerance_bps: 150
webhook_max_attempts: 8
asset_decimals:
  eth: 18
  dai: 18
`), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/test.db", cfg.DatabaseURL)
	assert.Equal(t, int64(150), cfg.ToleranceBps)
	assert.Equal(t, 8, cfg.WebhookMaxAttempts)
	assert.Equal(t, map[string]int32{"ETH": 18, "DAI": 18}, cfg.AssetDecimals)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "sqlite")
	base, err := Load()
	require.NoError(t, err)

	cases := map[string]func(c *Config){
		"postgres without url": func(c *Config) { c.DatabaseDriver = DriverPostgres; c.DatabaseURL = "" },
		"unknown driver":       func(c *Config) { c.DatabaseDriver = "mysql" },
		"unknown backend":      func(c *Config) { c.ChainBackend = "solana" },
		"zero confirmations":   func(c *Config) { c.MinConfirmations = 0 },
		"tolerance too wide":   func(c *Config) { c.ToleranceBps = 10_000 },
		"inverted delays":      func(c *Config) { c.WebhookMaxDelay = time.Second },
		"no workers":           func(c *Config) { c.WebhookWorkers = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := *base
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
	assert.NoError(t, base.Validate())
}

func TestLoadRejectsBadDecimals(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("ASSET_DECIMALS", "ETH")
	_, err := Load()
	assert.Error(t, err)
}
