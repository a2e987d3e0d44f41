package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, time.Second, cfg.Paper.WatchInterval)
	assert.True(t, cfg.Paper.Slippage.Equal(decimal.RequireFromString("0.0001")))

	rules := cfg.Rules("default")
	assert.True(t, rules.MinOrderValue.Equal(decimal.NewFromInt(10)))
	assert.True(t, rules.TakerFee.Equal(decimal.RequireFromString("0.001")))

	assert.Equal(t, "starter", cfg.Wallet.DefaultPreset)
	assert.True(t, cfg.Wallet.Presets["starter"]["USDT"].Equal(decimal.NewFromInt(100000)))

	assert.Equal(t, 10, cfg.Security.RateLimit.OrdersPerMinute)
	assert.Equal(t, 5*time.Minute, cfg.Security.Anomaly.OppositeOrderWindow)
}

func TestLoadFileOverridesAndDecimalDecoding(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: postgres
  dsn: host=localhost user=trade dbname=trade
market:
  provider_timeout: 1500ms
  cache_ttl: 10s
paper:
  slippage: 0.0005
  fee_model: flat
  flat_fee: 0.002
  watch_interval: 250ms
security:
  anomaly:
    opposite_order_window: 2m
  allowed_ips: 127.0.0.1,10.0.0.0/8
exchanges:
  binance:
    min_order_value: 5
    max_order_value: 500000
    max_price_deviation: 0.05
    taker_fee: 0.00075
wallet:
  presets:
    starter:
      USDT: 250000
      BTC: 1.5
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.True(t, cfg.Paper.Slippage.Equal(decimal.RequireFromString("0.0005")))
	assert.Equal(t, "flat", cfg.Paper.FeeModel)

	// Duration strings decode next to the decimal hook.
	assert.Equal(t, 1500*time.Millisecond, cfg.Market.ProviderTimeout)
	assert.Equal(t, 10*time.Second, cfg.Market.CacheTTL)
	assert.Equal(t, 250*time.Millisecond, cfg.Paper.WatchInterval)
	assert.Equal(t, 2*time.Minute, cfg.Security.Anomaly.OppositeOrderWindow)
	assert.Equal(t, []string{"127.0.0.1", "10.0.0.0/8"}, cfg.Security.AllowedIPs)

	// Yaml numbers land as decimals through the decode hook.
	assert.True(t, cfg.Wallet.Presets["starter"]["USDT"].Equal(decimal.NewFromInt(250000)))
	assert.True(t, cfg.Wallet.Presets["starter"]["BTC"].Equal(decimal.RequireFromString("1.5")))

	// The override exchange coexists with the untouched default rules.
	binance := cfg.Rules("binance")
	assert.True(t, binance.TakerFee.Equal(decimal.RequireFromString("0.00075")))
	assert.True(t, cfg.Rules("kraken").MinOrderValue.Equal(decimal.NewFromInt(10)), "unknown exchange falls back to default")
}

func TestLoadRejectsMissingDefaultPreset(t *testing.T) {
	path := writeConfig(t, `
wallet:
  default_preset: whale
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "whale")
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("TRADECORE_LOG_LEVEL", "debug")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadRejectsUnreadableFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
