package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the root configuration for the trading core.
type Config struct {
	Database DatabaseConfig            `mapstructure:"database"`
	Log      LogConfig                 `mapstructure:"log"`
	Market   MarketConfig              `mapstructure:"market"`
	Exchanges map[string]ExchangeRules `mapstructure:"exchanges"`
	Paper    PaperConfig               `mapstructure:"paper"`
	Security SecurityConfig            `mapstructure:"security"`
	Wallet   WalletConfig              `mapstructure:"wallet"`
	Sizing   SizingConfig              `mapstructure:"sizing"`
	Redis    RedisConfig               `mapstructure:"redis"`
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // postgres, sqlite
	DSN    string `mapstructure:"dsn"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// MarketConfig bounds calls to the external price/ticker collaborator.
type MarketConfig struct {
	ProviderTimeout time.Duration `mapstructure:"provider_timeout"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
}

// ExchangeRules carries per-exchange order policy overrides.
type ExchangeRules struct {
	MinOrderValue     decimal.Decimal `mapstructure:"min_order_value"`
	MaxOrderValue     decimal.Decimal `mapstructure:"max_order_value"`
	MaxPriceDeviation decimal.Decimal `mapstructure:"max_price_deviation"`
	PricePrecision    int32           `mapstructure:"price_precision"`
	AmountPrecision   int32           `mapstructure:"amount_precision"`
	MakerFee          decimal.Decimal `mapstructure:"maker_fee"`
	TakerFee          decimal.Decimal `mapstructure:"taker_fee"`
}

// PaperConfig tunes the simulated matching engine.
type PaperConfig struct {
	Slippage      decimal.Decimal `mapstructure:"slippage"`
	FeeModel      string          `mapstructure:"fee_model"` // flat, maker_taker
	FlatFee       decimal.Decimal `mapstructure:"flat_fee"`
	WatchInterval time.Duration   `mapstructure:"watch_interval"`
}

// SecurityConfig controls the security manager.
type SecurityConfig struct {
	MasterKey          string          `mapstructure:"master_key"`
	IPAllowlistEnabled bool            `mapstructure:"ip_allowlist_enabled"`
	AllowedIPs         []string        `mapstructure:"allowed_ips"`
	RateLimit          RateLimitConfig `mapstructure:"rate_limit"`
	Anomaly            AnomalyConfig   `mapstructure:"anomaly"`
}

// RateLimitConfig sets the per-identity order ceilings.
type RateLimitConfig struct {
	Backend         string `mapstructure:"backend"` // memory, redis
	OrdersPerMinute int    `mapstructure:"orders_per_minute"`
	OrdersPerHour   int    `mapstructure:"orders_per_hour"`
}

// AnomalyConfig holds the heuristic guardrail thresholds. The defaults are
// heuristic constants carried over as configuration, not hard behavior.
type AnomalyConfig struct {
	MaxOrderPortfolioFraction decimal.Decimal `mapstructure:"max_order_portfolio_fraction"`
	MaxOrdersPerHour          int             `mapstructure:"max_orders_per_hour"`
	MaxNewSymbolsPerDay       int             `mapstructure:"max_new_symbols_per_day"`
	OppositeOrderWindow       time.Duration   `mapstructure:"opposite_order_window"`
}

// WalletConfig names the default seed allocation for new users.
type WalletConfig struct {
	DefaultPreset string                                `mapstructure:"default_preset"`
	Presets       map[string]map[string]decimal.Decimal `mapstructure:"presets"`
}

// SizingConfig selects the position-sizing model.
type SizingConfig struct {
	Model        string          `mapstructure:"model"` // fixed, kelly, volatility
	RiskFraction decimal.Decimal `mapstructure:"risk_fraction"`
	WinRate      decimal.Decimal `mapstructure:"win_rate"`
	WinLossRatio decimal.Decimal `mapstructure:"win_loss_ratio"`
	TargetVol    decimal.Decimal `mapstructure:"target_vol"`
}

// RedisConfig locates the redis instance used by the clustered rate limiter.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Rules returns the rule set for an exchange, falling back to the "default"
// entry when the exchange has no override.
func (c *Config) Rules(exchange string) ExchangeRules {
	if r, ok := c.Exchanges[exchange]; ok {
		return r
	}
	return c.Exchanges["default"]
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "tradecore.db")
	v.SetDefault("log.level", "info")

	v.SetDefault("market.provider_timeout", "3s")
	v.SetDefault("market.cache_ttl", "5s")

	v.SetDefault("exchanges.default.min_order_value", "10")
	v.SetDefault("exchanges.default.max_order_value", "1000000")
	v.SetDefault("exchanges.default.max_price_deviation", "0.1")
	v.SetDefault("exchanges.default.price_precision", 8)
	v.SetDefault("exchanges.default.amount_precision", 8)
	v.SetDefault("exchanges.default.maker_fee", "0.001")
	v.SetDefault("exchanges.default.taker_fee", "0.001")

	v.SetDefault("paper.slippage", "0.0001")
	v.SetDefault("paper.fee_model", "maker_taker")
	v.SetDefault("paper.flat_fee", "0.001")
	v.SetDefault("paper.watch_interval", "1s")

	v.SetDefault("security.ip_allowlist_enabled", false)
	v.SetDefault("security.rate_limit.backend", "memory")
	v.SetDefault("security.rate_limit.orders_per_minute", 10)
	v.SetDefault("security.rate_limit.orders_per_hour", 100)
	v.SetDefault("security.anomaly.max_order_portfolio_fraction", "0.25")
	v.SetDefault("security.anomaly.max_orders_per_hour", 50)
	v.SetDefault("security.anomaly.max_new_symbols_per_day", 5)
	v.SetDefault("security.anomaly.opposite_order_window", "5m")

	v.SetDefault("wallet.default_preset", "starter")
	v.SetDefault("wallet.presets.starter.USDT", "100000")

	v.SetDefault("sizing.model", "fixed")
	v.SetDefault("sizing.risk_fraction", "0.02")
	v.SetDefault("sizing.win_rate", "0.55")
	v.SetDefault("sizing.win_loss_ratio", "1.5")
	v.SetDefault("sizing.target_vol", "0.02")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
}

// Load reads configuration from the given yaml file, applying defaults and
// TRADECORE_* environment overrides. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TRADECORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	// viper.DecodeHook replaces the default hook chain, so the duration and
	// slice hooks must be re-composed alongside the decimal hook.
	hooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		decimalDecodeHook(),
	))
	if err := v.Unmarshal(&cfg, hooks); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	// Viper lowercases map keys; asset symbols are uppercase everywhere else.
	for name, preset := range cfg.Wallet.Presets {
		normalized := make(map[string]decimal.Decimal, len(preset))
		for asset, amount := range preset {
			normalized[strings.ToUpper(asset)] = amount
		}
		cfg.Wallet.Presets[name] = normalized
	}
	if _, ok := cfg.Exchanges["default"]; !ok {
		return nil, fmt.Errorf("config must define exchanges.default rules")
	}
	if _, ok := cfg.Wallet.Presets[cfg.Wallet.DefaultPreset]; !ok {
		return nil, fmt.Errorf("default wallet preset %q is not defined", cfg.Wallet.DefaultPreset)
	}
	return &cfg, nil
}
