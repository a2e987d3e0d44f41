package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/coinforge/tradecore/internal/config"
	"github.com/coinforge/tradecore/internal/ledger"
	"github.com/coinforge/tradecore/internal/marketdata"
	"github.com/coinforge/tradecore/internal/orders"
	"github.com/coinforge/tradecore/internal/paper"
	"github.com/coinforge/tradecore/internal/security"
	"github.com/coinforge/tradecore/internal/validation"
	"github.com/coinforge/tradecore/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.New(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	db, err := openDatabase(cfg.Database)
	if err != nil {
		zapLogger.Fatal("Failed to open database", zap.Error(err))
	}

	provider := marketdata.NewCachedProvider(
		marketdata.NewStaticProvider(),
		zapLogger,
		cfg.Market.ProviderTimeout,
		cfg.Market.CacheTTL,
	)

	ledgerSvc, err := ledger.NewService(zapLogger, db, cfg.Wallet.Presets, cfg.Wallet.DefaultPreset)
	if err != nil {
		zapLogger.Fatal("Failed to create ledger service", zap.Error(err))
	}
	if err := ledgerSvc.Migrate(); err != nil {
		zapLogger.Fatal("Failed to migrate ledger tables", zap.Error(err))
	}

	var limiter security.RateLimiter
	if cfg.Security.RateLimit.Backend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		limiter = security.NewRedisLimiter(client, "tradecore",
			cfg.Security.RateLimit.OrdersPerMinute, cfg.Security.RateLimit.OrdersPerHour)
	}
	securityMgr := security.NewManager(zapLogger, db, cfg.Security, limiter)
	if err := securityMgr.Migrate(); err != nil {
		zapLogger.Fatal("Failed to migrate security tables", zap.Error(err))
	}

	validator := validation.NewValidator(zapLogger, cfg, provider, ledgerSvc)

	engine := paper.NewEngine(zapLogger, cfg, provider, ledgerSvc, db)
	if err := engine.Migrate(); err != nil {
		zapLogger.Fatal("Failed to migrate trade tables", zap.Error(err))
	}

	orderSvc := orders.NewService(zapLogger, db, cfg, validator, securityMgr, engine, ledgerSvc, provider)
	if err := orderSvc.Migrate(); err != nil {
		zapLogger.Fatal("Failed to migrate order tables", zap.Error(err))
	}

	// Orders left active by the previous run keep their reservations in the
	// ledger; rebuild their watchers.
	if err := engine.Restore(context.Background()); err != nil {
		zapLogger.Fatal("Failed to restore active orders", zap.Error(err))
	}

	zapLogger.Info("trading core started",
		zap.String("database", cfg.Database.Driver),
		zap.String("rate_limit_backend", cfg.Security.RateLimit.Backend),
		zap.String("wallet_preset", cfg.Wallet.DefaultPreset))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zapLogger.Info("shutting down")
	engine.Shutdown()
}

func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	switch cfg.Driver {
	case "postgres":
		return gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{})
	default:
		return gorm.Open(sqlite.Open(cfg.DSN), &gorm.Config{})
	}
}
