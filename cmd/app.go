package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/payment-reconciler/internal/chain"
	"github.com/akylbek/payment-system/payment-reconciler/internal/chain/bitcoin"
	"github.com/akylbek/payment-system/payment-reconciler/internal/chain/ethereum"
	"github.com/akylbek/payment-system/payment-reconciler/internal/config"
	"github.com/akylbek/payment-system/payment-reconciler/internal/interfaces"
	"github.com/akylbek/payment-system/payment-reconciler/internal/repository"
	"github.com/akylbek/payment-system/payment-reconciler/internal/repository/sqlitestore"
	"github.com/akylbek/payment-system/payment-reconciler/internal/service"
	"github.com/akylbek/payment-system/payment-reconciler/internal/telemetry"
)

type stores struct {
	payments   interfaces.PaymentLedger
	watermarks interfaces.WatermarkStore
	merchants  interfaces.MerchantStore
	deliveries interfaces.DeliveryStore
	close      func() error
}

// openStores connects the configured database and makes sure the schema
// exists.
func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stores, error) {
	switch cfg.DatabaseDriver {
	case config.DriverSQLite:
		db, err := sqlitestore.Open(cfg.DatabaseURL, logger)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		logger.Info("Using SQLite store", zap.String("path", cfg.DatabaseURL))
		return &stores{
			payments:   sqlitestore.NewPaymentStore(db),
			watermarks: sqlitestore.NewWatermarkStore(db),
			merchants:  sqlitestore.NewMerchantStore(db),
			deliveries: sqlitestore.NewDeliveryStore(db),
			close:      sqlDB.Close,
		}, nil

	default:
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := repository.InitDB(ctx, db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		logger.Info("Using PostgreSQL store")
		return &stores{
			payments:   repository.NewPaymentRepository(db),
			watermarks: repository.NewWatermarkRepository(db),
			merchants:  repository.NewMerchantRepository(db),
			deliveries: repository.NewDeliveryRepository(db),
			close:      db.Close,
		}, nil
	}
}

func dialLedger(ctx context.Context, cfg *config.Config) (interfaces.LedgerRPC, error) {
	switch cfg.ChainBackend {
	case config.BackendBitcoin:
		return bitcoin.New(bitcoin.Config{
			Host:     cfg.ChainRPCURL,
			User:     cfg.ChainRPCUser,
			Password: cfg.ChainRPCPassword,
			Network:  cfg.ChainNetwork,
			Timeout:  cfg.RPCTimeout,
		})
	default:
		return ethereum.Dial(ctx, cfg.ChainRPCURL, cfg.RPCTimeout)
	}
}

// app is the wired component graph shared by every subcommand.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	stores    *stores
	rpc       interfaces.LedgerRPC
	redis     *redis.Client
	publisher interfaces.EventPublisher
	kafka     *repository.KafkaPublisher

	notifier    *service.WebhookNotifier
	matcher     *service.Matcher
	coordinator *service.Coordinator
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.stores = st

	a.rpc, err = dialLedger(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	logger.Info("Connected to ledger node",
		zap.String("backend", cfg.ChainBackend),
		zap.String("chain", cfg.ChainName),
	)

	var processed interfaces.ProcessedSet
	var locker interfaces.Locker
	if cfg.RedisURL != "" {
		a.redis, err = repository.NewRedisClient(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		host, _ := os.Hostname()
		processed = repository.NewRedisProcessedSet(a.redis, cfg.ProcessedTTL)
		locker = repository.NewRedisLocker(a.redis, host+"-"+uuid.NewString(), logger.Named("lock"))
	} else {
		logger.Warn("REDIS_URL not set, using in-process processed set and scan lock")
		processed = repository.NewMemoryProcessedSet(cfg.ProcessedTTL)
		locker = repository.NewLocalLocker()
	}

	if brokers := cfg.Brokers(); len(brokers) > 0 {
		a.kafka = repository.NewKafkaPublisher(brokers, cfg.KafkaStateTopic)
		a.publisher = a.kafka
	} else {
		logger.Warn("KAFKA_BROKERS not set, state changes are not published")
		a.publisher = repository.NopPublisher{}
	}

	a.notifier = service.NewWebhookNotifier(st.deliveries, st.merchants, service.NotifierConfig{
		Timeout:      cfg.WebhookTimeout,
		MaxAttempts:  cfg.WebhookMaxAttempts,
		BaseDelay:    cfg.WebhookBaseDelay,
		MaxDelay:     cfg.WebhookMaxDelay,
		Workers:      cfg.WebhookWorkers,
		PollInterval: cfg.WebhookPollInterval,
		BatchSize:    cfg.WebhookBatchSize,
	}, logger.Named("notifier"))

	a.matcher = service.NewMatcher(st.payments, processed, a.notifier, a.publisher, service.MatcherConfig{
		ToleranceBps:  cfg.ToleranceBps,
		AssetDecimals: cfg.AssetDecimals,
	}, logger.Named("matcher"))

	reader := chain.NewReader(a.rpc, cfg.MinConfirmations, logger.Named("reader"))
	a.coordinator = service.NewCoordinator(a.rpc, reader, a.matcher, st.payments, st.watermarks, locker, a.publisher,
		service.CoordinatorConfig{
			Chain:           cfg.ChainName,
			ScanInterval:    cfg.ScanInterval,
			MaxRange:        cfg.ScanMaxRange,
			StartPosition:   cfg.ScanStartPosition,
			SafetyWindow:    cfg.ReorgSafetyWindow,
			ForceCheckDepth: cfg.ForceCheckDepth,
		}, logger.Named("coordinator"))

	return a, nil
}

func (a *app) Close() {
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			a.logger.Warn("Failed to close Kafka writer", zap.Error(err))
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.rpc != nil {
		a.rpc.Close()
	}
	if a.stores != nil {
		if err := a.stores.close(); err != nil {
			a.logger.Warn("Failed to close database", zap.Error(err))
		}
	}
}

func initTelemetry(ctx context.Context, cfg *config.Config) (*telemetry.Telemetry, error) {
	return telemetry.Init(ctx, serviceName, version, cfg.JaegerEndpoint, cfg.LogLevel)
}
