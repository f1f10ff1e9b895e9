package app

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/septivank/power-token-tracker/internal/config"
	"github.com/septivank/power-token-tracker/internal/db"
	"github.com/septivank/power-token-tracker/internal/kv"
	"github.com/septivank/power-token-tracker/internal/logging"
	"github.com/septivank/power-token-tracker/internal/messaging"
	"github.com/septivank/power-token-tracker/internal/mq"
	"github.com/septivank/power-token-tracker/internal/powerapi"
	"github.com/septivank/power-token-tracker/internal/state"
)

// Core provides the infrastructure shared by the tracker and the worker; the
// *config.Config is supplied by main
var Core = fx.Options(
	fx.Provide(
		NewLogger,
		ProvideKVStore,
		ProvideBalanceStateStore,
		ProvideBroker,
	),
)

// NewLogger creates the service logger
func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName, cfg.LogLevel)
}

// ProvideKVStore creates the configured key-value backend
func ProvideKVStore(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (kv.Store, error) {
	switch cfg.Store.Backend {
	case config.StoreRedis:
		return provideRedisStore(lc, logger, cfg)
	case config.StorePostgres:
		pool, err := db.NewPool(lc, logger, db.PoolConfig{
			URL:      cfg.Store.DatabaseURL,
			MaxConns: cfg.Store.MaxConns,
		})
		if err != nil {
			return nil, err
		}
		return kv.NewPostgresStore(pool, cfg.Store.Namespace), nil
	default:
		logger.Warn("using in-memory store, state is lost on restart")
		return kv.NewMemoryStore(), nil
	}
}

func provideRedisStore(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (kv.Store, error) {
	logger.Info("attempting to connect to redis...", zap.String("addr", cfg.Store.RedisAddr))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := kv.NewRedisClient(ctx, kv.RedisOptions{
		Addr:      cfg.Store.RedisAddr,
		Password:  cfg.Store.RedisPassword,
		DB:        cfg.Store.RedisDB,
		Namespace: cfg.Store.Namespace,
	})
	if err != nil {
		logger.Error("redis connection failed", zap.Error(err))
		return nil, err
	}
	logger.Info("redis connection established successfully")

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			if err := client.Close(); err != nil {
				logger.Error("failed to close redis connection", zap.Error(err))
				return err
			}
			logger.Info("redis connection closed")
			return nil
		},
	})

	return kv.NewRedisStore(client, cfg.Store.Namespace), nil
}

// ProvideBalanceStateStore creates the balance state store
func ProvideBalanceStateStore(store kv.Store) *state.BalanceStateStore {
	return state.NewBalanceStateStore(store)
}

// ProvideBroker creates the configured message broker
func ProvideBroker(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (messaging.Broker, error) {
	if cfg.Broker.Backend != config.BrokerRabbitMQ {
		return messaging.NewLocalBroker(logger), nil
	}

	conn, err := mq.NewConnection(lc, logger, cfg.Broker.URL)
	if err != nil {
		return nil, err
	}
	return mq.NewBroker(lc, conn, mq.BrokerConfig{
		Exchange:      cfg.Broker.Exchange,
		DLQQueue:      cfg.Broker.DLQQueue,
		PrefetchCount: cfg.Broker.PrefetchCount,
	}, logger)
}

// ProvideAPIClient creates the power API client
func ProvideAPIClient(cfg *config.Config, logger *zap.Logger) (*powerapi.Client, error) {
	if err := cfg.RequireAPI(); err != nil {
		return nil, err
	}
	return powerapi.NewClient(powerapi.ClientConfig{
		BaseURL:          cfg.API.BaseURL,
		Timeout:          cfg.API.Timeout,
		BreakerTimeout:   cfg.API.BreakerTimeout,
		BreakerThreshold: cfg.API.BreakerThreshold,
	}, &http.Client{Timeout: cfg.API.Timeout}, logger), nil
}

// lifecycleContext returns a context cancelled when the app stops
func lifecycleContext(lc fx.Lifecycle) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
	return ctx
}
