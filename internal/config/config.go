package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// Broker backends
const (
	BrokerLocal    = "local"
	BrokerRabbitMQ = "rabbitmq"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	LogLevel    string
	API         APIConfig
	Store       StoreConfig
	Broker      BrokerConfig
	Background  BackgroundConfig
	Foreground  ForegroundConfig
}

// APIConfig holds remote power API settings
type APIConfig struct {
	BaseURL          string
	Timeout          time.Duration
	BreakerTimeout   time.Duration
	BreakerThreshold uint32
}

// StoreConfig selects and configures the persisted key-value store
type StoreConfig struct {
	Backend       string
	Namespace     string
	DatabaseURL   string
	MaxConns      int32
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// BrokerConfig selects and configures the cross-process message broker
type BrokerConfig struct {
	Backend       string
	URL           string
	Exchange      string
	WorkerQueue   string
	DLQQueue      string
	PrefetchCount int
}

// BackgroundConfig holds worker settings
type BackgroundConfig struct {
	SnapshotTimeout       time.Duration
	PeriodicInterval      time.Duration
	AllowPeriodic         bool
	AllowNotifications    bool
	LocalSnapshotFallback bool
	PublishNotifications  bool
}

// ForegroundConfig holds tracker settings
type ForegroundConfig struct {
	MeterNumber     string
	RefreshInterval time.Duration
	LowThreshold    float64
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "power-token-tracker"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		API: APIConfig{
			BaseURL:          strings.TrimRight(getEnv("POWER_API_URL", ""), "/"),
			Timeout:          getEnvAsDuration("POWER_API_TIMEOUT", 10*time.Second),
			BreakerTimeout:   getEnvAsDuration("POWER_API_BREAKER_TIMEOUT", 30*time.Second),
			BreakerThreshold: uint32(getEnvAsInt("POWER_API_BREAKER_THRESHOLD", 5)),
		},
		Store: StoreConfig{
			Backend:       strings.ToLower(getEnv("STORE_BACKEND", StoreMemory)),
			Namespace:     getEnv("STORE_NAMESPACE", "power"),
			DatabaseURL:   getEnv("DATABASE_URL", ""),
			MaxConns:      int32(getEnvAsInt("DATABASE_MAX_CONNS", 0)),
			RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getEnvAsInt("REDIS_DB", 0),
		},
		Broker: BrokerConfig{
			Backend:       strings.ToLower(getEnv("BROKER_BACKEND", BrokerLocal)),
			URL:           getEnv("RABBITMQ_URL", ""),
			Exchange:      getEnv("RABBITMQ_EXCHANGE", "power-tracker.events.exchange"),
			WorkerQueue:   getEnv("RABBITMQ_WORKER_QUEUE", "power-tracker.worker.queue"),
			DLQQueue:      getEnv("RABBITMQ_DLQ_QUEUE", "power-tracker.worker.dlq"),
			PrefetchCount: getEnvAsInt("RABBITMQ_PREFETCH", 10),
		},
		Background: BackgroundConfig{
			SnapshotTimeout:       getEnvAsDuration("SNAPSHOT_TIMEOUT", 3*time.Second),
			PeriodicInterval:      getEnvAsDuration("PERIODIC_INTERVAL", 30*time.Minute),
			AllowPeriodic:         getEnvAsBool("ALLOW_PERIODIC_SYNC", true),
			AllowNotifications:    getEnvAsBool("ALLOW_NOTIFICATIONS", true),
			LocalSnapshotFallback: getEnvAsBool("LOCAL_SNAPSHOT_FALLBACK", false),
			PublishNotifications:  getEnvAsBool("PUBLISH_NOTIFICATIONS", false),
		},
		Foreground: ForegroundConfig{
			MeterNumber:     getEnv("METER_NUMBER", ""),
			RefreshInterval: getEnvAsDuration("REFRESH_INTERVAL", 5*time.Minute),
			LowThreshold:    getEnvAsFloat("LOW_BALANCE_THRESHOLD", 10),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case StoreMemory, StoreRedis:
	case StorePostgres:
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("unsupported STORE_BACKEND %q", c.Store.Backend)
	}

	switch c.Broker.Backend {
	case BrokerLocal:
	case BrokerRabbitMQ:
		if c.Broker.URL == "" {
			return fmt.Errorf("RABBITMQ_URL is required when BROKER_BACKEND=rabbitmq")
		}
	default:
		return fmt.Errorf("unsupported BROKER_BACKEND %q", c.Broker.Backend)
	}

	return nil
}

// RequireAPI reports a missing API URL; only the tracker fetches
func (c *Config) RequireAPI() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("POWER_API_URL is required but not set in environment variables")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil || value <= 0 {
		return defaultValue
	}
	return value
}
