package config

import (
	"os"
	"strconv"
	"time"

	"goexp/internal/errors"
)

// Config represents the complete application configuration
type Config struct {
	Database   DatabaseConfig
	Redis      RedisConfig
	Bandit     BanditConfig
	AutoWinner AutoWinnerConfig
	Log        LogConfig
	Metrics    MetricsConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL    string
	Driver string
}

// RedisConfig holds the bandit counter store connection
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// BanditConfig selects where arm counters live and how selections are seeded
type BanditConfig struct {
	Backend string
	Seed    uint64
}

// AutoWinnerConfig drives the background auto-winner sweep
type AutoWinnerConfig struct {
	Interval    time.Duration
	Concurrency int
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string
	Format string
}

// MetricsConfig holds the Prometheus endpoint settings
type MetricsConfig struct {
	Addr string
}

// Supported values
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"

	BackendSQL   = "sql"
	BackendRedis = "redis"
)

// Load reads configuration from environment variables and validates it
func Load() (*Config, error) {
	config := &Config{}

	dbConfig, err := loadDatabaseConfig()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load database configuration")
	}
	config.Database = *dbConfig

	config.Redis = RedisConfig{
		Addr:     getEnvOrDefault("REDIS_ADDR", ""),
		Password: getEnvOrDefault("REDIS_PASSWORD", ""),
		DB:       getEnvIntOrDefault("REDIS_DB", 0),
	}

	seed, err := getEnvUintOrDefault("RNG_SEED", 0)
	if err != nil {
		return nil, errors.Wrap(errors.ConfigInvalid("RNG_SEED must be an unsigned integer"), "failed to load bandit configuration")
	}
	config.Bandit = BanditConfig{
		Backend: getEnvOrDefault("BANDIT_BACKEND", BackendSQL),
		Seed:    seed,
	}

	config.AutoWinner = AutoWinnerConfig{
		Interval:    getEnvDurationOrDefault("AUTO_WINNER_INTERVAL", time.Minute),
		Concurrency: getEnvIntOrDefault("AUTO_WINNER_CONCURRENCY", 4),
	}

	config.Log = LogConfig{
		Level:  getEnvOrDefault("LOG_LEVEL", "INFO"),
		Format: getEnvOrDefault("LOG_FORMAT", "json"),
	}

	config.Metrics = MetricsConfig{
		Addr: getEnvOrDefault("METRICS_ADDR", ":9090"),
	}

	if err := validateConfig(config); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}

	return config, nil
}

func loadDatabaseConfig() (*DatabaseConfig, error) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		return nil, errors.ConfigInvalid("DATABASE_URL is required")
	}

	return &DatabaseConfig{
		URL:    url,
		Driver: getEnvOrDefault("DB_DRIVER", DriverPostgres),
	}, nil
}

func validateConfig(config *Config) error {
	switch config.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return errors.ConfigInvalid("DB_DRIVER must be postgres or sqlite3")
	}
	switch config.Bandit.Backend {
	case BackendSQL:
	case BackendRedis:
		if config.Redis.Addr == "" {
			return errors.ConfigInvalid("REDIS_ADDR is required when BANDIT_BACKEND is redis")
		}
	default:
		return errors.ConfigInvalid("BANDIT_BACKEND must be sql or redis")
	}
	if config.AutoWinner.Interval <= 0 {
		return errors.ConfigInvalid("AUTO_WINNER_INTERVAL must be positive")
	}
	if config.AutoWinner.Concurrency < 1 {
		return errors.ConfigInvalid("AUTO_WINNER_CONCURRENCY must be at least 1")
	}
	return nil
}

// Helper functions for environment variable parsing
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvUintOrDefault(key string, defaultValue uint64) (uint64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	return strconv.ParseUint(value, 10, 64)
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
