package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	LogLevel    string

	HTTPAddr string

	DBType     string
	DBHost     string
	DBPort     string
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	// Analytical warehouse (read-only, pgx).
	WarehouseDSN string

	Clearinghouse ClearinghouseConfig
	Runner        RunnerConfig
}

type ClearinghouseConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// RunnerConfig controls the billing batch runner.
type RunnerConfig struct {
	RunInterval       time.Duration
	MaxRetries        int
	RetryBaseDelay    time.Duration
	RetryBudget       time.Duration
	InsertBatchSize   int
	InactiveGraceDays int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "billrun"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		DBType:     getenv("DATABASE_TYPE", "postgres"),
		DBHost:     getenv("DATABASE_HOST", "localhost"),
		DBPort:     getenv("DATABASE_PORT", "5432"),
		DBName:     getenv("DATABASE_NAME", "billrun"),
		DBUser:     getenv("DATABASE_USER", "postgres"),
		DBPassword: getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:  getenv("DATABASE_SSLMODE", "disable"),

		WarehouseDSN: getenv("WAREHOUSE_DSN", "postgres://postgres@localhost:5439/warehouse"),

		Clearinghouse: ClearinghouseConfig{
			BaseURL: strings.TrimRight(getenv("CLEARINGHOUSE_BASE_URL", "https://api.clearinghouse.test"), "/"),
			APIKey:  strings.TrimSpace(getenv("CLEARINGHOUSE_API_KEY", "")),
			Timeout: getenvDuration("CLEARINGHOUSE_TIMEOUT", 30*time.Second),
		},
		Runner: RunnerConfig{
			RunInterval:       getenvDuration("RUNNER_INTERVAL", 24*time.Hour),
			MaxRetries:        getenvInt("RUNNER_MAX_RETRIES", 5),
			RetryBaseDelay:    getenvDuration("RUNNER_RETRY_BASE_DELAY", 30*time.Second),
			RetryBudget:       getenvDuration("RUNNER_RETRY_BUDGET", 8*time.Hour),
			InsertBatchSize:   getenvInt("RUNNER_INSERT_BATCH_SIZE", 500),
			InactiveGraceDays: getenvInt("RUNNER_INACTIVE_GRACE_DAYS", 30),
		},
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}

// Module provides application configuration.
var Module = fx.Module("config",
	fx.Provide(Load),
)
