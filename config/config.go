package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/BenFisher1984/web-execution-agent/internal/adapters/logger" // Import the logger package for LogLevel
)

// Config holds all application configuration.
type Config struct {
	// Broker selection: "paper" or "binance"
	Broker string

	// Binance API
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Portfolio Limits
	BuyingPower     float64 // Total capital available for entries
	MaxPositionSize float64 // Maximum notional per trade (0 disables the check)
	MaxLossPerTrade float64 // Maximum entry-to-stop loss per trade (0 disables)
	MaxOpenTrades   int     // Maximum concurrently active trades (0 disables)

	// Engine Parameters
	TickQueueSize      int // Capacity of the tick ingress queue
	RollingWindowSize  int // Prices kept per symbol for indicator stops
	VolatilityLookback int // Days of history for the ADR/ATR preload

	// Database
	DBPath string

	// Logging
	LogLevel  logger.LogLevel // Use the LogLevel type from the logger adapter
	LogFormat string          // "text" or "json"

	// Metrics
	MetricsAddr string // Listen address for the Prometheus endpoint, empty disables

	// Connection Settings
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Broker selection
	cfg.Broker = strings.ToLower(getEnv("BROKER", "paper"))
	if cfg.Broker != "paper" && cfg.Broker != "binance" {
		errs = append(errs, fmt.Sprintf("BROKER must be 'paper' or 'binance', got %q", cfg.Broker))
	}

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety

	if cfg.Broker == "binance" {
		if cfg.APIKey == "" {
			errs = append(errs, "BINANCE_API_KEY must be set for the binance broker")
		}
		if cfg.SecretKey == "" {
			errs = append(errs, "BINANCE_API_SECRET must be set for the binance broker")
		}
	}

	// Portfolio Limits
	cfg.BuyingPower, err = getEnvAsFloatRequired("BUYING_POWER", 10000.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid BUYING_POWER: %v", err))
	} else if cfg.BuyingPower <= 0 {
		errs = append(errs, "BUYING_POWER must be positive")
	}

	cfg.MaxPositionSize, err = getEnvAsFloatRequired("MAX_POSITION_SIZE", 0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_POSITION_SIZE: %v", err))
	} else if cfg.MaxPositionSize < 0 {
		errs = append(errs, "MAX_POSITION_SIZE cannot be negative")
	}

	cfg.MaxLossPerTrade, err = getEnvAsFloatRequired("MAX_LOSS_PER_TRADE", 0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_LOSS_PER_TRADE: %v", err))
	} else if cfg.MaxLossPerTrade < 0 {
		errs = append(errs, "MAX_LOSS_PER_TRADE cannot be negative")
	}

	cfg.MaxOpenTrades, err = getEnvAsIntRequired("MAX_OPEN_TRADES", 0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_OPEN_TRADES: %v", err))
	} else if cfg.MaxOpenTrades < 0 {
		errs = append(errs, "MAX_OPEN_TRADES cannot be negative")
	}

	// Engine Parameters
	cfg.TickQueueSize = getEnvAsInt("TICK_QUEUE_SIZE", 1024)
	cfg.RollingWindowSize = getEnvAsInt("ROLLING_WINDOW_SIZE", 20)
	cfg.VolatilityLookback = getEnvAsInt("VOLATILITY_LOOKBACK_DAYS", 20)
	if cfg.TickQueueSize <= 0 || cfg.RollingWindowSize <= 0 || cfg.VolatilityLookback <= 0 {
		errs = append(errs, "TICK_QUEUE_SIZE, ROLLING_WINDOW_SIZE and VOLATILITY_LOOKBACK_DAYS must be positive")
	}

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/execution_agent.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Logging
	logLevelStr := getEnv("LOG_LEVEL", "INFO")
	cfg.LogLevel = logger.ParseLevel(logLevelStr) // Use the parser from the logger package
	cfg.LogFormat = strings.ToLower(getEnv("LOG_FORMAT", "text"))
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT must be 'text' or 'json', got %q", cfg.LogFormat))
	}

	// Metrics
	cfg.MetricsAddr = getEnv("METRICS_ADDR", ":9090")

	// Connection Settings
	reconnectDelaySeconds := getEnvAsInt("RECONNECT_DELAY_SECONDS", 5)
	if reconnectDelaySeconds <= 0 {
		errs = append(errs, "RECONNECT_DELAY_SECONDS must be positive")
	}
	cfg.ReconnectDelay = time.Duration(reconnectDelaySeconds) * time.Second

	cfg.MaxReconnectAttempts = getEnvAsInt("MAX_RECONNECT_ATTEMPTS", 10)
	if cfg.MaxReconnectAttempts < 0 {
		errs = append(errs, "MAX_RECONNECT_ATTEMPTS cannot be negative")
	}

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Log warning? For non-required fields, default is often acceptable.
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Return error if env var is set but invalid
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
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
