// Package config provides configuration management for the minerd
// coordinator. It handles loading configuration from environment variables
// with sensible defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the global configuration for the coordinator
type Config struct {
	// Service identification
	ServiceName string
	Version     string
	Environment string

	// Worker fleet
	WorkerCommands   []string
	DefaultBatchSize uint64
	BatchTimeout     time.Duration
	InitTimeout      time.Duration
	InfoInterval     time.Duration
	MaxRespawns      int
	RespawnDelay     time.Duration

	// Solution validation
	TrustWorkerHash       bool
	MaxValidationFailures int

	// Bitcoin Core connection
	BitcoinRPCHost     string
	BitcoinRPCPort     int
	BitcoinRPCUser     string
	BitcoinRPCPassword string
	BitcoinZMQAddr     string
	PayoutAddress      string
	TemplateRefresh    time.Duration

	// Kafka configuration
	KafkaBrokers []string
	KafkaEnabled bool

	// Database connections
	PostgresURL  string
	RedisURL     string
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		// Service defaults
		ServiceName: getEnv("SERVICE_NAME", "minerd"),
		Version:     getEnv("VERSION", "dev"),
		Environment: getEnv("ENVIRONMENT", "development"),

		// Worker defaults
		WorkerCommands:   getEnvSlice("WORKER_COMMANDS", nil),
		DefaultBatchSize: getEnvUint("DEFAULT_BATCH_SIZE", 1_000_000),
		BatchTimeout:     getEnvDuration("BATCH_TIMEOUT", 60*time.Second),
		InitTimeout:      getEnvDuration("INIT_TIMEOUT", 15*time.Second),
		InfoInterval:     getEnvDuration("INFO_INTERVAL", 30*time.Second),
		MaxRespawns:      getEnvInt("MAX_RESPAWNS", 3),
		RespawnDelay:     getEnvDuration("RESPAWN_DELAY", 5*time.Second),

		// Validation defaults
		TrustWorkerHash:       getEnvBool("TRUST_WORKER_HASH", false),
		MaxValidationFailures: getEnvInt("MAX_VALIDATION_FAILURES", 3),

		// Bitcoin Core defaults
		BitcoinRPCHost:     getEnv("BITCOIN_RPC_HOST", "localhost"),
		BitcoinRPCPort:     getEnvInt("BITCOIN_RPC_PORT", 8332),
		BitcoinRPCUser:     getEnv("BITCOIN_RPC_USER", ""),
		BitcoinRPCPassword: getEnv("BITCOIN_RPC_PASSWORD", ""),
		BitcoinZMQAddr:     getEnv("BITCOIN_ZMQ_ADDR", "tcp://localhost:28332"),
		PayoutAddress:      getEnv("PAYOUT_ADDRESS", ""),
		TemplateRefresh:    getEnvDuration("TEMPLATE_REFRESH", 30*time.Second),

		// Kafka defaults
		KafkaBrokers: getEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaEnabled: getEnvBool("KAFKA_ENABLED", false),

		// Database defaults
		PostgresURL:  getEnv("POSTGRES_URL", ""),
		RedisURL:     getEnv("REDIS_URL", ""),
		InfluxURL:    getEnv("INFLUX_URL", ""),
		InfluxToken:  getEnv("INFLUX_TOKEN", ""),
		InfluxOrg:    getEnv("INFLUX_ORG", "minerd"),
		InfluxBucket: getEnv("INFLUX_BUCKET", "mining"),

		// Logging defaults
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}

	if len(c.WorkerCommands) == 0 {
		return fmt.Errorf("WORKER_COMMANDS must name at least one worker command")
	}
	for _, cmd := range c.WorkerCommands {
		if strings.TrimSpace(cmd) == "" {
			return fmt.Errorf("WORKER_COMMANDS contains an empty command")
		}
	}

	if c.DefaultBatchSize == 0 {
		return fmt.Errorf("DEFAULT_BATCH_SIZE must be positive")
	}

	if c.BatchTimeout <= 0 {
		return fmt.Errorf("BATCH_TIMEOUT must be positive")
	}

	if c.InitTimeout <= 0 {
		return fmt.Errorf("INIT_TIMEOUT must be positive")
	}

	if c.MaxValidationFailures < 0 {
		return fmt.Errorf("MAX_VALIDATION_FAILURES cannot be negative")
	}

	if c.BitcoinRPCPort <= 0 || c.BitcoinRPCPort > 65535 {
		return fmt.Errorf("BITCOIN_RPC_PORT must be between 1 and 65535")
	}

	return nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvUint(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseUint(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
