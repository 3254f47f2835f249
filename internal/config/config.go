// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage and coordination
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // optional; enables the cluster lock and cross-replica events

	// Security
	JWTSecret      string
	RateLimitRPM   int
	RateLimitBurst int
	AllowedOrigins string

	// Trade engine
	EscrowTimeout        time.Duration
	WatcherInterval      time.Duration
	SettlementStaleAfter time.Duration
	MessageGracePeriod   time.Duration
	CASMaxAttempts       int
	ReconcileInterval    time.Duration

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
	DefaultRateLimitRPM         = 120
	DefaultRateLimitBurst       = 20
	DefaultEscrowTimeout        = 5 * time.Second
	DefaultWatcherInterval      = 15 * time.Second
	DefaultSettlementStaleAfter = 2 * time.Minute
	DefaultMessageGracePeriod   = time.Hour
	DefaultCASMaxAttempts       = 5
	DefaultReconcileInterval    = 5 * time.Minute

	minJWTSecretLength = 32
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisURL:             os.Getenv("REDIS_URL"),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		RateLimitRPM:         int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:       int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		AllowedOrigins:       os.Getenv("ALLOWED_ORIGINS"),
		EscrowTimeout:        getEnvDuration("ESCROW_TIMEOUT", DefaultEscrowTimeout),
		WatcherInterval:      getEnvDuration("WATCHER_INTERVAL", DefaultWatcherInterval),
		SettlementStaleAfter: getEnvDuration("SETTLEMENT_STALE_AFTER", DefaultSettlementStaleAfter),
		MessageGracePeriod:   getEnvDuration("MESSAGE_GRACE_PERIOD", DefaultMessageGracePeriod),
		CASMaxAttempts:       int(getEnvInt64("CAS_MAX_ATTEMPTS", DefaultCASMaxAttempts)),
		ReconcileInterval:    getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(c.JWTSecret) < minJWTSecretLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters", minJWTSecretLength)
	}
	if c.EscrowTimeout <= 0 {
		return fmt.Errorf("ESCROW_TIMEOUT must be positive")
	}
	if c.WatcherInterval <= 0 {
		return fmt.Errorf("WATCHER_INTERVAL must be positive")
	}
	if c.CASMaxAttempts < 1 {
		return fmt.Errorf("CAS_MAX_ATTEMPTS must be at least 1")
	}
	// A stale claim must outlive a full escrow call or recovery races the live writer.
	if c.SettlementStaleAfter <= c.EscrowTimeout {
		return fmt.Errorf("SETTLEMENT_STALE_AFTER must exceed ESCROW_TIMEOUT")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
