// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
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

	// Storage and transport (all optional; in-memory fallbacks when unset)
	DatabaseURL  string
	RedisURL     string
	KafkaBrokers string // comma-separated
	AuditTopic   string

	// Caller identity and API protection
	JWTSecret      string
	RateLimitRPM   int // per account; 0 disables
	RateLimitBurst int
	CORSOrigins    []string

	// Observability
	OTLPEndpoint string

	// Trust engine
	ScoringMode         string  // "cumulative" or "recompute"
	Smoothing           float64 // weight of the fresh rule sum in recompute mode
	AnalyzeEveryNLogins int
	OutboxPollInterval  time.Duration
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultAuditTopic          = "trust.audit.events"
	DefaultScoringMode         = "cumulative"
	DefaultSmoothing           = 1.0
	DefaultAnalyzeEveryNLogins = 5
	DefaultOutboxPollInterval  = time.Second
	DefaultRateLimitRPM        = 120
	DefaultRateLimitBurst      = 20

	minJWTSecretLen = 16
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		KafkaBrokers:        os.Getenv("KAFKA_BROKERS"),
		AuditTopic:          getEnv("AUDIT_TOPIC", DefaultAuditTopic),
		JWTSecret:           os.Getenv("JWT_SECRET"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:      int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		CORSOrigins:         getEnvList("CORS_ALLOWED_ORIGINS"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ScoringMode:         getEnv("TRUST_SCORING_MODE", DefaultScoringMode),
		Smoothing:           getEnvFloat("TRUST_SMOOTHING", DefaultSmoothing),
		AnalyzeEveryNLogins: int(getEnvInt64("TRUST_ANALYZE_EVERY_N_LOGINS", DefaultAnalyzeEveryNLogins)),
		OutboxPollInterval:  getEnvDuration("OUTBOX_POLL_INTERVAL", DefaultOutboxPollInterval),
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
	if len(c.JWTSecret) < minJWTSecretLen {
		return fmt.Errorf("JWT_SECRET must be at least %d characters", minJWTSecretLen)
	}

	switch c.ScoringMode {
	case "cumulative", "recompute":
	default:
		return fmt.Errorf("TRUST_SCORING_MODE must be cumulative or recompute, got %q", c.ScoringMode)
	}

	if c.Smoothing <= 0 || c.Smoothing > 1 {
		return fmt.Errorf("TRUST_SMOOTHING must be in (0, 1], got %v", c.Smoothing)
	}
	if c.AnalyzeEveryNLogins < 0 {
		return fmt.Errorf("TRUST_ANALYZE_EVERY_N_LOGINS must not be negative")
	}
	if c.OutboxPollInterval <= 0 {
		return fmt.Errorf("OUTBOX_POLL_INTERVAL must be positive")
	}
	if c.RateLimitRPM < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must not be negative")
	}
	if c.RateLimitRPM > 0 && c.RateLimitBurst == 0 {
		return fmt.Errorf("RATE_LIMIT_BURST must be positive when rate limiting is enabled")
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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

// getEnvList splits a comma-separated variable, dropping empty items.
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
