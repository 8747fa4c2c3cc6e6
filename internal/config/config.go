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
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Webhook secrets, one per source
	StripeWebhookSecret string
	GithubWebhookSecret string

	// Reconciliation tuning
	ReconcileMaxAttempts int
	WebhookDeadline      time.Duration
	DedupRetention       time.Duration

	// Rate limiting on webhook endpoints
	RateLimitRPM int

	// Observability
	OTLPEndpoint string

	// Best-effort change notifications (comma-separated URLs; may be empty)
	NotifyURLs   []string
	NotifySecret string
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultMaxAttempts     = 5
	DefaultWebhookDeadline = 10 * time.Second
	DefaultDedupRetention  = 72 * time.Hour
	DefaultRateLimit       = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:          os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		StripeWebhookSecret:  os.Getenv("STRIPE_WEBHOOK_SECRET"),
		GithubWebhookSecret:  os.Getenv("GITHUB_WEBHOOK_SECRET"),
		ReconcileMaxAttempts: int(getEnvInt64("RECONCILE_MAX_ATTEMPTS", DefaultMaxAttempts)),
		WebhookDeadline:      getEnvDuration("WEBHOOK_DEADLINE", DefaultWebhookDeadline),
		DedupRetention:       getEnvDuration("DEDUP_RETENTION", DefaultDedupRetention),
		RateLimitRPM:         int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		NotifySecret:         os.Getenv("NOTIFY_SECRET"),
	}
	cfg.NotifyURLs = splitNonEmpty(os.Getenv("NOTIFY_URLS"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required")
	}
	if c.GithubWebhookSecret == "" {
		return fmt.Errorf("GITHUB_WEBHOOK_SECRET is required")
	}
	if c.ReconcileMaxAttempts < 1 {
		return fmt.Errorf("RECONCILE_MAX_ATTEMPTS must be at least 1")
	}
	if c.WebhookDeadline <= 0 {
		return fmt.Errorf("WEBHOOK_DEADLINE must be positive")
	}
	if c.DedupRetention < 24*time.Hour {
		// Must exceed the providers' redelivery windows or dedup breaks.
		return fmt.Errorf("DEDUP_RETENTION must be at least 24h")
	}
	if len(c.NotifyURLs) > 0 && c.NotifySecret == "" {
		return fmt.Errorf("NOTIFY_SECRET is required when NOTIFY_URLS is set")
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

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
