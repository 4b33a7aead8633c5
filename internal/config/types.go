package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Storage        StorageConfig        `yaml:"storage"`
	PMS            PMSConfig            `yaml:"pms"`
	PSP            PSPConfig            `yaml:"psp"`
	Checkout       CheckoutConfig       `yaml:"checkout"`
	Jobs           JobsConfig           `yaml:"jobs"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix"` // Optional prefix for all routes (e.g., "/api", "/checkout-core")
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
}

// StorageConfig holds document store backend configuration.
type StorageConfig struct {
	Backend         string             `yaml:"backend"`          // "memory", "mongodb", or "postgres"
	MongoDBURL      string             `yaml:"mongodb_url"`      // MongoDB connection string
	MongoDBDatabase string             `yaml:"mongodb_database"` // MongoDB database name
	PostgresURL     string             `yaml:"postgres_url"`     // PostgreSQL connection string
	PostgresPool    PostgresPoolConfig `yaml:"postgres_pool"`    // PostgreSQL connection pool settings
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`    // Maximum number of open connections (default: 25)
	MaxIdleConns    int      `yaml:"max_idle_conns"`    // Maximum number of idle connections (default: 5)
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"` // Maximum lifetime of connections (default: 5m)
}

// PMSConfig holds property-management system client configuration.
//
// The PMS offers no idempotency keys on its write surface, so the write
// policy (no retries, long deadline) is part of the correctness contract,
// not a tuning knob. Read policy follows the usual backoff shape.
type PMSConfig struct {
	BaseURL         string   `yaml:"base_url"`          // e.g. https://pms.example.com/api/v1
	APIKey          string   `yaml:"api_key"`           // Bearer token for the PMS API
	ReadTimeout     Duration `yaml:"read_timeout"`      // Per-attempt deadline for read calls (default: 8s)
	WriteTimeout    Duration `yaml:"write_timeout"`     // Deadline for transactional writes (default: 30s)
	ReadRetries     int      `yaml:"read_retries"`      // Retries after the first read attempt (default: 2)
	RetryInterval   Duration `yaml:"retry_interval"`    // Initial backoff between read retries (default: 1s)
	RetryMultiplier float64  `yaml:"retry_multiplier"`  // Backoff multiplier (default: 2.0)
	ListingCacheTTL Duration `yaml:"listing_cache_ttl"` // Read-through cache TTL for listing detail (0 disables)
}

// PSPConfig holds payment service provider (Stripe) configuration.
type PSPConfig struct {
	SecretKey     string `yaml:"secret_key"`
	WebhookSecret string `yaml:"webhook_secret"`
	Mode          string `yaml:"mode"` // live | test
}

// CheckoutConfig holds checkout workflow tunables.
// All TTLs are durations; the documented env overrides accept the
// integer-unit forms (COVE_HOLD_TTL_MINUTES and friends).
type CheckoutConfig struct {
	Currency        string   `yaml:"currency"`          // single supported currency, ISO code (default: usd)
	HoldTTL         Duration `yaml:"hold_ttl"`          // inventory hold lifetime (default: 15m)
	QuoteTTL        Duration `yaml:"quote_ttl"`         // locked-quote UX lifetime (default: 30m)
	IdempotencyTTL  Duration `yaml:"idempotency_ttl"`   // idempotency record lifetime (default: 24h)
	WebhookDedupTTL Duration `yaml:"webhook_dedup_ttl"` // webhook event record lifetime (default: 168h)
	FinalizeMaxWait Duration `yaml:"finalize_max_wait"` // hard cap for finalize polling (default: 30s)
}

// JobsConfig holds background job and job-endpoint configuration.
type JobsConfig struct {
	AuthToken      string   `yaml:"auth_token"`       // Bearer token for /jobs/* and /metrics; empty disables the jobs surface
	SweepInterval  Duration `yaml:"sweep_interval"`   // In-process hold sweep cadence; 0 = external trigger only
	PurgeInterval  Duration `yaml:"purge_interval"`   // In-process record purge cadence; 0 = external trigger only
	SweepBatchSize int      `yaml:"sweep_batch_size"` // Max expired holds per state per sweep (default: 100)
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	// Global rate limiting (across all clients)
	GlobalEnabled bool     `yaml:"global_enabled"` // Enable global rate limiting
	GlobalLimit   int      `yaml:"global_limit"`   // Requests allowed per global window
	GlobalWindow  Duration `yaml:"global_window"`  // Time window for global limit

	// Per-IP rate limiting
	PerIPEnabled bool     `yaml:"per_ip_enabled"` // Enable per-IP rate limiting
	PerIPLimit   int      `yaml:"per_ip_limit"`   // Requests allowed per IP per window
	PerIPWindow  Duration `yaml:"per_ip_window"`  // Time window for per-IP limit
}

// CircuitBreakerConfig holds circuit breaker configuration for external services.
// Prevents cascading failures by failing fast when the PMS or PSP is degraded.
type CircuitBreakerConfig struct {
	Enabled bool                 `yaml:"enabled"` // Enable circuit breakers (default: true)
	PMSAPI  BreakerServiceConfig `yaml:"pms_api"` // Property-management API circuit breaker
	PSPAPI  BreakerServiceConfig `yaml:"psp_api"` // Payment processor API circuit breaker
}

// BreakerServiceConfig configures a circuit breaker for a specific external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`         // Max requests in half-open state (default: 3)
	Interval            Duration `yaml:"interval"`             // Stats reset interval in closed state (default: 60s)
	Timeout             Duration `yaml:"timeout"`              // Open state timeout before half-open (default: 30s)
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"` // Consecutive failures to trip (default: 5)
	FailureRatio        float64  `yaml:"failure_ratio"`        // Failure ratio to trip 0.0-1.0 (default: 0.5)
	MinRequests         uint32   `yaml:"min_requests"`         // Minimum requests before checking ratio (default: 10)
}
