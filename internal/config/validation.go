package config

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	// Apply defaults
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.PSP.Mode == "" {
		c.PSP.Mode = "test"
	}

	c.Checkout.Currency = strings.ToLower(strings.TrimSpace(c.Checkout.Currency))
	if c.Checkout.Currency == "" {
		c.Checkout.Currency = "usd"
	}

	if c.Checkout.HoldTTL.Duration <= 0 {
		c.Checkout.HoldTTL = Duration{Duration: 15 * time.Minute}
	}
	if c.Checkout.QuoteTTL.Duration <= 0 {
		c.Checkout.QuoteTTL = Duration{Duration: 30 * time.Minute}
	}
	if c.Checkout.IdempotencyTTL.Duration <= 0 {
		c.Checkout.IdempotencyTTL = Duration{Duration: 24 * time.Hour}
	}
	if c.Checkout.WebhookDedupTTL.Duration <= 0 {
		c.Checkout.WebhookDedupTTL = Duration{Duration: 7 * 24 * time.Hour}
	}
	if c.Checkout.FinalizeMaxWait.Duration <= 0 || c.Checkout.FinalizeMaxWait.Duration > 30*time.Second {
		// 30s is a hard cap, not a default: finalize holds an HTTP request open
		c.Checkout.FinalizeMaxWait = Duration{Duration: 30 * time.Second}
	}

	if c.Jobs.SweepBatchSize <= 0 {
		c.Jobs.SweepBatchSize = 100
	}

	if c.PMS.ReadTimeout.Duration <= 0 {
		c.PMS.ReadTimeout = Duration{Duration: 8 * time.Second}
	}
	if c.PMS.WriteTimeout.Duration <= 0 {
		c.PMS.WriteTimeout = Duration{Duration: 30 * time.Second}
	}
	if c.PMS.ReadRetries < 0 {
		c.PMS.ReadRetries = 0
	}
	if c.PMS.RetryInterval.Duration <= 0 {
		c.PMS.RetryInterval = Duration{Duration: 1 * time.Second}
	}
	if c.PMS.RetryMultiplier < 1 {
		c.PMS.RetryMultiplier = 2.0
	}

	if c.RateLimit.GlobalWindow.Duration <= 0 {
		c.RateLimit.GlobalWindow = Duration{Duration: 1 * time.Minute}
	}
	if c.RateLimit.PerIPWindow.Duration <= 0 {
		c.RateLimit.PerIPWindow = Duration{Duration: 1 * time.Minute}
	}

	return c.validate()
}

// validate checks that required configuration fields are set correctly.
func (c *Config) validate() error {
	var errs []string

	production := strings.EqualFold(c.Logging.Environment, "production")

	// Storage validation
	switch c.Storage.Backend {
	case "", "memory":
		if production {
			errs = append(errs, "storage.backend must be 'mongodb' or 'postgres' in production (memory loses all checkouts on restart)")
		}
	case "mongodb":
		if c.Storage.MongoDBURL == "" {
			errs = append(errs, "storage.mongodb_url is required when storage.backend is 'mongodb'")
		}
		if c.Storage.MongoDBDatabase == "" {
			errs = append(errs, "storage.mongodb_database is required when storage.backend is 'mongodb'")
		}
	case "postgres":
		if c.Storage.PostgresURL == "" {
			errs = append(errs, "storage.postgres_url is required when storage.backend is 'postgres'")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.backend %q is not one of memory, mongodb, postgres", c.Storage.Backend))
	}

	// PMS validation
	if c.PMS.BaseURL == "" {
		if production {
			errs = append(errs, "pms.base_url is required")
		}
	} else if u, err := url.Parse(c.PMS.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("pms.base_url %q is not an absolute URL", c.PMS.BaseURL))
	}
	if production && c.PMS.APIKey == "" {
		errs = append(errs, "pms.api_key is required")
	}

	// PSP validation. The webhook secret gates the entire confirmation path:
	// without it every payment_intent.succeeded delivery is rejected.
	if c.PSP.SecretKey != "" && c.PSP.WebhookSecret == "" {
		errs = append(errs, "psp.webhook_secret is required when psp.secret_key is set")
	}
	if production && c.PSP.SecretKey == "" {
		errs = append(errs, "psp.secret_key is required")
	}
	switch c.PSP.Mode {
	case "live", "test":
	default:
		errs = append(errs, fmt.Sprintf("psp.mode %q is not one of live, test", c.PSP.Mode))
	}

	// Checkout validation
	if len(c.Checkout.Currency) != 3 {
		errs = append(errs, fmt.Sprintf("checkout.currency %q must be a 3-letter ISO code", c.Checkout.Currency))
	}
	if c.Checkout.HoldTTL.Duration < time.Minute {
		errs = append(errs, "checkout.hold_ttl below 1m would expire holds before payment entry completes")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// ApplyPostgresPoolSettings applies connection pool settings to a database connection.
// If pool config is not specified, applies sensible defaults.
func ApplyPostgresPoolSettings(db *sql.DB, pool PostgresPoolConfig) {
	maxOpen := pool.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25 // default
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5 // default
	}

	// Validate: maxIdle cannot exceed maxOpen
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	maxLifetime := pool.ConnMaxLifetime.Duration
	if maxLifetime <= 0 {
		maxLifetime = 5 * time.Minute // default
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
}
