package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use COVE_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "COVE_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "COVE_ROUTE_PREFIX")
	setStringSliceIfEnv(&c.Server.CORSAllowedOrigins, "COVE_CORS_ORIGINS")

	// Normalize route prefix: ensure it starts with / and doesn't end with /
	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	// Logging config
	setIfEnv(&c.Logging.Level, "COVE_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "COVE_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "COVE_ENVIRONMENT")

	// Storage config
	setIfEnv(&c.Storage.Backend, "COVE_STORAGE_BACKEND")
	setIfEnv(&c.Storage.MongoDBURL, "COVE_MONGODB_URL")
	setIfEnv(&c.Storage.MongoDBDatabase, "COVE_MONGODB_DATABASE")
	setIfEnv(&c.Storage.PostgresURL, "COVE_POSTGRES_URL")

	// PMS config
	setIfEnv(&c.PMS.BaseURL, "COVE_PMS_BASE_URL")
	setIfEnv(&c.PMS.APIKey, "COVE_PMS_API_KEY")
	setDurationIfEnv(&c.PMS.ReadTimeout, "COVE_PMS_READ_TIMEOUT")
	setDurationIfEnv(&c.PMS.WriteTimeout, "COVE_PMS_WRITE_TIMEOUT")
	setIntIfEnv(&c.PMS.ReadRetries, "COVE_PMS_READ_RETRIES")

	// PSP config
	setIfEnv(&c.PSP.SecretKey, "COVE_PSP_SECRET_KEY")
	setIfEnv(&c.PSP.WebhookSecret, "COVE_PSP_WEBHOOK_SECRET")
	setIfEnv(&c.PSP.Mode, "COVE_PSP_MODE")

	// Checkout workflow config. The TTL knobs keep their documented
	// integer-unit names; duration-string forms are also accepted.
	setIfEnv(&c.Checkout.Currency, "COVE_CURRENCY")
	setUnitsIfEnv(&c.Checkout.HoldTTL, "COVE_HOLD_TTL_MINUTES", time.Minute)
	setUnitsIfEnv(&c.Checkout.QuoteTTL, "COVE_QUOTE_TTL_MINUTES", time.Minute)
	setUnitsIfEnv(&c.Checkout.IdempotencyTTL, "COVE_IDEMPOTENCY_TTL_HOURS", time.Hour)
	setUnitsIfEnv(&c.Checkout.WebhookDedupTTL, "COVE_WEBHOOK_DEDUP_TTL_DAYS", 24*time.Hour)

	// Jobs config
	setIfEnv(&c.Jobs.AuthToken, "COVE_JOB_AUTH_TOKEN")
	setDurationIfEnv(&c.Jobs.SweepInterval, "COVE_SWEEP_INTERVAL")
	setDurationIfEnv(&c.Jobs.PurgeInterval, "COVE_PURGE_INTERVAL")
	setIntIfEnv(&c.Jobs.SweepBatchSize, "COVE_SWEEP_BATCH_SIZE")

	// Rate limit config
	setBoolIfEnv(&c.RateLimit.GlobalEnabled, "COVE_RATE_LIMIT_GLOBAL_ENABLED")
	setIntIfEnv(&c.RateLimit.GlobalLimit, "COVE_RATE_LIMIT_GLOBAL_LIMIT")
	setBoolIfEnv(&c.RateLimit.PerIPEnabled, "COVE_RATE_LIMIT_PER_IP_ENABLED")
	setIntIfEnv(&c.RateLimit.PerIPLimit, "COVE_RATE_LIMIT_PER_IP_LIMIT")

	// Circuit breaker config
	setBoolIfEnv(&c.CircuitBreaker.Enabled, "COVE_CIRCUIT_BREAKER_ENABLED")
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setIntIfEnv sets an int pointer from an environment variable.
func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
// Uses time.ParseDuration to parse values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

// setUnitsIfEnv sets a Duration from an environment variable expressed as an
// integer count of the given unit ("15" with unit=minute means 15 minutes).
// Go-style duration strings ("90m") are accepted too.
func setUnitsIfEnv(target *Duration, key string, unit time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*target = Duration{Duration: time.Duration(n) * unit}
		return
	}
	if dur, err := time.ParseDuration(v); err == nil {
		*target = Duration{Duration: dur}
	}
}

// setStringSliceIfEnv sets a string slice from a comma-separated environment variable.
func setStringSliceIfEnv(target *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) > 0 {
		*target = out
	}
}

// normalizeRoutePrefix ensures the prefix starts with / and doesn't end with /.
// Examples: "api" -> "/api", "/api/" -> "/api", "checkout-core" -> "/checkout-core"
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	// Ensure it starts with /
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	// Ensure it doesn't end with /
	prefix = strings.TrimSuffix(prefix, "/")
	return prefix
}
