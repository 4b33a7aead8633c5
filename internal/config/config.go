package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:     ":8080",
			ReadTimeout: Duration{Duration: 15 * time.Second},
			// Route budgets run to 60s (finalize polls, PMS writes); the
			// server-level write deadline must outlast them.
			WriteTimeout: Duration{Duration: 75 * time.Second},
			IdleTimeout:  Duration{Duration: 60 * time.Second},
		},
		Storage: StorageConfig{
			PostgresPool: PostgresPoolConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: Duration{Duration: 5 * time.Minute},
			},
		},
		PMS: PMSConfig{
			ReadTimeout:     Duration{Duration: 8 * time.Second},
			WriteTimeout:    Duration{Duration: 30 * time.Second},
			ReadRetries:     2,
			RetryInterval:   Duration{Duration: 1 * time.Second},
			RetryMultiplier: 2.0,
			ListingCacheTTL: Duration{Duration: 5 * time.Minute},
		},
		PSP: PSPConfig{
			Mode: "test",
		},
		Checkout: CheckoutConfig{
			Currency:        "usd",
			HoldTTL:         Duration{Duration: 15 * time.Minute},
			QuoteTTL:        Duration{Duration: 30 * time.Minute},
			IdempotencyTTL:  Duration{Duration: 24 * time.Hour},
			WebhookDedupTTL: Duration{Duration: 7 * 24 * time.Hour},
			FinalizeMaxWait: Duration{Duration: 30 * time.Second},
		},
		Jobs: JobsConfig{
			SweepBatchSize: 100,
		},
		RateLimit: RateLimitConfig{
			// Generous limits - designed to stop request floods, not restrict legitimate shoppers
			GlobalEnabled: true,
			GlobalLimit:   1000,
			GlobalWindow:  Duration{Duration: 1 * time.Minute},
			PerIPEnabled:  true,
			PerIPLimit:    120,
			PerIPWindow:   Duration{Duration: 1 * time.Minute},
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			PMSAPI: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			PSPAPI: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
