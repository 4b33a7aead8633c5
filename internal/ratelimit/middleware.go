package ratelimit

import (
	"fmt"
	"net/http"

	"github.com/go-chi/httprate"

	"github.com/CoveStays/checkout/internal/config"
	apperrors "github.com/CoveStays/checkout/internal/errors"
	"github.com/CoveStays/checkout/internal/metrics"
)

// limitHandler builds the 429 handler shared by the global and per-IP
// limiters. Rate-limit rejections use the standard error body so clients
// handle them the same way as any other retryable failure.
func limitHandler(limitType string, windowSeconds int, identify func(*http.Request) string, m *metrics.Metrics) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		identifier := "all"
		if identify != nil {
			if id := identify(r); id != "" {
				identifier = id
			}
		}

		if m != nil {
			m.ObserveRateLimit(limitType, identifier)
		}

		w.Header().Set("Retry-After", fmt.Sprintf("%d", windowSeconds))
		apperrors.WriteCode(w, apperrors.CodeRateLimited, "rate limit exceeded, retry later", map[string]interface{}{
			"limit":               limitType,
			"retry_after_seconds": windowSeconds,
		})
	}
}

// passthrough is the no-op middleware returned when a limiter is disabled.
func passthrough(next http.Handler) http.Handler {
	return next
}

// GlobalLimiter limits total request volume across all clients. It sits in
// front of the per-IP limiter and exists to cap aggregate load, not to be
// fair to individual shoppers.
func GlobalLimiter(cfg config.RateLimitConfig, m *metrics.Metrics) func(http.Handler) http.Handler {
	if !cfg.GlobalEnabled || cfg.GlobalLimit <= 0 {
		return passthrough
	}

	return httprate.Limit(
		cfg.GlobalLimit,
		cfg.GlobalWindow.Duration,
		// A single shared bucket: every request maps to the same key.
		httprate.WithKeyFuncs(func(*http.Request) (string, error) { return "global", nil }),
		httprate.WithLimitHandler(
			limitHandler("global", int(cfg.GlobalWindow.Seconds()), nil, m),
		),
	)
}

// IPLimiter limits request volume per client IP. RealIP middleware must run
// earlier in the chain so RemoteAddr reflects the actual client behind any
// proxy.
func IPLimiter(cfg config.RateLimitConfig, m *metrics.Metrics) func(http.Handler) http.Handler {
	if !cfg.PerIPEnabled || cfg.PerIPLimit <= 0 {
		return passthrough
	}

	return httprate.Limit(
		cfg.PerIPLimit,
		cfg.PerIPWindow.Duration,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(
			limitHandler("per_ip", int(cfg.PerIPWindow.Seconds()), func(r *http.Request) string { return r.RemoteAddr }, m),
		),
	)
}
