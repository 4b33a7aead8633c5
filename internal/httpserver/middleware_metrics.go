package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/CoveStays/checkout/internal/errors"
	"github.com/CoveStays/checkout/internal/metrics"
)

// metricsMiddleware observes in-flight requests, totals, and latency. The
// path label uses the chi route pattern so URL parameters don't explode
// metric cardinality.
func metricsMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	if m == nil {
		return func(next http.Handler) http.Handler { return next }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.HTTPRequestsInFlight.Inc()
			defer m.HTTPRequestsInFlight.Dec()

			sw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(sw, r)

			path := chi.RouteContext(r.Context()).RoutePattern()
			if path == "" {
				path = "unmatched"
			}
			m.ObserveHTTPRequest(r.Method, path, sw.status, time.Since(start))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// bearerAuth protects service-to-service endpoints with the job auth token.
//
// With requireToken, an unconfigured token disables the surface entirely
// (503) instead of running it open. Without it, an empty token means open
// access; that keeps /metrics reachable in dev without ceremony.
func bearerAuth(token string, requireToken bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				if requireToken {
					apperrors.WriteCode(w, apperrors.CodeUnavailable,
						"jobs endpoint disabled: no auth token configured", nil)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			if r.Header.Get("Authorization") != "Bearer "+token {
				apperrors.WriteCode(w, apperrors.CodeUnauthorized, "invalid or missing bearer token", nil)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
