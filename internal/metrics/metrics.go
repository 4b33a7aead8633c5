package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the checkout service.
type Metrics struct {
	// Checkout lifecycle metrics
	CheckoutsInitializedTotal prometheus.Counter
	TransitionsTotal          *prometheus.CounterVec

	// Upstream dependency metrics (PMS and PSP calls)
	UpstreamRequestsTotal   *prometheus.CounterVec
	UpstreamRequestDuration *prometheus.HistogramVec

	// Webhook ingress metrics
	WebhooksTotal   *prometheus.CounterVec
	WebhookDuration *prometheus.HistogramVec

	// Hold expiry metrics
	ExpirySweepsTotal      prometheus.Counter
	ExpiredHoldsTotal      prometheus.Counter
	ExpirySweepErrorsTotal prometheus.Counter
	ExpirySweepDuration    prometheus.Histogram

	// HTTP server metrics
	HTTPRequestsInFlight prometheus.Gauge
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec

	// Rate limiting metrics
	RateLimitHitsTotal *prometheus.CounterVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Checkout lifecycle metrics
		CheckoutsInitializedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cove_checkouts_initialized_total",
				Help: "Total number of checkouts initialized",
			},
		),
		TransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cove_checkout_transitions_total",
				Help: "Total number of checkout state transitions",
			},
			[]string{"from_state", "to_state"},
		),

		// Upstream dependency metrics
		UpstreamRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cove_upstream_requests_total",
				Help: "Total number of requests to upstream dependencies",
			},
			[]string{"service", "operation", "outcome"},
		),
		UpstreamRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cove_upstream_request_duration_seconds",
				Help:    "Duration of upstream requests (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"service", "operation"},
		),

		// Webhook ingress metrics
		WebhooksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cove_webhooks_total",
				Help: "Total number of webhook events received",
			},
			[]string{"event_type", "status"},
		),
		WebhookDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cove_webhook_duration_seconds",
				Help:    "Time taken to process a webhook event",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"event_type"},
		),

		// Hold expiry metrics
		ExpirySweepsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cove_expiry_sweeps_total",
				Help: "Total number of hold expiry sweeps",
			},
		),
		ExpiredHoldsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cove_expired_holds_total",
				Help: "Total number of holds expired by the sweep job",
			},
		),
		ExpirySweepErrorsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cove_expiry_sweep_errors_total",
				Help: "Total number of per-checkout failures during expiry sweeps",
			},
		),
		ExpirySweepDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cove_expiry_sweep_duration_seconds",
				Help:    "Duration of hold expiry sweeps",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60},
			},
		),

		// HTTP server metrics
		HTTPRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cove_http_requests_in_flight",
				Help: "Number of HTTP requests currently being served",
			},
		),
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cove_http_requests_total",
				Help: "Total number of HTTP requests served",
			},
			[]string{"method", "path", "status_class"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cove_http_request_duration_seconds",
				Help:    "HTTP request duration (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"method", "path"},
		),

		// Rate limiting metrics
		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cove_rate_limit_hits_total",
				Help: "Total number of rate limit hits",
			},
			[]string{"limit_type", "identifier"},
		),

		// Database metrics
		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cove_db_query_duration_seconds",
				Help:    "Database query duration (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 2},
			},
			[]string{"operation", "backend"},
		),
	}
}

// ObserveCheckoutInitialized records a new checkout.
func (m *Metrics) ObserveCheckoutInitialized() {
	m.CheckoutsInitializedTotal.Inc()
}

// ObserveTransition records a committed state transition.
func (m *Metrics) ObserveTransition(from, to string) {
	m.TransitionsTotal.WithLabelValues(from, to).Inc()
}

// ObserveUpstreamRequest records one attempt against an upstream dependency.
// outcome is "success" or a lowercased error code.
func (m *Metrics) ObserveUpstreamRequest(service, operation, outcome string, duration time.Duration) {
	m.UpstreamRequestsTotal.WithLabelValues(service, operation, outcome).Inc()
	m.UpstreamRequestDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// ObserveWebhook records a processed webhook event.
func (m *Metrics) ObserveWebhook(eventType, status string, duration time.Duration) {
	m.WebhooksTotal.WithLabelValues(eventType, status).Inc()
	m.WebhookDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

// ObserveExpirySweep records one run of the hold expiry sweep.
func (m *Metrics) ObserveExpirySweep(expired, errored int, duration time.Duration) {
	m.ExpirySweepsTotal.Inc()
	m.ExpiredHoldsTotal.Add(float64(expired))
	m.ExpirySweepErrorsTotal.Add(float64(errored))
	m.ExpirySweepDuration.Observe(duration.Seconds())
}

// ObserveHTTPRequest records a completed HTTP request. path should be the
// route pattern, not the raw URL, to keep cardinality bounded.
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	class := "2xx"
	switch {
	case status >= 500:
		class = "5xx"
	case status >= 400:
		class = "4xx"
	case status >= 300:
		class = "3xx"
	case status < 200:
		class = "1xx"
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, class).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// ObserveRateLimit records a rate limit hit.
func (m *Metrics) ObserveRateLimit(limitType, identifier string) {
	m.RateLimitHitsTotal.WithLabelValues(limitType, identifier).Inc()
}

// ObserveDBQuery records a database query.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}
