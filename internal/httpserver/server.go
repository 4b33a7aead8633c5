package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/CoveStays/checkout/internal/checkout"
	"github.com/CoveStays/checkout/internal/config"
	apperrors "github.com/CoveStays/checkout/internal/errors"
	"github.com/CoveStays/checkout/internal/expiry"
	"github.com/CoveStays/checkout/internal/idempotency"
	"github.com/CoveStays/checkout/internal/logger"
	"github.com/CoveStays/checkout/internal/metrics"
	"github.com/CoveStays/checkout/internal/psp"
	"github.com/CoveStays/checkout/internal/ratelimit"
	"github.com/CoveStays/checkout/internal/store"
)

var serverStartTime = time.Now()

// Server wraps the standard http.Server with the configured listen address
// and timeouts.
type Server struct {
	httpServer *http.Server
}

type handlers struct {
	cfg      *config.Config
	checkout *checkout.Service    // Checkout orchestrator
	psp      *psp.Client          // Verifies webhook signatures
	engine   *expiry.Engine       // Hold sweeps + record purges for the jobs surface
	deduper  *idempotency.Deduper // Webhook event dedup
	store    store.Gateway        // Health pings + idempotency records
	metrics  *metrics.Metrics     // Prometheus metrics collector
	logger   zerolog.Logger       // Structured logger
}

// New wraps an already configured handler, normally a router produced by
// ConfigureRouter, with the server settings from config.
func New(cfg *config.Config, handler http.Handler) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      handler,
		},
	}
}

// ConfigureRouter attaches the checkout routes to an existing router.
func ConfigureRouter(router chi.Router, cfg *config.Config, checkoutSvc *checkout.Service, pspClient *psp.Client, engine *expiry.Engine, gw store.Gateway, deduper *idempotency.Deduper, metricsCollector *metrics.Metrics, appLogger zerolog.Logger) {
	if router == nil {
		return
	}

	handler := handlers{
		cfg:      cfg,
		checkout: checkoutSvc,
		psp:      pspClient,
		engine:   engine,
		deduper:  deduper,
		store:    gw,
		metrics:  metricsCollector,
		logger:   appLogger,
	}

	// Security headers first so every response carries them, including
	// middleware rejections.
	router.Use(securityHeadersMiddleware)

	// Structured logging with request ids; everything downstream logs
	// through the request-scoped logger.
	router.Use(logger.Middleware(appLogger))
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"X-Request-ID", "X-Idempotency-Replay"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	// Rate limits run after RealIP so the per-IP bucket keys on the real
	// client address.
	router.Use(ratelimit.GlobalLimiter(cfg.RateLimit, metricsCollector))
	router.Use(ratelimit.IPLimiter(cfg.RateLimit, metricsCollector))

	router.Use(metricsMiddleware(metricsCollector))

	// Unknown routes and wrong methods answer in the standard error shape.
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apperrors.WriteCode(w, apperrors.CodeNotFound, "route not found", nil)
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apperrors.WriteCode(w, apperrors.CodeMethodNotAllowed, "method not allowed", nil)
	})

	// NOTE: Timeout middleware is applied per route group below so the
	// lightweight health/metrics endpoints don't inherit the 60s budget
	// the PMS write paths need.

	prefix := cfg.Server.RoutePrefix

	// Liveness and metrics with a 5s budget.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get(prefix+"/healthz", handler.health)
		// Guarded by the job bearer token when one is configured.
		r.With(bearerAuth(cfg.Jobs.AuthToken, false)).Handle(prefix+"/metrics", promhttp.Handler())
	})

	idemOptional := idempotency.Optional(gw, cfg.Checkout.IdempotencyTTL.Duration)
	idemRequired := idempotency.Required(gw, cfg.Checkout.IdempotencyTTL.Duration)

	// Checkout API with a 60s budget: hold and payment paths sit on a 30s
	// PMS write deadline, finalize polls for up to 30s.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.With(idemOptional).Post(prefix+"/checkout/initialize", handler.initializeCheckout)
		r.Get(prefix+"/checkout/{checkoutId}", handler.getCheckout)
		r.Patch(prefix+"/checkout/{checkoutId}/guest", handler.updateGuest)
		r.With(idemRequired).Post(prefix+"/checkout/{checkoutId}/hold", handler.createHold)
		r.With(idemRequired).Post(prefix+"/checkout/{checkoutId}/payment-intent", handler.createPaymentIntent)
		r.Post(prefix+"/checkout/{checkoutId}/finalize", handler.finalizeCheckout)
		r.Post(prefix+"/checkout/{checkoutId}/cancel", handler.cancelCheckout)
	})

	// PSP webhooks. Kept at a stable path: the processor retries against
	// the URL registered in its dashboard.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Post(prefix+"/webhooks/psp", handler.pspWebhook)
	})

	// Jobs surface: service-to-service only, long budget for full sweeps.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(120 * time.Second))
		r.Use(bearerAuth(cfg.Jobs.AuthToken, true))
		r.Post(prefix+"/jobs/expire-holds", handler.expireHolds)
		r.Post(prefix+"/jobs/purge-records", handler.purgeRecords)
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
