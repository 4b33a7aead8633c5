// Package cove assembles the checkout service for embedding or standalone
// serving: document store, PMS and PSP adapters, the state machine and
// orchestrator, the expiry engine, and the HTTP router.
package cove

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/CoveStays/checkout/internal/checkout"
	"github.com/CoveStays/checkout/internal/circuitbreaker"
	"github.com/CoveStays/checkout/internal/config"
	"github.com/CoveStays/checkout/internal/expiry"
	"github.com/CoveStays/checkout/internal/httpserver"
	"github.com/CoveStays/checkout/internal/idempotency"
	"github.com/CoveStays/checkout/internal/lifecycle"
	"github.com/CoveStays/checkout/internal/logger"
	"github.com/CoveStays/checkout/internal/metrics"
	"github.com/CoveStays/checkout/internal/pms"
	"github.com/CoveStays/checkout/internal/psp"
	"github.com/CoveStays/checkout/internal/store"
	"github.com/CoveStays/checkout/internal/versioning"
)

// App wires the checkout components for reuse or standalone serving.
//
// PSP stays the concrete client because webhook signature verification is
// bound to the configured endpoint secret; the orchestrator's payment
// processor can still be swapped through WithPaymentProcessor.
type App struct {
	Config   *config.Config
	Store    store.Gateway
	PMS      checkout.PropertySystem
	PSP      *psp.Client
	Checkout *checkout.Service
	Machine  *checkout.Machine
	Engine   *expiry.Engine
	Deduper  *idempotency.Deduper

	router           chi.Router
	resourceManager  *lifecycle.Manager
	metricsCollector *metrics.Metrics
	logger           zerolog.Logger
}

// Option configures App construction.
type Option func(*options)

type options struct {
	gateway   store.Gateway
	pms       checkout.PropertySystem
	processor checkout.PaymentProcessor
	router    chi.Router
	registry  prometheus.Registerer
}

// WithGateway sets a custom document store gateway. The caller keeps
// ownership: the app will not close it.
func WithGateway(gw store.Gateway) Option {
	return func(o *options) {
		o.gateway = gw
	}
}

// WithPropertySystem injects a custom PMS adapter. The expiry engine releases
// holds through the same adapter.
func WithPropertySystem(ps checkout.PropertySystem) Option {
	return func(o *options) {
		o.pms = ps
	}
}

// WithPaymentProcessor injects a custom payment processor for the
// orchestrator. Webhook verification still runs through the configured PSP
// client.
func WithPaymentProcessor(pp checkout.PaymentProcessor) Option {
	return func(o *options) {
		o.processor = pp
	}
}

// WithRouter registers the checkout routes onto the given chi.Router. The
// router must not have handlers registered yet: chi requires middleware
// before routes, and the checkout middleware stack is installed here.
func WithRouter(router chi.Router) Option {
	return func(o *options) {
		o.router = router
	}
}

// WithRegistry sets the Prometheus registry metrics are registered on.
// Defaults to the process-global registry; embedders constructing more than
// one App must provide their own to avoid duplicate registration.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(o *options) {
		o.registry = registry
	}
}

// NewApp assembles the checkout service for embedding. The expiry engine is
// started (passive unless intervals are configured) and stopped again by
// Close.
func NewApp(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("cove: config required")
	}

	optState := options{}
	for _, opt := range opts {
		opt(&optState)
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "cove-checkout",
		Version:     versioning.Get().Version,
		Environment: cfg.Logging.Environment,
	})

	registry := optState.registry
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	collector := metrics.New(registry)

	app := &App{
		Config:           cfg,
		resourceManager:  lifecycle.NewManager(),
		metricsCollector: collector,
		logger:           appLogger,
	}

	if optState.gateway != nil {
		app.Store = optState.gateway
	} else {
		gw, err := store.NewGateway(store.Config{
			Backend:         cfg.Storage.Backend,
			MongoDBURL:      cfg.Storage.MongoDBURL,
			MongoDBDatabase: cfg.Storage.MongoDBDatabase,
			PostgresURL:     cfg.Storage.PostgresURL,
			PostgresPool:    cfg.Storage.PostgresPool,
			Metrics:         collector,
		})
		if err != nil {
			return nil, err
		}
		app.Store = gw
		app.resourceManager.Register("storage", gw)
		if cfg.Storage.Backend == "" || cfg.Storage.Backend == "memory" {
			appLogger.Warn().
				Msg("cove: using the in-memory store, checkouts do not survive a restart")
		}
	}

	// PMS and PSP share one breaker manager so the jobs surface and the
	// request path see the same upstream health.
	breakers := circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker)

	app.PSP = psp.NewClient(cfg.PSP, []string{cfg.Checkout.Currency}, breakers, collector)

	if optState.pms != nil {
		app.PMS = optState.pms
	} else {
		app.PMS = pms.NewClient(cfg.PMS, breakers, collector)
	}

	var processor checkout.PaymentProcessor = app.PSP
	if optState.processor != nil {
		processor = optState.processor
	}

	app.Machine = checkout.NewMachine(app.Store, collector)
	app.Checkout = checkout.NewService(cfg.Checkout, app.Store, app.Machine, app.PMS, processor, collector)
	app.Deduper = idempotency.NewDeduper(app.Store, cfg.Checkout.WebhookDedupTTL.Duration)

	app.Engine = expiry.NewEngine(app.Store, app.Machine, app.PMS, cfg.Jobs, collector, appLogger)
	app.Engine.Start()
	app.resourceManager.RegisterFunc("expiry-engine", app.Engine.Stop)

	if optState.router != nil {
		app.router = optState.router
	} else {
		app.router = chi.NewRouter()
	}

	httpserver.ConfigureRouter(app.router, cfg, app.Checkout, app.PSP, app.Engine,
		app.Store, app.Deduper, collector, appLogger)

	return app, nil
}

// Router returns the chi router with the checkout routes registered.
func (a *App) Router() chi.Router {
	return a.router
}

// Handler exposes the router as an http.Handler.
func (a *App) Handler() http.Handler {
	return a.router
}

// Logger returns the app's configured logger for callers that want to share
// it.
func (a *App) Logger() zerolog.Logger {
	return a.logger
}

// Close stops the expiry engine and releases owned resources, in reverse
// construction order. Calling it again is a no-op.
func (a *App) Close() error {
	return a.resourceManager.Close()
}

// NewHandler constructs an App and returns its handler plus a shutdown
// function, for embedders that only want a mountable http.Handler.
func NewHandler(cfg *config.Config, opts ...Option) (http.Handler, func(context.Context) error, error) {
	app, err := NewApp(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	shutdown := func(context.Context) error {
		return app.Close()
	}
	return app.Handler(), shutdown, nil
}

// Config is an exported alias of the internal configuration struct for
// embedding use.
type Config = config.Config

// LoadConfig wraps the internal loader for embedders.
func LoadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}
