// Command server runs the Cove checkout service standalone.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/CoveStays/checkout/internal/config"
	"github.com/CoveStays/checkout/internal/httpserver"
	"github.com/CoveStays/checkout/internal/versioning"
	"github.com/CoveStays/checkout/pkg/cove"
)

// shutdownTimeout bounds the drain of in-flight requests. Finalize holds a
// connection for up to 30s while it polls, so the drain window must outlast
// that.
const shutdownTimeout = 45 * time.Second

func main() {
	configPath := flag.String("config", "", "path to cove.yaml (optional, COVE_* env vars override)")
	flag.Parse()

	// .env is a dev convenience; deployments set the environment directly.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("configuration load failed")
	}

	app, err := cove.NewApp(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("service assembly failed")
	}
	appLogger := app.Logger()

	srv := httpserver.New(cfg, app.Handler())

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		appLogger.Info().Str("signal", sig.String()).Msg("shutdown requested")

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			appLogger.Error().Err(err).Msg("http drain failed")
		}
	}()

	appLogger.Info().
		Str("address", cfg.Server.Address).
		Str("version", versioning.Get().Version).
		Str("storage", cfg.Storage.Backend).
		Msg("checkout service listening")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		appLogger.Fatal().Err(err).Msg("http server failed")
	}

	// Requests have drained; stop the hold sweeper and close storage.
	if err := app.Close(); err != nil {
		appLogger.Error().Err(err).Msg("resource cleanup failed")
	}
	appLogger.Info().Msg("checkout service stopped")
}
