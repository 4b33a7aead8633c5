package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/CoveStays/checkout/internal/logger"
	"github.com/CoveStays/checkout/internal/versioning"
	"github.com/CoveStays/checkout/pkg/responders"
)

// health reports liveness plus document-store reachability. The store is the
// only hard dependency: with it down, every checkout operation fails, so the
// probe answers 503 and the balancer stops routing here.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	now := time.Now()
	status := "ok"
	statusCode := http.StatusOK
	storeHealthy := true

	if err := h.store.Ping(ctx); err != nil {
		log := logger.FromContext(r.Context())
		log.Warn().Err(err).Msg("health.store_ping_failed")
		storeHealthy = false
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	response := map[string]any{
		"status":       status,
		"uptime":       now.Sub(serverStartTime).String(),
		"timestamp":    now.UTC(),
		"storeHealthy": storeHealthy,
		"version":      versioning.Get(),
	}

	// Route prefix surfaces here so frontends can discover it.
	if h.cfg.Server.RoutePrefix != "" {
		response["routePrefix"] = h.cfg.Server.RoutePrefix
	}

	responders.JSON(w, statusCode, response)
}
