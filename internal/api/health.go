package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vulnzero/machines/internal/container"
	"github.com/vulnzero/machines/internal/session"
	"github.com/vulnzero/machines/internal/store"
)

const defaultHealthCheckTimeout = 5 * time.Second

// StatsSource reports registry occupancy.
type StatsSource interface {
	Stats() session.Stats
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	stats   StatsSource
	runtime container.Pinger
	journal store.Repository
	timeout time.Duration
}

// NewHealthHandler creates a new health handler. runtime may be nil.
func NewHealthHandler(stats StatsSource, runtime container.Pinger, journal store.Repository, timeout time.Duration) *HealthHandler {
	if journal == nil {
		journal = store.Nop{}
	}
	if timeout <= 0 {
		timeout = defaultHealthCheckTimeout
	}
	return &HealthHandler{stats: stats, runtime: runtime, journal: journal, timeout: timeout}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := "healthy"
	statusCode := http.StatusOK

	if h.runtime != nil {
		if err := h.runtime.Ping(ctx); err != nil {
			slog.Error("Health check failed", "dependency", "runtime", "error", err)
			checks["runtime"] = "unreachable"
			status = "degraded"
			statusCode = http.StatusServiceUnavailable
		} else {
			checks["runtime"] = "ok"
		}
	}

	// The journal is best effort, so its failure degrades without failing.
	if err := h.journal.Ping(ctx); err != nil {
		slog.Warn("Health check failed", "dependency", "journal", "error", err)
		checks["journal"] = "unreachable"
		status = "degraded"
	} else {
		checks["journal"] = "ok"
	}

	stats := h.stats.Stats()

	JSON(w, statusCode, map[string]interface{}{
		"status":   status,
		"checks":   checks,
		"sessions": stats,
	})
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}

// RegisterMetrics exposes g on /metrics.
func RegisterMetrics(r chi.Router, g prometheus.Gatherer) {
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}
