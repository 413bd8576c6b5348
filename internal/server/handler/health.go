package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Check reports on one dependency.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// HealthHandler serves GET /api/health.
type HealthHandler struct {
	checks  []Check
	swaps   SwapService
	started time.Time
	logger  *slog.Logger
}

// NewHealthHandler creates a HealthHandler. Checks run on every request with
// a short timeout.
func NewHealthHandler(swaps SwapService, checks []Check, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{checks: checks, swaps: swaps, started: time.Now(), logger: logger}
}

// HealthCheck reports 200 when every dependency answers and 503 otherwise.
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	deps := make(map[string]string, len(h.checks))
	for _, c := range h.checks {
		if err := c.Probe(ctx); err != nil {
			h.logger.WarnContext(ctx, "health check failed", slog.String("check", c.Name), slog.String("error", err.Error()))
			deps[c.Name] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		deps[c.Name] = "ok"
	}

	writeJSON(w, code, map[string]any{
		"status":         status,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"chains":         h.swaps.Chains(),
		"active_orders":  len(h.swaps.Orders()),
		"dependencies":   deps,
	})
}
