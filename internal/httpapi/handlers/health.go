package handlers

import (
	"context"
	"net/http"
	"time"

	"renderapi/internal/httpkit"
	"renderapi/internal/repositories"
)

type check struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// Health handles GET /healthz. With ?deep=true it also pings the job store
// and Redis; a failing dependency reports ok=false but still answers 200.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	health := map[string]any{"ok": true}

	if r.URL.Query().Get("deep") == "true" {
		checks := h.deepHealthCheck(ctx)
		health["checks"] = checks

		for name, c := range checks {
			if c.Status != "ok" {
				health["ok"] = false
				h.log.FromContext(ctx).Warn("health check degraded", "check", name, "error", c.Error)
			}
		}
	}

	httpkit.WriteJSON(w, http.StatusOK, health)
}

func (h *Handler) deepHealthCheck(ctx context.Context) map[string]check {
	checks := make(map[string]check)

	if p, ok := h.store.(repositories.Pinger); ok {
		checks["store"] = ping(ctx, p.Ping)
	} else if h.store != nil {
		checks["store"] = check{Status: "ok"}
	}

	if h.rdb != nil {
		checks["redis"] = ping(ctx, func(ctx context.Context) error {
			return h.rdb.Ping(ctx).Err()
		})
	}

	return checks
}

func ping(ctx context.Context, fn func(context.Context) error) check {
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	c := check{Status: "ok"}
	if err := fn(checkCtx); err != nil {
		c.Status = "error"
		c.Error = err.Error()
	}
	c.LatencyMS = time.Since(start).Milliseconds()
	return c
}
