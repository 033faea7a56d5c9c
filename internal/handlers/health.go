package handlers

import (
	"context"
	"net/http"

	"github.com/veridian-labs/stepfactor/pkg/httpx"
)

// HealthChecker reports whether a dependency is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthHandler reports service liveness and dependency readiness.
type HealthHandler struct {
	checkers map[string]HealthChecker
}

func NewHealthHandler(checkers map[string]HealthChecker) *HealthHandler {
	return &HealthHandler{checkers: checkers}
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	status := http.StatusOK

	for name, checker := range h.checkers {
		if err := checker.HealthCheck(r.Context()); err != nil {
			resp.Status = "degraded"
			resp.Checks[name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}

	httpx.WriteJSON(w, status, resp)
}
