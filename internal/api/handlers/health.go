package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/reviewloop/backend/internal/api/response"
)

// CheckFunc reports whether a dependency is reachable.
type CheckFunc func(ctx context.Context) error

// HealthChecker provides health check functionality
type HealthChecker struct {
	checks map[string]CheckFunc
	// critical dependencies fail readiness; the rest only degrade /health
	critical map[string]bool
}

// NewHealthChecker creates a new health checker
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		checks:   make(map[string]CheckFunc),
		critical: make(map[string]bool),
	}
}

// Add registers a dependency check.
func (h *HealthChecker) Add(name string, critical bool, check CheckFunc) *HealthChecker {
	h.checks[name] = check
	h.critical[name] = critical
	return h
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

// Health handles GET /health
func (h *HealthChecker) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	services := make(map[string]string, len(h.checks))
	overallStatus := "healthy"

	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			services[name] = "unhealthy"
			overallStatus = "degraded"
			continue
		}
		services[name] = "healthy"
	}

	resp := HealthResponse{
		Status:    overallStatus,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Services:  services,
	}

	statusCode := http.StatusOK
	if overallStatus != "healthy" {
		statusCode = http.StatusServiceUnavailable
	}

	response.JSON(w, statusCode, resp)
}

// LivenessProbe handles GET /health/live - simple liveness check
func LivenessProbe(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, map[string]string{
		"status": "alive",
	})
}

// ReadinessProbe handles GET /health/ready. Only critical dependencies are
// consulted: the counter store failing degrades limits but does not stop
// traffic.
func (h *HealthChecker) ReadinessProbe(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if !h.critical[name] {
			continue
		}
		if err := h.checks[name](ctx); err != nil {
			response.Error(w, http.StatusServiceUnavailable, "not_ready", name+" not ready")
			return
		}
	}

	response.JSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
