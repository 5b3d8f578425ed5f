package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/reviewloop/backend/internal/api/response"
	"github.com/reviewloop/backend/internal/jobs"
	"github.com/reviewloop/backend/internal/usage"
)

// Maintenance runs the operator-triggered jobs.
type Maintenance interface {
	Sweep(ctx context.Context) (jobs.SweepResult, error)
	SyncUsage(ctx context.Context) (usage.SyncStats, error)
}

// StatusHandler handles operator endpoints: manual job runs and status
type StatusHandler struct {
	jobs        Maintenance
	schedule    func() map[string]jobs.JobStats
	environment string
	aiEnabled   bool
	startTime   time.Time
}

// NewStatusHandler creates a new status handler. schedule may be nil when
// the in-process scheduler is disabled.
func NewStatusHandler(maintenance Maintenance, schedule func() map[string]jobs.JobStats, environment string, aiEnabled bool) *StatusHandler {
	return &StatusHandler{
		jobs:        maintenance,
		schedule:    schedule,
		environment: environment,
		aiEnabled:   aiEnabled,
		startTime:   time.Now(),
	}
}

// SystemStatusResponse represents the operator status view
type SystemStatusResponse struct {
	Uptime      string                   `json:"uptime"`
	Environment string                   `json:"environment"`
	Timestamp   string                   `json:"timestamp"`
	AIEnabled   bool                     `json:"ai_enabled"`
	Jobs        map[string]jobs.JobStats `json:"jobs"`
}

// GetStatus handles GET /internal/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	stats := map[string]jobs.JobStats{}
	if h.schedule != nil {
		stats = h.schedule()
	}

	response.Success(w, SystemStatusResponse{
		Uptime:      time.Since(h.startTime).Round(time.Second).String(),
		Environment: h.environment,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		AIEnabled:   h.aiEnabled,
		Jobs:        stats,
	})
}

// Cleanup purges accounts past their deletion grace window
// POST /internal/cron/cleanup
func (h *StatusHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	result, err := h.jobs.Sweep(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.Success(w, map[string]interface{}{
		"purged": len(result.Purged),
		"cutoff": result.Cutoff,
	})
}

// SyncUsage drains pending usage counters into the database
// POST /internal/cron/sync-usage
func (h *StatusHandler) SyncUsage(w http.ResponseWriter, r *http.Request) {
	stats, err := h.jobs.SyncUsage(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.Success(w, stats)
}
