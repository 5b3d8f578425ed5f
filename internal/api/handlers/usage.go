package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/reviewloop/backend/internal/api/request"
	"github.com/reviewloop/backend/internal/api/response"
	"github.com/reviewloop/backend/internal/auth"
	"github.com/reviewloop/backend/internal/models"
	"github.com/reviewloop/backend/internal/usage"
)

// UsageMeter is the usage tracker as the HTTP layer uses it.
type UsageMeter interface {
	Current(ctx context.Context, user *models.User, now time.Time) (usage.Usage, error)
	Consume(ctx context.Context, storeID string, kind usage.Kind) (usage.Usage, error)
	DeleteStore(ctx context.Context, ownerID, storeID, reason string) (*models.LedgerEntry, error)
}

// UsageStore reads stores and closed-period history.
type UsageStore interface {
	GetStore(ctx context.Context, storeID string) (*models.Store, error)
	History(ctx context.Context, userID string, limit int) ([]models.PeriodUsage, error)
}

// UserLookup loads an account.
type UserLookup interface {
	Get(ctx context.Context, id string) (*models.User, error)
}

// UsageHandler handles usage metering endpoints
type UsageHandler struct {
	users UserLookup
	meter UsageMeter
	store UsageStore
	now   func() time.Time
}

// NewUsageHandler creates a new usage handler
func NewUsageHandler(users UserLookup, meter UsageMeter, store UsageStore) *UsageHandler {
	return &UsageHandler{
		users: users,
		meter: meter,
		store: store,
		now:   time.Now,
	}
}

// UsageStats represents usage in the current period. A zero limit means
// unlimited.
type UsageStats struct {
	Tier        models.Tier          `json:"tier"`
	PeriodStart time.Time            `json:"period_start"`
	PeriodEnd   time.Time            `json:"period_end"`
	Scans       int64                `json:"scans"`
	Copies      int64                `json:"copies"`
	ScanLimit   int64                `json:"scan_limit"`
	CopyLimit   int64                `json:"copy_limit"`
	History     []models.PeriodUsage `json:"history"`
}

// GetUsage returns the current-period usage of the authenticated user
// GET /api/v1/usage
func (h *UsageHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, err := h.users.Get(ctx, auth.GetUserID(ctx))
	if err != nil {
		writeError(w, r, err)
		return
	}

	current, err := h.meter.Current(ctx, user, h.now())
	if err != nil {
		writeError(w, r, err)
		return
	}

	limit := request.GetQueryIntWithRange(r, "history", 6, 0, 24)
	history := []models.PeriodUsage{}
	if limit > 0 {
		history, err = h.store.History(ctx, user.ID, limit)
		if err != nil {
			writeError(w, r, err)
			return
		}
	}

	response.Success(w, UsageStats{
		Tier:        user.Tier,
		PeriodStart: current.PeriodStart,
		PeriodEnd:   current.PeriodEnd,
		Scans:       current.Scans,
		Copies:      current.Copies,
		ScanLimit:   current.Limits.Scans,
		CopyLimit:   current.Limits.Copies,
		History:     history,
	})
}

// DeleteStore removes one of the caller's stores. Its usage keeps counting
// for the rest of the period.
// DELETE /api/v1/stores/{storeID}
func (h *UsageHandler) DeleteStore(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entry, err := h.meter.DeleteStore(ctx, auth.GetUserID(ctx), request.GetURLParam(r, "storeID"), "store_deleted")
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.Success(w, map[string]interface{}{
		"deleted":        true,
		"carried_scans":  entry.Scans,
		"carried_copies": entry.Copies,
	})
}

// RecordScan meters a QR scan of a store's public page
// POST /api/v1/public/stores/{storeID}/scans
func (h *UsageHandler) RecordScan(w http.ResponseWriter, r *http.Request) {
	if _, err := h.meter.Consume(r.Context(), request.GetURLParam(r, "storeID"), usage.KindScan); err != nil {
		writeError(w, r, err)
		return
	}
	response.Success(w, map[string]bool{"recorded": true})
}
