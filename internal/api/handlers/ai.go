package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/reviewloop/backend/internal/ai"
	"github.com/reviewloop/backend/internal/api/request"
	"github.com/reviewloop/backend/internal/api/response"
	"github.com/reviewloop/backend/internal/usage"
)

const (
	maxHighlights   = 5
	maxHighlightLen = 60 // runes
)

// Drafter writes review drafts.
type Drafter interface {
	Draft(ctx context.Context, req ai.DraftRequest) ai.Draft
}

// AIHandler handles review drafting on a store's public page
type AIHandler struct {
	meter   UsageMeter
	stores  UsageStore
	drafter Drafter
}

// NewAIHandler creates a new AI handler
func NewAIHandler(meter UsageMeter, stores UsageStore, drafter Drafter) *AIHandler {
	return &AIHandler{
		meter:   meter,
		stores:  stores,
		drafter: drafter,
	}
}

// CopyRequest is the visitor's input for a review draft.
type CopyRequest struct {
	// Rating is 1 to 5 stars; 0 or absent leaves it out of the draft.
	Rating     int      `json:"rating"`
	Highlights []string `json:"highlights"`
}

// DraftCopy meters one copy against the store owner's quota and returns a
// review draft for the visitor to paste.
// POST /api/v1/public/stores/{storeID}/copies
func (h *AIHandler) DraftCopy(w http.ResponseWriter, r *http.Request) {
	var req CopyRequest
	if err := request.DecodeJSON(w, r, &req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}
	if req.Rating < 0 || req.Rating > 5 {
		response.BadRequest(w, "Rating must be between 1 and 5, or 0 to leave it unset")
		return
	}

	storeID := request.GetURLParam(r, "storeID")
	store, err := h.stores.GetStore(r.Context(), storeID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if _, err := h.meter.Consume(r.Context(), storeID, usage.KindCopy); err != nil {
		writeError(w, r, err)
		return
	}

	draft := h.drafter.Draft(r.Context(), ai.DraftRequest{
		StoreName:  store.Name,
		Rating:     req.Rating,
		Highlights: cleanHighlights(req.Highlights),
	})
	response.Success(w, draft)
}

func cleanHighlights(in []string) []string {
	out := make([]string, 0, len(in))
	for _, h := range in {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if runes := []rune(h); len(runes) > maxHighlightLen {
			h = strings.TrimSpace(string(runes[:maxHighlightLen]))
		}
		out = append(out, h)
		if len(out) == maxHighlights {
			break
		}
	}
	return out
}
