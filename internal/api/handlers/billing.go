package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/reviewloop/backend/internal/api/request"
	"github.com/reviewloop/backend/internal/api/response"
	"github.com/reviewloop/backend/internal/auth"
	"github.com/reviewloop/backend/internal/billing"
	"github.com/reviewloop/backend/internal/models"
)

// Billing is the subscription orchestrator as the HTTP layer uses it.
type Billing interface {
	CreateCheckout(ctx context.Context, user *models.User, plan, returnURL string) (string, error)
	Cancel(ctx context.Context, userID string, req billing.CancelRequest) (billing.CancelResult, error)
	Subscription(ctx context.Context, userID string) (billing.Summary, error)
	Reconcile(ctx context.Context, email string) (billing.ReconcileResult, error)
}

// BillingHandler handles checkout, cancellation and reconciliation
type BillingHandler struct {
	users   UserLookup
	billing Billing
}

// NewBillingHandler creates a new billing handler
func NewBillingHandler(users UserLookup, billing Billing) *BillingHandler {
	return &BillingHandler{users: users, billing: billing}
}

// CheckoutRequest starts a checkout.
type CheckoutRequest struct {
	Plan      string `json:"plan"`
	ReturnURL string `json:"returnUrl"`
}

// Checkout returns a hosted checkout URL for the requested plan
// POST /api/v1/billing/checkout
func (h *BillingHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if err := request.DecodeJSON(w, r, &req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}

	user, err := h.users.Get(r.Context(), auth.GetUserID(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}

	url, err := h.billing.CreateCheckout(r.Context(), user, req.Plan, req.ReturnURL)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.Success(w, map[string]string{"url": url})
}

// Cancel cancels the caller's subscription, optionally with a refund
// POST /api/v1/billing/cancel
func (h *BillingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req billing.CancelRequest
	if err := request.DecodeJSON(w, r, &req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}

	result, err := h.billing.Cancel(r.Context(), auth.GetUserID(r.Context()), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.Success(w, result)
}

// Subscription returns the caller's entitlement and refund eligibility
// GET /api/v1/billing/subscription
func (h *BillingHandler) Subscription(w http.ResponseWriter, r *http.Request) {
	summary, err := h.billing.Subscription(r.Context(), auth.GetUserID(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.Success(w, summary)
}

// ReconcileRequest names the account to repair.
type ReconcileRequest struct {
	Email string `json:"email"`
}

// Reconcile re-derives an account's tier from the payment processor
// POST /api/v1/admin/billing/reconcile
func (h *BillingHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if err := request.DecodeJSON(w, r, &req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" {
		response.BadRequest(w, "email is required")
		return
	}

	result, err := h.billing.Reconcile(r.Context(), email)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.Success(w, result)
}
