package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/reviewloop/backend/internal/api/response"
	"github.com/reviewloop/backend/internal/auth"
	"github.com/reviewloop/backend/internal/models"
	"github.com/reviewloop/backend/internal/service"
)

// Accounts is the account lifecycle as the HTTP layer uses it.
type Accounts interface {
	SignIn(ctx context.Context, userID, email string) (service.SignInResult, error)
	Get(ctx context.Context, userID string) (*models.User, error)
	Delete(ctx context.Context, userID string) (time.Time, error)
}

// AuthHandler handles sign-in and the current account
type AuthHandler struct {
	accounts Accounts
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(accounts Accounts) *AuthHandler {
	return &AuthHandler{accounts: accounts}
}

// UserResponse represents a user in API responses
type UserResponse struct {
	ID                    string      `json:"id"`
	Email                 string      `json:"email"`
	Tier                  models.Tier `json:"tier"`
	HasSubscription       bool        `json:"has_subscription"`
	SubscriptionStartedAt *time.Time  `json:"subscription_started_at,omitempty"`
	CreatedAt             time.Time   `json:"created_at"`
}

func newUserResponse(u *models.User) *UserResponse {
	return &UserResponse{
		ID:                    u.ID,
		Email:                 u.Email,
		Tier:                  u.Tier,
		HasSubscription:       u.HasSubscription(),
		SubscriptionStartedAt: u.SubscriptionStartedAt,
		CreatedAt:             u.CreatedAt,
	}
}

// SignIn records a sign-in from the identity provider: first sign-in creates
// the account, a sign-in within the deletion grace window restores it.
// POST /api/v1/auth/signin
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	if claims == nil {
		response.Unauthorized(w, "")
		return
	}

	result, err := h.accounts.SignIn(r.Context(), claims.UserID, claims.Email)
	if err != nil {
		writeError(w, r, err)
		return
	}

	response.Success(w, map[string]interface{}{
		"user":     newUserResponse(result.User),
		"restored": result.Restored,
	})
}

// GetCurrentUser returns the current authenticated user
// GET /api/v1/me
func (h *AuthHandler) GetCurrentUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.accounts.Get(r.Context(), auth.GetUserID(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.Success(w, map[string]interface{}{
		"user": newUserResponse(user),
	})
}

// DeleteAccount schedules the account for deletion
// DELETE /api/v1/me
func (h *AuthHandler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	purgeAt, err := h.accounts.Delete(r.Context(), auth.GetUserID(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.Success(w, map[string]interface{}{
		"deleted":  true,
		"purge_at": purgeAt,
		"message":  "Your account will be permanently deleted after the grace period. Sign in again before then to restore it.",
	})
}
