package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/reviewloop/backend/internal/models"
)

// ErrActiveSubscription is returned when deleting an account that still pays.
var ErrActiveSubscription = errors.New("cancel the active subscription before deleting the account")

// AccountStore is the part of the entitlement store the account flows use.
type AccountStore interface {
	Get(ctx context.Context, id string) (*models.User, error)
	EnsureOnSignIn(ctx context.Context, id, email string, now time.Time, grace time.Duration) (*models.User, bool, error)
	SoftDelete(ctx context.Context, id string, now time.Time) error
}

// AccountService handles the account lifecycle: creation and restoration at
// sign-in, and self-service deletion.
type AccountService struct {
	store AccountStore
	grace time.Duration
	now   func() time.Time
}

// NewAccountService creates a new account service
func NewAccountService(store AccountStore, grace time.Duration) *AccountService {
	return &AccountService{store: store, grace: grace, now: time.Now}
}

// SignInResult is returned by SignIn.
type SignInResult struct {
	User     *models.User `json:"user"`
	Restored bool         `json:"restored"`
}

// SignIn creates the account on first sign-in (free tier) and restores an
// account deleted less than the grace window ago.
func (s *AccountService) SignIn(ctx context.Context, userID, email string) (SignInResult, error) {
	user, restored, err := s.store.EnsureOnSignIn(ctx, userID, strings.ToLower(strings.TrimSpace(email)), s.now(), s.grace)
	if err != nil {
		return SignInResult{}, err
	}
	if restored {
		log.Info().Str("user_id", userID).Msg("Deleted account restored at sign-in")
	}
	return SignInResult{User: user, Restored: restored}, nil
}

// Get returns the account.
func (s *AccountService) Get(ctx context.Context, userID string) (*models.User, error) {
	return s.store.Get(ctx, userID)
}

// Delete soft-deletes the account. Accounts with a subscription on record
// are refused so nobody keeps paying for a deleted account.
func (s *AccountService) Delete(ctx context.Context, userID string) (time.Time, error) {
	user, err := s.store.Get(ctx, userID)
	if err != nil {
		return time.Time{}, err
	}
	if user.HasSubscription() {
		return time.Time{}, ErrActiveSubscription
	}

	now := s.now().UTC()
	if err := s.store.SoftDelete(ctx, userID, now); err != nil {
		return time.Time{}, err
	}

	purgeAt := now.Add(s.grace)
	log.Info().Str("user_id", userID).Time("purge_at", purgeAt).Msg("Account scheduled for deletion")
	return purgeAt, nil
}
