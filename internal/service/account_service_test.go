package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewloop/backend/internal/models"
	"github.com/reviewloop/backend/internal/repository"
)

type memAccounts struct {
	users map[string]*models.User
}

func (m *memAccounts) Get(_ context.Context, id string) (*models.User, error) {
	u, ok := m.users[id]
	if !ok || u.Lifecycle == models.LifecyclePurged {
		return nil, repository.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memAccounts) EnsureOnSignIn(_ context.Context, id, email string, now time.Time, grace time.Duration) (*models.User, bool, error) {
	u, ok := m.users[id]
	if !ok {
		u = &models.User{ID: id, Email: email, Tier: models.TierFree, Lifecycle: models.LifecycleActive, CreatedAt: now}
		m.users[id] = u
		return u, false, nil
	}
	if u.Lifecycle == models.LifecycleDeleted {
		if !now.Before(u.DeletedAt.Add(grace)) {
			return nil, false, repository.ErrGraceExpired
		}
		u.Lifecycle = models.LifecycleActive
		u.DeletedAt = nil
		return u, true, nil
	}
	return u, false, nil
}

func (m *memAccounts) SoftDelete(_ context.Context, id string, now time.Time) error {
	u, ok := m.users[id]
	if !ok || u.Lifecycle != models.LifecycleActive {
		return repository.ErrUserNotFound
	}
	u.Lifecycle = models.LifecycleDeleted
	u.DeletedAt = &now
	return nil
}

func TestAccountLifecycle(t *testing.T) {
	store := &memAccounts{users: map[string]*models.User{}}
	svc := NewAccountService(store, 30*24*time.Hour)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	ctx := context.Background()

	res, err := svc.SignIn(ctx, "u1", " New@Example.com ")
	require.NoError(t, err)
	assert.False(t, res.Restored)
	assert.Equal(t, "new@example.com", res.User.Email)
	assert.Equal(t, models.TierFree, res.User.Tier)

	purgeAt, err := svc.Delete(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, now.Add(30*24*time.Hour), purgeAt)

	now = now.Add(10 * 24 * time.Hour)
	res, err = svc.SignIn(ctx, "u1", "new@example.com")
	require.NoError(t, err)
	assert.True(t, res.Restored)

	_, err = svc.Delete(ctx, "u1")
	require.NoError(t, err)
	now = now.Add(31 * 24 * time.Hour)
	_, err = svc.SignIn(ctx, "u1", "new@example.com")
	assert.ErrorIs(t, err, repository.ErrGraceExpired)
}

func TestDeleteRefusedWithSubscription(t *testing.T) {
	store := &memAccounts{users: map[string]*models.User{
		"u1": {ID: "u1", Tier: models.TierPro, StripeSubscriptionID: "sub_1", Lifecycle: models.LifecycleActive},
	}}
	svc := NewAccountService(store, time.Hour)

	_, err := svc.Delete(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrActiveSubscription)
	assert.Equal(t, models.LifecycleActive, store.users["u1"].Lifecycle)
}
