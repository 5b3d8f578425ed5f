package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewloop/backend/internal/ai"
	"github.com/reviewloop/backend/internal/api/handlers"
	"github.com/reviewloop/backend/internal/auth"
	"github.com/reviewloop/backend/internal/billing"
	"github.com/reviewloop/backend/internal/cache"
	"github.com/reviewloop/backend/internal/config"
	"github.com/reviewloop/backend/internal/jobs"
	"github.com/reviewloop/backend/internal/models"
	"github.com/reviewloop/backend/internal/ratelimit"
	"github.com/reviewloop/backend/internal/service"
	"github.com/reviewloop/backend/internal/usage"
)

type nopAccounts struct{}

func (nopAccounts) SignIn(_ context.Context, userID, email string) (service.SignInResult, error) {
	return service.SignInResult{User: &models.User{ID: userID, Email: email, Tier: models.TierFree}}, nil
}

func (nopAccounts) Get(_ context.Context, userID string) (*models.User, error) {
	return &models.User{ID: userID, Tier: models.TierFree, CreatedAt: time.Now()}, nil
}

func (nopAccounts) Delete(context.Context, string) (time.Time, error) {
	return time.Now(), nil
}

type nopMeter struct{}

func (nopMeter) Current(context.Context, *models.User, time.Time) (usage.Usage, error) {
	return usage.Usage{}, nil
}

func (nopMeter) Consume(context.Context, string, usage.Kind) (usage.Usage, error) {
	return usage.Usage{}, nil
}

func (nopMeter) DeleteStore(_ context.Context, ownerID, storeID, _ string) (*models.LedgerEntry, error) {
	return &models.LedgerEntry{UserID: ownerID, StoreID: storeID}, nil
}

type nopStore struct{}

func (nopStore) GetStore(_ context.Context, storeID string) (*models.Store, error) {
	return &models.Store{ID: storeID, Name: "Shop"}, nil
}

func (nopStore) History(context.Context, string, int) ([]models.PeriodUsage, error) {
	return nil, nil
}

type nopBilling struct{}

func (nopBilling) CreateCheckout(context.Context, *models.User, string, string) (string, error) {
	return "https://checkout.example", nil
}

func (nopBilling) Cancel(context.Context, string, billing.CancelRequest) (billing.CancelResult, error) {
	return billing.CancelResult{}, nil
}

func (nopBilling) Subscription(context.Context, string) (billing.Summary, error) {
	return billing.Summary{}, nil
}

func (nopBilling) Reconcile(_ context.Context, email string) (billing.ReconcileResult, error) {
	return billing.ReconcileResult{Email: email}, nil
}

type nopMaintenance struct{}

func (nopMaintenance) Sweep(context.Context) (jobs.SweepResult, error) {
	return jobs.SweepResult{}, nil
}

func (nopMaintenance) SyncUsage(context.Context) (usage.SyncStats, error) {
	return usage.SyncStats{}, nil
}

const testSecret = "test-jwt-secret"

func newTestRouter(t *testing.T) (http.Handler, *auth.JWTService) {
	t.Helper()
	store := cache.NewMemory()
	jwtService := auth.NewJWTService(testSecret, time.Hour)

	cfg := config.Config{
		Env:            "test",
		OperatorSecret: "op-secret",
		CORSOriginsRaw: "https://app.example",
	}
	deps := Dependencies{
		Health:        handlers.NewHealthChecker().Add("redis", false, store.Health),
		Auth:          auth.NewMiddleware(jwtService, []string{"admin@example.com"}),
		Accounts:      nopAccounts{},
		Billing:       nopBilling{},
		Webhook:       billing.NewWebhookHandler("whsec_test", nil),
		Meter:         nopMeter{},
		UsageStore:    nopStore{},
		Drafter:       ai.NewDrafter(nil, nil),
		Maintenance:   nopMaintenance{},
		SigninLimiter: ratelimit.MustNew(store, ratelimit.Config{Name: "signin", Max: 2, Window: time.Minute, Policy: ratelimit.FailClosed}),
		PublicLimiter: ratelimit.MustNew(store, ratelimit.Config{Name: "public", Max: 3, Window: time.Minute}),
	}
	return NewRouter(cfg, deps), jwtService
}

func bearer(t *testing.T, jwtService *auth.JWTService, userID, email string) string {
	t.Helper()
	token, err := jwtService.Generate(userID, email)
	require.NoError(t, err)
	return "Bearer " + token
}

func TestWebhookIsNotBehindAuth(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/billing/webhook", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	router, jwtService := newTestRouter(t)

	for _, path := range []string{"/api/v1/me", "/api/v1/usage", "/api/v1/billing/subscription"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	req.Header.Set("Authorization", bearer(t, jwtService, "user-1", "owner@example.com"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReconcileRequiresAdmin(t *testing.T) {
	router, jwtService := newTestRouter(t)
	body := `{"email":"someone@example.com"}`

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/billing/reconcile", strings.NewReader(body))
	req.Header.Set("Authorization", bearer(t, jwtService, "user-1", "owner@example.com"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/admin/billing/reconcile", strings.NewReader(body))
	req.Header.Set("Authorization", bearer(t, jwtService, "admin-1", "admin@example.com"))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSignInIsRateLimited(t *testing.T) {
	router, jwtService := newTestRouter(t)
	token := bearer(t, jwtService, "user-1", "owner@example.com")

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/signin", nil)
		req.Header.Set("Authorization", token)
		req.RemoteAddr = "203.0.113.9:5000"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestSignInLimitCountsRejectedTokens(t *testing.T) {
	router, _ := newTestRouter(t)

	codes := make([]int, 0, 5)
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/signin", nil)
		req.Header.Set("Authorization", "Bearer forged.token.value")
		req.RemoteAddr = "203.0.113.10:5000"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{
		http.StatusUnauthorized,
		http.StatusUnauthorized,
		http.StatusTooManyRequests,
		http.StatusTooManyRequests,
		http.StatusTooManyRequests,
	}, codes)
}

func TestPublicRoutesAreThrottledPerIP(t *testing.T) {
	router, _ := newTestRouter(t)

	send := func(ip string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/public/stores/s1/scans", nil)
		req.RemoteAddr = ip + ":1234"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, send("198.51.100.1"))
	}
	assert.Equal(t, http.StatusTooManyRequests, send("198.51.100.1"))
	assert.Equal(t, http.StatusOK, send("198.51.100.2"))
}

func TestOperatorEndpoints(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/internal/cron/cleanup", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	for _, path := range []string{"/internal/cron/cleanup", "/internal/cron/sync-usage"} {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.Header.Set("Authorization", "Bearer op-secret")
		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	req := httptest.NewRequest(http.MethodGet, "/internal/status", nil)
	req.Header.Set("Authorization", "Bearer op-secret")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	router, _ := newTestRouter(t)

	for _, path := range []string{"/health", "/health/live", "/health/ready", "/metrics"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}
