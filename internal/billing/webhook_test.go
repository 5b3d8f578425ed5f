package billing

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/reviewloop/backend/internal/models"
)

const testSecret = "whsec_test_secret"

var t0 = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func signedRequest(t *testing.T, secret, payload string) *http.Request {
	t.Helper()

	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/webhook", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func checkoutEvent(id string, created time.Time, userID, customerID, subID, priceID string) string {
	return fmt.Sprintf(`{"id":%q,"object":"event","type":"checkout.session.completed","created":%d,
		"data":{"object":{"id":"cs_test","object":"checkout.session","mode":"subscription",
		"customer":%q,"subscription":%q,"client_reference_id":%q,
		"metadata":{"user_id":%q,"plan":"pro","price_id":%q}}}}`,
		id, created.Unix(), customerID, subID, userID, userID, priceID)
}

func subscriptionEvent(id, typ string, created time.Time, customerID, subID, status, priceID string) string {
	return fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"created":%d,
		"data":{"object":{"id":%q,"object":"subscription","customer":%q,"status":%q,
		"start_date":%d,"items":{"object":"list","data":[{"price":{"id":%q}}]}}}}`,
		id, typ, created.Unix(), subID, customerID, status, created.Unix(), priceID)
}

func deliver(t *testing.T, h http.Handler, payload string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, testSecret, payload))
	return rec
}

func newWebhookFixture(users ...*models.User) (*memEntitlements, *Service, *WebhookHandler, *clock) {
	store := newMemEntitlements(users...)
	c := &clock{t: t0}
	svc := newTestService(store, newFakeProcessor(), c)
	return store, svc, NewWebhookHandler(testSecret, svc), c
}

func TestWebhookCheckoutGrantsPro(t *testing.T) {
	store, _, h, _ := newWebhookFixture(&models.User{ID: "u1", Email: "a@example.com", Tier: models.TierFree})

	rec := deliver(t, h, checkoutEvent("evt_1", t0, "u1", "cus_1", "sub_1", testPriceID))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	u := store.snapshot("u1")
	assert.Equal(t, models.TierPro, u.Tier)
	assert.Equal(t, "cus_1", u.StripeCustomerID)
	assert.Equal(t, "sub_1", u.StripeSubscriptionID)
	require.NotNil(t, u.SubscriptionStartedAt)
	assert.Equal(t, t0, *u.SubscriptionStartedAt)
	assert.Equal(t, t0, *u.FirstSubscribedAt)
}

func TestWebhookDuplicateDeliveryIsIdempotent(t *testing.T) {
	store, _, h, c := newWebhookFixture(&models.User{ID: "u1", Email: "a@example.com", Tier: models.TierFree})
	payload := checkoutEvent("evt_1", t0, "u1", "cus_1", "sub_1", testPriceID)

	require.Equal(t, http.StatusOK, deliver(t, h, payload).Code)
	once := store.snapshot("u1")

	for i := 1; i <= 3; i++ {
		c.Set(t0.Add(time.Duration(i) * time.Hour))
		require.Equal(t, http.StatusOK, deliver(t, h, payload).Code)
	}
	assert.Equal(t, once, store.snapshot("u1"))

	update := subscriptionEvent("evt_2", EventSubscriptionUpdated, t0.Add(time.Minute), "cus_1", "sub_1", "active", testPriceID)
	require.Equal(t, http.StatusOK, deliver(t, h, update).Code)
	require.Equal(t, http.StatusOK, deliver(t, h, update).Code)
	after := store.snapshot("u1")
	assert.Equal(t, *once.SubscriptionStartedAt, *after.SubscriptionStartedAt)
	assert.Equal(t, *once.FirstSubscribedAt, *after.FirstSubscribedAt)
}

func TestWebhookSignatureFailures(t *testing.T) {
	store, svc, h, _ := newWebhookFixture(&models.User{ID: "u1", Email: "a@example.com", Tier: models.TierFree})
	payload := checkoutEvent("evt_1", t0, "u1", "cus_1", "sub_1", testPriceID)

	t.Run("wrong secret", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, signedRequest(t, "whsec_other", payload))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/webhook", bytes.NewReader([]byte(payload)))
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("tampered body", func(t *testing.T) {
		signed := signedRequest(t, testSecret, payload)
		tampered := checkoutEvent("evt_1", t0, "u1", "cus_1", "sub_evil", testPriceID)
		req := httptest.NewRequest(http.MethodPost, signed.URL.Path, bytes.NewReader([]byte(tampered)))
		req.Header = signed.Header
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("secret not configured", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewWebhookHandler("", svc).ServeHTTP(rec, signedRequest(t, testSecret, payload))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	assert.Equal(t, models.TierFree, store.snapshot("u1").Tier, "rejected requests never mutate state")
}

func TestWebhookSubscriptionLifecycle(t *testing.T) {
	store, _, h, _ := newWebhookFixture(&models.User{ID: "u1", Email: "a@example.com", Tier: models.TierFree, StripeCustomerID: "cus_1"})

	pastDue := subscriptionEvent("evt_1", EventSubscriptionUpdated, t0, "cus_1", "sub_1", "past_due", testPriceID)
	require.Equal(t, http.StatusOK, deliver(t, h, pastDue).Code)
	assert.Equal(t, models.TierFree, store.snapshot("u1").Tier, "non-active updates are ignored")

	active := subscriptionEvent("evt_2", EventSubscriptionUpdated, t0.Add(time.Minute), "cus_1", "sub_1", "active", testPriceID)
	require.Equal(t, http.StatusOK, deliver(t, h, active).Code)
	assert.Equal(t, models.TierPro, store.snapshot("u1").Tier)

	deleted := subscriptionEvent("evt_3", EventSubscriptionDeleted, t0.Add(time.Hour), "cus_1", "sub_1", "canceled", testPriceID)
	require.Equal(t, http.StatusOK, deliver(t, h, deleted).Code)
	u := store.snapshot("u1")
	assert.Equal(t, models.TierFree, u.Tier)
	assert.Empty(t, u.StripeSubscriptionID)
	assert.NotNil(t, u.FirstSubscribedAt, "first subscription is never cleared")
}

func TestWebhookIgnoresOutOfOrderActivation(t *testing.T) {
	store, _, h, _ := newWebhookFixture(&models.User{ID: "u1", Email: "a@example.com", Tier: models.TierFree, StripeCustomerID: "cus_1"})

	require.Equal(t, http.StatusOK, deliver(t, h, checkoutEvent("evt_1", t0, "u1", "cus_1", "sub_1", testPriceID)).Code)
	deleted := subscriptionEvent("evt_3", EventSubscriptionDeleted, t0.Add(2*time.Hour), "cus_1", "sub_1", "canceled", testPriceID)
	require.Equal(t, http.StatusOK, deliver(t, h, deleted).Code)

	late := subscriptionEvent("evt_2", EventSubscriptionUpdated, t0.Add(time.Hour), "cus_1", "sub_1", "active", testPriceID)
	rec := deliver(t, h, late)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "stale event")
	assert.Equal(t, models.TierFree, store.snapshot("u1").Tier)
}

func TestWebhookDeletionOfOldSubscriptionKeepsCurrent(t *testing.T) {
	store, _, h, _ := newWebhookFixture(&models.User{ID: "u1", Email: "a@example.com", Tier: models.TierFree, StripeCustomerID: "cus_1"})

	require.Equal(t, http.StatusOK, deliver(t, h, checkoutEvent("evt_1", t0, "u1", "cus_1", "sub_2", testPriceID)).Code)
	old := subscriptionEvent("evt_2", EventSubscriptionDeleted, t0.Add(time.Minute), "cus_1", "sub_1", "canceled", testPriceID)
	require.Equal(t, http.StatusOK, deliver(t, h, old).Code)

	u := store.snapshot("u1")
	assert.Equal(t, models.TierPro, u.Tier)
	assert.Equal(t, "sub_2", u.StripeSubscriptionID)
}

func TestWebhookAcknowledgesWithoutChange(t *testing.T) {
	store, _, h, _ := newWebhookFixture(&models.User{ID: "u1", Email: "a@example.com", Tier: models.TierFree})

	tests := []struct {
		name    string
		payload string
		reason  string
	}{
		{"unknown user", checkoutEvent("evt_1", t0, "ghost", "cus_ghost", "sub_1", testPriceID), "unknown user"},
		{"unknown price", checkoutEvent("evt_2", t0, "u1", "cus_1", "sub_1", "price_other"), "unrecognized price"},
		{"unhandled type", `{"id":"evt_3","object":"event","type":"invoice.paid","created":1,"data":{"object":{}}}`, "unhandled event type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := deliver(t, h, tt.payload)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.reason)
		})
	}
	assert.Equal(t, models.TierFree, store.snapshot("u1").Tier)
}
