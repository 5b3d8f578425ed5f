package billing

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/reviewloop/backend/internal/models"
	"github.com/reviewloop/backend/internal/repository"
)

// memEntitlements mirrors the SQL semantics of the entitlement store.
type memEntitlements struct {
	mu    sync.Mutex
	users map[string]*models.User
}

func newMemEntitlements(users ...*models.User) *memEntitlements {
	m := &memEntitlements{users: map[string]*models.User{}}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

func (m *memEntitlements) snapshot(id string) models.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.users[id]
}

func (m *memEntitlements) Get(_ context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memEntitlements) GetByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (m *memEntitlements) GetByCustomerID(_ context.Context, customerID string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.StripeCustomerID == customerID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (m *memEntitlements) SetPro(_ context.Context, userID, customerID, subscriptionID string, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return repository.ErrUserNotFound
	}
	u.Tier = models.TierPro
	if customerID != "" {
		u.StripeCustomerID = customerID
	}
	u.StripeSubscriptionID = subscriptionID
	if u.FirstSubscribedAt == nil {
		first := startedAt
		u.FirstSubscribedAt = &first
	}
	start := startedAt
	if u.FirstSubscribedAt.After(start) {
		start = *u.FirstSubscribedAt
	}
	u.SubscriptionStartedAt = &start
	return nil
}

func (m *memEntitlements) SetFree(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return repository.ErrUserNotFound
	}
	u.Tier = models.TierFree
	u.StripeSubscriptionID = ""
	u.SubscriptionStartedAt = nil
	return nil
}

func (m *memEntitlements) TouchCustomerID(_ context.Context, userID, customerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return repository.ErrUserNotFound
	}
	u.StripeCustomerID = customerID
	return nil
}

func (m *memEntitlements) MarkEventApplied(_ context.Context, userID string, eventAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return repository.ErrUserNotFound
	}
	if u.LastEventAt == nil || eventAt.After(*u.LastEventAt) {
		at := eventAt
		u.LastEventAt = &at
	}
	return nil
}

// fakeProcessor records calls and returns canned results.
type fakeProcessor struct {
	mu           sync.Mutex
	calls        []string
	customers    map[string]string // email -> customer id
	active       map[string]*SubscriptionInfo
	refundErr    error
	cancelErr    error
	lastCheckout CheckoutSessionRequest
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{customers: map[string]string{}, active: map[string]*SubscriptionInfo{}}
}

func (f *fakeProcessor) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeProcessor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeProcessor) CreateCustomer(_ context.Context, email, _ string) (string, error) {
	f.record("CreateCustomer")
	id := "cus_" + strings.SplitN(email, "@", 2)[0]
	f.customers[email] = id
	return id, nil
}

func (f *fakeProcessor) FindCustomerByEmail(_ context.Context, email string) (string, error) {
	f.record("FindCustomerByEmail")
	return f.customers[email], nil
}

func (f *fakeProcessor) CreateCheckoutSession(_ context.Context, req CheckoutSessionRequest) (string, error) {
	f.record("CreateCheckoutSession")
	f.lastCheckout = req
	return "https://checkout.stripe.test/c/pay/cs_test_1", nil
}

func (f *fakeProcessor) CancelAtPeriodEnd(_ context.Context, _ string) error {
	f.record("CancelAtPeriodEnd")
	return f.cancelErr
}

func (f *fakeProcessor) CancelNow(_ context.Context, _ string) error {
	f.record("CancelNow")
	return f.cancelErr
}

func (f *fakeProcessor) ActiveSubscription(_ context.Context, customerID string) (*SubscriptionInfo, error) {
	f.record("ActiveSubscription")
	return f.active[customerID], nil
}

func (f *fakeProcessor) RefundLatestCharge(_ context.Context, customerID string) (string, error) {
	f.record("RefundLatestCharge")
	if f.refundErr != nil {
		return "", f.refundErr
	}
	if customerID == "" {
		return "", errors.New("no customer")
	}
	return "re_1", nil
}

// clock is a settable time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

const testPriceID = "price_pro_monthly"

func newTestService(users *memEntitlements, proc *fakeProcessor, c *clock) *Service {
	svc := NewService(users, proc, nil, Config{
		ProPriceID:   testPriceID,
		AppURL:       "https://app.reviewloop.test/",
		RefundWindow: 72 * time.Hour,
	})
	svc.now = c.Now
	return svc
}
