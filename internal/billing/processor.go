package billing

import (
	"context"
	"errors"
	"time"
)

// ErrSubscriptionGone is returned when the processor no longer knows the
// subscription, typically because it was already cancelled.
var ErrSubscriptionGone = errors.New("subscription no longer exists at processor")

// CheckoutSessionRequest describes a hosted checkout for one subscription.
type CheckoutSessionRequest struct {
	CustomerID string
	PriceID    string
	UserID     string
	Plan       string
	SuccessURL string
	CancelURL  string
}

// SubscriptionInfo is the processor's view of a subscription.
type SubscriptionInfo struct {
	ID                string
	CustomerID        string
	Status            string
	PriceID           string
	StartDate         time.Time
	CancelAtPeriodEnd bool
}

// Processor is the payment processor API used by the billing flows.
type Processor interface {
	CreateCustomer(ctx context.Context, email, userID string) (string, error)
	// FindCustomerByEmail returns "" when no customer matches.
	FindCustomerByEmail(ctx context.Context, email string) (string, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (string, error)
	CancelAtPeriodEnd(ctx context.Context, subscriptionID string) error
	CancelNow(ctx context.Context, subscriptionID string) error
	// ActiveSubscription returns nil when the customer has none.
	ActiveSubscription(ctx context.Context, customerID string) (*SubscriptionInfo, error)
	// RefundLatestCharge refunds the customer's most recent successful
	// payment in full and returns the refund id.
	RefundLatestCharge(ctx context.Context, customerID string) (string, error)
}
