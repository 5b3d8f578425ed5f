package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

// StripeProcessor implements Processor on a dedicated Stripe API client.
type StripeProcessor struct {
	api *client.API
}

// NewStripeProcessor creates a processor with its own client instance.
func NewStripeProcessor(secretKey string) *StripeProcessor {
	api := &client.API{}
	api.Init(strings.TrimSpace(secretKey), nil)
	return &StripeProcessor{api: api}
}

// NewStripeProcessorWithBackends builds a processor on custom backends.
func NewStripeProcessorWithBackends(secretKey string, backends *stripelib.Backends) *StripeProcessor {
	api := &client.API{}
	api.Init(strings.TrimSpace(secretKey), backends)
	return &StripeProcessor{api: api}
}

func (p *StripeProcessor) CreateCustomer(ctx context.Context, email, userID string) (string, error) {
	params := &stripelib.CustomerParams{Email: stripelib.String(email)}
	params.Context = ctx
	params.AddMetadata("user_id", userID)

	c, err := p.api.Customers.New(params)
	if err != nil {
		return "", fmt.Errorf("create customer: %w", err)
	}
	return c.ID, nil
}

func (p *StripeProcessor) FindCustomerByEmail(ctx context.Context, email string) (string, error) {
	params := &stripelib.CustomerSearchParams{}
	params.Context = ctx
	params.Query = fmt.Sprintf("email:'%s'", strings.ReplaceAll(email, "'", `\'`))
	params.Limit = stripelib.Int64(1)

	iter := p.api.Customers.Search(params)
	if iter.Next() {
		return iter.Customer().ID, nil
	}
	if err := iter.Err(); err != nil {
		return "", fmt.Errorf("search customers: %w", err)
	}
	return "", nil
}

func (p *StripeProcessor) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (string, error) {
	metadata := map[string]string{
		"user_id":  req.UserID,
		"plan":     req.Plan,
		"price_id": req.PriceID,
	}
	params := &stripelib.CheckoutSessionParams{
		Mode:              stripelib.String(string(stripelib.CheckoutSessionModeSubscription)),
		Customer:          stripelib.String(req.CustomerID),
		ClientReferenceID: stripelib.String(req.UserID),
		SuccessURL:        stripelib.String(req.SuccessURL),
		CancelURL:         stripelib.String(req.CancelURL),
		LineItems: []*stripelib.CheckoutSessionLineItemParams{
			{
				Price:    stripelib.String(req.PriceID),
				Quantity: stripelib.Int64(1),
			},
		},
		SubscriptionData: &stripelib.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{"user_id": req.UserID},
		},
		Metadata: metadata,
	}
	params.Context = ctx

	s, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return s.URL, nil
}

func (p *StripeProcessor) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) error {
	params := &stripelib.SubscriptionParams{CancelAtPeriodEnd: stripelib.Bool(true)}
	params.Context = ctx

	if _, err := p.api.Subscriptions.Update(subscriptionID, params); err != nil {
		return mapSubscriptionErr("schedule cancellation", err)
	}
	return nil
}

func (p *StripeProcessor) CancelNow(ctx context.Context, subscriptionID string) error {
	params := &stripelib.SubscriptionCancelParams{}
	params.Context = ctx

	if _, err := p.api.Subscriptions.Cancel(subscriptionID, params); err != nil {
		return mapSubscriptionErr("cancel subscription", err)
	}
	return nil
}

func (p *StripeProcessor) ActiveSubscription(ctx context.Context, customerID string) (*SubscriptionInfo, error) {
	params := &stripelib.SubscriptionListParams{
		Customer: stripelib.String(customerID),
		Status:   stripelib.String(string(stripelib.SubscriptionStatusActive)),
	}
	params.Context = ctx
	params.Limit = stripelib.Int64(1)

	iter := p.api.Subscriptions.List(params)
	if iter.Next() {
		sub := iter.Subscription()
		info := &SubscriptionInfo{
			ID:                sub.ID,
			CustomerID:        customerID,
			Status:            string(sub.Status),
			StartDate:         time.Unix(sub.StartDate, 0).UTC(),
			CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		}
		if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
			info.PriceID = sub.Items.Data[0].Price.ID
		}
		return info, nil
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return nil, nil
}

func (p *StripeProcessor) RefundLatestCharge(ctx context.Context, customerID string) (string, error) {
	params := &stripelib.ChargeListParams{Customer: stripelib.String(customerID)}
	params.Context = ctx
	params.Limit = stripelib.Int64(10)

	var chargeID string
	iter := p.api.Charges.List(params)
	for iter.Next() {
		ch := iter.Charge()
		if ch.Status == stripelib.ChargeStatusSucceeded && !ch.Refunded {
			chargeID = ch.ID
			break
		}
	}
	if err := iter.Err(); err != nil {
		return "", fmt.Errorf("list charges: %w", err)
	}
	if chargeID == "" {
		return "", errors.New("no refundable payment found")
	}

	refundParams := &stripelib.RefundParams{
		Charge: stripelib.String(chargeID),
		Reason: stripelib.String(string(stripelib.RefundReasonRequestedByCustomer)),
	}
	refundParams.Context = ctx

	r, err := p.api.Refunds.New(refundParams)
	if err != nil {
		return "", fmt.Errorf("create refund: %w", err)
	}
	return r.ID, nil
}

func mapSubscriptionErr(op string, err error) error {
	var stripeErr *stripelib.Error
	if errors.As(err, &stripeErr) && stripeErr.Code == stripelib.ErrorCodeResourceMissing {
		return fmt.Errorf("%s: %w", op, ErrSubscriptionGone)
	}
	return fmt.Errorf("%s: %w", op, err)
}
