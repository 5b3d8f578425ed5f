// Package billing runs the subscription flows: checkout, cancellation with
// optional refund, processor webhooks and reconciliation.
package billing

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/reviewloop/backend/internal/events"
	"github.com/reviewloop/backend/internal/metrics"
	"github.com/reviewloop/backend/internal/models"
)

// PlanPro is the single paid plan.
const PlanPro = "pro"

// DefaultReturnPath is used when checkout is started without a return path.
const DefaultReturnPath = "/dashboard"

var (
	ErrUnknownPlan       = errors.New("unknown plan")
	ErrInvalidReturnURL  = errors.New("return url must be a relative path on this site")
	ErrAlreadySubscribed = errors.New("user already has an active subscription")
	ErrNoCustomer        = errors.New("no payment customer found for this account")
	ErrProcessor         = errors.New("payment processor request failed")
	ErrEntitlementWrite  = errors.New("failed to update entitlement")
	ErrAccountInactive   = errors.New("account is scheduled for deletion")
)

// IneligibleError is a refund request rejected before touching the processor.
type IneligibleError struct {
	Reason string
}

func (e *IneligibleError) Error() string {
	return "refund not available: " + e.Reason
}

// Entitlements is the entitlement store as seen by the billing flows.
type Entitlements interface {
	Get(ctx context.Context, id string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetByCustomerID(ctx context.Context, customerID string) (*models.User, error)
	SetPro(ctx context.Context, userID, customerID, subscriptionID string, startedAt time.Time) error
	SetFree(ctx context.Context, userID string) error
	TouchCustomerID(ctx context.Context, userID, customerID string) error
	MarkEventApplied(ctx context.Context, userID string, eventAt time.Time) error
}

// Config holds billing settings.
type Config struct {
	ProPriceID   string
	AppURL       string
	RefundWindow time.Duration
}

// Service implements the synchronous billing flows and applies webhook
// transitions.
type Service struct {
	users     Entitlements
	processor Processor
	publisher events.Publisher
	cfg       Config
	now       func() time.Time
}

// NewService creates a billing service.
func NewService(users Entitlements, processor Processor, publisher events.Publisher, cfg Config) *Service {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if cfg.RefundWindow <= 0 {
		cfg.RefundWindow = 72 * time.Hour
	}
	cfg.AppURL = strings.TrimRight(cfg.AppURL, "/")
	return &Service{
		users:     users,
		processor: processor,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
	}
}

// RefundWindow returns the configured self-service refund window.
func (s *Service) RefundWindow() time.Duration {
	return s.cfg.RefundWindow
}

// TierForPrice maps a processor price id to a tier. ok is false for prices
// this deployment does not sell.
func (s *Service) TierForPrice(priceID string) (models.Tier, bool) {
	if priceID != "" && priceID == s.cfg.ProPriceID {
		return models.TierPro, true
	}
	return "", false
}

// SafeReturnPath validates a post-checkout return path. Only same-origin
// relative paths are accepted; empty input yields DefaultReturnPath.
func SafeReturnPath(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultReturnPath, nil
	}
	if !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.Contains(raw, `\`) {
		return "", ErrInvalidReturnURL
	}
	for _, r := range raw {
		if r < 0x20 || r == 0x7f {
			return "", ErrInvalidReturnURL
		}
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "" || u.Host != "" || u.User != nil {
		return "", ErrInvalidReturnURL
	}
	return raw, nil
}

func withQuery(base, key, value string) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + url.QueryEscape(key) + "=" + url.QueryEscape(value)
}

// CreateCheckout starts a hosted checkout for plan and returns its URL.
func (s *Service) CreateCheckout(ctx context.Context, user *models.User, plan, returnURL string) (string, error) {
	if !strings.EqualFold(strings.TrimSpace(plan), PlanPro) {
		return "", fmt.Errorf("%w: %q", ErrUnknownPlan, plan)
	}
	path, err := SafeReturnPath(returnURL)
	if err != nil {
		return "", err
	}
	if !user.IsActive() {
		return "", ErrAccountInactive
	}
	if user.Tier == models.TierPro && user.HasSubscription() {
		return "", ErrAlreadySubscribed
	}

	customerID := user.StripeCustomerID
	if customerID == "" {
		customerID, err = s.processor.CreateCustomer(ctx, user.Email, user.ID)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrProcessor, err)
		}
		if err := s.users.TouchCustomerID(ctx, user.ID, customerID); err != nil {
			return "", fmt.Errorf("%w: %v", ErrEntitlementWrite, err)
		}
	}

	target := s.cfg.AppURL + path
	checkoutURL, err := s.processor.CreateCheckoutSession(ctx, CheckoutSessionRequest{
		CustomerID: customerID,
		PriceID:    s.cfg.ProPriceID,
		UserID:     user.ID,
		Plan:       PlanPro,
		SuccessURL: withQuery(target, "checkout", "success"),
		CancelURL:  withQuery(target, "checkout", "cancelled"),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProcessor, err)
	}

	log.Info().Str("user_id", user.ID).Str("customer_id", customerID).Msg("Checkout session created")
	return checkoutURL, nil
}

// Eligibility is the outcome of a refund check.
type Eligibility struct {
	Eligible  bool       `json:"eligible"`
	FirstTime bool       `json:"first_time"`
	Deadline  *time.Time `json:"deadline,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// RefundEligibility reports whether a self-service refund is allowed: the
// subscription must be the user's first and strictly less than window old.
func RefundEligibility(user *models.User, now time.Time, window time.Duration) Eligibility {
	if user.SubscriptionStartedAt == nil {
		return Eligibility{Reason: "no subscription start on record"}
	}
	started := *user.SubscriptionStartedAt
	deadline := started.Add(window)

	first := user.FirstSubscribedAt == nil || user.FirstSubscribedAt.Equal(started)
	if !first {
		return Eligibility{Deadline: &deadline, Reason: "refunds are only available for a first subscription"}
	}
	if now.Sub(started) >= window {
		return Eligibility{FirstTime: true, Deadline: &deadline, Reason: fmt.Sprintf("the %s refund window has passed", humanWindow(window))}
	}
	return Eligibility{Eligible: true, FirstTime: true, Deadline: &deadline}
}

func humanWindow(d time.Duration) string {
	if d%(24*time.Hour) == 0 {
		days := int(d / (24 * time.Hour))
		if days == 1 {
			return "1-day"
		}
		return fmt.Sprintf("%d-day", days)
	}
	return d.String()
}

// CancelRequest selects the cancellation mode.
type CancelRequest struct {
	Immediate     bool `json:"immediate"`
	RequestRefund bool `json:"requestRefund"`
}

// CancelResult reports which steps completed.
type CancelResult struct {
	Cancelled         bool   `json:"cancelled"`
	CancelAtPeriodEnd bool   `json:"cancelAtPeriodEnd"`
	Refunded          bool   `json:"refunded"`
	Message           string `json:"message"`
}

// Cancel ends the user's subscription. A refund request implies immediate
// cancellation and is checked for eligibility before anything changes. A
// refund failure after cancellation is reported, never rolled back.
func (s *Service) Cancel(ctx context.Context, userID string, req CancelRequest) (CancelResult, error) {
	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return CancelResult{}, err
	}
	if !user.HasSubscription() {
		return CancelResult{Message: "No active subscription"}, nil
	}

	if req.RequestRefund {
		elig := RefundEligibility(user, s.now(), s.cfg.RefundWindow)
		if !elig.Eligible {
			metrics.RefundOutcomes.WithLabelValues("ineligible").Inc()
			return CancelResult{}, &IneligibleError{Reason: elig.Reason}
		}
	}

	if !req.Immediate && !req.RequestRefund {
		if err := s.processor.CancelAtPeriodEnd(ctx, user.StripeSubscriptionID); err != nil {
			if !errors.Is(err, ErrSubscriptionGone) {
				return CancelResult{}, fmt.Errorf("%w: %v", ErrProcessor, err)
			}
			// Already gone at the processor, converge locally.
			if err := s.applyFree(ctx, user, "cancel"); err != nil {
				return CancelResult{}, err
			}
			return CancelResult{Cancelled: true, Message: "Subscription cancelled"}, nil
		}
		log.Info().Str("user_id", userID).Str("subscription_id", user.StripeSubscriptionID).
			Msg("Subscription set to cancel at period end")
		return CancelResult{
			CancelAtPeriodEnd: true,
			Message:           "Your subscription will end at the close of the current billing period",
		}, nil
	}

	if err := s.processor.CancelNow(ctx, user.StripeSubscriptionID); err != nil && !errors.Is(err, ErrSubscriptionGone) {
		return CancelResult{}, fmt.Errorf("%w: %v", ErrProcessor, err)
	}
	if err := s.applyFree(ctx, user, "cancel"); err != nil {
		return CancelResult{}, err
	}
	result := CancelResult{Cancelled: true, Message: "Subscription cancelled"}

	if !req.RequestRefund {
		return result, nil
	}

	refundID, err := "", ErrNoCustomer
	if user.StripeCustomerID != "" {
		refundID, err = s.processor.RefundLatestCharge(ctx, user.StripeCustomerID)
	}
	if err != nil {
		metrics.RefundOutcomes.WithLabelValues("failed").Inc()
		log.Error().Err(err).Str("user_id", userID).Str("customer_id", user.StripeCustomerID).
			Msg("Refund failed after cancellation")
		result.Message = "Subscription cancelled, but the refund could not be processed. Please contact support."
		return result, nil
	}

	metrics.RefundOutcomes.WithLabelValues("refunded").Inc()
	log.Info().Str("user_id", userID).Str("refund_id", refundID).Msg("Subscription refunded")
	result.Refunded = true
	result.Message = "Subscription cancelled and refunded"
	return result, nil
}

// Summary is the user-facing view of an entitlement.
type Summary struct {
	Tier                  models.Tier `json:"tier"`
	HasSubscription       bool        `json:"hasSubscription"`
	SubscriptionStartedAt *time.Time  `json:"subscriptionStartedAt,omitempty"`
	Refund                Eligibility `json:"refund"`
}

// Subscription returns the user's entitlement with current refund eligibility.
func (s *Service) Subscription(ctx context.Context, userID string) (Summary, error) {
	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{
		Tier:                  user.Tier,
		HasSubscription:       user.HasSubscription(),
		SubscriptionStartedAt: user.SubscriptionStartedAt,
	}
	if sum.HasSubscription {
		sum.Refund = RefundEligibility(user, s.now(), s.cfg.RefundWindow)
	}
	if user.IntegrityAlarm() {
		log.Warn().Str("user_id", userID).Msg("Pro tier without a subscription id, reconciliation needed")
	}
	return sum, nil
}

// ReconcileResult reports the outcome of a reconciliation.
type ReconcileResult struct {
	Email                 string      `json:"email"`
	UserID                string      `json:"userId"`
	PreviousTier          models.Tier `json:"previousTier"`
	NewTier               models.Tier `json:"newTier"`
	HasActiveSubscription bool        `json:"hasActiveSubscription"`
	CustomerID            string      `json:"customerId,omitempty"`
	SubscriptionID        string      `json:"subscriptionId,omitempty"`
}

// Reconcile re-derives the user's tier from the processor and writes it
// unconditionally.
func (s *Service) Reconcile(ctx context.Context, email string) (ReconcileResult, error) {
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return ReconcileResult{}, err
	}
	result := ReconcileResult{Email: user.Email, UserID: user.ID, PreviousTier: user.Tier}

	customerID := user.StripeCustomerID
	if customerID == "" {
		customerID, err = s.processor.FindCustomerByEmail(ctx, user.Email)
		if err != nil {
			return result, fmt.Errorf("%w: %v", ErrProcessor, err)
		}
		if customerID != "" {
			if err := s.users.TouchCustomerID(ctx, user.ID, customerID); err != nil {
				return result, fmt.Errorf("%w: %v", ErrEntitlementWrite, err)
			}
			user.StripeCustomerID = customerID
		}
	}
	result.CustomerID = customerID

	var sub *SubscriptionInfo
	if customerID != "" {
		sub, err = s.processor.ActiveSubscription(ctx, customerID)
		if err != nil {
			return result, fmt.Errorf("%w: %v", ErrProcessor, err)
		}
	}

	if sub == nil {
		if err := s.applyFree(ctx, user, "reconcile"); err != nil {
			return result, err
		}
		result.NewTier = models.TierFree
	} else {
		if _, ok := s.TierForPrice(sub.PriceID); !ok {
			log.Warn().Str("user_id", user.ID).Str("price_id", sub.PriceID).
				Msg("Active subscription on an unrecognized price, granting pro")
		}
		if err := s.applyPro(ctx, user, customerID, sub.ID, sub.StartDate, "reconcile"); err != nil {
			return result, err
		}
		result.NewTier = models.TierPro
		result.HasActiveSubscription = true
		result.SubscriptionID = sub.ID
	}

	log.Info().
		Str("user_id", user.ID).
		Str("previous_tier", string(result.PreviousTier)).
		Str("new_tier", string(result.NewTier)).
		Bool("active_subscription", result.HasActiveSubscription).
		Msg("Entitlement reconciled")
	return result, nil
}

// applyPro writes the pro tier. A subscription already on record keeps its
// start, so repeated deliveries of the same event write the same state.
func (s *Service) applyPro(ctx context.Context, user *models.User, customerID, subscriptionID string, observedStart time.Time, source string) error {
	start := observedStart
	if user.StripeSubscriptionID == subscriptionID && user.SubscriptionStartedAt != nil {
		start = *user.SubscriptionStartedAt
	}
	if err := s.users.SetPro(ctx, user.ID, customerID, subscriptionID, start); err != nil {
		return fmt.Errorf("%w: %v", ErrEntitlementWrite, err)
	}
	s.transitioned(ctx, user, models.TierPro, subscriptionID, source)
	return nil
}

func (s *Service) applyFree(ctx context.Context, user *models.User, source string) error {
	if err := s.users.SetFree(ctx, user.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrEntitlementWrite, err)
	}
	s.transitioned(ctx, user, models.TierFree, "", source)
	return nil
}

func (s *Service) transitioned(ctx context.Context, user *models.User, tier models.Tier, subscriptionID, source string) {
	metrics.EntitlementTransitions.WithLabelValues(source, string(tier)).Inc()
	events.PublishBestEffort(ctx, s.publisher, events.EntitlementChanged, events.EntitlementEvent{
		UserID:         user.ID,
		PreviousTier:   string(user.Tier),
		Tier:           string(tier),
		SubscriptionID: subscriptionID,
		Source:         source,
		Timestamp:      s.now().UTC(),
	})
}
