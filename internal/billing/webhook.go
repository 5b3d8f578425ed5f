package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/reviewloop/backend/internal/api/response"
	"github.com/reviewloop/backend/internal/metrics"
	"github.com/reviewloop/backend/internal/models"
	"github.com/reviewloop/backend/internal/repository"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// Event types acted on.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

// WebhookHandler verifies processor webhooks and applies them.
type WebhookHandler struct {
	secret  string
	service *Service
}

// NewWebhookHandler creates a webhook HTTP handler.
func NewWebhookHandler(secret string, service *Service) *WebhookHandler {
	return &WebhookHandler{secret: secret, service: service}
}

type webhookReceived struct {
	Received bool   `json:"received"`
	Ignored  string `json:"ignored,omitempty"`
}

// ServeHTTP verifies the signature over the raw body before any state change.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if strings.TrimSpace(h.secret) == "" {
		status = http.StatusInternalServerError
		log.Error().Msg("Webhook received but signing secret is not configured")
		response.Error(w, status, "server_error", "webhook secret not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		response.BadRequest(w, "failed to read request body")
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		response.BadRequest(w, "missing signature")
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		status = http.StatusBadRequest
		log.Warn().Err(err).Msg("Webhook signature verification failed")
		response.BadRequest(w, "invalid signature")
		return
	}
	eventType = string(event.Type)

	ignored, err := h.service.HandleEvent(r.Context(), &event)
	if err != nil {
		log.Error().Err(err).
			Str("event_id", event.ID).
			Str("type", eventType).
			Msg("Webhook processing failed")
		status = http.StatusInternalServerError
		response.InternalError(w, "processing failed")
		return
	}

	response.JSON(w, http.StatusOK, webhookReceived{Received: true, Ignored: ignored})
}

// checkoutSession is the subset of a checkout.session object read here.
type checkoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

// subscriptionObject is the subset of a subscription object read here.
type subscriptionObject struct {
	ID        string            `json:"id"`
	Customer  string            `json:"customer"`
	Status    string            `json:"status"`
	StartDate int64             `json:"start_date"`
	Metadata  map[string]string `json:"metadata"`
	Items     struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

func (s subscriptionObject) priceID() string {
	if len(s.Items.Data) == 0 {
		return ""
	}
	return s.Items.Data[0].Price.ID
}

// HandleEvent applies a verified event. A non-empty ignored reason means the
// event was acknowledged without changing state.
func (s *Service) HandleEvent(ctx context.Context, event *stripelib.Event) (ignored string, err error) {
	eventAt := time.Unix(event.Created, 0).UTC()

	switch string(event.Type) {
	case EventCheckoutCompleted:
		var session checkoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return "", fmt.Errorf("decode checkout.session: %w", err)
		}
		return s.handleCheckoutCompleted(ctx, session, eventAt)

	case EventSubscriptionUpdated:
		var sub subscriptionObject
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return "", fmt.Errorf("decode subscription: %w", err)
		}
		return s.handleSubscriptionUpdated(ctx, sub, eventAt)

	case EventSubscriptionDeleted:
		var sub subscriptionObject
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return "", fmt.Errorf("decode subscription: %w", err)
		}
		return s.handleSubscriptionDeleted(ctx, sub, eventAt)

	default:
		log.Debug().Str("type", string(event.Type)).Str("event_id", event.ID).Msg("Webhook ignored (unhandled type)")
		return "unhandled event type", nil
	}
}

func (s *Service) handleCheckoutCompleted(ctx context.Context, session checkoutSession, eventAt time.Time) (string, error) {
	if session.Mode != "" && session.Mode != "subscription" {
		return "not a subscription checkout", nil
	}
	if session.Subscription == "" {
		return "checkout without subscription", nil
	}

	userID := session.Metadata["user_id"]
	if userID == "" {
		userID = session.ClientReferenceID
	}
	user, err := s.resolveUser(ctx, userID, session.Customer)
	if err != nil || user == nil {
		return "unknown user", err
	}
	if stale(user, eventAt) {
		return "stale event", nil
	}

	priceID := session.Metadata["price_id"]
	if priceID == "" && strings.EqualFold(session.Metadata["plan"], PlanPro) {
		priceID = s.cfg.ProPriceID
	}
	if _, ok := s.TierForPrice(priceID); !ok {
		log.Warn().Str("user_id", user.ID).Str("price_id", priceID).Msg("Checkout for an unrecognized price")
		return "unrecognized price", nil
	}

	customerID := session.Customer
	if customerID == "" {
		customerID = user.StripeCustomerID
	}
	if err := s.applyPro(ctx, user, customerID, session.Subscription, s.now().UTC(), "webhook"); err != nil {
		return "", err
	}
	return "", s.markApplied(ctx, user.ID, eventAt)
}

func (s *Service) handleSubscriptionUpdated(ctx context.Context, sub subscriptionObject, eventAt time.Time) (string, error) {
	if sub.Status != string(stripelib.SubscriptionStatusActive) {
		return "subscription not active", nil
	}

	user, err := s.resolveUser(ctx, sub.Metadata["user_id"], sub.Customer)
	if err != nil || user == nil {
		return "unknown user", err
	}
	if stale(user, eventAt) {
		return "stale event", nil
	}
	if _, ok := s.TierForPrice(sub.priceID()); !ok {
		log.Warn().Str("user_id", user.ID).Str("price_id", sub.priceID()).Msg("Subscription on an unrecognized price")
		return "unrecognized price", nil
	}

	if err := s.applyPro(ctx, user, sub.Customer, sub.ID, s.now().UTC(), "webhook"); err != nil {
		return "", err
	}
	return "", s.markApplied(ctx, user.ID, eventAt)
}

func (s *Service) handleSubscriptionDeleted(ctx context.Context, sub subscriptionObject, eventAt time.Time) (string, error) {
	user, err := s.resolveUser(ctx, sub.Metadata["user_id"], sub.Customer)
	if err != nil || user == nil {
		return "unknown user", err
	}
	if stale(user, eventAt) {
		return "stale event", nil
	}
	// A lapsed earlier subscription must not end the one now on record.
	if user.StripeSubscriptionID != "" && sub.ID != "" && user.StripeSubscriptionID != sub.ID {
		log.Info().Str("user_id", user.ID).Str("subscription_id", sub.ID).
			Msg("Deletion for a subscription that is not current, ignoring")
		return "subscription not current", nil
	}

	if err := s.applyFree(ctx, user, "webhook"); err != nil {
		return "", err
	}
	return "", s.markApplied(ctx, user.ID, eventAt)
}

// resolveUser finds the user by id first, then by processor customer id.
// It returns nil without error when neither matches.
func (s *Service) resolveUser(ctx context.Context, userID, customerID string) (*models.User, error) {
	if userID != "" {
		user, err := s.users.Get(ctx, userID)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, repository.ErrUserNotFound) {
			return nil, err
		}
	}
	if customerID != "" {
		user, err := s.users.GetByCustomerID(ctx, customerID)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, repository.ErrUserNotFound) {
			return nil, err
		}
	}
	log.Warn().Str("user_id", userID).Str("customer_id", customerID).Msg("Webhook for unknown user, acknowledging")
	return nil, nil
}

// stale reports an event created before the newest one already applied.
func stale(user *models.User, eventAt time.Time) bool {
	if user.LastEventAt != nil && eventAt.Before(*user.LastEventAt) {
		log.Info().
			Str("user_id", user.ID).
			Time("event_at", eventAt).
			Time("last_event_at", *user.LastEventAt).
			Msg("Out-of-order webhook ignored")
		return true
	}
	return false
}

func (s *Service) markApplied(ctx context.Context, userID string, eventAt time.Time) error {
	if err := s.users.MarkEventApplied(ctx, userID, eventAt); err != nil {
		// The transition itself is durable; a redelivery re-applies it.
		return fmt.Errorf("%w: %v", ErrEntitlementWrite, err)
	}
	return nil
}
