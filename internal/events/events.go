// Package events publishes account and entitlement changes to a topic exchange.
package events

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Routing keys
const (
	EntitlementChanged = "entitlement.changed"
	AccountPurged      = "account.purged"
)

// EntitlementEvent is published whenever a user's tier is written.
type EntitlementEvent struct {
	UserID         string    `json:"user_id"`
	PreviousTier   string    `json:"previous_tier"`
	Tier           string    `json:"tier"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	Source         string    `json:"source"`
	Timestamp      time.Time `json:"timestamp"`
}

// AccountEvent is published when the retention sweep removes an account.
type AccountEvent struct {
	UserID    string    `json:"user_id"`
	Lifecycle string    `json:"lifecycle"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher is implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body interface{}) error
	Close()
}

// NopPublisher drops events. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(_ context.Context, routingKey string, _ interface{}) error {
	log.Debug().Str("routing_key", routingKey).Msg("Event publish skipped, no broker configured")
	return nil
}

func (NopPublisher) Close() {}

// PublishBestEffort publishes and logs failures. Entitlement writes have
// already committed by the time events go out, so a broker outage must not
// fail the request.
func PublishBestEffort(ctx context.Context, p Publisher, routingKey string, body interface{}) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, routingKey, body); err != nil {
		log.Warn().Err(err).Str("routing_key", routingKey).Msg("Failed to publish event")
	}
}
