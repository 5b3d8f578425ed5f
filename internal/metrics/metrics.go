// Package metrics declares the Prometheus collectors for the entitlement
// and metering core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "reviewloop"

var (
	// WebhookRequestsTotal counts processor webhook requests by event type and HTTP status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Processor webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Processor webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// EntitlementTransitions counts tier writes by source and resulting tier.
	EntitlementTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "entitlement_transitions_total",
		Help:      "Entitlement writes by source (webhook, cancel, reconcile) and tier.",
	}, []string{"source", "tier"})

	// RefundOutcomes counts refund attempts by outcome.
	RefundOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "refunds_total",
		Help:      "Refund requests by outcome (refunded, ineligible, failed).",
	}, []string{"outcome"})

	// RateLimitDecisions counts limiter decisions.
	RateLimitDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Rate limiter decisions by limiter and outcome (allowed, denied, degraded).",
	}, []string{"limiter", "outcome"})

	// PeriodRollovers counts usage periods closed.
	PeriodRollovers = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "usage",
		Name:      "period_rollovers_total",
		Help:      "Usage periods rolled over.",
	})

	// PendingSynced counts metered events moved from the counter store into the database.
	PendingSynced = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "usage",
		Name:      "pending_synced_total",
		Help:      "Pending usage increments flushed to the database, by kind.",
	}, []string{"kind"})

	// AccountsPurged counts accounts hard-deleted by the retention sweep.
	AccountsPurged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "accounts",
		Name:      "purged_total",
		Help:      "Soft-deleted accounts hard-deleted after the grace period.",
	})
)
