// Package ratelimit implements fixed-window counters on top of the counter
// store. One limiter instance guards one named action; the actor (an IP
// address, a user id, or "global" for budget caps) selects the counter.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/reviewloop/backend/internal/cache"
	"github.com/reviewloop/backend/internal/metrics"
)

// Policy decides what happens when the counter store is unavailable.
type Policy int

const (
	// FailOpen allows the action when the store errors.
	FailOpen Policy = iota
	// FailClosed denies the action when the store errors.
	FailClosed
)

func (p Policy) String() string {
	if p == FailClosed {
		return "fail_closed"
	}
	return "fail_open"
}

// GlobalActor is the actor used for process-wide budgets.
const GlobalActor = "global"

// Config describes a limiter instance.
type Config struct {
	Name      string        // metric/log label, e.g. "signin"
	Namespace string        // key prefix, e.g. "rl:signin"
	Max       int64         // allowed occurrences per window
	Window    time.Duration // fixed window length
	Policy    Policy
	// Loud logs store failures at error level. Used for budget caps that
	// protect paid third-party quotas.
	Loud bool
}

// Decision is the outcome of one attempt.
type Decision struct {
	Allowed   bool
	Count     int64 // post-increment value; 0 when degraded
	Limit     int64
	Remaining int64
	// Degraded is set when the store failed and Policy decided the outcome.
	Degraded bool
	Window   time.Duration
}

// Limiter is a fixed-window counter.
type Limiter struct {
	store cache.Counter
	cfg   Config
}

// New creates a limiter. Max and Window must be positive.
func New(store cache.Counter, cfg Config) (*Limiter, error) {
	if cfg.Max <= 0 {
		return nil, fmt.Errorf("ratelimit %q: max must be positive", cfg.Name)
	}
	if cfg.Window < time.Second {
		return nil, fmt.Errorf("ratelimit %q: window must be at least one second", cfg.Name)
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "rl:" + cfg.Name
	}
	return &Limiter{store: store, cfg: cfg}, nil
}

// MustNew is New for limiters built from static configuration.
func MustNew(store cache.Counter, cfg Config) *Limiter {
	l, err := New(store, cfg)
	if err != nil {
		panic(err)
	}
	return l
}

// Name returns the limiter name.
func (l *Limiter) Name() string {
	return l.cfg.Name
}

// Key returns the counter key for actor.
func (l *Limiter) Key(actor string) string {
	return l.cfg.Namespace + ":" + actor
}

// Allow records one attempt by actor and reports whether it may proceed.
//
// The counter is incremented even when the attempt is denied. Only the
// increment that creates the key (post-increment value 1) sets the expiry,
// so every attempt inside a window shares the same deadline.
func (l *Limiter) Allow(ctx context.Context, actor string) Decision {
	key := l.Key(actor)

	count, err := l.store.Incr(ctx, key)
	if err != nil {
		return l.degrade(actor, "increment", err)
	}

	if count == 1 {
		if err := l.store.Expire(ctx, key, l.cfg.Window); err != nil {
			// A key without a TTL would never reset; drop it.
			if delErr := l.store.Delete(ctx, key); delErr != nil {
				log.Error().Err(delErr).Str("limiter", l.cfg.Name).Str("key", key).
					Msg("Failed to delete rate limit key after expiry failure")
			}
			return l.degrade(actor, "expire", err)
		}
	}

	d := Decision{
		Allowed: count <= l.cfg.Max,
		Count:   count,
		Limit:   l.cfg.Max,
		Window:  l.cfg.Window,
	}
	if remaining := l.cfg.Max - count; remaining > 0 {
		d.Remaining = remaining
	}

	outcome := "allowed"
	if !d.Allowed {
		outcome = "denied"
	}
	metrics.RateLimitDecisions.WithLabelValues(l.cfg.Name, outcome).Inc()
	return d
}

func (l *Limiter) degrade(actor, op string, err error) Decision {
	allowed := l.cfg.Policy == FailOpen

	event := log.Warn()
	if l.cfg.Loud {
		event = log.Error()
	}
	event.Err(err).
		Str("limiter", l.cfg.Name).
		Str("actor", actor).
		Str("op", op).
		Str("policy", l.cfg.Policy.String()).
		Bool("allowed", allowed).
		Msg("Counter store unavailable; rate limit decided by policy")

	metrics.RateLimitDecisions.WithLabelValues(l.cfg.Name, "degraded").Inc()
	return Decision{
		Allowed:  allowed,
		Limit:    l.cfg.Max,
		Degraded: true,
		Window:   l.cfg.Window,
	}
}

// Reset clears the counter for actor.
func (l *Limiter) Reset(ctx context.Context, actor string) error {
	if err := l.store.Delete(ctx, l.Key(actor)); err != nil {
		return fmt.Errorf("failed to reset rate limit: %w", err)
	}
	return nil
}
