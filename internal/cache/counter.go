package cache

import (
	"context"
	"strings"
	"time"
)

// Counter is the atomic key-value substrate used for metering. Every call
// may fail with a transient error; callers choose fail-open or fail-closed.
type Counter interface {
	// Incr atomically increments key, creating it at 1 if absent.
	Incr(ctx context.Context, key string) (int64, error)
	// IncrBy atomically adds n to key, creating it at n if absent.
	IncrBy(ctx context.Context, key string, n int64) (int64, error)
	// Get returns the value of key and whether it exists.
	Get(ctx context.Context, key string) (int64, bool, error)
	// GetDel atomically reads and removes key.
	GetDel(ctx context.Context, key string) (int64, bool, error)
	// Expire attaches a time-to-live to key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Delete removes key.
	Delete(ctx context.Context, keys ...string) error
	// Health reports whether the store is reachable.
	Health(ctx context.Context) error
}

// Open returns the counter store addressed by url. "memory://" selects the
// in-process store, anything else is parsed as a Redis URL.
func Open(url string) (Counter, error) {
	if strings.HasPrefix(url, "memory://") {
		return NewMemory(), nil
	}
	return NewRedisFromURL(url)
}
