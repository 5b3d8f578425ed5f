package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reviewloop/backend/internal/cache"
)

// countingStore wraps a counter store and records Expire calls.
type countingStore struct {
	cache.Counter
	expires atomic.Int64
}

func (s *countingStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.expires.Add(1)
	return s.Counter.Expire(ctx, key, ttl)
}

// failingStore fails selected operations.
type failingStore struct {
	cache.Counter
	failIncr   bool
	failExpire bool
	deleted    []string
}

func (s *failingStore) Incr(ctx context.Context, key string) (int64, error) {
	if s.failIncr {
		return 0, errors.New("connection refused")
	}
	return s.Counter.Incr(ctx, key)
}

func (s *failingStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if s.failExpire {
		return errors.New("connection reset")
	}
	return s.Counter.Expire(ctx, key, ttl)
}

func (s *failingStore) Delete(ctx context.Context, keys ...string) error {
	s.deleted = append(s.deleted, keys...)
	return s.Counter.Delete(ctx, keys...)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	_, err := New(cache.NewMemory(), Config{Name: "x", Max: 0, Window: time.Minute})
	assert.Error(t, err)
	_, err = New(cache.NewMemory(), Config{Name: "x", Max: 1, Window: time.Millisecond})
	assert.Error(t, err)
}

func TestAllow_ThirtyFirstAttemptDeniedThenWindowResets(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := cache.NewMemoryWithClock(func() time.Time { return now })
	l := MustNew(store, Config{Name: "search", Max: 30, Window: time.Minute})

	for i := 1; i <= 30; i++ {
		d := l.Allow(ctx, "203.0.113.7")
		require.True(t, d.Allowed, "attempt %d should be allowed", i)
	}

	d := l.Allow(ctx, "203.0.113.7")
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(31), d.Count)
	assert.Equal(t, int64(0), d.Remaining)

	// Other actors are independent.
	assert.True(t, l.Allow(ctx, "203.0.113.8").Allowed)

	now = now.Add(time.Minute)
	d = l.Allow(ctx, "203.0.113.7")
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Count)
}

func TestAllow_DeniedAttemptsStillCount(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemory()
	l := MustNew(store, Config{Name: "signin", Max: 1, Window: time.Minute})

	l.Allow(ctx, "a")
	l.Allow(ctx, "a")
	l.Allow(ctx, "a")

	v, _, _ := store.Get(ctx, l.Key("a"))
	assert.Equal(t, int64(3), v)
}

func TestAllow_ConcurrentFirstRequestsSetExpiryOnce(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Counter: cache.NewMemory()}
	const n, max = 100, 30
	l := MustNew(store, Config{Name: "burst", Max: max, Window: time.Minute})

	var allowed, denied atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if l.Allow(ctx, "198.51.100.1").Allowed {
				allowed.Add(1)
			} else {
				denied.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(max), allowed.Load())
	assert.Equal(t, int64(n-max), denied.Load())
	assert.Equal(t, int64(1), store.expires.Load())
}

func TestAllow_IncrementFailureFollowsPolicy(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{Counter: cache.NewMemory(), failIncr: true}

	open := MustNew(store, Config{Name: "search", Max: 5, Window: time.Minute, Policy: FailOpen})
	d := open.Allow(ctx, "ip")
	assert.True(t, d.Allowed)
	assert.True(t, d.Degraded)

	closed := MustNew(store, Config{Name: "signin", Max: 5, Window: time.Minute, Policy: FailClosed})
	d = closed.Allow(ctx, "ip")
	assert.False(t, d.Allowed)
	assert.True(t, d.Degraded)
}

func TestAllow_ExpireFailureDeletesKey(t *testing.T) {
	ctx := context.Background()
	mem := cache.NewMemory()
	store := &failingStore{Counter: mem, failExpire: true}
	l := MustNew(store, Config{Name: "ai-budget", Max: 5, Window: 24 * time.Hour, Loud: true})

	d := l.Allow(ctx, GlobalActor)
	assert.True(t, d.Allowed)
	assert.True(t, d.Degraded)
	assert.Equal(t, []string{l.Key(GlobalActor)}, store.deleted)

	_, found, _ := mem.Get(ctx, l.Key(GlobalActor))
	assert.False(t, found, "a key without expiry must not survive")
}

func TestMiddleware_Returns429WhenDenied(t *testing.T) {
	l := MustNew(cache.NewMemory(), Config{Name: "public", Max: 1, Window: time.Minute})
	calls := 0
	h := Middleware(l, ByIP, "Slow down")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/scan", nil)
	req.RemoteAddr = "198.51.100.5:1234"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "Slow down")
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, 1, calls)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1", ClientIP(req))

	req.Header.Set("X-Real-IP", "198.51.100.4")
	assert.Equal(t, "198.51.100.4", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "10.9.9.9, 203.0.113.9")
	assert.Equal(t, "203.0.113.9", ClientIP(req), "rightmost hop is the one the proxy appended")

	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	assert.Equal(t, "203.0.113.7", ClientIP(req))
}

func TestMiddleware_SpoofedForwardedForDoesNotEscapeLimit(t *testing.T) {
	l := MustNew(cache.NewMemory(), Config{Name: "public", Max: 2, Window: time.Minute})
	h := Middleware(l, ByIP, "")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 4)
	for _, spoofed := range []string{"1.1.1.1", "2.2.2.2", "3.3.3.3", "4.4.4.4"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Forwarded-For", spoofed+", 203.0.113.50")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests, http.StatusTooManyRequests}, codes)
}
