package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     int64
	expiresAt time.Time // zero means no expiry
}

// Memory is an in-process Counter with Redis-like expiry semantics. It
// backs REDIS_URL=memory:// for local runs without a Redis server.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

// NewMemory creates an empty in-process counter store.
func NewMemory() *Memory {
	return NewMemoryWithClock(time.Now)
}

// NewMemoryWithClock creates a store that reads time from now.
func NewMemoryWithClock(now func() time.Time) *Memory {
	return &Memory{
		entries: make(map[string]*memoryEntry),
		now:     now,
	}
}

// lookup returns the live entry for key, evicting it if expired.
// Callers hold m.mu.
func (m *Memory) lookup(key string) *memoryEntry {
	entry, ok := m.entries[key]
	if !ok {
		return nil
	}
	if !entry.expiresAt.IsZero() && !m.now().Before(entry.expiresAt) {
		delete(m.entries, key)
		return nil
	}
	return entry
}

func (m *Memory) Incr(ctx context.Context, key string) (int64, error) {
	return m.IncrBy(ctx, key, 1)
}

func (m *Memory) IncrBy(_ context.Context, key string, n int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.lookup(key)
	if entry == nil {
		entry = &memoryEntry{}
		m.entries[key] = entry
	}
	entry.value += n
	return entry.value, nil
}

func (m *Memory) Get(_ context.Context, key string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.lookup(key)
	if entry == nil {
		return 0, false, nil
	}
	return entry.value, true, nil
}

func (m *Memory) GetDel(_ context.Context, key string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.lookup(key)
	if entry == nil {
		return 0, false, nil
	}
	delete(m.entries, key)
	return entry.value, true, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry := m.lookup(key); entry != nil {
		entry.expiresAt = m.now().Add(ttl)
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		delete(m.entries, key)
	}
	return nil
}

func (m *Memory) Health(context.Context) error {
	return nil
}

// TTL reports the remaining lifetime of key; -1 when it has no expiry and
// -2 when it does not exist, mirroring Redis.
func (m *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.lookup(key)
	switch {
	case entry == nil:
		return -2, nil
	case entry.expiresAt.IsZero():
		return -1, nil
	default:
		return entry.expiresAt.Sub(m.now()), nil
	}
}
