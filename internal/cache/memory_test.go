package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_IncrCreatesAtOne(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	v, err := m.Incr(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = m.Incr(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestMemory_GetDelIsReadThenClear(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, found, err := m.GetDel(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	_, _ = m.Incr(ctx, "k")
	_, _ = m.Incr(ctx, "k")

	v, found, err := m.GetDel(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(2), v)

	_, found, _ = m.Get(ctx, "k")
	assert.False(t, found)
}

func TestMemory_ExpiryEvictsKey(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemoryWithClock(func() time.Time { return now })

	_, _ = m.Incr(ctx, "k")
	require.NoError(t, m.Expire(ctx, "k", time.Minute))

	ttl, _ := m.TTL(ctx, "k")
	assert.Equal(t, time.Minute, ttl)

	now = now.Add(time.Minute)
	_, found, _ := m.Get(ctx, "k")
	assert.False(t, found)

	v, _ := m.Incr(ctx, "k")
	assert.Equal(t, int64(1), v)
	ttl, _ = m.TTL(ctx, "k")
	assert.Equal(t, time.Duration(-1), ttl)
}

func TestMemory_ConcurrentIncrIsAtomic(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Incr(ctx, "k")
		}()
	}
	wg.Wait()

	v, _, _ := m.Get(ctx, "k")
	assert.Equal(t, int64(100), v)
}

func TestOpen_MemoryScheme(t *testing.T) {
	c, err := Open("memory://")
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, c)
}

func TestMemory_IncrByAddsDelta(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	v, err := m.IncrBy(ctx, "k", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	v, err = m.Incr(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(4), v)
}
