package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newFrozen returns a limiter whose clock only moves when advance is called.
func newFrozen(t *testing.T, rps float64, burst int) (*MemoryLimiter, func(time.Duration)) {
	t.Helper()
	m := NewMemoryLimiter(rps, burst)
	t.Cleanup(func() { require.NoError(t, m.Close()) })

	now := time.Now()
	m.now = func() time.Time { return now }
	return m, func(d time.Duration) { now = now.Add(d) }
}

func allowN(t *testing.T, l Limiter, key string, n int) int {
	t.Helper()
	allowed := 0
	for i := 0; i < n; i++ {
		ok, err := l.Allow(context.Background(), key)
		require.NoError(t, err)
		if ok {
			allowed++
		}
	}
	return allowed
}

func TestMemoryLimiterBurst(t *testing.T) {
	tests := []struct {
		name  string
		burst int
		calls int
		want  int
	}{
		{"under burst", 5, 5, 5},
		{"over burst", 3, 6, 3},
		{"burst of one", 1, 4, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newFrozen(t, 10, tt.burst)
			assert.Equal(t, tt.want, allowN(t, m, "agent:bot", tt.calls))
		})
	}
}

func TestMemoryLimiterRefill(t *testing.T) {
	m, advance := newFrozen(t, 1, 1)

	assert.Equal(t, 1, allowN(t, m, "k", 2), "second call in the same instant is denied")

	advance(500 * time.Millisecond)
	assert.Equal(t, 0, allowN(t, m, "k", 1), "half a token is not enough")

	advance(600 * time.Millisecond)
	assert.Equal(t, 1, allowN(t, m, "k", 1))
}

func TestMemoryLimiterRefillCapsAtBurst(t *testing.T) {
	m, advance := newFrozen(t, 10, 3)

	allowN(t, m, "k", 1)
	advance(time.Hour)
	assert.Equal(t, 3, allowN(t, m, "k", 5), "idle time never banks more than burst")
}

func TestMemoryLimiterIndependentKeys(t *testing.T) {
	m, _ := newFrozen(t, 10, 1)

	assert.Equal(t, 1, allowN(t, m, "principal:alice", 3))
	assert.Equal(t, 1, allowN(t, m, "principal:bob", 3))
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	m, _ := newFrozen(t, 100, 50)

	var (
		wg      sync.WaitGroup
		allowed atomic.Int64
	)
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				ok, err := m.Allow(context.Background(), "shared")
				assert.NoError(t, err)
				if ok {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	// The clock is frozen, so exactly the burst gets through.
	assert.Equal(t, int64(50), allowed.Load())
}

func TestMemoryLimiterEvictStale(t *testing.T) {
	m, _ := newFrozen(t, 10, 5)
	allowN(t, m, "stale", 1)
	allowN(t, m, "recent", 1)

	m.mu.Lock()
	m.buckets["stale"].lastAccess = time.Now().Add(-2 * staleThreshold)
	m.buckets["recent"].lastAccess = time.Now()
	m.mu.Unlock()

	m.evictStale()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.NotContains(t, m.buckets, "stale")
	assert.Contains(t, m.buckets, "recent")
}

func TestMemoryLimiterCloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestNoopLimiter(t *testing.T) {
	var l NoopLimiter
	assert.Equal(t, 1000, allowN(t, l, "anything", 1000))
	assert.NoError(t, l.Close())
}
