package api

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter(1, 2).WithClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, _, err := l.Allow(ctx, "create:10.0.0.1")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, retry, err := l.Allow(ctx, "create:10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.InDelta(t, time.Second, retry, float64(10*time.Millisecond))

	ok, _, _ = l.Allow(ctx, "create:10.0.0.2")
	assert.True(t, ok, "keys are independent")

	now = now.Add(time.Second)
	ok, _, _ = l.Allow(ctx, "create:10.0.0.1")
	assert.True(t, ok, "one token refilled")
}

func TestMemoryLimiter_SweepsIdle(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter(1, 1).WithClock(func() time.Time { return now })
	_, _, _ = l.Allow(context.Background(), "a")
	_, _, _ = l.Allow(context.Background(), "b")

	now = now.Add(visitorTTL + 2*time.Minute)
	_, _, _ = l.Allow(context.Background(), "b")
	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.visitors, "a")
	assert.Contains(t, l.visitors, "b")
}

func TestMemoryLimiter_Disabled(t *testing.T) {
	l := NewMemoryLimiter(0, 1)
	for i := 0; i < 100; i++ {
		ok, _, err := l.Allow(context.Background(), "k")
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestRedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewRedisLimiter(client, "", 2, 2).WithClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, _, err := l.Allow(ctx, "create:10.0.0.1")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, retry, err := l.Allow(ctx, "create:10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 500*time.Millisecond, retry)
	assert.True(t, mr.Exists("guard:ratelimit:create:10.0.0.1"))

	now = now.Add(600 * time.Millisecond)
	ok, _, err = l.Allow(ctx, "create:10.0.0.1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLimiter_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	_, _, err := NewRedisLimiter(client, "rl", 1, 1).Allow(context.Background(), "k")
	assert.Error(t, err)
}

func TestClientIP(t *testing.T) {
	for addr, want := range map[string]string{
		"10.1.2.3:5555":          "10.1.2.3",
		"[::ffff:10.1.2.3]:5555": "10.1.2.3",
		"[2001:db8::1]:80":       "2001:db8::1",
		"10.9.9.9":               "10.9.9.9",
	} {
		r := httptest.NewRequest("GET", "/", nil)
		r.RemoteAddr = addr
		assert.Equal(t, want, clientIP(r), addr)
	}
}
