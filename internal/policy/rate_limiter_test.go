package policy

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newLimiter(t *testing.T, limits RateLimitConfig) *RateLimiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	rl := NewRateLimiter(client, limits, zaptest.NewLogger(t))
	fixed := time.Date(2026, 3, 2, 10, 15, 30, 0, time.UTC)
	rl.now = func() time.Time { return fixed }
	return rl
}

func TestRateLimiterBlocksAfterLimit(t *testing.T) {
	ctx := context.Background()
	rl := newLimiter(t, RateLimitConfig{RequestsPerMinute: 3})

	for i := 0; i < 3; i++ {
		res, err := rl.Allow(ctx, "T1", "U1")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 2-i, res.Remaining)
	}

	res, err := rl.Allow(ctx, "T1", "U1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, "minute", res.LimitWindow)
	assert.Equal(t, 30*time.Second, res.RetryAfter)
}

func TestRateLimiterIsolatesAskers(t *testing.T) {
	ctx := context.Background()
	rl := newLimiter(t, RateLimitConfig{RequestsPerMinute: 1})

	res, err := rl.Allow(ctx, "T1", "U1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = rl.Allow(ctx, "T1", "U2")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = rl.Allow(ctx, "T2", "U1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestRateLimiterHourWindow(t *testing.T) {
	ctx := context.Background()
	rl := newLimiter(t, RateLimitConfig{RequestsPerMinute: 10, RequestsPerHour: 2})

	for i := 0; i < 2; i++ {
		res, err := rl.Allow(ctx, "T1", "U1")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	res, err := rl.Allow(ctx, "T1", "U1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, "hour", res.LimitWindow)
}

func TestRateLimiterWithoutRedisAllows(t *testing.T) {
	rl := NewRateLimiter(nil, RateLimitConfig{RequestsPerMinute: 1}, zaptest.NewLogger(t))
	for i := 0; i < 5; i++ {
		res, err := rl.Allow(context.Background(), "T1", "U1")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
}

func TestRateLimiterConcurrentRequestsShareLimit(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	rl := NewRateLimiter(client, RateLimitConfig{RequestsPerMinute: 5, RequestsPerHour: 100}, zaptest.NewLogger(t))
	fixed := time.Date(2026, 3, 2, 10, 15, 30, 0, time.UTC)
	rl.now = func() time.Time { return fixed }

	var (
		wg      sync.WaitGroup
		allowed atomic.Int32
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := rl.Allow(ctx, "T1", "U1")
			if err == nil && res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(5), allowed.Load())

	// Rejected requests are not counted against the hour window.
	hourly, err := mr.Get(rl.buildKey("T1", "U1", rl.windows()[1], fixed))
	require.NoError(t, err)
	assert.Equal(t, "5", hourly)
}

func TestRateLimiterCountsExpireWithWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	rl := NewRateLimiter(client, RateLimitConfig{RequestsPerMinute: 1}, zaptest.NewLogger(t))
	fixed := time.Date(2026, 3, 2, 10, 15, 30, 0, time.UTC)
	rl.now = func() time.Time { return fixed }

	_, err := rl.Allow(context.Background(), "T1", "U1")
	require.NoError(t, err)

	key := rl.buildKey("T1", "U1", rl.windows()[0], fixed)
	assert.Equal(t, time.Minute, mr.TTL(key))
	value, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "1", value)
}
