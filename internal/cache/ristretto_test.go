package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newCache(t *testing.T, ttl time.Duration) (*TieredCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c, err := NewTieredCache("persona:", 0, ttl, client, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, mr
}

func TestSetWritesBothTiers(t *testing.T) {
	ctx := context.Background()
	c, mr := newCache(t, 0)

	require.NoError(t, c.Set(ctx, "T1", "간결하고 직설적"))

	got, ok := c.Get(ctx, "T1")
	require.True(t, ok)
	assert.Equal(t, "간결하고 직설적", got)
	assert.Equal(t, int64(1), c.Stats().L1Hits)

	stored, err := mr.Get("persona:T1")
	require.NoError(t, err)
	assert.Equal(t, "간결하고 직설적", stored)
}

func TestZeroTTLNeverExpires(t *testing.T) {
	ctx := context.Background()
	c, mr := newCache(t, 0)

	require.NoError(t, c.Set(ctx, "T1", "profile"))
	assert.Zero(t, mr.TTL("persona:T1"))
}

func TestL2HitPromotesToL1(t *testing.T) {
	ctx := context.Background()
	c, mr := newCache(t, 0)

	// Written by another replica.
	require.NoError(t, mr.Set("persona:T2", "shared"))

	got, ok := c.Get(ctx, "T2")
	require.True(t, ok)
	assert.Equal(t, "shared", got)
	assert.Equal(t, int64(1), c.Stats().L2Hits)

	mr.Del("persona:T2")
	got, ok = c.Get(ctx, "T2")
	require.True(t, ok)
	assert.Equal(t, "shared", got)
}

func TestMissOnBothTiers(t *testing.T) {
	c, _ := newCache(t, 0)

	_, ok := c.Get(context.Background(), "absent")
	assert.False(t, ok)
	stats := c.Stats()
	assert.Equal(t, int64(1), stats.L1Misses)
	assert.Equal(t, int64(1), stats.L2Misses)
}

func TestDeleteRemovesBothTiers(t *testing.T) {
	ctx := context.Background()
	c, mr := newCache(t, time.Hour)

	require.NoError(t, c.Set(ctx, "T1", "profile"))
	require.NoError(t, c.Delete(ctx, "T1"))

	_, ok := c.Get(ctx, "T1")
	assert.False(t, ok)
	assert.False(t, mr.Exists("persona:T1"))
}

func TestGetOrCompute(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache(t, 0)

	calls := 0
	compute := func(context.Context) (string, error) {
		calls++
		return "computed", nil
	}

	for i := 0; i < 3; i++ {
		got, err := c.GetOrCompute(ctx, "T1", compute)
		require.NoError(t, err)
		assert.Equal(t, "computed", got)
	}
	assert.Equal(t, 1, calls)

	_, err := c.GetOrCompute(ctx, "T9", func(context.Context) (string, error) {
		return "", errors.New("boom")
	})
	assert.EqualError(t, err, "boom")
}

func TestProcessLocalCache(t *testing.T) {
	ctx := context.Background()
	c, err := NewTieredCache("p:", 0, 0, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Set(ctx, "k", "v"))
	got, ok := c.Get(ctx, "k")
	assert.True(t, ok)
	assert.Equal(t, "v", got)
}

func TestRefreshFromAnotherReplicaVisibleAfterL1TTL(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	replica := func() *TieredCache {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		c, err := NewTieredCache("persona:", 0, 0, client, zaptest.NewLogger(t))
		require.NoError(t, err)
		c.SetL1TTL(50 * time.Millisecond)
		t.Cleanup(c.Close)
		return c
	}
	worker, server := replica(), replica()

	require.NoError(t, worker.Set(ctx, "T1", "v1"))
	got, ok := server.Get(ctx, "T1")
	require.True(t, ok)
	require.Equal(t, "v1", got)

	require.NoError(t, worker.Set(ctx, "T1", "v2 refreshed"))
	assert.Eventually(t, func() bool {
		got, _ := server.Get(ctx, "T1")
		return got == "v2 refreshed"
	}, 2*time.Second, 20*time.Millisecond)

	// L2 keeps the profile without expiry.
	assert.Zero(t, mr.TTL("persona:T1"))
}
