// Package cache provides a two-tier string cache: Ristretto in process and
// Redis shared across replicas.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultL1MaxCost is the L1 budget in bytes.
const DefaultL1MaxCost = 8 << 20

// TieredCache provides a two-tier caching system:
// - L1: in-memory Ristretto cache local to the process
// - L2: Redis, shared by every server and worker replica
//
// A zero ttl stores entries without expiry; they live until overwritten or
// deleted. L1 entries follow ttl unless SetL1TTL bounds them separately.
type TieredCache struct {
	l1        *ristretto.Cache[string, []byte]
	l2        redis.Cmdable
	ttl       time.Duration
	l1TTL     time.Duration
	prefix    string
	l1MaxCost int64
	logger    *zap.Logger
	stats     Stats
	statsMu   sync.Mutex
}

// Stats tracks cache performance.
type Stats struct {
	L1Hits   int64
	L1Misses int64
	L2Hits   int64
	L2Misses int64
}

// NewTieredCache creates a two-tier cache. Keys are namespaced with prefix in
// Redis. redisClient may be nil for a process-local cache.
func NewTieredCache(prefix string, l1MaxCost int64, ttl time.Duration, redisClient redis.Cmdable, logger *zap.Logger) (*TieredCache, error) {
	if l1MaxCost <= 0 {
		l1MaxCost = DefaultL1MaxCost
	}

	l1, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: 1e4,
		MaxCost:     l1MaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ristretto cache: %w", err)
	}

	return &TieredCache{
		l1:        l1,
		l2:        redisClient,
		ttl:       ttl,
		prefix:    prefix,
		l1MaxCost: l1MaxCost,
		logger:    logger.Named("cache").With(zap.String("prefix", prefix)),
	}, nil
}

// SetL1TTL bounds how long a process serves its local copy before reading L2
// again, so writes from other replicas become visible within d. Call before
// the cache is shared.
func (c *TieredCache) SetL1TTL(d time.Duration) {
	c.l1TTL = d
}

func (c *TieredCache) key(key string) string {
	return c.prefix + key
}

// Get looks up key in L1, then L2. A Redis error is logged and reported as a
// miss.
func (c *TieredCache) Get(ctx context.Context, key string) (string, bool) {
	if val, found := c.l1.Get(key); found {
		c.record(func(s *Stats) { s.L1Hits++ })
		return string(val), true
	}
	c.record(func(s *Stats) { s.L1Misses++ })

	if c.l2 == nil {
		return "", false
	}

	data, err := c.l2.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("L2 cache read failed", zap.String("key", key), zap.Error(err))
		}
		c.record(func(s *Stats) { s.L2Misses++ })
		return "", false
	}

	c.record(func(s *Stats) { s.L2Hits++ })
	c.setL1(key, data)
	return string(data), true
}

// Set stores value in both tiers. The L1 write is visible to Get on return.
func (c *TieredCache) Set(ctx context.Context, key, value string) error {
	data := []byte(value)
	c.setL1(key, data)

	if c.l2 != nil {
		if err := c.l2.Set(ctx, c.key(key), data, c.ttl).Err(); err != nil {
			return fmt.Errorf("L2 set failed: %w", err)
		}
	}
	return nil
}

func (c *TieredCache) setL1(key string, data []byte) {
	ttl := c.ttl
	if c.l1TTL > 0 && (ttl == 0 || c.l1TTL < ttl) {
		ttl = c.l1TTL
	}
	if ttl > 0 {
		c.l1.SetWithTTL(key, data, int64(len(data)), ttl)
	} else {
		c.l1.Set(key, data, int64(len(data)))
	}
	c.l1.Wait()
}

// Delete removes key from both tiers.
func (c *TieredCache) Delete(ctx context.Context, key string) error {
	c.l1.Del(key)

	if c.l2 != nil {
		if err := c.l2.Del(ctx, c.key(key)).Err(); err != nil {
			return fmt.Errorf("L2 delete failed: %w", err)
		}
	}
	return nil
}

// GetOrCompute returns the cached value or computes and stores it. A failed
// store is logged; the computed value is still returned.
func (c *TieredCache) GetOrCompute(ctx context.Context, key string, fn func(context.Context) (string, error)) (string, error) {
	if val, found := c.Get(ctx, key); found {
		return val, nil
	}

	val, err := fn(ctx)
	if err != nil {
		return "", err
	}

	if err := c.Set(ctx, key, val); err != nil {
		c.logger.Warn("Failed to cache computed value",
			zap.String("key", key),
			zap.Error(err))
	}
	return val, nil
}

// Stats returns a snapshot of hit counters.
func (c *TieredCache) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

func (c *TieredCache) record(fn func(*Stats)) {
	c.statsMu.Lock()
	fn(&c.stats)
	c.statsMu.Unlock()
}

// Close releases the L1 cache.
func (c *TieredCache) Close() {
	c.l1.Close()
}
