// Package dedup suppresses re-processing of chat events the platform retries.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/juanpark/slough-ai/internal/metrics"
)

// DefaultTTL is how long an event id is remembered.
const DefaultTTL = 60 * time.Second

// ErrEmptyEventID is returned when Seen is called without an id.
var ErrEmptyEventID = errors.New("event id cannot be empty")

// Gate records event ids with SETNX so exactly one caller wins per id.
type Gate struct {
	redis  redis.Cmdable
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

// NewGate creates a dedup gate. A zero ttl selects DefaultTTL.
func NewGate(redisClient redis.Cmdable, ttl time.Duration, logger *zap.Logger) *Gate {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Gate{
		redis:  redisClient,
		ttl:    ttl,
		prefix: "dedup:",
		logger: logger.Named("dedup"),
	}
}

// Seen reports whether eventID was already recorded within the TTL.
// The first caller for an id gets false and the record is written with the
// TTL in the same command; later callers get true and the expiry is untouched.
func (g *Gate) Seen(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, ErrEmptyEventID
	}

	key := fmt.Sprintf("%s%s", g.prefix, eventID)
	fresh, err := g.redis.SetNX(ctx, key, "1", g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}

	if !fresh {
		metrics.DedupDuplicates.Inc()
		g.logger.Debug("Duplicate event suppressed", zap.String("event_id", eventID))
		return true, nil
	}
	return false, nil
}

// TTL returns the configured record lifetime.
func (g *Gate) TTL() time.Duration {
	return g.ttl
}
