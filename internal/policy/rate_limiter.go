package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig defines per-asker thresholds. Zero disables a window.
type RateLimitConfig struct {
	RequestsPerMinute int
	RequestsPerHour   int
}

// RateLimiter counts questions per asker in fixed Redis windows.
type RateLimiter struct {
	redis  redis.Cmdable
	logger *zap.Logger
	limits RateLimitConfig
	now    func() time.Time
}

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed     bool
	Remaining   int
	RetryAfter  time.Duration
	Limit       int
	LimitWindow string // "minute", "hour"
}

// NewRateLimiter creates a limiter. A nil client allows everything.
func NewRateLimiter(redisClient redis.Cmdable, limits RateLimitConfig, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		redis:  redisClient,
		logger: logger.Named("rate_limiter"),
		limits: limits,
		now:    time.Now,
	}
}

type window struct {
	name     string
	duration time.Duration
	limit    int
}

func (rl *RateLimiter) windows() []window {
	return []window{
		{"minute", time.Minute, rl.limits.RequestsPerMinute},
		{"hour", time.Hour, rl.limits.RequestsPerHour},
	}
}

// allowScript checks every window key against its limit and, only when all
// pass, increments them. A key gets its expiry on first increment. The reply
// is {0, count...} when allowed or {i, count} naming the first full window.
var allowScript = redis.NewScript(`
for i, key in ipairs(KEYS) do
	local n = tonumber(redis.call("GET", key) or "0")
	if n >= tonumber(ARGV[2*i-1]) then
		return {i, n}
	end
end
local reply = {0}
for i, key in ipairs(KEYS) do
	local n = redis.call("INCR", key)
	if n == 1 then
		redis.call("PEXPIRE", key, ARGV[2*i])
	end
	reply[#reply+1] = n
end
return reply
`)

// Allow checks every window and, if all pass, counts the request. The check
// and the count run as one script, so concurrent requests cannot both take
// the last slot. Redis errors fail open.
func (rl *RateLimiter) Allow(ctx context.Context, tenantID, askerID string) (*RateLimitResult, error) {
	if rl.redis == nil {
		return &RateLimitResult{Allowed: true, Remaining: -1}, nil
	}

	now := rl.now()
	var (
		active []window
		keys   []string
		args   []interface{}
	)
	for _, w := range rl.windows() {
		if w.limit == 0 {
			continue
		}
		active = append(active, w)
		keys = append(keys, rl.buildKey(tenantID, askerID, w, now))
		args = append(args, w.limit, w.duration.Milliseconds())
	}
	if len(active) == 0 {
		return &RateLimitResult{Allowed: true, Remaining: -1}, nil
	}

	reply, err := allowScript.Run(ctx, rl.redis, keys, args...).Int64Slice()
	if err != nil || len(reply) == 0 {
		rl.logger.Warn("Rate limit check failed", zap.Error(err), zap.String("tenant_id", tenantID))
		return &RateLimitResult{Allowed: true, Remaining: -1}, nil
	}

	if full := int(reply[0]); full > 0 {
		w := active[full-1]
		resetAt := now.Truncate(w.duration).Add(w.duration)
		return &RateLimitResult{
			Allowed:     false,
			Remaining:   0,
			RetryAfter:  resetAt.Sub(now),
			Limit:       w.limit,
			LimitWindow: w.name,
		}, nil
	}

	result := &RateLimitResult{Allowed: true, Remaining: -1}
	for i, count := range reply[1:] {
		w := active[i]
		if left := w.limit - int(count); result.Remaining < 0 || left < result.Remaining {
			result.Remaining = left
			result.Limit = w.limit
			result.LimitWindow = w.name
		}
	}
	return result, nil
}

// buildKey uses window-aligned timestamps for consistent bucket boundaries.
func (rl *RateLimiter) buildKey(tenantID, askerID string, w window, now time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%s:%s:%d", tenantID, askerID, w.name, now.Truncate(w.duration).Unix())
}
