package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	// ErrLockHeld is returned when another request is already answering in the thread.
	ErrLockHeld = errors.New("thread is busy")
	// ErrEmptyThreadID is returned for locks requested without a thread id.
	ErrEmptyThreadID = errors.New("thread id cannot be empty")
)

// releaseScript deletes the lock only if this holder still owns it, so a lock
// that expired and was taken by someone else is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lock only while this holder still owns it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// ThreadLock serializes answer generation within one conversation thread
// across server replicas.
type ThreadLock struct {
	redis     redis.Cmdable
	key       string
	token     string
	timeout   time.Duration
	renewTick *time.Ticker
	done      chan struct{}
	once      sync.Once
	logger    *zap.Logger
	threadID  string
}

func (tl *ThreadLock) acquire(ctx context.Context) error {
	acquired, err := tl.redis.SetNX(ctx, tl.key, tl.token, tl.timeout).Result()
	if err != nil {
		return fmt.Errorf("lock acquisition failed: %w", err)
	}
	if !acquired {
		return ErrLockHeld
	}

	// Keep the lock alive while a slow generation is still running.
	tl.renewTick = time.NewTicker(tl.timeout / 3)
	go func() {
		for {
			select {
			case <-tl.renewTick.C:
				owned, err := tl.renew(context.Background())
				if err != nil {
					tl.logger.Warn("Thread lock renewal failed",
						zap.String("thread_id", tl.threadID),
						zap.Error(err))
					continue
				}
				if !owned {
					tl.logger.Warn("Thread lock lost before release",
						zap.String("thread_id", tl.threadID))
					return
				}
			case <-tl.done:
				return
			}
		}
	}()

	tl.logger.Debug("Thread lock acquired",
		zap.String("thread_id", tl.threadID),
		zap.Duration("timeout", tl.timeout))
	return nil
}

// renew pushes the expiry out by the lock timeout and reports whether the
// key still holds this lock's token.
func (tl *ThreadLock) renew(ctx context.Context) (bool, error) {
	n, err := renewScript.Run(ctx, tl.redis, []string{tl.key}, tl.token, tl.timeout.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release frees the lock. Safe to call more than once.
func (tl *ThreadLock) Release() {
	tl.once.Do(func() {
		close(tl.done)
		if tl.renewTick != nil {
			tl.renewTick.Stop()
		}

		if err := releaseScript.Run(context.Background(), tl.redis, []string{tl.key}, tl.token).Err(); err != nil {
			tl.logger.Warn("Thread lock release failed",
				zap.String("thread_id", tl.threadID),
				zap.Error(err))
			return
		}
		tl.logger.Debug("Thread lock released", zap.String("thread_id", tl.threadID))
	})
}

// ThreadLockManager hands out per-thread locks.
type ThreadLockManager struct {
	redis          redis.Cmdable
	logger         *zap.Logger
	defaultTimeout time.Duration
}

// NewThreadLockManager creates a lock manager. A non-positive timeout falls
// back to two minutes.
func NewThreadLockManager(redisClient redis.Cmdable, timeout time.Duration, logger *zap.Logger) *ThreadLockManager {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &ThreadLockManager{
		redis:          redisClient,
		logger:         logger.Named("thread_lock"),
		defaultTimeout: timeout,
	}
}

// TryAcquire takes the lock once and returns ErrLockHeld if it is taken.
func (m *ThreadLockManager) TryAcquire(ctx context.Context, threadID string) (*ThreadLock, error) {
	if threadID == "" {
		return nil, ErrEmptyThreadID
	}

	lock := &ThreadLock{
		redis:    m.redis,
		key:      fmt.Sprintf("lock:thread:%s", threadID),
		token:    uuid.NewString(),
		timeout:  m.defaultTimeout,
		done:     make(chan struct{}),
		logger:   m.logger,
		threadID: threadID,
	}
	if err := lock.acquire(ctx); err != nil {
		return nil, err
	}
	return lock, nil
}

// Acquire retries TryAcquire with capped backoff until the lock is free or
// ctx is done.
func (m *ThreadLockManager) Acquire(ctx context.Context, threadID string) (*ThreadLock, error) {
	backoff := 50 * time.Millisecond
	for {
		lock, err := m.TryAcquire(ctx, threadID)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, ErrLockHeld) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for thread %s: %w", threadID, errors.Join(ErrLockHeld, ctx.Err()))
		case <-time.After(backoff):
		}
		if backoff < time.Second {
			backoff *= 2
		}
	}
}
