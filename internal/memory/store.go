package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/juanpark/slough-ai/internal/jsonx"
	"github.com/juanpark/slough-ai/internal/llm"
)

// ThreadStore is the store of record for conversation turns. It keeps the
// complete history; trimming never writes back.
type ThreadStore interface {
	Load(ctx context.Context, threadID string) ([]llm.Message, error)
	Append(ctx context.Context, threadID string, turns ...llm.Message) error
}

// RedisThreadStore keeps each thread as a Redis list of JSON-encoded turns.
type RedisThreadStore struct {
	redis  redis.Cmdable
	prefix string
	logger *zap.Logger
}

// NewRedisThreadStore creates a Redis-backed thread store.
func NewRedisThreadStore(redisClient redis.Cmdable, logger *zap.Logger) *RedisThreadStore {
	return &RedisThreadStore{
		redis:  redisClient,
		prefix: "thread:",
		logger: logger.Named("thread_store"),
	}
}

func (s *RedisThreadStore) key(threadID string) string {
	return s.prefix + threadID
}

// Load returns every stored turn in insertion order. Entries that fail to
// decode are skipped and logged.
func (s *RedisThreadStore) Load(ctx context.Context, threadID string) ([]llm.Message, error) {
	raw, err := s.redis.LRange(ctx, s.key(threadID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load thread: %w", err)
	}

	msgs := make([]llm.Message, 0, len(raw))
	for i, item := range raw {
		var msg llm.Message
		if err := jsonx.UnmarshalFromString(item, &msg); err != nil {
			s.logger.Warn("Skipping undecodable turn",
				zap.String("thread_id", threadID),
				zap.Int("index", i),
				zap.Error(err))
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Append pushes turns to the end of the thread in one round trip.
func (s *RedisThreadStore) Append(ctx context.Context, threadID string, turns ...llm.Message) error {
	if len(turns) == 0 {
		return nil
	}

	values := make([]interface{}, len(turns))
	for i, turn := range turns {
		encoded, err := jsonx.MarshalToString(turn)
		if err != nil {
			return fmt.Errorf("encode turn: %w", err)
		}
		values[i] = encoded
	}

	if err := s.redis.RPush(ctx, s.key(threadID), values...).Err(); err != nil {
		return fmt.Errorf("append thread: %w", err)
	}
	return nil
}

// InMemoryThreadStore keeps threads in process memory. Used by the CLI and tests.
type InMemoryThreadStore struct {
	mu      sync.RWMutex
	threads map[string][]llm.Message
}

// NewInMemoryThreadStore creates an empty in-process store.
func NewInMemoryThreadStore() *InMemoryThreadStore {
	return &InMemoryThreadStore{threads: make(map[string][]llm.Message)}
}

// Load returns a copy of the thread.
func (s *InMemoryThreadStore) Load(_ context.Context, threadID string) ([]llm.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turns := s.threads[threadID]
	out := make([]llm.Message, len(turns))
	copy(out, turns)
	return out, nil
}

// Append adds turns to the thread.
func (s *InMemoryThreadStore) Append(_ context.Context, threadID string, turns ...llm.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[threadID] = append(s.threads[threadID], turns...)
	return nil
}
