package vectorstore

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/juanpark/slough-ai/internal/embedding"
	"github.com/juanpark/slough-ai/internal/metrics"
)

// ChromemStore is an embedded vector store for local development and single
// node deployments. Each tenant gets its own collection.
type ChromemStore struct {
	mu       sync.RWMutex
	db       *chromem.DB
	embedder embedding.Provider
	logger   *zap.Logger
	now      func() time.Time
}

// NewChromemStore opens a persistent store under dir, or an in-memory store
// when dir is empty.
func NewChromemStore(dir string, embedder embedding.Provider, logger *zap.Logger) (*ChromemStore, error) {
	db := chromem.NewDB()
	if dir != "" {
		var err error
		db, err = chromem.NewPersistentDB(dir, false)
		if err != nil {
			return nil, fmt.Errorf("open chromem store: %w", err)
		}
	}

	return &ChromemStore{
		db:       db,
		embedder: embedder,
		logger:   logger.Named("chromem"),
		now:      time.Now,
	}, nil
}

func collectionName(tenantID string) string {
	return fmt.Sprintf("tenant_%s", tenantID)
}

func (s *ChromemStore) embedFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return s.embedder.Embed(ctx, text)
	}
}

// Store embeds the chunks in one batch and adds them to the tenant collection.
func (s *ChromemStore) Store(ctx context.Context, tenantID string, chunks []Chunk) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}
	if _, err := uuid.Parse(tenantID); err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTenant, tenantID)
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed chunks: %w", err)
	}

	now := s.now()
	docs := make([]chromem.Document, len(chunks))
	for i, c := range chunks {
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		docs[i] = chromem.Document{
			ID:        uuid.New().String(),
			Content:   c.Content,
			Embedding: vectors[i],
			Metadata: map[string]string{
				"channel_id": c.ChannelID,
				"message_ts": c.MessageTS,
				"thread_ts":  c.ThreadTS,
				"created_at": createdAt.UTC().Format(time.RFC3339Nano),
			},
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	col, err := s.db.GetOrCreateCollection(collectionName(tenantID), nil, s.embedFunc())
	if err != nil {
		return 0, fmt.Errorf("open collection: %w", err)
	}
	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return 0, fmt.Errorf("add documents: %w", err)
	}

	s.logger.Info("Stored embeddings",
		zap.String("workspace_id", tenantID),
		zap.Int("count", len(docs)))
	return len(docs), nil
}

// Search scores every document in the tenant collection and ranks them.
func (s *ChromemStore) Search(ctx context.Context, tenantID, query string, k int, threshold float64) []string {
	if k <= 0 {
		return nil
	}

	s.mu.RLock()
	col := s.db.GetCollection(collectionName(tenantID), s.embedFunc())
	s.mu.RUnlock()
	if col == nil {
		return nil
	}

	count := col.Count()
	if count == 0 {
		return nil
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		s.logger.Warn("Query embedding failed", zap.Error(err))
		metrics.RetrievalFailures.Inc()
		return nil
	}

	// Recency can promote a less similar document above a closer one, so the
	// whole collection is scored rather than only the nearest k.
	results, err := col.QueryEmbedding(ctx, vec, count, nil, nil)
	if err != nil {
		s.logger.Warn("Vector search failed", zap.String("workspace_id", tenantID), zap.Error(err))
		metrics.RetrievalFailures.Inc()
		return nil
	}

	candidates := make([]Candidate, 0, len(results))
	for _, r := range results {
		createdAt, err := time.Parse(time.RFC3339Nano, r.Metadata["created_at"])
		if err != nil {
			s.logger.Warn("Skipping document with malformed created_at",
				zap.String("id", r.ID),
				zap.Error(err))
			continue
		}
		candidates = append(candidates, Candidate{
			Content:    r.Content,
			Similarity: float64(r.Similarity),
			CreatedAt:  createdAt,
		})
	}

	return contents(Rank(candidates, s.now(), k, threshold))
}
