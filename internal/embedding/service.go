// Package embedding turns text into fixed-length vectors for semantic retrieval.
// The heavy lifting is delegated to a langchaingo embedder (OpenAI or Ollama);
// this package adds dimension validation, a query cache and request throttling.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/juanpark/slough-ai/internal/config"
)

// ErrDimensionMismatch is returned when the backend yields vectors of the wrong size.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Provider embeds single queries and document batches.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Options tunes a Service.
type Options struct {
	ModelName string
	Dimension int
	// CacheSize bounds the query-embedding LRU. Zero disables caching.
	CacheSize int
	// RequestsPerSecond throttles calls to the backend. Zero means unlimited.
	RequestsPerSecond float64
}

// Service provides text-to-vector embedding over a langchaingo backend.
type Service struct {
	model     embeddings.Embedder
	modelName string
	dimension int
	cache     *lru.Cache[string, []float32]
	limiter   *rate.Limiter
	logger    *zap.Logger
}

// NewService wraps an existing langchaingo embedder.
func NewService(model embeddings.Embedder, opts Options, logger *zap.Logger) (*Service, error) {
	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("invalid embedding dimension %d", opts.Dimension)
	}

	s := &Service{
		model:     model,
		modelName: opts.ModelName,
		dimension: opts.Dimension,
		limiter:   rate.NewLimiter(rate.Inf, 0),
		logger:    logger.Named("embedding"),
	}

	if opts.RequestsPerSecond > 0 {
		burst := int(math.Ceil(opts.RequestsPerSecond))
		s.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	if opts.CacheSize > 0 {
		cache, err := lru.New[string, []float32](opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create embedding cache: %w", err)
		}
		s.cache = cache
	}

	return s, nil
}

// NewFromConfig builds the langchaingo client selected by cfg.EmbedProvider.
func NewFromConfig(cfg *config.Config, logger *zap.Logger) (*Service, error) {
	var client embeddings.EmbedderClient

	switch cfg.EmbedProvider {
	case config.ProviderOpenAI:
		llm, err := openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithEmbeddingModel(cfg.EmbedModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai embedding client: %w", err)
		}
		client = llm
	case config.ProviderOllama:
		llm, err := ollama.New(
			ollama.WithModel(cfg.EmbedModel),
			ollama.WithServerURL(cfg.OllamaURL),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama embedding client: %w", err)
		}
		client = llm
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.EmbedProvider)
	}

	model, err := embeddings.NewEmbedder(client)
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}

	return NewService(model, Options{
		ModelName:         cfg.EmbedModel,
		Dimension:         cfg.EmbedDimension,
		CacheSize:         cfg.EmbedCacheSize,
		RequestsPerSecond: cfg.EmbedRPS,
	}, logger)
}

// Embed generates an embedding vector for a search query. Results are cached
// by exact text since seed queries and repeated questions are common.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	if s.cache != nil {
		if vec, ok := s.cache.Get(text); ok {
			return vec, nil
		}
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}

	start := time.Now()
	vec, err := s.model.EmbedQuery(ctx, text)
	if err != nil {
		s.logger.Warn("Embedding failed",
			zap.String("model", s.modelName),
			zap.Int("text_len", len(text)),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(vec) != s.dimension {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), s.dimension)
	}

	if s.cache != nil {
		s.cache.Add(text, vec)
	}
	return vec, nil
}

// EmbedBatch embeds many documents in one backend call.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("embed batch: %w", err)
	}

	start := time.Now()
	vectors, err := s.model.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed batch: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embed batch: count mismatch: got %d, want %d", len(vectors), len(texts))
	}
	for i, v := range vectors {
		if len(v) != s.dimension {
			return nil, fmt.Errorf("%w: embedding %d got %d, want %d", ErrDimensionMismatch, i, len(v), s.dimension)
		}
	}

	s.logger.Debug("Embedded batch",
		zap.String("model", s.modelName),
		zap.Int("count", len(texts)),
		zap.Duration("duration", time.Since(start)))

	return vectors, nil
}

// Dimension returns the expected vector length.
func (s *Service) Dimension() int {
	return s.dimension
}

// CosineSimilarity calculates the cosine similarity between two vectors.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return float32(dotProduct / (math.Sqrt(normA) * math.Sqrt(normB)))
}
