// Package app wires the services shared by the HTTP server, the workflow
// worker and the CLI from a single configuration.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/juanpark/slough-ai/internal/cache"
	"github.com/juanpark/slough-ai/internal/config"
	"github.com/juanpark/slough-ai/internal/dedup"
	"github.com/juanpark/slough-ai/internal/embedding"
	"github.com/juanpark/slough-ai/internal/llm"
	"github.com/juanpark/slough-ai/internal/memory"
	"github.com/juanpark/slough-ai/internal/persona"
	"github.com/juanpark/slough-ai/internal/pipeline"
	"github.com/juanpark/slough-ai/internal/policy"
	"github.com/juanpark/slough-ai/internal/store"
	"github.com/juanpark/slough-ai/internal/vectorstore"
)

// App holds every long-lived collaborator. DB, QA and PGVectors are nil when
// no DATABASE_URL is configured.
type App struct {
	Config *config.Config

	Redis     *redis.Client
	DB        *sql.DB
	QA        *store.QAStore
	Vectors   vectorstore.Store
	PGVectors *vectorstore.PGStore

	Embedder *embedding.Service
	Answer   *llm.Model
	Summary  *llm.Model

	Memory  *memory.Manager
	Locks   *memory.ThreadLockManager
	Dedup   *dedup.Gate
	Limiter *policy.RateLimiter

	PersonaCache *persona.Cache
	Persona      *persona.Extractor
	Pipeline     *pipeline.Pipeline
	Service      *pipeline.Service

	personaTiers *cache.TieredCache
	logger       *zap.Logger
}

// New connects to Redis and PostgreSQL and builds the answering stack.
// Call Close when done.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, logger: logger}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.Config

	a.Redis = redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddress,
		DB:   cfg.RedisDB,
	})
	if err := a.Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	if cfg.DatabaseURL != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		a.DB = db
		a.QA = store.NewQAStore(db, a.logger)
	}

	embedder, err := embedding.NewFromConfig(cfg, a.logger)
	if err != nil {
		return err
	}
	a.Embedder = embedder

	switch cfg.StoreBackend {
	case config.StorePGVector:
		if a.DB == nil {
			return fmt.Errorf("%w: DATABASE_URL", config.ErrMissingCredential)
		}
		a.PGVectors = vectorstore.NewPGStore(a.DB, embedder, a.logger)
		a.Vectors = a.PGVectors
	case config.StoreChromem:
		vs, err := vectorstore.NewChromemStore(cfg.ChromemDir, embedder, a.logger)
		if err != nil {
			return err
		}
		a.Vectors = vs
	default:
		return fmt.Errorf("unknown vector store %q", cfg.StoreBackend)
	}

	if a.Answer, err = llm.NewAnswerModel(cfg, a.logger); err != nil {
		return err
	}
	if a.Summary, err = llm.NewSummaryModel(cfg, a.logger); err != nil {
		return err
	}

	a.Memory = memory.NewManager(memory.NewRedisThreadStore(a.Redis, a.logger), a.Summary, cfg.MaxRecentPairs, a.logger)
	if cfg.ThreadLocking {
		a.Locks = memory.NewThreadLockManager(a.Redis, cfg.ThreadLockTimeout, a.logger)
	}
	a.Dedup = dedup.NewGate(a.Redis, cfg.DedupTTL, a.logger)
	a.Limiter = policy.NewRateLimiter(a.Redis, policy.RateLimitConfig{
		RequestsPerMinute: cfg.AskLimitPerMinute,
		RequestsPerHour:   cfg.AskLimitPerHour,
	}, a.logger)

	// Profiles persist in Redis until the next refresh; the local copy is
	// re-read periodically so a refresh by the worker reaches the server.
	a.personaTiers, err = cache.NewTieredCache("persona:", 0, 0, a.Redis, a.logger)
	if err != nil {
		return err
	}
	a.personaTiers.SetL1TTL(cfg.PersonaLocalTTL)
	a.PersonaCache = persona.NewCache(a.personaTiers, a.logger)
	a.Persona = persona.NewExtractor(a.Vectors, a.Summary, a.PersonaCache, a.logger)

	keywords := policy.DefaultKeywords()
	if cfg.PolicyFile != "" {
		if keywords, err = policy.LoadKeywords(cfg.PolicyFile); err != nil {
			return err
		}
	}

	a.Pipeline = pipeline.New(
		policy.NewClassifier(keywords, a.logger),
		a.Vectors,
		a.Answer,
		a.PersonaCache,
		a.Memory,
		pipeline.Options{
			RetrievalK:         cfg.RetrievalK,
			RetrievalThreshold: cfg.RetrievalMinScore,
			DecisionMakerName:  cfg.DecisionMaker,
		},
		a.logger,
	)

	deps := pipeline.Deps{
		Pipeline: a.Pipeline,
		Memory:   a.Memory,
		Locks:    a.Locks,
		Dedup:    a.Dedup,
		Vectors:  a.Vectors,
	}
	// A nil *QAStore must not become a non-nil interface.
	if a.QA != nil {
		deps.QA = a.QA
	}
	a.Service = pipeline.NewService(deps, a.logger)
	return nil
}

// Migrate creates the embeddings and qa_history tables.
func (a *App) Migrate(ctx context.Context) error {
	if a.DB == nil {
		return fmt.Errorf("%w: DATABASE_URL", config.ErrMissingCredential)
	}
	if a.PGVectors != nil {
		if err := a.PGVectors.Migrate(ctx); err != nil {
			return err
		}
	}
	return a.QA.Migrate(ctx)
}

// Close releases connections. It is safe on a partially built App.
func (a *App) Close() {
	if a.personaTiers != nil {
		a.personaTiers.Close()
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.logger.Warn("Failed to close database", zap.Error(err))
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.logger.Warn("Failed to close redis", zap.Error(err))
		}
	}
}
