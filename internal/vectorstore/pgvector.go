package vectorstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/juanpark/slough-ai/internal/embedding"
	"github.com/juanpark/slough-ai/internal/metrics"
)

// searchSQL scores every row of the tenant in the database so the ranking
// matches Rank exactly; the ivfflat index serves the distance computation.
const searchSQL = `
SELECT content, similarity, created_at
FROM (
	SELECT content, created_at, 1 - (embedding <=> $2::vector) AS similarity
	FROM embeddings
	WHERE workspace_id = $1
) AS candidates
WHERE similarity > $3
ORDER BY similarity * (1.0 / (1.0 + 0.1 * ln(GREATEST(EXTRACT(EPOCH FROM (now() - created_at)) / 86400.0, 0) + 1))) DESC
LIMIT $4`

// PGStore keeps embeddings in a pgvector-enabled Postgres table.
type PGStore struct {
	db       *sql.DB
	embedder embedding.Provider
	logger   *zap.Logger
	now      func() time.Time
}

// NewPGStore creates a store over an open database handle.
func NewPGStore(db *sql.DB, embedder embedding.Provider, logger *zap.Logger) *PGStore {
	return &PGStore{
		db:       db,
		embedder: embedder,
		logger:   logger.Named("pgvector"),
		now:      time.Now,
	}
}

// Migrate creates the vector extension, the embeddings table and its indexes.
func (s *PGStore) Migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE IF NOT EXISTS embeddings (
	id          UUID PRIMARY KEY,
	workspace_id UUID NOT NULL,
	content     TEXT NOT NULL,
	embedding   vector(%d) NOT NULL,
	channel_id  VARCHAR(64),
	message_ts  VARCHAR(64),
	thread_ts   VARCHAR(64),
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS ix_embeddings_workspace_id ON embeddings (workspace_id);
CREATE INDEX IF NOT EXISTS ix_embeddings_embedding_ivfflat
	ON embeddings USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);`,
		s.embedder.Dimension())

	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("migrate embeddings: %w", err)
	}
	return nil
}

// Store embeds the chunks in one call and bulk-loads them with COPY.
func (s *PGStore) Store(ctx context.Context, tenantID string, chunks []Chunk) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}

	workspace, err := uuid.Parse(tenantID)
	if err != nil {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("embeddings",
		"id", "workspace_id", "content", "embedding",
		"channel_id", "message_ts", "thread_ts", "created_at"))
	if err != nil {
		return 0, fmt.Errorf("prepare copy: %w", err)
	}

	now := s.now()
	for i, c := range chunks {
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		if _, err := stmt.ExecContext(ctx,
			uuid.New().String(), workspace.String(), c.Content, vectorLiteral(vectors[i]),
			c.ChannelID, c.MessageTS, nullable(c.ThreadTS), createdAt,
		); err != nil {
			stmt.Close()
			return 0, fmt.Errorf("copy row %d: %w", i, err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return 0, fmt.Errorf("flush copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return 0, fmt.Errorf("close copy: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	s.logger.Info("Stored embeddings",
		zap.String("workspace_id", tenantID),
		zap.Int("count", len(chunks)))
	return len(chunks), nil
}

// Search runs the time-weighted similarity query for a tenant.
func (s *PGStore) Search(ctx context.Context, tenantID, query string, k int, threshold float64) []string {
	if k <= 0 {
		return nil
	}
	if _, err := uuid.Parse(tenantID); err != nil {
		s.logger.Warn("Skipping search for malformed tenant id", zap.String("workspace_id", tenantID))
		return nil
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		s.logger.Warn("Query embedding failed", zap.Error(err))
		metrics.RetrievalFailures.Inc()
		return nil
	}

	rows, err := s.db.QueryContext(ctx, searchSQL, tenantID, vectorLiteral(vec), threshold, k)
	if err != nil {
		s.logger.Warn("Vector search failed", zap.String("workspace_id", tenantID), zap.Error(err))
		metrics.RetrievalFailures.Inc()
		return nil
	}
	defer rows.Close()

	var candidates []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.Content, &c.Similarity, &c.CreatedAt); err != nil {
			s.logger.Warn("Vector search scan failed", zap.Error(err))
			metrics.RetrievalFailures.Inc()
			return nil
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		s.logger.Warn("Vector search iteration failed", zap.Error(err))
		metrics.RetrievalFailures.Inc()
		return nil
	}

	// The database already ordered and limited; Rank re-applies the same
	// filter so the returned slice holds the invariants regardless of backend.
	return contents(Rank(candidates, s.now(), k, threshold))
}

// vectorLiteral renders a vector in pgvector's text input format.
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.Grow(len(v) * 10)
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
