// Package store persists question/answer history and decision-maker feedback
// in PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when a QA record does not exist.
	ErrNotFound = errors.New("qa record not found")
	// ErrInvalidID is returned for ids that are not UUIDs.
	ErrInvalidID = errors.New("invalid uuid")
)

// QARecord is one answered question.
type QARecord struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	AskerID         string     `json:"asker_id"`
	AskerName       string     `json:"asker_name,omitempty"`
	Question        string     `json:"question"`
	Answer          string     `json:"answer"`
	ChannelID       string     `json:"channel_id,omitempty"`
	MessageTS       string     `json:"message_ts,omitempty"`
	IsHighRisk      bool       `json:"is_high_risk"`
	MatchedRuleID   *int64     `json:"matched_rule_id,omitempty"`
	FeedbackType    string     `json:"feedback_type,omitempty"`
	CorrectedAnswer string     `json:"corrected_answer,omitempty"`
	FeedbackAt      *time.Time `json:"feedback_at,omitempty"`
	IsReflected     bool       `json:"is_reflected"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// QAStore reads and writes the qa_history table.
type QAStore struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewQAStore creates a QA store over db.
func NewQAStore(db *sql.DB, logger *zap.Logger) *QAStore {
	return &QAStore{db: db, logger: logger.Named("qa_store"), now: time.Now}
}

const qaSchema = `
CREATE TABLE IF NOT EXISTS qa_history (
	id               UUID PRIMARY KEY,
	workspace_id     UUID NOT NULL,
	asker_user_id    VARCHAR(64) NOT NULL,
	asker_user_name  VARCHAR(255),
	question         TEXT NOT NULL,
	answer           TEXT NOT NULL,
	message_ts       VARCHAR(32),
	channel_id       VARCHAR(64),
	feedback_type    VARCHAR(20),
	corrected_answer TEXT,
	feedback_at      TIMESTAMPTZ,
	is_high_risk     BOOLEAN NOT NULL DEFAULT FALSE,
	matched_rule_id  BIGINT,
	is_reflected     BOOLEAN NOT NULL DEFAULT FALSE,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_qa_history_workspace ON qa_history (workspace_id);
CREATE INDEX IF NOT EXISTS idx_qa_history_pending
	ON qa_history (created_at) WHERE feedback_type = 'corrected' AND NOT is_reflected;
`

// Migrate creates the qa_history table and indexes.
func (s *QAStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, qaSchema); err != nil {
		return fmt.Errorf("migrate qa_history: %w", err)
	}
	return nil
}

// Create inserts rec with a fresh id and returns that id.
func (s *QAStore) Create(ctx context.Context, rec *QARecord) (string, error) {
	if _, err := uuid.Parse(rec.TenantID); err != nil {
		return "", fmt.Errorf("%w: tenant %q", ErrInvalidID, rec.TenantID)
	}

	rec.ID = uuid.NewString()
	rec.CreatedAt = s.now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO qa_history (id, workspace_id, asker_user_id, asker_user_name, question, answer,
			message_ts, channel_id, is_high_risk, matched_rule_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.TenantID, rec.AskerID, nullString(rec.AskerName), rec.Question, rec.Answer,
		nullString(rec.MessageTS), nullString(rec.ChannelID), rec.IsHighRisk, rec.MatchedRuleID, rec.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("insert qa record: %w", err)
	}
	return rec.ID, nil
}

const selectColumns = `id, workspace_id, asker_user_id, asker_user_name, question, answer,
	message_ts, channel_id, feedback_type, corrected_answer, feedback_at, is_high_risk,
	matched_rule_id, is_reflected, created_at`

// Get fetches one record.
func (s *QAStore) Get(ctx context.Context, id string) (*QARecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM qa_history WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get qa record: %w", err)
	}
	return rec, nil
}

// RecordFeedback stores the decision-maker's verdict on a record owned by
// tenantID. corrected replaces the stored correction only when non-nil. A
// record of another tenant is reported as ErrNotFound and left untouched.
func (s *QAStore) RecordFeedback(ctx context.Context, tenantID, id, feedbackType string, corrected *string) error {
	if err := validIDs(tenantID, id); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE qa_history
		SET feedback_type = $3, feedback_at = $4, corrected_answer = COALESCE($5, corrected_answer)
		WHERE id = $1 AND workspace_id = $2`,
		id, tenantID, feedbackType, s.now().UTC(), corrected)
	if err != nil {
		return fmt.Errorf("record feedback: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPendingCorrections returns corrected records not yet stored for
// retrieval, oldest first.
func (s *QAStore) ListPendingCorrections(ctx context.Context, limit int) ([]QARecord, error) {
	if limit <= 0 {
		limit = 500
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM qa_history
		WHERE feedback_type = 'corrected' AND NOT is_reflected
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending corrections: %w", err)
	}
	defer rows.Close()

	var out []QARecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan qa record: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// MarkReflected flags a record of tenantID as stored in the retrieval store.
func (s *QAStore) MarkReflected(ctx context.Context, tenantID, id string) error {
	if err := validIDs(tenantID, id); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE qa_history SET is_reflected = TRUE WHERE id = $1 AND workspace_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("mark reflected: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func validIDs(tenantID, id string) error {
	if _, err := uuid.Parse(tenantID); err != nil {
		return fmt.Errorf("%w: tenant %q", ErrInvalidID, tenantID)
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// ListTenants returns every workspace that has asked at least one question.
func (s *QAStore) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT workspace_id FROM qa_history ORDER BY workspace_id`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*QARecord, error) {
	var (
		rec                                           QARecord
		askerName, messageTS, channelID, feedbackType sql.NullString
		corrected                                     sql.NullString
		feedbackAt                                    sql.NullTime
		ruleID                                        sql.NullInt64
	)
	err := row.Scan(&rec.ID, &rec.TenantID, &rec.AskerID, &askerName, &rec.Question, &rec.Answer,
		&messageTS, &channelID, &feedbackType, &corrected, &feedbackAt, &rec.IsHighRisk,
		&ruleID, &rec.IsReflected, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}

	rec.AskerName = askerName.String
	rec.MessageTS = messageTS.String
	rec.ChannelID = channelID.String
	rec.FeedbackType = feedbackType.String
	rec.CorrectedAnswer = corrected.String
	if feedbackAt.Valid {
		t := feedbackAt.Time
		rec.FeedbackAt = &t
	}
	if ruleID.Valid {
		id := ruleID.Int64
		rec.MatchedRuleID = &id
	}
	return &rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
