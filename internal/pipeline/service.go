package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/juanpark/slough-ai/internal/chunking"
	"github.com/juanpark/slough-ai/internal/llm"
	"github.com/juanpark/slough-ai/internal/memory"
	"github.com/juanpark/slough-ai/internal/metrics"
	"github.com/juanpark/slough-ai/internal/store"
	"github.com/juanpark/slough-ai/internal/vectorstore"
)

var (
	// ErrDuplicateEvent is returned by AnswerThread for a retried event.
	ErrDuplicateEvent = errors.New("duplicate event")
	// ErrUnknownFeedbackType is returned for feedback outside FeedbackType.
	ErrUnknownFeedbackType = errors.New("unknown feedback type")
	// ErrTenantMismatch is returned when feedback names a question of another tenant.
	ErrTenantMismatch = errors.New("question belongs to another tenant")
)

// FeedbackType is the decision-maker's verdict on an answer.
type FeedbackType string

const (
	FeedbackApproved  FeedbackType = "approved"
	FeedbackRejected  FeedbackType = "rejected"
	FeedbackCorrected FeedbackType = "corrected"
	FeedbackCaution   FeedbackType = "caution"
)

// Valid reports whether f is a known feedback type.
func (f FeedbackType) Valid() bool {
	switch f {
	case FeedbackApproved, FeedbackRejected, FeedbackCorrected, FeedbackCaution:
		return true
	}
	return false
}

// DefaultIngestBatchSize is how many chunks are embedded per call.
const DefaultIngestBatchSize = 100

// QARepository is the QA history the feedback flow reads and updates.
// *store.QAStore satisfies it.
type QARepository interface {
	Get(ctx context.Context, id string) (*store.QARecord, error)
	RecordFeedback(ctx context.Context, tenantID, id, feedbackType string, corrected *string) error
	ListPendingCorrections(ctx context.Context, limit int) ([]store.QARecord, error)
	MarkReflected(ctx context.Context, tenantID, id string) error
}

// Deduper suppresses retried events. *dedup.Gate satisfies it.
type Deduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
}

// AnswerRequest is one question to answer.
type AnswerRequest struct {
	Question string `json:"question"`
	TenantID string `json:"tenant_id"`
	AskerID  string `json:"asker_id"`
	Rules    []Rule `json:"rules"`
}

// IngestResult reports an ingestion run.
type IngestResult struct {
	ChunksCreated    int `json:"chunks_created"`
	EmbeddingsStored int `json:"embeddings_stored"`
	FailedBatches    int `json:"failed_batches,omitempty"`
}

// SyncResult reports a feedback sync run.
type SyncResult struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// Deps are the collaborators of a Service. Locks, Dedup and QA may be nil.
type Deps struct {
	Pipeline        *Pipeline
	Memory          *memory.Manager
	Locks           *memory.ThreadLockManager
	Dedup           Deduper
	Chunker         *chunking.Chunker
	Vectors         vectorstore.Store
	QA              QARepository
	IngestBatchSize int
	IngestWorkers   int
}

// Service exposes the answering, ingestion and feedback entry points.
type Service struct {
	pipeline  *Pipeline
	memory    *memory.Manager
	locks     *memory.ThreadLockManager
	dedup     Deduper
	chunker   *chunking.Chunker
	vectors   vectorstore.Store
	qa        QARepository
	batchSize int
	workers   int
	logger    *zap.Logger
}

// NewService wires a Service.
func NewService(deps Deps, logger *zap.Logger) *Service {
	if deps.IngestBatchSize <= 0 {
		deps.IngestBatchSize = DefaultIngestBatchSize
	}
	if deps.IngestWorkers <= 0 {
		deps.IngestWorkers = 4
	}
	if deps.Chunker == nil {
		deps.Chunker = chunking.New(nil)
	}
	return &Service{
		pipeline:  deps.Pipeline,
		memory:    deps.Memory,
		locks:     deps.Locks,
		dedup:     deps.Dedup,
		chunker:   deps.Chunker,
		vectors:   deps.Vectors,
		qa:        deps.QA,
		batchSize: deps.IngestBatchSize,
		workers:   deps.IngestWorkers,
		logger:    logger.Named("service"),
	}
}

// GenerateAnswer answers a question with the asker's conversation memory.
// It always returns an answer; failures degrade to fixed fallback texts.
func (s *Service) GenerateAnswer(ctx context.Context, req AnswerRequest) Result {
	return s.answer(ctx, req, nil)
}

// GenerateAnswerStreaming is GenerateAnswer with onChunk called with the
// cumulative answer text as tokens arrive. onChunk may be called zero times,
// for example when a rule answers.
func (s *Service) GenerateAnswerStreaming(ctx context.Context, req AnswerRequest, onChunk func(partial string)) Result {
	return s.answer(ctx, req, onChunk)
}

// AnswerThread is the entry point for chat events: it drops retried events,
// serializes questions within the asker's thread, then answers. Waiting for
// the thread lock ends with ctx.
func (s *Service) AnswerThread(ctx context.Context, eventID string, req AnswerRequest, onChunk func(partial string)) (Result, error) {
	if s.dedup != nil && eventID != "" {
		seen, err := s.dedup.Seen(ctx, eventID)
		if err != nil {
			s.logger.Warn("Dedup check failed, processing event", zap.String("event_id", eventID), zap.Error(err))
		} else if seen {
			return Result{}, ErrDuplicateEvent
		}
	}

	if s.locks != nil {
		lock, err := s.locks.Acquire(ctx, memory.ThreadID(req.TenantID, req.AskerID))
		if err != nil {
			return Result{}, fmt.Errorf("acquire thread lock: %w", err)
		}
		defer lock.Release()
	}

	return s.answer(ctx, req, onChunk), nil
}

func (s *Service) answer(ctx context.Context, req AnswerRequest, onChunk func(partial string)) Result {
	threadID := memory.ThreadID(req.TenantID, req.AskerID)

	var history []llm.Message
	if s.memory != nil {
		loaded, err := s.memory.Load(ctx, threadID)
		if err != nil {
			s.logger.Warn("Failed to load conversation, answering without memory",
				zap.String("thread_id", threadID),
				zap.Error(err))
		}
		history = loaded
	}

	ps := s.pipeline.Run(ctx, PipelineState{
		Question: req.Question,
		TenantID: req.TenantID,
		AskerID:  req.AskerID,
		Rules:    req.Rules,
		Messages: history,
	}, onChunk)

	if s.memory != nil {
		// Persist even when the caller stopped streaming midway.
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		err := s.memory.Append(persistCtx, threadID,
			llm.Message{Role: llm.RoleUser, Content: req.Question},
			llm.Message{Role: llm.RoleAssistant, Content: ps.Answer})
		if err != nil {
			s.logger.Warn("Failed to persist conversation turn",
				zap.String("thread_id", threadID),
				zap.Error(err))
		}
	}

	return ps.result()
}

// IngestMessages chunks, embeds and stores source messages. Chunks are
// stored in batches; a failed batch is logged and skipped while the others
// continue.
func (s *Service) IngestMessages(ctx context.Context, tenantID string, messages []chunking.Message) IngestResult {
	chunks := s.chunker.Chunk(messages)
	if len(chunks) == 0 {
		return IngestResult{}
	}
	metrics.IngestedChunks.WithLabelValues("created").Add(float64(len(chunks)))

	var stored, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	for start := 0; start < len(chunks); start += s.batchSize {
		end := start + s.batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]
		offset := start

		g.Go(func() error {
			n, err := s.vectors.Store(gctx, tenantID, batch)
			if err != nil {
				failed.Add(1)
				s.logger.Error("Failed to store chunk batch",
					zap.String("tenant_id", tenantID),
					zap.Int("offset", offset),
					zap.Int("size", len(batch)),
					zap.Error(err))
				return nil
			}
			stored.Add(int64(n))
			return nil
		})
	}
	_ = g.Wait()

	metrics.IngestedChunks.WithLabelValues("stored").Add(float64(stored.Load()))
	result := IngestResult{
		ChunksCreated:    len(chunks),
		EmbeddingsStored: int(stored.Load()),
		FailedBatches:    int(failed.Load()),
	}
	s.logger.Info("Messages ingested",
		zap.String("tenant_id", tenantID),
		zap.Int("messages", len(messages)),
		zap.Int("chunks", result.ChunksCreated),
		zap.Int("stored", result.EmbeddingsStored),
		zap.Int("failed_batches", result.FailedBatches))
	return result
}

// ProcessFeedback records the decision-maker's verdict. Only corrected
// answers are written back to the retrieval store, as a question/answer
// pair the next retrieval can find.
func (s *Service) ProcessFeedback(ctx context.Context, tenantID, questionID string, feedbackType FeedbackType, corrected *string) error {
	if !feedbackType.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownFeedbackType, feedbackType)
	}
	if s.qa == nil {
		return errors.New("qa history is not configured")
	}

	rec, err := s.qa.Get(ctx, questionID)
	if err != nil {
		return fmt.Errorf("load question: %w", err)
	}
	if rec.TenantID != tenantID {
		return fmt.Errorf("%w: %s", ErrTenantMismatch, questionID)
	}

	if err := s.qa.RecordFeedback(ctx, tenantID, questionID, string(feedbackType), corrected); err != nil {
		return fmt.Errorf("record feedback: %w", err)
	}
	s.logger.Info("Feedback recorded",
		zap.String("tenant_id", tenantID),
		zap.String("question_id", questionID),
		zap.String("type", string(feedbackType)))

	if feedbackType != FeedbackCorrected {
		return nil
	}
	rec.FeedbackType = string(feedbackType)
	if corrected != nil {
		rec.CorrectedAnswer = *corrected
	}
	return s.reflect(ctx, rec)
}

// SyncCorrections stores every corrected answer that has not reached the
// retrieval store yet. Records fail independently.
func (s *Service) SyncCorrections(ctx context.Context) (SyncResult, error) {
	if s.qa == nil {
		return SyncResult{}, errors.New("qa history is not configured")
	}

	pending, err := s.qa.ListPendingCorrections(ctx, 0)
	if err != nil {
		return SyncResult{}, err
	}

	var result SyncResult
	for i := range pending {
		if err := s.reflect(ctx, &pending[i]); err != nil {
			s.logger.Warn("Failed to sync corrected feedback",
				zap.String("question_id", pending[i].ID),
				zap.Error(err))
			result.Failed++
			continue
		}
		result.Success++
	}

	s.logger.Info("Feedback sync finished",
		zap.Int("success", result.Success),
		zap.Int("failed", result.Failed))
	return result, nil
}

func (s *Service) reflect(ctx context.Context, rec *store.QARecord) error {
	answer := rec.CorrectedAnswer
	if answer == "" {
		answer = rec.Answer
	}

	chunk := vectorstore.Chunk{
		Content:   "질문: " + rec.Question + "\n\n정답: " + answer,
		ChannelID: rec.ChannelID,
		MessageTS: rec.ID,
	}
	if _, err := s.vectors.Store(ctx, rec.TenantID, []vectorstore.Chunk{chunk}); err != nil {
		return fmt.Errorf("store correction: %w", err)
	}
	if err := s.qa.MarkReflected(ctx, rec.TenantID, rec.ID); err != nil {
		return err
	}
	return nil
}
