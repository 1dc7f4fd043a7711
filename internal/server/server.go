// Package server exposes the answer pipeline over HTTP: synchronous and
// websocket-streamed answers, ingestion, feedback, health and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/juanpark/slough-ai/internal/chunking"
	"github.com/juanpark/slough-ai/internal/jsonx"
	"github.com/juanpark/slough-ai/internal/memory"
	"github.com/juanpark/slough-ai/internal/pipeline"
	"github.com/juanpark/slough-ai/internal/policy"
	"github.com/juanpark/slough-ai/internal/queue"
	"github.com/juanpark/slough-ai/internal/store"
	"github.com/juanpark/slough-ai/internal/validation"
)

// DefaultStreamInterval is the minimum gap between two partial answers sent
// over a stream.
const DefaultStreamInterval = 2500 * time.Millisecond

// Answerer is implemented by *pipeline.Service.
type Answerer interface {
	AnswerThread(ctx context.Context, eventID string, req pipeline.AnswerRequest, onChunk func(partial string)) (pipeline.Result, error)
	IngestMessages(ctx context.Context, tenantID string, messages []chunking.Message) pipeline.IngestResult
	ProcessFeedback(ctx context.Context, tenantID, questionID string, feedbackType pipeline.FeedbackType, corrected *string) error
}

// QARecorder stores answered questions. *store.QAStore satisfies it.
type QARecorder interface {
	Create(ctx context.Context, rec *store.QARecord) (string, error)
}

// AskLimiter throttles askers. *policy.RateLimiter satisfies it.
type AskLimiter interface {
	Allow(ctx context.Context, tenantID, askerID string) (*policy.RateLimitResult, error)
}

// IngestQueue hands ingestion off to a background worker.
type IngestQueue interface {
	RequestIngest(req queue.IngestRequest) error
}

// Deps are the collaborators of a Server. Everything but Service may be nil.
type Deps struct {
	Service        Answerer
	QA             QARecorder
	Limiter        AskLimiter
	Events         *queue.Publisher
	IngestQueue    IngestQueue
	StreamInterval time.Duration
}

// Server holds the HTTP handlers.
type Server struct {
	svc            Answerer
	qa             QARecorder
	limiter        AskLimiter
	events         *queue.Publisher
	ingestQueue    IngestQueue
	streamInterval time.Duration
	upgrader       websocket.Upgrader
	validator      *validation.MessageValidator
	logger         *zap.Logger
}

// NewServer creates the HTTP handlers.
func NewServer(deps Deps, logger *zap.Logger) *Server {
	if deps.StreamInterval <= 0 {
		deps.StreamInterval = DefaultStreamInterval
	}
	return &Server{
		svc:            deps.Service,
		qa:             deps.QA,
		limiter:        deps.Limiter,
		events:         deps.Events,
		ingestQueue:    deps.IngestQueue,
		streamInterval: deps.StreamInterval,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		validator: validation.DefaultMessageValidator(),
		logger:    logger.Named("http"),
	}
}

// SetupRoutes registers every route on r.
func (s *Server) SetupRoutes(r *mux.Router) {
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/ask", s.handleAsk).Methods(http.MethodPost)
	api.HandleFunc("/ask/stream", s.handleAskStream).Methods(http.MethodGet)
	api.HandleFunc("/ingest", s.handleIngest).Methods(http.MethodPost)
	api.HandleFunc("/feedback", s.handleFeedback).Methods(http.MethodPost)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

// Handler returns the routed handler wrapped with request ids, access logs,
// CORS and panic recovery.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.SetupRoutes(r)
	r.Use(RequestID, AccessLog(s.logger))

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "X-Request-ID"}),
	)
	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(zap.NewStdLog(s.logger)),
		handlers.PrintRecoveryStack(true),
	)
	return recovery(cors(r))
}

// AskRequest is the body of /api/ask and the first frame of /api/ask/stream.
type AskRequest struct {
	EventID   string          `json:"event_id,omitempty"`
	Question  string          `json:"question"`
	TenantID  string          `json:"tenant_id"`
	AskerID   string          `json:"asker_id"`
	AskerName string          `json:"asker_name,omitempty"`
	ChannelID string          `json:"channel_id,omitempty"`
	MessageTS string          `json:"message_ts,omitempty"`
	Rules     []pipeline.Rule `json:"rules,omitempty"`
}

func (a AskRequest) validate() error {
	switch {
	case a.Question == "":
		return errors.New("question is required")
	case a.TenantID == "":
		return errors.New("tenant_id is required")
	case a.AskerID == "":
		return errors.New("asker_id is required")
	}
	return nil
}

// AskResponse is returned for an answered question.
type AskResponse struct {
	QuestionID string `json:"question_id,omitempty"`
	pipeline.Result
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req AskRequest
	if err := jsonx.DecodeRequest(w, r, &req, 0); err != nil {
		jsonx.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		jsonx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.allow(w, r, req) {
		return
	}

	res, err := s.svc.AnswerThread(r.Context(), req.EventID, toAnswerRequest(req), nil)
	if err != nil {
		s.writeAnswerError(w, req, err)
		return
	}

	qid := s.record(r.Context(), req, res)
	_ = jsonx.WriteJSON(w, http.StatusOK, AskResponse{QuestionID: qid, Result: res})
}

// allow applies the per-asker limit and writes 429 when it is exceeded.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, req AskRequest) bool {
	if s.limiter == nil {
		return true
	}
	res, err := s.limiter.Allow(r.Context(), req.TenantID, req.AskerID)
	if err != nil || res == nil || res.Allowed {
		return true
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds()+0.5)))
	jsonx.WriteError(w, http.StatusTooManyRequests,
		fmt.Sprintf("rate limit of %d per %s exceeded", res.Limit, res.LimitWindow))
	return false
}

func (s *Server) writeAnswerError(w http.ResponseWriter, req AskRequest, err error) {
	status, msg := answerError(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("Failed to answer",
			zap.String("tenant_id", req.TenantID),
			zap.String("asker_id", req.AskerID),
			zap.Error(err))
	}
	jsonx.WriteError(w, status, msg)
}

// answerError maps AnswerThread errors to a status and client message.
func answerError(err error) (int, string) {
	switch {
	case errors.Is(err, pipeline.ErrDuplicateEvent):
		return http.StatusConflict, "duplicate event"
	case errors.Is(err, memory.ErrLockHeld):
		return http.StatusServiceUnavailable, "another question in this conversation is still being answered"
	default:
		return http.StatusInternalServerError, "failed to answer"
	}
}

// record stores the answered question and announces it. Both are best
// effort; the returned id is "" when the record could not be stored.
func (s *Server) record(ctx context.Context, req AskRequest, res pipeline.Result) string {
	var qid string
	if s.qa != nil {
		rec := &store.QARecord{
			TenantID:      req.TenantID,
			AskerID:       req.AskerID,
			AskerName:     req.AskerName,
			Question:      req.Question,
			Answer:        res.Answer,
			ChannelID:     req.ChannelID,
			MessageTS:     req.MessageTS,
			IsHighRisk:    res.IsHighRisk,
			MatchedRuleID: res.MatchedRuleID,
		}
		id, err := s.qa.Create(context.WithoutCancel(ctx), rec)
		if err != nil {
			s.logger.Warn("Failed to store QA record", zap.String("tenant_id", req.TenantID), zap.Error(err))
		}
		qid = id
	}

	err := s.events.PublishAnswered(queue.QAAnswered{
		QuestionID:    qid,
		TenantID:      req.TenantID,
		AskerID:       req.AskerID,
		Question:      req.Question,
		Answer:        res.Answer,
		IsHighRisk:    res.IsHighRisk,
		IsProhibited:  res.IsProhibited,
		IsRuleMatched: res.IsRuleMatched,
		SourcesUsed:   res.SourcesUsed,
	})
	if err != nil {
		s.logger.Warn("Failed to publish answer event", zap.Error(err))
	}
	return qid
}

func toAnswerRequest(req AskRequest) pipeline.AnswerRequest {
	return pipeline.AnswerRequest{
		Question: req.Question,
		TenantID: req.TenantID,
		AskerID:  req.AskerID,
		Rules:    req.Rules,
	}
}

// IngestRequest is the body of /api/ingest. Async hands the messages to the
// ingestion queue instead of processing them inline.
type IngestRequest struct {
	TenantID string             `json:"tenant_id"`
	Messages []chunking.Message `json:"messages"`
	Async    bool               `json:"async,omitempty"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := jsonx.DecodeRequest(w, r, &req, 32<<20); err != nil {
		jsonx.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TenantID == "" {
		jsonx.WriteError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	msgs, err := s.validator.Clean(req.Messages)
	if err != nil {
		jsonx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Async && s.ingestQueue != nil {
		if err := s.ingestQueue.RequestIngest(queue.IngestRequest{TenantID: req.TenantID, Messages: msgs}); err != nil {
			s.logger.Error("Failed to queue ingestion", zap.String("tenant_id", req.TenantID), zap.Error(err))
			jsonx.WriteError(w, http.StatusServiceUnavailable, "ingestion queue unavailable")
			return
		}
		_ = jsonx.WriteJSON(w, http.StatusAccepted, map[string]int{"queued": len(msgs)})
		return
	}

	res := s.svc.IngestMessages(r.Context(), req.TenantID, msgs)
	_ = jsonx.WriteJSON(w, http.StatusOK, res)
}

// FeedbackRequest is the body of /api/feedback.
type FeedbackRequest struct {
	TenantID        string  `json:"tenant_id"`
	QuestionID      string  `json:"question_id"`
	FeedbackType    string  `json:"feedback_type"`
	CorrectedAnswer *string `json:"corrected_answer,omitempty"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req FeedbackRequest
	if err := jsonx.DecodeRequest(w, r, &req, 0); err != nil {
		jsonx.WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TenantID == "" || req.QuestionID == "" {
		jsonx.WriteError(w, http.StatusBadRequest, "tenant_id and question_id are required")
		return
	}

	err := s.svc.ProcessFeedback(r.Context(), req.TenantID, req.QuestionID,
		pipeline.FeedbackType(req.FeedbackType), req.CorrectedAnswer)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, pipeline.ErrUnknownFeedbackType), errors.Is(err, store.ErrInvalidID):
		jsonx.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		jsonx.WriteError(w, http.StatusNotFound, "question not found")
	case errors.Is(err, pipeline.ErrTenantMismatch):
		jsonx.WriteError(w, http.StatusForbidden, "question belongs to another workspace")
	default:
		s.logger.Error("Failed to process feedback",
			zap.String("question_id", req.QuestionID),
			zap.Error(err))
		jsonx.WriteError(w, http.StatusInternalServerError, "failed to process feedback")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_ = jsonx.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "slough-ai"})
}
