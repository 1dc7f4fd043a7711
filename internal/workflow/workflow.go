// Package workflow runs the background jobs of slough-ai as Inngest durable
// functions: batched ingestion, the corrected-feedback sync and persona
// refreshes. Each unit of work is an Inngest step, so a retried run resumes
// after the last completed step instead of redoing it.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/inngest/inngestgo"
	"github.com/inngest/inngestgo/step"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/juanpark/slough-ai/internal/chunking"
	"github.com/juanpark/slough-ai/internal/persona"
	"github.com/juanpark/slough-ai/internal/pipeline"
)

// Event names and schedules.
const (
	EventIngestRequested = "slough/messages.ingest"
	EventPersonaRefresh  = "slough/persona.refresh"

	FeedbackSyncSchedule   = "*/5 * * * *"
	PersonaRefreshSchedule = "0 3 * * *"

	// IngestBatchSize is how many messages one ingestion step handles.
	IngestBatchSize = 100
)

// Config holds configuration for the Inngest app.
type Config struct {
	AppID      string
	SigningKey string
	EventKey   string
	Logger     *zap.Logger
}

// Ingester embeds and stores messages. *pipeline.Service satisfies it.
type Ingester interface {
	IngestMessages(ctx context.Context, tenantID string, messages []chunking.Message) pipeline.IngestResult
}

// FeedbackSyncer pushes corrected answers into retrieval. *pipeline.Service
// satisfies it.
type FeedbackSyncer interface {
	SyncCorrections(ctx context.Context) (pipeline.SyncResult, error)
}

// PersonaExtractor rebuilds a tenant profile. *persona.Extractor satisfies it.
type PersonaExtractor interface {
	Extract(ctx context.Context, tenantID string) (string, error)
}

// TenantLister enumerates active tenants. *store.QAStore satisfies it.
type TenantLister interface {
	ListTenants(ctx context.Context) ([]string, error)
}

// IngestInput is the payload of EventIngestRequested.
type IngestInput struct {
	TenantID string             `json:"tenant_id"`
	Messages []chunking.Message `json:"messages"`
}

// IngestOutput reports the totals over every batch.
type IngestOutput struct {
	Batches          int `json:"batches"`
	ChunksCreated    int `json:"chunks_created"`
	EmbeddingsStored int `json:"embeddings_stored"`
	FailedBatches    int `json:"failed_batches"`
}

// PersonaRefreshInput is the payload of EventPersonaRefresh. An empty tenant
// refreshes every tenant.
type PersonaRefreshInput struct {
	TenantID string `json:"tenant_id"`
}

// PersonaRefreshOutput counts refreshed profiles.
type PersonaRefreshOutput struct {
	Refreshed int `json:"refreshed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// CronInput is the (empty) payload of scheduled runs.
type CronInput struct{}

type personaStep struct {
	Chars   int  `json:"chars"`
	Skipped bool `json:"skipped"`
}

// stepRunner executes fn as a named durable step.
type stepRunner[T any] func(ctx context.Context, id string, fn func(ctx context.Context) (T, error)) (T, error)

// Jobs holds the collaborators the functions call into. Nil collaborators
// disable the functions that need them.
type Jobs struct {
	Ingester  Ingester
	Feedback  FeedbackSyncer
	Persona   PersonaExtractor
	Tenants   TenantLister
	BatchSize int
}

// NewIngestFunction describes the batched ingestion function.
func NewIngestFunction() inngestgo.FunctionOpts {
	return inngestgo.FunctionOpts{
		ID:   "ingest-messages",
		Name: "Ingest Chat Messages",
	}
}

// NewFeedbackSyncFunction describes the corrected-feedback sync cron.
func NewFeedbackSyncFunction() inngestgo.FunctionOpts {
	return inngestgo.FunctionOpts{
		ID:   "feedback-sync",
		Name: "Sync Corrected Feedback",
	}
}

// NewPersonaRefreshFunction describes the on-demand persona refresh.
func NewPersonaRefreshFunction() inngestgo.FunctionOpts {
	return inngestgo.FunctionOpts{
		ID:   "persona-refresh",
		Name: "Refresh Persona Profile",
	}
}

// NewPersonaCronFunction describes the daily refresh of every tenant.
func NewPersonaCronFunction() inngestgo.FunctionOpts {
	return inngestgo.FunctionOpts{
		ID:   "persona-refresh-daily",
		Name: "Daily Persona Refresh",
	}
}

func ingestWorkflow(jobs Jobs, logger *zap.Logger) func(ctx context.Context, input inngestgo.Input[IngestInput]) (any, error) {
	return func(ctx context.Context, input inngestgo.Input[IngestInput]) (any, error) {
		return runIngest(ctx, jobs, input.Event.Data, step.Run[pipeline.IngestResult], logger)
	}
}

func runIngest(ctx context.Context, jobs Jobs, in IngestInput, run stepRunner[pipeline.IngestResult], logger *zap.Logger) (IngestOutput, error) {
	logger = logger.With(zap.String("tenant_id", in.TenantID), zap.Int("messages", len(in.Messages)))
	logger.Info("Starting ingestion workflow")

	var out IngestOutput
	for i, batch := range splitBatches(in.Messages, jobs.BatchSize) {
		res, err := run(ctx, fmt.Sprintf("ingest-batch-%d", i), func(ctx context.Context) (pipeline.IngestResult, error) {
			return jobs.Ingester.IngestMessages(ctx, in.TenantID, batch), nil
		})
		if err != nil {
			return out, fmt.Errorf("ingest batch %d: %w", i, err)
		}

		out.Batches++
		out.ChunksCreated += res.ChunksCreated
		out.EmbeddingsStored += res.EmbeddingsStored
		out.FailedBatches += res.FailedBatches
		logger.Info("Ingestion progress",
			zap.Int("batch", i),
			zap.Int("chunks_total", out.ChunksCreated),
			zap.Int("stored_total", out.EmbeddingsStored))
	}

	logger.Info("Ingestion workflow completed",
		zap.Int("batches", out.Batches),
		zap.Int("chunks", out.ChunksCreated),
		zap.Int("stored", out.EmbeddingsStored),
		zap.Int("failed_batches", out.FailedBatches))
	return out, nil
}

// splitBatches cuts msgs into consecutive slices of at most size messages.
func splitBatches(msgs []chunking.Message, size int) [][]chunking.Message {
	if size <= 0 {
		size = IngestBatchSize
	}
	var batches [][]chunking.Message
	for start := 0; start < len(msgs); start += size {
		end := start + size
		if end > len(msgs) {
			end = len(msgs)
		}
		batches = append(batches, msgs[start:end])
	}
	return batches
}

func feedbackSyncWorkflow(jobs Jobs, logger *zap.Logger) func(ctx context.Context, input inngestgo.Input[CronInput]) (any, error) {
	return func(ctx context.Context, input inngestgo.Input[CronInput]) (any, error) {
		return step.Run(ctx, "sync-corrections", func(ctx context.Context) (pipeline.SyncResult, error) {
			return jobs.Feedback.SyncCorrections(ctx)
		})
	}
}

func personaRefreshWorkflow(jobs Jobs, logger *zap.Logger) func(ctx context.Context, input inngestgo.Input[PersonaRefreshInput]) (any, error) {
	return func(ctx context.Context, input inngestgo.Input[PersonaRefreshInput]) (any, error) {
		return runPersonaRefresh(ctx, jobs, input.Event.Data.TenantID,
			step.Run[[]string], step.Run[personaStep], logger)
	}
}

func personaCronWorkflow(jobs Jobs, logger *zap.Logger) func(ctx context.Context, input inngestgo.Input[CronInput]) (any, error) {
	return func(ctx context.Context, input inngestgo.Input[CronInput]) (any, error) {
		return runPersonaRefresh(ctx, jobs, "", step.Run[[]string], step.Run[personaStep], logger)
	}
}

func runPersonaRefresh(ctx context.Context, jobs Jobs, tenantID string, list stepRunner[[]string], run stepRunner[personaStep], logger *zap.Logger) (PersonaRefreshOutput, error) {
	tenants := []string{tenantID}
	if tenantID == "" {
		if jobs.Tenants == nil {
			return PersonaRefreshOutput{}, errors.New("no tenant given and no tenant lister configured")
		}
		var err error
		tenants, err = list(ctx, "list-tenants", jobs.Tenants.ListTenants)
		if err != nil {
			return PersonaRefreshOutput{}, fmt.Errorf("list tenants: %w", err)
		}
	}

	var out PersonaRefreshOutput
	for _, t := range tenants {
		res, err := run(ctx, "persona-"+t, func(ctx context.Context) (personaStep, error) {
			profile, err := jobs.Persona.Extract(ctx, t)
			if errors.Is(err, persona.ErrNoSamples) {
				return personaStep{Skipped: true}, nil
			}
			if err != nil {
				return personaStep{}, err
			}
			return personaStep{Chars: len([]rune(profile))}, nil
		})
		switch {
		case err != nil:
			out.Failed++
			logger.Warn("Persona refresh failed", zap.String("tenant_id", t), zap.Error(err))
		case res.Skipped:
			out.Skipped++
		default:
			out.Refreshed++
		}
	}

	logger.Info("Persona refresh completed",
		zap.Int("refreshed", out.Refreshed),
		zap.Int("skipped", out.Skipped),
		zap.Int("failed", out.Failed))
	return out, nil
}

// Service registers the functions with an Inngest client and serves them.
type Service struct {
	client inngestgo.Client
	config Config
	jobs   Jobs
	logger *zap.Logger
	server *http.Server
}

// NewService creates the Inngest client and registers every function whose
// collaborators are configured.
func NewService(cfg Config, jobs Jobs) (*Service, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if jobs.BatchSize <= 0 {
		jobs.BatchSize = IngestBatchSize
	}

	opts := inngestgo.ClientOpts{AppID: cfg.AppID}
	if cfg.SigningKey != "" {
		opts.SigningKey = &cfg.SigningKey
	}
	if cfg.EventKey != "" {
		opts.EventKey = &cfg.EventKey
	}
	client, err := inngestgo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create Inngest client: %w", err)
	}

	ws := &Service{
		client: client,
		config: cfg,
		jobs:   jobs,
		logger: cfg.Logger.Named("workflow"),
	}
	if err := ws.register(); err != nil {
		return nil, err
	}
	return ws, nil
}

func (ws *Service) register() error {
	if ws.jobs.Ingester != nil {
		if _, err := inngestgo.CreateFunction(ws.client, NewIngestFunction(),
			inngestgo.EventTrigger(EventIngestRequested, nil),
			ingestWorkflow(ws.jobs, ws.logger)); err != nil {
			return fmt.Errorf("register ingest function: %w", err)
		}
		ws.logger.Info("Registered ingestion workflow")
	}

	if ws.jobs.Feedback != nil {
		if _, err := inngestgo.CreateFunction(ws.client, NewFeedbackSyncFunction(),
			inngestgo.CronTrigger(FeedbackSyncSchedule),
			feedbackSyncWorkflow(ws.jobs, ws.logger)); err != nil {
			return fmt.Errorf("register feedback sync function: %w", err)
		}
		ws.logger.Info("Registered feedback sync cron", zap.String("schedule", FeedbackSyncSchedule))
	}

	if ws.jobs.Persona != nil {
		if _, err := inngestgo.CreateFunction(ws.client, NewPersonaRefreshFunction(),
			inngestgo.EventTrigger(EventPersonaRefresh, nil),
			personaRefreshWorkflow(ws.jobs, ws.logger)); err != nil {
			return fmt.Errorf("register persona refresh function: %w", err)
		}
		if ws.jobs.Tenants != nil {
			if _, err := inngestgo.CreateFunction(ws.client, NewPersonaCronFunction(),
				inngestgo.CronTrigger(PersonaRefreshSchedule),
				personaCronWorkflow(ws.jobs, ws.logger)); err != nil {
				return fmt.Errorf("register persona cron function: %w", err)
			}
		}
		ws.logger.Info("Registered persona refresh workflows")
	}
	return nil
}

// Handler returns the Inngest endpoint together with /health and /metrics.
func (ws *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/inngest", ws.client.Serve())
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","service":"workflow-worker"}`))
	})
	return mux
}

// Serve starts the HTTP server in the background.
func (ws *Service) Serve(addr string) {
	ws.server = &http.Server{Addr: addr, Handler: ws.Handler()}
	ws.logger.Info("Starting workflow server", zap.String("addr", addr))
	go func() {
		if err := ws.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ws.logger.Error("Workflow server error", zap.Error(err))
		}
	}()
}

// Shutdown gracefully shuts down the workflow server.
func (ws *Service) Shutdown(ctx context.Context) error {
	ws.logger.Info("Shutting down workflow service")
	if ws.server != nil {
		return ws.server.Shutdown(ctx)
	}
	return nil
}
