package workflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/inngest/inngestgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/juanpark/slough-ai/internal/chunking"
	"github.com/juanpark/slough-ai/internal/persona"
	"github.com/juanpark/slough-ai/internal/pipeline"
)

// direct runs steps inline and records their ids.
type direct struct {
	mu  sync.Mutex
	ids []string
}

func runner[T any](d *direct) stepRunner[T] {
	return func(ctx context.Context, id string, fn func(ctx context.Context) (T, error)) (T, error) {
		d.mu.Lock()
		d.ids = append(d.ids, id)
		d.mu.Unlock()
		return fn(ctx)
	}
}

type fakeIngester struct {
	sizes []int
}

func (f *fakeIngester) IngestMessages(_ context.Context, _ string, msgs []chunking.Message) pipeline.IngestResult {
	f.sizes = append(f.sizes, len(msgs))
	res := pipeline.IngestResult{ChunksCreated: len(msgs), EmbeddingsStored: len(msgs)}
	if len(msgs) < IngestBatchSize {
		res.EmbeddingsStored = 0
		res.FailedBatches = 1
	}
	return res
}

type fakeExtractor struct {
	errs map[string]error
	seen []string
}

func (f *fakeExtractor) Extract(_ context.Context, tenantID string) (string, error) {
	f.seen = append(f.seen, tenantID)
	if err := f.errs[tenantID]; err != nil {
		return "", err
	}
	return "말투: 간결함", nil
}

type staticTenants []string

func (s staticTenants) ListTenants(context.Context) ([]string, error) { return s, nil }

func TestFunctionDescriptions(t *testing.T) {
	tests := []struct {
		opts inngestgo.FunctionOpts
		id   string
		name string
	}{
		{NewIngestFunction(), "ingest-messages", "Ingest Chat Messages"},
		{NewFeedbackSyncFunction(), "feedback-sync", "Sync Corrected Feedback"},
		{NewPersonaRefreshFunction(), "persona-refresh", "Refresh Persona Profile"},
		{NewPersonaCronFunction(), "persona-refresh-daily", "Daily Persona Refresh"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.id, tt.opts.ID)
		assert.Equal(t, tt.name, tt.opts.Name)
	}
	assert.Equal(t, "*/5 * * * *", FeedbackSyncSchedule)
	assert.Equal(t, "0 3 * * *", PersonaRefreshSchedule)
}

func TestSplitBatches(t *testing.T) {
	msgs := make([]chunking.Message, 250)
	batches := splitBatches(msgs, 100)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 100)
	assert.Len(t, batches[1], 100)
	assert.Len(t, batches[2], 50)

	assert.Empty(t, splitBatches(nil, 100))
	assert.Len(t, splitBatches(msgs, 0), 3)
}

func TestRunIngestAccumulatesBatches(t *testing.T) {
	ingester := &fakeIngester{}
	d := &direct{}
	msgs := make([]chunking.Message, 230)
	for i := range msgs {
		msgs[i] = chunking.Message{Text: fmt.Sprintf("m%d", i), Channel: "C1"}
	}

	out, err := runIngest(context.Background(), Jobs{Ingester: ingester, BatchSize: IngestBatchSize},
		IngestInput{TenantID: "T1", Messages: msgs}, runner[pipeline.IngestResult](d), zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Equal(t, []int{100, 100, 30}, ingester.sizes)
	assert.Equal(t, []string{"ingest-batch-0", "ingest-batch-1", "ingest-batch-2"}, d.ids)
	assert.Equal(t, IngestOutput{Batches: 3, ChunksCreated: 230, EmbeddingsStored: 200, FailedBatches: 1}, out)
}

func TestRunIngestStopsOnStepError(t *testing.T) {
	boom := errors.New("step interrupted")
	failing := func(ctx context.Context, id string, fn func(ctx context.Context) (pipeline.IngestResult, error)) (pipeline.IngestResult, error) {
		if id == "ingest-batch-1" {
			return pipeline.IngestResult{}, boom
		}
		return fn(ctx)
	}

	out, err := runIngest(context.Background(), Jobs{Ingester: &fakeIngester{}, BatchSize: 1},
		IngestInput{TenantID: "T1", Messages: make([]chunking.Message, 3)}, failing, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, out.Batches)
}

func TestRunPersonaRefreshSingleTenant(t *testing.T) {
	ex := &fakeExtractor{}
	d := &direct{}

	out, err := runPersonaRefresh(context.Background(), Jobs{Persona: ex}, "T1",
		runner[[]string](d), runner[personaStep](d), zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, PersonaRefreshOutput{Refreshed: 1}, out)
	assert.Equal(t, []string{"T1"}, ex.seen)
	assert.Equal(t, []string{"persona-T1"}, d.ids)
}

func TestRunPersonaRefreshAllTenants(t *testing.T) {
	ex := &fakeExtractor{errs: map[string]error{
		"T2": persona.ErrNoSamples,
		"T3": errors.New("model timeout"),
	}}
	d := &direct{}

	out, err := runPersonaRefresh(context.Background(),
		Jobs{Persona: ex, Tenants: staticTenants{"T1", "T2", "T3"}}, "",
		runner[[]string](d), runner[personaStep](d), zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, PersonaRefreshOutput{Refreshed: 1, Skipped: 1, Failed: 1}, out)
	assert.Equal(t, []string{"list-tenants", "persona-T1", "persona-T2", "persona-T3"}, d.ids)
}

func TestRunPersonaRefreshNeedsTenantSource(t *testing.T) {
	d := &direct{}
	_, err := runPersonaRefresh(context.Background(), Jobs{Persona: &fakeExtractor{}}, "",
		runner[[]string](d), runner[personaStep](d), zaptest.NewLogger(t))
	assert.Error(t, err)
}

type recordingSender struct {
	events []inngestgo.Event
	err    error
}

func (r *recordingSender) Send(_ context.Context, evt any) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	r.events = append(r.events, evt.(inngestgo.Event))
	return fmt.Sprintf("evt-%d", len(r.events)), nil
}

func TestSenderEmitsEvents(t *testing.T) {
	rec := &recordingSender{}
	s := &Sender{client: rec, logger: zaptest.NewLogger(t)}
	ctx := context.Background()

	id, err := s.RequestIngest(ctx, "T1", []chunking.Message{{Text: "hi", Channel: "C1", TS: "1.0"}})
	require.NoError(t, err)
	assert.Equal(t, "evt-1", id)

	_, err = s.RequestPersonaRefresh(ctx, "T1")
	require.NoError(t, err)

	require.Len(t, rec.events, 2)
	assert.Equal(t, EventIngestRequested, rec.events[0].Name)
	assert.Equal(t, "T1", rec.events[0].Data["tenant_id"])
	assert.Equal(t, EventPersonaRefresh, rec.events[1].Name)

	rec.err = errors.New("unauthorized")
	_, err = s.RequestPersonaRefresh(ctx, "")
	assert.ErrorContains(t, err, "unauthorized")
}

func TestServiceHealthEndpoint(t *testing.T) {
	t.Setenv("INNGEST_DEV", "1")

	ws, err := NewService(Config{AppID: "slough-ai-test", Logger: zaptest.NewLogger(t)}, Jobs{
		Ingester: &fakeIngester{},
		Persona:  &fakeExtractor{},
		Tenants:  staticTenants{},
	})
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	ws.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"healthy","service":"workflow-worker"}`, rr.Body.String())
	assert.NoError(t, ws.Shutdown(context.Background()))
}
