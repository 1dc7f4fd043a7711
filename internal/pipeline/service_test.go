package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/juanpark/slough-ai/internal/chunking"
	"github.com/juanpark/slough-ai/internal/dedup"
	"github.com/juanpark/slough-ai/internal/llm"
	"github.com/juanpark/slough-ai/internal/llm/llmtest"
	"github.com/juanpark/slough-ai/internal/memory"
	"github.com/juanpark/slough-ai/internal/policy"
	"github.com/juanpark/slough-ai/internal/store"
	"github.com/juanpark/slough-ai/internal/vectorstore"
)

const tenant = "9b2f0c3e-7d4a-4e5b-8c61-2f0a9d3e4b11"

type fakeVectors struct {
	mu      sync.Mutex
	batches [][]vectorstore.Chunk
	failOn  string
	docs    []string
}

func (f *fakeVectors) Store(_ context.Context, _ string, chunks []vectorstore.Chunk) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, chunks)
	for _, c := range chunks {
		if f.failOn != "" && strings.Contains(c.Content, f.failOn) {
			return 0, errors.New("embedding backend unavailable")
		}
	}
	return len(chunks), nil
}

func (f *fakeVectors) Search(context.Context, string, string, int, float64) []string {
	return f.docs
}

func (f *fakeVectors) stored() [][]vectorstore.Chunk {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]vectorstore.Chunk(nil), f.batches...)
}

type fakeQA struct {
	mu        sync.Mutex
	records   map[string]*store.QARecord
	reflected []string
	failMark  string
}

func newFakeQA(records ...store.QARecord) *fakeQA {
	qa := &fakeQA{records: make(map[string]*store.QARecord)}
	for i := range records {
		rec := records[i]
		qa.records[rec.ID] = &rec
	}
	return qa
}

func (f *fakeQA) Get(_ context.Context, id string) (*store.QARecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeQA) RecordFeedback(_ context.Context, tenantID, id, feedbackType string, corrected *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok || rec.TenantID != tenantID {
		return store.ErrNotFound
	}
	rec.FeedbackType = feedbackType
	if corrected != nil {
		rec.CorrectedAnswer = *corrected
	}
	return nil
}

func (f *fakeQA) ListPendingCorrections(context.Context, int) ([]store.QARecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.QARecord
	for _, rec := range f.records {
		if rec.FeedbackType == string(FeedbackCorrected) && !rec.IsReflected {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (f *fakeQA) MarkReflected(_ context.Context, tenantID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == f.failMark {
		return errors.New("connection reset")
	}
	if rec, ok := f.records[id]; !ok || rec.TenantID != tenantID {
		return store.ErrNotFound
	}
	f.records[id].IsReflected = true
	f.reflected = append(f.reflected, id)
	return nil
}

type serviceHarness struct {
	svc     *Service
	model   *llmtest.FakeModel
	vectors *fakeVectors
	qa      *fakeQA
	threads *memory.InMemoryThreadStore
}

func newServiceHarness(t *testing.T, deps Deps) *serviceHarness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	model := llmtest.NewFakeModel("그건 제가 확인해 볼게요.")
	vectors := &fakeVectors{docs: []string{"이번 분기 목표는 리텐션"}}
	threads := memory.NewInMemoryThreadStore()
	mem := memory.NewManager(threads, nil, 2, logger)

	deps.Pipeline = New(policy.NewClassifier(policy.DefaultKeywords(), logger), vectors,
		llm.NewModel(model, llm.Options{}, logger), nil, mem, DefaultOptions(), logger)
	deps.Memory = mem
	deps.Vectors = vectors
	qa, _ := deps.QA.(*fakeQA)
	if deps.QA == nil {
		qa = newFakeQA()
		deps.QA = qa
	}

	return &serviceHarness{
		svc:     NewService(deps, logger),
		model:   model,
		vectors: vectors,
		qa:      qa,
		threads: threads,
	}
}

func TestGenerateAnswerPersistsTurn(t *testing.T) {
	h := newServiceHarness(t, Deps{})
	ctx := context.Background()
	req := AnswerRequest{Question: "이번 분기 목표?", TenantID: tenant, AskerID: "U1"}

	res := h.svc.GenerateAnswer(ctx, req)
	assert.Equal(t, "그건 제가 확인해 볼게요.", res.Answer)
	assert.Equal(t, 1, res.SourcesUsed)
	assert.False(t, res.IsHighRisk)

	history, err := h.threads.Load(ctx, memory.ThreadID(tenant, "U1"))
	require.NoError(t, err)
	assert.Equal(t, []llm.Message{
		{Role: llm.RoleUser, Content: "이번 분기 목표?"},
		{Role: llm.RoleAssistant, Content: "그건 제가 확인해 볼게요."},
	}, history)

	h.svc.GenerateAnswer(ctx, AnswerRequest{Question: "그럼 다음은?", TenantID: tenant, AskerID: "U1"})
	second := h.model.Calls()[1]
	require.Len(t, second.Messages, 4)
	assert.Equal(t, "이번 분기 목표?", second.Text(1))
	assert.Equal(t, "그건 제가 확인해 볼게요.", second.Text(2))
	assert.Equal(t, "그럼 다음은?", second.Text(3))
}

func TestRefusedAndRuleAnswersAreRemembered(t *testing.T) {
	h := newServiceHarness(t, Deps{})
	ctx := context.Background()

	refused := h.svc.GenerateAnswer(ctx, AnswerRequest{Question: "연봉 협상 어떻게 해야 할까요?", TenantID: tenant, AskerID: "U2"})
	assert.True(t, refused.IsProhibited)

	ruled := h.svc.GenerateAnswer(ctx, AnswerRequest{
		Question: "외부 미팅은 반드시 사전 승인 필요한가요?",
		TenantID: tenant,
		AskerID:  "U2",
		Rules:    []Rule{{ID: 42, Text: "외부 미팅은 반드시 사전 승인 필요"}},
	})
	assert.True(t, ruled.IsRuleMatched)
	require.NotNil(t, ruled.MatchedRuleID)
	assert.Equal(t, int64(42), *ruled.MatchedRuleID)
	assert.Zero(t, h.model.CallCount())

	history, err := h.threads.Load(ctx, memory.ThreadID(tenant, "U2"))
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, RefusalAnswer, history[1].Content)
	assert.Equal(t, RuleAnswerPrefix+"외부 미팅은 반드시 사전 승인 필요", history[3].Content)
}

func TestStreamingCancellationStillPersists(t *testing.T) {
	h := newServiceHarness(t, Deps{})
	h.model.Reply = func(llmtest.Call) (string, error) { return "12345678", nil }
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res := h.svc.GenerateAnswerStreaming(ctx, AnswerRequest{Question: "q", TenantID: tenant, AskerID: "U3"}, func(p string) {
		if p == "123" {
			cancel()
		}
	})
	assert.Equal(t, "123", res.Answer)

	history, err := h.threads.Load(context.Background(), memory.ThreadID(tenant, "U3"))
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "123", history[1].Content)
}

func TestAnswerThreadDropsDuplicateEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	logger := zaptest.NewLogger(t)

	h := newServiceHarness(t, Deps{
		Dedup: dedup.NewGate(client, time.Minute, logger),
		Locks: memory.NewThreadLockManager(client, time.Minute, logger),
	})
	ctx := context.Background()
	req := AnswerRequest{Question: "배포 일정?", TenantID: tenant, AskerID: "U4"}

	res, err := h.svc.AnswerThread(ctx, "Ev01", req, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Answer)

	_, err = h.svc.AnswerThread(ctx, "Ev01", req, nil)
	assert.ErrorIs(t, err, ErrDuplicateEvent)
	assert.Equal(t, 1, h.model.CallCount())

	assert.False(t, mr.Exists("lock:thread:"+memory.ThreadID(tenant, "U4")))
}

func TestAnswerThreadWaitsForThreadLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	logger := zaptest.NewLogger(t)

	locks := memory.NewThreadLockManager(client, time.Minute, logger)
	h := newServiceHarness(t, Deps{Locks: locks})

	held, err := locks.TryAcquire(context.Background(), memory.ThreadID(tenant, "U5"))
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err = h.svc.AnswerThread(ctx, "", AnswerRequest{Question: "q", TenantID: tenant, AskerID: "U5"}, nil)
	assert.ErrorIs(t, err, memory.ErrLockHeld)
	assert.Zero(t, h.model.CallCount())
}

func TestIngestEmptyInputTouchesNothing(t *testing.T) {
	h := newServiceHarness(t, Deps{})

	res := h.svc.IngestMessages(context.Background(), tenant, []chunking.Message{{Text: "   "}})
	assert.Equal(t, IngestResult{}, res)
	assert.Empty(t, h.vectors.stored())
}

func TestIngestBatchesAndIsolatesFailures(t *testing.T) {
	h := newServiceHarness(t, Deps{IngestBatchSize: 2})

	var msgs []chunking.Message
	for i := 0; i < 5; i++ {
		msgs = append(msgs, chunking.Message{Text: fmt.Sprintf("msg-%d", i), Channel: "C1", TS: fmt.Sprintf("17000000%02d.0", i)})
	}
	msgs[2].Text = "bad-2"
	h.vectors.failOn = "bad"

	res := h.svc.IngestMessages(context.Background(), tenant, msgs)
	assert.Equal(t, 5, res.ChunksCreated)
	assert.Equal(t, 3, res.EmbeddingsStored)
	assert.Equal(t, 1, res.FailedBatches)

	batches := h.vectors.stored()
	require.Len(t, batches, 3)
	sizes := map[int]int{}
	for _, b := range batches {
		sizes[len(b)]++
	}
	assert.Equal(t, map[int]int{2: 2, 1: 1}, sizes)
}

func TestProcessFeedbackRejectsUnknownType(t *testing.T) {
	h := newServiceHarness(t, Deps{})
	err := h.svc.ProcessFeedback(context.Background(), tenant, "q1", FeedbackType("liked"), nil)
	assert.ErrorIs(t, err, ErrUnknownFeedbackType)
}

func TestProcessFeedbackOnlyCorrectionsReachRetrieval(t *testing.T) {
	qa := newFakeQA(
		store.QARecord{ID: "q1", TenantID: tenant, Question: "재택 가능?", Answer: "네", ChannelID: "D1"},
		store.QARecord{ID: "q2", TenantID: tenant, Question: "회식 언제?", Answer: "금요일", ChannelID: "D1"},
	)
	h := newServiceHarness(t, Deps{QA: qa})
	ctx := context.Background()

	for _, ft := range []FeedbackType{FeedbackApproved, FeedbackRejected, FeedbackCaution} {
		require.NoError(t, h.svc.ProcessFeedback(ctx, tenant, "q1", ft, nil))
	}
	assert.Empty(t, h.vectors.stored())

	corrected := "목요일입니다"
	require.NoError(t, h.svc.ProcessFeedback(ctx, tenant, "q2", FeedbackCorrected, &corrected))

	batches := h.vectors.stored()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	assert.Equal(t, "질문: 회식 언제?\n\n정답: 목요일입니다", batches[0][0].Content)
	assert.Equal(t, "q2", batches[0][0].MessageTS)
	assert.Equal(t, "D1", batches[0][0].ChannelID)
	assert.Equal(t, []string{"q2"}, qa.reflected)
}

func TestProcessFeedbackMissingQuestion(t *testing.T) {
	h := newServiceHarness(t, Deps{})
	err := h.svc.ProcessFeedback(context.Background(), tenant, "nope", FeedbackApproved, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestProcessFeedbackOtherTenant(t *testing.T) {
	qa := newFakeQA(store.QARecord{ID: "q1", TenantID: "other", Question: "q", Answer: "a"})
	h := newServiceHarness(t, Deps{QA: qa})
	ctx := context.Background()

	fixed := "b"
	for _, ft := range []FeedbackType{FeedbackCorrected, FeedbackApproved, FeedbackRejected, FeedbackCaution} {
		err := h.svc.ProcessFeedback(ctx, tenant, "q1", ft, &fixed)
		assert.ErrorIs(t, err, ErrTenantMismatch, string(ft))
	}

	rec, err := qa.Get(ctx, "q1")
	require.NoError(t, err)
	assert.Empty(t, rec.FeedbackType)
	assert.Empty(t, rec.CorrectedAnswer)
	assert.False(t, rec.IsReflected)

	res, err := h.svc.SyncCorrections(ctx)
	require.NoError(t, err)
	assert.Equal(t, SyncResult{}, res)
	assert.Empty(t, h.vectors.stored())
}

func TestSyncCorrectionsCountsPerRecord(t *testing.T) {
	qa := newFakeQA(
		store.QARecord{ID: "a", TenantID: tenant, Question: "q1", Answer: "원답", FeedbackType: "corrected"},
		store.QARecord{ID: "b", TenantID: tenant, Question: "q2", Answer: "x", FeedbackType: "corrected", CorrectedAnswer: "y"},
		store.QARecord{ID: "c", TenantID: tenant, Question: "q3", Answer: "z", FeedbackType: "corrected", IsReflected: true},
		store.QARecord{ID: "d", TenantID: tenant, Question: "q4", Answer: "w", FeedbackType: "approved"},
	)
	qa.failMark = "b"
	h := newServiceHarness(t, Deps{QA: qa})

	res, err := h.svc.SyncCorrections(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SyncResult{Success: 1, Failed: 1}, res)
	assert.Equal(t, []string{"a"}, qa.reflected)

	var contents []string
	for _, b := range h.vectors.stored() {
		contents = append(contents, b[0].Content)
	}
	assert.ElementsMatch(t, []string{"질문: q1\n\n정답: 원답", "질문: q2\n\n정답: y"}, contents)
}

func TestFeedbackTypeValid(t *testing.T) {
	assert.True(t, FeedbackCaution.Valid())
	assert.False(t, FeedbackType("").Valid())
}
