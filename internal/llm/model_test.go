package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap/zaptest"

	"github.com/juanpark/slough-ai/internal/llm/llmtest"
)

func TestGenerateMapsRolesAndOptions(t *testing.T) {
	fake := llmtest.NewFakeModel("네, 진행하세요.")
	model := NewModel(fake, Options{ModelName: "gpt-4o-mini", Temperature: 0, MaxTokens: 600}, zaptest.NewLogger(t))

	out, err := model.Generate(context.Background(), []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "q"},
		{Role: RoleAssistant, Content: "a"},
	})
	require.NoError(t, err)
	assert.Equal(t, "네, 진행하세요.", out)

	calls := fake.Calls()
	require.Len(t, calls, 1)
	call := calls[0]
	assert.Equal(t, llms.ChatMessageTypeSystem, call.Role(0))
	assert.Equal(t, llms.ChatMessageTypeHuman, call.Role(1))
	assert.Equal(t, llms.ChatMessageTypeAI, call.Role(2))
	assert.Equal(t, "q", call.Text(1))
	assert.Equal(t, 600, call.Options.MaxTokens)
	assert.False(t, call.Streaming)
}

func TestStreamReportsCumulativeText(t *testing.T) {
	fake := llmtest.NewFakeModel("검토 후 승인")
	fake.Chunks = 2
	model := NewModel(fake, Options{ModelName: "gpt-4o"}, zaptest.NewLogger(t))

	var partials []string
	out, err := model.Stream(context.Background(), []Message{{Role: RoleUser, Content: "q"}}, func(p string) {
		partials = append(partials, p)
	})
	require.NoError(t, err)
	assert.Equal(t, "검토 후 승인", out)
	assert.Equal(t, []string{"검토", "검토 후", "검토 후 승", "검토 후 승인"}, partials)
	assert.True(t, fake.Calls()[0].Streaming)
}

func TestStreamCancellationKeepsPartial(t *testing.T) {
	fake := llmtest.NewFakeModel("abcdef")
	model := NewModel(fake, Options{}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	out, err := model.Stream(ctx, []Message{{Role: RoleUser, Content: "q"}}, func(p string) {
		if len(p) == 3 {
			cancel()
		}
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "abc", out)
}

func TestGenerateError(t *testing.T) {
	model := NewModel(llmtest.NewFailingModel(errors.New("rate limited")), Options{}, zaptest.NewLogger(t))

	_, err := model.Generate(context.Background(), []Message{{Role: RoleUser, Content: "q"}})
	assert.ErrorContains(t, err, "rate limited")
}

func TestCompleteTrimsReply(t *testing.T) {
	fake := llmtest.NewFakeModel("\n  요약입니다  \n")
	model := NewModel(fake, Options{}, zaptest.NewLogger(t))

	out, err := model.Complete(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, "요약입니다", out)
	assert.Equal(t, llms.ChatMessageTypeHuman, fake.Calls()[0].Role(0))
}
