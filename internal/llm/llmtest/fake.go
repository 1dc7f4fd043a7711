// Package llmtest provides an in-memory langchaingo model for tests.
package llmtest

import (
	"context"
	"strings"
	"sync"

	"github.com/tmc/langchaingo/llms"
)

// Call records one GenerateContent invocation.
type Call struct {
	Messages  []llms.MessageContent
	Options   llms.CallOptions
	Streaming bool
}

// Text returns the text parts of message i joined together.
func (c Call) Text(i int) string {
	var b strings.Builder
	for _, part := range c.Messages[i].Parts {
		if tc, ok := part.(llms.TextContent); ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

// Role returns the chat role of message i.
func (c Call) Role(i int) llms.ChatMessageType {
	return c.Messages[i].Role
}

// FakeModel implements llms.Model. Reply decides the completion for each
// call; when streaming is requested the reply is delivered in Chunks-sized
// pieces through the streaming callback.
type FakeModel struct {
	mu     sync.Mutex
	calls  []Call
	Reply  func(call Call) (string, error)
	Chunks int
}

// NewFakeModel returns a model that always answers reply.
func NewFakeModel(reply string) *FakeModel {
	return &FakeModel{
		Reply: func(Call) (string, error) { return reply, nil },
	}
}

// NewFailingModel returns a model whose every call fails with err.
func NewFailingModel(err error) *FakeModel {
	return &FakeModel{
		Reply: func(Call) (string, error) { return "", err },
	}
}

// GenerateContent implements llms.Model.
func (f *FakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	var opts llms.CallOptions
	for _, opt := range options {
		opt(&opts)
	}

	call := Call{Messages: messages, Options: opts, Streaming: opts.StreamingFunc != nil}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()

	reply, err := f.Reply(call)
	if err != nil {
		return nil, err
	}

	if opts.StreamingFunc != nil {
		size := f.Chunks
		if size <= 0 {
			size = 1
		}
		runes := []rune(reply)
		for i := 0; i < len(runes); i += size {
			end := i + size
			if end > len(runes) {
				end = len(runes)
			}
			if err := opts.StreamingFunc(ctx, []byte(string(runes[i:end]))); err != nil {
				return nil, err
			}
		}
	}

	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: reply}},
	}, nil
}

// Call implements the deprecated single-prompt method of llms.Model.
func (f *FakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

// Calls returns a snapshot of recorded calls.
func (f *FakeModel) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount returns how many times the model was invoked.
func (f *FakeModel) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}
