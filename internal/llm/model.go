// Package llm wraps langchaingo chat models for answer generation, streaming
// and cheap summarization.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/juanpark/slough-ai/internal/config"
)

// ErrNoChoices is returned when the backend answers with an empty response.
var ErrNoChoices = errors.New("no response choices")

// Role is the speaker of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat message sent to a model.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Options are per-model call defaults.
type Options struct {
	ModelName   string
	Temperature float64
	// MaxTokens caps the completion length. Zero leaves it to the backend.
	MaxTokens int
}

// Model wraps a langchaingo llms.Model with fixed call options.
type Model struct {
	llm    llms.Model
	opts   Options
	logger *zap.Logger
}

// NewModel wraps an existing langchaingo model.
func NewModel(model llms.Model, opts Options, logger *zap.Logger) *Model {
	return &Model{
		llm:    model,
		opts:   opts,
		logger: logger.Named("llm").With(zap.String("model", opts.ModelName)),
	}
}

// NewAnswerModel builds the generation model described by cfg.
func NewAnswerModel(cfg *config.Config, logger *zap.Logger) (*Model, error) {
	backend, err := newBackend(cfg, cfg.AnswerModel)
	if err != nil {
		return nil, err
	}
	return NewModel(backend, Options{
		ModelName:   cfg.AnswerModel,
		Temperature: cfg.AnswerTemp,
	}, logger), nil
}

// NewSummaryModel builds the cheaper deterministic model used for memory
// compaction and persona extraction.
func NewSummaryModel(cfg *config.Config, logger *zap.Logger) (*Model, error) {
	backend, err := newBackend(cfg, cfg.SummaryModel)
	if err != nil {
		return nil, err
	}
	return NewModel(backend, Options{
		ModelName:   cfg.SummaryModel,
		Temperature: 0,
		MaxTokens:   cfg.SummaryMaxTokens,
	}, logger), nil
}

func newBackend(cfg *config.Config, modelName string) (llms.Model, error) {
	switch cfg.LLMProvider {
	case config.ProviderOpenAI:
		model, err := openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithModel(modelName),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}
		return model, nil
	case config.ProviderOllama:
		model, err := ollama.New(
			ollama.WithModel(modelName),
			ollama.WithServerURL(cfg.OllamaURL),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}
		return model, nil
	case config.ProviderAnthropic:
		model, err := anthropic.New(
			anthropic.WithToken(cfg.AnthropicAPIKey),
			anthropic.WithModel(modelName),
		)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}
		return model, nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.LLMProvider)
	}
}

// Name returns the backend model name.
func (m *Model) Name() string {
	return m.opts.ModelName
}

func (m *Model) callOptions(extra ...llms.CallOption) []llms.CallOption {
	opts := []llms.CallOption{llms.WithTemperature(m.opts.Temperature)}
	if m.opts.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(m.opts.MaxTokens))
	}
	return append(opts, extra...)
}

// Generate returns the full completion for msgs.
func (m *Model) Generate(ctx context.Context, msgs []Message) (string, error) {
	start := time.Now()
	resp, err := m.llm.GenerateContent(ctx, toContent(msgs), m.callOptions()...)
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoices
	}

	m.logger.Debug("Generated completion",
		zap.Int("messages", len(msgs)),
		zap.Duration("duration", time.Since(start)))
	return resp.Choices[0].Content, nil
}

// Stream generates a completion and calls onChunk with the cumulative text
// after every non-empty token chunk. Cancelling ctx stops the stream; the text
// received so far is returned together with the context error.
func (m *Model) Stream(ctx context.Context, msgs []Message, onChunk func(partial string)) (string, error) {
	var answer strings.Builder

	streamFn := func(ctx context.Context, chunk []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(chunk) == 0 {
			return nil
		}
		answer.Write(chunk)
		if onChunk != nil {
			onChunk(answer.String())
		}
		return nil
	}

	resp, err := m.llm.GenerateContent(ctx, toContent(msgs), m.callOptions(llms.WithStreamingFunc(streamFn))...)
	if err != nil {
		return answer.String(), fmt.Errorf("stream: %w", err)
	}

	// Some backends deliver the final text only in the response body.
	if answer.Len() == 0 && len(resp.Choices) > 0 && resp.Choices[0].Content != "" {
		answer.WriteString(resp.Choices[0].Content)
		if onChunk != nil {
			onChunk(answer.String())
		}
	}
	return answer.String(), nil
}

// Complete sends a single user prompt and returns the trimmed reply.
func (m *Model) Complete(ctx context.Context, prompt string) (string, error) {
	out, err := m.Generate(ctx, []Message{{Role: RoleUser, Content: prompt}})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func toContent(msgs []Message) []llms.MessageContent {
	content := make([]llms.MessageContent, 0, len(msgs))
	for _, msg := range msgs {
		var role llms.ChatMessageType
		switch msg.Role {
		case RoleSystem:
			role = llms.ChatMessageTypeSystem
		case RoleAssistant:
			role = llms.ChatMessageTypeAI
		default:
			role = llms.ChatMessageTypeHuman
		}
		content = append(content, llms.TextParts(role, msg.Content))
	}
	return content
}
