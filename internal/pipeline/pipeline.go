// Package pipeline answers employee questions as the decision-maker: rule
// overrides, safety classification, retrieval, prompt assembly and
// generation run as an explicit state machine.
package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/juanpark/slough-ai/internal/llm"
	"github.com/juanpark/slough-ai/internal/metrics"
	"github.com/juanpark/slough-ai/internal/policy"
)

// Retriever finds context for a question. Failures degrade to nil.
type Retriever interface {
	Search(ctx context.Context, tenantID, query string, k int, threshold float64) []string
}

// Generator produces answers. *llm.Model satisfies it.
type Generator interface {
	Generate(ctx context.Context, msgs []llm.Message) (string, error)
	Stream(ctx context.Context, msgs []llm.Message, onChunk func(partial string)) (string, error)
}

// PersonaSource returns the cached profile of a tenant or "".
type PersonaSource interface {
	Get(ctx context.Context, tenantID string) string
}

// Trimmer bounds conversation history. *memory.Manager satisfies it.
type Trimmer interface {
	TrimAndSummarize(ctx context.Context, msgs []llm.Message) []llm.Message
}

// Options tune retrieval and the prompt.
type Options struct {
	RetrievalK         int
	RetrievalThreshold float64
	DecisionMakerName  string
}

// DefaultOptions matches the production retrieval settings.
func DefaultOptions() Options {
	return Options{RetrievalK: 5, RetrievalThreshold: 0.5}
}

// Pipeline runs one question through the state machine.
type Pipeline struct {
	classifier *policy.Classifier
	retriever  Retriever
	generator  Generator
	persona    PersonaSource
	trimmer    Trimmer
	opts       Options
	logger     *zap.Logger
}

// New creates a pipeline. persona and trimmer may be nil.
func New(classifier *policy.Classifier, retriever Retriever, generator Generator, persona PersonaSource, trimmer Trimmer, opts Options, logger *zap.Logger) *Pipeline {
	if opts.RetrievalK <= 0 {
		opts.RetrievalK = DefaultOptions().RetrievalK
	}
	return &Pipeline{
		classifier: classifier,
		retriever:  retriever,
		generator:  generator,
		persona:    persona,
		trimmer:    trimmer,
		opts:       opts,
		logger:     logger.Named("pipeline"),
	}
}

// Run drives ps from check_rules to the end. When onChunk is non-nil the
// answer is streamed and onChunk receives the cumulative text as it grows.
func (p *Pipeline) Run(ctx context.Context, ps PipelineState, onChunk func(partial string)) PipelineState {
	state := StateCheckRules
	route := "generate"

	for state != StateEnd {
		switch state {
		case StateCheckRules:
			ps = checkRules(ps)
			if ps.IsRuleMatched {
				route = "rule"
			}
		case StateCheckSafety:
			ps = checkSafety(ps, p.classifier)
		case StateRetrieve:
			ps = p.retrieve(ctx, ps)
		case StateGenerate:
			ps = p.generate(ctx, ps, onChunk)
		case StateRefuse:
			ps = refuse(ps)
			route = "refuse"
		}

		next := Transition(state, ps)
		p.logger.Debug("Pipeline step",
			zap.String("tenant_id", ps.TenantID),
			zap.Stringer("from", state),
			zap.Stringer("to", next))
		state = next
	}

	metrics.PipelineRoutes.WithLabelValues(route).Inc()
	return ps
}

func (p *Pipeline) retrieve(ctx context.Context, ps PipelineState) PipelineState {
	if p.retriever == nil {
		ps.Context, ps.SourcesUsed = nil, 0
		return ps
	}

	docs := p.retriever.Search(ctx, ps.TenantID, ps.Question, p.opts.RetrievalK, p.opts.RetrievalThreshold)
	ps.Context = docs
	ps.SourcesUsed = len(docs)
	metrics.RetrievalHits.Observe(float64(len(docs)))
	return ps
}

func (p *Pipeline) generate(ctx context.Context, ps PipelineState, onChunk func(partial string)) PipelineState {
	if ps.IsRuleMatched {
		return ps
	}

	var persona string
	if p.persona != nil {
		persona = p.persona.Get(ctx, ps.TenantID)
	}

	history := ps.Messages
	if p.trimmer != nil {
		history = p.trimmer.TrimAndSummarize(ctx, history)
	}

	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.Message{
		Role:    llm.RoleSystem,
		Content: BuildSystemPrompt(p.opts.DecisionMakerName, persona, ps.Rules, ps.Context),
	})
	msgs = append(msgs, history...)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: ps.Question})

	mode := "full"
	if onChunk != nil {
		mode = "stream"
	}
	start := time.Now()

	var (
		answer string
		err    error
	)
	if onChunk != nil {
		answer, err = p.generator.Stream(ctx, msgs, onChunk)
	} else {
		answer, err = p.generator.Generate(ctx, msgs)
	}

	result := "ok"
	switch {
	case err == nil:
	case answer != "" && errors.Is(err, context.Canceled):
		// The caller stopped consuming; what arrived so far is the answer.
		result = "cancelled"
		p.logger.Info("Streaming cancelled, keeping partial answer",
			zap.String("tenant_id", ps.TenantID),
			zap.Int("chars", len(answer)))
	default:
		result = "error"
		p.logger.Error("LLM generation failed",
			zap.String("tenant_id", ps.TenantID),
			zap.String("mode", mode),
			zap.Error(err))
		answer = GenerationFailedAnswer
	}
	metrics.GenerationDuration.WithLabelValues(mode, result).Observe(time.Since(start).Seconds())

	ps.Answer = answer
	return ps
}
