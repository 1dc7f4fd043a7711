// Package memory keeps per-participant conversation history and compacts
// older turns into a rolling summary before they are sent to the model.
package memory

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"

	"github.com/juanpark/slough-ai/internal/llm"
	"github.com/juanpark/slough-ai/internal/metrics"
)

const (
	// SummaryPrefix tags the synthetic system entry holding the rolling summary.
	SummaryPrefix = "[이전 대화 요약] "

	// DefaultMaxRecentPairs is how many question turns stay verbatim.
	DefaultMaxRecentPairs = 2

	// maxSummarizedChars bounds each message placed in the summary prompt.
	maxSummarizedChars = 300

	summaryInstruction = "아래 대화 기록을 한국어 3줄 이내로 요약하세요. " +
		"핵심 질문과 결론만 간결하게 포함하세요.\n\n"
)

// Summarizer compresses a prompt into a short reply. *llm.Model satisfies it.
type Summarizer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Manager loads, appends and compacts conversation threads.
type Manager struct {
	store          ThreadStore
	summarizer     Summarizer
	maxRecentPairs int
	logger         *zap.Logger
}

// NewManager creates a memory manager. maxRecentPairs <= 0 selects
// DefaultMaxRecentPairs.
func NewManager(store ThreadStore, summarizer Summarizer, maxRecentPairs int, logger *zap.Logger) *Manager {
	if maxRecentPairs <= 0 {
		maxRecentPairs = DefaultMaxRecentPairs
	}
	return &Manager{
		store:          store,
		summarizer:     summarizer,
		maxRecentPairs: maxRecentPairs,
		logger:         logger.Named("memory"),
	}
}

// ThreadID returns the memory scope of a participant inside a tenant. It does
// not depend on the channel or chat thread the question came from.
func ThreadID(tenantID, participantID string) string {
	return tenantID + "-" + participantID
}

// Load returns the stored turns of a thread.
func (m *Manager) Load(ctx context.Context, threadID string) ([]llm.Message, error) {
	if threadID == "" {
		return nil, ErrEmptyThreadID
	}
	return m.store.Load(ctx, threadID)
}

// Append persists new turns. Stored history is never trimmed.
func (m *Manager) Append(ctx context.Context, threadID string, turns ...llm.Message) error {
	if threadID == "" {
		return ErrEmptyThreadID
	}
	return m.store.Append(ctx, threadID, turns...)
}

// TrimAndSummarize bounds the history passed to generation. The last
// maxRecentPairs question turns and everything after them are kept verbatim;
// older turns and any previous summary are folded into one leading summary
// entry. If summarization fails the old turns are dropped.
func (m *Manager) TrimAndSummarize(ctx context.Context, msgs []llm.Message) []llm.Message {
	if len(msgs) == 0 {
		return msgs
	}

	existing, rest := splitSummary(msgs)

	userIdx := make([]int, 0, len(rest))
	for i, msg := range rest {
		if msg.Role == llm.RoleUser {
			userIdx = append(userIdx, i)
		}
	}

	if len(userIdx) <= m.maxRecentPairs {
		metrics.Summarizations.WithLabelValues("skipped").Inc()
		out := make([]llm.Message, 0, len(rest)+1)
		if existing != "" {
			out = append(out, summaryMessage(existing))
		}
		return append(out, rest...)
	}

	split := userIdx[len(userIdx)-m.maxRecentPairs]
	old, recent := rest[:split], rest[split:]

	toSummarize := make([]llm.Message, 0, len(old)+1)
	if existing != "" {
		toSummarize = append(toSummarize, llm.Message{Role: llm.RoleAssistant, Content: "이전 요약: " + existing})
	}
	toSummarize = append(toSummarize, old...)

	summary := m.summarize(ctx, toSummarize)

	out := make([]llm.Message, 0, len(recent)+1)
	if summary != "" {
		out = append(out, summaryMessage(summary))
		if saved := CountMessageTokens(toSummarize) - CountTokens(summary); saved > 0 {
			metrics.SummarizedTokens.Add(float64(saved))
		}
	}
	out = append(out, recent...)

	m.logger.Info("Memory trimmed",
		zap.Int("messages", len(msgs)),
		zap.Int("recent", len(recent)),
		zap.Bool("summarized", summary != ""))
	return out
}

func (m *Manager) summarize(ctx context.Context, msgs []llm.Message) string {
	if len(msgs) == 0 || m.summarizer == nil {
		return ""
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	buf.WriteString(summaryInstruction)
	first := true
	for _, msg := range msgs {
		var tag string
		switch msg.Role {
		case llm.RoleUser:
			tag = "Q: "
		case llm.RoleAssistant:
			tag = "A: "
		default:
			continue
		}
		if !first {
			buf.WriteByte('\n')
		}
		first = false
		buf.WriteString(tag)
		buf.WriteString(truncate(msg.Content, maxSummarizedChars))
	}

	summary, err := m.summarizer.Complete(ctx, buf.String())
	if err != nil {
		metrics.Summarizations.WithLabelValues("failed").Inc()
		m.logger.Warn("Summary generation failed, dropping old context", zap.Error(err))
		return ""
	}

	summary = strings.TrimSpace(summary)
	if summary == "" {
		metrics.Summarizations.WithLabelValues("failed").Inc()
		return ""
	}
	metrics.Summarizations.WithLabelValues("ok").Inc()
	return summary
}

// splitSummary separates a leading rolling summary from the other turns.
func splitSummary(msgs []llm.Message) (string, []llm.Message) {
	if msgs[0].Role == llm.RoleSystem && strings.HasPrefix(msgs[0].Content, SummaryPrefix) {
		return strings.TrimPrefix(msgs[0].Content, SummaryPrefix), msgs[1:]
	}
	return "", msgs
}

func summaryMessage(summary string) llm.Message {
	return llm.Message{Role: llm.RoleSystem, Content: SummaryPrefix + summary}
}

func truncate(text string, maxRunes int) string {
	if utf8.RuneCountInString(text) <= maxRunes {
		return text
	}
	return string([]rune(text)[:maxRunes]) + "..."
}
