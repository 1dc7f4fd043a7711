package persona

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrNoSamples is returned when the tenant has no ingested content to analyze.
var ErrNoSamples = errors.New("no messages found for persona extraction")

const (
	samplesPerSeed = 5
	maxSamples     = 50
	// Searches for samples keep every candidate regardless of similarity.
	sampleThreshold = -1
)

// seedQueries spread sampling across the topics a decision-maker usually
// speaks about.
var seedQueries = []string{
	"업무 방향", "결정", "팀", "의견", "진행", "좋아", "안 돼",
	"프로젝트", "일정", "우선순위", "승인", "검토", "피드백",
}

const analysisPrompt = `아래는 한 회사 의사결정자의 실제 Slack 발언 모음입니다.
이 발언들을 분석하여 다음 항목을 포함한 "페르소나 프로필"을 작성하세요:

1. **말투/어조**: 반말/존댓말, 격식 수준, 특유의 표현이나 말버릇
2. **성격 특성**: 직설적/우회적, 긍정적/현실적, 유머 사용 여부
3. **의사결정 스타일**: 빠른 결단형/신중형, 데이터 중시/직감 중시
4. **자주 다루는 주제**: 관심사, 전문 분야, 핵심 가치관
5. **커뮤니케이션 패턴**: 답변 길이, 질문 방식, 피드백 방식
6. **절대 하지 않는 것**: 쓰지 않는 표현, 피하는 주제

[발언 모음]
{messages}

위 발언을 기반으로 이 의사결정자의 페르소나 프로필을 한국어로 작성하세요.
프로필은 AI가 이 사람처럼 대화하기 위한 가이드 역할을 합니다.
간결하고 실용적으로 작성하세요 (500자 이내).`

// Searcher returns stored contents similar to query. vectorstore.Store
// satisfies it.
type Searcher interface {
	Search(ctx context.Context, tenantID, query string, k int, threshold float64) []string
}

// Summarizer is the deterministic model used for analysis.
type Summarizer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Extractor builds persona profiles from sampled retrieval results.
type Extractor struct {
	searcher   Searcher
	summarizer Summarizer
	cache      *Cache
	group      singleflight.Group
	logger     *zap.Logger
}

// NewExtractor creates an extractor that writes results to cache.
func NewExtractor(searcher Searcher, summarizer Summarizer, cache *Cache, logger *zap.Logger) *Extractor {
	return &Extractor{
		searcher:   searcher,
		summarizer: summarizer,
		cache:      cache,
		logger:     logger.Named("persona"),
	}
}

// Extract samples the tenant's content, asks the model for a profile and
// caches it. Concurrent calls for the same tenant share one extraction.
func (e *Extractor) Extract(ctx context.Context, tenantID string) (string, error) {
	v, err, shared := e.group.Do(tenantID, func() (interface{}, error) {
		return e.extract(ctx, tenantID)
	})
	if shared {
		e.logger.Debug("Joined in-flight persona extraction", zap.String("tenant_id", tenantID))
	}
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (e *Extractor) extract(ctx context.Context, tenantID string) (string, error) {
	start := time.Now()

	samples := e.sample(ctx, tenantID)
	if len(samples) == 0 {
		e.logger.Warn("No messages found for persona extraction", zap.String("tenant_id", tenantID))
		return "", ErrNoSamples
	}

	prompt := strings.Replace(analysisPrompt, "{messages}", strings.Join(samples, "\n---\n"), 1)
	profile, err := e.summarizer.Complete(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("persona analysis: %w", err)
	}
	profile = strings.TrimSpace(profile)

	if e.cache != nil {
		if err := e.cache.Set(ctx, tenantID, profile); err != nil {
			e.logger.Error("Failed to cache persona profile",
				zap.String("tenant_id", tenantID),
				zap.Error(err))
		}
	}

	e.logger.Info("Persona extracted",
		zap.String("tenant_id", tenantID),
		zap.Int("samples", len(samples)),
		zap.Duration("duration", time.Since(start)))
	return profile, nil
}

// sample runs every seed query and keeps the first maxSamples distinct
// contents in query order.
func (e *Extractor) sample(ctx context.Context, tenantID string) []string {
	seen := make(map[string]struct{})
	samples := make([]string, 0, maxSamples)

	for _, query := range seedQueries {
		for _, content := range e.searcher.Search(ctx, tenantID, query, samplesPerSeed, sampleThreshold) {
			if _, ok := seen[content]; ok {
				continue
			}
			seen[content] = struct{}{}
			samples = append(samples, content)
			if len(samples) == maxSamples {
				return samples
			}
		}
	}
	return samples
}
