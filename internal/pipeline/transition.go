package pipeline

import (
	"strings"

	"github.com/juanpark/slough-ai/internal/policy"
)

const (
	// RuleAnswerPrefix heads every answer produced by a matching rule.
	RuleAnswerPrefix = "📋 [규칙 적용]\n"

	// RefusalAnswer is returned for prohibited topics.
	RefusalAnswer = "죄송합니다. 이 주제는 법적·재무적·운영상 판단이 필요한 영역으로, " +
		"AI가 답변을 제공할 수 없습니다. 직접 의사결정자에게 문의해 주세요."

	// GenerationFailedAnswer is returned when the model call fails.
	GenerationFailedAnswer = "죄송합니다. 답변 생성 중 오류가 발생했습니다. 잠시 후 다시 시도해 주세요."
)

// Transition returns the state that follows s once its node has updated ps.
// It only routes; nodes do the work.
func Transition(s State, ps PipelineState) State {
	switch s {
	case StateCheckRules:
		if ps.IsRuleMatched {
			return StateEnd
		}
		return StateCheckSafety
	case StateCheckSafety:
		if ps.IsSafe {
			return StateRetrieve
		}
		return StateRefuse
	case StateRetrieve:
		return StateGenerate
	default:
		return StateEnd
	}
}

// checkRules answers from the first rule whose text appears in the question,
// ignoring case.
func checkRules(ps PipelineState) PipelineState {
	question := strings.ToLower(ps.Question)
	for i := range ps.Rules {
		rule := ps.Rules[i]
		if rule.Text == "" {
			continue
		}
		if strings.Contains(question, strings.ToLower(rule.Text)) {
			ps.Answer = RuleAnswerPrefix + rule.Text
			ps.IsRuleMatched = true
			ps.MatchedRule = &rule
			return ps
		}
	}
	ps.IsRuleMatched = false
	return ps
}

// checkSafety applies the prohibited and high-risk classifiers.
func checkSafety(ps PipelineState, classifier *policy.Classifier) PipelineState {
	verdict := classifier.Classify(ps.Question)
	if verdict.IsProhibited {
		ps.IsSafe = false
		ps.IsProhibited = true
		ps.IsHighRisk = false
		return ps
	}
	ps.IsSafe = true
	ps.IsProhibited = false
	ps.IsHighRisk = verdict.IsHighRisk
	return ps
}

func refuse(ps PipelineState) PipelineState {
	ps.Answer = RefusalAnswer
	return ps
}
