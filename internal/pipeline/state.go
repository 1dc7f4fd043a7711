package pipeline

import "github.com/juanpark/slough-ai/internal/llm"

// State is a node of the answer state machine.
type State int

const (
	StateCheckRules State = iota
	StateCheckSafety
	StateRetrieve
	StateGenerate
	StateRefuse
	StateEnd
)

func (s State) String() string {
	switch s {
	case StateCheckRules:
		return "check_rules"
	case StateCheckSafety:
		return "check_safety"
	case StateRetrieve:
		return "retrieve"
	case StateGenerate:
		return "generate"
	case StateRefuse:
		return "refuse"
	case StateEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Rule is a tenant-configured answer override. The text is both the match
// pattern and the answer body.
type Rule struct {
	ID   int64  `json:"id"`
	Text string `json:"rule_text"`
}

// PipelineState is the per-invocation working set. Nodes receive it by value
// and return the updated copy.
type PipelineState struct {
	Question string
	TenantID string
	AskerID  string
	Rules    []Rule
	// Messages is the prior conversation of the asker's thread, without the
	// current question.
	Messages []llm.Message

	IsRuleMatched bool
	MatchedRule   *Rule
	IsSafe        bool
	IsProhibited  bool
	IsHighRisk    bool
	Answer        string
	Context       []string
	SourcesUsed   int
}

// Result is what callers of the pipeline receive.
type Result struct {
	Answer        string `json:"answer"`
	IsHighRisk    bool   `json:"is_high_risk"`
	IsProhibited  bool   `json:"is_prohibited"`
	IsRuleMatched bool   `json:"is_rule_matched"`
	SourcesUsed   int    `json:"sources_used"`
	// MatchedRuleID is set when a rule answered the question.
	MatchedRuleID *int64 `json:"matched_rule_id,omitempty"`
}

func (ps PipelineState) result() Result {
	r := Result{
		Answer:        ps.Answer,
		IsHighRisk:    ps.IsHighRisk,
		IsProhibited:  ps.IsProhibited,
		IsRuleMatched: ps.IsRuleMatched,
		SourcesUsed:   ps.SourcesUsed,
	}
	if ps.MatchedRule != nil {
		id := ps.MatchedRule.ID
		r.MatchedRuleID = &id
	}
	return r
}
