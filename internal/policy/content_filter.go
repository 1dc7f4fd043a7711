// Package policy classifies questions the answer bot must refuse or flag,
// and limits how often one asker can query it.
package policy

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Defaults for the prohibited-topic classifier. Questions containing any of
// these phrases ask for legal, financial, HR or personal decisions.
var (
	DefaultProhibitedPhrases = []string{
		// Legal
		"법률 자문", "법적 판단", "법적 책임", "소송 전략",
		// Contracts & termination
		"계약 해지", "해고 결정", "해고 통보", "징계 처분",
		// Financial decisions
		"투자 결정", "투자 승인", "자금 집행",
		// Compensation & resignation
		"연봉 결정", "연봉 협상", "퇴직금 결정", "퇴사 승인",
		// Interpersonal
		"개인적 조언", "사적인 문제",
	}

	DefaultProhibitedDomains = []string{
		"법률 판단", "최종 결정", "계약서 검토", "소송 대응",
	}

	// DefaultHighRiskKeywords are answered but flagged for the asker.
	DefaultHighRiskKeywords = []string{"계약", "해고", "투자", "법적", "소송", "퇴사", "연봉"}
)

// Keywords is the classifier configuration, loadable from YAML.
type Keywords struct {
	ProhibitedPhrases []string `yaml:"prohibited_phrases"`
	ProhibitedDomains []string `yaml:"prohibited_domains"`
	HighRisk          []string `yaml:"high_risk"`
}

// DefaultKeywords returns a copy of the built-in lists.
func DefaultKeywords() Keywords {
	return Keywords{
		ProhibitedPhrases: append([]string(nil), DefaultProhibitedPhrases...),
		ProhibitedDomains: append([]string(nil), DefaultProhibitedDomains...),
		HighRisk:          append([]string(nil), DefaultHighRiskKeywords...),
	}
}

// LoadKeywords reads a YAML override file. Lists missing from the file keep
// their defaults; an empty path returns the defaults.
func LoadKeywords(path string) (Keywords, error) {
	kw := DefaultKeywords()
	if path == "" {
		return kw, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return kw, fmt.Errorf("read policy file: %w", err)
	}

	var override Keywords
	if err := yaml.Unmarshal(data, &override); err != nil {
		return kw, fmt.Errorf("parse policy file: %w", err)
	}
	if override.ProhibitedPhrases != nil {
		kw.ProhibitedPhrases = override.ProhibitedPhrases
	}
	if override.ProhibitedDomains != nil {
		kw.ProhibitedDomains = override.ProhibitedDomains
	}
	if override.HighRisk != nil {
		kw.HighRisk = override.HighRisk
	}
	return kw, nil
}

// Verdict is the outcome of classifying one question.
type Verdict struct {
	IsProhibited bool
	IsHighRisk   bool
	// Matched lists prohibited phrases when prohibited, high-risk keywords
	// otherwise.
	Matched []string
}

// Classifier runs the prohibited-topic check and then the high-risk check.
// Matching is plain substring containment.
type Classifier struct {
	prohibited []string
	highRisk   []string
	logger     *zap.Logger
}

// NewClassifier creates a classifier from keyword lists.
func NewClassifier(kw Keywords, logger *zap.Logger) *Classifier {
	prohibited := make([]string, 0, len(kw.ProhibitedPhrases)+len(kw.ProhibitedDomains))
	prohibited = append(prohibited, kw.ProhibitedPhrases...)
	prohibited = append(prohibited, kw.ProhibitedDomains...)
	return &Classifier{
		prohibited: prohibited,
		highRisk:   kw.HighRisk,
		logger:     logger.Named("policy"),
	}
}

// Prohibited returns every prohibited phrase found in text.
func (c *Classifier) Prohibited(text string) []string {
	return matchAll(text, c.prohibited)
}

// HighRisk returns every high-risk keyword found in text.
func (c *Classifier) HighRisk(text string) []string {
	return matchAll(text, c.highRisk)
}

// Classify checks text. A prohibited question is never also reported as
// high risk.
func (c *Classifier) Classify(text string) Verdict {
	if matched := c.Prohibited(text); len(matched) > 0 {
		c.logger.Info("Prohibited topic detected", zap.Strings("matched", matched))
		return Verdict{IsProhibited: true, Matched: matched}
	}

	matched := c.HighRisk(text)
	if len(matched) > 0 {
		c.logger.Debug("High-risk keywords detected", zap.Strings("matched", matched))
	}
	return Verdict{IsHighRisk: len(matched) > 0, Matched: matched}
}

func matchAll(text string, terms []string) []string {
	var matched []string
	for _, term := range terms {
		if term != "" && strings.Contains(text, term) {
			matched = append(matched, term)
		}
	}
	return matched
}
