// Package filter decides whether a candidate page is worth processing.
package filter

import (
	"errors"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/linksmith/chrono-scraper-sub004/internal/archive"
)

// Stage identifies when a rule runs relative to the fetch.
type Stage int

// Filter stages.
const (
	StagePre Stage = iota
	StagePost
)

func (s Stage) String() string {
	if s == StagePost {
		return "post"
	}
	return "pre"
}

// Policy decides what happens to a page a rule matches.
type Policy string

// Supported policies.
const (
	PolicyAutoSkip      Policy = "auto_skip"
	PolicyHoldForReview Policy = "hold_for_review"
)

// Subject is what rules inspect. Observed fields are zero before the fetch.
type Subject struct {
	URL            *url.URL
	DeclaredType   string
	DeclaredLength int64
	ObservedType   string
	ObservedLength int64
	WordCount      int
}

// NewSubject parses normalizedURL and seeds the declared candidate metadata.
func NewSubject(normalizedURL string, c archive.ScrapeCandidate) (Subject, error) {
	u, err := url.Parse(normalizedURL)
	if err != nil {
		return Subject{}, fmt.Errorf("parse subject url: %w", err)
	}
	return Subject{URL: u, DeclaredType: c.MimeType, DeclaredLength: c.Length}, nil
}

// Rule is one heuristic. Evaluate reports a match with a human-readable reason.
type Rule interface {
	Name() string
	Category() archive.FilterCategory
	Evaluate(stage Stage, s Subject) (bool, string, error)
}

// Decision is the outcome of running the engine.
type Decision struct {
	Matched  bool
	Rule     string
	Category archive.FilterCategory
	Reason   string
	Status   archive.PageStatus
}

// Engine evaluates an ordered rule list; the first match wins.
type Engine struct {
	rules  []Rule
	policy Policy
	logger *zap.Logger
}

// New builds an Engine.
func New(rules []Rule, policy Policy, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy == "" {
		policy = PolicyAutoSkip
	}
	return &Engine{rules: rules, policy: policy, logger: logger}
}

// Policy returns the configured policy.
func (e *Engine) Policy() Policy { return e.policy }

// Evaluate runs every rule for stage. Rules that fail are logged and treated as no match.
func (e *Engine) Evaluate(stage Stage, s Subject) Decision {
	for _, rule := range e.rules {
		matched, reason, err := e.safeEvaluate(rule, stage, s)
		if err != nil {
			e.logger.Warn("filter rule failed",
				zap.String("rule", rule.Name()),
				zap.String("stage", stage.String()),
				zap.Error(err),
			)
			continue
		}
		if !matched {
			continue
		}
		status := rule.Category().FilteredStatus()
		if e.policy == PolicyHoldForReview {
			status = archive.StatusAwaitingManualReview
		}
		return Decision{
			Matched:  true,
			Rule:     rule.Name(),
			Category: rule.Category(),
			Reason:   reason,
			Status:   status,
		}
	}
	return Decision{}
}

func (e *Engine) safeEvaluate(rule Rule, stage Stage, s Subject) (matched bool, reason string, err error) {
	defer func() {
		if r := recover(); r != nil {
			matched, reason = false, ""
			err = fmt.Errorf("%w: rule %s panicked: %v", archive.ErrFilter, rule.Name(), r)
		}
	}()
	matched, reason, err = rule.Evaluate(stage, s)
	if err != nil && !errors.Is(err, archive.ErrFilter) {
		err = fmt.Errorf("%w: rule %s: %v", archive.ErrFilter, rule.Name(), err)
	}
	return matched, reason, err
}
