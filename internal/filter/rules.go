package filter

import (
	"fmt"
	"mime"
	"regexp"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/linksmith/chrono-scraper-sub004/internal/archive"
)

// Config holds rule parameters. Zero thresholds and empty lists disable a rule.
type Config struct {
	Policy               string
	DuplicateQueryParams []string
	ListPagePatterns     []string
	MaxBytes             int64
	AllowedContentTypes  []string
	MinWordCount         int
	CustomRules          []CustomRule
}

// CustomRule matches a regular expression against one URL field.
type CustomRule struct {
	Name    string `mapstructure:"name"`
	Field   string `mapstructure:"field"`
	Pattern string `mapstructure:"pattern"`
}

// Build compiles cfg into an Engine with the built-in rule order.
func Build(cfg Config, logger *zap.Logger) (*Engine, error) {
	var rules []Rule
	if len(cfg.DuplicateQueryParams) > 0 {
		rules = append(rules, NewDuplicateQueryRule(cfg.DuplicateQueryParams))
	}
	if len(cfg.ListPagePatterns) > 0 {
		r, err := NewListPageRule(cfg.ListPagePatterns)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	if cfg.MaxBytes > 0 {
		rules = append(rules, SizeRule{MaxBytes: cfg.MaxBytes})
	}
	if len(cfg.AllowedContentTypes) > 0 {
		rules = append(rules, NewTypeRule(cfg.AllowedContentTypes))
	}
	for _, c := range cfg.CustomRules {
		r, err := NewCustomRule(c)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	if cfg.MinWordCount > 0 {
		rules = append(rules, LowQualityRule{MinWords: cfg.MinWordCount})
	}
	policy := Policy(cfg.Policy)
	switch policy {
	case "", PolicyAutoSkip, PolicyHoldForReview:
	default:
		return nil, fmt.Errorf("unknown filter policy %q", cfg.Policy)
	}
	return New(rules, policy, logger), nil
}

// DuplicateQueryRule flags URLs carrying parameters that only reorder or track
// content already reachable elsewhere.
type DuplicateQueryRule struct {
	params []string
}

// NewDuplicateQueryRule lower-cases params for matching.
func NewDuplicateQueryRule(params []string) DuplicateQueryRule {
	out := make([]string, 0, len(params))
	for _, p := range params {
		out = append(out, strings.ToLower(strings.TrimSpace(p)))
	}
	return DuplicateQueryRule{params: out}
}

func (DuplicateQueryRule) Name() string                     { return "duplicate_query" }
func (DuplicateQueryRule) Category() archive.FilterCategory { return archive.FilterDuplicate }

// Evaluate implements Rule.
func (r DuplicateQueryRule) Evaluate(stage Stage, s Subject) (bool, string, error) {
	if stage != StagePre || s.URL == nil {
		return false, "", nil
	}
	for key := range s.URL.Query() {
		if slices.Contains(r.params, strings.ToLower(key)) {
			return true, fmt.Sprintf("query parameter %q marks a duplicate view", key), nil
		}
	}
	return false, "", nil
}

// ListPageRule flags index, pagination and archive listing paths.
type ListPageRule struct {
	patterns []*regexp.Regexp
}

// NewListPageRule compiles path patterns.
func NewListPageRule(patterns []string) (ListPageRule, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return ListPageRule{}, fmt.Errorf("list page pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return ListPageRule{patterns: compiled}, nil
}

func (ListPageRule) Name() string                     { return "list_page" }
func (ListPageRule) Category() archive.FilterCategory { return archive.FilterListPage }

// Evaluate implements Rule.
func (r ListPageRule) Evaluate(stage Stage, s Subject) (bool, string, error) {
	if stage != StagePre || s.URL == nil {
		return false, "", nil
	}
	for _, re := range r.patterns {
		if re.MatchString(s.URL.Path) {
			return true, fmt.Sprintf("path %q matches list pattern %s", s.URL.Path, re.String()), nil
		}
	}
	return false, "", nil
}

// SizeRule flags pages above a byte limit, declared before the fetch and observed after.
type SizeRule struct {
	MaxBytes int64
}

func (SizeRule) Name() string                     { return "size" }
func (SizeRule) Category() archive.FilterCategory { return archive.FilterSize }

// Evaluate implements Rule.
func (r SizeRule) Evaluate(stage Stage, s Subject) (bool, string, error) {
	length := s.DeclaredLength
	if stage == StagePost {
		length = s.ObservedLength
	}
	if r.MaxBytes <= 0 || length <= r.MaxBytes {
		return false, "", nil
	}
	return true, fmt.Sprintf("%s length %d exceeds %d bytes", stage, length, r.MaxBytes), nil
}

// TypeRule flags content types outside the allow list.
type TypeRule struct {
	allowed []string
}

// NewTypeRule normalizes the allow list to bare media types.
func NewTypeRule(allowed []string) TypeRule {
	out := make([]string, 0, len(allowed))
	for _, a := range allowed {
		out = append(out, mediaType(a))
	}
	return TypeRule{allowed: out}
}

func (TypeRule) Name() string                     { return "type" }
func (TypeRule) Category() archive.FilterCategory { return archive.FilterType }

// Evaluate implements Rule. An unknown type never matches.
func (r TypeRule) Evaluate(stage Stage, s Subject) (bool, string, error) {
	raw := s.DeclaredType
	if stage == StagePost {
		raw = s.ObservedType
	}
	mt := mediaType(raw)
	if mt == "" || mt == "unk" || mt == "-" {
		return false, "", nil
	}
	if slices.Contains(r.allowed, mt) {
		return false, "", nil
	}
	return true, fmt.Sprintf("content type %q not allowed", mt), nil
}

func mediaType(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return strings.ToLower(raw)
	}
	return mt
}

// LowQualityRule flags fetched pages with too little text.
type LowQualityRule struct {
	MinWords int
}

func (LowQualityRule) Name() string                     { return "low_quality" }
func (LowQualityRule) Category() archive.FilterCategory { return archive.FilterLowQuality }

// Evaluate implements Rule.
func (r LowQualityRule) Evaluate(stage Stage, s Subject) (bool, string, error) {
	if stage != StagePost || r.MinWords <= 0 {
		return false, "", nil
	}
	if s.WordCount >= r.MinWords {
		return false, "", nil
	}
	return true, fmt.Sprintf("word count %d below %d", s.WordCount, r.MinWords), nil
}

// RegexRule is a named, user-configured rule.
type RegexRule struct {
	name  string
	field string
	re    *regexp.Regexp
}

// NewCustomRule validates and compiles c.
func NewCustomRule(c CustomRule) (RegexRule, error) {
	if c.Name == "" {
		return RegexRule{}, fmt.Errorf("custom rule requires a name")
	}
	switch c.Field {
	case "url", "host", "path", "query":
	case "":
		c.Field = "url"
	default:
		return RegexRule{}, fmt.Errorf("custom rule %s: unknown field %q", c.Name, c.Field)
	}
	re, err := regexp.Compile(c.Pattern)
	if err != nil {
		return RegexRule{}, fmt.Errorf("custom rule %s: %w", c.Name, err)
	}
	return RegexRule{name: c.Name, field: c.Field, re: re}, nil
}

func (r RegexRule) Name() string                   { return "custom:" + r.name }
func (RegexRule) Category() archive.FilterCategory { return archive.FilterCustom }

// Evaluate implements Rule.
func (r RegexRule) Evaluate(stage Stage, s Subject) (bool, string, error) {
	if stage != StagePre || s.URL == nil {
		return false, "", nil
	}
	var value string
	switch r.field {
	case "host":
		value = s.URL.Hostname()
	case "path":
		value = s.URL.Path
	case "query":
		value = s.URL.RawQuery
	default:
		value = s.URL.String()
	}
	if !r.re.MatchString(value) {
		return false, "", nil
	}
	return true, fmt.Sprintf("rule %s matched %s", r.name, r.field), nil
}
