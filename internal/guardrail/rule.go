// Package guardrail implements the deterministic two-phase content policy
// engine: rule loading with fail-fast validation, per-request rule
// composition, and evaluation with block/sanitize/flag/allow dominance.
package guardrail

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/cases"

	"github.com/bradax/broker/internal/core"
)

// Severity levels, ordered low to critical.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

func (s Severity) String() string { return severityNames[s] }

// ParseSeverity accepts the file enum case-insensitively.
func ParseSeverity(v string) (Severity, error) {
	switch strings.ToLower(v) {
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	}
	return 0, fmt.Errorf("unknown severity %q", v)
}

// Action is what a triggered rule does to the request. The numeric order
// is the dominance order: block > sanitize > flag > allow.
type Action int

const (
	ActionAllow Action = iota
	ActionFlag
	ActionSanitize
	ActionBlock
)

var actionNames = map[Action]string{
	ActionAllow:    "allow",
	ActionFlag:     "flag",
	ActionSanitize: "sanitize",
	ActionBlock:    "block",
}

func (a Action) String() string { return actionNames[a] }

// ParseAction accepts the file enum case-insensitively.
func ParseAction(v string) (Action, error) {
	switch strings.ToLower(v) {
	case "allow":
		return ActionAllow, nil
	case "flag":
		return ActionFlag, nil
	case "sanitize":
		return ActionSanitize, nil
	case "block":
		return ActionBlock, nil
	}
	return 0, fmt.Errorf("unknown action %q", v)
}

// Rule is one policy unit as configured in guardrails.json.
type Rule struct {
	RuleID      string            `json:"rule_id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Category    string            `json:"category"`
	Severity    string            `json:"severity"`
	Action      string            `json:"action"`
	Patterns    map[string]string `json:"patterns,omitempty"`
	Keywords    []string          `json:"keywords,omitempty"`
	Whitelist   []string          `json:"whitelist,omitempty"`
	Enabled     bool              `json:"enabled"`
}

// foldCaser performs Unicode case folding; keyword and whitelist matching
// compare folded text, not just ASCII case.
var foldCaser = cases.Fold()

func fold(s string) string { return foldCaser.String(s) }

// CompiledRule is a Rule with its regexes compiled and its keyword sets
// folded, ready for evaluation.
type CompiledRule struct {
	Rule

	severity Severity
	action   Action

	// combined is the alternation (p1)|(p2)|... over the named patterns,
	// case-insensitive. Nil when the rule has no patterns.
	combined *regexp.Regexp

	// effectiveKeywords is keywords ∪ pattern names, case-folded.
	effectiveKeywords []string
	foldedWhitelist   []string

	// matchers are per-keyword literal regexes used only by sanitize.
	matcherOnce sync.Once
	matchers    []*regexp.Regexp
}

// Compile validates a rule and prepares it for evaluation. Every regex
// must compile; a sanitize rule must have at least one matcher.
func Compile(r Rule) (*CompiledRule, error) {
	if r.RuleID == "" {
		return nil, fmt.Errorf("guardrail rule without rule_id")
	}

	sev, err := ParseSeverity(r.Severity)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", r.RuleID, err)
	}
	act, err := ParseAction(r.Action)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", r.RuleID, err)
	}
	if act == ActionSanitize && len(r.Keywords) == 0 && len(r.Patterns) == 0 {
		return nil, fmt.Errorf("rule %s: action=sanitize requires at least one keyword or pattern", r.RuleID)
	}

	cr := &CompiledRule{Rule: r, severity: sev, action: act}

	if len(r.Patterns) > 0 {
		names := make([]string, 0, len(r.Patterns))
		for name := range r.Patterns {
			names = append(names, name)
		}
		sort.Strings(names)

		parts := make([]string, 0, len(names))
		for _, name := range names {
			expr := r.Patterns[name]
			if _, err := regexp.Compile(expr); err != nil {
				return nil, fmt.Errorf("rule %s: pattern %q does not compile: %w", r.RuleID, name, err)
			}
			parts = append(parts, "("+expr+")")
		}
		combined, err := regexp.Compile("(?i)" + strings.Join(parts, "|"))
		if err != nil {
			return nil, fmt.Errorf("rule %s: combined pattern does not compile: %w", r.RuleID, err)
		}
		cr.combined = combined

		for _, name := range names {
			cr.effectiveKeywords = append(cr.effectiveKeywords, fold(name))
		}
	}
	for _, kw := range r.Keywords {
		if kw != "" {
			cr.effectiveKeywords = append(cr.effectiveKeywords, fold(kw))
		}
	}
	for _, w := range r.Whitelist {
		if w != "" {
			cr.foldedWhitelist = append(cr.foldedWhitelist, fold(w))
		}
	}
	return cr, nil
}

// ComposeRules validates caller-provided rules and appends them to the base
// set for this request only. An invalid custom rule (bad regex, bad enum)
// fails the whole composition; the shared rule set is never touched.
func ComposeRules(base []*CompiledRule, custom []core.CustomRule) ([]*CompiledRule, error) {
	if len(custom) == 0 {
		return base, nil
	}

	out := make([]*CompiledRule, len(base), len(base)+len(custom))
	copy(out, base)

	for _, c := range custom {
		r := Rule{
			RuleID:   c.RuleID,
			Name:     c.RuleID,
			Category: c.Category,
			Severity: c.Severity,
			Action:   c.Action,
			Patterns: c.Patterns,
			Keywords: c.Keywords,
			Enabled:  true,
		}
		if r.Category == "" {
			r.Category = "other"
		}
		if r.Severity == "" {
			r.Severity = "high"
		}
		if r.Action == "" {
			r.Action = "block"
		}
		cr, err := Compile(r)
		if err != nil {
			return nil, fmt.Errorf("custom guardrail invalid: %w", err)
		}
		out = append(out, cr)
	}
	return out, nil
}
