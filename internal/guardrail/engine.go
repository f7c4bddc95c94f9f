package guardrail

import (
	"fmt"
	"log"
	"regexp"
	"strings"
)

// RedactionToken replaces every sanitized keyword and regex hit.
const RedactionToken = "[REDACTED]"

// excerptBudget caps violation detail strings so raw content never leaks
// into the guardrail stream beyond a small excerpt.
const excerptBudget = 160

// ContentType tags which side of the provider call is being evaluated.
const (
	ContentTypePrompt   = "prompt"
	ContentTypeResponse = "response"
)

// EventSink receives guardrail events as they happen. The telemetry writer
// implements it; tests use a capture.
type EventSink interface {
	RecordGuardrailTrigger(requestID, projectID, ruleID, action, severity, contentType, details string)
	RecordEngineError(requestID, projectID, ruleID, contentType string, err error)
}

// ResultMetadata describes the evaluation context of a Result.
type ResultMetadata struct {
	ContentType       string `json:"content_type"`
	ProjectID         string `json:"project_id"`
	TotalRulesChecked int    `json:"total_rules_checked"`
}

// Result is the outcome of evaluating one piece of content.
type Result struct {
	Allowed          bool           `json:"allowed"`
	TriggeredRules   []string       `json:"triggered_rules"`
	Action           Action         `json:"-"`
	ActionName       string         `json:"action"`
	Severity         Severity       `json:"-"`
	SeverityName     string         `json:"severity"`
	SanitizedContent string         `json:"sanitized_content,omitempty"`
	Reason           string         `json:"reason"`
	Metadata         ResultMetadata `json:"metadata"`
}

// Engine evaluates content against a rule snapshot. It is stateless across
// requests; all state lives in the snapshot passed to Evaluate.
type Engine struct {
	sink   EventSink
	logger *log.Logger
}

// NewEngine wires the engine to its event sink.
func NewEngine(sink EventSink) *Engine {
	return &Engine{
		sink:   sink,
		logger: log.New(log.Writer(), "[GUARDRAIL] ", log.LstdFlags),
	}
}

type trigger struct {
	rule            *CompiledRule
	matchedKeywords []string
	regexHits       int
}

// Evaluate runs the two-phase deterministic check: whitelist suppression,
// keyword containment (case-folded), then the combined regex. Triggers
// aggregate under the dominance order block > sanitize > flag > allow.
// A panic inside any single rule is contained and forces a block
// (fail-closed at the engine level).
func (e *Engine) Evaluate(requestID, projectID, content, contentType string, rules []*CompiledRule) Result {
	foldedContent := fold(content)

	var triggers []trigger
	engineFailed := false

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		func(rule *CompiledRule) {
			defer func() {
				if r := recover(); r != nil {
					engineFailed = true
					err := fmt.Errorf("rule %s panicked: %v", rule.RuleID, r)
					e.logger.Printf("⚠️ %v", err)
					if e.sink != nil {
						e.sink.RecordEngineError(requestID, projectID, rule.RuleID, contentType, err)
					}
				}
			}()

			// Whitelist suppression is rule-local: a hit skips this rule
			// only.
			for _, w := range rule.foldedWhitelist {
				if strings.Contains(foldedContent, w) {
					return
				}
			}

			var matched []string
			for _, kw := range rule.effectiveKeywords {
				if strings.Contains(foldedContent, kw) {
					matched = append(matched, kw)
				}
			}

			hits := 0
			if rule.combined != nil {
				hits = len(rule.combined.FindAllStringIndex(content, -1))
			}

			if len(matched) > 0 || hits > 0 {
				triggers = append(triggers, trigger{rule: rule, matchedKeywords: matched, regexHits: hits})
			}
		}(rule)
	}

	dominant := ActionAllow
	maxSeverity := SeverityLow
	ruleIDs := make([]string, 0, len(triggers))
	for _, t := range triggers {
		ruleIDs = append(ruleIDs, t.rule.RuleID)
		if t.rule.action > dominant {
			dominant = t.rule.action
		}
		if t.rule.severity > maxSeverity {
			maxSeverity = t.rule.severity
		}
	}
	if engineFailed {
		dominant = ActionBlock
		maxSeverity = SeverityCritical
	}

	result := Result{
		Allowed:        dominant != ActionBlock,
		TriggeredRules: ruleIDs,
		Action:         dominant,
		ActionName:     dominant.String(),
		Severity:       maxSeverity,
		SeverityName:   maxSeverity.String(),
		Metadata: ResultMetadata{
			ContentType:       contentType,
			ProjectID:         projectID,
			TotalRulesChecked: len(rules),
		},
	}

	switch {
	case engineFailed:
		result.Reason = "rule evaluation failure, blocked fail-closed"
	case dominant == ActionBlock:
		result.Reason = fmt.Sprintf("blocked by %d rule(s)", len(ruleIDs))
	case dominant == ActionSanitize:
		result.Reason = "sanitized"
	case len(ruleIDs) > 0:
		result.Reason = "flagged for review"
	default:
		result.Reason = "approved"
	}

	if dominant == ActionSanitize {
		result.SanitizedContent = sanitize(content, triggers)
	}

	if e.sink != nil {
		for _, t := range triggers {
			e.sink.RecordGuardrailTrigger(
				requestID, projectID,
				t.rule.RuleID,
				t.rule.action.String(),
				t.rule.severity.String(),
				contentType,
				violationDetails(t),
			)
		}
	}

	if !result.Allowed {
		e.logger.Printf("🚫 blocked %s content for project %s (%d rules)", contentType, projectID, len(ruleIDs))
	}
	return result
}

// sanitize replaces every matched keyword and every regex hit of the
// triggered rules with the redaction token. The input content is never
// mutated; a new string is returned.
func sanitize(content string, triggers []trigger) string {
	out := content
	for _, t := range triggers {
		for _, re := range t.rule.keywordMatchers() {
			out = re.ReplaceAllString(out, RedactionToken)
		}
		if t.rule.combined != nil {
			out = t.rule.combined.ReplaceAllString(out, RedactionToken)
		}
	}
	return out
}

// keywordMatchers builds case-insensitive literal matchers for the rule's
// effective keywords. Compiled lazily and cached per rule.
func (cr *CompiledRule) keywordMatchers() []*regexp.Regexp {
	cr.matcherOnce.Do(func() {
		for _, kw := range cr.effectiveKeywords {
			cr.matchers = append(cr.matchers, regexp.MustCompile("(?i)"+regexp.QuoteMeta(kw)))
		}
	})
	return cr.matchers
}

func violationDetails(t trigger) string {
	var parts []string
	if len(t.matchedKeywords) > 0 {
		parts = append(parts, "keyword match: "+strings.Join(t.matchedKeywords, ", "))
	}
	if t.regexHits > 0 {
		parts = append(parts, fmt.Sprintf("pattern match: %d occurrence(s)", t.regexHits))
	}
	details := strings.Join(parts, "; ")
	if runes := []rune(details); len(runes) > excerptBudget {
		details = string(runes[:excerptBudget])
	}
	return details
}
