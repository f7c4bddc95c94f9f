package guardrail

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bradax/broker/internal/core"
)

type sinkEvent struct {
	requestID   string
	projectID   string
	ruleID      string
	action      string
	severity    string
	contentType string
	details     string
}

type captureSink struct {
	triggers []sinkEvent
	errors   []sinkEvent
}

func (c *captureSink) RecordGuardrailTrigger(requestID, projectID, ruleID, action, severity, contentType, details string) {
	c.triggers = append(c.triggers, sinkEvent{requestID, projectID, ruleID, action, severity, contentType, details})
}

func (c *captureSink) RecordEngineError(requestID, projectID, ruleID, contentType string, err error) {
	c.errors = append(c.errors, sinkEvent{requestID: requestID, projectID: projectID, ruleID: ruleID, contentType: contentType, details: err.Error()})
}

func mustCompile(t *testing.T, r Rule) *CompiledRule {
	t.Helper()
	cr, err := Compile(r)
	require.NoError(t, err)
	return cr
}

func TestEvaluateApprovesCleanContent(t *testing.T) {
	sink := &captureSink{}
	eng := NewEngine(sink)

	rules := []*CompiledRule{
		mustCompile(t, Rule{
			RuleID: "no_secrets", Name: "No secrets", Category: "compliance",
			Severity: "high", Action: "block",
			Keywords: []string{"password"}, Enabled: true,
		}),
	}

	res := eng.Evaluate("req-1", "proj_alpha", "what is the capital of France", ContentTypePrompt, rules)

	assert.True(t, res.Allowed)
	assert.Empty(t, res.TriggeredRules)
	assert.Equal(t, ActionAllow, res.Action)
	assert.Equal(t, "approved", res.Reason)
	assert.Equal(t, "proj_alpha", res.Metadata.ProjectID)
	assert.Equal(t, ContentTypePrompt, res.Metadata.ContentType)
	assert.Equal(t, 1, res.Metadata.TotalRulesChecked)
	assert.Empty(t, sink.triggers)
}

func TestEvaluateBlocksOnKeywordCaseInsensitive(t *testing.T) {
	sink := &captureSink{}
	eng := NewEngine(sink)

	rules := []*CompiledRule{
		mustCompile(t, Rule{
			RuleID: "no_python", Name: "No python", Category: "business",
			Severity: "high", Action: "block",
			Keywords: []string{"python"}, Enabled: true,
		}),
	}

	res := eng.Evaluate("req-2", "proj_alpha", "Tell me about PYTHON scripting", ContentTypePrompt, rules)

	assert.False(t, res.Allowed)
	assert.Equal(t, ActionBlock, res.Action)
	assert.Equal(t, []string{"no_python"}, res.TriggeredRules)
	require.Len(t, sink.triggers, 1)
	assert.Equal(t, "no_python", sink.triggers[0].ruleID)
	assert.Equal(t, "block", sink.triggers[0].action)
	assert.Equal(t, ContentTypePrompt, sink.triggers[0].contentType)
}

func TestEvaluateUnicodeFolding(t *testing.T) {
	eng := NewEngine(nil)

	rules := []*CompiledRule{
		mustCompile(t, Rule{
			RuleID: "no_strasse", Name: "Street names", Category: "other",
			Severity: "low", Action: "flag",
			Keywords: []string{"straße"}, Enabled: true,
		}),
	}

	// Case folding maps ß to ss, so the uppercase spelling still matches.
	res := eng.Evaluate("req-3", "proj_alpha", "meet me at the HAUPTSTRASSE", ContentTypePrompt, rules)
	assert.Equal(t, []string{"no_strasse"}, res.TriggeredRules)
	assert.True(t, res.Allowed)
	assert.Equal(t, ActionFlag, res.Action)
}

func TestEvaluateWhitelistIsRuleLocal(t *testing.T) {
	eng := NewEngine(nil)

	rules := []*CompiledRule{
		mustCompile(t, Rule{
			RuleID: "block_acme", Name: "Acme mentions", Category: "business",
			Severity: "medium", Action: "block",
			Keywords:  []string{"acme"},
			Whitelist: []string{"acme status page"},
			Enabled:   true,
		}),
		mustCompile(t, Rule{
			RuleID: "flag_status", Name: "Status mentions", Category: "other",
			Severity: "low", Action: "flag",
			Keywords: []string{"status"}, Enabled: true,
		}),
	}

	// The whitelist phrase suppresses block_acme but flag_status still fires.
	res := eng.Evaluate("req-4", "proj_alpha", "link the ACME status page please", ContentTypePrompt, rules)
	assert.True(t, res.Allowed)
	assert.Equal(t, []string{"flag_status"}, res.TriggeredRules)
	assert.Equal(t, ActionFlag, res.Action)
}

func TestEvaluatePatternNameActsAsKeyword(t *testing.T) {
	eng := NewEngine(nil)

	rules := []*CompiledRule{
		mustCompile(t, Rule{
			RuleID: "pii", Name: "PII", Category: "compliance",
			Severity: "critical", Action: "block",
			Patterns: map[string]string{"ssn": `\d{3}-\d{2}-\d{4}`},
			Enabled:  true,
		}),
	}

	// No digit pattern present, but the pattern name "ssn" appears as text.
	res := eng.Evaluate("req-5", "proj_alpha", "store the SSN in the vault", ContentTypePrompt, rules)
	assert.False(t, res.Allowed)
	assert.Equal(t, []string{"pii"}, res.TriggeredRules)

	res = eng.Evaluate("req-6", "proj_alpha", "my number is 123-45-6789", ContentTypePrompt, rules)
	assert.False(t, res.Allowed)
	assert.Equal(t, []string{"pii"}, res.TriggeredRules)
}

func TestEvaluateSanitizeRedactsEveryMatch(t *testing.T) {
	sink := &captureSink{}
	eng := NewEngine(sink)

	rules := []*CompiledRule{
		mustCompile(t, Rule{
			RuleID: "redact_email", Name: "Emails", Category: "compliance",
			Severity: "medium", Action: "sanitize",
			Patterns: map[string]string{"email": `[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`},
			Keywords: []string{"confidential"},
			Enabled:  true,
		}),
	}

	content := "Confidential: reach alice@example.com or bob@example.com"
	res := eng.Evaluate("req-7", "proj_alpha", content, ContentTypeResponse, rules)

	assert.True(t, res.Allowed)
	assert.Equal(t, ActionSanitize, res.Action)
	require.NotEmpty(t, res.SanitizedContent)
	assert.NotContains(t, res.SanitizedContent, "alice@example.com")
	assert.NotContains(t, res.SanitizedContent, "bob@example.com")
	assert.NotContains(t, strings.ToLower(res.SanitizedContent), "confidential")
	assert.Contains(t, res.SanitizedContent, RedactionToken)
	require.Len(t, sink.triggers, 1)
	assert.Equal(t, "sanitize", sink.triggers[0].action)
}

func TestEvaluateDominanceOrder(t *testing.T) {
	eng := NewEngine(nil)

	flag := mustCompile(t, Rule{
		RuleID: "r_flag", Name: "f", Category: "other",
		Severity: "low", Action: "flag", Keywords: []string{"alpha"}, Enabled: true,
	})
	sanitizeRule := mustCompile(t, Rule{
		RuleID: "r_san", Name: "s", Category: "other",
		Severity: "medium", Action: "sanitize", Keywords: []string{"beta"}, Enabled: true,
	})
	block := mustCompile(t, Rule{
		RuleID: "r_block", Name: "b", Category: "other",
		Severity: "high", Action: "block", Keywords: []string{"gamma"}, Enabled: true,
	})

	res := eng.Evaluate("req-8", "p", "alpha beta", ContentTypePrompt, []*CompiledRule{flag, sanitizeRule, block})
	assert.True(t, res.Allowed)
	assert.Equal(t, ActionSanitize, res.Action)
	assert.Equal(t, SeverityMedium, res.Severity)

	res = eng.Evaluate("req-9", "p", "alpha beta gamma", ContentTypePrompt, []*CompiledRule{flag, sanitizeRule, block})
	assert.False(t, res.Allowed)
	assert.Equal(t, ActionBlock, res.Action)
	assert.Equal(t, SeverityHigh, res.Severity)
	assert.Len(t, res.TriggeredRules, 3)
}

func TestEvaluateAllowedIffNotBlocked(t *testing.T) {
	eng := NewEngine(nil)
	rules := []*CompiledRule{
		mustCompile(t, Rule{
			RuleID: "b1", Name: "b1", Category: "other",
			Severity: "high", Action: "block", Keywords: []string{"forbidden"}, Enabled: true,
		}),
		mustCompile(t, Rule{
			RuleID: "f1", Name: "f1", Category: "other",
			Severity: "low", Action: "flag", Keywords: []string{"odd"}, Enabled: true,
		}),
	}

	for _, content := range []string{"plain", "odd request", "forbidden topic", "odd and forbidden"} {
		res := eng.Evaluate("req", "p", content, ContentTypePrompt, rules)
		assert.Equal(t, res.Action != ActionBlock, res.Allowed, "content %q", content)
	}
}

func TestComposeRulesAppendsWithoutMutatingBase(t *testing.T) {
	base := []*CompiledRule{
		mustCompile(t, Rule{
			RuleID: "shared", Name: "shared", Category: "other",
			Severity: "low", Action: "flag", Keywords: []string{"x"}, Enabled: true,
		}),
	}

	composed, err := ComposeRules(base, []core.CustomRule{
		{RuleID: "no_python", Keywords: []string{"python"}},
	})
	require.NoError(t, err)
	require.Len(t, composed, 2)
	assert.Len(t, base, 1)

	// Defaults for an elided custom rule: block at high severity.
	custom := composed[1]
	assert.Equal(t, ActionBlock, custom.action)
	assert.Equal(t, SeverityHigh, custom.severity)
	assert.Equal(t, "other", custom.Category)
}

func TestComposeRulesRejectsInvalidRegex(t *testing.T) {
	_, err := ComposeRules(nil, []core.CustomRule{
		{RuleID: "broken", Patterns: map[string]string{"bad": "("}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "custom guardrail invalid")
}

func TestComposeRulesRejectsBadEnums(t *testing.T) {
	_, err := ComposeRules(nil, []core.CustomRule{
		{RuleID: "bad_action", Action: "explode", Keywords: []string{"x"}},
	})
	require.Error(t, err)

	_, err = ComposeRules(nil, []core.CustomRule{
		{RuleID: "bad_sev", Severity: "apocalyptic", Keywords: []string{"x"}},
	})
	require.Error(t, err)
}

func TestCompileRejectsSanitizeWithoutMatchers(t *testing.T) {
	_, err := Compile(Rule{
		RuleID: "empty_san", Name: "n", Category: "other",
		Severity: "low", Action: "sanitize", Enabled: true,
	})
	require.Error(t, err)
}

func TestViolationDetailsTruncated(t *testing.T) {
	long := make([]string, 0, 40)
	for i := 0; i < 40; i++ {
		long = append(long, "averylongkeywordindeed")
	}
	d := violationDetails(trigger{matchedKeywords: long})
	assert.LessOrEqual(t, len([]rune(d)), excerptBudget)
}
