package guardrail

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeGuardrailFile(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "guardrails.json"), []byte(content), 0o644))
}

const validGuardrails = `[
  {
    "rule_id": "no_python",
    "name": "Block Python topics",
    "category": "business",
    "severity": "high",
    "action": "block",
    "keywords": ["python"],
    "enabled": true
  },
  {
    "rule_id": "flag_legacy",
    "name": "Flag legacy mentions",
    "category": "other",
    "severity": "low",
    "action": "flag",
    "keywords": ["cobol"],
    "enabled": false
  }
]`

func TestStoreLoadsOnlyEnabledRules(t *testing.T) {
	dir := t.TempDir()
	writeGuardrailFile(t, dir, validGuardrails)

	s, err := NewStore(dir)
	require.NoError(t, err)

	rules := s.Rules()
	require.Len(t, rules, 1)
	assert.Equal(t, "no_python", rules[0].RuleID)

	stats := s.Stats()
	assert.Equal(t, 2, stats["total_rules"])
	assert.Equal(t, 1, stats["active_rules"])
}

func TestStoreRejectsMissingFile(t *testing.T) {
	_, err := NewStore(t.TempDir())
	require.Error(t, err)
}

func TestStoreRejectsDuplicateRuleID(t *testing.T) {
	dir := t.TempDir()
	writeGuardrailFile(t, dir, `[
	  {"rule_id": "dup", "name": "a", "category": "other", "severity": "low", "action": "flag", "keywords": ["x"], "enabled": true},
	  {"rule_id": "dup", "name": "b", "category": "other", "severity": "low", "action": "flag", "keywords": ["y"], "enabled": true}
	]`)
	_, err := NewStore(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate rule_id")
}

func TestStoreRejectsSchemaViolations(t *testing.T) {
	dir := t.TempDir()
	writeGuardrailFile(t, dir, `[{"rule_id": "x", "name": "n", "category": "not_a_category", "severity": "low", "action": "flag"}]`)
	_, err := NewStore(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema validation")
}

func TestStoreRejectsBadRegexAtLoad(t *testing.T) {
	dir := t.TempDir()
	writeGuardrailFile(t, dir, `[{"rule_id": "x", "name": "n", "category": "other", "severity": "low", "action": "block", "patterns": {"bad": "("}, "enabled": true}]`)
	_, err := NewStore(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not compile")
}

func TestReloadKeepsOldSnapshotOnFailure(t *testing.T) {
	dir := t.TempDir()
	writeGuardrailFile(t, dir, validGuardrails)

	s, err := NewStore(dir)
	require.NoError(t, err)
	before := s.Rules()

	writeGuardrailFile(t, dir, `not json at all`)
	require.Error(t, s.Reload())

	// Failed reload must not disturb the serving snapshot.
	after := s.Rules()
	require.Len(t, after, len(before))
	assert.Equal(t, before[0].RuleID, after[0].RuleID)
}

func TestReloadSwapsSnapshot(t *testing.T) {
	dir := t.TempDir()
	writeGuardrailFile(t, dir, validGuardrails)

	s, err := NewStore(dir)
	require.NoError(t, err)

	writeGuardrailFile(t, dir, `[
	  {"rule_id": "no_rust", "name": "Block Rust topics", "category": "business", "severity": "high", "action": "block", "keywords": ["rust"], "enabled": true}
	]`)
	require.NoError(t, s.Reload())

	rules := s.Rules()
	require.Len(t, rules, 1)
	assert.Equal(t, "no_rust", rules[0].RuleID)
}
