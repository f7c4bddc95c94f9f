package guardrail

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// guardrailsSchema gates the rule file shape before compilation. Regex
// validity and the sanitize-needs-matcher rule are enforced by Compile.
const guardrailsSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["rule_id", "name", "category", "severity", "action"],
    "properties": {
      "rule_id": {"type": "string", "minLength": 1},
      "name": {"type": "string", "minLength": 1},
      "category": {"enum": ["content_safety", "business", "compliance", "other"]},
      "severity": {"type": "string"},
      "action": {"type": "string"},
      "patterns": {"type": "object", "additionalProperties": {"type": "string"}},
      "keywords": {"type": "array", "items": {"type": "string"}},
      "whitelist": {"type": "array", "items": {"type": "string"}},
      "enabled": {"type": "boolean"}
    }
  }
}`

var compiledGuardrailsSchema = jsonschema.MustCompileString("guardrails.schema.json", guardrailsSchema)

type ruleSnapshot struct {
	enabled []*CompiledRule
	total   int
}

// Store loads the shared rule set from guardrails.json once at startup and
// serves immutable snapshots. Reload is an explicit operator action; in
// between, the set is immutable during request handling.
type Store struct {
	path    string
	mu      sync.Mutex
	current atomic.Pointer[ruleSnapshot]
	logger  *log.Logger
}

// NewStore loads guardrails.json, compiling every rule; any invalid rule
// refuses startup.
func NewStore(dataDir string) (*Store, error) {
	s := &Store{
		path:   filepath.Join(dataDir, "guardrails.json"),
		logger: log.New(log.Writer(), "[GUARDRAIL] ", log.LstdFlags),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads and re-compiles the rule file, then swaps the snapshot
// atomically. In-flight evaluations keep the snapshot they captured.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("rule store: cannot read %s: %w", s.path, err)
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("rule store: %s is not valid JSON: %w", s.path, err)
	}
	if err := compiledGuardrailsSchema.Validate(generic); err != nil {
		return fmt.Errorf("rule store: %s failed schema validation: %w", s.path, err)
	}

	var rules []Rule
	if err := json.Unmarshal(raw, &rules); err != nil {
		return fmt.Errorf("rule store: cannot decode %s: %w", s.path, err)
	}

	seen := make(map[string]bool, len(rules))
	next := &ruleSnapshot{total: len(rules)}
	for _, r := range rules {
		if seen[r.RuleID] {
			return fmt.Errorf("rule store: duplicate rule_id %q", r.RuleID)
		}
		seen[r.RuleID] = true

		compiled, err := Compile(r)
		if err != nil {
			return fmt.Errorf("rule store: %w", err)
		}
		if r.Enabled {
			next.enabled = append(next.enabled, compiled)
		}
	}

	s.current.Store(next)
	s.logger.Printf("loaded %d rules (%d enabled) from %s", next.total, len(next.enabled), s.path)
	return nil
}

// Rules returns the current enabled rule snapshot. The returned slice must
// be treated as immutable.
func (s *Store) Rules() []*CompiledRule {
	return s.current.Load().enabled
}

// Stats summarizes the loaded rule set.
func (s *Store) Stats() map[string]interface{} {
	snap := s.current.Load()
	categories := make(map[string]int)
	for _, r := range snap.enabled {
		categories[r.Category]++
	}
	return map[string]interface{}{
		"total_rules":  snap.total,
		"active_rules": len(snap.enabled),
		"categories":   categories,
	}
}
