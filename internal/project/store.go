package project

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// projectsSchema is validated against the raw file contents on every load.
// A file that does not satisfy it refuses startup.
const projectsSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["project_id", "name", "api_key_hash", "allowed_models", "status", "budget_remaining"],
    "properties": {
      "project_id": {"type": "string", "minLength": 3, "pattern": "^[a-z0-9_]+$"},
      "name": {"type": "string", "minLength": 1},
      "api_key_hash": {"type": "string", "minLength": 8},
      "allowed_models": {"type": "array", "items": {"type": "string"}},
      "status": {"enum": ["active", "inactive", "suspended"]},
      "budget_remaining": {"type": "number", "minimum": 0}
    }
  }
}`

var compiledProjectsSchema = jsonschema.MustCompileString("projects.schema.json", projectsSchema)

type snapshot struct {
	byID map[string]*Project
}

// Store serves project records from projects.json. Lookups read an
// immutable snapshot pointer; Reload and Save swap it atomically.
type Store struct {
	path    string
	mu      sync.Mutex // serializes file writes and snapshot swaps
	current atomic.Pointer[snapshot]
	logger  *log.Logger
}

// NewStore loads and validates projects.json, failing fast on integrity
// violations.
func NewStore(dataDir string) (*Store, error) {
	s := &Store{
		path:   filepath.Join(dataDir, "projects.json"),
		logger: log.New(log.Writer(), "[PROJECTS] ", log.LstdFlags),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads projects.json and swaps the snapshot. Concurrent readers
// observe either the old set or the new one, never a mix.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("project store: cannot read %s: %w", s.path, err)
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("project store: %s is not valid JSON: %w", s.path, err)
	}
	if err := compiledProjectsSchema.Validate(generic); err != nil {
		return fmt.Errorf("project store: %s failed schema validation: %w", s.path, err)
	}

	var records []*Project
	if err := json.Unmarshal(raw, &records); err != nil {
		return fmt.Errorf("project store: cannot decode %s: %w", s.path, err)
	}

	next := &snapshot{byID: make(map[string]*Project, len(records))}
	for _, p := range records {
		id := strings.ToLower(p.ProjectID)
		if _, dup := next.byID[id]; dup {
			return fmt.Errorf("project store: duplicate project_id %q", id)
		}
		if p.IsActive() && len(p.AllowedModels) == 0 {
			return fmt.Errorf("project store: active project %q has empty allowed_models", id)
		}
		next.byID[id] = p
	}

	s.current.Store(next)
	s.logger.Printf("loaded %d projects from %s", len(records), s.path)
	return nil
}

// Get returns the project by id, or false when absent.
func (s *Store) Get(projectID string) (*Project, bool) {
	snap := s.current.Load()
	p, ok := snap.byID[strings.ToLower(projectID)]
	return p, ok
}

// List returns all projects ordered by id.
func (s *Store) List() []*Project {
	snap := s.current.Load()
	out := make([]*Project, 0, len(snap.byID))
	for _, p := range snap.byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out
}

// Save upserts a project record on disk (operator path; the request
// pipeline only reads). The file is replaced atomically and the snapshot
// refreshed.
func (s *Store) Save(p *Project) error {
	if p.ProjectID == "" {
		return fmt.Errorf("project store: project_id is required")
	}
	p.ProjectID = strings.ToLower(p.ProjectID)
	if p.BudgetRemaining < 0 {
		return fmt.Errorf("project store: budget_remaining must be non-negative")
	}
	if p.IsActive() && len(p.AllowedModels) == 0 {
		return fmt.Errorf("project store: active project needs a non-empty allow-list")
	}

	s.mu.Lock()
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	snap := s.current.Load()
	merged := make([]*Project, 0, len(snap.byID)+1)
	replaced := false
	for _, existing := range snap.byID {
		if existing.ProjectID == p.ProjectID {
			merged = append(merged, p)
			replaced = true
			continue
		}
		merged = append(merged, existing)
	}
	if !replaced {
		merged = append(merged, p)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ProjectID < merged[j].ProjectID })

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("project store: encode failed: %w", err)
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	return s.Reload()
}

// Delete removes a project record (operator path).
func (s *Store) Delete(projectID string) error {
	projectID = strings.ToLower(projectID)

	s.mu.Lock()
	snap := s.current.Load()
	if _, ok := snap.byID[projectID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("project store: unknown project %q", projectID)
	}
	remaining := make([]*Project, 0, len(snap.byID)-1)
	for _, existing := range snap.byID {
		if existing.ProjectID != projectID {
			remaining = append(remaining, existing)
		}
	}
	sort.Slice(remaining, func(i, j int) bool { return remaining[i].ProjectID < remaining[j].ProjectID })

	data, err := json.MarshalIndent(remaining, "", "  ")
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("project store: encode failed: %w", err)
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	return s.Reload()
}

// writeFileAtomic writes data to a sibling temp file, fsyncs it, and
// renames it over the target so readers never observe a partial file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("atomic write: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("atomic write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("atomic write: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("atomic write: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("atomic write: rename: %w", err)
	}
	return nil
}
