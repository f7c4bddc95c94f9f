// Package registry serves the model catalog from data/llm_models.json.
// The catalog is loaded once at startup and read-only during the run; it
// supplies context limits and per-1k pricing for cost estimation.
package registry

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
)

// ModelInfo describes one model the hub can route to.
type ModelInfo struct {
	ModelID       string  `json:"model_id"`
	Name          string  `json:"name"`
	Provider      string  `json:"provider"`
	MaxTokens     int     `json:"max_tokens"`
	CostPer1KIn   float64 `json:"cost_per_1k_input"`
	CostPer1KOut  float64 `json:"cost_per_1k_output"`
	Enabled       bool    `json:"enabled"`
	Description   string  `json:"description,omitempty"`
}

// Catalog is the immutable model registry.
type Catalog struct {
	byID map[string]*ModelInfo
}

// LoadCatalog reads and validates the catalog file; fail-fast on startup.
func LoadCatalog(dataDir string) (*Catalog, error) {
	path := filepath.Join(dataDir, "llm_models.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("model catalog: cannot read %s: %w", path, err)
	}

	var models []*ModelInfo
	if err := json.Unmarshal(raw, &models); err != nil {
		return nil, fmt.Errorf("model catalog: cannot decode %s: %w", path, err)
	}

	c := &Catalog{byID: make(map[string]*ModelInfo, len(models))}
	for _, m := range models {
		if m.ModelID == "" {
			return nil, fmt.Errorf("model catalog: entry with empty model_id in %s", path)
		}
		if _, dup := c.byID[m.ModelID]; dup {
			return nil, fmt.Errorf("model catalog: duplicate model_id %q", m.ModelID)
		}
		c.byID[m.ModelID] = m
	}

	log.New(log.Writer(), "[CATALOG] ", log.LstdFlags).
		Printf("loaded %d models from %s", len(models), path)
	return c, nil
}

// Get returns the catalog entry for a model id.
func (c *Catalog) Get(modelID string) (*ModelInfo, bool) {
	m, ok := c.byID[modelID]
	return m, ok
}

// List returns enabled models ordered by id.
func (c *Catalog) List() []*ModelInfo {
	out := make([]*ModelInfo, 0, len(c.byID))
	for _, m := range c.byID {
		if m.Enabled {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// EstimateCost prices a completed invocation from the per-1k rates. It
// returns 0 for models missing from the catalog.
func (c *Catalog) EstimateCost(modelID string, promptTokens, completionTokens int) float64 {
	m, ok := c.byID[modelID]
	if !ok {
		return 0
	}
	return float64(promptTokens)/1000*m.CostPer1KIn +
		float64(completionTokens)/1000*m.CostPer1KOut
}
