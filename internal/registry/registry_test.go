package registry

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const catalogFixture = `[
  {
    "model_id": "gpt-4.1-nano",
    "name": "GPT-4.1 nano",
    "provider": "openai",
    "max_tokens": 16384,
    "cost_per_1k_input": 0.0001,
    "cost_per_1k_output": 0.0004,
    "enabled": true
  },
  {
    "model_id": "gpt-4.1-mini",
    "name": "GPT-4.1 mini",
    "provider": "openai",
    "max_tokens": 32768,
    "cost_per_1k_input": 0.0004,
    "cost_per_1k_output": 0.0016,
    "enabled": true
  },
  {
    "model_id": "gpt-legacy",
    "name": "Legacy",
    "provider": "openai",
    "max_tokens": 4096,
    "cost_per_1k_input": 0.01,
    "cost_per_1k_output": 0.03,
    "enabled": false
  }
]`

func loadFixture(t *testing.T) *Catalog {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "llm_models.json"), []byte(catalogFixture), 0o644))
	c, err := LoadCatalog(dir)
	require.NoError(t, err)
	return c
}

func TestCatalogGetAndList(t *testing.T) {
	c := loadFixture(t)

	m, ok := c.Get("gpt-4.1-nano")
	require.True(t, ok)
	assert.Equal(t, 16384, m.MaxTokens)

	_, ok = c.Get("gpt-9")
	assert.False(t, ok)

	// List returns only enabled models, sorted by id.
	list := c.List()
	require.Len(t, list, 2)
	assert.Equal(t, "gpt-4.1-mini", list[0].ModelID)
	assert.Equal(t, "gpt-4.1-nano", list[1].ModelID)
}

func TestCatalogEstimateCost(t *testing.T) {
	c := loadFixture(t)

	cost := c.EstimateCost("gpt-4.1-nano", 1000, 500)
	assert.InDelta(t, 0.0001+0.0002, cost, 1e-9)

	assert.Equal(t, 0.0, c.EstimateCost("gpt-9", 1000, 1000))
	assert.True(t, math.Abs(c.EstimateCost("gpt-4.1-nano", 0, 0)) < 1e-12)
}

func TestCatalogRejectsBadFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadCatalog(dir)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "llm_models.json"), []byte(`[{"model_id": ""}]`), 0o644))
	_, err = LoadCatalog(dir)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "llm_models.json"),
		[]byte(`[{"model_id": "dup"}, {"model_id": "dup"}]`), 0o644))
	_, err = LoadCatalog(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate model_id")
}
