package billing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriceTable_Cost(t *testing.T) {
	pt := DefaultPriceTable()

	cost, known := pt.Cost("claude-sonnet-4-20250514", 1_000_000, 1_000_000)
	assert.True(t, known)
	assert.InDelta(t, 18.0, cost, 1e-9)

	cost, known = pt.Cost("claude-opus-4-20250514", 2000, 500)
	assert.True(t, known)
	assert.InDelta(t, 0.0675, cost, 1e-9)
}

func TestPriceTable_UnknownModelUsesFallback(t *testing.T) {
	pt := DefaultPriceTable()

	cost, known := pt.Cost("mystery-model", 1_000_000, 0)
	assert.False(t, known)
	assert.InDelta(t, 3.0, cost, 1e-9)
}

func TestNewPriceTable_Validation(t *testing.T) {
	_, err := NewPriceTable(map[string]Price{"a": {1, 1}}, "b")
	assert.Error(t, err)

	_, err = NewPriceTable(map[string]Price{"a": {-1, 1}}, "a")
	assert.Error(t, err)
}

func TestLoadPriceTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	content := `
fallback: house-model
models:
  house-model:
    input_per_million: 1
    output_per_million: 2
  gpt-4o:
    input_per_million: 5
    output_per_million: 20
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	pt, err := LoadPriceTable(path)
	require.NoError(t, err)

	assert.Equal(t, "house-model", pt.Fallback())
	p, ok := pt.Lookup("gpt-4o")
	assert.True(t, ok)
	assert.Equal(t, Price{InputPerMillion: 5, OutputPerMillion: 20}, p)

	_, ok = pt.Lookup("claude-sonnet-4-20250514")
	assert.True(t, ok, "defaults survive a partial file")

	cost, _ := pt.Cost("unknown", 1_000_000, 1_000_000)
	assert.InDelta(t, 3.0, cost, 1e-9)
}

func TestLoadPriceTable_Errors(t *testing.T) {
	_, err := LoadPriceTable(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("models: [unterminated"), 0o644))
	_, err = LoadPriceTable(path)
	assert.Error(t, err)
}
