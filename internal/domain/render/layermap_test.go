package render

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overlayfx/renderfarm/internal/domain/model"
)

const testMapYAML = `
compositions:
  Main:
    description: feature table leaderboard
    field_mappings:
      event_name: "EVENT TITLE"
      slot1_name: "PLAYER 1 NAME"
      slot1_chips: "PLAYER 1 CHIPS"
`

func writeMap(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLayerMapLoader_LoadYAML(t *testing.T) {
	dir := t.TempDir()
	writeMap(t, dir, "CyprusDesign.yaml", testMapYAML)

	loader := NewLayerMapLoader(dir)
	m, err := loader.Load("CyprusDesign")
	require.NoError(t, err)

	name, ok := m.LayerName("Main", "event_name")
	require.True(t, ok)
	assert.Equal(t, "EVENT TITLE", name)

	_, ok = m.LayerName("Main", "unmapped_field")
	assert.False(t, ok)
	_, ok = m.LayerName("OtherComp", "event_name")
	assert.False(t, ok)
}

func TestLayerMapLoader_JSONFallback(t *testing.T) {
	dir := t.TempDir()
	writeMap(t, dir, "Legacy.json",
		`{"compositions": {"Main": {"field_mappings": {"title": "TITLE LAYER"}}}}`)

	loader := NewLayerMapLoader(dir)
	m, err := loader.Load("Legacy")
	require.NoError(t, err)

	name, ok := m.LayerName("Main", "title")
	require.True(t, ok)
	assert.Equal(t, "TITLE LAYER", name)
}

func TestLayerMapLoader_MissingFileIsEmptyMap(t *testing.T) {
	loader := NewLayerMapLoader(t.TempDir())
	m, err := loader.Load("NoSuchTemplate")
	require.NoError(t, err)
	assert.True(t, m.Empty())
}

func TestLayerMapLoader_CacheAndReload(t *testing.T) {
	dir := t.TempDir()
	writeMap(t, dir, "T.yaml", testMapYAML)

	loader := NewLayerMapLoader(dir)
	_, err := loader.Load("T")
	require.NoError(t, err)

	// A change on disk is invisible until reload.
	writeMap(t, dir, "T.yaml", `
compositions:
  Main:
    field_mappings:
      event_name: "RENAMED LAYER"
`)
	m, err := loader.Load("T")
	require.NoError(t, err)
	name, _ := m.LayerName("Main", "event_name")
	assert.Equal(t, "EVENT TITLE", name)

	m, err = loader.Reload("T")
	require.NoError(t, err)
	name, _ = m.LayerName("Main", "event_name")
	assert.Equal(t, "RENAMED LAYER", name)
}

func TestLayerMapLoader_Templates(t *testing.T) {
	dir := t.TempDir()
	writeMap(t, dir, "B.yaml", testMapYAML)
	writeMap(t, dir, "A.json", `{"compositions": {}}`)
	writeMap(t, dir, "notes.txt", "ignored")

	loader := NewLayerMapLoader(dir)
	names, err := loader.Templates()
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, names)
}

func TestLayerMapLoader_BadYAML(t *testing.T) {
	dir := t.TempDir()
	writeMap(t, dir, "Broken.yaml", "compositions: [not: a: map")

	loader := NewLayerMapLoader(dir)
	_, err := loader.Load("Broken")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse layer map")
}

func TestValidateMapping(t *testing.T) {
	dir := t.TempDir()
	writeMap(t, dir, "T.yaml", testMapYAML)
	loader := NewLayerMapLoader(dir)
	m, err := loader.Load("T")
	require.NoError(t, err)

	t.Run("classifies fields", func(t *testing.T) {
		payload := &model.RenderPayload{
			SingleFields: map[string]string{"event_name": "WSOP", "table_id": "Table 1"},
			Slots: []model.Slot{
				{SlotIndex: 1, Fields: map[string]string{"name": "PHIL IVEY"}},
			},
		}
		result := ValidateMapping(m, "T", "Main", payload)
		assert.True(t, result.Valid)
		assert.ElementsMatch(t, []string{"event_name", "slot1_name"}, result.MatchedFields)
		assert.ElementsMatch(t, []string{"table_id"}, result.FallbackFields)
		assert.ElementsMatch(t, []string{"slot1_chips"}, result.MissingFields)
		assert.NotEmpty(t, result.Warnings)
		assert.Empty(t, result.Errors)
	})

	t.Run("unknown composition is an error", func(t *testing.T) {
		result := ValidateMapping(m, "T", "Nope", &model.RenderPayload{})
		assert.False(t, result.Valid)
		require.Len(t, result.Errors, 1)
		assert.Contains(t, result.Errors[0], `composition "Nope"`)
	})

	t.Run("empty map is an error", func(t *testing.T) {
		result := ValidateMapping(LayerMap{}, "Ghost", "Main", &model.RenderPayload{})
		assert.False(t, result.Valid)
		require.Len(t, result.Errors, 1)
		assert.Contains(t, result.Errors[0], "has no layer map")
	})

	t.Run("empty payload warns", func(t *testing.T) {
		result := ValidateMapping(m, "T", "Main", &model.RenderPayload{})
		assert.True(t, result.Valid)
		assert.Contains(t, result.Warnings, "payload has no fields")
	})
}
