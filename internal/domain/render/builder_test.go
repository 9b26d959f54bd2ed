package render

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overlayfx/renderfarm/internal/domain/model"
)

func newTestBuilder(t *testing.T) *Builder {
	t.Helper()
	b, err := NewBuilder(BuilderOptions{
		TemplateDir: "/srv/templates",
		OutputDir:   "/srv/output",
	})
	require.NoError(t, err)
	return b
}

func testJob(format model.OutputFormat) *model.RenderJob {
	return &model.RenderJob{
		ID:           "job-123",
		RenderType:   model.RenderTypeLeaderboard,
		Template:     "CyprusDesign",
		Composition:  "Main",
		OutputFormat: format,
	}
}

func TestNewBuilder_Validation(t *testing.T) {
	_, err := NewBuilder(BuilderOptions{OutputDir: "/out"})
	require.Error(t, err)
	_, err = NewBuilder(BuilderOptions{TemplateDir: "/tpl"})
	require.Error(t, err)
}

func TestBuilder_TemplateSection(t *testing.T) {
	b := newTestBuilder(t)
	spec, err := b.Build(testJob(model.OutputFormatMP4), &model.RenderPayload{}, LayerMap{})
	require.NoError(t, err)

	assert.Equal(t, "file:///C:/renderfarm/templates/CyprusDesign.aep", spec.Template.Src)
	assert.Equal(t, "Main", spec.Template.Composition)
	assert.True(t, spec.Template.ContinueOnMissing)
	assert.Equal(t, "mp4", spec.Template.OutputExt)
	assert.Empty(t, spec.Template.OutputModule)
}

func TestBuilder_AlphaOutputModule(t *testing.T) {
	b := newTestBuilder(t)
	spec, err := b.Build(testJob(model.OutputFormatMOVAlpha), &model.RenderPayload{}, LayerMap{})
	require.NoError(t, err)

	assert.Equal(t, "mov", spec.Template.OutputExt)
	assert.Equal(t, DefaultAlphaOutputModule, spec.Template.OutputModule)
}

func TestBuilder_SlotAndSingleFieldAssets(t *testing.T) {
	b := newTestBuilder(t)
	payload := &model.RenderPayload{
		Slots: []model.Slot{
			{SlotIndex: 1, Fields: map[string]string{"name": "PHIL IVEY", "chips": "1,250,000"}},
		},
		SingleFields: map[string]string{"event_name": "WSOP MAIN EVENT"},
	}
	spec, err := b.Build(testJob(model.OutputFormatMP4), payload, LayerMap{})
	require.NoError(t, err)

	byLayer := map[string]Asset{}
	for _, a := range spec.Assets {
		byLayer[a.LayerName] = a
	}

	require.Contains(t, byLayer, "slot1_name")
	assert.Equal(t, "data", byLayer["slot1_name"].Type)
	assert.Equal(t, "Source Text", byLayer["slot1_name"].Property)
	assert.Equal(t, "PHIL IVEY", byLayer["slot1_name"].Value)

	require.Contains(t, byLayer, "slot1_chips")
	assert.Equal(t, "1,250,000", byLayer["slot1_chips"].Value)

	require.Contains(t, byLayer, "event_name")
	assert.Equal(t, "WSOP MAIN EVENT", byLayer["event_name"].Value)
}

func TestBuilder_LayerMapResolution(t *testing.T) {
	b := newTestBuilder(t)
	layers := LayerMap{Compositions: map[string]CompositionMap{
		"Main": {FieldMappings: map[string]string{
			"event_name": "EVENT TITLE",
			"slot1_name": "PLAYER 1 NAME",
		}},
	}}
	payload := &model.RenderPayload{
		Slots:        []model.Slot{{SlotIndex: 1, Fields: map[string]string{"name": "IVEY"}}},
		SingleFields: map[string]string{"event_name": "WSOP", "table_id": "Table 1"},
	}
	spec, err := b.Build(testJob(model.OutputFormatMP4), payload, layers)
	require.NoError(t, err)

	var names []string
	for _, a := range spec.Assets {
		names = append(names, a.LayerName)
	}
	assert.Contains(t, names, "EVENT TITLE")
	assert.Contains(t, names, "PLAYER 1 NAME")
	// Unmapped fields fall back to their own name.
	assert.Contains(t, names, "table_id")
	assert.NotContains(t, names, "event_name")
}

func TestBuilder_ImageAssets(t *testing.T) {
	b := newTestBuilder(t)
	payload := &model.RenderPayload{
		Images: []model.ImageRef{
			{Name: "player_photo", Path: "/srv/templates/photos/ivey.png"},
			{Path: "/srv/templates/photos/logo.png"},
		},
	}
	spec, err := b.Build(testJob(model.OutputFormatMP4), payload, LayerMap{})
	require.NoError(t, err)

	require.Len(t, spec.Assets, 2)
	assert.Equal(t, "image", spec.Assets[0].Type)
	assert.Equal(t, "player_photo", spec.Assets[0].LayerName)
	assert.Equal(t, "file:///C:/renderfarm/templates/photos/ivey.png", spec.Assets[0].Src)
	assert.Equal(t, "image", spec.Assets[1].LayerName, "unnamed images get a default layer")
}

func TestBuilder_DisableLayersScript(t *testing.T) {
	b := newTestBuilder(t)

	t.Run("injected for transparent output", func(t *testing.T) {
		spec, err := b.Build(testJob(model.OutputFormatMOVAlpha), &model.RenderPayload{}, LayerMap{})
		require.NoError(t, err)
		require.NotEmpty(t, spec.Assets)

		script := spec.Assets[0]
		assert.Equal(t, "script", script.Type)
		require.True(t, strings.HasPrefix(script.Src, "data:text/javascript;base64,"))

		decoded, err := base64.StdEncoding.DecodeString(
			strings.TrimPrefix(script.Src, "data:text/javascript;base64,"))
		require.NoError(t, err)
		jsx := string(decoded)
		for _, pattern := range []string{"background", "BG", "배경", "Solid"} {
			assert.Contains(t, jsx, `"`+pattern+`"`)
		}
		assert.Contains(t, jsx, "layer.enabled = false")
	})

	t.Run("payload overrides patterns", func(t *testing.T) {
		payload := &model.RenderPayload{DisableLayers: []string{"watermark"}}
		spec, err := b.Build(testJob(model.OutputFormatMOVAlpha), payload, LayerMap{})
		require.NoError(t, err)

		decoded, err := base64.StdEncoding.DecodeString(
			strings.TrimPrefix(spec.Assets[0].Src, "data:text/javascript;base64,"))
		require.NoError(t, err)
		assert.Contains(t, string(decoded), `"watermark"`)
		assert.NotContains(t, string(decoded), `"background"`)
	})

	t.Run("absent for opaque output", func(t *testing.T) {
		spec, err := b.Build(testJob(model.OutputFormatMP4), &model.RenderPayload{}, LayerMap{})
		require.NoError(t, err)
		for _, a := range spec.Assets {
			assert.NotEqual(t, "script", a.Type)
		}
	})
}

func TestBuilder_PostrenderCopy(t *testing.T) {
	b := newTestBuilder(t)

	t.Run("default output path", func(t *testing.T) {
		spec, err := b.Build(testJob(model.OutputFormatMOVAlpha), &model.RenderPayload{}, LayerMap{})
		require.NoError(t, err)

		require.Len(t, spec.Actions.Postrender, 1)
		action := spec.Actions.Postrender[0]
		assert.Equal(t, "@nexrender/action-copy", action.Module)
		assert.Equal(t, "result.mov", action.Input)
		assert.Equal(t, "C:/renderfarm/output/job-123.mov", action.Output)
	})

	t.Run("requested output path", func(t *testing.T) {
		job := testJob(model.OutputFormatMP4)
		out := "/nas/renders/final/show.mp4"
		job.OutputPath = &out
		spec, err := b.Build(job, &model.RenderPayload{}, LayerMap{})
		require.NoError(t, err)
		assert.Equal(t, "//NAS/renders/final/show.mp4", spec.Actions.Postrender[0].Output)
	})
}

func TestBuilder_Callback(t *testing.T) {
	b := newTestBuilder(t)
	job := testJob(model.OutputFormatMP4)
	cb := "https://hooks.example.com/render/"
	job.CallbackURL = &cb

	spec, err := b.Build(job, &model.RenderPayload{}, LayerMap{})
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.example.com/render/job-123", spec.Callback)
}

func TestBuilder_SpecSerializes(t *testing.T) {
	b := newTestBuilder(t)
	payload := &model.RenderPayload{SingleFields: map[string]string{"title": "X"}}
	spec, err := b.Build(testJob(model.OutputFormatMOVAlpha), payload, LayerMap{})
	require.NoError(t, err)

	data, err := json.Marshal(spec)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"continueOnMissing":true`)
	assert.Contains(t, string(data), `"outputModule":"Alpha MOV"`)
}

func TestBuilder_TemplatePathPassthrough(t *testing.T) {
	b := newTestBuilder(t)
	job := testJob(model.OutputFormatMP4)
	job.Template = "/srv/templates/custom/Special.aep"

	spec, err := b.Build(job, &model.RenderPayload{}, LayerMap{})
	require.NoError(t, err)
	assert.Equal(t, "file:///C:/renderfarm/templates/custom/Special.aep", spec.Template.Src)
}
