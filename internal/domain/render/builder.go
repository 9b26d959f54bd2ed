package render

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/overlayfx/renderfarm/internal/domain/model"
)

// JobSpec is the job description document submitted to the nexrender API.
type JobSpec struct {
	Template TemplateSpec `json:"template"`
	Assets   []Asset      `json:"assets"`
	Actions  Actions      `json:"actions"`
	Callback string       `json:"callback,omitempty"`
}

// TemplateSpec addresses the project file and composition to render.
type TemplateSpec struct {
	Src               string `json:"src"`
	Composition       string `json:"composition"`
	ContinueOnMissing bool   `json:"continueOnMissing"`
	OutputExt         string `json:"outputExt"`
	OutputModule      string `json:"outputModule,omitempty"`
}

// Asset is one nexrender asset: a text value bound to a layer, an image
// source, or an injected script.
type Asset struct {
	Type      string `json:"type"`
	LayerName string `json:"layerName,omitempty"`
	Property  string `json:"property,omitempty"`
	Value     string `json:"value,omitempty"`
	Src       string `json:"src,omitempty"`
}

// Actions holds the post-render action chain.
type Actions struct {
	Postrender []PostAction `json:"postrender,omitempty"`
}

// PostAction copies the rendered result to its destination on the render host.
type PostAction struct {
	Module string `json:"module"`
	Input  string `json:"input"`
	Output string `json:"output"`
}

// sourceTextProperty is the AE property text assets bind to.
const sourceTextProperty = "Source Text"

// DefaultAlphaOutputModule is the render-host output module preset used for
// transparent renders when no override is configured.
const DefaultAlphaOutputModule = "Alpha MOV"

// defaultDisableLayers are the layer name patterns suppressed for
// transparent output when the payload does not name its own.
var defaultDisableLayers = []string{
	"background", "Background", "BG", "bg", "배경", "solid", "Solid",
}

// BuilderOptions configure the pipeline builder.
type BuilderOptions struct {
	// Paths translates local paths to render-host paths and file URLs.
	// Defaults to a mapper over DefaultPathMappings.
	Paths *PathMapper
	// TemplateDir is the local directory holding .aep project files.
	TemplateDir string
	// OutputDir is the local directory finished renders are copied into
	// when a job does not request an explicit output path.
	OutputDir string
	// AlphaOutputModule overrides the output module preset used for
	// transparent renders. Defaults to DefaultAlphaOutputModule.
	AlphaOutputModule string
}

// Builder turns a stored render job into the nexrender job description.
// Build is pure: layer maps are loaded by the caller and passed in, and no
// filesystem or network access happens here.
type Builder struct {
	paths             *PathMapper
	templateDir       string
	outputDir         string
	alphaOutputModule string
}

// NewBuilder constructs a Builder.
func NewBuilder(opts BuilderOptions) (*Builder, error) {
	if strings.TrimSpace(opts.TemplateDir) == "" {
		return nil, errors.New("builder: template dir is required")
	}
	if strings.TrimSpace(opts.OutputDir) == "" {
		return nil, errors.New("builder: output dir is required")
	}
	paths := opts.Paths
	if paths == nil {
		paths = NewPathMapper(nil)
	}
	alphaModule := opts.AlphaOutputModule
	if alphaModule == "" {
		alphaModule = DefaultAlphaOutputModule
	}
	return &Builder{
		paths:             paths,
		templateDir:       opts.TemplateDir,
		outputDir:         opts.OutputDir,
		alphaOutputModule: alphaModule,
	}, nil
}

// Build assembles the nexrender job description for a claimed job. The layer
// map resolves payload field names to AE layer names; fields without a
// mapping keep their own name.
func (b *Builder) Build(job *model.RenderJob, payload *model.RenderPayload, layers LayerMap) (*JobSpec, error) {
	if job == nil {
		return nil, errors.New("builder: job is required")
	}
	if payload == nil {
		return nil, errors.New("builder: payload is required")
	}

	spec := &JobSpec{
		Template: TemplateSpec{
			Src:               b.paths.FileURL(b.templatePath(job.Template)),
			Composition:       job.Composition,
			ContinueOnMissing: true,
			OutputExt:         job.OutputFormat.Ext(),
		},
		Assets:  b.buildAssets(job, payload, layers),
		Actions: b.buildActions(job),
	}

	if job.OutputFormat.Transparent() {
		spec.Template.OutputModule = b.alphaOutputModule
	}
	if job.CallbackURL != nil && *job.CallbackURL != "" {
		spec.Callback = strings.TrimSuffix(*job.CallbackURL, "/") + "/" + job.ID
	}

	return spec, nil
}

// OutputPath returns the local path the finished artifact lands on for a
// job: the requested path when set, otherwise `<output dir>/<job id>.<ext>`.
func (b *Builder) OutputPath(job *model.RenderJob) string {
	if job.OutputPath != nil && *job.OutputPath != "" {
		return *job.OutputPath
	}
	return fmt.Sprintf("%s/%s.%s",
		strings.TrimSuffix(b.outputDir, "/"), job.ID, job.OutputFormat.Ext())
}

// templatePath resolves a template name to its project file path. Names
// already carrying a path or extension pass through.
func (b *Builder) templatePath(template string) string {
	if strings.Contains(template, "/") || strings.HasSuffix(template, ".aep") {
		return template
	}
	return strings.TrimSuffix(b.templateDir, "/") + "/" + template + ".aep"
}

func (b *Builder) buildAssets(job *model.RenderJob, payload *model.RenderPayload, layers LayerMap) []Asset {
	var assets []Asset

	// Transparent output first disables background layers so the alpha
	// channel is not filled by the template's backdrop.
	if job.OutputFormat.Transparent() {
		patterns := payload.DisableLayers
		if len(patterns) == 0 {
			patterns = defaultDisableLayers
		}
		assets = append(assets, disableLayersScript(patterns))
	}

	layerName := func(field string) string {
		if mapped, ok := layers.LayerName(job.Composition, field); ok {
			return mapped
		}
		return field
	}

	for _, slot := range payload.Slots {
		for _, field := range sortedKeysOf(slot.Fields) {
			name := fmt.Sprintf("slot%d_%s", slot.SlotIndex, field)
			assets = append(assets, Asset{
				Type:      "data",
				LayerName: layerName(name),
				Property:  sourceTextProperty,
				Value:     slot.Fields[field],
			})
		}
	}

	for _, field := range sortedKeysOf(payload.SingleFields) {
		assets = append(assets, Asset{
			Type:      "data",
			LayerName: layerName(field),
			Property:  sourceTextProperty,
			Value:     payload.SingleFields[field],
		})
	}

	for _, img := range payload.Images {
		name := img.Name
		if name == "" {
			name = "image"
		}
		assets = append(assets, Asset{
			Type:      "image",
			LayerName: name,
			Src:       b.paths.FileURL(img.Path),
		})
	}

	return assets
}

func (b *Builder) buildActions(job *model.RenderJob) Actions {
	ext := job.OutputFormat.Ext()
	return Actions{
		Postrender: []PostAction{
			{
				Module: "@nexrender/action-copy",
				Input:  "result." + ext,
				Output: b.paths.ToHostPath(b.OutputPath(job)),
			},
		},
	}
}

// disableLayersScript builds the injected JSX asset that switches off every
// layer whose name contains one of the patterns (case-insensitive).
func disableLayersScript(patterns []string) Asset {
	quoted := make([]string, len(patterns))
	for i, p := range patterns {
		quoted[i] = fmt.Sprintf("%q", p)
	}

	jsx := fmt.Sprintf(`(function() {
    var patterns = [%s];
    var comp = app.project.activeItem;
    if (comp && comp instanceof CompItem) {
        for (var i = 1; i <= comp.numLayers; i++) {
            var layer = comp.layer(i);
            var layerName = layer.name.toLowerCase();
            for (var j = 0; j < patterns.length; j++) {
                if (layerName.indexOf(patterns[j].toLowerCase()) !== -1) {
                    layer.enabled = false;
                    break;
                }
            }
        }
    }
})();`, strings.Join(quoted, ", "))

	encoded := base64.StdEncoding.EncodeToString([]byte(jsx))
	return Asset{
		Type: "script",
		Src:  "data:text/javascript;base64," + encoded,
	}
}

// sortedKeysOf keeps asset ordering deterministic for the same payload.
func sortedKeysOf(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
