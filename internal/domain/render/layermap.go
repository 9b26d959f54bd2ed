package render

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/overlayfx/renderfarm/internal/domain/model"
)

// LayerMap is the per-template mapping document: payload field names to
// After Effects layer names, grouped by composition. Template artwork
// changes frequently while the payload schema is fixed, so the mapping file
// is the only thing that needs editing when layers are renamed.
type LayerMap struct {
	Compositions map[string]CompositionMap `yaml:"compositions" json:"compositions"`
}

// CompositionMap is the mapping block for one composition.
type CompositionMap struct {
	Description   string            `yaml:"description,omitempty"   json:"description,omitempty"`
	FieldMappings map[string]string `yaml:"field_mappings,omitempty" json:"field_mappings,omitempty"`
}

// Empty reports whether the map carries no compositions at all, which is
// what a template without a mapping file resolves to.
func (m LayerMap) Empty() bool {
	return len(m.Compositions) == 0
}

// LayerName resolves a payload field to its mapped layer name. The second
// return is false when no mapping exists and the field name itself should
// be used.
func (m LayerMap) LayerName(composition, field string) (string, bool) {
	comp, ok := m.Compositions[composition]
	if !ok {
		return "", false
	}
	name, ok := comp.FieldMappings[field]
	return name, ok
}

// LayerMapLoader loads and caches per-template layer maps from a directory
// of `<template>.yaml` files, with `<template>.json` as a fallback. Missing
// files are not errors; they resolve to an empty map, which makes every
// field fall back to its own name.
type LayerMapLoader struct {
	dir string

	mu    sync.Mutex
	cache map[string]LayerMap
}

// NewLayerMapLoader constructs a loader rooted at dir.
func NewLayerMapLoader(dir string) *LayerMapLoader {
	return &LayerMapLoader{
		dir:   dir,
		cache: make(map[string]LayerMap),
	}
}

// Load returns the layer map for a template, reading it on first use and
// caching it afterwards.
func (l *LayerMapLoader) Load(template string) (LayerMap, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if m, ok := l.cache[template]; ok {
		return m, nil
	}

	m, err := l.read(template)
	if err != nil {
		return LayerMap{}, err
	}
	l.cache[template] = m
	return m, nil
}

// Reload drops the cached entry for a template and re-reads it.
func (l *LayerMapLoader) Reload(template string) (LayerMap, error) {
	l.mu.Lock()
	delete(l.cache, template)
	l.mu.Unlock()
	return l.Load(template)
}

// ClearCache drops every cached layer map.
func (l *LayerMapLoader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[string]LayerMap)
}

// Templates lists the template names that have a mapping file on disk.
func (l *LayerMapLoader) Templates() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list layer maps: %w", err)
	}

	seen := make(map[string]struct{})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			continue
		}
		seen[strings.TrimSuffix(entry.Name(), ext)] = struct{}{}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (l *LayerMapLoader) read(template string) (LayerMap, error) {
	for _, candidate := range []string{
		filepath.Join(l.dir, template+".yaml"),
		filepath.Join(l.dir, template+".yml"),
	} {
		data, err := os.ReadFile(candidate)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return LayerMap{}, fmt.Errorf("read layer map %s: %w", candidate, err)
		}
		var m LayerMap
		if err := yaml.Unmarshal(data, &m); err != nil {
			return LayerMap{}, fmt.Errorf("parse layer map %s: %w", candidate, err)
		}
		return m, nil
	}

	jsonPath := filepath.Join(l.dir, template+".json")
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		if os.IsNotExist(err) {
			return LayerMap{}, nil
		}
		return LayerMap{}, fmt.Errorf("read layer map %s: %w", jsonPath, err)
	}
	var m LayerMap
	if err := json.Unmarshal(data, &m); err != nil {
		return LayerMap{}, fmt.Errorf("parse layer map %s: %w", jsonPath, err)
	}
	return m, nil
}

// MappingValidation is the result of checking a payload against a layer map.
// Warnings never block a render; errors indicate the template or composition
// has no mapping at all.
type MappingValidation struct {
	Valid          bool
	MatchedFields  []string
	FallbackFields []string
	MissingFields  []string
	Warnings       []string
	Errors         []string
}

// ValidateMapping classifies the payload's fields against the template's
// layer map: matched (mapping defined), fallback (no mapping, field name used
// as the layer name), and missing (mapping expects a field the payload does
// not carry). An absent mapping file or unknown composition is an error.
func ValidateMapping(m LayerMap, template, composition string, payload *model.RenderPayload) MappingValidation {
	result := MappingValidation{Valid: true}

	if m.Empty() {
		result.Valid = false
		result.Errors = append(result.Errors,
			fmt.Sprintf("template %q has no layer map", template))
		return result
	}
	comp, ok := m.Compositions[composition]
	if !ok {
		result.Valid = false
		result.Errors = append(result.Errors,
			fmt.Sprintf("composition %q not defined in template %q layer map", composition, template))
		return result
	}

	fields := payload.FieldNames()
	if len(fields) == 0 {
		result.Warnings = append(result.Warnings, "payload has no fields")
		return result
	}

	have := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		have[field] = struct{}{}
		if _, mapped := comp.FieldMappings[field]; mapped {
			result.MatchedFields = append(result.MatchedFields, field)
		} else {
			result.FallbackFields = append(result.FallbackFields, field)
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("field %q has no mapping, using field name as layer name", field))
		}
	}

	expected := make([]string, 0, len(comp.FieldMappings))
	for field := range comp.FieldMappings {
		expected = append(expected, field)
	}
	sort.Strings(expected)
	for _, field := range expected {
		if _, ok := have[field]; !ok {
			result.MissingFields = append(result.MissingFields, field)
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("mapped field %q is absent from the payload", field))
		}
	}

	return result
}
