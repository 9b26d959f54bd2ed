package render

import (
	"fmt"
	"strings"
)

// PathMapping is one ordered prefix-replacement rule between a local
// (container) path and the render host's path.
type PathMapping struct {
	Local string
	Host  string
}

// DefaultPathMappings cover the standard deployment layout: templates and
// output on the render host's C: drive, finished renders on the NAS share.
func DefaultPathMappings() []PathMapping {
	return []PathMapping{
		{Local: "/srv/templates", Host: "C:/renderfarm/templates"},
		{Local: "/srv/output", Host: "C:/renderfarm/output"},
		{Local: "/nas/renders", Host: "//NAS/renders"},
	}
}

// ParsePathMappings parses the env-style mapping list, comma-separated
// `local:host` pairs, e.g. `/srv/templates:C:/templates,/nas/renders://NAS/renders`.
// The host side may contain a drive colon; only the first colon splits.
func ParsePathMappings(s string) ([]PathMapping, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var mappings []PathMapping
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid path mapping %q (want local:host)", pair)
		}
		mappings = append(mappings, PathMapping{Local: parts[0], Host: parts[1]})
	}
	return mappings, nil
}

// PathMapper translates between this process's filesystem view and the
// render host's, and produces the file URLs the renderer requires. Rules
// apply in order; the first matching prefix wins.
type PathMapper struct {
	mappings []PathMapping
}

// NewPathMapper constructs a PathMapper. A nil or empty mapping list falls
// back to DefaultPathMappings.
func NewPathMapper(mappings []PathMapping) *PathMapper {
	if len(mappings) == 0 {
		mappings = DefaultPathMappings()
	}
	return &PathMapper{mappings: mappings}
}

// ToHostPath translates a local path into the render host's path. Paths
// outside every mapping pass through unchanged.
func (m *PathMapper) ToHostPath(localPath string) string {
	for _, mapping := range m.mappings {
		if strings.HasPrefix(localPath, mapping.Local) {
			return mapping.Host + strings.TrimPrefix(localPath, mapping.Local)
		}
	}
	return localPath
}

// ToLocalPath translates a render-host path back into this process's view.
// Backslashes are normalised first so Windows-style input matches.
func (m *PathMapper) ToLocalPath(hostPath string) string {
	normalized := strings.ReplaceAll(hostPath, "\\", "/")
	for _, mapping := range m.mappings {
		if strings.HasPrefix(normalized, mapping.Host) {
			return mapping.Local + strings.TrimPrefix(normalized, mapping.Host)
		}
	}
	return hostPath
}

// FileURL renders a path as the file URL form the renderer expects:
// drive paths become file:///C:/..., UNC shares become file://NAS/....
func (m *PathMapper) FileURL(path string) string {
	if strings.HasPrefix(path, "file://") {
		return path
	}

	hostPath := strings.ReplaceAll(m.ToHostPath(path), "\\", "/")

	switch {
	case len(hostPath) >= 2 && hostPath[1] == ':':
		return "file:///" + hostPath
	case strings.HasPrefix(hostPath, "//"):
		return "file:" + hostPath
	case strings.HasPrefix(hostPath, "/"):
		return "file://" + hostPath
	default:
		return "file:///" + hostPath
	}
}
