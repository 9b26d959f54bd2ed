package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Slot is an indexed, repeatable group of named fields within a render
// payload (e.g. one per leaderboard row).
type Slot struct {
	SlotIndex int               `json:"slot_index"`
	Fields    map[string]string `json:"fields"`
}

// ImageRef names an image layer and the file that should fill it.
type ImageRef struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// RenderPayload is the declarative render payload stored on a job: repeatable
// indexed slots plus flat single fields. The queue never interprets it; the
// pipeline builder does.
type RenderPayload struct {
	Slots         []Slot            `json:"slots,omitempty"`
	SingleFields  map[string]string `json:"single_fields,omitempty"`
	Images        []ImageRef        `json:"images,omitempty"`
	DisableLayers []string          `json:"disable_layers,omitempty"`
}

// ParseRenderPayload decodes a stored payload document.
func ParseRenderPayload(raw json.RawMessage) (*RenderPayload, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty render payload")
	}
	var p RenderPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse render payload: %w", err)
	}
	return &p, nil
}

// FieldNames returns every field name the payload will assign, slot fields in
// their prefixed slot{index}_{field} form, sorted for stable output.
func (p *RenderPayload) FieldNames() []string {
	names := make([]string, 0, len(p.SingleFields))
	for name := range p.SingleFields {
		names = append(names, name)
	}
	for _, slot := range p.Slots {
		for field := range slot.Fields {
			names = append(names, fmt.Sprintf("slot%d_%s", slot.SlotIndex, field))
		}
	}
	sort.Strings(names)
	return names
}

// Fingerprint returns a stable content hash of the payload for artifact cache
// lookups. Two payloads that assign the same values hash identically
// regardless of map iteration order.
func (p *RenderPayload) Fingerprint() string {
	h := sha256.New()
	writeKV := func(name, value string) {
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write([]byte(value))
		h.Write([]byte{0})
	}

	for _, name := range sortedKeys(p.SingleFields) {
		writeKV(name, p.SingleFields[name])
	}
	slots := make([]Slot, len(p.Slots))
	copy(slots, p.Slots)
	sort.Slice(slots, func(i, j int) bool { return slots[i].SlotIndex < slots[j].SlotIndex })
	for _, slot := range slots {
		for _, field := range sortedKeys(slot.Fields) {
			writeKV(fmt.Sprintf("slot%d_%s", slot.SlotIndex, field), slot.Fields[field])
		}
	}
	for _, img := range p.Images {
		writeKV("image:"+img.Name, img.Path)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
