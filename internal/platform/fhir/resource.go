package fhir

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotObject is returned when a payload decodes to something other than a
// JSON object.
var ErrNotObject = errors.New("fhir resource is not a JSON object")

// Coding is a single (system, code) pair pulled out of a Coding or
// CodeableConcept.
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// Resource is a FHIR resource as returned by the record store. The original
// bytes are kept verbatim; fields is a decoded view used for routing and must
// not be modified.
type Resource struct {
	raw    json.RawMessage
	fields map[string]any
}

// ParseResource decodes a resource body. The body must be a JSON object.
func ParseResource(data []byte) (*Resource, error) {
	var fields map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("decode resource: %w", err)
	}
	if fields == nil {
		return nil, ErrNotObject
	}
	raw := make(json.RawMessage, len(data))
	copy(raw, data)
	return &Resource{raw: raw, fields: fields}, nil
}

// NewResource builds a Resource from an already decoded map, mostly for
// fixtures and the classify command.
func NewResource(fields map[string]any) (*Resource, error) {
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode resource: %w", err)
	}
	return ParseResource(data)
}

// Type returns resourceType, or "" when absent.
func (r *Resource) Type() string {
	return r.String("resourceType")
}

// ID returns the logical id, or "" when absent.
func (r *Resource) ID() string {
	return r.String("id")
}

// Status returns the lower-cased status element.
func (r *Resource) Status() string {
	return strings.ToLower(strings.TrimSpace(r.String("status")))
}

// RawStatus returns status exactly as stored.
func (r *Resource) RawStatus() string {
	return r.String("status")
}

// LastUpdated returns meta.lastUpdated as assigned by the store.
func (r *Resource) LastUpdated() string {
	return r.String("meta", "lastUpdated")
}

// Raw returns the resource bytes as fetched.
func (r *Resource) Raw() json.RawMessage {
	return r.raw
}

// Compact returns the resource bytes with insignificant whitespace removed.
// Member order and values are untouched.
func (r *Resource) Compact() string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, r.raw); err != nil {
		return string(r.raw)
	}
	return buf.String()
}

// Fields exposes the decoded view. Callers must treat it as read-only.
func (r *Resource) Fields() map[string]any {
	return r.fields
}

// Value walks nested objects by key and returns the value found, or nil.
func (r *Resource) Value(path ...string) any {
	var cur any = r.fields
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = obj[key]
		if !ok {
			return nil
		}
	}
	return cur
}

// String returns the string at path, or "" when missing or not a string.
func (r *Resource) String(path ...string) string {
	s, _ := r.Value(path...).(string)
	return s
}

// Object returns the object at path, or nil.
func (r *Resource) Object(path ...string) map[string]any {
	obj, _ := r.Value(path...).(map[string]any)
	return obj
}

// List returns the array at path, or nil.
func (r *Resource) List(path ...string) []any {
	list, _ := r.Value(path...).([]any)
	return list
}

// Codes collects every Coding reachable from the element at path. It accepts
// a Coding, a CodeableConcept, or arrays of either, which covers both the R4
// and R5 shapes of elements such as Encounter.class.
func (r *Resource) Codes(path ...string) []Coding {
	return collectCodings(r.Value(path...), nil)
}

// HasCode reports whether any coding at path carries code (case-insensitive).
func (r *Resource) HasCode(code string, path ...string) bool {
	for _, c := range r.Codes(path...) {
		if strings.EqualFold(c.Code, code) {
			return true
		}
	}
	return false
}

func collectCodings(v any, out []Coding) []Coding {
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			out = collectCodings(item, out)
		}
	case map[string]any:
		if nested, ok := t["coding"]; ok {
			out = collectCodings(nested, out)
		}
		if code, ok := t["code"].(string); ok && code != "" {
			system, _ := t["system"].(string)
			display, _ := t["display"].(string)
			out = append(out, Coding{System: system, Code: code, Display: display})
		}
	}
	return out
}
