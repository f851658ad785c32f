// Copyright 2024-2026 Aiku AI

// Package formatter normalizes provider-specific webhook payloads into the
// generic body/formatted_body message the webhook handler sends to Matrix.
package formatter

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
)

// Data is a decoded webhook document.
type Data map[string]any

// Well-known Data fields.
const (
	FieldBody          = "body"
	FieldFormattedBody = "formatted_body"
	FieldText          = "text"
	FieldKey           = "key"
	FieldRoomID        = "room_id"
	FieldDigest        = "digest"
)

// DecodeFunc parses a raw request body that is not a JSON object.
type DecodeFunc func(raw []byte, headers http.Header) (Data, error)

// FormatFunc derives a new message from a decoded document. It must not
// modify its input.
type FormatFunc func(data Data, headers http.Header) (Data, error)

// Formatter is a named payload normalizer.
type Formatter struct {
	Name   string
	Decode DecodeFunc
	Format FormatFunc
}

// ErrInvalidPayload wraps every structural problem a formatter finds in a
// provider payload.
var ErrInvalidPayload = errors.New("invalid payload")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, fmt.Sprintf(format, args...))
}

// Clone returns a shallow copy of d.
func (d Data) Clone() Data {
	out := make(Data, len(d)+2)
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Has reports whether the field is present, even when its value is null.
func (d Data) Has(field string) bool {
	_, ok := d[field]
	return ok
}

// Text returns the field rendered as text. Missing and null fields are
// empty.
func (d Data) Text(field string) string {
	return Stringify(d[field])
}

// Truthy reports whether a field holds a non-empty value: missing, null,
// "", 0, false and empty arrays or objects are all empty.
func (d Data) Truthy(field string) bool {
	switch v := d[field].(type) {
	case nil:
		return false
	case string:
		return v != ""
	case bool:
		return v
	case float64:
		return v != 0
	case int:
		return v != 0
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	default:
		return true
	}
}

// Stringify renders a JSON value the way it reads in a message: integral
// numbers have no decimal point and booleans are lowercase.
func Stringify(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(value)
	default:
		return fmt.Sprint(value)
	}
}

// Registry maps formatter names to formatters.
type Registry struct {
	formatters map[string]Formatter
}

// NewRegistry returns a registry holding every built-in formatter.
func NewRegistry() *Registry {
	r := &Registry{formatters: make(map[string]Formatter)}
	for _, f := range []Formatter{
		{Name: "grafana", Format: grafana},
		{Name: "grafana_forward", Format: grafanaForward},
		{Name: "github", Format: github},
		{Name: "gitlab_gchat", Format: gitlabGChat},
		{Name: "gitlab_teams", Format: gitlabTeams},
		{Name: "grn", Format: grn},
		{Name: "mattermost", Decode: decodeMattermost, Format: mattermost("mattermost")},
		{Name: "slack", Decode: decodeMattermost, Format: mattermost("slack")},
	} {
		r.Register(f)
	}
	return r
}

// Register adds or replaces a formatter.
func (r *Registry) Register(f Formatter) {
	r.formatters[f.Name] = f
}

// Lookup returns the formatter registered under name.
func (r *Registry) Lookup(name string) (Formatter, bool) {
	f, ok := r.formatters[name]
	return f, ok
}

// Names lists the registered formatter names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.formatters))
	for name := range r.formatters {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func notification(provider string) string {
	return "notification from " + provider
}

// object returns the field as a JSON object.
func object(d Data, field string) (map[string]any, error) {
	v, ok := d[field]
	if !ok || v == nil {
		return nil, invalid("missing %s", field)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, invalid("%s is %T, not an object", field, v)
	}
	return m, nil
}

// list returns the field as a JSON array. A missing or null field is empty.
func list(d Data, field string) ([]any, error) {
	v, ok := d[field]
	if !ok || v == nil {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, invalid("%s is %T, not an array", field, v)
	}
	return items, nil
}

// requireStrings returns the listed fields, failing when one is missing.
func requireStrings(d Data, fields ...string) ([]string, error) {
	out := make([]string, len(fields))
	for i, field := range fields {
		if !d.Has(field) || d[field] == nil {
			return nil, invalid("missing %s", field)
		}
		out[i] = d.Text(field)
	}
	return out, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimRight(s[:i], "\r")
	}
	return s
}
