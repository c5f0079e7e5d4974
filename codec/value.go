// Package codec compiles a schema.Schema into a data-driven decode/encode
// plan and interprets that plan against CDR (ROS2) or the ROS1 wire dialect.
// It replaces the generated-code-per-message approach with one small
// interpreter, trading a little per-field dispatch overhead for never having
// to compile Go source at runtime.
package codec

import "github.com/robotic-data/mcap-engine/schema"

// Value is a decoded message: a tagged map from field name to either a
// scalar (bool, int8..uint64, float32/float64, string), a []any (array or
// sequence), a map[string]any with "sec"/"nsec" (time/duration), or a nested
// *Value (complex field). Schema carries the type
// graph a caller can use to interpret Fields without re-deriving it.
type Value struct {
	Schema *schema.Schema
	Fields map[string]any
}

// NewValue creates an empty Value for the given schema, ready to be
// populated field-by-field before Encode.
func NewValue(s *schema.Schema) *Value {
	return &Value{Schema: s, Fields: make(map[string]any)}
}

// Get returns the named field's decoded value.
func (v *Value) Get(name string) (any, bool) {
	val, ok := v.Fields[name]
	return val, ok
}

// Set stores a value for the named field, to be written by Encode.
func (v *Value) Set(name string, value any) {
	v.Fields[name] = value
}
