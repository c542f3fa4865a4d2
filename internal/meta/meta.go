// Package meta provides typed, JSON-backed metadata maps attached to state
// transitions, checkpoints, and task state.
package meta

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Value is a single metadata value stored as compact JSON.
// The zero value is JSON null.
type Value struct {
	raw json.RawMessage
}

// String returns a string value.
func String(s string) Value { return mustOf(s) }

// Int returns an integer value.
func Int(n int) Value { return mustOf(n) }

// Float returns a floating point value.
func Float(f float64) Value { return mustOf(f) }

// Bool returns a boolean value.
func Bool(b bool) Value { return mustOf(b) }

// Of encodes an arbitrary JSON-serializable value.
func Of(v any) (Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Value{}, fmt.Errorf("encode metadata value: %w", err)
	}
	return Value{raw: data}, nil
}

func mustOf(v any) Value {
	val, err := Of(v)
	if err != nil {
		panic(err)
	}
	return val
}

// Raw returns the encoded JSON, or "null" for the zero value.
func (v Value) Raw() json.RawMessage {
	if len(v.raw) == 0 {
		return json.RawMessage("null")
	}
	return v.raw
}

// IsNull reports whether the value is JSON null.
func (v Value) IsNull() bool {
	return len(v.raw) == 0 || bytes.Equal(v.raw, []byte("null"))
}

// Decode unmarshals the value into out.
func (v Value) Decode(out any) error {
	return json.Unmarshal(v.Raw(), out)
}

// AsString returns the value as a string.
func (v Value) AsString() (string, bool) {
	var s string
	if err := v.Decode(&s); err != nil || v.IsNull() {
		return "", false
	}
	return s, true
}

// AsInt returns the value as an int. Fractional numbers are rejected.
func (v Value) AsInt() (int, bool) {
	var n int
	if err := v.Decode(&n); err != nil || v.IsNull() {
		return 0, false
	}
	return n, true
}

// AsFloat returns the value as a float64.
func (v Value) AsFloat() (float64, bool) {
	var f float64
	if err := v.Decode(&f); err != nil || v.IsNull() {
		return 0, false
	}
	return f, true
}

// AsBool returns the value as a bool.
func (v Value) AsBool() (bool, bool) {
	var b bool
	if err := v.Decode(&b); err != nil || v.IsNull() {
		return false, false
	}
	return b, true
}

// String renders the value as JSON text.
func (v Value) String() string {
	return string(v.Raw())
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	return v.Raw(), nil
}

// UnmarshalJSON implements json.Unmarshaler. Input is compacted so that
// values decoded from indented files compare equal to freshly built ones.
func (v *Value) UnmarshalJSON(data []byte) error {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return err
	}
	v.raw = buf.Bytes()
	return nil
}

// Map is a string-keyed collection of metadata values.
type Map map[string]Value

// Clone returns a copy of the map. A nil map clones to nil.
func (m Map) Clone() Map {
	if m == nil {
		return nil
	}
	out := make(Map, len(m))
	for k, v := range m {
		raw := make(json.RawMessage, len(v.raw))
		copy(raw, v.raw)
		out[k] = Value{raw: raw}
	}
	return out
}

// Merge returns a new map with other's entries layered over m's.
func (m Map) Merge(other Map) Map {
	if len(m) == 0 && len(other) == 0 {
		return nil
	}
	out := m.Clone()
	if out == nil {
		out = make(Map, len(other))
	}
	for k, v := range other.Clone() {
		out[k] = v
	}
	return out
}

// String returns the string stored under key.
func (m Map) String(key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	return v.AsString()
}

// Int returns the int stored under key.
func (m Map) Int(key string) (int, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	return v.AsInt()
}

// Bool returns the bool stored under key.
func (m Map) Bool(key string) (bool, bool) {
	v, ok := m[key]
	if !ok {
		return false, false
	}
	return v.AsBool()
}

// FromJSON builds a map from a JSON object document.
func FromJSON(data []byte) (Map, error) {
	var m Map
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}
