package meta

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueAccessors(t *testing.T) {
	s, ok := String("hello").AsString()
	assert.True(t, ok)
	assert.Equal(t, "hello", s)

	n, ok := Int(42).AsInt()
	assert.True(t, ok)
	assert.Equal(t, 42, n)

	b, ok := Bool(true).AsBool()
	assert.True(t, ok)
	assert.True(t, b)

	f, ok := Float(1.5).AsFloat()
	assert.True(t, ok)
	assert.InDelta(t, 1.5, f, 0.0001)

	_, ok = String("x").AsInt()
	assert.False(t, ok, "string should not decode as int")

	_, ok = Float(1.5).AsInt()
	assert.False(t, ok, "fractional number should not decode as int")

	var zero Value
	assert.True(t, zero.IsNull())
	_, ok = zero.AsString()
	assert.False(t, ok)
}

func TestMapJSONRoundTrip(t *testing.T) {
	nested, err := Of(map[string]any{"passed": false, "count": 3})
	require.NoError(t, err)

	m := Map{
		"reason": String("retry"),
		"steps":  Int(2),
		"ok":     Bool(false),
		"result": nested,
	}

	data, err := json.MarshalIndent(m, "", "  ")
	require.NoError(t, err)

	var decoded Map
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, m, decoded)

	steps, ok := decoded.Int("steps")
	assert.True(t, ok)
	assert.Equal(t, 2, steps)
}

func TestMapCloneIsIndependent(t *testing.T) {
	m := Map{"a": String("one")}
	c := m.Clone()
	c["a"] = String("two")
	c["b"] = Int(1)

	got, _ := m.String("a")
	assert.Equal(t, "one", got)
	assert.Len(t, m, 1)

	var nilMap Map
	assert.Nil(t, nilMap.Clone())
}

func TestMapMerge(t *testing.T) {
	base := Map{"a": Int(1), "b": Int(2)}
	merged := base.Merge(Map{"b": Int(3), "c": Int(4)})

	b, _ := merged.Int("b")
	assert.Equal(t, 3, b)
	assert.Len(t, merged, 3)

	orig, _ := base.Int("b")
	assert.Equal(t, 2, orig, "merge must not mutate receiver")

	assert.Nil(t, Map(nil).Merge(nil))
}

func TestFromJSON(t *testing.T) {
	m, err := FromJSON([]byte(`{"validation_passed": true, "summary": "ok"}`))
	require.NoError(t, err)

	passed, ok := m.Bool("validation_passed")
	assert.True(t, ok)
	assert.True(t, passed)

	_, err = FromJSON([]byte(`[1,2]`))
	assert.Error(t, err)
}
