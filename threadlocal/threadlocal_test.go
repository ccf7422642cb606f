package threadlocal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetUnsetIsNil(t *testing.T) {
	m := New()
	assert.Nil(t, m.Get("missing"))
}

func TestSetOverwriteRunsPreviousDestructor(t *testing.T) {
	m := New()
	var destroyed []any
	key := new(int)

	m.Set(key, "first", func(v any) { destroyed = append(destroyed, v) })
	require.Equal(t, "first", m.Get(key))
	assert.Empty(t, destroyed)

	m.Set(key, "second", func(v any) { destroyed = append(destroyed, v) })
	assert.Equal(t, []any{"first"}, destroyed)
	assert.Equal(t, "second", m.Get(key))
}

func TestFreeRunsAllDestructorsOnce(t *testing.T) {
	m := New()
	counts := map[string]int{}
	for _, name := range []string{"a", "b", "c"} {
		name := name
		m.Set(new(int), name, func(v any) { counts[v.(string)]++ })
	}
	m.Free()
	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1}, counts)

	// idempotent: nothing left to destroy.
	m.Free()
	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1}, counts)
}
