package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextGetSetHas(t *testing.T) {
	wc := NewContext(map[string]any{"seed": 1})

	v, ok := wc.Get("seed")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	assert.False(t, wc.Has("missing"))
	_, ok = wc.Get("missing")
	assert.False(t, ok)

	wc.Set("key", "value")
	assert.True(t, wc.Has("key"))

	// overwrite
	wc.Set("key", "other")
	v, _ = wc.Get("key")
	assert.Equal(t, "other", v)
}

func TestContextSnapshotIsACopy(t *testing.T) {
	wc := NewContext(map[string]any{"a": 1})
	snapshot := wc.Snapshot()
	snapshot["a"] = 42
	snapshot["b"] = true

	v, _ := wc.Get("a")
	assert.Equal(t, 1, v)
	assert.False(t, wc.Has("b"))
}

func TestContextNilInitial(t *testing.T) {
	wc := NewContext(nil)
	assert.False(t, wc.Has("anything"))
	wc.Set("x", 1)
	assert.True(t, wc.Has("x"))
}
