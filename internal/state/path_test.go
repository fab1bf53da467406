package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRootSplitsFirstSegment(t *testing.T) {
	r, rest := root("state.items.0.name")
	assert.Equal(t, "state", r)
	assert.Equal(t, []string{"items", "0", "name"}, rest)
}

func TestGetPathNavigatesMapsAndSlices(t *testing.T) {
	v := map[string]any{"items": []any{map[string]any{"name": "a"}, map[string]any{"name": "b"}}}
	got, ok := getPath(v, []string{"items", "1", "name"})
	assert.True(t, ok)
	assert.Equal(t, "b", got)

	_, ok = getPath(v, []string{"items", "5", "name"})
	assert.False(t, ok)
}

func TestSetPathCreatesIntermediateMaps(t *testing.T) {
	root := map[string]any{}
	err := setPath(root, []string{"a", "b", "c"}, 7)
	assert.NoError(t, err)
	assert.Equal(t, 7, root["a"].(map[string]any)["b"].(map[string]any)["c"])
}

func TestSetPathRejectsBadArrayIndex(t *testing.T) {
	root := map[string]any{"items": []any{map[string]any{}}}
	err := setPath(root, []string{"items", "9", "name"}, "x")
	assert.Error(t, err)
}

func TestPathsOverlap(t *testing.T) {
	assert.True(t, pathsOverlap("state.x", "state.x"))
	assert.True(t, pathsOverlap("state.x", "state.x.y"))
	assert.True(t, pathsOverlap("state.x.y", "state.x"))
	assert.False(t, pathsOverlap("state.x", "state.y"))
}

func TestDeepCopyIsIndependent(t *testing.T) {
	orig := map[string]any{"a": []any{1, 2}}
	cp := deepCopy(orig).(map[string]any)
	cp["a"].([]any)[0] = 99
	assert.Equal(t, 1, orig["a"].([]any)[0])
}
