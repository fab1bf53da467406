package state

import (
	"fmt"
	"strconv"
	"strings"

	domerrors "github.com/aroton/aromcp/internal/domain/errors"
)

// splitPath breaks a dotted path ("state.items.0.name") into segments.
func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// root returns the first segment (the declared tier: inputs/state/computed)
// and the remaining segments.
func root(path string) (string, []string) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return "", nil
	}
	return segs[0], segs[1:]
}

// getPath navigates segs into v, returning (value, found).
func getPath(v any, segs []string) (any, bool) {
	cur := v
	for _, seg := range segs {
		switch node := cur.(type) {
		case map[string]any:
			val, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = val
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// setPath writes value at segs under root, creating intermediate maps as
// needed. root must be a map[string]any; arrays are navigated but never
// grown (an out-of-range numeric segment is a PathError).
func setPath(rootMap map[string]any, segs []string, value any) error {
	if len(segs) == 0 {
		return domerrors.New(domerrors.KindPath, "empty write path")
	}
	cur := rootMap
	for i, seg := range segs {
		last := i == len(segs)-1
		if last {
			cur[seg] = value
			return nil
		}
		next, exists := cur[seg]
		if !exists {
			// A missing intermediate container is always created as a
			// map, whatever the following segment looks like.
			nm := make(map[string]any)
			cur[seg] = nm
			cur = nm
			continue
		}
		switch n := next.(type) {
		case map[string]any:
			cur = n
		case []any:
			idx, err := strconv.Atoi(segs[i+1])
			if err != nil || idx < 0 || idx >= len(n) {
				return domerrors.New(domerrors.KindPath,
					fmt.Sprintf("path segment %q is not a valid index into a %d-element array", segs[i+1], len(n)))
			}
			sub, ok := n[idx].(map[string]any)
			if !ok {
				return domerrors.New(domerrors.KindPath,
					fmt.Sprintf("cannot descend into non-object array element at %q", seg))
			}
			cur = sub
		default:
			return domerrors.New(domerrors.KindPath,
				fmt.Sprintf("path segment %q is not an object", seg))
		}
	}
	return nil
}

// deepCopy recursively clones JSON-shaped values (map[string]any,
// []any, scalars) so snapshots handed to readers or sub-agents never alias
// the live store.
func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return t
	}
}

// pathsOverlap reports whether writePath and depPath name the same node or
// one is an ancestor of the other (segment-wise, not substring).
func pathsOverlap(writePath, depPath string) bool {
	w := splitPath(writePath)
	d := splitPath(depPath)
	n := len(w)
	if len(d) < n {
		n = len(d)
	}
	for i := 0; i < n; i++ {
		if w[i] != d[i] {
			return false
		}
	}
	return true
}
