// Package state implements the three-tier reactive StateStore described in
// spec §3/§4.2: a read-only inputs tier, a mutable state tier, and a
// computed tier whose fields are pure functions of the other two,
// recomputed synchronously inside Apply via an inverted dependency index.
//
// Grounded on the teacher's internal/domain/variables.go VariableSet
// (RWMutex-guarded map, Get/Set/Clone/Merge idiom), generalized from one
// flat namespace into three tiers plus the dependency graph in graph.go.
package state

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aroton/aromcp/internal/domain"
	domerrors "github.com/aroton/aromcp/internal/domain/errors"
	"github.com/aroton/aromcp/internal/expreval"
)

// Update is one write instruction accepted by StateStore.Apply (spec §4.2).
type Update struct {
	Path  string
	Op    domain.Operation
	Value any
}

// DefaultMaxStateBytes bounds the serialized size of the state tier
// (spec §5 resource policy); computed values are not counted.
const DefaultMaxStateBytes = 100 * 1024 * 1024

// StateStore is the per-instance three-tier state container.
type StateStore struct {
	mu sync.RWMutex

	inputs map[string]any
	state  map[string]any

	computedVals map[string]any
	computedErrs map[string]error

	graph *depGraph
	eval  *expreval.Evaluator

	maxStateBytes int

	// peakStateBytes and recomputeCounts back the session-metrics counters
	// spec §4.8 requires ("peak state size", "recompute counts per
	// computed field"); both are maintained here since this is the only
	// place that already measures serialized state size (Apply) and
	// evaluates a computed field's transform (recomputeOne).
	peakStateBytes  int
	recomputeCounts map[string]int
}

// New builds a StateStore for a fresh WorkflowInstance: inputs are fixed at
// construction (read-only thereafter), state starts from the workflow's
// default_state, and every computed field is evaluated once up front.
func New(def *domain.WorkflowDef, inputs map[string]any, eval *expreval.Evaluator) (*StateStore, error) {
	var computedDefs []*domain.ComputedFieldDef
	if def.StateSchema != nil {
		computedDefs = def.StateSchema.Computed
	}
	graph, err := buildDepGraph(computedDefs)
	if err != nil {
		return nil, err
	}

	st := &StateStore{
		inputs:          deepCopy(inputs).(map[string]any),
		state:           deepCopy(def.DefaultState).(map[string]any),
		computedVals:    make(map[string]any),
		computedErrs:    make(map[string]error),
		graph:           graph,
		eval:            eval,
		maxStateBytes:   DefaultMaxStateBytes,
		recomputeCounts: make(map[string]int),
	}
	if st.state == nil {
		st.state = make(map[string]any)
	}
	if st.inputs == nil {
		st.inputs = make(map[string]any)
	}

	for _, name := range graph.all() {
		st.recomputeOne(name)
	}
	return st, nil
}

// flatLocked builds the flattened view under the caller's held lock
// (spec §3): each tier sits under its own root key ("inputs", "state",
// "computed"), so every name is reached through its tier's root and no
// tier shadows another.
func (s *StateStore) flatLocked() map[string]any {
	flat := make(map[string]any, 3)
	flat["inputs"] = deepCopy(s.inputs)
	flat["state"] = deepCopy(s.state)
	flat["computed"] = s.computedSnapshotLocked()
	return flat
}

func (s *StateStore) computedSnapshotLocked() map[string]any {
	out := make(map[string]any, len(s.computedVals))
	for k, v := range s.computedVals {
		out[k] = v
	}
	return out
}

// ReadFlat returns a consistent snapshot of the flattened view (spec §4.2
// read_flat).
func (s *StateStore) ReadFlat() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flatLocked()
}

// Read resolves a single dotted path against inputs/state/computed (spec
// §4.2 read). A computed field under the "propagate" error policy surfaces
// its stored error here.
func (s *StateStore) Read(path string) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, rest := root(path)
	switch r {
	case "inputs":
		v, ok := getPath(s.inputs, rest)
		if !ok {
			return nil, domerrors.New(domerrors.KindPath, fmt.Sprintf("undeclared path %q", path))
		}
		return deepCopy(v), nil
	case "state":
		v, ok := getPath(s.state, rest)
		if !ok {
			return nil, domerrors.New(domerrors.KindPath, fmt.Sprintf("undeclared path %q", path))
		}
		return deepCopy(v), nil
	case "computed":
		if len(rest) == 0 {
			return nil, domerrors.New(domerrors.KindPath, fmt.Sprintf("undeclared path %q", path))
		}
		name := rest[0]
		if err, ok := s.computedErrs[name]; ok && err != nil {
			return nil, err
		}
		v, ok := s.computedVals[name]
		if !ok {
			return nil, domerrors.New(domerrors.KindPath, fmt.Sprintf("undeclared computed field %q", name))
		}
		if len(rest) > 1 {
			nested, ok := getPath(v, rest[1:])
			if !ok {
				return nil, domerrors.New(domerrors.KindPath, fmt.Sprintf("undeclared path %q", path))
			}
			return deepCopy(nested), nil
		}
		return deepCopy(v), nil
	default:
		return nil, domerrors.New(domerrors.KindPath, fmt.Sprintf("undeclared root %q", r))
	}
}

// Apply performs a batch of writes atomically under the store's single
// logical write-lock, then recomputes every computed field whose
// transitive dependencies intersect the written paths, in topological
// order, before returning (spec §4.2 apply/Recomputation). A failure
// partway through the batch (a bad path, a non-numeric target, a size
// overflow) leaves s.state byte-for-byte as it was before Apply was
// called — every update is staged against a working copy first, and only
// committed once the whole batch and the size check succeed (spec §8
// boundary case: "writes through a stale path ... leave state unchanged").
func (s *StateStore) Apply(updates []Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	working := deepCopy(s.state).(map[string]any)

	writePaths := make([]string, 0, len(updates))
	for _, u := range updates {
		r, rest := root(u.Path)
		if r != "state" {
			return domerrors.New(domerrors.KindPath,
				fmt.Sprintf("write target %q is not writable; only state.* may be written", u.Path))
		}
		if len(rest) == 0 {
			return domerrors.New(domerrors.KindPath, "state root itself is not a writable path")
		}
		if err := applyOneTo(working, rest, u); err != nil {
			return err
		}
		writePaths = append(writePaths, u.Path)
	}

	if err := s.enforceSizeFor(working); err != nil {
		return err
	}

	s.state = working
	for _, name := range s.graph.affected(writePaths) {
		s.recomputeOne(name)
	}
	return nil
}

func applyOneTo(working map[string]any, rest []string, u Update) error {
	switch u.Op {
	case domain.OpSet:
		return setPath(working, rest, deepCopy(u.Value))
	case domain.OpAppend:
		cur, _ := getPath(working, rest)
		seq, ok := cur.([]any)
		if !ok {
			if cur == nil {
				seq = []any{}
			} else {
				return domerrors.New(domerrors.KindPath,
					fmt.Sprintf("append target %q is not a sequence", u.Path))
			}
		}
		seq = append(seq, deepCopy(u.Value))
		return setPath(working, rest, seq)
	case domain.OpMerge:
		cur, _ := getPath(working, rest)
		base, ok := cur.(map[string]any)
		if !ok {
			if cur == nil {
				base = map[string]any{}
			} else {
				return domerrors.New(domerrors.KindPath,
					fmt.Sprintf("merge target %q is not a mapping", u.Path))
			}
		}
		incoming, ok := u.Value.(map[string]any)
		if !ok {
			return domerrors.New(domerrors.KindPath,
				fmt.Sprintf("merge value for %q is not a mapping", u.Path))
		}
		merged := make(map[string]any, len(base)+len(incoming))
		for k, v := range base {
			merged[k] = v
		}
		for k, v := range incoming {
			merged[k] = deepCopy(v)
		}
		return setPath(working, rest, merged)
	case domain.OpIncrement, domain.OpDecrement, domain.OpMultiply:
		cur, _ := getPath(working, rest)
		curN, ok := toFloat(cur)
		if !ok {
			if cur == nil {
				curN = 0
			} else {
				return domerrors.New(domerrors.KindPath,
					fmt.Sprintf("numeric op on non-numeric target %q", u.Path))
			}
		}
		delta, ok := toFloat(u.Value)
		if !ok {
			delta = 1
		}
		var result float64
		switch u.Op {
		case domain.OpIncrement:
			result = curN + delta
		case domain.OpDecrement:
			result = curN - delta
		case domain.OpMultiply:
			result = curN * delta
		}
		return setPath(working, rest, result)
	default:
		return domerrors.New(domerrors.KindPath, fmt.Sprintf("unknown operation %q", u.Op))
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// recomputeOne evaluates a single computed field's transform against the
// current flattened view and applies its error policy (spec §3
// ComputedField, §4.2 Recomputation). Must be called with s.mu held.
func (s *StateStore) recomputeOne(name string) {
	s.recomputeCounts[name]++
	def := s.graph.defs[name]
	flat := s.flatLocked()
	val, err := s.eval.Eval(def.Expression, flat)
	if err == nil {
		s.computedVals[name] = val
		delete(s.computedErrs, name)
		return
	}

	switch def.ErrorPolicy {
	case domain.PolicyUseFallback:
		s.computedVals[name] = def.FallbackValue
		delete(s.computedErrs, name)
	case domain.PolicyPropagate:
		s.computedErrs[name] = err
	case domain.PolicyIgnore:
		// leave previous value (zero value on first evaluation) intact.
		if _, ok := s.computedVals[name]; !ok {
			s.computedVals[name] = nil
		}
	default:
		s.computedErrs[name] = err
	}
}

// enforceSizeFor measures working's serialized size, recording it as the
// new peak if it is the largest seen so far (spec §4.8 "peak state size"),
// then enforces the resource-policy cap (spec §5) if one is configured.
func (s *StateStore) enforceSizeFor(working map[string]any) error {
	b, err := json.Marshal(working)
	if err != nil {
		return domerrors.Wrap(domerrors.KindInternal, "failed to measure state size", err)
	}
	if len(b) > s.peakStateBytes {
		s.peakStateBytes = len(b)
	}
	if s.maxStateBytes > 0 && len(b) > s.maxStateBytes {
		return domerrors.New(domerrors.KindPath,
			fmt.Sprintf("state size %d bytes exceeds limit %d bytes", len(b), s.maxStateBytes))
	}
	return nil
}

// SetMaxStateBytes overrides the default resource cap (spec §5, wired from
// internal/config).
func (s *StateStore) SetMaxStateBytes(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxStateBytes = n
}

// PeakStateBytes returns the largest serialized state size observed across
// every Apply call so far (spec §4.8 "peak state size").
func (s *StateStore) PeakStateBytes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peakStateBytes
}

// RecomputeCounts returns, per computed field name, how many times it has
// been recomputed (spec §4.8 "recompute counts per computed field"),
// including the upfront evaluation performed in New.
func (s *StateStore) RecomputeCounts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.recomputeCounts))
	for k, v := range s.recomputeCounts {
		out[k] = v
	}
	return out
}

// Snapshot returns a deep copy of the three raw tiers, used to materialize
// a SubAgentContext's read-only parent view (spec §4.6).
func (s *StateStore) Snapshot() (inputs, state, computed map[string]any) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return deepCopy(s.inputs).(map[string]any), deepCopy(s.state).(map[string]any), s.computedSnapshotLocked()
}
