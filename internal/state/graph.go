package state

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aroton/aromcp/internal/domain"
	domerrors "github.com/aroton/aromcp/internal/domain/errors"
)

// depGraph is the inverted dependency index + precomputed topological
// order described in spec §4.2/§9: a fixed node list (one per computed
// field) with edges derived from each field's declared DependsOn paths.
// Non-computed dependencies (state.*/inputs.*) are leaves; only
// computed→computed edges participate in cycle detection and ordering.
type depGraph struct {
	defs       map[string]*domain.ComputedFieldDef
	order      []string            // topological order, computed fields only
	dependents map[string][]string // computed field name -> fields that depend on it
}

// buildDepGraph validates acyclicity and precomputes a topological order.
// Mirrors spec §3's invariant "the dependency graph across all computed
// fields must be acyclic; cycles are a load-time error" — callers at load
// time surface this as ValidationError; StateStore construction at
// instance-start time treats a cycle as an Internal bug, since the loader
// should already have rejected it.
func buildDepGraph(fields []*domain.ComputedFieldDef) (*depGraph, error) {
	defs := make(map[string]*domain.ComputedFieldDef, len(fields))
	for _, f := range fields {
		defs[f.Name] = f
	}

	dependents := make(map[string][]string)
	inDegree := make(map[string]int)
	for _, f := range fields {
		inDegree[f.Name] = 0
	}
	for _, f := range fields {
		for _, dep := range f.DependsOn {
			depRoot, rest := root(dep)
			if depRoot != "computed" || len(rest) == 0 {
				continue
			}
			depName := rest[0]
			if _, ok := defs[depName]; !ok {
				continue
			}
			dependents[depName] = append(dependents[depName], f.Name)
			inDegree[f.Name]++
		}
	}

	// Kahn's algorithm for a deterministic topological order.
	var queue []string
	for _, f := range fields {
		if inDegree[f.Name] == 0 {
			queue = append(queue, f.Name)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(fields))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		next := append([]string(nil), dependents[n]...)
		sort.Strings(next)
		for _, m := range next {
			inDegree[m]--
			if inDegree[m] == 0 {
				queue = append(queue, m)
			}
		}
	}

	if len(order) != len(fields) {
		var stuck []string
		for _, f := range fields {
			if inDegree[f.Name] > 0 {
				stuck = append(stuck, f.Name)
			}
		}
		sort.Strings(stuck)
		return nil, domerrors.New(domerrors.KindInternal,
			fmt.Sprintf("circular computed field dependency among %s", strings.Join(stuck, ", ")))
	}

	return &depGraph{defs: defs, order: order, dependents: dependents}, nil
}

// affected returns the set of computed field names whose value may have
// changed as a result of a write to path, including the transitive closure
// through computed→computed edges, filtered to the precomputed topological
// order so the caller can recompute in a valid sequence.
func (g *depGraph) affected(writePaths []string) []string {
	dirty := make(map[string]bool)

	var markDependents func(name string)
	markDependents = func(name string) {
		for _, dep := range g.dependents[name] {
			if !dirty[dep] {
				dirty[dep] = true
				markDependents(dep)
			}
		}
	}

	for _, name := range g.order {
		def := g.defs[name]
		for _, dep := range def.DependsOn {
			for _, w := range writePaths {
				if pathsOverlap(w, dep) {
					if !dirty[name] {
						dirty[name] = true
						markDependents(name)
					}
				}
			}
		}
	}

	out := make([]string, 0, len(dirty))
	for _, name := range g.order {
		if dirty[name] {
			out = append(out, name)
		}
	}
	return out
}

// all returns every computed field name in topological order (used for
// the initial full evaluation at instance start).
func (g *depGraph) all() []string {
	return g.order
}

// ValidateAcyclic is the load-time cycle check the loader package runs
// before a workflow is accepted (spec §4.1/§8 boundary case: circular
// computed dependency fails validation naming the cycle). It reuses the
// same Kahn's-algorithm construction StateStore relies on at instance
// start, so the two never disagree about what counts as a cycle.
func ValidateAcyclic(fields []*domain.ComputedFieldDef) error {
	_, err := buildDepGraph(fields)
	return err
}
