// Package subagent implements parallel_foreach fan-out (spec §4.6): one
// isolated SubAgentContext per item (the driving client paces how many it
// advances at once, up to max_parallel), and an atomic merge of every
// item's output back into the parent StateStore at join.
//
// Grounded on the teacher's internal/application/executor concurrency
// shape (bounded worker pool via buffered channel + WaitGroup, observed in
// the now-deleted engine.go parallel-branch runner) — generalized from
// "execute N graph branches to completion synchronously" to "materialize N
// independently-steppable sub-instances", since each item's body is driven
// by the same client-delegated step protocol as the root workflow and
// cannot simply run to completion inside one Go call.
package subagent

import (
	"fmt"

	"github.com/aroton/aromcp/internal/control"
	"github.com/aroton/aromcp/internal/domain"
	domerrors "github.com/aroton/aromcp/internal/domain/errors"
	"github.com/aroton/aromcp/internal/expreval"
	"github.com/aroton/aromcp/internal/session"
	"github.com/aroton/aromcp/internal/state"
)

// Context is one item's isolated execution: its own frame stack over the
// sub-agent task's steps, its own StateStore seeded from a read-only
// snapshot of the parent plus the bound loop variables, and its own
// Interpreter instance.
type Context struct {
	ID       string
	Item     any
	Index    int
	Instance *domain.WorkflowInstance
	Store    *state.StateStore
	Interp   *control.Interpreter
	Output   any
	Err      error
}

// Fleet is one parallel_foreach invocation's full set of sub-agent
// contexts plus the bookkeeping needed to merge results at join.
type Fleet struct {
	Contexts    []*Context
	mergePath   string
	keyTemplate string
	eval        *expreval.Evaluator
}

// Start evaluates the parallel_foreach step's items and materializes one
// Context per item. taskDef's own StepDef list forms each context's root
// frame. parentSnapshot is the flattened, read-only parent view every
// context's StateStore is seeded with as inputs.parent, alongside
// inputs.item/index/total bindings (spec §4.6 isolation). metrics, if
// non-nil, is wired into every context's Interpreter so steps executed
// inside the sub-agent body are counted the same as root-workflow steps
// (spec §4.8).
func Start(step *domain.StepDef, taskDef *domain.SubAgentTaskDef, parentSnapshot map[string]any, eval *expreval.Evaluator, shell control.ShellRunner, metrics *session.MetricsCollector) (*Fleet, error) {
	itemsRaw, err := eval.Eval(step.Str("items"), parentSnapshot)
	if err != nil {
		return nil, domerrors.Wrap(domerrors.KindExpression, fmt.Sprintf("evaluating parallel_foreach %q items", step.ID), err).WithLocation(step.Location)
	}
	items, ok := itemsRaw.([]any)
	if !ok {
		return nil, domerrors.New(domerrors.KindExpression, fmt.Sprintf("parallel_foreach %q items did not evaluate to a list", step.ID)).WithLocation(step.Location)
	}

	fleet := &Fleet{
		mergePath:   step.Str("merge_path"),
		keyTemplate: step.Str("merge_key"),
		eval:        eval,
	}

	for i, item := range items {
		def := &domain.WorkflowDef{
			Namespace: "sub_agent", ID: taskDef.Name,
			Steps:        taskDef.Steps,
			DefaultState: map[string]any{},
		}
		inst := domain.NewWorkflowInstance(def)

		inputs := map[string]any{
			"parent": parentSnapshot,
			"item":   item,
			"index":  i,
			"total":  len(items),
		}
		store, err := state.New(def, inputs, eval)
		if err != nil {
			return nil, err
		}

		interp := control.New(store, eval, shell)
		interp.Metrics = metrics
		fleet.Contexts = append(fleet.Contexts, &Context{
			ID:       fmt.Sprintf("%s[%d]", step.ID, i),
			Item:     item,
			Index:    i,
			Instance: inst,
			Store:    store,
			Interp:   interp,
		})
	}
	return fleet, nil
}

// Pending returns every context not yet terminal. max_parallel (spec §4.6)
// bounds how many of these the driving client is expected to advance
// concurrently; the engine hands the limit through as a value on the
// parallel_tasks descriptor (internal/engine.startFleet) rather than
// policing it itself, since get_next_step/step_complete are client-paced
// RPCs with no server-side loop to apply a gate inside.
func (f *Fleet) Pending() []*Context {
	var out []*Context
	for _, c := range f.Contexts {
		if !c.Instance.Status.IsTerminal() {
			out = append(out, c)
		}
	}
	return out
}

// CollectOutput reads the sub-agent task's result from its state tier
// once its instance is terminal (by convention, "state.output" — the
// same path a sub-agent task's steps are expected to state_update before
// finishing) and stores it on the context for Merge.
func (f *Fleet) CollectOutput(c *Context) {
	if v, err := c.Store.Read("state.output"); err == nil {
		c.Output = v
	}
}

// Done reports whether every context has reached a terminal status.
func (f *Fleet) Done() bool {
	for _, c := range f.Contexts {
		if !c.Instance.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// ByID finds a context by its fan-out-assigned ID.
func (f *Fleet) ByID(id string) *Context {
	for _, c := range f.Contexts {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// Merge folds every context's output into the parent StateStore once all
// contexts are terminal (spec §4.6 atomic merge at join). A context whose
// instance finished in a non-completed status gets no entry in the merged
// mapping and is returned among the failed contexts rather than aborting
// the whole merge.
func (f *Fleet) Merge(parentStore *state.StateStore) ([]*Context, error) {
	merged := make(map[string]any, len(f.Contexts))
	var failed []*Context
	for _, c := range f.Contexts {
		if c.Instance.Status != domain.InstanceCompleted {
			failed = append(failed, c)
			continue
		}
		merged[f.keyFor(c)] = c.Output
	}

	if f.mergePath == "" {
		return failed, nil
	}
	if err := parentStore.Apply([]state.Update{{Path: f.mergePath, Op: domain.OpMerge, Value: merged}}); err != nil {
		return nil, err
	}
	return failed, nil
}

func (f *Fleet) keyFor(c *Context) string {
	if f.keyTemplate == "" {
		return fmt.Sprintf("%d", c.Index)
	}
	flat := map[string]any{"item": c.Item, "index": c.Index}
	key, err := f.eval.EvalTemplate(f.keyTemplate, flat)
	if err != nil {
		return fmt.Sprintf("%d", c.Index)
	}
	return key
}
