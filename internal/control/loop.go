package control

import (
	"fmt"

	"github.com/aroton/aromcp/internal/domain"
	domerrors "github.com/aroton/aromcp/internal/domain/errors"
)

// enterWhile evaluates a while step's condition once and, if true, pushes
// a body frame with AttemptNumber 1; otherwise it is a zero-iteration loop
// and control falls through to the following step.
func (it *Interpreter) enterWhile(inst *domain.WorkflowInstance, parent *domain.Frame, step *domain.StepDef) error {
	cond, err := it.evalLoopCondition(inst, step)
	if err != nil {
		return err
	}
	if !cond {
		parent.PC++
		return nil
	}
	inst.PushFrame(&domain.Frame{
		Kind: domain.FrameWhile, Steps: step.Body, Source: step, AttemptNumber: 1,
	})
	return nil
}

// loopWhileAgain is invoked when a while's body frame is exhausted: the
// condition is re-evaluated against state as written by the just-finished
// iteration (spec §4.5's mandated synchronous write -> recompute ->
// reevaluate ordering; StateStore.Apply already recomputed every affected
// computed field before this call happens, so the read here always sees
// fresh values).
func (it *Interpreter) loopWhileAgain(inst *domain.WorkflowInstance, frame *domain.Frame) (done bool, err error) {
	maxIter := frame.Source.Int("max_iterations", DefaultMaxIterations)
	if frame.AttemptNumber >= maxIter {
		cond, cerr := it.evalLoopCondition(inst, frame.Source)
		if cerr == nil && cond {
			return false, domerrors.New(domerrors.KindLoopBound,
				fmt.Sprintf("while step %q exceeded max_iterations (%d)", frame.Source.ID, maxIter)).WithLocation(frame.Source.Location)
		}
	}

	cond, err := it.evalLoopCondition(inst, frame.Source)
	if err != nil {
		return false, err
	}
	if cond {
		frame.PC = 0
		frame.AttemptNumber++
		return false, nil
	}

	inst.PopFrame()
	inst.CurrentFrame().PC++
	return false, nil
}

func (it *Interpreter) evalLoopCondition(inst *domain.WorkflowInstance, step *domain.StepDef) (bool, error) {
	cond, err := it.Eval.EvalCondition(step.Str("condition"), Vars(inst, it.Store.ReadFlat()))
	if err != nil {
		return false, domerrors.Wrap(domerrors.KindExpression, fmt.Sprintf("evaluating while condition for step %q", step.ID), err).WithLocation(step.Location)
	}
	return cond, nil
}

// enterForeach evaluates the items expression once at loop entry (spec
// §4.5 foreach): the bound list is fixed for the iteration even if the
// body subsequently mutates the underlying state path.
func (it *Interpreter) enterForeach(inst *domain.WorkflowInstance, parent *domain.Frame, step *domain.StepDef) error {
	raw, err := it.Eval.Eval(step.Str("items"), Vars(inst, it.Store.ReadFlat()))
	if err != nil {
		return domerrors.Wrap(domerrors.KindExpression, fmt.Sprintf("evaluating items for step %q", step.ID), err).WithLocation(step.Location)
	}
	items, ok := raw.([]any)
	if !ok {
		return domerrors.New(domerrors.KindExpression,
			fmt.Sprintf("foreach step %q items did not evaluate to a list", step.ID)).WithLocation(step.Location)
	}
	if len(items) == 0 {
		parent.PC++
		return nil
	}
	inst.PushFrame(&domain.Frame{
		Kind: domain.FrameForeach, Steps: step.Body, Source: step,
		Items: items, Item: items[0], Index: 0, Total: len(items),
	})
	return nil
}

func (it *Interpreter) loopForeachAgain(inst *domain.WorkflowInstance, frame *domain.Frame) (done bool, err error) {
	next := frame.Index + 1
	if next < frame.Total {
		frame.Index = next
		frame.Item = frame.Items[next]
		frame.PC = 0
		return false, nil
	}
	inst.PopFrame()
	inst.CurrentFrame().PC++
	return false, nil
}
