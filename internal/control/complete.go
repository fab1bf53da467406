package control

import (
	"fmt"

	"github.com/aroton/aromcp/internal/domain"
	domerrors "github.com/aroton/aromcp/internal/domain/errors"
	"github.com/aroton/aromcp/internal/state"
)

// Complete applies a client-reported StepResult for the step currently at
// the instance's cursor (spec §6 Control API step_complete) and advances
// the frame stack. Unlike server-internal steps, a client-delegated
// step's retry strategy re-dispatches the same step rather than calling a
// local attempt function: Complete returns retry=true when the caller
// should hand the same descriptor back out via Advance instead of moving
// the cursor forward.
func (it *Interpreter) Complete(inst *domain.WorkflowInstance, result domain.StepResult) (retry bool, err error) {
	frame := inst.CurrentFrame()
	if frame == nil || frame.PC >= len(frame.Steps) {
		return false, domerrors.New(domerrors.KindInternal, "step_complete with no pending step")
	}
	step := frame.Steps[frame.PC]
	if step.ID != result.StepID {
		return false, domerrors.New(domerrors.KindValidation,
			fmt.Sprintf("step_complete for %q does not match pending step %q", result.StepID, step.ID))
	}

	if result.Status == domain.StepOK {
		if err := it.writeOutput(step, result.Output); err != nil {
			return false, err
		}
		inst.Status = domain.InstanceRunning
		frame.PC++
		it.recordClientStep(step, true, false)
		return false, nil
	}

	retry, err = it.completeError(inst, frame, step, result)
	it.recordClientStep(step, false, retry)
	return retry, err
}

// recordClientStep reports a client-delegated step's outcome to it.Metrics
// (spec §4.8 "step count by type, retry counts, error counts"). The client
// round trip itself isn't timed here, only whether it succeeded or needs a
// retry.
func (it *Interpreter) recordClientStep(step *domain.StepDef, success, retried bool) {
	if it.Metrics == nil {
		return
	}
	it.Metrics.RecordStep(string(step.Type), 0, success, retried)
}

func (it *Interpreter) writeOutput(step *domain.StepDef, output any) error {
	outPath := step.Str("output_path")
	if outPath == "" {
		return nil
	}
	return it.Store.Apply([]state.Update{{Path: outPath, Op: domain.OpSet, Value: output}})
}

func (it *Interpreter) completeError(inst *domain.WorkflowInstance, frame *domain.Frame, step *domain.StepDef, result domain.StepResult) (retry bool, err error) {
	eh := step.ErrorHandling
	msg := "client-delegated step failed"
	if result.Error != nil {
		msg = result.Error.Message
	}

	switch eh.Strategy {
	case domain.StrategyRetry:
		if inst.RetryCounts[step.ID] < eh.MaxRetries {
			inst.RetryCounts[step.ID]++
			inst.Status = domain.InstanceRunning
			return true, nil
		}
		if eh.FallbackValue != nil {
			if werr := it.writeOutput(step, eh.FallbackValue); werr != nil {
				return false, werr
			}
			inst.RecordError(step.ID, "FallbackError", msg)
			inst.Status = domain.InstanceRunning
			frame.PC++
			return false, nil
		}
		it.fail(inst, domerrors.New(domerrors.KindTool, fmt.Sprintf("step %q exhausted retries: %s", step.ID, msg)))
		return false, nil

	case domain.StrategyFallback:
		if werr := it.writeOutput(step, eh.FallbackValue); werr != nil {
			return false, werr
		}
		inst.RecordError(step.ID, "FallbackError", msg)
		inst.Status = domain.InstanceRunning
		frame.PC++
		return false, nil

	case domain.StrategyContinue:
		inst.RecordError(step.ID, "ContinuedError", msg)
		inst.Status = domain.InstanceRunning
		frame.PC++
		return false, nil

	case domain.StrategyFail:
		fallthrough
	default:
		it.fail(inst, domerrors.New(domerrors.KindTool, fmt.Sprintf("step %q failed: %s", step.ID, msg)))
		return false, nil
	}
}
