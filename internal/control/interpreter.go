// Package control implements the frame-stack step-sequencing interpreter
// (spec §4.5 Control-flow interpreter): it walks a WorkflowInstance's
// Frame stack, executing server-internal steps in place and stopping at
// the next client-delegated step or blocking boundary, draining as many
// internal steps as possible per call (spec §4.4 batching rule).
//
// Grounded on the teacher's internal/application/executor package for the
// general shape of "execute one step, interpret its result, decide what
// runs next" — generalized from the teacher's DAG/node-successor model
// into an explicit frame stack per spec §9's "frames over recursion"
// design note, since workflow bodies (conditional/while/foreach) nest
// arbitrarily and Go call-stack recursion would tie control state to the
// Go stack instead of to serializable data.
package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aroton/aromcp/internal/domain"
	domerrors "github.com/aroton/aromcp/internal/domain/errors"
	"github.com/aroton/aromcp/internal/expreval"
	"github.com/aroton/aromcp/internal/retrypolicy"
	"github.com/aroton/aromcp/internal/session"
	"github.com/aroton/aromcp/internal/state"
)

var errShellUnconfigured = errors.New("no ShellRunner configured for server-internal shell_command")

// DefaultMaxIterations bounds a while loop absent an explicit
// max_iterations field (spec §4.5 LoopBound).
const DefaultMaxIterations = 100

// Interpreter advances one WorkflowInstance's frame stack at a time. It
// holds no per-instance state itself; the StateStore and Evaluator it is
// constructed with are scoped to a single instance (or sub-agent item) by
// the caller (internal/engine, internal/subagent).
type Interpreter struct {
	Store *state.StateStore
	Eval  *expreval.Evaluator
	Shell ShellRunner

	// Breakers trips one circuit per distinct server-internal shell_command
	// line, so a consistently-failing command stops being retried workflow
	// after workflow instead of burning the full retry budget every time
	// (spec §9 design note on isolating repeated-failure tool calls).
	Breakers *retrypolicy.CircuitBreakerRegistry

	// Metrics, if set, receives a RecordStep call for every server-internal
	// step this Interpreter executes (spec §4.8 "step count by type, retry
	// counts, error counts"). Left nil in tests that don't care about it.
	Metrics *session.MetricsCollector
}

// New builds an Interpreter over a single instance's (or sub-agent item's)
// state.
func New(store *state.StateStore, eval *expreval.Evaluator, shell ShellRunner) *Interpreter {
	if shell == nil {
		shell = NoopShellRunner{}
	}
	return &Interpreter{
		Store:    store,
		Eval:     eval,
		Shell:    shell,
		Breakers: retrypolicy.NewCircuitBreakerRegistry(retrypolicy.DefaultCircuitBreakerConfig()),
	}
}

// Advance drains server-internal steps from inst's current position,
// returning the next client-delegated StepDescriptor, or nil if the
// instance reached a terminal status. The trace of every server-internal
// step executed along the way is attached to the descriptor's
// InternalTrace when debug is true (spec §4.8 debug mode).
func (it *Interpreter) Advance(ctx context.Context, inst *domain.WorkflowInstance, debug bool) (*domain.StepDescriptor, error) {
	var trace []domain.TraceStep

	// Workflow-level deadline (spec §4.7 "most restrictive deadline wins"):
	// every step-level context derived below is a child of this one, so a
	// step_timeout can only narrow it further, never extend past it.
	if inst.Def.TimeoutSeconds > 0 {
		deadline := inst.StartedAt.Add(time.Duration(inst.Def.TimeoutSeconds) * time.Second)
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	for {
		if inst.Status.IsTerminal() {
			return nil, nil
		}

		if err := ctx.Err(); err != nil {
			werr := domerrors.Wrap(domerrors.KindTimeout, "workflow deadline exceeded", err)
			it.fail(inst, werr)
			return nil, werr
		}

		frame := inst.CurrentFrame()
		if frame == nil {
			inst.Finish(domain.InstanceCompleted)
			return nil, nil
		}

		if frame.PC >= len(frame.Steps) {
			done, err := it.closeFrame(inst, frame)
			if err != nil {
				it.fail(inst, err)
				return nil, err
			}
			if done {
				return nil, nil
			}
			continue
		}

		step := frame.Steps[frame.PC]
		inst.StepCounts[step.Type]++

		switch step.Type {
		case domain.StepBreak:
			if err := it.doBreak(inst); err != nil {
				it.fail(inst, err)
				return nil, err
			}
			continue

		case domain.StepContinue:
			if err := it.doContinue(inst); err != nil {
				it.fail(inst, err)
				return nil, err
			}
			continue

		case domain.StepConditional:
			if err := it.pushConditional(inst, frame, step); err != nil {
				it.fail(inst, err)
				return nil, err
			}
			continue

		case domain.StepWhile:
			if err := it.enterWhile(inst, frame, step); err != nil {
				it.fail(inst, err)
				return nil, err
			}
			continue

		case domain.StepForeach:
			if err := it.enterForeach(inst, frame, step); err != nil {
				it.fail(inst, err)
				return nil, err
			}
			continue

		case domain.StepStateUpdate:
			stepCtx, cancel := it.stepContext(ctx, step)
			ts, err := it.execStateUpdate(stepCtx, inst, step)
			cancel()
			if err != nil {
				it.fail(inst, err)
				return nil, err
			}
			trace = append(trace, ts)
			frame.PC++
			continue

		case domain.StepShellCommand:
			if step.ExecutionContext == domain.ContextClient {
				inst.Status = domain.InstanceWaitingForClient
				return it.descriptor(inst, step, trace, debug), nil
			}
			stepCtx, cancel := it.stepContext(ctx, step)
			ts, err := it.execShell(stepCtx, inst, step)
			cancel()
			if err != nil {
				it.fail(inst, err)
				return nil, err
			}
			trace = append(trace, ts)
			frame.PC++
			continue

		default:
			// Client-delegated: user_message, user_input, mcp_call,
			// agent_prompt, agent_response, agent_shell_command,
			// parallel_foreach, wait_step.
			inst.Status = domain.InstanceWaitingForClient
			return it.descriptor(inst, step, trace, debug), nil
		}
	}
}

// descriptor builds the client-facing StepDescriptor, substituting every
// templated field in Definition against the current flattened view plus
// in-scope loop vars (spec §4.4 "Template substitution is performed on
// client-delegated step descriptors before return").
func (it *Interpreter) descriptor(inst *domain.WorkflowInstance, step *domain.StepDef, trace []domain.TraceStep, debug bool) *domain.StepDescriptor {
	vars := Vars(inst, it.Store.ReadFlat())
	desc := &domain.StepDescriptor{
		ID:         step.ID,
		Type:       step.Type,
		Definition: it.substituteFields(step.Fields, vars),
	}
	if msg := step.Str("instructions"); msg != "" {
		desc.Instructions, _ = it.Eval.EvalTemplate(msg, vars)
	} else if msg := step.Str("message"); msg != "" {
		desc.Instructions, _ = it.Eval.EvalTemplate(msg, vars)
	} else if msg := step.Str("prompt"); msg != "" {
		desc.Instructions, _ = it.Eval.EvalTemplate(msg, vars)
	}
	if debug {
		desc.InternalTrace = trace
	}
	return desc
}

// substituteFields returns a copy of a step's raw field map with every
// string value run through template substitution; non-string values (and
// strings that fail to evaluate, e.g. a literal command containing "{{")
// pass through unchanged rather than aborting descriptor construction.
func (it *Interpreter) substituteFields(fields map[string]any, vars map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if s, ok := v.(string); ok {
			if rendered, err := it.Eval.EvalTemplate(s, vars); err == nil {
				out[k] = rendered
				continue
			}
		}
		out[k] = v
	}
	return out
}

// stepContext narrows ctx to step's own timeout (StepDef.TimeoutSeconds,
// read from the step's "timeout" key), if declared (spec
// §4.7 step-level deadline). Since it derives from ctx rather than
// replacing it, a tighter enclosing workflow-level deadline (applied once
// in Advance) always wins over a looser step-level one.
func (it *Interpreter) stepContext(ctx context.Context, step *domain.StepDef) (context.Context, context.CancelFunc) {
	if step.TimeoutSeconds <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, time.Duration(step.TimeoutSeconds)*time.Second)
}

func (it *Interpreter) fail(inst *domain.WorkflowInstance, err error) {
	var we *domerrors.WorkflowError
	if errors.As(err, &we) {
		inst.RecordError("", string(we.Kind), we.Message)
	} else {
		inst.RecordError("", string(domerrors.KindInternal), err.Error())
	}
	inst.Finish(domain.InstanceFailed)
}

// closeFrame handles PC exhaustion for the current frame: root completes
// the instance; conditional simply pops; while/foreach re-evaluate their
// governing expression before looping again or popping.
func (it *Interpreter) closeFrame(inst *domain.WorkflowInstance, frame *domain.Frame) (done bool, err error) {
	switch frame.Kind {
	case domain.FrameRoot:
		inst.Finish(domain.InstanceCompleted)
		return true, nil

	case domain.FrameConditional:
		inst.PopFrame()
		inst.CurrentFrame().PC++
		return false, nil

	case domain.FrameWhile:
		return it.loopWhileAgain(inst, frame)

	case domain.FrameForeach:
		return it.loopForeachAgain(inst, frame)

	default:
		inst.PopFrame()
		if inst.CurrentFrame() != nil {
			inst.CurrentFrame().PC++
		}
		return false, nil
	}
}

func (it *Interpreter) doBreak(inst *domain.WorkflowInstance) error {
	for {
		frame := inst.CurrentFrame()
		if frame == nil {
			return domerrors.New(domerrors.KindInternal, "break with no enclosing loop frame")
		}
		if frame.Kind == domain.FrameWhile || frame.Kind == domain.FrameForeach {
			inst.PopFrame()
			parent := inst.CurrentFrame()
			if parent == nil {
				return domerrors.New(domerrors.KindInternal, "break popped the root frame")
			}
			parent.PC++
			return nil
		}
		if len(inst.Frames) <= 1 {
			return domerrors.New(domerrors.KindValidation, "break used outside a loop body")
		}
		inst.PopFrame()
	}
}

func (it *Interpreter) doContinue(inst *domain.WorkflowInstance) error {
	for {
		frame := inst.CurrentFrame()
		if frame == nil {
			return domerrors.New(domerrors.KindInternal, "continue with no enclosing loop frame")
		}
		if frame.Kind == domain.FrameWhile || frame.Kind == domain.FrameForeach {
			frame.PC = len(frame.Steps) // force closeFrame to re-evaluate/advance
			return nil
		}
		if len(inst.Frames) <= 1 {
			return domerrors.New(domerrors.KindValidation, "continue used outside a loop body")
		}
		inst.PopFrame()
	}
}

func (it *Interpreter) pushConditional(inst *domain.WorkflowInstance, parent *domain.Frame, step *domain.StepDef) error {
	cond, err := it.Eval.EvalCondition(step.Str("condition"), Vars(inst, it.Store.ReadFlat()))
	if err != nil {
		return domerrors.Wrap(domerrors.KindExpression, fmt.Sprintf("evaluating condition for step %q", step.ID), err).WithLocation(step.Location)
	}
	body := step.ElseSteps
	if cond {
		body = step.ThenSteps
	}
	if len(body) == 0 {
		parent.PC++
		return nil
	}
	inst.PushFrame(&domain.Frame{Kind: domain.FrameConditional, Steps: body, Source: step})
	return nil
}

func (it *Interpreter) execStateUpdate(ctx context.Context, inst *domain.WorkflowInstance, step *domain.StepDef) (domain.TraceStep, error) {
	if err := ctx.Err(); err != nil {
		return domain.TraceStep{}, domerrors.Wrap(domerrors.KindTimeout, fmt.Sprintf("step %q deadline exceeded", step.ID), err).WithLocation(step.Location)
	}
	started := time.Now()
	path := step.Str("path")
	op := domain.Operation(step.Str("op"))
	value := step.Fields["value"]

	evaluated, err := it.Eval.EvalValue(value, Vars(inst, it.Store.ReadFlat()))
	if err != nil {
		return domain.TraceStep{}, domerrors.Wrap(domerrors.KindExpression, fmt.Sprintf("step %q value", step.ID), err).WithLocation(step.Location)
	}

	result := retrypolicy.Execute(ctx, step.ErrorHandling, func(context.Context) (any, error) {
		return nil, it.Store.Apply([]state.Update{{Path: path, Op: op, Value: evaluated}})
	})
	it.recordStep(step, started, result)
	if err := it.resolveOutcome(inst, step, result); err != nil {
		return domain.TraceStep{}, err
	}

	return domain.TraceStep{
		StepID: step.ID, Type: step.Type, StartedAt: started, Duration: time.Since(started),
		Input: map[string]any{"path": path, "op": string(op)},
	}, nil
}

// recordStep reports one server-internal step's outcome to it.Metrics, if
// configured (spec §4.8).
func (it *Interpreter) recordStep(step *domain.StepDef, started time.Time, result retrypolicy.Result) {
	if it.Metrics == nil {
		return
	}
	it.Metrics.RecordStep(string(step.Type), time.Since(started), result.Outcome == retrypolicy.OutcomeSucceeded, result.Retries > 0)
}

func (it *Interpreter) execShell(ctx context.Context, inst *domain.WorkflowInstance, step *domain.StepDef) (domain.TraceStep, error) {
	if err := ctx.Err(); err != nil {
		return domain.TraceStep{}, domerrors.Wrap(domerrors.KindTimeout, fmt.Sprintf("step %q deadline exceeded", step.ID), err).WithLocation(step.Location)
	}
	started := time.Now()
	command := step.Str("command")
	args := step.StringSlice("args")

	breaker := it.Breakers.Get(command)
	result := retrypolicy.Execute(ctx, step.ErrorHandling, func(ctx context.Context) (any, error) {
		var stdout string
		var exitCode int
		cbErr := breaker.Execute(ctx, func(ctx context.Context) error {
			var runErr error
			stdout, exitCode, runErr = it.Shell.Run(ctx, command, args)
			if runErr != nil {
				return runErr
			}
			if exitCode != 0 {
				return fmt.Errorf("shell_command %q exited %d", step.ID, exitCode)
			}
			return nil
		})
		if cbErr != nil {
			return nil, domerrors.Wrap(domerrors.KindTool, fmt.Sprintf("shell_command %q", step.ID), cbErr)
		}
		return stdout, nil
	})
	it.recordStep(step, started, result)
	if err := it.resolveOutcome(inst, step, result); err != nil {
		return domain.TraceStep{}, err
	}

	if outPath := step.Str("output_path"); outPath != "" && result.Outcome != retrypolicy.OutcomeFailed {
		if err := it.Store.Apply([]state.Update{{Path: outPath, Op: domain.OpSet, Value: result.Value}}); err != nil {
			return domain.TraceStep{}, err
		}
	}

	return domain.TraceStep{
		StepID: step.ID, Type: step.Type, StartedAt: started, Duration: time.Since(started),
		Input: map[string]any{"command": command, "args": args}, Output: result.Value,
	}, nil
}

// resolveOutcome folds a retrypolicy.Result into instance bookkeeping,
// returning a fatal error only when the strategy's terminal outcome is
// failure (spec §4.7: fail propagates, continue/fallback/retry-exhausted
// do not).
func (it *Interpreter) resolveOutcome(inst *domain.WorkflowInstance, step *domain.StepDef, result retrypolicy.Result) error {
	if result.Retries > 0 {
		inst.RetryCounts[step.ID] += result.Retries
	}
	switch result.Outcome {
	case retrypolicy.OutcomeSucceeded:
		return nil
	case retrypolicy.OutcomeContinued:
		inst.RecordError(step.ID, "ContinuedError", result.Err.Error())
		if step.ErrorHandling.ErrorStatePath != "" {
			errInfo := map[string]any{"kind": "ToolError", "message": result.Err.Error()}
			_ = it.Store.Apply([]state.Update{{Path: step.ErrorHandling.ErrorStatePath, Op: domain.OpSet, Value: errInfo}})
		}
		return nil
	case retrypolicy.OutcomeFallback:
		inst.RecordError(step.ID, "FallbackError", result.Err.Error())
		if step.ErrorHandling.ErrorStatePath != "" {
			errInfo := map[string]any{"kind": "ToolError", "message": result.Err.Error()}
			_ = it.Store.Apply([]state.Update{{Path: step.ErrorHandling.ErrorStatePath, Op: domain.OpSet, Value: errInfo}})
		}
		return nil
	default:
		return domerrors.Wrap(domerrors.KindTool, fmt.Sprintf("step %q failed", step.ID), result.Err).WithLocation(step.Location)
	}
}
