// Package engine implements the transport-agnostic Control API (spec
// §6): workflow discovery/caching, instance lifecycle, and the
// get_next_step/step_complete protocol loop, including interception of
// parallel_foreach to drive an internal/subagent.Fleet.
//
// Grounded on the teacher's root mbflow.go facade (a single struct owning
// the registries the application layer needs and exposing one method per
// RPC), generalized from the teacher's DAG-executor call shape to this
// engine's frame-stack Interpreter.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aroton/aromcp/internal/config"
	"github.com/aroton/aromcp/internal/control"
	"github.com/aroton/aromcp/internal/domain"
	domerrors "github.com/aroton/aromcp/internal/domain/errors"
	"github.com/aroton/aromcp/internal/expreval"
	"github.com/aroton/aromcp/internal/loader"
	"github.com/aroton/aromcp/internal/session"
	"github.com/aroton/aromcp/internal/state"
	"github.com/aroton/aromcp/internal/subagent"
)

// entry is everything the engine tracks for one running (or terminal, but
// not yet GC'd) WorkflowInstance.
type entry struct {
	inst   *domain.WorkflowInstance
	store  *state.StateStore
	interp *control.Interpreter
	debug  bool

	// fleet is non-nil between the moment a parallel_foreach descriptor is
	// intercepted and the moment every context finishes and Merge runs
	// (spec §4.6 steps 1-4).
	fleet     *subagent.Fleet
	fleetStep *domain.StepDef
}

// Engine is the process-wide Control API implementation. One Engine
// serves every workflow instance; callers (an MCP server, a CLI, tests)
// hold a single *Engine and drive it over whatever transport they like.
type Engine struct {
	cfg    *config.Config
	loader *loader.Loader
	eval   *expreval.Evaluator
	shell  control.ShellRunner

	Observers *session.Manager
	Traces    *session.Store
	Metrics   *session.MetricsCollector

	mu   sync.RWMutex
	defs map[string]*domain.WorkflowDef
	insts map[string]*entry
}

// New builds an Engine. shell may be nil, in which case server-internal
// shell_command steps always fail with "no ShellRunner configured"
// (internal/control.NoopShellRunner) — callers that need shell_command
// must supply a real ShellRunner.
func New(cfg *config.Config, shell control.ShellRunner) *Engine {
	eval := expreval.New()
	return &Engine{
		cfg:       cfg,
		loader:    loader.New(eval),
		eval:      eval,
		shell:     shell,
		Observers: session.NewManager(),
		Traces:    session.NewStore(),
		Metrics:   session.NewMetricsCollector(),
		defs:      make(map[string]*domain.WorkflowDef),
		insts:     make(map[string]*entry),
	}
}

// Info implements workflow.info: {name, description, version}. The
// definition is loaded (and cached) on first use.
func (e *Engine) Info(name string) (*domain.WorkflowDef, error) {
	return e.resolve(name)
}

func (e *Engine) resolve(name string) (*domain.WorkflowDef, error) {
	e.mu.RLock()
	if def, ok := e.defs[name]; ok {
		e.mu.RUnlock()
		return def, nil
	}
	e.mu.RUnlock()

	path, err := loader.Discover(name, e.cfg.ProjectWorkflowsDir, e.cfg.HomeWorkflowsDir)
	if err != nil {
		return nil, err
	}
	def, _, err := e.loader.LoadFile(path)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.defs[name] = def
	e.mu.Unlock()
	return def, nil
}

// Start implements workflow.start: validates inputs, seeds default_state,
// and runs the interpreter to its first suspension point.
func (e *Engine) Start(ctx context.Context, name string, inputs map[string]any, debug bool) (*domain.WorkflowInstance, *domain.StepDescriptor, error) {
	def, err := e.resolve(name)
	if err != nil {
		return nil, nil, err
	}

	e.mu.RLock()
	n := 0
	for _, other := range e.insts {
		if !other.inst.Status.IsTerminal() {
			n++
		}
	}
	e.mu.RUnlock()
	if e.cfg.MaxConcurrentWorkflows > 0 && n >= e.cfg.MaxConcurrentWorkflows {
		return nil, nil, domerrors.New(domerrors.KindInternal, "max concurrent workflows reached")
	}

	validated, err := validateInputs(def, inputs)
	if err != nil {
		return nil, nil, err
	}

	store, err := state.New(def, validated, e.eval)
	if err != nil {
		return nil, nil, err
	}
	if e.cfg.MaxStateBytes > 0 {
		store.SetMaxStateBytes(e.cfg.MaxStateBytes)
	}

	inst := domain.NewWorkflowInstance(def)
	interp := control.New(store, e.eval, e.shell)
	interp.Metrics = e.Metrics
	ent := &entry{
		inst:   inst,
		store:  store,
		interp: interp,
		debug:  debug || e.cfg.Debug,
	}

	e.mu.Lock()
	e.insts[inst.ID] = ent
	e.mu.Unlock()

	e.Observers.NotifyInstanceStarted(inst)

	desc, err := e.advance(ctx, ent)
	return inst, desc, err
}

// validateInputs applies every declared VariableDefinition to the
// supplied map, filling in declared defaults for absent optional inputs
// (spec §6 inputs).
func validateInputs(def *domain.WorkflowDef, inputs map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		out[k] = v
	}
	for name, vd := range def.Inputs {
		v, present := out[name]
		if !present && vd.Default != nil {
			out[name] = vd.Default
			continue
		}
		if err := vd.Validate(v); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// GetNextStep implements workflow.get_next_step. When subAgentContext is
// non-empty, the call is routed to the named sub-agent context's own
// Interpreter instead of the root cursor (spec §4.6 step 3).
func (e *Engine) GetNextStep(ctx context.Context, workflowID, subAgentContext string) (*domain.StepDescriptor, error) {
	ent, err := e.lookup(workflowID)
	if err != nil {
		return nil, err
	}
	if ent.inst.Status.IsTerminal() {
		return nil, domerrors.New(domerrors.KindCancelled,
			fmt.Sprintf("workflow %q is already %s", workflowID, ent.inst.Status))
	}

	if subAgentContext != "" {
		return e.advanceSubAgent(ctx, ent, subAgentContext)
	}
	return e.advance(ctx, ent)
}

// advance drives the root interpreter and, if it surfaces a
// parallel_foreach, intercepts it into a Fleet and synthesizes the
// parallel_tasks descriptor instead of handing the raw step back out.
func (e *Engine) advance(ctx context.Context, ent *entry) (*domain.StepDescriptor, error) {
	desc, err := ent.interp.Advance(ctx, ent.inst, ent.debug)
	if err != nil {
		e.Observers.NotifyInstanceFailed(ent.inst, err)
		return nil, err
	}
	if ent.debug && desc != nil {
		e.Traces.For(ent.inst.ID).AddInternalSteps(desc.InternalTrace)
	}
	if ent.inst.Status.IsTerminal() {
		e.Observers.NotifyInstanceCompleted(ent.inst)
		e.Metrics.RecordWorkflow(ent.inst.Def.Name(), ent.inst.Duration(), ent.inst.Status == domain.InstanceCompleted)
		return nil, nil
	}
	if desc == nil {
		return nil, nil
	}
	if desc.Type == domain.StepParallelForeach {
		return e.startFleet(ent, desc)
	}
	e.Observers.NotifyStepDispatched(ent.inst, desc)
	return desc, nil
}

// startFleet materializes the sub-agent Fleet for a parallel_foreach
// descriptor and returns the synthesized parallel_tasks descriptor (spec
// §4.6 step 2): one entry per item naming its sub_agent_context id.
func (e *Engine) startFleet(ent *entry, desc *domain.StepDescriptor) (*domain.StepDescriptor, error) {
	frame := ent.inst.CurrentFrame()
	step := frame.Steps[frame.PC]
	taskName := step.Str("sub_agent_task")
	taskDef, ok := ent.inst.Def.SubAgentTasks[taskName]
	if !ok {
		err := domerrors.New(domerrors.KindValidation, fmt.Sprintf("sub_agent_task %q not found", taskName)).WithLocation(step.Location)
		e.Observers.NotifyInstanceFailed(ent.inst, err)
		ent.inst.Finish(domain.InstanceFailed)
		return nil, err
	}

	parentInputs, parentState, parentComputed := ent.store.Snapshot()
	snapshot := map[string]any{"inputs": parentInputs, "state": parentState, "computed": parentComputed}

	fleet, err := subagent.Start(step, taskDef, snapshot, e.eval, e.shell, e.Metrics)
	if err != nil {
		e.Observers.NotifyInstanceFailed(ent.inst, err)
		ent.inst.Finish(domain.InstanceFailed)
		return nil, err
	}
	ent.fleet = fleet
	ent.fleetStep = step
	ent.inst.Status = domain.InstanceWaitingForClient

	tasks := make([]map[string]any, 0, len(fleet.Contexts))
	for _, c := range fleet.Contexts {
		tasks = append(tasks, map[string]any{
			"sub_agent_context": c.ID,
			"index":             c.Index,
			"item":              c.Item,
		})
	}
	out := &domain.StepDescriptor{
		ID:   step.ID,
		Type: domain.StepParallelForeach,
		Definition: map[string]any{
			"kind":        "parallel_tasks",
			"tasks":       tasks,
			"max_parallel": step.Int("max_parallel", len(tasks)),
		},
		Instructions: desc.Instructions,
	}
	e.Observers.NotifyStepDispatched(ent.inst, out)
	return out, nil
}

// advanceSubAgent drives one Fleet context's own Interpreter. Once every
// context is terminal it merges into the parent store, clears the fleet,
// and resumes the parent frame so the caller's *next* (non-sub-agent)
// get_next_step call continues the root workflow.
func (e *Engine) advanceSubAgent(ctx context.Context, ent *entry, subAgentContext string) (*domain.StepDescriptor, error) {
	if ent.fleet == nil {
		return nil, domerrors.New(domerrors.KindValidation, "no parallel_foreach is in flight for this workflow")
	}
	c := ent.fleet.ByID(subAgentContext)
	if c == nil {
		return nil, domerrors.New(domerrors.KindValidation, fmt.Sprintf("unknown sub_agent_context %q", subAgentContext))
	}

	desc, err := c.Interp.Advance(ctx, c.Instance, ent.debug)
	if err != nil {
		c.Err = err
	}
	if c.Instance.Status.IsTerminal() {
		ent.fleet.CollectOutput(c)
	}

	if desc != nil {
		return desc, nil
	}

	if !ent.fleet.Done() {
		// This context finished (or is blocked elsewhere); caller moves on
		// to drive another pending context.
		return nil, nil
	}
	return e.joinFleet(ent)
}

// joinFleet runs the atomic merge (spec §4.6 step 4) and resumes the
// parent frame past the parallel_foreach step, then continues advancing
// the root interpreter so the caller gets the next real step in the same
// round trip.
func (e *Engine) joinFleet(ent *entry) (*domain.StepDescriptor, error) {
	failed, err := ent.fleet.Merge(ent.store)
	if err != nil {
		e.Observers.NotifyInstanceFailed(ent.inst, err)
		ent.inst.Finish(domain.InstanceFailed)
		return nil, err
	}
	for _, c := range failed {
		ent.inst.RecordError(ent.fleetStep.ID, "SubAgentFailure", fmt.Sprintf("context %s ended %s", c.ID, c.Instance.Status))
	}

	frame := ent.inst.CurrentFrame()
	frame.PC++
	ent.inst.Status = domain.InstanceRunning
	ent.fleet = nil
	ent.fleetStep = nil

	return e.advance(context.Background(), ent)
}

// StepComplete implements workflow.step_complete, routing to the fleet
// context's own Interpreter.Complete when subAgentContext is set.
func (e *Engine) StepComplete(ctx context.Context, workflowID, subAgentContext string, result domain.StepResult) (*domain.StepDescriptor, error) {
	ent, err := e.lookup(workflowID)
	if err != nil {
		return nil, err
	}
	if ent.inst.Status.IsTerminal() {
		return nil, domerrors.New(domerrors.KindCancelled,
			fmt.Sprintf("workflow %q is already %s", workflowID, ent.inst.Status))
	}

	if subAgentContext != "" {
		if ent.fleet == nil {
			return nil, domerrors.New(domerrors.KindValidation, "no parallel_foreach is in flight for this workflow")
		}
		c := ent.fleet.ByID(subAgentContext)
		if c == nil {
			return nil, domerrors.New(domerrors.KindValidation, fmt.Sprintf("unknown sub_agent_context %q", subAgentContext))
		}
		started := time.Now()
		retry, err := c.Interp.Complete(c.Instance, result)
		if err != nil {
			return nil, err
		}
		e.Observers.NotifyStepCompleted(ent.inst, result.StepID, result, time.Since(started))
		if retry {
			return c.Interp.Advance(ctx, c.Instance, ent.debug)
		}
		return e.advanceSubAgent(ctx, ent, subAgentContext)
	}

	started := time.Now()
	retry, err := ent.interp.Complete(ent.inst, result)
	if err != nil {
		e.Observers.NotifyInstanceFailed(ent.inst, err)
		return nil, err
	}
	e.Observers.NotifyStepCompleted(ent.inst, result.StepID, result, time.Since(started))
	if retry {
		e.Observers.NotifyStepRetrying(ent.inst, result.StepID, ent.inst.RetryCounts[result.StepID])
	}
	return e.advance(ctx, ent)
}

// StateRead implements workflow.state_read. An empty path returns the
// full flattened view.
func (e *Engine) StateRead(workflowID, path string) (any, error) {
	ent, err := e.lookup(workflowID)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return ent.store.ReadFlat(), nil
	}
	return ent.store.Read(path)
}

// StateUpdate implements workflow.state_update.
func (e *Engine) StateUpdate(workflowID string, updates []state.Update) error {
	ent, err := e.lookup(workflowID)
	if err != nil {
		return err
	}
	return ent.store.Apply(updates)
}

// Status implements workflow.status: {status, counters}.
func (e *Engine) Status(workflowID string) (domain.InstanceStatus, domain.SessionCounters, error) {
	ent, err := e.lookup(workflowID)
	if err != nil {
		return "", domain.SessionCounters{}, err
	}
	counters := domain.SessionCounters{
		StepCounts:      ent.inst.StepCounts,
		RetryCounts:     ent.inst.RetryCounts,
		ErrorCounts:     ent.inst.ErrorCounts,
		PeakStateBytes:  ent.store.PeakStateBytes(),
		RecomputeCounts: ent.store.RecomputeCounts(),
	}
	return ent.inst.Status, counters, nil
}

// Stop implements workflow.stop: cancels a running instance (spec §7
// Cancelled kind), rejecting further get_next_step calls per §7's
// "User-visible behavior" terminal-failure semantics, which apply
// identically to cancellation.
func (e *Engine) Stop(workflowID string) error {
	ent, err := e.lookup(workflowID)
	if err != nil {
		return err
	}
	if ent.inst.Status.IsTerminal() {
		return nil
	}
	cancelErr := domerrors.New(domerrors.KindCancelled, "stopped by caller")
	ent.inst.RecordError("", string(domerrors.KindCancelled), "stopped by caller")
	ent.inst.Finish(domain.InstanceCancelled)
	e.Observers.NotifyInstanceFailed(ent.inst, cancelErr)
	e.Metrics.RecordWorkflow(ent.inst.Def.Name(), ent.inst.Duration(), false)
	return nil
}

func (e *Engine) lookup(workflowID string) (*entry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ent, ok := e.insts[workflowID]
	if !ok {
		return nil, domerrors.New(domerrors.KindValidation, fmt.Sprintf("unknown workflow_id %q", workflowID))
	}
	return ent, nil
}

// GC reclaims terminal instances whose FinishedAt is older than the
// configured retention window (spec §4.8 "Completed instances are
// retained for a bounded window, then garbage-collected").
func (e *Engine) GC(now time.Time) int {
	window := time.Duration(e.cfg.RetentionMinutes) * time.Minute
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	for id, ent := range e.insts {
		if !ent.inst.Status.IsTerminal() || ent.inst.FinishedAt == nil {
			continue
		}
		if now.Sub(*ent.inst.FinishedAt) >= window {
			delete(e.insts, id)
			e.Traces.Drop(id)
			removed++
		}
	}
	return removed
}
