package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aroton/aromcp/internal/config"
	"github.com/aroton/aromcp/internal/control"
	"github.com/aroton/aromcp/internal/domain"
	domerrors "github.com/aroton/aromcp/internal/domain/errors"
	"github.com/aroton/aromcp/internal/state"
)

func testConfig() *config.Config {
	return &config.Config{MaxConcurrentWorkflows: 10, MaxStateBytes: 0, RetentionMinutes: 60}
}

// newTestEngine builds an Engine and registers def directly under its
// ns:id name, bypassing loader.Discover/LoadFile (which need real
// workflow files on disk) since these tests exercise the Control API
// surface, not workflow discovery.
func newTestEngine(t *testing.T, def *domain.WorkflowDef, shell control.ShellRunner) *Engine {
	t.Helper()
	e := New(testConfig(), shell)
	e.defs[def.Name()] = def
	return e
}

func stepDef(id string, typ domain.StepType, fields map[string]any) *domain.StepDef {
	return &domain.StepDef{ID: id, Type: typ, Fields: fields, ErrorHandling: domain.DefaultErrorHandling()}
}

func simpleDef() *domain.WorkflowDef {
	return &domain.WorkflowDef{
		Namespace: "test",
		ID:        "simple",
		Steps: []*domain.StepDef{
			stepDef("step1", domain.StepStateUpdate, map[string]any{"path": "state.x", "op": "set", "value": 1}),
			stepDef("step2", domain.StepUserMessage, map[string]any{"message": "hello"}),
		},
	}
}

func TestEngine_StartAdvancesToFirstSuspensionPoint(t *testing.T) {
	def := simpleDef()
	e := newTestEngine(t, def, nil)

	inst, desc, err := e.Start(context.Background(), def.Name(), nil, false)
	require.NoError(t, err)
	require.NotNil(t, desc)
	assert.Equal(t, "step2", desc.ID)
	assert.Equal(t, "hello", desc.Instructions)
	assert.Equal(t, domain.InstanceWaitingForClient, inst.Status)
}

func TestEngine_StartRejectsMissingRequiredInput(t *testing.T) {
	def := simpleDef()
	def.Inputs = map[string]*domain.VariableDefinition{
		"name": {Name: "name", Required: true},
	}
	e := newTestEngine(t, def, nil)

	_, _, err := e.Start(context.Background(), def.Name(), nil, false)
	require.Error(t, err)
	assert.True(t, domerrors.IsKind(err, domerrors.KindValidation))
}

func TestEngine_StartRejectsBeyondMaxConcurrentWorkflows(t *testing.T) {
	def := simpleDef()
	e := New(&config.Config{MaxConcurrentWorkflows: 1}, nil)
	e.defs[def.Name()] = def

	_, _, err := e.Start(context.Background(), def.Name(), nil, false)
	require.NoError(t, err)

	_, _, err = e.Start(context.Background(), def.Name(), nil, false)
	require.Error(t, err)
	assert.True(t, domerrors.IsKind(err, domerrors.KindInternal))
}

func TestEngine_GetNextStepOnUnknownWorkflowIDFails(t *testing.T) {
	e := newTestEngine(t, simpleDef(), nil)
	_, err := e.GetNextStep(context.Background(), "nonexistent", "")
	require.Error(t, err)
	assert.True(t, domerrors.IsKind(err, domerrors.KindValidation))
}

func TestEngine_FullRunToCompletion(t *testing.T) {
	def := simpleDef()
	e := newTestEngine(t, def, nil)

	inst, desc, err := e.Start(context.Background(), def.Name(), nil, false)
	require.NoError(t, err)
	require.NotNil(t, desc)

	desc, err = e.StepComplete(context.Background(), inst.ID, "", domain.StepResult{StepID: desc.ID, Status: domain.StepOK})
	require.NoError(t, err)
	assert.Nil(t, desc)

	status, counters, err := e.Status(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceCompleted, status)
	assert.Equal(t, 1, counters.StepCounts[domain.StepUserMessage])

	m := e.Metrics.Workflow(def.Name())
	require.NotNil(t, m)
	assert.Equal(t, 1, m.ExecutionCount)
	assert.Equal(t, 1, m.SuccessCount)
}

// spec §4.8: RecordStep must fire for server-internal steps, and Status
// must surface peak state size and recompute counts sourced from the
// instance's own StateStore.
func TestEngine_StatusExposesStepAndStateCounters(t *testing.T) {
	def := &domain.WorkflowDef{
		Namespace: "test",
		ID:        "metrics",
		DefaultState: map[string]any{"x": 1},
		StateSchema: &domain.StateSchema{
			Computed: []*domain.ComputedFieldDef{
				{Name: "doubled", DependsOn: []string{"state.x"}, Expression: "state.x * 2", ErrorPolicy: domain.PolicyPropagate},
			},
		},
		Steps: []*domain.StepDef{
			stepDef("step1", domain.StepStateUpdate, map[string]any{"path": "state.x", "op": "set", "value": 5}),
			stepDef("step2", domain.StepUserMessage, map[string]any{"message": "hello"}),
		},
	}
	e := newTestEngine(t, def, nil)

	inst, desc, err := e.Start(context.Background(), def.Name(), nil, false)
	require.NoError(t, err)
	require.NotNil(t, desc)

	_, counters, err := e.Status(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counters.StepCounts[domain.StepStateUpdate])
	assert.Greater(t, counters.PeakStateBytes, 0)
	assert.GreaterOrEqual(t, counters.RecomputeCounts["doubled"], 2, "once at state.New, once after the state_update step's Apply")

	steps := e.Metrics.AllSteps()
	sm, ok := steps[string(domain.StepStateUpdate)]
	require.True(t, ok, "RecordStep must have been called for the server-internal state_update step")
	assert.Equal(t, 1, sm.ExecutionCount)
	assert.Equal(t, 1, sm.SuccessCount)
}

func TestEngine_StepCompleteAfterTerminalFails(t *testing.T) {
	def := simpleDef()
	e := newTestEngine(t, def, nil)

	inst, desc, err := e.Start(context.Background(), def.Name(), nil, false)
	require.NoError(t, err)

	require.NoError(t, e.Stop(inst.ID))

	_, err = e.StepComplete(context.Background(), inst.ID, "", domain.StepResult{StepID: desc.ID, Status: domain.StepOK})
	require.Error(t, err)
	assert.True(t, domerrors.IsKind(err, domerrors.KindCancelled))

	status, _, err := e.Status(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceCancelled, status)
}

func TestEngine_GetNextStepAfterTerminalFails(t *testing.T) {
	def := simpleDef()
	e := newTestEngine(t, def, nil)

	inst, _, err := e.Start(context.Background(), def.Name(), nil, false)
	require.NoError(t, err)
	require.NoError(t, e.Stop(inst.ID))

	_, err = e.GetNextStep(context.Background(), inst.ID, "")
	require.Error(t, err)
	assert.True(t, domerrors.IsKind(err, domerrors.KindCancelled))
}

func TestEngine_StopRecordsFailureMetricsNotSuccess(t *testing.T) {
	def := simpleDef()
	e := newTestEngine(t, def, nil)

	inst, _, err := e.Start(context.Background(), def.Name(), nil, false)
	require.NoError(t, err)
	require.NoError(t, e.Stop(inst.ID))

	m := e.Metrics.Workflow(def.Name())
	require.NotNil(t, m)
	assert.Equal(t, 1, m.ExecutionCount)
	assert.Equal(t, 0, m.SuccessCount)
	assert.Equal(t, 1, m.FailureCount)
}

func TestEngine_StopOnAlreadyTerminalInstanceIsNoop(t *testing.T) {
	def := simpleDef()
	e := newTestEngine(t, def, nil)

	inst, _, err := e.Start(context.Background(), def.Name(), nil, false)
	require.NoError(t, err)
	require.NoError(t, e.Stop(inst.ID))
	require.NoError(t, e.Stop(inst.ID))

	m := e.Metrics.Workflow(def.Name())
	require.NotNil(t, m)
	assert.Equal(t, 1, m.ExecutionCount)
}

func TestEngine_StateReadAndUpdate(t *testing.T) {
	def := simpleDef()
	def.DefaultState = map[string]any{"x": 1}
	e := newTestEngine(t, def, nil)

	inst, _, err := e.Start(context.Background(), def.Name(), nil, false)
	require.NoError(t, err)

	v, err := e.StateRead(inst.ID, "state.x")
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)

	require.NoError(t, e.StateUpdate(inst.ID, []state.Update{{Path: "state.x", Op: domain.OpSet, Value: 9}}))

	v, err = e.StateRead(inst.ID, "state.x")
	require.NoError(t, err)
	assert.EqualValues(t, 9, v)
}

func TestEngine_GCReclaimsOnlyPastRetentionWindow(t *testing.T) {
	def := simpleDef()
	e := newTestEngine(t, def, nil)
	e.cfg.RetentionMinutes = 10

	inst, _, err := e.Start(context.Background(), def.Name(), nil, false)
	require.NoError(t, err)
	require.NoError(t, e.Stop(inst.ID))

	removed := e.GC(time.Now())
	assert.Equal(t, 0, removed)

	removed = e.GC(time.Now().Add(11 * time.Minute))
	assert.Equal(t, 1, removed)

	_, _, err = e.Status(inst.ID)
	require.Error(t, err)
}

func TestEngine_GCIgnoresStillRunningInstances(t *testing.T) {
	def := simpleDef()
	e := newTestEngine(t, def, nil)

	_, _, err := e.Start(context.Background(), def.Name(), nil, false)
	require.NoError(t, err)

	removed := e.GC(time.Now().Add(365 * 24 * time.Hour))
	assert.Equal(t, 0, removed)
}

// parallelForeachDef builds a workflow that fans four items out to a
// sub-agent task squaring "item", then merges the results under
// state.results, keyed by index.
func parallelForeachDef() *domain.WorkflowDef {
	return &domain.WorkflowDef{
		Namespace: "test",
		ID:        "fanout",
		DefaultState: map[string]any{
			"results": map[string]any{},
			"items":   []any{1, 2, 3, 4},
		},
		Steps: []*domain.StepDef{
			stepDef("fanout", domain.StepParallelForeach, map[string]any{
				"items":          "state.items",
				"sub_agent_task": "square",
				"merge_path":     "state.results",
				"merge_key":      "idx_{{ index }}",
				"max_parallel":   4,
			}),
			stepDef("done", domain.StepUserMessage, map[string]any{"message": "done"}),
		},
		SubAgentTasks: map[string]*domain.SubAgentTaskDef{
			"square": {
				Name: "square",
				Steps: []*domain.StepDef{
					stepDef("sq", domain.StepStateUpdate, map[string]any{"path": "state.output", "op": "set", "value": "{{ item * item }}"}),
				},
			},
		},
	}
}

func TestEngine_ParallelForeachFanOutAndMerge(t *testing.T) {
	def := parallelForeachDef()
	e := newTestEngine(t, def, nil)

	inst, desc, err := e.Start(context.Background(), def.Name(), nil, false)
	require.NoError(t, err)
	require.NotNil(t, desc)
	assert.Equal(t, domain.StepParallelForeach, desc.Type)
	assert.Equal(t, domain.InstanceWaitingForClient, inst.Status)

	tasks, ok := desc.Definition["tasks"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, tasks, 4)

	// Drive every sub-agent context to completion. Each squaring task is a
	// single state_update step that completes in its first Advance call;
	// the last context to finish triggers joinFleet, which returns the
	// post-fanout descriptor directly from that same GetNextStep call.
	var final *domain.StepDescriptor
	for _, task := range tasks {
		ctxID := task["sub_agent_context"].(string)
		next, err := e.GetNextStep(context.Background(), inst.ID, ctxID)
		require.NoError(t, err)
		if next != nil {
			final = next
		}
	}
	require.NotNil(t, final, "joinFleet should have produced the post-fanout step")
	assert.Equal(t, "done", final.ID)

	results, err := e.StateRead(inst.ID, "state.results")
	require.NoError(t, err)
	m, ok := results.(map[string]any)
	require.True(t, ok)
	assert.Len(t, m, 4)
}

func TestEngine_AdvanceSubAgentWithNoFleetInFlightFails(t *testing.T) {
	def := simpleDef()
	e := newTestEngine(t, def, nil)

	inst, _, err := e.Start(context.Background(), def.Name(), nil, false)
	require.NoError(t, err)

	_, err = e.GetNextStep(context.Background(), inst.ID, "ctx-0")
	require.Error(t, err)
	assert.True(t, domerrors.IsKind(err, domerrors.KindValidation))
}

func TestEngine_UnknownSubAgentTaskFailsInstance(t *testing.T) {
	def := parallelForeachDef()
	def.Steps[0].Fields["sub_agent_task"] = "missing"
	e := newTestEngine(t, def, nil)

	_, _, err := e.Start(context.Background(), def.Name(), nil, false)
	require.Error(t, err)
	assert.True(t, domerrors.IsKind(err, domerrors.KindValidation))
}

func TestEngine_WorkflowLevelTimeoutFailsInstance(t *testing.T) {
	def := simpleDef()
	def.TimeoutSeconds = 1
	e := newTestEngine(t, def, nil)

	inst, _, err := e.Start(context.Background(), def.Name(), nil, false)
	require.NoError(t, err)

	e.mu.Lock()
	ent := e.insts[inst.ID]
	ent.inst.StartedAt = ent.inst.StartedAt.Add(-time.Hour)
	ent.inst.Status = domain.InstanceRunning
	e.mu.Unlock()

	_, err = e.GetNextStep(context.Background(), inst.ID, "")
	require.Error(t, err)
	assert.True(t, domerrors.IsKind(err, domerrors.KindTimeout))

	status, _, err := e.Status(inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceFailed, status)
}

func TestEngine_InfoLoadsDefFromCache(t *testing.T) {
	def := simpleDef()
	e := newTestEngine(t, def, nil)

	got, err := e.Info(def.Name())
	require.NoError(t, err)
	assert.Same(t, def, got)
}
