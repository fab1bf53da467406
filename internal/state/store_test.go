package state

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aroton/aromcp/internal/domain"
	"github.com/aroton/aromcp/internal/expreval"
)

func newStore(t *testing.T, def *domain.WorkflowDef, inputs map[string]any) *StateStore {
	t.Helper()
	st, err := New(def, inputs, expreval.New())
	require.NoError(t, err)
	return st
}

// S1 from spec §8: state.x=2, computed y = state.x*3, write state.x=5,
// computed.y must observe 15 on next read.
func TestApply_RecomputesDependentComputedField(t *testing.T) {
	def := &domain.WorkflowDef{
		DefaultState: map[string]any{"x": 2},
		StateSchema: &domain.StateSchema{
			Computed: []*domain.ComputedFieldDef{
				{Name: "y", DependsOn: []string{"state.x"}, Expression: "state.x * 3", ErrorPolicy: domain.PolicyPropagate},
			},
		},
	}
	st := newStore(t, def, nil)

	y, err := st.Read("computed.y")
	require.NoError(t, err)
	assert.EqualValues(t, float64(6), y)

	require.NoError(t, st.Apply([]Update{{Path: "state.x", Op: domain.OpSet, Value: 5}}))

	x, err := st.Read("state.x")
	require.NoError(t, err)
	assert.Equal(t, 5, x)

	y, err = st.Read("computed.y")
	require.NoError(t, err)
	assert.EqualValues(t, float64(15), y)
}

func TestApply_UnrelatedWriteDoesNotRecompute(t *testing.T) {
	def := &domain.WorkflowDef{
		DefaultState: map[string]any{"x": 2, "z": 0},
		StateSchema: &domain.StateSchema{
			Computed: []*domain.ComputedFieldDef{
				{Name: "y", DependsOn: []string{"state.x"}, Expression: "state.x * 3", ErrorPolicy: domain.PolicyPropagate},
			},
		},
	}
	st := newStore(t, def, nil)
	require.NoError(t, st.Apply([]Update{{Path: "state.z", Op: domain.OpSet, Value: 9}}))
	y, err := st.Read("computed.y")
	require.NoError(t, err)
	assert.EqualValues(t, float64(6), y)
}

func TestApply_WriteToUndeclaredRootIsPathError(t *testing.T) {
	def := &domain.WorkflowDef{DefaultState: map[string]any{}}
	st := newStore(t, def, map[string]any{"a": 1})

	err := st.Apply([]Update{{Path: "inputs.a", Op: domain.OpSet, Value: 2}})
	require.Error(t, err)

	v, rerr := st.Read("inputs.a")
	require.NoError(t, rerr)
	assert.Equal(t, 1, v)
}

// A batch where a later update fails must leave state exactly as it was
// before the whole batch started — including updates earlier in the same
// batch that would otherwise have already succeeded.
func TestApply_BatchFailureLeavesEarlierUpdatesInTheSameBatchUnapplied(t *testing.T) {
	def := &domain.WorkflowDef{DefaultState: map[string]any{"a": 1, "name": "hi"}}
	st := newStore(t, def, nil)

	err := st.Apply([]Update{
		{Path: "state.a", Op: domain.OpSet, Value: 99},
		{Path: "state.name", Op: domain.OpIncrement, Value: 1},
	})
	require.Error(t, err)

	a, rerr := st.Read("state.a")
	require.NoError(t, rerr)
	assert.EqualValues(t, 1, a, "state.a must be unchanged since the batch as a whole failed")
}

func TestApply_NumericOpOnNonNumericTargetFails(t *testing.T) {
	def := &domain.WorkflowDef{DefaultState: map[string]any{"name": "hi"}}
	st := newStore(t, def, nil)
	err := st.Apply([]Update{{Path: "state.name", Op: domain.OpIncrement, Value: 1}})
	assert.Error(t, err)
}

func TestApply_AppendAndMerge(t *testing.T) {
	def := &domain.WorkflowDef{DefaultState: map[string]any{"items": []any{1}, "obj": map[string]any{"a": 1}}}
	st := newStore(t, def, nil)

	require.NoError(t, st.Apply([]Update{{Path: "state.items", Op: domain.OpAppend, Value: 2}}))
	items, err := st.Read("state.items")
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2}, items)

	require.NoError(t, st.Apply([]Update{{Path: "state.obj", Op: domain.OpMerge, Value: map[string]any{"b": 2}}}))
	obj, err := st.Read("state.obj")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, obj)
}

func TestComputedErrorPolicies(t *testing.T) {
	def := &domain.WorkflowDef{
		DefaultState: map[string]any{},
		StateSchema: &domain.StateSchema{
			Computed: []*domain.ComputedFieldDef{
				{Name: "fallback", DependsOn: nil, Expression: "state.missing.deep", ErrorPolicy: domain.PolicyUseFallback, FallbackValue: "n/a"},
				{Name: "propagated", DependsOn: nil, Expression: "state.missing.deep", ErrorPolicy: domain.PolicyPropagate},
			},
		},
	}
	st := newStore(t, def, nil)

	v, err := st.Read("computed.fallback")
	require.NoError(t, err)
	assert.Equal(t, "n/a", v)

	_, err = st.Read("computed.propagated")
	assert.Error(t, err)
}

func TestBuildDepGraph_RejectsCycle(t *testing.T) {
	_, err := buildDepGraph([]*domain.ComputedFieldDef{
		{Name: "a", DependsOn: []string{"computed.b"}, Expression: "computed.b"},
		{Name: "b", DependsOn: []string{"computed.a"}, Expression: "computed.a"},
	})
	assert.Error(t, err)
}

func TestApply_BatchingEquivalence(t *testing.T) {
	def := &domain.WorkflowDef{
		DefaultState: map[string]any{"a": 0, "b": 0},
		StateSchema: &domain.StateSchema{
			Computed: []*domain.ComputedFieldDef{
				{Name: "sum", DependsOn: []string{"state.a", "state.b"}, Expression: "state.a + state.b", ErrorPolicy: domain.PolicyPropagate},
			},
		},
	}

	batched := newStore(t, def, nil)
	require.NoError(t, batched.Apply([]Update{
		{Path: "state.a", Op: domain.OpSet, Value: 3},
		{Path: "state.b", Op: domain.OpSet, Value: 4},
	}))

	individual := newStore(t, def, nil)
	require.NoError(t, individual.Apply([]Update{{Path: "state.a", Op: domain.OpSet, Value: 3}}))
	require.NoError(t, individual.Apply([]Update{{Path: "state.b", Op: domain.OpSet, Value: 4}}))

	bv, _ := batched.Read("computed.sum")
	iv, _ := individual.Read("computed.sum")
	assert.Equal(t, bv, iv)
	assert.EqualValues(t, float64(7), bv)
}

func TestApply_ConcurrentWritesSerialize(t *testing.T) {
	def := &domain.WorkflowDef{DefaultState: map[string]any{"n": 0}}
	st := newStore(t, def, nil)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = st.Apply([]Update{{Path: "state.n", Op: domain.OpIncrement, Value: 1}})
		}()
	}
	wg.Wait()

	n, err := st.Read("state.n")
	require.NoError(t, err)
	assert.Equal(t, float64(100), n)
}

func TestSnapshotDoesNotAliasLiveStore(t *testing.T) {
	def := &domain.WorkflowDef{DefaultState: map[string]any{"items": []any{1, 2}}}
	st := newStore(t, def, nil)

	_, stateSnap, _ := st.Snapshot()
	stateSnap["items"].([]any)[0] = 99

	v, err := st.Read("state.items")
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2}, v)
}

func TestEnforceSizeFor_RejectsOversizedState(t *testing.T) {
	def := &domain.WorkflowDef{DefaultState: map[string]any{}}
	st := newStore(t, def, nil)
	st.SetMaxStateBytes(8)
	err := st.Apply([]Update{{Path: "state.x", Op: domain.OpSet, Value: "a somewhat longer string than 8 bytes"}})
	assert.Error(t, err)
}
