package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domerrors "github.com/aroton/aromcp/internal/domain/errors"
)

func TestWorkflowDef_Name(t *testing.T) {
	def := &WorkflowDef{Namespace: "ns", ID: "wf"}
	assert.Equal(t, "ns:wf", def.Name())
}

func TestDefaultErrorHandling(t *testing.T) {
	eh := DefaultErrorHandling()
	assert.Equal(t, StrategyFail, eh.Strategy)
	assert.Equal(t, 0, eh.MaxRetries)
	assert.Equal(t, 0.5, eh.BackoffBase)
	assert.Equal(t, 2.0, eh.BackoffMult)
	assert.Equal(t, 30.0, eh.BackoffCap)
}

func TestVariableDefinition_Validate_RequiredMissing(t *testing.T) {
	vd := &VariableDefinition{Name: "x", Required: true}
	err := vd.Validate(nil)
	require.Error(t, err)
	assert.True(t, domerrors.IsKind(err, domerrors.KindValidation))
}

func TestVariableDefinition_Validate_OptionalMissingIsFine(t *testing.T) {
	vd := &VariableDefinition{Name: "x", Required: false}
	assert.NoError(t, vd.Validate(nil))
}

func TestVariableDefinition_Validate_TypeMismatch(t *testing.T) {
	vd := &VariableDefinition{Name: "x", Type: VarNumber}
	err := vd.Validate("not a number")
	require.Error(t, err)
	assert.True(t, domerrors.IsKind(err, domerrors.KindValidation))
}

func TestVariableDefinition_Validate_TypeMatches(t *testing.T) {
	vd := &VariableDefinition{Name: "x", Type: VarNumber}
	assert.NoError(t, vd.Validate(5))
}

func TestVariableDefinition_Validate_UnknownTypeSkipsCheck(t *testing.T) {
	vd := &VariableDefinition{Name: "x", Type: VarUnknown}
	assert.NoError(t, vd.Validate("anything"))
}

func TestStepDef_FieldAccessors(t *testing.T) {
	s := &StepDef{Fields: map[string]any{
		"name":    "alice",
		"count":   3,
		"ratio":   1.5,
		"enabled": true,
		"tags":    []any{"a", "b"},
		"meta":    map[string]any{"k": "v"},
	}}
	assert.Equal(t, "alice", s.Str("name"))
	assert.Equal(t, "", s.Str("missing"))
	assert.Equal(t, 3, s.Int("count", 0))
	assert.Equal(t, 1, s.Int("ratio", 0))
	assert.Equal(t, 7, s.Int("missing", 7))
	assert.True(t, s.Bool("enabled", false))
	assert.False(t, s.Bool("missing", false))
	assert.Equal(t, []string{"a", "b"}, s.StringSlice("tags"))
	assert.Nil(t, s.StringSlice("missing"))
	assert.Equal(t, map[string]any{"k": "v"}, s.Map("meta"))
	assert.Nil(t, s.Map("missing"))
}
