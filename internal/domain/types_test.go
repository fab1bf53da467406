package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInstanceStatus_IsTerminal(t *testing.T) {
	assert.True(t, InstanceCompleted.IsTerminal())
	assert.True(t, InstanceFailed.IsTerminal())
	assert.True(t, InstanceCancelled.IsTerminal())
	assert.False(t, InstanceRunning.IsTerminal())
	assert.False(t, InstanceWaitingForClient.IsTerminal())
}

func TestOperation_IsValid(t *testing.T) {
	for _, op := range []Operation{OpSet, OpIncrement, OpDecrement, OpMultiply, OpAppend, OpMerge} {
		assert.True(t, op.IsValid(), op)
	}
	assert.False(t, Operation("bogus").IsValid())
}

func TestComputedErrorPolicy_IsValid(t *testing.T) {
	for _, p := range []ComputedErrorPolicy{PolicyUseFallback, PolicyPropagate, PolicyIgnore} {
		assert.True(t, p.IsValid(), p)
	}
	assert.False(t, ComputedErrorPolicy("bogus").IsValid())
}

func TestErrorStrategy_IsValid(t *testing.T) {
	for _, s := range []ErrorStrategy{StrategyFail, StrategyContinue, StrategyRetry, StrategyFallback} {
		assert.True(t, s.IsValid(), s)
	}
	assert.False(t, ErrorStrategy("bogus").IsValid())
}

func TestExecutionContext_IsValid(t *testing.T) {
	assert.True(t, ContextServer.IsValid())
	assert.True(t, ContextClient.IsValid())
	assert.True(t, ExecutionContext("").IsValid())
	assert.False(t, ExecutionContext("somewhere").IsValid())
}

func TestStepType_ClientDelegated(t *testing.T) {
	assert.True(t, StepUserMessage.ClientDelegated())
	assert.True(t, StepParallelForeach.ClientDelegated())
	assert.False(t, StepStateUpdate.ClientDelegated())
	assert.False(t, StepShellCommand.ClientDelegated(), "shell_command delegation depends on execution_context, not type alone")
}

func TestStepType_IsValid(t *testing.T) {
	assert.True(t, StepStateUpdate.IsValid())
	assert.True(t, StepBreak.IsValid())
	assert.False(t, StepType("frobnicate").IsValid())
}

func TestInferType(t *testing.T) {
	assert.Equal(t, VarNull, InferType(nil))
	assert.Equal(t, VarString, InferType("x"))
	assert.Equal(t, VarBool, InferType(true))
	assert.Equal(t, VarNumber, InferType(1))
	assert.Equal(t, VarNumber, InferType(1.5))
	assert.Equal(t, VarObject, InferType(map[string]any{}))
	assert.Equal(t, VarArray, InferType([]any{}))
	assert.Equal(t, VarUnknown, InferType(struct{}{}))
}
