package retrypolicy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aroton/aromcp/internal/domain"
	domerrors "github.com/aroton/aromcp/internal/domain/errors"
)

func TestExecute_StrategyFail_PropagatesOnFirstError(t *testing.T) {
	calls := 0
	eh := &domain.ErrorHandlingDef{Strategy: domain.StrategyFail}
	result := Execute(context.Background(), eh, func(context.Context) (any, error) {
		calls++
		return nil, domerrors.New(domerrors.KindTool, "boom")
	})
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, 1, calls)
}

func TestExecute_StrategyContinue_SwallowsErrorWithoutFailing(t *testing.T) {
	eh := &domain.ErrorHandlingDef{Strategy: domain.StrategyContinue}
	result := Execute(context.Background(), eh, func(context.Context) (any, error) {
		return nil, domerrors.New(domerrors.KindTool, "boom")
	})
	assert.Equal(t, OutcomeContinued, result.Outcome)
	assert.Error(t, result.Err)
}

func TestExecute_StrategyFallback_ReturnsFallbackValueOnError(t *testing.T) {
	eh := &domain.ErrorHandlingDef{Strategy: domain.StrategyFallback, FallbackValue: "n/a"}
	result := Execute(context.Background(), eh, func(context.Context) (any, error) {
		return nil, domerrors.New(domerrors.KindTool, "boom")
	})
	assert.Equal(t, OutcomeFallback, result.Outcome)
	assert.Equal(t, "n/a", result.Value)
}

func TestExecute_StrategyFallback_SucceedsWithoutFallback(t *testing.T) {
	eh := &domain.ErrorHandlingDef{Strategy: domain.StrategyFallback, FallbackValue: "n/a"}
	result := Execute(context.Background(), eh, func(context.Context) (any, error) {
		return "ok", nil
	})
	assert.Equal(t, OutcomeSucceeded, result.Outcome)
	assert.Equal(t, "ok", result.Value)
}

func TestExecute_StrategyRetry_StopsAtMaxRetriesThenFails(t *testing.T) {
	calls := 0
	eh := &domain.ErrorHandlingDef{
		Strategy: domain.StrategyRetry, MaxRetries: 2,
		BackoffBase: 0.001, BackoffMult: 1, BackoffCap: 0.002,
	}
	result := Execute(context.Background(), eh, func(context.Context) (any, error) {
		calls++
		return nil, domerrors.New(domerrors.KindTool, "boom")
	})
	assert.Equal(t, 3, calls) // initial attempt + 2 retries
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, 2, result.Retries)
}

func TestExecute_StrategyRetry_FallsBackAfterExhaustingRetries(t *testing.T) {
	eh := &domain.ErrorHandlingDef{
		Strategy: domain.StrategyRetry, MaxRetries: 1,
		BackoffBase: 0.001, BackoffMult: 1, BackoffCap: 0.002,
		FallbackValue: "n/a",
	}
	result := Execute(context.Background(), eh, func(context.Context) (any, error) {
		return nil, domerrors.New(domerrors.KindTool, "boom")
	})
	assert.Equal(t, OutcomeFallback, result.Outcome)
	assert.Equal(t, "n/a", result.Value)
}

func TestExecute_StrategyRetry_SucceedsBeforeExhaustingRetries(t *testing.T) {
	calls := 0
	eh := &domain.ErrorHandlingDef{
		Strategy: domain.StrategyRetry, MaxRetries: 5,
		BackoffBase: 0.001, BackoffMult: 1, BackoffCap: 0.002,
	}
	result := Execute(context.Background(), eh, func(context.Context) (any, error) {
		calls++
		if calls < 2 {
			return nil, domerrors.New(domerrors.KindTool, "boom")
		}
		return "ok", nil
	})
	assert.Equal(t, OutcomeSucceeded, result.Outcome)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, result.Retries)
}

func TestExecute_StrategyRetry_NonRetryableErrorStopsImmediately(t *testing.T) {
	calls := 0
	eh := &domain.ErrorHandlingDef{
		Strategy: domain.StrategyRetry, MaxRetries: 5,
		BackoffBase: 0.001, BackoffMult: 1, BackoffCap: 0.002,
	}
	result := Execute(context.Background(), eh, func(context.Context) (any, error) {
		calls++
		return nil, domerrors.New(domerrors.KindValidation, "not retryable")
	})
	assert.Equal(t, 1, calls)
	assert.Equal(t, OutcomeFailed, result.Outcome)
}

func TestExecute_StrategyRetry_CancelledContextDuringBackoffFails(t *testing.T) {
	eh := &domain.ErrorHandlingDef{
		Strategy: domain.StrategyRetry, MaxRetries: 5,
		BackoffBase: 10, BackoffMult: 1, BackoffCap: 10,
	}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	result := Execute(ctx, eh, func(context.Context) (any, error) {
		calls++
		if calls == 1 {
			cancel()
		}
		return nil, domerrors.New(domerrors.KindTool, "boom")
	})
	assert.Equal(t, 1, calls)
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.True(t, domerrors.IsKind(result.Err, domerrors.KindCancelled))
}

func TestExecute_NilErrorHandlingDefaultsToFail(t *testing.T) {
	result := Execute(context.Background(), nil, func(context.Context) (any, error) {
		return nil, domerrors.New(domerrors.KindTool, "boom")
	})
	assert.Equal(t, OutcomeFailed, result.Outcome)
}

func TestIsRetryable_UnwrappedErrorIsNotRetryable(t *testing.T) {
	require.False(t, domerrors.IsRetryable(assertErr{}))
}

type assertErr struct{}

func (assertErr) Error() string { return "raw" }
