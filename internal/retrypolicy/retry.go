// Package retrypolicy executes a single step attempt under its
// error_handling strategy (spec §4.7): fail/continue/retry/fallback, with
// exponential backoff and jitter for retry.
//
// Grounded on the teacher's internal/application/executor/retry.go
// RetryExecutor (attempt loop, calculateDelay exponential-backoff+jitter
// formula), generalized from a fixed *RetryPolicy wrapping a NodeExecutor
// into a per-call Attempt function driven by a step's own
// domain.ErrorHandlingDef.
package retrypolicy

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/aroton/aromcp/internal/domain"
	domerrors "github.com/aroton/aromcp/internal/domain/errors"
)

// Outcome tags how Execute resolved a step's attempt.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFallback  Outcome = "fallback"
	OutcomeContinued Outcome = "continued"
	OutcomeFailed    Outcome = "failed"
)

// Result carries the resolved value/error plus bookkeeping for
// WorkflowInstance.RetryCounts and session metrics.
type Result struct {
	Outcome Outcome
	Value   any
	Err     error
	Retries int
}

// Attempt is one execution of a step's body; eh.MaxRetries further
// invocations may follow on error when Strategy is "retry".
type Attempt func(ctx context.Context) (any, error)

// Execute runs attempt under eh's strategy. Only KindTimeout/KindTool
// errors are retried by default (errors.IsRetryable); a non-retryable
// error short-circuits straight to the strategy's terminal behavior.
func Execute(ctx context.Context, eh *domain.ErrorHandlingDef, attempt Attempt) Result {
	if eh == nil {
		eh = domain.DefaultErrorHandling()
	}

	switch eh.Strategy {
	case domain.StrategyContinue:
		v, err := attempt(ctx)
		if err == nil {
			return Result{Outcome: OutcomeSucceeded, Value: v}
		}
		return Result{Outcome: OutcomeContinued, Err: err}

	case domain.StrategyFallback:
		v, err := attempt(ctx)
		if err == nil {
			return Result{Outcome: OutcomeSucceeded, Value: v}
		}
		return Result{Outcome: OutcomeFallback, Value: eh.FallbackValue, Err: err}

	case domain.StrategyRetry:
		return executeRetry(ctx, eh, attempt)

	case domain.StrategyFail:
		fallthrough
	default:
		v, err := attempt(ctx)
		if err == nil {
			return Result{Outcome: OutcomeSucceeded, Value: v}
		}
		return Result{Outcome: OutcomeFailed, Err: err}
	}
}

func executeRetry(ctx context.Context, eh *domain.ErrorHandlingDef, attempt Attempt) Result {
	var lastErr error
	retries := 0
	for n := 0; n <= eh.MaxRetries; n++ {
		if n > 0 {
			delay := calculateDelay(eh, n)
			select {
			case <-ctx.Done():
				return Result{Outcome: OutcomeFailed, Err: domerrors.Wrap(domerrors.KindCancelled, "retry wait cancelled", ctx.Err()), Retries: n - 1}
			case <-time.After(delay):
			}
		}

		v, err := attempt(ctx)
		if err == nil {
			return Result{Outcome: OutcomeSucceeded, Value: v, Retries: n}
		}
		lastErr = err
		retries = n
		if !domerrors.IsRetryable(err) {
			break
		}
	}

	if eh.FallbackValue != nil {
		return Result{Outcome: OutcomeFallback, Value: eh.FallbackValue, Err: lastErr, Retries: retries}
	}
	return Result{Outcome: OutcomeFailed, Err: lastErr, Retries: retries}
}

// calculateDelay mirrors the teacher's exponential-backoff-with-jitter
// formula: base * multiplier^(attempt-1), capped, +/-10% jitter.
func calculateDelay(eh *domain.ErrorHandlingDef, attempt int) time.Duration {
	base := eh.BackoffBase
	if base <= 0 {
		base = 0.5
	}
	mult := eh.BackoffMult
	if mult <= 0 {
		mult = 2.0
	}
	delay := base * math.Pow(mult, float64(attempt-1))
	if eh.BackoffCap > 0 && delay > eh.BackoffCap {
		delay = eh.BackoffCap
	}
	jitter := delay * 0.1 * (2*rand.Float64() - 1)
	delay += jitter
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay * float64(time.Second))
}
