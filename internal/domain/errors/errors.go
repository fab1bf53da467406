// Package errors defines the closed set of error kinds the workflow engine
// raises and a single WorkflowError type carrying them across layers.
package errors

import (
	"errors"
	"fmt"
)

// Kind identifies the stable category of a WorkflowError. The set is
// closed: every error the engine raises carries exactly one of these.
type Kind string

const (
	// KindValidation is a load-time schema or semantic failure.
	KindValidation Kind = "ValidationError"
	// KindPath is a write to a non-writable target, or a read of an
	// undeclared path.
	KindPath Kind = "PathError"
	// KindExpression is an evaluation failure: unknown reference, type
	// mismatch, or syntax rejected by the restricted grammar.
	KindExpression Kind = "ExpressionError"
	// KindTimeout is a step, sub-agent, or workflow deadline exceeded.
	KindTimeout Kind = "Timeout"
	// KindTool is a client-reported failure from mcp_call / shell_command
	// (non-zero exit, tool-side error).
	KindTool Kind = "ToolError"
	// KindValidationRejected is an agent_response that failed its schema,
	// or a user_input that failed its pattern after exhausting retries.
	KindValidationRejected Kind = "ValidationRejected"
	// KindLoopBound is a while loop exceeding max_iterations.
	KindLoopBound Kind = "LoopBound"
	// KindCancelled is an external cancellation.
	KindCancelled Kind = "Cancelled"
	// KindInternal is an engine bug. Always fatal, never retried.
	KindInternal Kind = "Internal"
)

// retryableByDefault reports whether a kind is retryable absent any
// step-level error_handling override. ValidationError and Internal never
// enter the error_handling pipeline at all (see Propagation, spec §7), so
// their entries here are informational only.
var retryableByDefault = map[Kind]bool{
	KindValidation:          false,
	KindPath:                false,
	KindExpression:          false,
	KindTimeout:             true,
	KindTool:                true,
	KindValidationRejected:  false,
	KindLoopBound:           false,
	KindCancelled:           false,
	KindInternal:            false,
}

// WorkflowError is the single error shape raised by every engine component.
// It mirrors the teacher's DomainError{Code,Message,Err} but fixes Code to
// the closed Kind enum and carries the extra context (location, structured
// context map) the error envelope in spec §6/§7 requires.
type WorkflowError struct {
	Kind      Kind
	Message   string
	Location  string
	Context   map[string]any
	Err       error
	Retryable bool
}

// New creates a WorkflowError with the default retryability for its kind.
func New(kind Kind, message string) *WorkflowError {
	return &WorkflowError{Kind: kind, Message: message, Retryable: retryableByDefault[kind]}
}

// Wrap creates a WorkflowError around an underlying cause.
func Wrap(kind Kind, message string, cause error) *WorkflowError {
	return &WorkflowError{Kind: kind, Message: message, Err: cause, Retryable: retryableByDefault[kind]}
}

// WithLocation returns a copy of the error annotated with a JSON-pointer-like
// location (used by the loader to point at the offending workflow-file node).
func (e *WorkflowError) WithLocation(location string) *WorkflowError {
	out := *e
	out.Location = location
	return &out
}

// WithContext returns a copy of the error with a structured context map
// attached (step id, path, expression text, and similar substitution
// context named in spec §4.3/§6).
func (e *WorkflowError) WithContext(ctx map[string]any) *WorkflowError {
	out := *e
	out.Context = ctx
	return &out
}

func (e *WorkflowError) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("%s at %s: %s", e.Kind, e.Location, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a *WorkflowError of the given kind.
func IsKind(err error, kind Kind) bool {
	var we *WorkflowError
	if errors.As(err, &we) {
		return we.Kind == kind
	}
	return false
}

// IsRetryable reports whether err is a *WorkflowError with Retryable set.
// An err that was never wrapped into a WorkflowError is treated as
// non-retryable; every attempt in internal/control wraps its failure
// before returning it, so this only matters for callers outside that
// path.
func IsRetryable(err error) bool {
	var we *WorkflowError
	if errors.As(err, &we) {
		return we.Retryable
	}
	return false
}

// Terminal never enters the per-step error_handling pipeline (spec §7
// Propagation): it always terminates the workflow immediately.
func Terminal(kind Kind) bool {
	return kind == KindValidation || kind == KindInternal
}
