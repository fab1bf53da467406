package domain

import (
	"time"

	"github.com/google/uuid"
)

// Frame is one level of the control-flow cursor stack (spec §3 Frame).
// Frames are plain structs pushed/popped on a slice, never recursive Go
// call frames, per spec §9's "frames over recursion" design note.
type Frame struct {
	Kind FrameKind

	// Steps is the body this frame is iterating; PC indexes into it.
	Steps []*StepDef
	PC    int

	// Loop vars, populated according to Kind.
	Items         []any // foreach, fixed at loop entry
	Item          any   // foreach
	Index         int   // foreach
	Total         int   // foreach
	AttemptNumber int   // while

	// Source is the StepDef that pushed this frame (the conditional/while/
	// foreach/parallel_foreach step itself), used to re-evaluate while's
	// condition and read its max_iterations; foreach's items are evaluated
	// once at loop entry and kept in Items.
	Source *StepDef

	// SubAgentTaskID ties a sub_agent frame back to its SubAgentContext.
	SubAgentTaskID string
}

// ErrorLogEntry records one terminal or continued error for
// WorkflowInstance.ErrorLog (spec §3 WorkflowInstance).
type ErrorLogEntry struct {
	StepID    string
	Kind      string
	Message   string
	Timestamp time.Time
}

// WorkflowInstance is a running realization of a WorkflowDef (spec §3).
// The StateStore and SubAgent bookkeeping live in their own packages
// (internal/state, internal/subagent) to avoid import cycles; WorkflowInstance
// holds no reference to them — internal/engine keeps each instance's store
// and sub-agent fleet alongside it.
type WorkflowInstance struct {
	ID     string
	Def    *WorkflowDef
	Status InstanceStatus

	Frames []*Frame // stack; Frames[0] is always the root frame

	StartedAt  time.Time
	FinishedAt *time.Time
	ErrorLog   []ErrorLogEntry

	// StepCounts (keyed by StepType), RetryCounts and ErrorCounts back the
	// session metrics (spec §4.8).
	StepCounts  map[StepType]int
	RetryCounts map[string]int // keyed by step id
	ErrorCounts map[string]int // keyed by error kind

	// ActiveSubAgentContext names a sub-agent task. The engine neither sets
	// nor reads it: get_next_step/step_complete receive the sub-agent context
	// id as an argument instead (spec §4.6 step 3).
	ActiveSubAgentContext string
}

// NewWorkflowInstance creates a fresh instance with a root frame over the
// workflow's top-level step list.
func NewWorkflowInstance(def *WorkflowDef) *WorkflowInstance {
	return &WorkflowInstance{
		ID:     uuid.NewString(),
		Def:    def,
		Status: InstanceRunning,
		Frames: []*Frame{
			{Kind: FrameRoot, Steps: def.Steps, PC: 0},
		},
		StartedAt:   time.Now(),
		StepCounts:  make(map[StepType]int),
		RetryCounts: make(map[string]int),
		ErrorCounts: make(map[string]int),
	}
}

// CurrentFrame returns the innermost (top-of-stack) frame.
func (i *WorkflowInstance) CurrentFrame() *Frame {
	if len(i.Frames) == 0 {
		return nil
	}
	return i.Frames[len(i.Frames)-1]
}

// PushFrame pushes a new frame onto the cursor stack.
func (i *WorkflowInstance) PushFrame(f *Frame) {
	i.Frames = append(i.Frames, f)
}

// PopFrame pops the innermost frame, returning it. No-op (returns nil) if
// only the root frame remains.
func (i *WorkflowInstance) PopFrame() *Frame {
	if len(i.Frames) <= 1 {
		return nil
	}
	f := i.Frames[len(i.Frames)-1]
	i.Frames = i.Frames[:len(i.Frames)-1]
	return f
}

// RecordError appends an entry to the error log.
func (i *WorkflowInstance) RecordError(stepID, kind, message string) {
	i.ErrorLog = append(i.ErrorLog, ErrorLogEntry{
		StepID: stepID, Kind: kind, Message: message, Timestamp: time.Now(),
	})
	i.ErrorCounts[kind]++
}

// Finish marks the instance terminal.
func (i *WorkflowInstance) Finish(status InstanceStatus) {
	i.Status = status
	now := time.Now()
	i.FinishedAt = &now
}

// Duration returns elapsed wall time, using now for unfinished instances.
func (i *WorkflowInstance) Duration() time.Duration {
	end := time.Now()
	if i.FinishedAt != nil {
		end = *i.FinishedAt
	}
	return end.Sub(i.StartedAt)
}

// SessionCounters is the per-instance counter bundle returned by
// workflow.status (spec §4.8: "step count by type, retry counts, error
// counts, peak state size, recompute counts per computed field").
type SessionCounters struct {
	StepCounts      map[StepType]int
	RetryCounts     map[string]int
	ErrorCounts     map[string]int
	PeakStateBytes  int
	RecomputeCounts map[string]int
}

// StepResult is the outcome of executing one step (spec §3 StepResult).
type StepResult struct {
	StepID  string
	Status  StepStatus
	Output  any
	Error   *StructuredError
	Retries int
}

// StructuredError is the {kind, message, context} shape carried by a
// StepResult and by the Control API's error envelope (spec §6/§7).
type StructuredError struct {
	Kind     string
	Message  string
	Location string
	Context  map[string]any
}

// StepDescriptor is what get_next_step returns for a client-delegated step
// (spec §6 Step descriptor).
type StepDescriptor struct {
	ID            string
	Type          StepType
	Instructions  string
	Definition    map[string]any
	InternalTrace []TraceStep `json:"_internal_trace,omitempty"`
}

// TraceStep is one server-internal step folded into a descriptor's debug
// trace (spec §4.8 debug mode).
type TraceStep struct {
	StepID    string
	Type      StepType
	StartedAt time.Time
	Duration  time.Duration
	Input     map[string]any
	Output    any
}
