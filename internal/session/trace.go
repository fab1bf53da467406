package session

import (
	"sync"
	"time"

	"github.com/aroton/aromcp/internal/domain"
)

// TraceEvent is one entry in an instance's debug trace: either a
// server-internal step folded out of a batch (spec §4.4 batching) or a
// client-delegated step's dispatch/completion pair (spec §4.8 debug
// mode "captures per-step timing and input/output snapshots").
type TraceEvent struct {
	StepID    string
	StepType  domain.StepType
	Phase     string // "dispatched" | "completed"
	Timestamp time.Time
	Duration  time.Duration
	Input     map[string]any
	Output    any
	Error     string
}

// Trace accumulates TraceEvents for one WorkflowInstance. Grounded on the
// teacher's internal/infrastructure/monitoring/trace.go ExecutionTrace
// (append-only event slice behind a mutex, String() summary), narrowed to
// this engine's step vocabulary.
type Trace struct {
	mu     sync.Mutex
	events []TraceEvent
}

// NewTrace returns an empty Trace.
func NewTrace() *Trace {
	return &Trace{}
}

// Add appends one event.
func (t *Trace) Add(e TraceEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, e)
}

// AddInternalSteps folds a batch's InternalTrace (domain.TraceStep) into
// the instance trace, tagged "completed" since server-internal steps run
// to completion synchronously.
func (t *Trace) AddInternalSteps(steps []domain.TraceStep) {
	for _, s := range steps {
		t.Add(TraceEvent{
			StepID: s.StepID, StepType: s.Type, Phase: "completed",
			Timestamp: s.StartedAt, Duration: s.Duration, Input: s.Input, Output: s.Output,
		})
	}
}

// Events returns a copy of the recorded events in order.
func (t *Trace) Events() []TraceEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TraceEvent, len(t.events))
	copy(out, t.events)
	return out
}

// Store is a process-wide registry of per-instance Traces, created only
// for instances running in debug mode (spec §4.8 "Debug mode disables
// batching... and captures per-step timing and input/output snapshots").
type Store struct {
	mu     sync.RWMutex
	traces map[string]*Trace
}

// NewStore returns an empty trace Store.
func NewStore() *Store {
	return &Store{traces: make(map[string]*Trace)}
}

// For returns the Trace for an instance id, creating one on first use.
func (s *Store) For(instanceID string) *Trace {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.traces[instanceID]
	if !ok {
		t = NewTrace()
		s.traces[instanceID] = t
	}
	return t
}

// Drop removes a terminated instance's trace once it leaves the retention
// window (spec §5 "Completed instances are retained for a bounded window,
// then garbage-collected").
func (s *Store) Drop(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.traces, instanceID)
}
