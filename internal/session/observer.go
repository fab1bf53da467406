package session

import (
	"sync"
	"time"

	"github.com/aroton/aromcp/internal/domain"
)

// Observer receives lifecycle notifications for one engine's worth of
// workflow instances (spec §4.8 Session & Monitoring). Grounded on the
// teacher's internal/infrastructure/monitoring/observer.go
// ExecutionObserver interface, generalized from node-by-node DAG
// callbacks to the step-descriptor/StepResult shape this engine actually
// produces.
type Observer interface {
	OnInstanceStarted(inst *domain.WorkflowInstance)
	OnInstanceCompleted(inst *domain.WorkflowInstance)
	OnInstanceFailed(inst *domain.WorkflowInstance, err error)
	OnStepDispatched(inst *domain.WorkflowInstance, desc *domain.StepDescriptor)
	OnStepCompleted(inst *domain.WorkflowInstance, stepID string, result domain.StepResult, duration time.Duration)
	OnStepRetrying(inst *domain.WorkflowInstance, stepID string, attempt int)
}

// Manager fans every notification out to a set of registered Observers,
// matching the teacher's ObserverManager (RWMutex-guarded slice, one
// Notify* method per callback, each looping the registered set).
type Manager struct {
	mu        sync.RWMutex
	observers []Observer
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{}
}

// Add registers an Observer. Not safe to call concurrently with a Notify*
// call on the same Manager mid-flight from another goroutine beyond the
// mutex's own serialization (i.e. it is safe, just not reordered).
func (m *Manager) Add(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

func (m *Manager) snapshot() []Observer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Observer, len(m.observers))
	copy(out, m.observers)
	return out
}

func (m *Manager) NotifyInstanceStarted(inst *domain.WorkflowInstance) {
	for _, o := range m.snapshot() {
		o.OnInstanceStarted(inst)
	}
}

func (m *Manager) NotifyInstanceCompleted(inst *domain.WorkflowInstance) {
	for _, o := range m.snapshot() {
		o.OnInstanceCompleted(inst)
	}
}

func (m *Manager) NotifyInstanceFailed(inst *domain.WorkflowInstance, err error) {
	for _, o := range m.snapshot() {
		o.OnInstanceFailed(inst, err)
	}
}

func (m *Manager) NotifyStepDispatched(inst *domain.WorkflowInstance, desc *domain.StepDescriptor) {
	for _, o := range m.snapshot() {
		o.OnStepDispatched(inst, desc)
	}
}

func (m *Manager) NotifyStepCompleted(inst *domain.WorkflowInstance, stepID string, result domain.StepResult, duration time.Duration) {
	for _, o := range m.snapshot() {
		o.OnStepCompleted(inst, stepID, result, duration)
	}
}

func (m *Manager) NotifyStepRetrying(inst *domain.WorkflowInstance, stepID string, attempt int) {
	for _, o := range m.snapshot() {
		o.OnStepRetrying(inst, stepID, attempt)
	}
}
