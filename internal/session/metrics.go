// Package session tracks per-workflow lifecycle, metrics, and debug
// traces (spec §4.8). The retention-window garbage collector that
// reclaims terminal instances is Engine.GC in internal/engine, which calls
// Store.Drop here.
//
// Grounded on internal/infrastructure/monitoring/metrics.go's
// MetricsCollector (RWMutex-guarded map keyed by id, min/max/average
// duration bookkeeping) — generalized from WorkflowMetrics/NodeMetrics
// (one workflow execution, one node execution) to WorkflowMetrics/
// StepMetrics keyed by workflow name and step type respectively; the
// AIMetrics/cost-estimation concern is dropped since no LLM API is called
// by this engine (the agent itself is out of scope).
package session

import (
	"sync"
	"time"
)

// StepMetrics aggregates execution stats for one StepType across every
// instance of every workflow.
type StepMetrics struct {
	Type            string        `json:"type"`
	ExecutionCount  int           `json:"execution_count"`
	SuccessCount    int           `json:"success_count"`
	FailureCount    int           `json:"failure_count"`
	RetryCount      int           `json:"retry_count"`
	TotalDuration   time.Duration `json:"total_duration"`
	AverageDuration time.Duration `json:"average_duration"`
	MinDuration     time.Duration `json:"min_duration"`
	MaxDuration     time.Duration `json:"max_duration"`
}

// WorkflowMetrics aggregates execution stats for one workflow name
// (ns:id) across every instance.
type WorkflowMetrics struct {
	Name            string        `json:"name"`
	ExecutionCount  int           `json:"execution_count"`
	SuccessCount    int           `json:"success_count"`
	FailureCount    int           `json:"failure_count"`
	TotalDuration   time.Duration `json:"total_duration"`
	AverageDuration time.Duration `json:"average_duration"`
	MinDuration     time.Duration `json:"min_duration"`
	MaxDuration     time.Duration `json:"max_duration"`
	LastExecutionAt time.Time     `json:"last_execution_at"`
}

// MetricsCollector is the process-wide metrics sink every Engine shares.
type MetricsCollector struct {
	mu       sync.RWMutex
	workflow map[string]*WorkflowMetrics
	step     map[string]*StepMetrics
}

// NewMetricsCollector returns an empty collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		workflow: make(map[string]*WorkflowMetrics),
		step:     make(map[string]*StepMetrics),
	}
}

// RecordWorkflow records one instance's terminal outcome.
func (mc *MetricsCollector) RecordWorkflow(name string, duration time.Duration, success bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	m, ok := mc.workflow[name]
	if !ok {
		m = &WorkflowMetrics{Name: name, MinDuration: duration, MaxDuration: duration}
		mc.workflow[name] = m
	}
	m.ExecutionCount++
	if success {
		m.SuccessCount++
	} else {
		m.FailureCount++
	}
	m.TotalDuration += duration
	m.AverageDuration = m.TotalDuration / time.Duration(m.ExecutionCount)
	m.LastExecutionAt = time.Now()
	if duration < m.MinDuration {
		m.MinDuration = duration
	}
	if duration > m.MaxDuration {
		m.MaxDuration = duration
	}
}

// RecordStep records one step execution.
func (mc *MetricsCollector) RecordStep(stepType string, duration time.Duration, success bool, retried bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	m, ok := mc.step[stepType]
	if !ok {
		m = &StepMetrics{Type: stepType, MinDuration: duration, MaxDuration: duration}
		mc.step[stepType] = m
	}
	m.ExecutionCount++
	if success {
		m.SuccessCount++
	} else {
		m.FailureCount++
	}
	if retried {
		m.RetryCount++
	}
	m.TotalDuration += duration
	m.AverageDuration = m.TotalDuration / time.Duration(m.ExecutionCount)
	if duration < m.MinDuration {
		m.MinDuration = duration
	}
	if duration > m.MaxDuration {
		m.MaxDuration = duration
	}
}

// Workflow returns a copy of one workflow's metrics, or nil if unseen.
func (mc *MetricsCollector) Workflow(name string) *WorkflowMetrics {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	if m, ok := mc.workflow[name]; ok {
		c := *m
		return &c
	}
	return nil
}

// AllSteps returns a copy of every tracked step type's metrics.
func (mc *MetricsCollector) AllSteps() map[string]*StepMetrics {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	out := make(map[string]*StepMetrics, len(mc.step))
	for k, v := range mc.step {
		c := *v
		out[k] = &c
	}
	return out
}
