package retrypolicy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// CircuitState is one of Closed/Open/HalfOpen.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes one CircuitBreaker.
type CircuitBreakerConfig struct {
	FailureThreshold      int
	SuccessThreshold      int
	Timeout               time.Duration
	MaxConcurrentRequests int
}

// DefaultCircuitBreakerConfig mirrors the teacher's defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:      5,
		SuccessThreshold:      2,
		Timeout:               60 * time.Second,
		MaxConcurrentRequests: 1,
	}
}

// CircuitBreaker protects a repeatedly-failing external tool call
// (spec §9 "Circuit breaker for mcp_call/agent_shell_command retries")
// from being retried workflow after workflow. The core Execute retry loop
// in retry.go is unaware of it; internal/control.Interpreter.execShell
// wraps each server-internal shell_command call in one, keyed per
// distinct command line via a CircuitBreakerRegistry.
type CircuitBreaker struct {
	mu sync.RWMutex

	config CircuitBreakerConfig
	state  CircuitState

	consecutiveFailures  int
	consecutiveSuccesses int
	totalFailures        int
	totalSuccesses       int

	lastFailureTime time.Time
	lastStateChange time.Time
	openedAt        time.Time

	halfOpenRequests int
}

// NewCircuitBreaker builds a CircuitBreaker starting Closed.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{config: config, state: StateClosed, lastStateChange: time.Now()}
}

// Execute runs fn under circuit-breaker protection, returning
// CircuitBreakerOpenError without calling fn at all while the circuit is
// open and its timeout has not yet elapsed.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.afterRequest(err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(cb.openedAt) >= cb.config.Timeout {
			cb.setState(StateHalfOpen)
			cb.halfOpenRequests = 1
			return nil
		}
		return &CircuitBreakerOpenError{OpenedAt: cb.openedAt, Timeout: cb.config.Timeout}
	case StateHalfOpen:
		if cb.halfOpenRequests >= cb.config.MaxConcurrentRequests {
			return &CircuitBreakerOpenError{OpenedAt: cb.openedAt, Timeout: cb.config.Timeout}
		}
		cb.halfOpenRequests++
		return nil
	default:
		return errors.New("unknown circuit breaker state")
	}
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		cb.halfOpenRequests--
	}
	if err != nil {
		cb.onFailure()
	} else {
		cb.onSuccess()
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.consecutiveFailures++
	cb.consecutiveSuccesses = 0
	cb.totalFailures++
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case StateClosed:
		if cb.consecutiveFailures >= cb.config.FailureThreshold {
			cb.setState(StateOpen)
			cb.openedAt = time.Now()
		}
	case StateHalfOpen:
		cb.setState(StateOpen)
		cb.openedAt = time.Now()
	}
}

func (cb *CircuitBreaker) onSuccess() {
	cb.consecutiveSuccesses++
	cb.consecutiveFailures = 0
	cb.totalSuccesses++

	if cb.state == StateHalfOpen && cb.consecutiveSuccesses >= cb.config.SuccessThreshold {
		cb.setState(StateClosed)
	}
}

func (cb *CircuitBreaker) setState(newState CircuitState) {
	if cb.state == newState {
		return
	}
	cb.state = newState
	cb.lastStateChange = time.Now()
	if newState == StateClosed {
		cb.consecutiveFailures = 0
		cb.consecutiveSuccesses = 0
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Stats returns a snapshot suitable for workflow.status's counters
// extension or a host's own diagnostics surface.
func (cb *CircuitBreaker) Stats() map[string]any {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	stats := map[string]any{
		"state":                 cb.state.String(),
		"consecutive_failures":  cb.consecutiveFailures,
		"consecutive_successes": cb.consecutiveSuccesses,
		"total_failures":        cb.totalFailures,
		"total_successes":       cb.totalSuccesses,
		"last_state_change":     cb.lastStateChange.Format(time.RFC3339),
	}
	if cb.state == StateOpen {
		stats["opened_at"] = cb.openedAt.Format(time.RFC3339)
		stats["time_until_half_open"] = cb.config.Timeout - time.Since(cb.openedAt)
	}
	return stats
}

// Reset forces the circuit back to Closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	cb.halfOpenRequests = 0
	cb.lastStateChange = time.Now()
}

// CircuitBreakerOpenError is returned by Execute while the circuit is open.
type CircuitBreakerOpenError struct {
	OpenedAt time.Time
	Timeout  time.Duration
}

func (e *CircuitBreakerOpenError) Error() string {
	remaining := e.Timeout - time.Since(e.OpenedAt)
	return fmt.Sprintf("circuit breaker is open, retry in %v", remaining)
}

// CircuitBreakerRegistry hands out one CircuitBreaker per key (e.g. an
// mcp_call's tool name, or an agent_shell_command's command), so one
// consistently-failing tool trips its own breaker without affecting
// others sharing the same workflow.
type CircuitBreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   CircuitBreakerConfig
}

// NewCircuitBreakerRegistry returns an empty registry using config for
// every breaker it lazily creates.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{breakers: make(map[string]*CircuitBreaker), config: config}
}

// Get returns the CircuitBreaker for key, creating one on first use.
func (r *CircuitBreakerRegistry) Get(key string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok = r.breakers[key]; ok {
		return cb
	}
	cb = NewCircuitBreaker(r.config)
	r.breakers[key] = cb
	return cb
}

// ResetAll resets every registered breaker.
func (r *CircuitBreakerRegistry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cb := range r.breakers {
		cb.Reset()
	}
}

// GetStats returns every registered breaker's Stats, keyed the same way
// as Get.
func (r *CircuitBreakerRegistry) GetStats() map[string]map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]map[string]any, len(r.breakers))
	for key, cb := range r.breakers {
		out[key] = cb.Stats()
	}
	return out
}
