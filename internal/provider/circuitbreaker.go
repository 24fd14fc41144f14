package provider

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aimerfeng/AgentDesk/internal/monitoring"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// CircuitBreakerConfig holds configuration for circuit breakers
type CircuitBreakerConfig struct {
	// MaxRequests allowed through while half-open
	MaxRequests uint32
	// Interval is the cyclic period of the closed state after which counts are cleared
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing
	Timeout time.Duration
	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold uint32
}

// DefaultCircuitBreakerConfig returns default circuit breaker configuration
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState string

const (
	CircuitBreakerStateClosed   CircuitBreakerState = "closed"
	CircuitBreakerStateOpen     CircuitBreakerState = "open"
	CircuitBreakerStateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerStatus contains status information about a circuit breaker
type CircuitBreakerStatus struct {
	Name         string              `json:"name"`
	State        CircuitBreakerState `json:"state"`
	Requests     uint32              `json:"requests"`
	TotalSuccess uint32              `json:"total_success"`
	TotalFailure uint32              `json:"total_failure"`
}

// CircuitBreakerManager keeps one breaker per provider operation
type CircuitBreakerManager struct {
	breakers map[string]*gobreaker.CircuitBreaker
	config   *CircuitBreakerConfig
	mu       sync.RWMutex
}

// NewCircuitBreakerManager creates a new circuit breaker manager
func NewCircuitBreakerManager(config *CircuitBreakerConfig) *CircuitBreakerManager {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}
	return &CircuitBreakerManager{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		config:   config,
	}
}

// GetBreaker returns or creates the breaker for an operation
func (m *CircuitBreakerManager) GetBreaker(operation string) *gobreaker.CircuitBreaker {
	m.mu.RLock()
	cb, exists := m.breakers[operation]
	m.mu.RUnlock()
	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, exists = m.breakers[operation]; exists {
		return cb
	}

	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm-" + operation,
		MaxRequests: m.config.MaxRequests,
		Interval:    m.config.Interval,
		Timeout:     m.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= m.config.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			monitoring.SetCircuitBreakerState(name, stateToGauge(to))
			log.Info().
				Str("circuit_breaker", name).
				Str("from", stateToString(from)).
				Str("to", stateToString(to)).
				Msg("Circuit breaker state changed")
		},
		IsSuccessful: func(err error) bool {
			// Rate limiting and caller cancellation do not count as failures.
			return err == nil || !(errors.Is(err, ErrUpstream) || errors.Is(err, ErrTimeout))
		},
	})

	m.breakers[operation] = cb
	return cb
}

// Execute runs fn under the operation's breaker
func Execute[T any](ctx context.Context, m *CircuitBreakerManager, operation string, fn func() (T, error)) (T, error) {
	var zero T
	cb := m.GetBreaker(operation)

	result, err := cb.Execute(func() (interface{}, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			log.Warn().Str("operation", operation).Msg("Circuit breaker is open, rejecting provider call")
			return zero, ErrCircuitOpen
		}
		return zero, err
	}
	return result.(T), nil
}

// GetStatus returns the status of a circuit breaker, or nil if it was never used
func (m *CircuitBreakerManager) GetStatus(operation string) *CircuitBreakerStatus {
	m.mu.RLock()
	cb, exists := m.breakers[operation]
	m.mu.RUnlock()
	if !exists {
		return nil
	}
	return statusOf(operation, cb)
}

// GetAllStatus returns status of all circuit breakers
func (m *CircuitBreakerManager) GetAllStatus() []*CircuitBreakerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]*CircuitBreakerStatus, 0, len(m.breakers))
	for op, cb := range m.breakers {
		statuses = append(statuses, statusOf(op, cb))
	}
	return statuses
}

func statusOf(name string, cb *gobreaker.CircuitBreaker) *CircuitBreakerStatus {
	counts := cb.Counts()
	return &CircuitBreakerStatus{
		Name:         name,
		State:        CircuitBreakerState(stateToString(cb.State())),
		Requests:     counts.Requests,
		TotalSuccess: counts.TotalSuccesses,
		TotalFailure: counts.TotalFailures,
	}
}

// IsOpen checks if the circuit breaker for an operation is open
func (m *CircuitBreakerManager) IsOpen(operation string) bool {
	m.mu.RLock()
	cb, exists := m.breakers[operation]
	m.mu.RUnlock()
	return exists && cb.State() == gobreaker.StateOpen
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return string(CircuitBreakerStateClosed)
	case gobreaker.StateOpen:
		return string(CircuitBreakerStateOpen)
	case gobreaker.StateHalfOpen:
		return string(CircuitBreakerStateHalfOpen)
	default:
		return "unknown"
	}
}

func stateToGauge(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 0.5
	default:
		return 0
	}
}
