// Package circuitbreaker stops hammering a failing upstream. The status
// service uses one breaker per data-source tier so a dead indexing API is
// skipped quickly instead of adding its timeout to every refresh.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/collection-scanner/internal/logging"
)

// State represents the circuit breaker state
type State string

const (
	// StateClosed means requests flow normally
	StateClosed State = "closed"
	// StateOpen means requests are rejected without calling the upstream
	StateOpen State = "open"
	// StateHalfOpen means a limited number of probe requests are allowed
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned when the breaker rejects a request.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ErrTooManyRequests is returned when the half-open probe quota is used up.
var ErrTooManyRequests = errors.New("too many requests in half-open state")

// CircuitBreaker tracks failures of one upstream and rejects calls while it
// is considered down.
type CircuitBreaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenCalls int
	now           func() time.Time

	mu               sync.Mutex
	state            State
	consecutiveFails int
	probes           int
	probeSuccesses   int
	lastStateChange  time.Time
}

// Config configures a circuit breaker.
type Config struct {
	// Name identifies the breaker in logs.
	Name string

	// MaxFailures is the consecutive failure count that opens the circuit.
	// Default: 5.
	MaxFailures int

	// ResetTimeout is how long the circuit stays open before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenCalls is the number of probes allowed, and the number of
	// successes required to close again. Default: 3.
	HalfOpenCalls int

	// Now overrides the clock for tests.
	Now func() time.Time
}

// New creates a circuit breaker.
func New(cfg *Config) *CircuitBreaker {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	resetTimeout := cfg.ResetTimeout
	if resetTimeout == 0 {
		resetTimeout = 30 * time.Second
	}
	halfOpenCalls := cfg.HalfOpenCalls
	if halfOpenCalls == 0 {
		halfOpenCalls = 3
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &CircuitBreaker{
		name:            cfg.Name,
		maxFailures:     maxFailures,
		resetTimeout:    resetTimeout,
		halfOpenCalls:   halfOpenCalls,
		now:             now,
		state:           StateClosed,
		lastStateChange: now(),
	}
}

// Execute runs fn under breaker protection. It returns ErrCircuitOpen or
// ErrTooManyRequests without calling fn when the upstream is considered
// down; otherwise it returns fn's error and records the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
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
	case StateOpen:
		if cb.now().Sub(cb.lastStateChange) < cb.resetTimeout {
			return ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
		logging.GetGlobalLogger().WithField("circuitBreaker", cb.name).Info("circuit breaker probing upstream")
		cb.probes++
		return nil

	case StateHalfOpen:
		if cb.probes >= cb.halfOpenCalls {
			return ErrTooManyRequests
		}
		cb.probes++
		return nil

	default:
		return nil
	}
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.onFailure()
	} else {
		cb.onSuccess()
	}
}

func (cb *CircuitBreaker) onSuccess() {
	cb.consecutiveFails = 0

	if cb.state == StateHalfOpen {
		cb.probeSuccesses++
		if cb.probeSuccesses >= cb.halfOpenCalls {
			cb.setState(StateClosed)
			logging.GetGlobalLogger().WithField("circuitBreaker", cb.name).Info("circuit breaker closed after recovery")
		}
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.consecutiveFails++

	switch cb.state {
	case StateClosed:
		if cb.consecutiveFails >= cb.maxFailures {
			cb.setState(StateOpen)
			logging.GetGlobalLogger().WithFields(map[string]interface{}{
				"circuitBreaker":   cb.name,
				"consecutiveFails": cb.consecutiveFails,
			}).Warn("circuit breaker opened")
		}
	case StateHalfOpen:
		// One failed probe sends the circuit straight back to open.
		cb.setState(StateOpen)
		logging.GetGlobalLogger().WithField("circuitBreaker", cb.name).Warn("circuit breaker reopened after failed probe")
	}
}

func (cb *CircuitBreaker) setState(state State) {
	cb.state = state
	cb.lastStateChange = cb.now()
	cb.probes = 0
	cb.probeSuccesses = 0
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the circuit and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateClosed)
	cb.consecutiveFails = 0
}
