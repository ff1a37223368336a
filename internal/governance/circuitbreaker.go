package governance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is in the open state.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// Uncounted marks err as a rejection of this particular call rather than a
// fault of the dependency. ExecuteContext records the call as a success and
// returns err unwrapped.
func Uncounted(err error) error {
	if err == nil {
		return nil
	}
	return &uncountedError{err: err}
}

type uncountedError struct {
	err error
}

func (e *uncountedError) Error() string { return e.err.Error() }

func (e *uncountedError) Unwrap() error { return e.err }

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState string

const (
	// StateClosed indicates the circuit is closed and calls are allowed.
	StateClosed CircuitBreakerState = "closed"
	// StateOpen indicates the circuit is open and calls are rejected.
	StateOpen CircuitBreakerState = "open"
	// StateHalfOpen indicates the circuit is probing whether the oracle recovered.
	StateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerConfig defines thresholds for circuit breaking.
type CircuitBreakerConfig struct {
	// Enabled turns the breaker on. A disabled breaker passes every call through.
	Enabled bool `yaml:"enabled"`
	// MaxFailures is the consecutive failure count that opens the circuit.
	MaxFailures int `yaml:"max_failures"`
	// OpenTimeout is how long the circuit stays open before probing.
	OpenTimeout time.Duration `yaml:"open_timeout"`
	// MaxHalfOpenRequests is the number of trial calls allowed while half-open;
	// that many consecutive successes close the circuit again.
	MaxHalfOpenRequests int `yaml:"max_half_open_requests"`
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Enabled:             true,
		MaxFailures:         5,
		OpenTimeout:         30 * time.Second,
		MaxHalfOpenRequests: 1,
	}
}

// CircuitBreaker guards calls to a single upstream dependency.
type CircuitBreaker struct {
	mu     sync.Mutex
	state  CircuitBreakerState
	config CircuitBreakerConfig
	now    func() time.Time

	consecutiveFailures  int
	consecutiveSuccesses int
	halfOpenRequests     int
	totalFailures        int
	totalSuccesses       int
	lastStateChange      time.Time
	openUntil            time.Time
}

// NewCircuitBreaker creates a circuit breaker with the provided configuration.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = 30 * time.Second
	}
	if config.MaxHalfOpenRequests <= 0 {
		config.MaxHalfOpenRequests = 1
	}

	return &CircuitBreaker{
		state:           StateClosed,
		config:          config,
		now:             time.Now,
		lastStateChange: time.Now(),
	}
}

// ExecuteContext runs fn unless the circuit is open, and records its outcome.
// Context cancellation by the caller is not counted as an oracle failure.
func (cb *CircuitBreaker) ExecuteContext(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !cb.config.Enabled {
		return stripUncounted(fn(ctx))
	}

	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	if err != nil && errors.Is(err, context.Canceled) {
		cb.release()
		return stripUncounted(err)
	}
	var uncounted *uncountedError
	if errors.As(err, &uncounted) {
		cb.afterRequest(nil)
		return uncounted.err
	}
	cb.afterRequest(err)
	return err
}

func stripUncounted(err error) error {
	var uncounted *uncountedError
	if errors.As(err, &uncounted) {
		return uncounted.err
	}
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if cb.now().After(cb.openUntil) {
			cb.transitionToLocked(StateHalfOpen)
			cb.halfOpenRequests++
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.halfOpenRequests < cb.config.MaxHalfOpenRequests {
			cb.halfOpenRequests++
			return nil
		}
		return ErrCircuitOpen
	default:
		return fmt.Errorf("unknown circuit breaker state: %s", cb.state)
	}
}

// release returns a half-open trial slot without recording an outcome.
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.halfOpenRequests > 0 {
		cb.halfOpenRequests--
	}
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.totalSuccesses++
		cb.consecutiveSuccesses++
		cb.consecutiveFailures = 0
	} else {
		cb.totalFailures++
		cb.consecutiveFailures++
		cb.consecutiveSuccesses = 0
	}

	switch cb.state {
	case StateHalfOpen:
		if err != nil {
			cb.transitionToLocked(StateOpen)
			return
		}
		if cb.consecutiveSuccesses >= cb.config.MaxHalfOpenRequests {
			cb.transitionToLocked(StateClosed)
		}
	case StateClosed:
		if err != nil && cb.consecutiveFailures >= cb.config.MaxFailures {
			cb.transitionToLocked(StateOpen)
		}
	}
}

func (cb *CircuitBreaker) transitionToLocked(newState CircuitBreakerState) {
	if cb.state == newState {
		return
	}

	now := cb.now()
	cb.state = newState
	cb.lastStateChange = now
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	cb.halfOpenRequests = 0

	if newState == StateOpen {
		cb.openUntil = now.Add(cb.config.OpenTimeout)
	} else {
		cb.openUntil = time.Time{}
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// CircuitBreakerStats exposes circuit breaker status information.
type CircuitBreakerStats struct {
	State           string `json:"state"`
	Failures        int    `json:"failures"`
	Successes       int    `json:"successes"`
	LastStateChange string `json:"lastStateChange"`
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerStats{
		State:           string(cb.state),
		Failures:        cb.totalFailures,
		Successes:       cb.totalSuccesses,
		LastStateChange: cb.lastStateChange.Format(time.RFC3339),
	}
}

// Reset manually resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transitionToLocked(StateClosed)
	cb.totalFailures = 0
	cb.totalSuccesses = 0
}
