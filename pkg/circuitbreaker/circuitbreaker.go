package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned without calling fn while the breaker rejects requests.
var ErrOpen = errors.New("circuit breaker open")

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // requests pass through
	StateOpen                  // requests fail immediately
	StateHalfOpen              // a few trial requests are allowed
)

func (s State) String() string {
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

// Config holds circuit breaker configuration
type Config struct {
	Name                string        // Used in error messages
	FailureThreshold    int           // Consecutive failures before opening
	SuccessThreshold    int           // Successes in half-open before closing
	Timeout             time.Duration // Open duration before probing
	MaxRequestsHalfOpen int           // Concurrent trial requests allowed in half-open
}

// DefaultConfig opens after three consecutive failures, which at the
// default heartbeat and poll intervals is roughly half a minute of outage.
func DefaultConfig() Config {
	return Config{
		Name:                "rendezvous",
		FailureThreshold:    3,
		SuccessThreshold:    1,
		Timeout:             15 * time.Second,
		MaxRequestsHalfOpen: 1,
	}
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	config Config
	now    func() time.Time

	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	halfOpenRequests int
	lastFailureTime  time.Time
	stateChangeTime  time.Time

	onStateChange func(from, to State)
}

// New creates a new circuit breaker with the given configuration
func New(config Config) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.MaxRequestsHalfOpen <= 0 {
		config.MaxRequestsHalfOpen = 1
	}
	return &CircuitBreaker{
		config:          config,
		now:             time.Now,
		state:           StateClosed,
		stateChangeTime: time.Now(),
	}
}

// OnStateChange registers fn, called after every transition outside the lock.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Execute runs fn unless the breaker is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !cb.allowRequest() {
		return fmt.Errorf("%s: %w", cb.config.Name, ErrOpen)
	}

	err := fn()
	if err != nil {
		// A cancelled caller says nothing about the remote's health.
		if errors.Is(err, context.Canceled) {
			cb.release()
			return err
		}
		cb.record(false)
		return err
	}
	cb.record(true)
	return nil
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	var from, to State
	changed := false
	allowed := true

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.stateChangeTime) < cb.config.Timeout {
			allowed = false
			break
		}
		from, to, changed = cb.transitionTo(StateHalfOpen)
		cb.halfOpenRequests++
	case StateHalfOpen:
		if cb.halfOpenRequests >= cb.config.MaxRequestsHalfOpen {
			allowed = false
			break
		}
		cb.halfOpenRequests++
	}

	fn := cb.onStateChange
	cb.mu.Unlock()

	if changed && fn != nil {
		fn(from, to)
	}
	return allowed
}

func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.halfOpenRequests > 0 {
		cb.halfOpenRequests--
	}
}

func (cb *CircuitBreaker) record(success bool) {
	cb.mu.Lock()
	var from, to State
	changed := false

	if success {
		cb.failureCount = 0
		cb.successCount++
		if cb.state == StateHalfOpen {
			cb.halfOpenRequests--
			if cb.successCount >= cb.config.SuccessThreshold {
				from, to, changed = cb.transitionTo(StateClosed)
			}
		}
	} else {
		cb.successCount = 0
		cb.failureCount++
		cb.lastFailureTime = cb.now()
		switch cb.state {
		case StateClosed:
			if cb.failureCount >= cb.config.FailureThreshold {
				from, to, changed = cb.transitionTo(StateOpen)
			}
		case StateHalfOpen:
			from, to, changed = cb.transitionTo(StateOpen)
		}
	}

	fn := cb.onStateChange
	cb.mu.Unlock()

	if changed && fn != nil {
		fn(from, to)
	}
}

// transitionTo must be called with mu held.
func (cb *CircuitBreaker) transitionTo(newState State) (State, State, bool) {
	if cb.state == newState {
		return cb.state, newState, false
	}
	oldState := cb.state
	cb.state = newState
	cb.stateChangeTime = cb.now()
	cb.successCount = 0
	cb.halfOpenRequests = 0
	if newState != StateOpen {
		cb.failureCount = 0
	}
	return oldState, newState, true
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats holds circuit breaker statistics
type Stats struct {
	State            State
	FailureCount     int
	SuccessCount     int
	HalfOpenRequests int
	LastFailureTime  time.Time
	StateChangeTime  time.Time
}

// GetStats returns current circuit breaker statistics
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		State:            cb.state,
		FailureCount:     cb.failureCount,
		SuccessCount:     cb.successCount,
		HalfOpenRequests: cb.halfOpenRequests,
		LastFailureTime:  cb.lastFailureTime,
		StateChangeTime:  cb.stateChangeTime,
	}
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from, to, changed := cb.transitionTo(StateClosed)
	fn := cb.onStateChange
	cb.mu.Unlock()

	if changed && fn != nil {
		fn(from, to)
	}
}
