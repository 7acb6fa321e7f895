package redis

import (
	"fmt"
	"sync"
	"time"

	"ema-screener/internal/model"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = 0 // Normal operation, requests pass through
	StateOpen     State = 1 // Circuit tripped, requests rejected immediately
	StateHalfOpen State = 2 // Testing: one request allowed through to probe
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

// ErrCircuitOpen is returned while the breaker rejects calls. It wraps
// model.ErrCacheUnavailable so callers can treat both the same way.
var ErrCircuitOpen = fmt.Errorf("circuit breaker is open: %w", model.ErrCacheUnavailable)

// CircuitBreaker guards calls to the cache server.
// After maxFailures consecutive failures the breaker opens and rejects all
// calls for resetTimeout. It then lets exactly one probe through: success
// closes the breaker, failure reopens it. Other callers are rejected while
// the probe is in flight.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        State
	failures     int
	maxFailures  int
	resetTimeout time.Duration
	openedAt     time.Time
	probing      bool
	trips        int

	// OnStateChange is called on every transition, outside the lock.
	OnStateChange func(from, to State)
}

// NewCircuitBreaker creates a circuit breaker.
// maxFailures: consecutive failures before opening (e.g., 5)
// resetTimeout: time to wait before the half-open probe (e.g., 10s)
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        StateClosed,
	}
}

// Execute runs fn through the breaker. Returns ErrCircuitOpen without
// calling fn when the breaker is open or a probe is already running.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, changes, err := cb.admit()
	cb.notify(changes)
	if err != nil {
		return err
	}

	err = fn()

	cb.notify(cb.record(probe, err))
	return err
}

type transition struct{ from, to State }

func (cb *CircuitBreaker) admit() (probe bool, changes []transition, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.openedAt) <= cb.resetTimeout {
			return false, nil, ErrCircuitOpen
		}
		changes = append(changes, cb.transition(StateHalfOpen))
		cb.probing = true
		return true, changes, nil
	case StateHalfOpen:
		if cb.probing {
			return false, nil, ErrCircuitOpen
		}
		cb.probing = true
		return true, nil, nil
	}
	return false, nil, nil
}

func (cb *CircuitBreaker) record(probe bool, err error) []transition {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probe {
		cb.probing = false
	}
	if err != nil {
		cb.failures++
		if probe || cb.failures >= cb.maxFailures {
			if cb.state != StateOpen {
				cb.trips++
				cb.openedAt = time.Now()
				return []transition{cb.transition(StateOpen)}
			}
			cb.openedAt = time.Now()
		}
		return nil
	}

	cb.failures = 0
	if cb.state == StateHalfOpen {
		return []transition{cb.transition(StateClosed)}
	}
	return nil
}

// CurrentState returns the current circuit breaker state.
func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Trips returns how many times the breaker has opened.
func (cb *CircuitBreaker) Trips() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.trips
}

func (cb *CircuitBreaker) transition(to State) transition {
	from := cb.state
	cb.state = to
	if to == StateClosed {
		cb.failures = 0
	}
	return transition{from: from, to: to}
}

func (cb *CircuitBreaker) notify(changes []transition) {
	if cb.OnStateChange == nil {
		return
	}
	for _, c := range changes {
		cb.OnStateChange(c.from, c.to)
	}
}
