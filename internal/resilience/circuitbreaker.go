// Package resilience guards calls to remote endpoints such as upload
// targets.
//
// A [CircuitBreaker] stops calling an endpoint after consecutive faults and
// probes it again once a reset timeout has passed. Callers decide what a
// fault is: an answer like "413 Payload Too Large" means the endpoint is
// healthy and only this request was refused, so it should neither trip the
// breaker nor send the request elsewhere. A [FallbackGroup] walks several
// endpoints of the same kind in order, each behind its own breaker.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// ErrCircuitOpen is returned without calling the guarded function while a
// breaker is open or out of half-open probes.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is a breaker's operating mode.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
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

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields take defaults.
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs and callbacks.
	Name string

	// MaxFailures consecutive faults open a closed breaker. Default 5.
	MaxFailures int

	// ResetTimeout is how long an open breaker rejects calls before it
	// lets probes through. Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMax probes must all succeed to close the breaker. Default 1.
	HalfOpenMax int

	// IsFailure classifies errors returned by the guarded call. Errors it
	// rejects are handed back to the caller but count as a healthy answer.
	// Default: every non-nil error is a fault.
	IsFailure func(error) bool

	// OnStateChange is called after every transition, with the breaker
	// unlocked.
	OnStateChange func(name string, from, to State)

	Clock  clock.PassiveClock
	Logger *slog.Logger
}

// CircuitBreaker is a closed/open/half-open breaker.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	isFailure    func(error) bool
	onChange     func(name string, from, to State)
	clk          clock.PassiveClock
	logger       *slog.Logger

	mu       sync.Mutex
	state    State
	faults   int // consecutive, closed state only
	openedAt time.Time
	probes   int // half-open calls admitted
	passed   int // half-open calls that succeeded
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		isFailure:    cfg.IsFailure,
		onChange:     cfg.OnStateChange,
		clk:          cfg.Clock,
		logger:       cfg.Logger,
	}
	if cb.maxFailures <= 0 {
		cb.maxFailures = 5
	}
	if cb.resetTimeout <= 0 {
		cb.resetTimeout = 30 * time.Second
	}
	if cb.halfOpenMax <= 0 {
		cb.halfOpenMax = 1
	}
	if cb.isFailure == nil {
		cb.isFailure = func(err error) bool { return err != nil }
	}
	if cb.clk == nil {
		cb.clk = clock.RealClock{}
	}
	if cb.logger == nil {
		cb.logger = slog.Default()
	}
	cb.logger = cb.logger.With("component", "circuit_breaker", "name", cfg.Name)
	return cb
}

func (cb *CircuitBreaker) Name() string { return cb.name }

// Fault reports whether err would count against the breaker.
func (cb *CircuitBreaker) Fault(err error) bool {
	return err != nil && cb.isFailure(err)
}

// Execute calls fn unless the breaker is open, in which case it returns
// [ErrCircuitOpen]. fn's error is returned unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(probe, cb.Fault(err))
	return err
}

// admit decides whether a call may run and whether it is a half-open probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	var from State
	changed := false
	if cb.state == StateOpen {
		if cb.clk.Since(cb.openedAt) < cb.resetTimeout {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		from, changed = cb.enter(StateHalfOpen)
		cb.logger.Info("circuit breaker half-open, probing")
	}
	if cb.state == StateHalfOpen {
		if cb.probes >= cb.halfOpenMax {
			cb.mu.Unlock()
			cb.notify(from, StateHalfOpen, changed)
			return false, ErrCircuitOpen
		}
		cb.probes++
		probe = true
	}
	cb.mu.Unlock()
	cb.notify(from, StateHalfOpen, changed)
	return probe, nil
}

// settle records the outcome of an admitted call.
func (cb *CircuitBreaker) settle(probe, fault bool) {
	cb.mu.Lock()
	var from, to State
	changed := false
	switch {
	case probe && fault && cb.state == StateHalfOpen:
		to = StateOpen
		from, changed = cb.enter(to)
		cb.logger.Warn("circuit breaker re-opened, probe failed")
	case probe && !fault && cb.state == StateHalfOpen:
		cb.passed++
		if cb.passed >= cb.halfOpenMax {
			to = StateClosed
			from, changed = cb.enter(to)
			cb.logger.Info("circuit breaker closed")
		}
	case !probe && fault && cb.state == StateClosed:
		cb.faults++
		if cb.faults >= cb.maxFailures {
			faults := cb.faults
			to = StateOpen
			from, changed = cb.enter(to)
			cb.logger.Warn("circuit breaker opened", "consecutive_failures", faults)
		}
	case !probe && !fault && cb.state == StateClosed:
		cb.faults = 0
	}
	cb.mu.Unlock()
	cb.notify(from, to, changed)
}

// enter switches state and clears the per-state counters. Called with cb.mu
// held.
func (cb *CircuitBreaker) enter(to State) (from State, changed bool) {
	from = cb.state
	cb.state = to
	cb.faults, cb.probes, cb.passed = 0, 0, 0
	if to == StateOpen {
		cb.openedAt = cb.clk.Now()
	}
	return from, from != to
}

func (cb *CircuitBreaker) notify(from, to State, changed bool) {
	if changed && cb.onChange != nil {
		cb.onChange(cb.name, from, to)
	}
}

// State returns the current state. An open breaker whose timeout has passed
// reports [StateHalfOpen]; the switch itself happens on the next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.clk.Since(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from, changed := cb.enter(StateClosed)
	cb.mu.Unlock()
	if changed {
		cb.logger.Info("circuit breaker reset")
	}
	cb.notify(from, StateClosed, changed)
}
