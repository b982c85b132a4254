// Package resilience guards calls to external scoring backends.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open) that
// stops hammering a backend after repeated failures. [FallbackGroup] chains
// several backends of the same type, each behind its own breaker, and tries
// them in order. [LLMFallback] applies that to [llm.Provider].
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker is
// open and the cool-down has not elapsed.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until ResetTimeout has
	// passed since the last failure.
	StateOpen

	// StateHalfOpen lets up to HalfOpenMax trial calls through. Any trial
	// failure re-opens the breaker; HalfOpenMax successes close it.
	StateHalfOpen
)

// String returns the lower-case state name used in logs and readiness output.
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
	// Name labels log records.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is the open-state cool-down. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the half-open trial budget. Default: 3.
	HalfOpenMax int

	// OnStateChange, if set, is called after every transition with the
	// breaker's name. It runs with the breaker's lock released.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker implements the three-state pattern.
type CircuitBreaker struct {
	name          string
	maxFailures   int
	resetTimeout  time.Duration
	halfOpenMax   int
	onStateChange func(string, State, State)
	now           func() time.Time

	mu              sync.Mutex
	state           State
	consecutiveFail int
	lastFailure     time.Time
	trials          int
	trialSuccesses  int
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &CircuitBreaker{
		name:          cfg.Name,
		maxFailures:   cfg.MaxFailures,
		resetTimeout:  cfg.ResetTimeout,
		halfOpenMax:   cfg.HalfOpenMax,
		onStateChange: cfg.OnStateChange,
		now:           time.Now,
	}
}

// Name returns the configured label.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn if the breaker admits the call.
//
// A context cancellation or deadline reported by fn is returned as is but not
// counted against the backend: the caller gave up, the backend did not fail.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	trial, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)

	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		cb.release(trial)
		return err
	}
	cb.record(trial, err)
	return err
}

// admit decides whether a call may proceed and whether it is a trial.
func (cb *CircuitBreaker) admit() (bool, error) {
	cb.mu.Lock()
	var transition func()
	defer func() {
		cb.mu.Unlock()
		if transition != nil {
			transition()
		}
	}()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) < cb.resetTimeout {
			return false, ErrCircuitOpen
		}
		transition = cb.setLocked(StateHalfOpen)
		cb.trials = 0
		cb.trialSuccesses = 0
	case StateHalfOpen:
		if cb.trials >= cb.halfOpenMax {
			return false, ErrCircuitOpen
		}
	}
	if cb.state == StateHalfOpen {
		cb.trials++
		return true, nil
	}
	return false, nil
}

// release returns an unused trial slot.
func (cb *CircuitBreaker) release(trial bool) {
	if !trial {
		return
	}
	cb.mu.Lock()
	if cb.state == StateHalfOpen && cb.trials > 0 {
		cb.trials--
	}
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) record(trial bool, err error) {
	cb.mu.Lock()
	var transition func()
	switch {
	case err != nil && trial:
		cb.lastFailure = cb.now()
		cb.consecutiveFail = cb.maxFailures
		transition = cb.setLocked(StateOpen)
	case err != nil:
		cb.lastFailure = cb.now()
		cb.consecutiveFail++
		if cb.state == StateClosed && cb.consecutiveFail >= cb.maxFailures {
			transition = cb.setLocked(StateOpen)
		}
	case trial:
		cb.trialSuccesses++
		if cb.trialSuccesses >= cb.halfOpenMax {
			cb.consecutiveFail = 0
			transition = cb.setLocked(StateClosed)
		}
	default:
		cb.consecutiveFail = 0
	}
	cb.mu.Unlock()

	if transition != nil {
		transition()
	}
}

// setLocked changes state and returns the notification to run after the
// lock is released. Caller must hold cb.mu.
func (cb *CircuitBreaker) setLocked(to State) func() {
	from := cb.state
	if from == to {
		return nil
	}
	cb.state = to
	failures := cb.consecutiveFail
	return func() {
		level := slog.LevelInfo
		if to == StateOpen {
			level = slog.LevelWarn
		}
		slog.Log(context.Background(), level, "circuit breaker state changed",
			"name", cb.name, "from", from.String(), "to", to.String(), "consecutive_failures", failures)
		if cb.onStateChange != nil {
			cb.onStateChange(cb.name, from, to)
		}
	}
}

// State returns the current state. An open breaker whose cool-down has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailure) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	transition := cb.setLocked(StateClosed)
	cb.consecutiveFail = 0
	cb.trials = 0
	cb.trialSuccesses = 0
	cb.mu.Unlock()
	if transition != nil {
		transition()
	}
}
