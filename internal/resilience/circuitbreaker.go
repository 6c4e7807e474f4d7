// Package resilience guards speech backend connections with circuit breakers.
//
// The central type is [CircuitBreaker], a three-state breaker (closed, open,
// half-open). Backends report the outcome of a connection attempt
// asynchronously on their event stream, so the breaker hands out a [Ticket]
// on admission that is settled later. [Guard] wraps an asr.Backend so that
// its Start is admitted by a breaker and its first ready or error event
// settles the ticket. [BreakerSet] shares one breaker per remote endpoint
// across all channels.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards all calls.
	StateClosed State = iota

	// StateOpen rejects calls until the reset timeout elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probes through; their outcome
	// closes or re-opens the breaker.
	StateHalfOpen
)

// String returns the human-readable name of the state.
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

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name is a label used in log messages, usually the backend endpoint.
	Name string

	// MaxFailures is the number of consecutive failed attempts before the
	// breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of probes allowed, and required to succeed,
	// in the half-open state. Default: 1.
	HalfOpenMax int

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from, to State)

	// Now overrides the clock. Default: time.Now.
	Now func() time.Time
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	onChange     func(name string, from, to State)
	now          func() time.Time

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
	probes          int
	probeSuccesses  int

	// generation invalidates tickets issued before the last transition.
	generation uint64
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value config fields are
// replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		onChange:     cfg.OnStateChange,
		now:          cfg.Now,
	}
}

// Ticket is an admitted attempt. Exactly one of Success or Failure should be
// called; further calls are ignored.
type Ticket struct {
	cb         *CircuitBreaker
	generation uint64
	probe      bool
	once       sync.Once
}

// Success records a successful attempt.
func (t *Ticket) Success() { t.once.Do(func() { t.cb.settle(t, nil) }) }

// Failure records a failed attempt.
func (t *Ticket) Failure(err error) {
	if err == nil {
		err = errors.New("unspecified failure")
	}
	t.once.Do(func() { t.cb.settle(t, err) })
}

// Cancel gives up an attempt without an outcome, returning its probe slot.
func (t *Ticket) Cancel() {
	t.once.Do(func() {
		cb := t.cb
		cb.mu.Lock()
		if t.probe && t.generation == cb.generation && cb.probes > 0 {
			cb.probes--
		}
		cb.mu.Unlock()
	})
}

// Allow admits one attempt or returns [ErrCircuitOpen].
func (cb *CircuitBreaker) Allow() (*Ticket, error) {
	cb.mu.Lock()
	var changed func()
	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			cb.mu.Unlock()
			return nil, ErrCircuitOpen
		}
		changed = cb.transitionLocked(StateHalfOpen)
	case StateHalfOpen:
		if cb.probes >= cb.halfOpenMax {
			cb.mu.Unlock()
			return nil, ErrCircuitOpen
		}
	}
	t := &Ticket{cb: cb, generation: cb.generation, probe: cb.state == StateHalfOpen}
	if t.probe {
		cb.probes++
	}
	cb.mu.Unlock()
	if changed != nil {
		changed()
	}
	return t, nil
}

// Execute runs fn if the breaker allows it and records its result.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	t, err := cb.Allow()
	if err != nil {
		return err
	}
	if err := fn(); err != nil {
		t.Failure(err)
		return err
	}
	t.Success()
	return nil
}

func (cb *CircuitBreaker) settle(t *Ticket, err error) {
	cb.mu.Lock()
	if t.generation != cb.generation {
		// The breaker moved on since this ticket was issued.
		cb.mu.Unlock()
		return
	}
	var changed func()
	switch {
	case err != nil && t.probe:
		changed = cb.transitionLocked(StateOpen)
	case err != nil:
		cb.consecutiveFail++
		if cb.consecutiveFail >= cb.maxFailures {
			changed = cb.transitionLocked(StateOpen)
		}
	case t.probe:
		cb.probeSuccesses++
		if cb.probeSuccesses >= cb.halfOpenMax {
			changed = cb.transitionLocked(StateClosed)
		}
	default:
		cb.consecutiveFail = 0
	}
	failures := cb.consecutiveFail
	cb.mu.Unlock()

	if changed != nil {
		if err != nil {
			slog.Warn("circuit breaker opened", "name", cb.name, "consecutive_failures", failures, "err", err)
		}
		changed()
	}
}

// transitionLocked moves to state and returns the notification to run after
// unlocking. Must be called with cb.mu held.
func (cb *CircuitBreaker) transitionLocked(to State) func() {
	from := cb.state
	cb.state = to
	cb.generation++
	cb.probes = 0
	cb.probeSuccesses = 0
	switch to {
	case StateOpen:
		cb.openedAt = cb.now()
	case StateClosed:
		cb.consecutiveFail = 0
	}
	name, onChange := cb.name, cb.onChange
	return func() {
		slog.Info("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		if onChange != nil {
			onChange(name, from, to)
		}
	}
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition happens on the next Allow.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed].
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	if cb.state == StateClosed {
		cb.consecutiveFail = 0
		cb.mu.Unlock()
		return
	}
	changed := cb.transitionLocked(StateClosed)
	cb.mu.Unlock()
	changed()
}
