// Package resilience keeps the callbot speaking when a speech or language
// backend degrades mid-call.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open) that
// stops hammering a backend once it fails repeatedly, so a dead transcriber
// or synthesizer costs one failed turn instead of stalling every turn until
// its timeout. [FallbackGroup] chains provider instances of one type behind
// per-entry breakers; the first healthy entry serves the turn.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker is
// open and its reset timeout has not elapsed.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrCircuitOpen] until the reset
	// timeout elapses.
	StateOpen

	// StateHalfOpen lets a bounded number of probe calls through. Enough
	// successes close the breaker; one failure re-opens it.
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

// CircuitBreakerConfig tunes a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs and state-change notifications,
	// typically "provider/backend".
	Name string

	// MaxFailures is how many consecutive failures open the breaker.
	// Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before allowing
	// probes. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the probe budget in the half-open state; that many
	// successes close the breaker. Default: 3.
	HalfOpenMax int

	// OnStateChange, when non-nil, fires after every transition with the
	// breaker's name and the state it moved to. Invoked outside the
	// breaker's lock.
	OnStateChange func(name string, to State)

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

func (c *CircuitBreakerConfig) applyDefaults() {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 3
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// CircuitBreaker is a three-state breaker guarding one backend.
//
// All methods are safe for concurrent use.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	log *slog.Logger

	mu         sync.Mutex
	state      State
	fails      int
	openedAt   time.Time
	probes     int
	probeFails int
}

// NewCircuitBreaker creates a closed breaker. Zero-value config fields take
// their documented defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cfg.applyDefaults()
	return &CircuitBreaker{
		cfg: cfg,
		log: cfg.Logger.With("breaker", cfg.Name),
	}
}

// Execute runs fn if the breaker admits the call. Open breakers return
// [ErrCircuitOpen] without invoking fn; half-open breakers admit calls up to
// the probe budget.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case StateOpen:
		if time.Since(cb.openedAt) < cb.cfg.ResetTimeout {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		notify := cb.transitionLocked(StateHalfOpen)
		cb.mu.Unlock()
		notify()
		cb.mu.Lock()

	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenMax {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	}

	probing := cb.state == StateHalfOpen
	if probing {
		cb.probes++
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	var notify func()
	if err != nil {
		notify = cb.recordFailureLocked(probing)
	} else {
		notify = cb.recordSuccessLocked(probing)
	}
	cb.mu.Unlock()
	notify()
	return err
}

// State returns the breaker's current mode. An open breaker whose reset
// timeout has elapsed reports half-open; the stored transition happens on the
// next Execute.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears all failure accounting.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.fails = 0
	notify := cb.transitionLocked(StateClosed)
	cb.mu.Unlock()
	cb.log.Info("circuit breaker manually reset")
	notify()
}

// recordFailureLocked updates accounting after a failed call. Must be called
// with cb.mu held; the returned func must be invoked after releasing it.
func (cb *CircuitBreaker) recordFailureLocked(probing bool) func() {
	if probing {
		cb.probeFails++
		// One bad probe re-opens; the backend is not healthy yet.
		cb.fails = cb.cfg.MaxFailures
		cb.log.Warn("circuit breaker re-opened, probe failed")
		return cb.transitionLocked(StateOpen)
	}

	cb.fails++
	if cb.fails >= cb.cfg.MaxFailures {
		cb.log.Warn("circuit breaker opened", "consecutive_failures", cb.fails)
		return cb.transitionLocked(StateOpen)
	}
	return func() {}
}

// recordSuccessLocked updates accounting after a successful call. Must be
// called with cb.mu held; the returned func must be invoked after releasing
// it.
func (cb *CircuitBreaker) recordSuccessLocked(probing bool) func() {
	if probing {
		if cb.probes-cb.probeFails >= cb.cfg.HalfOpenMax {
			cb.fails = 0
			cb.log.Info("circuit breaker closed after successful probes")
			return cb.transitionLocked(StateClosed)
		}
		return func() {}
	}

	cb.fails = 0
	return func() {}
}

// transitionLocked moves the breaker to the given state, resets the state's
// entry counters and returns the deferred OnStateChange notification. Must be
// called with cb.mu held.
func (cb *CircuitBreaker) transitionLocked(to State) func() {
	changed := cb.state != to
	cb.state = to
	switch to {
	case StateOpen:
		cb.openedAt = time.Now()
	case StateHalfOpen:
		cb.probes = 0
		cb.probeFails = 0
		cb.log.Info("circuit breaker half-open, probing backend")
	case StateClosed:
		cb.probes = 0
		cb.probeFails = 0
	}
	if !changed || cb.cfg.OnStateChange == nil {
		return func() {}
	}
	name := cb.cfg.Name
	fn := cb.cfg.OnStateChange
	return func() { fn(name, to) }
}
