// Package resilience shields the gateway from misbehaving backend services.
//
// [Breaker] is a three-state circuit breaker sitting in front of the auth
// and usage APIs: after enough consecutive failures it rejects calls
// outright, so request handling degrades immediately instead of waiting out
// timeouts against a dead backend. All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a single probe call through. Success closes the
	// breaker, failure re-opens it.
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

// Config tunes a [Breaker]. Zero-value fields get defaults.
type Config struct {
	// Name labels the breaker in log output.
	Name string

	// MaxFailures is how many consecutive failures open the breaker.
	// Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing the
	// backend again. Default: 30s.
	ResetTimeout time.Duration

	// Logger receives state transition events. Default: slog.Default().
	Logger *slog.Logger
}

// Breaker implements the three-state circuit breaker pattern with a
// single-probe half-open phase.
type Breaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	log          *slog.Logger

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker builds a closed [Breaker] from cfg.
func NewBreaker(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Breaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		log:          cfg.Logger,
	}
}

// Do runs fn unless the breaker is open, in which case it returns [ErrOpen]
// without calling fn. fn's error feeds the failure accounting and is
// returned as-is.
func (b *Breaker) Do(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

// allow decides whether a call may proceed, moving an expired open breaker
// into the half-open probe phase.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.openedAt) < b.resetTimeout {
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.probing = true
		b.log.Info("circuit half-open", "name", b.name)
	case StateHalfOpen:
		// One probe in flight at a time.
		if b.probing {
			return ErrOpen
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	probed := b.state == StateHalfOpen
	if probed {
		b.probing = false
	}

	if err != nil {
		b.failures++
		if probed || (b.state == StateClosed && b.failures >= b.maxFailures) {
			b.state = StateOpen
			b.openedAt = time.Now()
			b.log.Warn("circuit opened",
				"name", b.name, "failures", b.failures)
		}
		return
	}

	if probed {
		b.log.Info("circuit closed", "name", b.name)
	}
	b.state = StateClosed
	b.failures = 0
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the actual transition happens on the next
// [Breaker.Do] call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && time.Since(b.openedAt) >= b.resetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker back to [StateClosed] and clears the failure
// counter.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failures = 0
	b.probing = false
	b.log.Info("circuit reset", "name", b.name)
}
