// Package circuitbreaker implements a sliding-window, count-based circuit
// breaker as a hand-rolled atomic finite state machine. No library: the
// state word is swapped with compare-and-set; the window of recent outcomes
// is a small ring buffer guarded by a mutex.
package circuitbreaker

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is one of the three breaker states.
type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config tunes window size, trip threshold, and recovery timing.
type Config struct {
	// WindowSize is the number of most recent outcomes the failure rate is
	// computed over.
	WindowSize int
	// FailureThreshold is the fraction of failures in the window (0..1)
	// that trips the breaker from Closed to Open.
	FailureThreshold float64
	// OpenDuration is how long the breaker stays Open before allowing one
	// trial call in HalfOpen.
	OpenDuration time.Duration
}

// DefaultConfig matches the breaker's spec: window of 10 outcomes, 50%
// failure rate trips it, 5s before a half-open trial.
func DefaultConfig() Config {
	return Config{
		WindowSize:       10,
		FailureThreshold: 0.5,
		OpenDuration:     5 * time.Second,
	}
}

// CircuitBreaker is a sliding-window failure-rate breaker. Only Closed and
// HalfOpen-with-a-trial-available permit calls; Open rejects everything
// until OpenDuration has elapsed.
type CircuitBreaker struct {
	cfg Config

	state        atomic.Int32 // State
	openedAt     atomic.Int64 // unix nano when Open was entered
	trialInFlight atomic.Bool // guards the single HalfOpen trial

	mu      sync.Mutex // guards outcomes ring buffer only
	outcomes []bool     // true = success
	cursor   int
	filled   int
}

// New constructs a breaker starting Closed.
func New(cfg Config) *CircuitBreaker {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 10
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 0.5
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 5 * time.Second
	}
	return &CircuitBreaker{
		cfg:      cfg,
		outcomes: make([]bool, cfg.WindowSize),
	}
}

// Allow reports whether a call may proceed right now. When it returns true
// from HalfOpen, the caller holds the single trial slot and MUST report the
// outcome via RecordSuccess/RecordFailure exactly once.
func (b *CircuitBreaker) Allow() bool {
	switch State(b.state.Load()) {
	case Closed:
		return true
	case Open:
		openedAt := b.openedAt.Load()
		if time.Since(time.Unix(0, openedAt)) >= b.cfg.OpenDuration {
			if b.state.CompareAndSwap(int32(Open), int32(HalfOpen)) {
				b.trialInFlight.Store(false)
			}
			return b.Allow()
		}
		return false
	case HalfOpen:
		return b.trialInFlight.CompareAndSwap(false, true)
	default:
		return false
	}
}

// RecordSuccess records a successful call outcome.
func (b *CircuitBreaker) RecordSuccess() {
	b.record(true)
}

// RecordFailure records a failed call outcome.
func (b *CircuitBreaker) RecordFailure() {
	b.record(false)
}

func (b *CircuitBreaker) record(success bool) {
	switch State(b.state.Load()) {
	case HalfOpen:
		if success {
			b.reset()
			b.state.Store(int32(Closed))
		} else {
			b.trip()
		}
		return
	case Open:
		// A stray outcome for a call that started before the trip; ignore.
		return
	}

	b.mu.Lock()
	b.outcomes[b.cursor] = success
	b.cursor = (b.cursor + 1) % len(b.outcomes)
	if b.filled < len(b.outcomes) {
		b.filled++
	}
	failureRate := b.failureRateLocked()
	full := b.filled == len(b.outcomes)
	b.mu.Unlock()

	if full && failureRate >= b.cfg.FailureThreshold {
		b.trip()
	}
}

func (b *CircuitBreaker) failureRateLocked() float64 {
	if b.filled == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < b.filled; i++ {
		if !b.outcomes[i] {
			failures++
		}
	}
	return float64(failures) / float64(b.filled)
}

func (b *CircuitBreaker) trip() {
	b.openedAt.Store(time.Now().UnixNano())
	b.state.Store(int32(Open))
}

func (b *CircuitBreaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cursor = 0
	b.filled = 0
	for i := range b.outcomes {
		b.outcomes[i] = false
	}
}

// State returns the breaker's current state, for metrics and health checks.
func (b *CircuitBreaker) State() State {
	return State(b.state.Load())
}
