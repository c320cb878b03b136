// Package circuitbreaker provides a per-key circuit breaker with
// closed → open → half-open state transitions.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/mbd888/trustgate/internal/metrics"
)

// State is the breaker state of one key.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls are rejected
	StateHalfOpen              // one probe call is in flight
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

const (
	DefaultThreshold    = 5
	DefaultOpenDuration = 30 * time.Second
)

type entry struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker trips a key open after threshold consecutive failures. Once
// openDuration has passed it admits a single probe; the probe's outcome
// closes or reopens the circuit.
type Breaker struct {
	mu           sync.Mutex
	entries      map[string]*entry
	threshold    int
	openDuration time.Duration
	now          func() time.Time
	onTransition func(key string, from, to State)
}

// New creates a breaker. Non-positive arguments select the defaults.
func New(threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if openDuration <= 0 {
		openDuration = DefaultOpenDuration
	}
	return &Breaker{
		entries:      make(map[string]*entry),
		threshold:    threshold,
		openDuration: openDuration,
		now:          time.Now,
	}
}

// WithClock overrides the time source (for testing).
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
	return b
}

// OnTransition registers a callback run synchronously on every state change.
// It must not call back into the breaker.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) *Breaker {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
	return b
}

// Allow reports whether a call for key may proceed.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return true
	}

	switch e.state {
	case StateOpen:
		if b.now().Sub(e.lastFailure) >= b.openDuration {
			b.transition(e, key, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return
	}
	if e.state == StateHalfOpen {
		b.transition(e, key, StateClosed)
	}
	e.failures = 0
}

// RecordFailure counts a failure and trips the circuit when the threshold is
// reached. A failed probe reopens immediately.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[key] = e
	}
	e.failures++
	e.lastFailure = b.now()

	switch {
	case e.state == StateHalfOpen:
		b.transition(e, key, StateOpen)
	case e.state == StateClosed && e.failures >= b.threshold:
		b.transition(e, key, StateOpen)
	}
}

// State returns key's state; unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.entries[key]; ok {
		return e.state
	}
	return StateClosed
}

// transition must be called with b.mu held.
func (b *Breaker) transition(e *entry, key string, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	metrics.BreakerTransitionsTotal.WithLabelValues(key, from.String(), to.String()).Inc()
	if b.onTransition != nil {
		b.onTransition(key, from, to)
	}
}
