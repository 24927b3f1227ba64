// Package circuitbreaker implements the circuit breaker pattern.
//
// A breaker tracks consecutive failures of one resource and, once a
// threshold is reached, rejects calls until a cooldown has elapsed.
//
// States:
//   - Closed: calls allowed
//   - Open: calls rejected with ErrOpen
//   - HalfOpen: cooldown elapsed, a single trial call in flight
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Do while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the state of a circuit breaker.
type State int

const (
	Closed   State = iota // Normal operation, requests allowed
	Open                  // Failing, requests blocked
	HalfOpen              // Testing if recovered
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker guards a single resource.
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	threshold   int
	lastFailure time.Time
	cooldown    time.Duration
	probing     bool // a half-open trial is outstanding
	now         func() time.Time
	onChange    func(from, to State)
}

// Config holds configuration for a circuit breaker.
type Config struct {
	Threshold int           // Failures before circuit opens (default: 5)
	Cooldown  time.Duration // Time before half-open (default: 30s)

	// OnChange, if set, is called after every state change with the
	// breaker lock released.
	OnChange func(from, to State)
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Threshold: 5,
		Cooldown:  30 * time.Second,
	}
}

// New creates a new circuit breaker.
func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{
		state:     Closed,
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		now:       cfg.Now,
		onChange:  cfg.OnChange,
	}
}

// setState must be called with b.mu held. It returns a notification to run
// once the lock is released.
func (b *Breaker) setState(to State) func() {
	from := b.state
	b.state = to
	if from == to || b.onChange == nil {
		return func() {}
	}
	cb := b.onChange
	return func() { cb(from, to) }
}

// Allow reports whether a call may be attempted. Once the cooldown of an
// open breaker has elapsed, exactly one caller is let through as a trial
// until its outcome is recorded or abandoned.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	notify := func() {}
	allowed := true
	switch b.state {
	case Open:
		if b.now().Sub(b.lastFailure) > b.cooldown {
			notify = b.setState(HalfOpen)
			b.probing = true
		} else {
			allowed = false
		}
	case HalfOpen:
		if b.probing {
			allowed = false
		} else {
			b.probing = true
		}
	}
	b.mu.Unlock()
	notify()
	return allowed
}

// RecordSuccess closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.failures = 0
	b.probing = false
	notify := b.setState(Closed)
	b.mu.Unlock()
	notify()
}

// RecordFailure counts a failure. A failed half-open trial reopens the
// breaker immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	b.failures++
	b.lastFailure = b.now()
	b.probing = false
	notify := func() {}
	if b.state == HalfOpen || b.failures >= b.threshold {
		notify = b.setState(Open)
	}
	b.mu.Unlock()
	notify()
}

// Abandon releases an allowed call whose outcome says nothing about the
// resource, such as a cancelled context. The state is left unchanged.
func (b *Breaker) Abandon() {
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

// Do runs fn if the breaker allows it and records the outcome.
func (b *Breaker) Do(fn func() error) error {
	if !b.Allow() {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset closes the breaker and forgets past failures.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.failures = 0
	b.probing = false
	notify := b.setState(Closed)
	b.mu.Unlock()
	notify()
}
