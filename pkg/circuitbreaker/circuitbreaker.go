// Package circuitbreaker sheds calls to a dependency that keeps failing,
// probing it again after a cool-off instead of hammering it on every
// request.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned without invoking the operation while the breaker is
// shedding load.
var ErrOpen = errors.New("circuit open")

type State int

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
		return "half-open"
	}
	return "unknown"
}

type Config struct {
	// FailureThreshold consecutive failures trip the breaker.
	FailureThreshold int
	// SuccessThreshold consecutive half-open successes close it again.
	SuccessThreshold int
	// CoolOff is how long the breaker stays open before probing.
	CoolOff time.Duration
	// HalfOpenProbes caps concurrent trial calls while half-open.
	HalfOpenProbes int
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		CoolOff:          30 * time.Second,
		HalfOpenProbes:   3,
	}
}

type CircuitBreaker struct {
	cfg Config

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	probes    int
	openedAt  time.Time
}

func New(cfg Config) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg}
}

// Do runs fn unless the breaker is open. The operation's own error passes
// through untouched so callers can still inspect it.
func (b *CircuitBreaker) Do(fn func() error) error {
	if !b.admit() {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *CircuitBreaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.openedAt) < b.cfg.CoolOff {
			return false
		}
		b.state = HalfOpen
		b.successes = 0
		b.probes = 1
		return true
	default: // HalfOpen
		if b.probes >= b.cfg.HalfOpenProbes {
			return false
		}
		b.probes++
		return true
	}
}

func (b *CircuitBreaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successes = 0
	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	case HalfOpen:
		// The dependency is still unhealthy; back to shedding.
		b.trip()
	}
}

func (b *CircuitBreaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = Closed
			b.failures = 0
			b.probes = 0
		}
	}
}

func (b *CircuitBreaker) trip() {
	b.state = Open
	b.failures = 0
	b.probes = 0
	b.openedAt = time.Now()
}
