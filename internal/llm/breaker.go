package llm

import (
	"errors"
	"log"
	"sync"
	"time"
)

// BreakerState is the provider circuit state.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // normal operation
	BreakerOpen                         // failing, calls short-circuit
	BreakerHalfOpen                     // probing recovery
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrBreakerOpen is returned when the provider circuit short-circuits.
var ErrBreakerOpen = errors.New("provider circuit breaker is open")

// BreakerConfig tunes the provider circuit.
type BreakerConfig struct {
	// FailureThreshold consecutive failures trip the circuit.
	FailureThreshold int
	// CoolDown is how long the circuit stays open before probing.
	CoolDown time.Duration
	// ProbeSuccesses closes the circuit again from half-open.
	ProbeSuccesses int
}

// DefaultBreakerConfig matches one slow provider outage without letting
// requests pile up behind it.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		CoolDown:         30 * time.Second,
		ProbeSuccesses:   2,
	}
}

// Breaker protects the upstream provider from hammering during outages.
type Breaker struct {
	cfg    BreakerConfig
	logger *log.Logger

	mu           sync.Mutex
	state        BreakerState
	failures     int
	successes    int
	openedAt     time.Time
	lastChangeAt time.Time
}

// NewBreaker builds a closed circuit with the given config.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 30 * time.Second
	}
	if cfg.ProbeSuccesses <= 0 {
		cfg.ProbeSuccesses = 2
	}
	return &Breaker{
		cfg:          cfg,
		state:        BreakerClosed,
		lastChangeAt: time.Now(),
		logger:       log.New(log.Writer(), "[BREAKER] ", log.LstdFlags),
	}
}

// Allow reports whether a call may proceed, transitioning open to
// half-open after the cool-down.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen && time.Since(b.openedAt) >= b.cfg.CoolDown {
		b.transition(BreakerHalfOpen)
	}
	return b.state != BreakerOpen
}

// OnSuccess records a successful provider call.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == BreakerHalfOpen {
		b.successes++
		if b.successes >= b.cfg.ProbeSuccesses {
			b.transition(BreakerClosed)
		}
	}
}

// OnFailure records a failed provider call.
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.cfg.FailureThreshold {
		b.openedAt = time.Now()
		b.transition(BreakerOpen)
	}
}

// State returns the current circuit state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && time.Since(b.openedAt) >= b.cfg.CoolDown {
		b.transition(BreakerHalfOpen)
	}
	return b.state
}

func (b *Breaker) transition(to BreakerState) {
	if b.state == to {
		return
	}
	b.logger.Printf("state change: %s -> %s", b.state, to)
	b.state = to
	b.successes = 0
	if to == BreakerClosed {
		b.failures = 0
	}
	b.lastChangeAt = time.Now()
}
