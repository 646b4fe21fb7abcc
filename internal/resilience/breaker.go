package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/tinytelemetry/outpost/internal/model"
)

// ErrCircuitOpen is returned when the breaker denies an attempt.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	// Threshold is the number of consecutive failures that opens the circuit.
	Threshold int
	// Cooldown is how long the circuit stays open before allowing a probe.
	Cooldown time.Duration
	// OnStateChange is called, with the lock released, on every transition.
	OnStateChange func(from, to State)
	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// DefaultBreakerConfig opens after 5 failures and probes again after 60s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold: model.DefaultCircuitThreshold,
		Cooldown:  model.DefaultCircuitCooldown,
	}
}

// BreakerSnapshot is a point-in-time view for diagnostics.
type BreakerSnapshot struct {
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	OpenedAt            time.Time `json:"openedAt,omitempty"`
}

// CircuitBreaker is a three-state breaker with no background timer: the
// open to half-open transition is evaluated whenever the state is read.
type CircuitBreaker struct {
	cfg BreakerConfig

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	d := DefaultBreakerConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = d.Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = d.Cooldown
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

// State returns the current state, promoting open to half-open once the
// cooldown has elapsed.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	state, from, changed := b.currentLocked()
	b.mu.Unlock()
	if changed {
		b.notify(from, state)
	}
	return state
}

// AllowRequest reports whether an attempt may proceed.
func (b *CircuitBreaker) AllowRequest() bool {
	return b.State() != StateOpen
}

// RecordSuccess closes the circuit and clears the failure count.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	_, _, promoted := b.currentLocked()
	prev := b.state
	b.consecutiveFailures = 0
	b.state = StateClosed
	b.openedAt = time.Time{}
	b.mu.Unlock()

	if promoted {
		b.notify(StateOpen, StateHalfOpen)
	}
	if prev != StateClosed {
		b.notify(prev, StateClosed)
	}
}

// RecordFailure counts a failure. A failure while half-open, or one that
// reaches the threshold while closed, opens the circuit.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	_, _, promoted := b.currentLocked()
	prev := b.state
	b.consecutiveFailures++
	switch prev {
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = b.cfg.Now()
	case StateClosed:
		if b.consecutiveFailures >= b.cfg.Threshold {
			b.state = StateOpen
			b.openedAt = b.cfg.Now()
		}
	}
	next := b.state
	b.mu.Unlock()

	if promoted {
		b.notify(StateOpen, StateHalfOpen)
	}
	if prev != next {
		b.notify(prev, next)
	}
}

// Reset forces the breaker closed.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	prev := b.state
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.openedAt = time.Time{}
	b.mu.Unlock()
	if prev != StateClosed {
		b.notify(prev, StateClosed)
	}
}

// Snapshot returns the current state and counters.
func (b *CircuitBreaker) Snapshot() BreakerSnapshot {
	state := b.State()
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		State:               state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		OpenedAt:            b.openedAt,
	}
}

func (b *CircuitBreaker) currentLocked() (state, from State, changed bool) {
	if b.state == StateOpen && b.cfg.Now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.state = StateHalfOpen
		return StateHalfOpen, StateOpen, true
	}
	return b.state, b.state, false
}

func (b *CircuitBreaker) notify(from, to State) {
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}
