package resilience

import (
	"time"

	"k8s.io/utils/clock"
)

// State is the circuit breaker state.
type State int32

const (
	StateClosed State = iota
	StateOpen
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

// Breaker gates send attempts for one transport target.
//
// Closed admits every attempt and opens after FailureThreshold consecutive
// failures. Open admits nothing until the cooldown has elapsed, then admits
// a single trial in HalfOpen. A successful trial closes the breaker and
// resets the cooldown; a failed one reopens it with the cooldown multiplied
// by CooldownMultiplier up to MaxCooldown.
//
// A Breaker is owned by one goroutine and is not safe for concurrent use.
type Breaker struct {
	cfg      BreakerConfig
	clock    clock.PassiveClock
	state    State
	failures int
	openedAt time.Time
	cooldown time.Duration
	onChange func(from, to State)
}

func NewBreaker(cfg BreakerConfig, clk clock.PassiveClock) (*Breaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &Breaker{
		cfg:      cfg,
		clock:    clk,
		cooldown: cfg.Cooldown,
	}, nil
}

// OnStateChange registers fn to be called on every transition.
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.onChange = fn
}

func (b *Breaker) State() State {
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	return b.failures
}

// Cooldown returns the wait applied to the current or next open period.
func (b *Breaker) Cooldown() time.Duration {
	return b.cooldown
}

// Allow reports whether an attempt may be made now. In Open it moves to
// HalfOpen once the cooldown has elapsed and admits that one trial.
func (b *Breaker) Allow() bool {
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.clock.Since(b.openedAt) < b.cooldown {
			return false
		}
		b.transition(StateHalfOpen)
		return true
	default:
		// The trial is outstanding.
		return false
	}
}

func (b *Breaker) RecordSuccess() {
	b.failures = 0
	if b.state == StateHalfOpen {
		b.cooldown = b.cfg.Cooldown
		b.transition(StateClosed)
	}
}

func (b *Breaker) RecordFailure() {
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.open()
		}
	case StateHalfOpen:
		b.escalate()
		b.open()
	}
}

// Trip opens the breaker with the current cooldown regardless of state.
func (b *Breaker) Trip() {
	if b.state == StateOpen {
		return
	}
	b.open()
}

// Abort returns an outstanding trial to Open without counting it. The
// cooldown that admitted the trial stays elapsed, so the next Allow admits
// a new one.
func (b *Breaker) Abort() {
	if b.state != StateHalfOpen {
		return
	}
	b.transition(StateOpen)
}

func (b *Breaker) escalate() {
	next := time.Duration(float64(b.cooldown) * b.cfg.CooldownMultiplier)
	b.cooldown = min(next, b.cfg.MaxCooldown)
}

func (b *Breaker) open() {
	b.openedAt = b.clock.Now()
	b.transition(StateOpen)
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to == StateClosed {
		b.failures = 0
	}
	if b.onChange != nil {
		b.onChange(from, to)
	}
}
