package circuit

import (
	"sync"
	"time"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

// Breaker isolates one upstream price source. CLOSED counts consecutive
// failures; after threshold it trips OPEN and stays there for the
// recovery timeout. The first Allow after the timeout moves to HALF-OPEN
// and lets exactly one probe through: success closes the breaker,
// failure re-opens it.
type Breaker struct {
	mu            sync.Mutex
	state         State
	failures      int
	threshold     int
	recovery      time.Duration
	lastFailure   time.Time
	name          string
	onStateChange func(name string, from, to State)

	nowFn func() time.Time
}

func NewBreaker(name string, threshold int, recovery time.Duration) *Breaker {
	return &Breaker{
		name:      name,
		threshold: threshold,
		recovery:  recovery,
		state:     StateClosed,
		nowFn:     time.Now,
	}
}

// SetStateChangeHandler installs a hook invoked on every transition,
// e.g. to update a metrics gauge.
func (b *Breaker) SetStateChangeHandler(handler func(name string, from, to State)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = handler
}

// Allow reports whether a call to the guarded source may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.nowFn().Sub(b.lastFailure) > b.recovery {
			b.transition(StateHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.transition(StateClosed)
		b.failures = 0
	case StateClosed:
		b.failures = 0
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.nowFn()

	switch b.state {
	case StateClosed:
		if b.failures >= b.threshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) Name() string { return b.name }

// SetClock overrides the time source. Tests use this to step through
// the recovery window without sleeping.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now != nil {
		b.nowFn = now
	}
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	if b.onStateChange != nil {
		go b.onStateChange(b.name, from, to)
	}
}
