// Package circuitbreaker implements a per-provider circuit breaker for the
// ProviderClient capability. Five consecutive failures trip the breaker;
// it cools down with exponential backoff (60s doubling to a 300s cap)
// before allowing a single HALF_OPEN probe through.
package circuitbreaker

import (
	"sync"
	"time"
)

// State is one of CLOSED, OPEN, HALF_OPEN.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

const (
	defaultThreshold      = 5
	defaultInitialBackoff = 60 * time.Second
	defaultMaxBackoff     = 300 * time.Second
)

// Breaker is a goroutine-safe per-provider circuit breaker. Independent
// instances are held per provider by Registry; nothing here is shared
// across providers.
type Breaker struct {
	mu               sync.Mutex
	state            State
	failureCount     int
	failureThreshold int
	backoff          time.Duration
	initialBackoff   time.Duration
	maxBackoff       time.Duration
	openedAt         time.Time
	nextProbeAt      time.Time
	onStateChange    func(from, to State)

	nowFunc func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

func WithThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

func WithInitialBackoff(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.initialBackoff = d
		}
	}
}

func WithMaxBackoff(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.maxBackoff = d
		}
	}
}

// WithCooldown sets the first OPEN-state backoff; same as WithInitialBackoff.
func WithCooldown(d time.Duration) Option {
	return WithInitialBackoff(d)
}

func WithOnStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) { b.onStateChange = fn }
}

func New(opts ...Option) *Breaker {
	b := &Breaker{
		state:            Closed,
		failureThreshold: defaultThreshold,
		initialBackoff:   defaultInitialBackoff,
		maxBackoff:       defaultMaxBackoff,
		nowFunc:          time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	b.backoff = b.initialBackoff
	return b
}

// Allow reports whether a dispatch to this provider should proceed. CLOSED
// always allows; OPEN refuses until the next-probe timestamp is reached, at
// which point it transitions to HALF_OPEN and allows exactly one call
// through; HALF_OPEN refuses any further call until that probe resolves.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if !b.nextProbeAt.IsZero() && !b.nowFunc().Before(b.nextProbeAt) {
			b.setState(HalfOpen)
			return true
		}
		return false
	case HalfOpen:
		return false
	default:
		return false
	}
}

// RecordSuccess resets the failure counter and backoff, closing the
// breaker if a HALF_OPEN probe just succeeded.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	b.backoff = b.initialBackoff
	if b.state != Closed {
		b.setState(Closed)
	}
}

// RecordFailure increments the consecutive-failure counter. In CLOSED
// state it trips to OPEN once the counter reaches the threshold; in
// HALF_OPEN a failed probe reopens the breaker and doubles the backoff up
// to the cap.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++

	switch b.state {
	case Closed:
		if b.failureCount >= b.failureThreshold {
			b.trip()
		}
	case HalfOpen:
		b.backoff *= 2
		if b.backoff > b.maxBackoff {
			b.backoff = b.maxBackoff
		}
		b.trip()
	}
}

// trip opens the breaker and schedules the next probe. Caller holds b.mu.
func (b *Breaker) trip() {
	b.openedAt = b.nowFunc()
	b.nextProbeAt = b.openedAt.Add(b.backoff)
	b.setState(Open)
}

func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a consistent read of the breaker's fields for
// diagnostics/status reporting.
func (b *Breaker) Snapshot() (state State, consecutiveFailures int, openedAt, nextProbeAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.failureCount, b.openedAt, b.nextProbeAt
}

func (b *Breaker) setState(to State) {
	from := b.state
	b.state = to
	if b.onStateChange != nil && from != to {
		b.onStateChange(from, to)
	}
}
