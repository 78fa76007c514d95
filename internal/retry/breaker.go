package retry

import (
	"sync"
	"time"
)

// BreakerState is the per-operation circuit state.
type BreakerState int32

const (
	Closed BreakerState = iota
	Open
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Open:
		return "Open"
	case HalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// Default breaker tuning: 5 consecutive retryable failures open the circuit
// for a 5 minute cooldown.
const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 5 * time.Minute
)

// Breaker tracks consecutive-failure circuits keyed by operation name.
// After threshold consecutive failures an operation's circuit opens and calls
// short-circuit with a CircuitOpenError until the cooldown elapses. The first
// call after cooldown is the half-open probe: its success closes the circuit,
// its failure reopens it and restarts the cooldown.
type Breaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu  sync.Mutex
	ops map[string]*circuit
}

type circuit struct {
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker returns a Breaker with the given tuning. Non-positive values
// fall back to the defaults.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		ops:       make(map[string]*circuit),
	}
}

// Allow reports whether a call for op may proceed. While the circuit is open
// it returns a CircuitOpenError; once the cooldown has elapsed it admits
// exactly one probe call and holds further callers off until that probe
// reports its outcome.
func (b *Breaker) Allow(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitLocked(op)
	switch c.state {
	case Closed:
		return nil
	case Open:
		if b.now().Sub(c.openedAt) < b.cooldown {
			return &CircuitOpenError{Operation: op, Until: c.openedAt.Add(b.cooldown)}
		}
		c.state = HalfOpen
		c.probing = true
		return nil
	case HalfOpen:
		if c.probing {
			return &CircuitOpenError{Operation: op, Until: c.openedAt.Add(b.cooldown)}
		}
		c.probing = true
		return nil
	}
	return nil
}

// RecordSuccess resets the circuit for op.
func (b *Breaker) RecordSuccess(op string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitLocked(op)
	c.state = Closed
	c.failures = 0
	c.probing = false
}

// RecordFailure counts a retryable failure for op. Crossing the threshold, or
// failing the half-open probe, opens the circuit and restarts the cooldown.
func (b *Breaker) RecordFailure(op string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitLocked(op)
	switch c.state {
	case HalfOpen:
		c.state = Open
		c.openedAt = b.now()
		c.probing = false
	default:
		c.failures++
		if c.failures >= b.threshold {
			c.state = Open
			c.openedAt = b.now()
		}
	}
}

// State returns the current circuit state for op.
func (b *Breaker) State(op string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.circuitLocked(op).state
}

func (b *Breaker) circuitLocked(op string) *circuit {
	c, ok := b.ops[op]
	if !ok {
		c = &circuit{state: Closed}
		b.ops[op] = c
	}
	return c
}
