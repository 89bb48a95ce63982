package provider

import (
	"sync"
	"time"
)

// BreakerState is the observable circuit state, exposed for health checks.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// Breaker is a consecutive-failure circuit breaker shared by every turn in
// the process. After failureThreshold consecutive failures the circuit opens
// and calls fail fast for coolDown; the first call after the cool-down is the
// single half-open probe. Probe success closes the circuit, probe failure
// re-opens it and restarts the cool-down.
type Breaker struct {
	mu sync.Mutex

	failureThreshold int
	coolDown         time.Duration

	state       BreakerState
	consecutive int
	openedAt    time.Time
	probeTaken  bool

	now func() time.Time // test seam
}

// NewBreaker creates a closed Breaker. Threshold values below 1 are clamped
// to 1; a non-positive cool-down defaults to 30 seconds.
func NewBreaker(failureThreshold int, coolDown time.Duration) *Breaker {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	if coolDown <= 0 {
		coolDown = 30 * time.Second
	}
	return &Breaker{
		failureThreshold: failureThreshold,
		coolDown:         coolDown,
		state:            BreakerClosed,
		now:              time.Now,
	}
}

// Allow reports whether a call may proceed. In the open state it returns
// false until the cool-down elapses, then admits exactly one probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.coolDown {
			return false
		}
		b.state = BreakerHalfOpen
		b.probeTaken = true
		return true
	case BreakerHalfOpen:
		if b.probeTaken {
			return false
		}
		b.probeTaken = true
		return true
	}
	return false
}

// OnSuccess records a successful provider call.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.consecutive = 0
	b.probeTaken = false
}

// OnFailure records a failed provider call. The half-open probe failing
// re-opens the circuit and restarts the cool-down timer.
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = b.now()
		b.probeTaken = false
	case BreakerClosed:
		b.consecutive++
		if b.consecutive >= b.failureThreshold {
			b.state = BreakerOpen
			b.openedAt = b.now()
		}
	}
}

// State returns the current circuit state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.coolDown {
		return BreakerHalfOpen
	}
	return b.state
}
