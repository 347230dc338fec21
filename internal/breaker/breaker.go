// Package breaker implements a per-backend tri-state circuit breaker.
//
// The breaker is deliberately simple and memoryless: the failure counter
// never decays except through an explicit recorded success. CLOSED trips to
// OPEN once the cumulative failure count reaches the threshold; OPEN moves
// to HALF_OPEN on the first IsOpen evaluation after the timeout has elapsed
// since the last failure, and that evaluation lets exactly one probe through.
package breaker

import (
	"sync"
	"time"
)

// State is the breaker's current position.
type State int

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
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker isolates one failing backend. Safe for concurrent use.
type Breaker struct {
	mu            sync.Mutex
	threshold     int
	timeout       time.Duration
	failureCount  int
	lastFailureAt time.Time
	state         State

	now func() time.Time
}

// New creates a closed Breaker that opens after threshold cumulative
// failures and allows a half-open probe once timeout has elapsed since the
// last failure.
func New(threshold int, timeout time.Duration) *Breaker {
	return &Breaker{
		threshold: threshold,
		timeout:   timeout,
		state:     StateClosed,
		now:       time.Now,
	}
}

// SetNowFunc overrides the clock. Tests only.
func (b *Breaker) SetNowFunc(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// IsOpen reports whether calls must fail fast. While OPEN, the first
// evaluation after the timeout transitions to HALF_OPEN and returns false,
// admitting a single probe; further evaluations return true until the probe
// outcome is recorded.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false
	case StateHalfOpen:
		// A probe is already in flight. If the probe's caller is
		// rejected before it touches the backend (rate limit, queue
		// full), no outcome is recorded and the breaker stays here
		// until the next RecordSuccess or RecordFailure.
		return true
	default: // StateOpen
		if b.now().Sub(b.lastFailureAt) >= b.timeout {
			b.state = StateHalfOpen
			return false
		}
		return true
	}
}

// RecordSuccess closes the breaker and resets the failure counter. This is
// the only path by which the counter decays.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	b.state = StateClosed
}

// RecordFailure bumps the counter and re-opens the breaker once the
// threshold is reached. A failed half-open probe lands here too, since the
// count is still at or above the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount++
	b.lastFailureAt = b.now()
	if b.failureCount >= b.threshold {
		b.state = StateOpen
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount returns the cumulative failure count.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}
