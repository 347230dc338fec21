package breaker

import (
	"testing"
	"time"
)

// fakeClock lets tests drive the breaker's notion of time.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time            { return c.t }
func (c *fakeClock) advance(d time.Duration)   { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, timeout time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New(threshold, timeout)
	b.SetNowFunc(clock.now)
	return b, clock
}

func TestBreakerStartsClosed(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)
	if b.IsOpen() {
		t.Error("new breaker should be closed")
	}
	if b.State() != StateClosed {
		t.Errorf("expected closed, got %v", b.State())
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)

	b.RecordFailure()
	b.RecordFailure()
	if b.IsOpen() {
		t.Error("breaker should stay closed below threshold")
	}

	b.RecordFailure()
	if !b.IsOpen() {
		t.Error("breaker should open after exactly threshold failures")
	}
}

func TestBreakerHalfOpenProbeAllowedOnce(t *testing.T) {
	b, clock := newTestBreaker(2, 5*time.Second)
	b.RecordFailure()
	b.RecordFailure()

	if !b.IsOpen() {
		t.Fatal("breaker should be open")
	}

	clock.advance(5 * time.Second)

	// First evaluation after the timeout admits the probe.
	if b.IsOpen() {
		t.Error("first evaluation after timeout should allow the probe")
	}
	if b.State() != StateHalfOpen {
		t.Errorf("expected half_open, got %v", b.State())
	}
	// Second evaluation blocks: the probe is still in flight.
	if !b.IsOpen() {
		t.Error("second evaluation should block while probe is in flight")
	}
}

func TestBreakerProbeSuccessCloses(t *testing.T) {
	b, clock := newTestBreaker(2, time.Second)
	b.RecordFailure()
	b.RecordFailure()
	clock.advance(time.Second)
	b.IsOpen() // admit probe

	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Errorf("expected closed after probe success, got %v", b.State())
	}
	if b.FailureCount() != 0 {
		t.Errorf("expected failure count reset, got %d", b.FailureCount())
	}
	if b.IsOpen() {
		t.Error("breaker should admit requests after closing")
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(2, time.Second)
	b.RecordFailure()
	b.RecordFailure()
	clock.advance(time.Second)
	b.IsOpen() // admit probe

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Errorf("expected open after probe failure, got %v", b.State())
	}
	if b.IsOpen() == false {
		t.Error("breaker should fail fast right after a failed probe")
	}

	// And the cycle repeats: another timeout admits another probe.
	clock.advance(time.Second)
	if b.IsOpen() {
		t.Error("expected a new probe after another timeout")
	}
}

func TestBreakerSuccessResetsConsecutiveCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	if b.IsOpen() {
		t.Error("success should reset the counter; two failures after reset must not trip")
	}
	b.RecordFailure()
	if !b.IsOpen() {
		t.Error("three failures after reset should trip the breaker")
	}
}
