package venue

import (
	"testing"
	"time"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker(2, 2, 50*time.Millisecond)

	if !b.Allow() {
		t.Fatalf("closed breaker must admit")
	}
	b.RecordFailure()
	if !b.Allow() {
		t.Fatalf("one failure below threshold must not open the breaker")
	}
	b.RecordFailure()
	if b.Allow() {
		t.Fatalf("open breaker must suppress")
	}
	if b.State() != BreakerOpen {
		t.Fatalf("expected OPEN, got %s", b.State())
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	b := NewBreaker(1, 2, 20*time.Millisecond)

	b.RecordFailure()
	if b.Allow() {
		t.Fatalf("open breaker must suppress before the cool-down")
	}
	time.Sleep(30 * time.Millisecond)
	if !b.Allow() {
		t.Fatalf("cooled-down breaker must admit a probe")
	}

	b.RecordSuccess()
	if b.State() != BreakerHalfOpen {
		t.Fatalf("one success below threshold should hold HALF_OPEN, got %s", b.State())
	}
	b.RecordSuccess()
	if b.State() != BreakerClosed {
		t.Fatalf("success run should close the breaker, got %s", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(1, 2, 20*time.Millisecond)

	b.RecordFailure()
	time.Sleep(30 * time.Millisecond)
	if !b.Allow() {
		t.Fatalf("cooled-down breaker must admit a probe")
	}
	b.RecordFailure()
	if b.Allow() {
		t.Fatalf("failed probe must reopen the breaker")
	}
}

func TestBreakerAllowIsSideEffectFree(t *testing.T) {
	b := NewBreaker(1, 1, 20*time.Millisecond)

	b.RecordFailure()
	if b.Allow() {
		t.Fatalf("open breaker must suppress before the cool-down")
	}
	time.Sleep(30 * time.Millisecond)

	// A gate check can pass and the batch still be suppressed for another
	// reason. Repeated checks must keep admitting and must not consume the
	// half-open probe admission.
	for i := 0; i < 5; i++ {
		if !b.Allow() {
			t.Fatalf("check %d: repeated gate checks must keep admitting", i)
		}
	}
	if b.State() != BreakerOpen {
		t.Fatalf("gate checks alone must not move the breaker, got %s", b.State())
	}

	b.RecordSuccess()
	if b.State() != BreakerClosed {
		t.Fatalf("the probe success should close the breaker, got %s", b.State())
	}
}
