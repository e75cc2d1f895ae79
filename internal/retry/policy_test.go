package retry

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func venueErr(status int, retryAfter time.Duration) *VenueError {
	return &VenueError{
		Op:         "get_open_orders",
		StatusCode: status,
		RetryAfter: retryAfter,
		Err:        errors.New("boom"),
	}
}

func TestClassification(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
		fatal     bool
	}{
		{"transport failure", venueErr(0, 0), true, false},
		{"timeout", &VenueError{Op: "x", Err: context.DeadlineExceeded}, true, false},
		{"rate limited", venueErr(http.StatusTooManyRequests, 0), true, false},
		{"server error", venueErr(http.StatusBadGateway, 0), true, false},
		{"bad request", venueErr(http.StatusBadRequest, 0), false, true},
		{"unauthorized", venueErr(http.StatusUnauthorized, 0), false, true},
		{"not found", venueErr(http.StatusNotFound, 0), false, true},
		{"bare deadline", context.DeadlineExceeded, true, false},
	}

	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.retryable {
			t.Fatalf("%s: IsRetryable = %v, want %v", tc.name, got, tc.retryable)
		}
		if got := IsFatal(tc.err); got != tc.fatal {
			t.Fatalf("%s: IsFatal = %v, want %v", tc.name, got, tc.fatal)
		}
		// Writes classify uncertainty over the same set as read retryability.
		if got := IsUncertain(tc.err); got != tc.retryable {
			t.Fatalf("%s: IsUncertain = %v, want %v", tc.name, got, tc.retryable)
		}
	}
}

func TestDelayExponentialWithCap(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, MaxAttempts: 10}

	for attempt, want := range map[int]time.Duration{
		1: 100 * time.Millisecond,
		2: 200 * time.Millisecond,
		3: 400 * time.Millisecond,
		4: 800 * time.Millisecond,
		5: time.Second, // capped
		9: time.Second,
	} {
		if got := p.Delay(attempt, venueErr(0, 0)); got != want {
			t.Fatalf("attempt %d: delay = %v, want %v", attempt, got, want)
		}
	}
}

func TestDelayJitterStaysInBand(t *testing.T) {
	p := NewPolicy(100*time.Millisecond, time.Second, 10, time.Minute)

	for i := 0; i < 200; i++ {
		d := p.Delay(2, venueErr(0, 0))
		if d < 160*time.Millisecond || d > 240*time.Millisecond {
			t.Fatalf("jittered delay %v outside ±20%% band of 200ms", d)
		}
	}
}

func TestDelayRetryAfterOverrides(t *testing.T) {
	p := NewPolicy(100*time.Millisecond, time.Second, 10, time.Minute)

	if got := p.Delay(1, venueErr(http.StatusTooManyRequests, 700*time.Millisecond)); got != 700*time.Millisecond {
		t.Fatalf("Retry-After hint not honored, got %v", got)
	}
	// Hint above the cap is clamped.
	if got := p.Delay(1, venueErr(http.StatusTooManyRequests, 10*time.Second)); got != time.Second {
		t.Fatalf("Retry-After hint not capped, got %v", got)
	}
}

func TestClassifyStopsAtMaxAttempts(t *testing.T) {
	p := Policy{BaseDelay: time.Millisecond, MaxDelay: time.Second, MaxAttempts: 3}

	if dec := p.Classify(venueErr(0, 0), 2); !dec.Retry {
		t.Fatalf("attempt 2 of 3 should retry")
	}
	if dec := p.Classify(venueErr(0, 0), 3); dec.Retry {
		t.Fatalf("attempt 3 of 3 must not retry")
	}
	if dec := p.Classify(venueErr(http.StatusBadRequest, 0), 1); dec.Retry {
		t.Fatalf("fatal errors must never retry")
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	p := Policy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxAttempts: 5, MaxElapsed: time.Second}

	calls := 0
	err := p.Do(context.Background(), "test_op", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return venueErr(0, 0)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoStopsOnFatal(t *testing.T) {
	p := Policy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxAttempts: 5, MaxElapsed: time.Second}

	calls := 0
	err := p.Do(context.Background(), "test_op", func(ctx context.Context) error {
		calls++
		return venueErr(http.StatusBadRequest, 0)
	})
	if calls != 1 {
		t.Fatalf("fatal error retried: %d calls", calls)
	}
	if !IsFatal(err) {
		t.Fatalf("expected the fatal error back, got %v", err)
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	p := Policy{BaseDelay: time.Hour, MaxDelay: time.Hour, MaxAttempts: 5, MaxElapsed: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := p.Do(ctx, "test_op", func(ctx context.Context) error {
		return venueErr(0, 0)
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled during backoff sleep, got %v", err)
	}
}

func TestVenueErrorTimeout(t *testing.T) {
	e := &VenueError{Op: "x", Err: context.DeadlineExceeded}
	if !e.Timeout() {
		t.Fatalf("deadline-wrapped error should report timeout")
	}
	if venueErr(http.StatusBadGateway, 0).Timeout() {
		t.Fatalf("status error should not report timeout")
	}
}
