package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// Decision is the outcome of classifying one failed attempt.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Policy computes jittered exponential backoff for retryable venue errors.
// The zero value is not usable; construct with NewPolicy or fill every field.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	MaxElapsed  time.Duration
	JitterRatio float64 // ±ratio applied to the computed delay
}

// NewPolicy returns a policy with the given caps and the standard ±20% jitter.
func NewPolicy(base, max time.Duration, attempts int, elapsed time.Duration) Policy {
	return Policy{
		BaseDelay:   base,
		MaxDelay:    max,
		MaxAttempts: attempts,
		MaxElapsed:  elapsed,
		JitterRatio: 0.2,
	}
}

// Classify decides whether a failed attempt should be retried and after how
// long. attempt is 1-based. Exceeding MaxAttempts converts to a fatal outcome
// regardless of the error class; the elapsed-time cap is enforced by Do.
func (p Policy) Classify(err error, attempt int) Decision {
	if attempt >= p.MaxAttempts {
		return Decision{Retry: false}
	}
	if !IsRetryable(err) {
		return Decision{Retry: false}
	}
	return Decision{Retry: true, Delay: p.Delay(attempt, err)}
}

// Delay computes the backoff before attempt+1: base × 2^(attempt−1), capped at
// MaxDelay, with ±JitterRatio jitter. A Retry-After hint from the venue
// overrides the computed delay, still capped at MaxDelay.
func (p Policy) Delay(attempt int, err error) time.Duration {
	if hint := RetryAfterHint(err); hint > 0 {
		if hint > p.MaxDelay {
			return p.MaxDelay
		}
		return hint
	}

	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}

	if p.JitterRatio > 0 {
		span := float64(d) * p.JitterRatio
		d = time.Duration(float64(d) - span + rand.Float64()*2*span)
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Do runs op, retrying per the policy. It is intended for *read* calls only:
// write calls must never be blindly retried (route those through the
// reconciler instead). Sleeps are timer-based and honor ctx cancellation.
func (p Policy) Do(ctx context.Context, name string, op func(context.Context) error) error {
	logger := log.With().Str("component", "retry").Str("op", name).Logger()
	start := time.Now()

	var err error
	for attempt := 1; ; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}

		if p.MaxElapsed > 0 && time.Since(start) >= p.MaxElapsed {
			logger.Warn().Err(err).Int("attempt", attempt).Msg("retry elapsed-time cap exceeded")
			return err
		}
		dec := p.Classify(err, attempt)
		if !dec.Retry {
			return err
		}

		logger.Debug().
			Err(err).
			Int("attempt", attempt).
			Dur("delay", dec.Delay).
			Msg("retrying venue read")

		timer := time.NewTimer(dec.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
