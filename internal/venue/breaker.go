package venue

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// BreakerState is the degraded-venue breaker state.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // normal operation
	BreakerOpen                         // venue degraded, suppress submissions
	BreakerHalfOpen                     // probing recovery
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Breaker suppresses new submissions while the venue is degraded. Consecutive
// write failures open it; after a cool-down it half-opens and a run of
// successes closes it again. Safe for concurrent use.
type Breaker struct {
	mu sync.Mutex

	state        BreakerState
	failureCount int
	successCount int
	lastFailure  time.Time

	failureThreshold int
	successThreshold int
	timeout          time.Duration
}

func NewBreaker(failureThreshold, successThreshold int, timeout time.Duration) *Breaker {
	return &Breaker{
		state:            BreakerClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
	}
}

// Allow reports whether a submission may proceed. It never mutates state: a
// gate check may pass here and still suppress the batch for another reason,
// and a check that consumed the half-open probe slot would leave an open
// breaker stuck. The open-to-half-open transition is committed by the next
// RecordSuccess or RecordFailure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.effectiveState() != BreakerOpen
}

// effectiveState folds the cool-down expiry into the reported state without
// committing it. Callers hold b.mu.
func (b *Breaker) effectiveState() BreakerState {
	if b.state == BreakerOpen && time.Since(b.lastFailure) > b.timeout {
		return BreakerHalfOpen
	}
	return b.state
}

// settle commits a pending open-to-half-open transition ahead of recording an
// outcome. Callers hold b.mu.
func (b *Breaker) settle() {
	if b.state == BreakerOpen && time.Since(b.lastFailure) > b.timeout {
		b.state = BreakerHalfOpen
		b.successCount = 0
		log.Info().Str("component", "venue_breaker").Msg("breaker half-open, probing venue recovery")
	}
}

// RecordSuccess notes a healthy venue interaction.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.settle()
	switch b.state {
	case BreakerClosed:
		b.failureCount = 0
	case BreakerHalfOpen:
		b.successCount++
		if b.successCount >= b.successThreshold {
			b.state = BreakerClosed
			b.failureCount = 0
			b.successCount = 0
			log.Info().Str("component", "venue_breaker").Msg("breaker closed, venue recovered")
		}
	}
}

// RecordFailure notes a degraded venue interaction.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.settle()
	b.lastFailure = time.Now()
	switch b.state {
	case BreakerClosed:
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.state = BreakerOpen
			log.Warn().
				Str("component", "venue_breaker").
				Int("failures", b.failureCount).
				Msg("breaker open, suppressing new submissions")
		}
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.successCount = 0
		log.Warn().Str("component", "venue_breaker").Msg("breaker reopened, half-open probe failed")
	}
}

// State returns the current state for monitoring.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
