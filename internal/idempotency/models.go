package idempotency

import (
	"time"

	"gorm.io/gorm"
)

// Reservation statuses. A reservation advances monotonically toward a terminal
// status within an attempt cycle; the only reopenings allowed are
// FAILED → PENDING and SIMULATED → PENDING (dry-run promotion).
const (
	StatusPending   = "PENDING"
	StatusCommitted = "COMMITTED"
	StatusSimulated = "SIMULATED"
	StatusFailed    = "FAILED"
	StatusUnknown   = "UNKNOWN"
)

// Action types for reservations.
const (
	ActionSubmit = "submit"
	ActionCancel = "cancel"
)

// Reservation is one row of the idempotency ledger. The composite uniqueness
// of (action_type, key) is the serialization point: concurrent callers racing
// on the same key have exactly one insert winner.
type Reservation struct {
	gorm.Model    `json:"-"`
	ActionType    string    `gorm:"uniqueIndex:idx_idempotency_action_key;size:16" json:"action_type"`
	Key           string    `gorm:"uniqueIndex:idx_idempotency_action_key;size:191" json:"key"`
	PayloadHash   string    `json:"payload_hash"`
	Status        string    `json:"status"`
	ActionID      string    `json:"action_id"`
	ClientOrderID string    `json:"client_order_id"`
	OrderID       string    `json:"order_id"`
	ExpiresAt     time.Time `json:"expires_at"`

	// Stale-PENDING recovery bookkeeping (probing without a fresh submission).
	RecoveryAttempts int        `json:"recovery_attempts"`
	NextRecoveryAt   *time.Time `json:"next_recovery_at,omitempty"`
}

// Expired reports whether the reservation is past its TTL and therefore
// prunable. Expired rows never participate in conflict detection.
func (r *Reservation) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Linked reports whether the reservation has recorded any intent to call the
// venue. A stale PENDING row with no linkage is presumed crashed pre-call and
// is safe to fail and re-reserve.
func (r *Reservation) Linked() bool {
	return r.ActionID != "" || r.ClientOrderID != "" || r.OrderID != ""
}
