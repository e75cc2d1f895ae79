package idempotency

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var (
	// ErrPayloadConflict means two different payloads mapped to one key. This
	// is a logic bug upstream, never recoverable by retry, and must surface
	// loudly rather than silently pick a winner.
	ErrPayloadConflict = errors.New("idempotency key reserved with a different payload")
)

// Database wraps the gorm connection with idempotency ledger operations.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// Reserve attempts to claim (actionType, key) for a new venue attempt.
// It returns the live reservation row and whether the caller holds a fresh
// claim. reserved=false means a prior attempt already owns the key and the
// caller must not issue a venue call.
//
// allowPromote permits reopening a SIMULATED row (a dry-run result) as a live
// PENDING attempt; a simulation must not permanently block a later live
// submission of the same logical order.
func (d *Database) Reserve(actionType, key, payloadHash string, ttl time.Duration, grace time.Duration, allowPromote bool) (*Reservation, bool, error) {
	now := time.Now().UTC()
	var row Reservation
	var reserved bool

	err := d.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Where("action_type = ? AND key = ?", actionType, key).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row = Reservation{
				ActionType:  actionType,
				Key:         key,
				PayloadHash: payloadHash,
				Status:      StatusPending,
				ExpiresAt:   now.Add(ttl),
			}
			if err := tx.Create(&row).Error; err != nil {
				// Lost an insert race on the unique index: the winner owns
				// the key for this attempt cycle.
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					if ferr := tx.Where("action_type = ? AND key = ?", actionType, key).First(&row).Error; ferr != nil {
						return ferr
					}
					if row.PayloadHash != payloadHash {
						return ErrPayloadConflict
					}
					reserved = false
					return nil
				}
				return err
			}
			reserved = true
			return nil
		}
		if err != nil {
			return err
		}

		// An expired row is treated as absent: reset it to a fresh PENDING
		// attempt. Conflict detection applies to live rows only.
		if row.Expired(now) {
			return d.resetPending(tx, &row, payloadHash, now, ttl, &reserved)
		}

		if row.PayloadHash != payloadHash {
			return fmt.Errorf("%w: action_type=%s key=%s", ErrPayloadConflict, actionType, key)
		}

		switch row.Status {
		case StatusFailed:
			// Failed attempts are retryable.
			return d.resetPending(tx, &row, payloadHash, now, ttl, &reserved)

		case StatusSimulated:
			if allowPromote {
				return d.resetPending(tx, &row, payloadHash, now, ttl, &reserved)
			}
			reserved = false
			return nil

		case StatusPending:
			// A PENDING row older than the grace window with no linked ids is
			// presumed crashed before recording intent to call the venue.
			if now.Sub(row.UpdatedAt) > grace && !row.Linked() {
				log.Warn().
					Str("component", "idempotency").
					Str("action_type", actionType).
					Str("key", key).
					Time("stale_since", row.UpdatedAt).
					Msg("failing stale unlinked PENDING reservation and re-reserving")
				if err := tx.Model(&row).Update("status", StatusFailed).Error; err != nil {
					return err
				}
				return d.resetPending(tx, &row, payloadHash, now, ttl, &reserved)
			}
			reserved = false
			return nil

		default:
			// COMMITTED or UNKNOWN: the venue effect happened, or may have.
			reserved = false
			return nil
		}
	})
	if err != nil {
		return nil, false, err
	}
	return &row, reserved, nil
}

// resetPending reopens row as a fresh PENDING attempt. The prior attempt's
// identifier links are cleared along with the counters: Finalize never
// overwrites a recorded id, so a stale link would pin this attempt's outcome
// to the previous attempt's placeholder.
func (d *Database) resetPending(tx *gorm.DB, row *Reservation, payloadHash string, now time.Time, ttl time.Duration, reserved *bool) error {
	updates := map[string]interface{}{
		"status":            StatusPending,
		"payload_hash":      payloadHash,
		"expires_at":        now.Add(ttl),
		"action_id":         "",
		"client_order_id":   "",
		"order_id":          "",
		"recovery_attempts": 0,
		"next_recovery_at":  nil,
	}
	if err := tx.Model(row).Updates(updates).Error; err != nil {
		return err
	}
	row.Status = StatusPending
	row.PayloadHash = payloadHash
	row.ExpiresAt = now.Add(ttl)
	row.ActionID = ""
	row.ClientOrderID = ""
	row.OrderID = ""
	row.RecoveryAttempts = 0
	row.NextRecoveryAt = nil
	*reserved = true
	return nil
}

// Finalize records the attempt outcome against the reservation. Identifier
// fields use COALESCE semantics: an empty incoming id never erases a
// previously recorded one.
func (d *Database) Finalize(actionType, key, actionID, clientOrderID, orderID, status string) error {
	updates := map[string]interface{}{"status": status}
	if actionID != "" {
		updates["action_id"] = gorm.Expr("COALESCE(NULLIF(action_id, ''), ?)", actionID)
	}
	if clientOrderID != "" {
		updates["client_order_id"] = gorm.Expr("COALESCE(NULLIF(client_order_id, ''), ?)", clientOrderID)
	}
	if orderID != "" {
		updates["order_id"] = gorm.Expr("COALESCE(NULLIF(order_id, ''), ?)", orderID)
	}
	res := d.db.Model(&Reservation{}).
		Where("action_type = ? AND key = ?", actionType, key).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("finalize: no reservation for action_type=%s key=%s", actionType, key)
	}
	return nil
}

// ResolveUnknown finalizes a reservation that was parked UNKNOWN. Unlike
// Finalize it may replace the recorded order id: an UNKNOWN reservation holds
// a local placeholder, and resolution is the moment the venue id is learned.
func (d *Database) ResolveUnknown(actionType, key, orderID, status string) error {
	updates := map[string]interface{}{"status": status}
	if orderID != "" {
		updates["order_id"] = orderID
	}
	res := d.db.Model(&Reservation{}).
		Where("action_type = ? AND key = ? AND status = ?", actionType, key, StatusUnknown).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("resolve unknown: no UNKNOWN reservation for action_type=%s key=%s", actionType, key)
	}
	return nil
}

// UpdateRecovery tracks stale-PENDING recovery probing without a fresh
// submission: attempt count and the next probe time.
func (d *Database) UpdateRecovery(actionType, key string, attempts int, nextRecoveryAt time.Time) error {
	return d.db.Model(&Reservation{}).
		Where("action_type = ? AND key = ?", actionType, key).
		Updates(map[string]interface{}{
			"recovery_attempts": attempts,
			"next_recovery_at":  nextRecoveryAt,
		}).Error
}

// Get fetches a reservation, returning nil when absent.
func (d *Database) Get(actionType, key string) (*Reservation, error) {
	var row Reservation
	if err := d.db.Where("action_type = ? AND key = ?", actionType, key).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// FindUnknown returns reservations whose venue effect is unresolved. They
// stay UNKNOWN until the probe loop has written venue-confirmed truth to the
// linked order row.
func (d *Database) FindUnknown() ([]Reservation, error) {
	var rows []Reservation
	err := d.db.
		Where("status = ? AND client_order_id <> ''", StatusUnknown).
		Find(&rows).Error
	return rows, err
}

// FindStalePending returns PENDING reservations past the grace window that
// carry a client order id but no action id: candidates for direct venue
// recovery probing.
func (d *Database) FindStalePending(grace time.Duration) ([]Reservation, error) {
	cutoff := time.Now().UTC().Add(-grace)
	var rows []Reservation
	err := d.db.
		Where("status = ? AND updated_at < ? AND client_order_id <> '' AND action_id = ''", StatusPending, cutoff).
		Where("next_recovery_at IS NULL OR next_recovery_at <= ?", time.Now().UTC()).
		Find(&rows).Error
	return rows, err
}

// Prune hard-deletes reservations past their TTL. Live rows are untouched, so
// conflict detection is unaffected.
func (d *Database) Prune() (int64, error) {
	res := d.db.Unscoped().
		Where("expires_at < ?", time.Now().UTC()).
		Delete(&Reservation{})
	return res.RowsAffected, res.Error
}
