package migrations

import (
	"github.com/ksred/trading-engine/internal/idempotency"
	"gorm.io/gorm"
)

// AddIdempotencyLedger creates the reservation table and its lookup indexes.
// The composite unique index on (action_type, key) comes from the model tag;
// the rest are query-path indexes.
func AddIdempotencyLedger(db *gorm.DB) error {
	if err := db.AutoMigrate(&idempotency.Reservation{}); err != nil {
		return err
	}

	indexes := []string{
		// Index for the stale-PENDING recovery scan
		`CREATE INDEX IF NOT EXISTS idx_reservations_status_updated
		 ON reservations(status, updated_at)`,

		// Index for TTL pruning
		`CREATE INDEX IF NOT EXISTS idx_reservations_expires_at
		 ON reservations(expires_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
