package migrations

import (
	"github.com/ksred/trading-engine/internal/ledger"
	"gorm.io/gorm"
)

// AddOrderIndexes creates the order ledger tables and the indexes the
// orchestrator and reconciler query on every cycle.
func AddOrderIndexes(db *gorm.DB) error {
	if err := db.AutoMigrate(&ledger.Order{}); err != nil {
		return err
	}

	if err := db.AutoMigrate(&ledger.Action{}); err != nil {
		return err
	}

	// Using raw SQL for index creation to have more control over index types
	indexes := []string{
		// Client order ids are unique only when assigned. Placeholder rows
		// converge onto venue ids through this identity.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_client_order_id
		 ON orders(client_order_id) WHERE client_order_id <> ''`,

		// Composite index for the per-cycle open/unknown sweep
		`CREATE INDEX IF NOT EXISTS idx_orders_status_symbol
		 ON orders(status, symbol)`,

		// Index for the due-probe scan
		`CREATE INDEX IF NOT EXISTS idx_orders_next_probe_at
		 ON orders(next_probe_at)`,

		// Composite index for audit queries by cycle and type
		`CREATE INDEX IF NOT EXISTS idx_actions_cycle_type
		 ON actions(cycle_id, action_type)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
