package ledger

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/ksred/trading-engine/internal/types"
)

// Database wraps the gorm connection with order-ledger operations.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// Save upserts an order by order id. When no row matches the order id but one
// matches the client order id, the existing row is converged onto the incoming
// order id: this is how a locally assigned placeholder (unknown:<cid>) and a
// later-confirmed venue id for the same client order id end up as one logical
// record.
func (d *Database) Save(order *Order, reconciled bool, exchangeStatusRaw string) error {
	order.Reconciled = reconciled
	order.ExchangeStatusRaw = exchangeStatusRaw

	return d.db.Transaction(func(tx *gorm.DB) error {
		var existing Order
		err := tx.Where("order_id = ?", order.OrderID).First(&existing).Error
		if err == nil {
			order.ID = existing.ID
			order.CreatedAt = existing.CreatedAt
			return tx.Save(order).Error
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		if order.ClientOrderID != "" {
			err = tx.Where("client_order_id = ?", order.ClientOrderID).First(&existing).Error
			if err == nil {
				// Converge the placeholder row onto the resolved order id.
				order.ID = existing.ID
				order.CreatedAt = existing.CreatedAt
				if order.UnknownFirstSeenAt == nil {
					order.UnknownFirstSeenAt = existing.UnknownFirstSeenAt
				}
				return tx.Save(order).Error
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		return tx.Create(order).Error
	})
}

// Get fetches an order by venue order id, returning nil when absent.
func (d *Database) Get(orderID string) (*Order, error) {
	var order Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// GetByClientOrderID fetches an order by client order id, returning nil when
// absent.
func (d *Database) GetByClientOrderID(clientOrderID string) (*Order, error) {
	var order Order
	if err := d.db.Where("client_order_id = ?", clientOrderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// UpdateStatus is the single mutation point for status changes. It maintains
// the unknown-probe sub-record: entering UNKNOWN sets the first-seen timestamp
// once and schedules the first probe; leaving UNKNOWN clears every probe
// field. An update carrying an identical status and raw status is a no-op, so
// repeated reconciliation of unchanged venue state causes no extra writes.
func (d *Database) UpdateStatus(orderID string, status types.OrderStatus, exchangeStatusRaw string, reconciled bool, lastSeenAt time.Time, probeInitial time.Duration) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		var order Order
		if err := tx.Where("order_id = ?", orderID).First(&order).Error; err != nil {
			return err
		}

		if order.Status == status && order.ExchangeStatusRaw == exchangeStatusRaw && order.Reconciled == reconciled {
			return nil
		}

		updates := map[string]interface{}{
			"status":              status,
			"exchange_status_raw": exchangeStatusRaw,
			"reconciled":          reconciled,
		}
		// last_seen_at records venue-side sightings only. Entering UNKNOWN is
		// the absence of a sighting, so the prior timestamp stands.
		if status != types.OrderStatusUnknown {
			updates["last_seen_at"] = lastSeenAt
		}

		switch {
		case status == types.OrderStatusUnknown && order.Status != types.OrderStatusUnknown:
			now := time.Now().UTC()
			first := order.UnknownFirstSeenAt
			if first == nil {
				first = &now
			}
			updates["unknown_first_seen_at"] = first
			updates["next_probe_at"] = now.Add(probeInitial)
			updates["probe_attempts"] = 0

		case status != types.OrderStatusUnknown && order.Status == types.OrderStatusUnknown:
			updates["unknown_first_seen_at"] = nil
			updates["last_probe_at"] = nil
			updates["next_probe_at"] = nil
			updates["probe_attempts"] = 0
			updates["escalated_at"] = nil
		}

		return tx.Model(&order).Updates(updates).Error
	})
}

// UpdateProbe records a completed probe and schedules the next one.
func (d *Database) UpdateProbe(orderID string, attempts int, lastProbeAt, nextProbeAt time.Time) error {
	return d.db.Model(&Order{}).
		Where("order_id = ?", orderID).
		Updates(map[string]interface{}{
			"probe_attempts": attempts,
			"last_probe_at":  lastProbeAt,
			"next_probe_at":  nextProbeAt,
		}).Error
}

// MarkEscalated stamps the escalation time once.
func (d *Database) MarkEscalated(orderID string, ts time.Time) error {
	return d.db.Model(&Order{}).
		Where("order_id = ? AND escalated_at IS NULL", orderID).
		Update("escalated_at", ts).Error
}

// FindOpenOrUnknown returns the working set the reconciler must check each
// cycle: every non-terminal order, optionally limited to the given symbols.
func (d *Database) FindOpenOrUnknown(symbols []string) ([]Order, error) {
	q := d.db.Where("status IN ?", []types.OrderStatus{
		types.OrderStatusNew,
		types.OrderStatusOpen,
		types.OrderStatusPartial,
		types.OrderStatusUnknown,
	})
	if len(symbols) > 0 {
		q = q.Where("symbol IN ?", symbols)
	}
	var orders []Order
	err := q.Find(&orders).Error
	return orders, err
}

// FindUnknown returns every order currently in UNKNOWN status.
func (d *Database) FindUnknown() ([]Order, error) {
	var orders []Order
	err := d.db.Where("status = ?", types.OrderStatusUnknown).Find(&orders).Error
	return orders, err
}

// FindDueProbes returns UNKNOWN orders whose next probe time has passed.
func (d *Database) FindDueProbes(now time.Time) ([]Order, error) {
	var orders []Order
	err := d.db.
		Where("status = ? AND next_probe_at IS NOT NULL AND next_probe_at <= ?", types.OrderStatusUnknown, now).
		Find(&orders).Error
	return orders, err
}

// FindByStatus returns orders carrying the given status, newest first.
func (d *Database) FindByStatus(status types.OrderStatus, limit int) ([]Order, error) {
	q := d.db.Where("status = ?", status).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var orders []Order
	err := q.Find(&orders).Error
	return orders, err
}

// CreateAction appends one audit row for an accepted attempt.
func (d *Database) CreateAction(action *Action) error {
	return d.db.Create(action).Error
}

// FindActionsByPayloadHash returns the audit rows recorded for one payload,
// oldest first. Used for duplicate-action detection before dropping a
// "no new action id" case.
func (d *Database) FindActionsByPayloadHash(payloadHash string) ([]Action, error) {
	var actions []Action
	err := d.db.Where("payload_hash = ?", payloadHash).Order("created_at ASC").Find(&actions).Error
	return actions, err
}

// FindActionsByCycle returns the audit rows for one planning cycle.
func (d *Database) FindActionsByCycle(cycleID string) ([]Action, error) {
	var actions []Action
	err := d.db.Where("cycle_id = ?", cycleID).Order("created_at ASC").Find(&actions).Error
	return actions, err
}
