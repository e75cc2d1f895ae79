package ledger

import (
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/ksred/trading-engine/internal/types"
)

// Placeholder order id prefixes. A placeholder stands in for the venue id
// until reconciliation resolves the real one (or confirms a rejection).
const (
	UnknownIDPrefix  = "unknown:"
	RejectedIDPrefix = "rejected:"
)

// UnknownOrderID builds the placeholder id recorded when a write's outcome
// could not be determined.
func UnknownOrderID(clientOrderID string) string {
	return UnknownIDPrefix + clientOrderID
}

// RejectedOrderID builds the placeholder id recorded for a venue rejection.
func RejectedOrderID(clientOrderID, code string) string {
	return RejectedIDPrefix + clientOrderID + ":" + code
}

// IsPlaceholderID reports whether id is locally assigned rather than
// venue assigned.
func IsPlaceholderID(id string) bool {
	return strings.HasPrefix(id, UnknownIDPrefix) || strings.HasPrefix(id, RejectedIDPrefix)
}

// Order is the durable record of one submission attempt and its lifecycle.
// Rows are never deleted; terminal states are retained for audit.
type Order struct {
	gorm.Model        `json:"-"`
	OrderID           string            `gorm:"uniqueIndex" json:"order_id"`
	ClientOrderID     string            `json:"client_order_id"` // unique when non-empty, enforced by partial index
	Symbol            string            `gorm:"index" json:"symbol"`
	Side              types.Side        `json:"side"`
	Price             float64           `json:"price"`
	Quantity          float64           `json:"quantity"`
	Status            types.OrderStatus `gorm:"index" json:"status"`
	ExchangeStatusRaw string            `json:"exchange_status_raw"` // venue's raw status string, for audit
	Reconciled        bool              `json:"reconciled"`
	LastSeenAt        *time.Time        `json:"last_seen_at,omitempty"` // last venue-side confirmation

	// Unknown-probe sub-record. Set while Status is UNKNOWN, cleared on exit.
	UnknownFirstSeenAt *time.Time `json:"unknown_first_seen_at,omitempty"`
	LastProbeAt        *time.Time `json:"last_probe_at,omitempty"`
	NextProbeAt        *time.Time `json:"next_probe_at,omitempty"`
	ProbeAttempts      int        `json:"probe_attempts"`
	EscalatedAt        *time.Time `json:"escalated_at,omitempty"`
}

// Action is one row of the audit trail: a single accepted attempt against the
// venue. The orchestrator consults it for after-the-fact audit and duplicate
// detection before dropping a "no new action id" case.
type Action struct {
	gorm.Model    `json:"-"`
	ActionID      string `gorm:"uniqueIndex" json:"action_id"`
	CycleID       string `gorm:"index" json:"cycle_id"`
	ActionType    string `json:"action_type"`
	PayloadHash   string `gorm:"index" json:"payload_hash"`
	ClientOrderID string `json:"client_order_id"`
	OrderID       string `json:"order_id"`
	Metadata      string `json:"metadata"`
}
