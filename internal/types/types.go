package types

import "time"

// Side is the order side as sent to the venue.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderStatus is the engine's view of an order's lifecycle.
type OrderStatus string

const (
	OrderStatusNew      OrderStatus = "NEW"      // accepted locally, not yet acknowledged
	OrderStatusOpen     OrderStatus = "OPEN"     // acknowledged and resting on the venue
	OrderStatusPartial  OrderStatus = "PARTIAL"  // partially filled
	OrderStatusFilled   OrderStatus = "FILLED"   // terminal
	OrderStatusCanceled OrderStatus = "CANCELED" // terminal
	OrderStatusRejected OrderStatus = "REJECTED" // terminal
	OrderStatusUnknown  OrderStatus = "UNKNOWN"  // venue-side truth unconfirmed after a write
)

// IsTerminal reports whether the status admits no further transitions.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected:
		return true
	}
	return false
}

// OrderIntent is a strategy's request to place a single limit order.
// Intents are ephemeral: they are hashed into an idempotency payload and a
// client order id, never persisted directly.
type OrderIntent struct {
	Symbol   string  `json:"symbol"`
	Side     Side    `json:"side"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
	Notional float64 `json:"notional"`
	CycleID  string  `json:"cycle_id"`

	// IdempotencyKey overrides the derived key when the caller manages its
	// own keys. Leave empty to derive from (cycle, symbol, side).
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// OrderSnapshot is the venue's view of an order, as returned by the
// open-orders and all-orders endpoints.
type OrderSnapshot struct {
	OrderID       string      `json:"order_id"`
	ClientOrderID string      `json:"client_order_id"`
	Symbol        string      `json:"symbol"`
	Side          Side        `json:"side"`
	Price         float64     `json:"price"`
	Quantity      float64     `json:"quantity"`
	Status        OrderStatus `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Balance is a single-asset free balance as reported by the venue.
type Balance struct {
	Asset string  `json:"asset"`
	Free  float64 `json:"free"`
}

// SymbolRule carries the venue's sizing constraints for one symbol.
// Prices must be a multiple of TickSize, quantities of StepSize, and the
// resulting notional at least MinNotional.
type SymbolRule struct {
	Symbol      string  `json:"symbol"`
	TickSize    float64 `json:"tick_size"`
	StepSize    float64 `json:"step_size"`
	MinNotional float64 `json:"min_notional"`

	// QuoteAsset and BaseAsset identify the balances checked before a live
	// submission (buy spends quote, sell spends base).
	BaseAsset  string `json:"base_asset"`
	QuoteAsset string `json:"quote_asset"`
}
