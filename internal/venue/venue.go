// Package venue defines the boundary to the trading venue and ships two
// implementations: a signed REST client and a controllable mock used by the
// simulation and by tests. The engine tolerates failures of every call here;
// classification of those failures lives in internal/retry.
package venue

import (
	"context"
	"time"

	"github.com/ksred/trading-engine/internal/types"
)

// SubmitRequest carries one limit-order placement.
type SubmitRequest struct {
	Symbol        string
	Side          types.Side
	Price         float64
	Quantity      float64
	ClientOrderID string
}

// Ack is the venue's acknowledgement of an accepted submission.
type Ack struct {
	ExchangeOrderID string
	Status          types.OrderStatus
	TransactTime    time.Time
}

// OpenOrders is the venue's resting-order view for one symbol.
type OpenOrders struct {
	Bids []types.OrderSnapshot
	Asks []types.OrderSnapshot
}

// All returns bids and asks as one slice.
func (o *OpenOrders) All() []types.OrderSnapshot {
	out := make([]types.OrderSnapshot, 0, len(o.Bids)+len(o.Asks))
	out = append(out, o.Bids...)
	out = append(out, o.Asks...)
	return out
}

// Client is the abstract venue boundary the engine consumes.
type Client interface {
	GetOpenOrders(ctx context.Context, symbol string) (*OpenOrders, error)
	GetAllOrders(ctx context.Context, symbol string, startMs, endMs int64) ([]types.OrderSnapshot, error)
	GetOrder(ctx context.Context, orderID string) (*types.OrderSnapshot, error)
	SubmitLimitOrder(ctx context.Context, req SubmitRequest) (*Ack, error)
	CancelOrderByExchangeID(ctx context.Context, orderID string) (bool, error)
	CancelOrderByClientOrderID(ctx context.Context, clientOrderID string) (bool, error)
	GetBalances(ctx context.Context) ([]types.Balance, error)
}
