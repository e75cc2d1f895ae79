package reconcile

import (
	"math"
	"time"

	"github.com/ksred/trading-engine/internal/ledger"
	"github.com/ksred/trading-engine/internal/types"
)

// Fuzzy-match tolerances. Venue floats come back through JSON, so exact
// equality on price and quantity is not reliable; these are absolute bounds.
const (
	PriceTolerance    = 1e-6
	QuantityTolerance = 1e-6
)

// matchSnapshot finds the venue snapshot corresponding to ord, trying
// strongest evidence first: exchange order id, then client order id, then a
// fuzzy field match bounded to the query window. Returns nil when nothing
// resembles the order.
func matchSnapshot(ord *ledger.Order, snaps []types.OrderSnapshot, windowStart, windowEnd time.Time) *types.OrderSnapshot {
	if !ledger.IsPlaceholderID(ord.OrderID) {
		for i := range snaps {
			if snaps[i].OrderID == ord.OrderID {
				return &snaps[i]
			}
		}
	}

	if ord.ClientOrderID != "" {
		for i := range snaps {
			if snaps[i].ClientOrderID == ord.ClientOrderID {
				return &snaps[i]
			}
		}
	}

	for i := range snaps {
		if fuzzyMatch(ord, &snaps[i], windowStart, windowEnd) {
			return &snaps[i]
		}
	}
	return nil
}

func fuzzyMatch(ord *ledger.Order, snap *types.OrderSnapshot, windowStart, windowEnd time.Time) bool {
	if snap.Symbol != ord.Symbol || snap.Side != ord.Side {
		return false
	}
	if math.Abs(snap.Price-ord.Price) > PriceTolerance {
		return false
	}
	if math.Abs(snap.Quantity-ord.Quantity) > QuantityTolerance {
		return false
	}
	return !snap.CreatedAt.Before(windowStart) && !snap.CreatedAt.After(windowEnd)
}
