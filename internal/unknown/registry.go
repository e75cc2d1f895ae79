// Package unknown holds the process-wide view of orders whose venue-side
// state is unconfirmed. Presence of any entry is itself a global signal: all
// new submissions are frozen until the set drains. A single ambiguous order
// already means the strategy's view of exposure is unreliable, so halting new
// flow is safer than compounding the position.
package unknown

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/trading-engine/internal/ledger"
	"github.com/ksred/trading-engine/internal/types"
)

// Entry records one unconfirmed order.
type Entry struct {
	OrderID   string    `json:"order_id"`
	Reason    string    `json:"reason"`
	FirstSeen time.Time `json:"first_seen"`
}

// Registry is an in-memory set synchronized from the order ledger at the
// start of each execution batch. Reads vastly outnumber writes: HasUnknown is
// an O(1) map check with no I/O.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// SyncSnapshot replaces the set with the ledger's current UNKNOWN rows.
// When refreshFailed is true the snapshot may only add entries, never remove:
// a failed reconciliation pass must not spuriously clear a freeze.
func (r *Registry) SyncSnapshot(rows []ledger.Order, refreshFailed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fresh := make(map[string]Entry, len(rows))
	for _, row := range rows {
		if row.Status != types.OrderStatusUnknown {
			continue
		}
		first := time.Now().UTC()
		if row.UnknownFirstSeenAt != nil {
			first = *row.UnknownFirstSeenAt
		}
		e := Entry{OrderID: row.OrderID, Reason: row.ExchangeStatusRaw, FirstSeen: first}
		if prev, ok := r.entries[row.OrderID]; ok {
			e.Reason = prev.Reason
			e.FirstSeen = prev.FirstSeen
		}
		fresh[row.OrderID] = e
	}

	if refreshFailed {
		// Stale freeze is the safe failure mode: keep what we had, add new.
		for id, e := range fresh {
			if _, ok := r.entries[id]; !ok {
				r.entries[id] = e
			}
		}
		return
	}

	if len(r.entries) > 0 && len(fresh) == 0 {
		log.Info().
			Str("component", "unknown_registry").
			Int("cleared", len(r.entries)).
			Msg("all unknown orders resolved, lifting submission freeze")
	}
	r.entries = fresh
}

// MarkUnknown adds one order to the set.
func (r *Registry) MarkUnknown(orderID, reason string, ts time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[orderID]; ok {
		return
	}
	r.entries[orderID] = Entry{OrderID: orderID, Reason: reason, FirstSeen: ts}
	log.Warn().
		Str("component", "unknown_registry").
		Str("order_id", orderID).
		Str("reason", reason).
		Msg("order marked unknown, freezing new submissions")
}

// HasUnknown reports whether any order is currently unconfirmed.
func (r *Registry) HasUnknown() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries) > 0
}

// Entries returns a copy of the current set.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}
