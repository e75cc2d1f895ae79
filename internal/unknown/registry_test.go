package unknown

import (
	"testing"
	"time"

	"github.com/ksred/trading-engine/internal/ledger"
	"github.com/ksred/trading-engine/internal/types"
)

func unknownRow(orderID string, firstSeen time.Time) ledger.Order {
	return ledger.Order{
		OrderID:            orderID,
		Status:             types.OrderStatusUnknown,
		ExchangeStatusRaw:  "timeout",
		UnknownFirstSeenAt: &firstSeen,
	}
}

func TestMarkUnknownFreezes(t *testing.T) {
	r := NewRegistry()
	if r.HasUnknown() {
		t.Fatalf("fresh registry should be empty")
	}

	r.MarkUnknown("unknown:cid-1", "uncertain submit", time.Now().UTC())
	if !r.HasUnknown() {
		t.Fatalf("registry should report unknown orders")
	}
	if entries := r.Entries(); len(entries) != 1 || entries[0].OrderID != "unknown:cid-1" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestSyncSnapshotReplacesSet(t *testing.T) {
	r := NewRegistry()
	r.MarkUnknown("unknown:cid-1", "uncertain submit", time.Now().UTC())

	// A clean refresh with no UNKNOWN rows lifts the freeze.
	r.SyncSnapshot(nil, false)
	if r.HasUnknown() {
		t.Fatalf("clean empty snapshot should lift the freeze")
	}

	// A clean refresh with rows installs exactly those rows.
	r.SyncSnapshot([]ledger.Order{unknownRow("unknown:cid-2", time.Now().UTC())}, false)
	entries := r.Entries()
	if len(entries) != 1 || entries[0].OrderID != "unknown:cid-2" {
		t.Fatalf("unexpected entries after sync: %+v", entries)
	}
}

func TestSyncSnapshotFailedRefreshNeverClears(t *testing.T) {
	r := NewRegistry()
	r.MarkUnknown("unknown:cid-1", "uncertain submit", time.Now().UTC())

	// A failed refresh with an empty row set must keep the freeze.
	r.SyncSnapshot(nil, true)
	if !r.HasUnknown() {
		t.Fatalf("failed refresh must not clear the unknown set")
	}

	// A failed refresh can still add newly discovered unknowns.
	r.SyncSnapshot([]ledger.Order{unknownRow("unknown:cid-2", time.Now().UTC())}, true)
	if len(r.Entries()) != 2 {
		t.Fatalf("failed refresh should add but not remove, got %+v", r.Entries())
	}
}

func TestSyncSnapshotPreservesFirstSeen(t *testing.T) {
	r := NewRegistry()
	origin := time.Now().UTC().Add(-time.Hour)
	r.MarkUnknown("unknown:cid-1", "original reason", origin)

	later := time.Now().UTC()
	r.SyncSnapshot([]ledger.Order{unknownRow("unknown:cid-1", later)}, false)

	entries := r.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %+v", entries)
	}
	if !entries[0].FirstSeen.Equal(origin) || entries[0].Reason != "original reason" {
		t.Fatalf("sync must preserve prior first-seen and reason, got %+v", entries[0])
	}
}

func TestSyncSnapshotIgnoresNonUnknownRows(t *testing.T) {
	r := NewRegistry()
	r.SyncSnapshot([]ledger.Order{
		{OrderID: "EX-1", Status: types.OrderStatusOpen},
		unknownRow("unknown:cid-1", time.Now().UTC()),
	}, false)

	entries := r.Entries()
	if len(entries) != 1 || entries[0].OrderID != "unknown:cid-1" {
		t.Fatalf("only UNKNOWN rows belong in the registry, got %+v", entries)
	}
}
