package ledger_test

import (
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/ksred/trading-engine/internal/database"
	"github.com/ksred/trading-engine/internal/ledger"
	"github.com/ksred/trading-engine/internal/types"
)

func newTestDB(t *testing.T) (*ledger.Database, *gorm.DB) {
	t.Helper()
	db, err := database.NewTestDatabase()
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	return ledger.NewDatabase(db), db
}

func testOrder(orderID, cid string, status types.OrderStatus) *ledger.Order {
	return &ledger.Order{
		OrderID:       orderID,
		ClientOrderID: cid,
		Symbol:        "BTCUSDT",
		Side:          types.SideBuy,
		Price:         50_000,
		Quantity:      0.05,
		Status:        status,
	}
}

func TestSaveAndGet(t *testing.T) {
	d, _ := newTestDB(t)

	if err := d.Save(testOrder("EX-1", "cid-1", types.OrderStatusOpen), false, "NEW"); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	ord, err := d.Get("EX-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if ord == nil || ord.Status != types.OrderStatusOpen || ord.ExchangeStatusRaw != "NEW" {
		t.Fatalf("unexpected order: %+v", ord)
	}

	if missing, err := d.Get("EX-absent"); err != nil || missing != nil {
		t.Fatalf("absent order should be (nil, nil), got %+v %v", missing, err)
	}
}

func TestSaveConvergesPlaceholderOntoVenueID(t *testing.T) {
	d, db := newTestDB(t)

	placeholder := testOrder(ledger.UnknownOrderID("cid-1"), "cid-1", types.OrderStatusUnknown)
	if err := d.Save(placeholder, false, "uncertain submit"); err != nil {
		t.Fatalf("placeholder save failed: %v", err)
	}
	firstSeen := time.Now().UTC().Add(-time.Minute)
	if err := db.Model(&ledger.Order{}).Where("order_id = ?", placeholder.OrderID).
		Update("unknown_first_seen_at", firstSeen).Error; err != nil {
		t.Fatalf("failed to set first seen: %v", err)
	}

	resolved := testOrder("EX-9", "cid-1", types.OrderStatusOpen)
	if err := d.Save(resolved, true, "NEW"); err != nil {
		t.Fatalf("resolved save failed: %v", err)
	}

	// One logical record: the placeholder id no longer resolves.
	if ghost, err := d.Get(ledger.UnknownOrderID("cid-1")); err != nil || ghost != nil {
		t.Fatalf("placeholder should be converged away, got %+v %v", ghost, err)
	}
	ord, err := d.GetByClientOrderID("cid-1")
	if err != nil {
		t.Fatalf("get by cid failed: %v", err)
	}
	if ord == nil || ord.OrderID != "EX-9" {
		t.Fatalf("expected converged row with venue id, got %+v", ord)
	}
	if ord.UnknownFirstSeenAt == nil {
		t.Fatalf("convergence must preserve the unknown first-seen timestamp")
	}
}

func TestUpdateStatusEnteringUnknown(t *testing.T) {
	d, _ := newTestDB(t)

	if err := d.Save(testOrder("EX-1", "cid-1", types.OrderStatusOpen), false, "NEW"); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	now := time.Now().UTC()
	if err := d.UpdateStatus("EX-1", types.OrderStatusUnknown, "timeout", false, now, 30*time.Second); err != nil {
		t.Fatalf("update status failed: %v", err)
	}

	ord, err := d.Get("EX-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if ord.UnknownFirstSeenAt == nil || ord.NextProbeAt == nil || ord.ProbeAttempts != 0 {
		t.Fatalf("probe sub-record not initialized: %+v", ord)
	}
	// Leaving UNKNOWN clears the whole probe sub-record.
	if err := d.UpdateStatus("EX-1", types.OrderStatusOpen, "NEW", true, now, 30*time.Second); err != nil {
		t.Fatalf("update status failed: %v", err)
	}
	ord, _ = d.Get("EX-1")
	if ord.UnknownFirstSeenAt != nil || ord.NextProbeAt != nil || ord.EscalatedAt != nil {
		t.Fatalf("probe sub-record not cleared on exit: %+v", ord)
	}
}

func TestUpdateStatusUnknownPreservesLastSeen(t *testing.T) {
	d, _ := newTestDB(t)

	if err := d.Save(testOrder("EX-1", "cid-1", types.OrderStatusOpen), false, "NEW"); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	sighted := time.Now().UTC().Add(-time.Minute)
	if err := d.UpdateStatus("EX-1", types.OrderStatusOpen, "PARTIALLY_FILLED", true, sighted, 30*time.Second); err != nil {
		t.Fatalf("update status failed: %v", err)
	}

	// Losing track of the order is not a sighting: the last confirmed
	// venue-side timestamp must survive the transition into UNKNOWN.
	if err := d.UpdateStatus("EX-1", types.OrderStatusUnknown, "timeout", false, time.Now().UTC(), 30*time.Second); err != nil {
		t.Fatalf("update status failed: %v", err)
	}
	ord, err := d.Get("EX-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if ord.LastSeenAt == nil || !ord.LastSeenAt.Equal(sighted) {
		t.Fatalf("last seen must keep the prior sighting, got %+v", ord.LastSeenAt)
	}

	// The venue answering again is a sighting and moves the timestamp.
	reseen := time.Now().UTC()
	if err := d.UpdateStatus("EX-1", types.OrderStatusOpen, "NEW", true, reseen, 30*time.Second); err != nil {
		t.Fatalf("update status failed: %v", err)
	}
	ord, _ = d.Get("EX-1")
	if ord.LastSeenAt == nil || !ord.LastSeenAt.Equal(reseen) {
		t.Fatalf("venue sighting must advance last seen, got %+v", ord.LastSeenAt)
	}
}

func TestUpdateStatusIdempotent(t *testing.T) {
	d, _ := newTestDB(t)

	if err := d.Save(testOrder("EX-1", "cid-1", types.OrderStatusOpen), true, "NEW"); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	before, _ := d.Get("EX-1")

	// Same status, raw status, and reconciled flag: no write should happen.
	if err := d.UpdateStatus("EX-1", types.OrderStatusOpen, "NEW", true, time.Now().UTC(), 30*time.Second); err != nil {
		t.Fatalf("no-op update failed: %v", err)
	}
	after, _ := d.Get("EX-1")
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatalf("identical update must be a no-op, updated_at moved %v -> %v", before.UpdatedAt, after.UpdatedAt)
	}
}

func TestMarkEscalatedOnlyOnce(t *testing.T) {
	d, _ := newTestDB(t)

	if err := d.Save(testOrder("EX-1", "cid-1", types.OrderStatusUnknown), false, ""); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	first := time.Now().UTC().Add(-time.Hour)
	if err := d.MarkEscalated("EX-1", first); err != nil {
		t.Fatalf("mark escalated failed: %v", err)
	}
	if err := d.MarkEscalated("EX-1", time.Now().UTC()); err != nil {
		t.Fatalf("second mark escalated failed: %v", err)
	}

	ord, _ := d.Get("EX-1")
	if ord.EscalatedAt == nil || !ord.EscalatedAt.Equal(first) {
		t.Fatalf("escalation timestamp must be set exactly once, got %+v", ord.EscalatedAt)
	}
}

func TestFindDueProbes(t *testing.T) {
	d, _ := newTestDB(t)

	due := testOrder(ledger.UnknownOrderID("cid-due"), "cid-due", types.OrderStatusOpen)
	if err := d.Save(due, false, ""); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := d.UpdateStatus(due.OrderID, types.OrderStatusUnknown, "timeout", false, time.Now().UTC(), time.Millisecond); err != nil {
		t.Fatalf("update status failed: %v", err)
	}

	notDue := testOrder(ledger.UnknownOrderID("cid-later"), "cid-later", types.OrderStatusOpen)
	if err := d.Save(notDue, false, ""); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := d.UpdateStatus(notDue.OrderID, types.OrderStatusUnknown, "timeout", false, time.Now().UTC(), time.Hour); err != nil {
		t.Fatalf("update status failed: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	orders, err := d.FindDueProbes(time.Now().UTC())
	if err != nil {
		t.Fatalf("find due probes failed: %v", err)
	}
	if len(orders) != 1 || orders[0].ClientOrderID != "cid-due" {
		t.Fatalf("expected only the due probe, got %+v", orders)
	}
}

func TestFindOpenOrUnknownFiltersSymbols(t *testing.T) {
	d, _ := newTestDB(t)

	btc := testOrder("EX-1", "cid-1", types.OrderStatusOpen)
	if err := d.Save(btc, false, ""); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	eth := testOrder("EX-2", "cid-2", types.OrderStatusOpen)
	eth.Symbol = "ETHUSDT"
	if err := d.Save(eth, false, ""); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	done := testOrder("EX-3", "cid-3", types.OrderStatusFilled)
	if err := d.Save(done, false, ""); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	orders, err := d.FindOpenOrUnknown([]string{"BTCUSDT"})
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if len(orders) != 1 || orders[0].OrderID != "EX-1" {
		t.Fatalf("expected only the open BTCUSDT order, got %+v", orders)
	}
}

func TestPlaceholderIDs(t *testing.T) {
	if !ledger.IsPlaceholderID(ledger.UnknownOrderID("cid")) {
		t.Fatalf("unknown placeholder not recognized")
	}
	if !ledger.IsPlaceholderID(ledger.RejectedOrderID("cid", "http_400")) {
		t.Fatalf("rejected placeholder not recognized")
	}
	if ledger.IsPlaceholderID("EX-1001") {
		t.Fatalf("venue id misclassified as placeholder")
	}
}

func TestActionsAudit(t *testing.T) {
	d, _ := newTestDB(t)

	if err := d.CreateAction(&ledger.Action{ActionID: "a-1", CycleID: "c-1", ActionType: "submit", PayloadHash: "h-1"}); err != nil {
		t.Fatalf("create action failed: %v", err)
	}
	if err := d.CreateAction(&ledger.Action{ActionID: "a-2", CycleID: "c-1", ActionType: "cancel", PayloadHash: "h-2"}); err != nil {
		t.Fatalf("create action failed: %v", err)
	}

	byCycle, err := d.FindActionsByCycle("c-1")
	if err != nil || len(byCycle) != 2 {
		t.Fatalf("expected 2 actions for cycle, got %d err=%v", len(byCycle), err)
	}
	byHash, err := d.FindActionsByPayloadHash("h-1")
	if err != nil || len(byHash) != 1 || byHash[0].ActionID != "a-1" {
		t.Fatalf("unexpected payload-hash lookup: %+v err=%v", byHash, err)
	}
}
