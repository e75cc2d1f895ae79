package idempotency_test

import (
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/ksred/trading-engine/internal/database"
	"github.com/ksred/trading-engine/internal/idempotency"
)

func newTestDB(t *testing.T) (*idempotency.Database, *gorm.DB) {
	t.Helper()
	db, err := database.NewTestDatabase()
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	return idempotency.NewDatabase(db), db
}

// ageKey pushes a reservation's updated_at into the past. The explicit
// column assignment overrides gorm's auto-touch.
func ageKey(t *testing.T, db *gorm.DB, actionType, key string, age time.Duration) {
	t.Helper()
	stale := time.Now().UTC().Add(-age)
	if err := db.Model(&idempotency.Reservation{}).
		Where("action_type = ? AND key = ?", actionType, key).
		Update("updated_at", stale).Error; err != nil {
		t.Fatalf("failed to age reservation: %v", err)
	}
}

func TestReserveFreshKey(t *testing.T) {
	d, _ := newTestDB(t)

	row, reserved, err := d.Reserve(idempotency.ActionSubmit, "cycle-1:BTCUSDT:buy", "hash-a", time.Hour, time.Minute, true)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if !reserved {
		t.Fatalf("expected fresh key to be reserved")
	}
	if row.Status != idempotency.StatusPending {
		t.Fatalf("expected PENDING, got %s", row.Status)
	}
}

func TestReserveDuplicateSuppressed(t *testing.T) {
	d, _ := newTestDB(t)

	if _, _, err := d.Reserve(idempotency.ActionSubmit, "k1", "hash-a", time.Hour, time.Minute, true); err != nil {
		t.Fatalf("first reserve failed: %v", err)
	}
	if err := d.Finalize(idempotency.ActionSubmit, "k1", "act-1", "cid-1", "EX-1", idempotency.StatusCommitted); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}

	row, reserved, err := d.Reserve(idempotency.ActionSubmit, "k1", "hash-a", time.Hour, time.Minute, true)
	if err != nil {
		t.Fatalf("second reserve failed: %v", err)
	}
	if reserved {
		t.Fatalf("committed key must not be re-reserved")
	}
	if row.Status != idempotency.StatusCommitted || row.OrderID != "EX-1" {
		t.Fatalf("expected committed row with order id, got %+v", row)
	}
}

func TestReservePayloadConflict(t *testing.T) {
	d, _ := newTestDB(t)

	if _, _, err := d.Reserve(idempotency.ActionSubmit, "k1", "hash-a", time.Hour, time.Minute, true); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	_, _, err := d.Reserve(idempotency.ActionSubmit, "k1", "hash-b", time.Hour, time.Minute, true)
	if !errors.Is(err, idempotency.ErrPayloadConflict) {
		t.Fatalf("expected ErrPayloadConflict, got %v", err)
	}
}

func TestReserveSameKeyDifferentAction(t *testing.T) {
	d, _ := newTestDB(t)

	if _, _, err := d.Reserve(idempotency.ActionSubmit, "k1", "hash-a", time.Hour, time.Minute, true); err != nil {
		t.Fatalf("submit reserve failed: %v", err)
	}
	_, reserved, err := d.Reserve(idempotency.ActionCancel, "k1", "hash-c", time.Hour, time.Minute, true)
	if err != nil {
		t.Fatalf("cancel reserve failed: %v", err)
	}
	if !reserved {
		t.Fatalf("same key under a different action type must reserve independently")
	}
}

func TestReserveFailedReopens(t *testing.T) {
	d, _ := newTestDB(t)

	if _, _, err := d.Reserve(idempotency.ActionSubmit, "k1", "hash-a", time.Hour, time.Minute, true); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := d.Finalize(idempotency.ActionSubmit, "k1", "", "cid-1", "", idempotency.StatusFailed); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}

	row, reserved, err := d.Reserve(idempotency.ActionSubmit, "k1", "hash-a", time.Hour, time.Minute, true)
	if err != nil {
		t.Fatalf("re-reserve failed: %v", err)
	}
	if !reserved || row.Status != idempotency.StatusPending {
		t.Fatalf("FAILED key should reopen as PENDING, got reserved=%v status=%s", reserved, row.Status)
	}
}

func TestReopenedKeyDropsStaleIdentifiers(t *testing.T) {
	d, _ := newTestDB(t)

	if _, _, err := d.Reserve(idempotency.ActionSubmit, "k1", "hash-a", time.Hour, time.Minute, true); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	// The first attempt died on a fatal venue rejection: the key fails
	// carrying the rejection placeholder as its order id.
	if err := d.Finalize(idempotency.ActionSubmit, "k1", "", "cid-1", "rejected:cid-1:http_400", idempotency.StatusFailed); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}

	row, reserved, err := d.Reserve(idempotency.ActionSubmit, "k1", "hash-a", time.Hour, time.Minute, true)
	if err != nil {
		t.Fatalf("re-reserve failed: %v", err)
	}
	if !reserved {
		t.Fatalf("FAILED key should reopen")
	}
	if row.ActionID != "" || row.ClientOrderID != "" || row.OrderID != "" {
		t.Fatalf("reopened key must not carry the prior attempt's identifiers: %+v", row)
	}

	// The retry succeeds: its real venue id must land, not the stale
	// placeholder.
	if err := d.Finalize(idempotency.ActionSubmit, "k1", "act-2", "cid-1", "EX-9", idempotency.StatusCommitted); err != nil {
		t.Fatalf("second finalize failed: %v", err)
	}
	got, err := d.Get(idempotency.ActionSubmit, "k1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != idempotency.StatusCommitted || got.OrderID != "EX-9" {
		t.Fatalf("expected COMMITTED with EX-9, got %+v", got)
	}
}

func TestReserveSimulatedPromotion(t *testing.T) {
	d, _ := newTestDB(t)

	if _, _, err := d.Reserve(idempotency.ActionSubmit, "k1", "hash-a", time.Hour, time.Minute, false); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := d.Finalize(idempotency.ActionSubmit, "k1", "", "cid-1", "", idempotency.StatusSimulated); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}

	// Another dry-run pass holds the simulation in place.
	_, reserved, err := d.Reserve(idempotency.ActionSubmit, "k1", "hash-a", time.Hour, time.Minute, false)
	if err != nil {
		t.Fatalf("dry-run re-reserve failed: %v", err)
	}
	if reserved {
		t.Fatalf("SIMULATED key must not re-reserve in dry run")
	}

	// A live pass promotes the simulation to a real PENDING attempt.
	row, reserved, err := d.Reserve(idempotency.ActionSubmit, "k1", "hash-a", time.Hour, time.Minute, true)
	if err != nil {
		t.Fatalf("live reserve failed: %v", err)
	}
	if !reserved || row.Status != idempotency.StatusPending {
		t.Fatalf("SIMULATED key should promote to PENDING live, got reserved=%v status=%s", reserved, row.Status)
	}
}

func TestReserveUnknownBlocks(t *testing.T) {
	d, _ := newTestDB(t)

	if _, _, err := d.Reserve(idempotency.ActionSubmit, "k1", "hash-a", time.Hour, time.Minute, true); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := d.Finalize(idempotency.ActionSubmit, "k1", "", "cid-1", "unknown:cid-1", idempotency.StatusUnknown); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}

	_, reserved, err := d.Reserve(idempotency.ActionSubmit, "k1", "hash-a", time.Hour, time.Minute, true)
	if err != nil {
		t.Fatalf("re-reserve failed: %v", err)
	}
	if reserved {
		t.Fatalf("UNKNOWN key must stay blocked: the venue effect may have happened")
	}
}

func TestResolveUnknownReplacesPlaceholder(t *testing.T) {
	d, _ := newTestDB(t)

	if _, _, err := d.Reserve(idempotency.ActionSubmit, "k1", "hash-a", time.Hour, time.Minute, true); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := d.Finalize(idempotency.ActionSubmit, "k1", "", "cid-1", "unknown:cid-1", idempotency.StatusUnknown); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}

	if err := d.ResolveUnknown(idempotency.ActionSubmit, "k1", "EX-7", idempotency.StatusCommitted); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	row, err := d.Get(idempotency.ActionSubmit, "k1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if row.Status != idempotency.StatusCommitted || row.OrderID != "EX-7" {
		t.Fatalf("expected COMMITTED with venue id replacing placeholder, got %+v", row)
	}

	// Resolution is single-shot: the key is no longer UNKNOWN.
	if err := d.ResolveUnknown(idempotency.ActionSubmit, "k1", "EX-8", idempotency.StatusFailed); err == nil {
		t.Fatalf("resolving a settled key must error")
	}
}

func TestFindUnknownReturnsLinkedOnly(t *testing.T) {
	d, _ := newTestDB(t)

	if _, _, err := d.Reserve(idempotency.ActionSubmit, "k1", "hash-a", time.Hour, time.Minute, true); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := d.Finalize(idempotency.ActionSubmit, "k1", "", "cid-1", "unknown:cid-1", idempotency.StatusUnknown); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if _, _, err := d.Reserve(idempotency.ActionSubmit, "k2", "hash-b", time.Hour, time.Minute, true); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	rows, err := d.FindUnknown()
	if err != nil {
		t.Fatalf("find unknown failed: %v", err)
	}
	if len(rows) != 1 || rows[0].Key != "k1" {
		t.Fatalf("expected exactly k1, got %+v", rows)
	}
}

func TestReserveStaleUnlinkedPending(t *testing.T) {
	d, db := newTestDB(t)

	if _, _, err := d.Reserve(idempotency.ActionSubmit, "k1", "hash-a", time.Hour, time.Minute, true); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	// Age the row past the grace window without linking any identifiers.
	ageKey(t, db, idempotency.ActionSubmit, "k1", 2*time.Minute)

	row, reserved, err := d.Reserve(idempotency.ActionSubmit, "k1", "hash-a", time.Hour, time.Minute, true)
	if err != nil {
		t.Fatalf("re-reserve failed: %v", err)
	}
	if !reserved || row.Status != idempotency.StatusPending {
		t.Fatalf("stale unlinked PENDING should fail and re-reserve, got reserved=%v status=%s", reserved, row.Status)
	}
}

func TestReserveStaleLinkedPendingStaysBlocked(t *testing.T) {
	d, db := newTestDB(t)

	if _, _, err := d.Reserve(idempotency.ActionSubmit, "k1", "hash-a", time.Hour, time.Minute, true); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	// Link a client order id: the venue call may have been issued.
	if err := d.Finalize(idempotency.ActionSubmit, "k1", "", "cid-1", "", idempotency.StatusPending); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	ageKey(t, db, idempotency.ActionSubmit, "k1", 2*time.Minute)

	_, reserved, err := d.Reserve(idempotency.ActionSubmit, "k1", "hash-a", time.Hour, time.Minute, true)
	if err != nil {
		t.Fatalf("re-reserve failed: %v", err)
	}
	if reserved {
		t.Fatalf("stale but linked PENDING must stay blocked for recovery, not re-reserve")
	}
}

func TestReserveExpiredTreatedAsAbsent(t *testing.T) {
	d, _ := newTestDB(t)

	if _, _, err := d.Reserve(idempotency.ActionSubmit, "k1", "hash-a", time.Millisecond, time.Minute, true); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := d.Finalize(idempotency.ActionSubmit, "k1", "act-1", "cid-1", "EX-1", idempotency.StatusCommitted); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	// Different payload under the expired key: no conflict, fresh attempt.
	row, reserved, err := d.Reserve(idempotency.ActionSubmit, "k1", "hash-b", time.Hour, time.Minute, true)
	if err != nil {
		t.Fatalf("re-reserve after expiry failed: %v", err)
	}
	if !reserved || row.Status != idempotency.StatusPending || row.PayloadHash != "hash-b" {
		t.Fatalf("expired key should reset to a fresh PENDING, got %+v reserved=%v", row, reserved)
	}
}

func TestFinalizeNeverErasesIdentifiers(t *testing.T) {
	d, _ := newTestDB(t)

	if _, _, err := d.Reserve(idempotency.ActionSubmit, "k1", "hash-a", time.Hour, time.Minute, true); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := d.Finalize(idempotency.ActionSubmit, "k1", "", "cid-1", "", idempotency.StatusPending); err != nil {
		t.Fatalf("first finalize failed: %v", err)
	}
	if err := d.Finalize(idempotency.ActionSubmit, "k1", "act-1", "cid-1", "EX-1", idempotency.StatusCommitted); err != nil {
		t.Fatalf("second finalize failed: %v", err)
	}

	row, err := d.Get(idempotency.ActionSubmit, "k1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if row.ClientOrderID != "cid-1" || row.OrderID != "EX-1" || row.ActionID != "act-1" {
		t.Fatalf("identifiers not accumulated: %+v", row)
	}
}

func TestFinalizeMissingKey(t *testing.T) {
	d, _ := newTestDB(t)
	if err := d.Finalize(idempotency.ActionSubmit, "absent", "", "", "", idempotency.StatusFailed); err == nil {
		t.Fatalf("finalize on a missing key must error")
	}
}

func TestFindStalePending(t *testing.T) {
	d, db := newTestDB(t)

	if _, _, err := d.Reserve(idempotency.ActionSubmit, "k1", "hash-a", time.Hour, time.Minute, true); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := d.Finalize(idempotency.ActionSubmit, "k1", "", "cid-1", "", idempotency.StatusPending); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	ageKey(t, db, idempotency.ActionSubmit, "k1", 2*time.Minute)

	// A second, linked-but-fresh row must not be picked up.
	if _, _, err := d.Reserve(idempotency.ActionSubmit, "k2", "hash-b", time.Hour, time.Minute, true); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if err := d.Finalize(idempotency.ActionSubmit, "k2", "", "cid-2", "", idempotency.StatusPending); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}

	rows, err := d.FindStalePending(time.Minute)
	if err != nil {
		t.Fatalf("find stale pending failed: %v", err)
	}
	if len(rows) != 1 || rows[0].Key != "k1" {
		t.Fatalf("expected exactly k1, got %+v", rows)
	}
}

func TestPruneRemovesOnlyExpired(t *testing.T) {
	d, _ := newTestDB(t)

	if _, _, err := d.Reserve(idempotency.ActionSubmit, "old", "hash-a", time.Millisecond, time.Minute, true); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if _, _, err := d.Reserve(idempotency.ActionSubmit, "live", "hash-b", time.Hour, time.Minute, true); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	pruned, err := d.Prune()
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned row, got %d", pruned)
	}

	row, err := d.Get(idempotency.ActionSubmit, "live")
	if err != nil || row == nil {
		t.Fatalf("live reservation should survive pruning: row=%v err=%v", row, err)
	}
	if gone, err := d.Get(idempotency.ActionSubmit, "old"); err != nil || gone != nil {
		t.Fatalf("expired reservation should be gone: row=%v err=%v", gone, err)
	}
}
