package execution

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ksred/trading-engine/internal/idempotency"
	"github.com/ksred/trading-engine/internal/ledger"
	"github.com/ksred/trading-engine/internal/reconcile"
	"github.com/ksred/trading-engine/internal/retry"
	"github.com/ksred/trading-engine/internal/types"
)

// CancelOrders runs a cancellation pass. Cancels are allowed while unknown
// orders are present: removing exposure is always permitted, only adding it
// is frozen. Safe mode and the kill switch do not block cancels either.
func (o *Orchestrator) CancelOrders(ctx context.Context, cycleID string, targets []CancelTarget) []CancelResult {
	results := make([]CancelResult, 0, len(targets))
	for _, target := range targets {
		results = append(results, o.cancelOne(ctx, cycleID, target))
	}
	return results
}

func (o *Orchestrator) cancelOne(ctx context.Context, cycleID string, target CancelTarget) CancelResult {
	ord, err := o.lookupTarget(target)
	if err != nil {
		return CancelResult{Target: target, Status: IntentFailed, Reason: err.Error()}
	}
	if ord == nil {
		return CancelResult{Target: target, Status: IntentFailed, Reason: "order not in ledger"}
	}
	if ord.Status.IsTerminal() {
		// Nothing resting to cancel; the venue would only error.
		return CancelResult{Target: target, Status: IntentDuplicate, Reason: "order already terminal: " + string(ord.Status)}
	}

	key := cancelKey(ord)
	payloadHash := cancelPayloadHash(ord)
	live := !o.controls.DryRun()

	reservation, reserved, err := o.idem.Reserve(
		idempotency.ActionCancel, key, payloadHash,
		o.cfg.CancelKeyTTL, o.cfg.StalePendingGrace, live,
	)
	if err != nil {
		return CancelResult{Target: target, Status: IntentFailed, Reason: err.Error()}
	}
	if !reserved {
		return CancelResult{Target: target, Status: IntentDuplicate, Reason: "cancel reservation held with status " + reservation.Status}
	}

	if !live {
		if err := o.idem.Finalize(idempotency.ActionCancel, key, "", ord.ClientOrderID, ord.OrderID, idempotency.StatusSimulated); err != nil {
			return CancelResult{Target: target, Status: IntentFailed, Reason: err.Error()}
		}
		return CancelResult{Target: target, Status: IntentSimulated, Reason: ReasonDryRun}
	}

	if err := o.idem.Finalize(idempotency.ActionCancel, key, "", ord.ClientOrderID, ord.OrderID, idempotency.StatusPending); err != nil {
		return CancelResult{Target: target, Status: IntentFailed, Reason: err.Error()}
	}

	callErr := o.callCancel(ctx, ord)
	now := time.Now().UTC()

	switch {
	case callErr == nil:
		o.breaker.RecordSuccess()
		actionID := o.recordCancelAction(cycleID, payloadHash, ord, "cancel acknowledged")
		if err := o.orders.UpdateStatus(ord.OrderID, types.OrderStatusCanceled, "CANCELED", false, now, o.cfg.UnknownProbeInitial); err != nil {
			return CancelResult{Target: target, Status: IntentFailed, Reason: err.Error()}
		}
		if err := o.idem.Finalize(idempotency.ActionCancel, key, actionID, ord.ClientOrderID, ord.OrderID, idempotency.StatusCommitted); err != nil {
			return CancelResult{Target: target, Status: IntentFailed, Reason: err.Error()}
		}
		o.logger.Info().
			Str("order_id", ord.OrderID).
			Str("client_order_id", ord.ClientOrderID).
			Msg("order canceled")
		return CancelResult{Target: target, Status: IntentSubmitted}

	case retry.IsFatal(callErr):
		// Most commonly "unknown order": the order filled or was already
		// canceled before our request landed. Resolve via reconciliation
		// rather than trusting the error text.
		actionID := o.recordCancelAction(cycleID, payloadHash, ord, "cancel rejected: "+callErr.Error())
		return o.resolveCancel(ctx, key, actionID, ord, target, callErr)

	default:
		o.breaker.RecordFailure()
		return o.resolveCancel(ctx, key, "", ord, target, callErr)
	}
}

// resolveCancel consults venue truth after a cancel whose effect is unclear.
func (o *Orchestrator) resolveCancel(ctx context.Context, key, actionID string, ord *ledger.Order, target CancelTarget, cause error) CancelResult {
	now := time.Now().UTC()
	outcome := o.reconciler.ReconcileCancel(ctx, ord)

	switch outcome.Status {
	case reconcile.OutcomeConfirmed:
		// Order is terminal on the venue. May be CANCELED or FILLED; the
		// snapshot says which.
		if err := o.orders.UpdateStatus(ord.OrderID, outcome.Snapshot.Status, string(outcome.Snapshot.Status), true, now, o.cfg.UnknownProbeInitial); err != nil {
			return CancelResult{Target: target, Status: IntentFailed, Reason: err.Error()}
		}
		if err := o.idem.Finalize(idempotency.ActionCancel, key, actionID, ord.ClientOrderID, ord.OrderID, idempotency.StatusCommitted); err != nil {
			return CancelResult{Target: target, Status: IntentFailed, Reason: err.Error()}
		}
		return CancelResult{Target: target, Status: IntentConfirmed, Reason: outcome.Reason}

	case reconcile.OutcomeNotFound:
		// Still open, or vanished entirely. Either way the cancel did not
		// take effect; fail the key so a later pass retries.
		if err := o.idem.Finalize(idempotency.ActionCancel, key, "", ord.ClientOrderID, ord.OrderID, idempotency.StatusFailed); err != nil {
			return CancelResult{Target: target, Status: IntentFailed, Reason: err.Error()}
		}
		return CancelResult{Target: target, Status: IntentFailed, Reason: outcome.Reason + ": " + cause.Error()}

	default:
		// Cannot tell whether the order is resting or gone. Freeze it.
		if err := o.orders.UpdateStatus(ord.OrderID, types.OrderStatusUnknown, "uncertain cancel: "+cause.Error(), false, now, o.cfg.UnknownProbeInitial); err != nil {
			return CancelResult{Target: target, Status: IntentFailed, Reason: err.Error()}
		}
		if err := o.idem.Finalize(idempotency.ActionCancel, key, "", ord.ClientOrderID, ord.OrderID, idempotency.StatusUnknown); err != nil {
			return CancelResult{Target: target, Status: IntentFailed, Reason: err.Error()}
		}
		o.registry.MarkUnknown(ord.OrderID, "uncertain cancel: "+cause.Error(), now)
		return CancelResult{Target: target, Status: IntentUnknown, Reason: ReasonOutcomeUnknown}
	}
}

func (o *Orchestrator) callCancel(ctx context.Context, ord *ledger.Order) error {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.VenueTimeout)
	defer cancel()

	// Placeholder ids are local inventions; the venue only knows the cid.
	if ledger.IsPlaceholderID(ord.OrderID) {
		_, err := o.venue.CancelOrderByClientOrderID(callCtx, ord.ClientOrderID)
		return err
	}
	_, err := o.venue.CancelOrderByExchangeID(callCtx, ord.OrderID)
	return err
}

func (o *Orchestrator) lookupTarget(target CancelTarget) (*ledger.Order, error) {
	if target.OrderID != "" {
		return o.orders.Get(target.OrderID)
	}
	if target.ClientOrderID != "" {
		return o.orders.GetByClientOrderID(target.ClientOrderID)
	}
	return nil, fmt.Errorf("cancel target needs an order id or client order id")
}

func (o *Orchestrator) recordCancelAction(cycleID, payloadHash string, ord *ledger.Order, metadata string) string {
	return o.recordActionTyped(cycleID, idempotency.ActionCancel, payloadHash, ord.ClientOrderID, ord.OrderID, metadata)
}

// cancelKey scopes a cancel reservation to the order, not the cycle: two
// cycles asking to cancel the same order are the same action.
func cancelKey(ord *ledger.Order) string {
	if ord.ClientOrderID != "" {
		return "cancel:" + ord.ClientOrderID
	}
	return "cancel:" + ord.OrderID
}

func cancelPayloadHash(ord *ledger.Order) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("cancel|%s|%s", ord.OrderID, ord.ClientOrderID)))
	return hex.EncodeToString(h[:])
}
