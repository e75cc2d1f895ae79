package execution

import (
	"context"
	"time"

	"github.com/ksred/trading-engine/internal/idempotency"
	"github.com/ksred/trading-engine/internal/ledger"
	"github.com/ksred/trading-engine/internal/types"
)

// RecoverStalePending resolves reservations that were linked to a client
// order id but never finalized, which happens when the process dies between
// the venue call and the outcome write. Recovery probes the venue by exact
// client order id only; with no trusted order row there is nothing safe to
// fuzzy-match against.
func (o *Orchestrator) RecoverStalePending(ctx context.Context) error {
	stale, err := o.idem.FindStalePending(o.cfg.StalePendingGrace)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	for _, res := range stale {
		res := res
		if err := o.recoverOne(ctx, &res, now); err != nil {
			o.logger.Warn().
				Err(err).
				Str("action_type", res.ActionType).
				Str("key", res.Key).
				Int("attempts", res.RecoveryAttempts).
				Msg("stale reservation recovery probe failed")
			next := now.Add(o.reconciler.NextProbeDelay(res.RecoveryAttempts))
			if updErr := o.idem.UpdateRecovery(res.ActionType, res.Key, res.RecoveryAttempts+1, next); updErr != nil {
				return updErr
			}
		}
	}
	return nil
}

// ResolveUnknownReservations converges UNKNOWN reservations onto what the
// probe loop has since established. A reservation leaves UNKNOWN only once
// its order row carries venue-confirmed truth; probing the venue itself is
// the probe loop's job, not this pass's.
func (o *Orchestrator) ResolveUnknownReservations() error {
	open, err := o.idem.FindUnknown()
	if err != nil {
		return err
	}
	for _, res := range open {
		ord, err := o.orders.GetByClientOrderID(res.ClientOrderID)
		if err != nil {
			return err
		}
		if ord == nil || !ord.Reconciled {
			continue
		}
		status := reservationOutcome(res.ActionType, ord.Status)
		if status == "" {
			continue
		}
		orderID := ""
		if !ledger.IsPlaceholderID(ord.OrderID) {
			orderID = ord.OrderID
		}
		if err := o.idem.ResolveUnknown(res.ActionType, res.Key, orderID, status); err != nil {
			return err
		}
		o.logger.Info().
			Str("action_type", res.ActionType).
			Str("key", res.Key).
			Str("client_order_id", res.ClientOrderID).
			Str("status", status).
			Msg("unknown reservation resolved from reconciled ledger")
	}
	return nil
}

// reservationOutcome maps a reconciled order status onto the reservation
// outcome for the given action. Empty means leave the reservation as is.
func reservationOutcome(actionType string, status types.OrderStatus) string {
	if status == types.OrderStatusUnknown {
		return ""
	}
	switch actionType {
	case idempotency.ActionSubmit:
		// A reconciled REJECTED row means the write never landed; the key
		// fails so a later cycle can retry. Anything else on the venue means
		// the submit took effect.
		if status == types.OrderStatusRejected {
			return idempotency.StatusFailed
		}
		return idempotency.StatusCommitted
	case idempotency.ActionCancel:
		if status == types.OrderStatusCanceled {
			return idempotency.StatusCommitted
		}
		return idempotency.StatusFailed
	default:
		return ""
	}
}

func (o *Orchestrator) recoverOne(ctx context.Context, res *idempotency.Reservation, now time.Time) error {
	ord, err := o.orders.GetByClientOrderID(res.ClientOrderID)
	if err != nil {
		return err
	}
	if ord == nil {
		// Linked cid with no order row means the crash hit before the
		// pre-write record landed, so no venue call can have been issued.
		o.logger.Info().
			Str("key", res.Key).
			Str("client_order_id", res.ClientOrderID).
			Msg("stale reservation has no order row, failing for re-reserve")
		return o.idem.Finalize(res.ActionType, res.Key, "", res.ClientOrderID, "", idempotency.StatusFailed)
	}

	snap, err := o.probeByClientOrderID(ctx, ord.Symbol, res.ClientOrderID, ord.CreatedAt)
	if err != nil {
		return err
	}

	if snap == nil {
		// Both venue views read cleanly and neither knows the cid: the write
		// never landed.
		if !ord.Status.IsTerminal() {
			if err := o.orders.UpdateStatus(ord.OrderID, types.OrderStatusRejected, "not found on venue during recovery", true, now, o.cfg.UnknownProbeInitial); err != nil {
				return err
			}
		}
		o.logger.Info().
			Str("key", res.Key).
			Str("client_order_id", res.ClientOrderID).
			Msg("stale reservation resolved: order never reached venue")
		return o.idem.Finalize(res.ActionType, res.Key, "", res.ClientOrderID, "", idempotency.StatusFailed)
	}

	// The write landed. Converge the ledger row onto the venue id and commit
	// the reservation.
	resolved := &ledger.Order{
		OrderID:       snap.OrderID,
		ClientOrderID: res.ClientOrderID,
		Symbol:        snap.Symbol,
		Side:          snap.Side,
		Price:         snap.Price,
		Quantity:      snap.Quantity,
		Status:        ord.Status,
	}
	if err := o.orders.Save(resolved, true, string(snap.Status)); err != nil {
		return err
	}
	if err := o.orders.UpdateStatus(snap.OrderID, snap.Status, string(snap.Status), true, now, o.cfg.UnknownProbeInitial); err != nil {
		return err
	}
	o.logger.Info().
		Str("key", res.Key).
		Str("order_id", snap.OrderID).
		Str("client_order_id", res.ClientOrderID).
		Str("status", string(snap.Status)).
		Msg("stale reservation resolved: order found on venue")
	return o.idem.Finalize(res.ActionType, res.Key, "", res.ClientOrderID, snap.OrderID, idempotency.StatusCommitted)
}

// probeByClientOrderID checks the open-order view first, then the recent
// history around the attempt time. Returns nil with no error only when both
// reads succeed and neither contains the cid.
func (o *Orchestrator) probeByClientOrderID(ctx context.Context, symbol, cid string, attemptedAt time.Time) (*types.OrderSnapshot, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.VenueTimeout)
	defer cancel()

	open, err := o.venue.GetOpenOrders(callCtx, symbol)
	if err != nil {
		return nil, err
	}
	for _, snap := range open.All() {
		if snap.ClientOrderID == cid {
			s := snap
			return &s, nil
		}
	}

	start := attemptedAt.Add(-o.cfg.ReconcileBuffer)
	if min := time.Now().UTC().Add(-o.cfg.ReconcileMaxLookback); start.Before(min) {
		start = min
	}
	recent, err := o.venue.GetAllOrders(callCtx, symbol, start.UnixMilli(), time.Now().UTC().UnixMilli())
	if err != nil {
		return nil, err
	}
	for _, snap := range recent {
		if snap.ClientOrderID == cid {
			s := snap
			return &s, nil
		}
	}
	return nil, nil
}
