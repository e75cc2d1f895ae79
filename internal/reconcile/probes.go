package reconcile

import (
	"context"
	"time"

	"github.com/ksred/trading-engine/internal/ledger"
	"github.com/ksred/trading-engine/internal/types"
)

// NextProbeDelay returns the exponential backoff before the next unknown-order
// probe: initial × 2^attempts, capped at the configured maximum.
func (r *Reconciler) NextProbeDelay(attempts int) time.Duration {
	d := r.cfg.ProbeInitial
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= r.cfg.ProbeMax {
			return r.cfg.ProbeMax
		}
	}
	return d
}

// ProcessDueProbes re-reconciles every UNKNOWN order whose probe is due.
// A probe that still cannot confirm schedules the next one with backoff;
// after the configured attempt budget the order is escalated once, and the
// operator-configured levers (safe mode, kill switch) are pulled.
func (r *Reconciler) ProcessDueProbes(ctx context.Context) error {
	now := time.Now().UTC()
	due, err := r.orders.FindDueProbes(now)
	if err != nil {
		return err
	}

	for i := range due {
		ord := &due[i]
		outcome := r.ReconcileSubmit(ctx, ord)

		switch outcome.Status {
		case OutcomeConfirmed:
			if err := r.applyMatch(ord, outcome.Snapshot, now); err != nil {
				return err
			}
			r.logger.Info().
				Str("order_id", ord.OrderID).
				Str("resolved_order_id", outcome.OrderID).
				Str("reason", outcome.Reason).
				Msg("unknown order confirmed by probe")

		case OutcomeNotFound:
			// Both venue views answered and hold no trace: the write never
			// landed and the order is safe to treat as never placed.
			if err := r.orders.UpdateStatus(ord.OrderID, types.OrderStatusRejected, "not found on venue after probing", true, now, r.cfg.ProbeInitial); err != nil {
				return err
			}
			r.logger.Info().
				Str("order_id", ord.OrderID).
				Msg("unknown order resolved as never placed")

		case OutcomeUnknown:
			attempts := ord.ProbeAttempts + 1
			next := now.Add(r.NextProbeDelay(attempts))
			if err := r.orders.UpdateProbe(ord.OrderID, attempts, now, next); err != nil {
				return err
			}
			if attempts >= r.cfg.EscalateAttempts && ord.EscalatedAt == nil {
				r.escalate(ord, attempts, now)
			}
		}
	}
	return nil
}

// escalate records the escalation and pulls the operator-configured levers.
// Which levers fire is policy, not hardcoded behavior.
func (r *Reconciler) escalate(ord *ledger.Order, attempts int, now time.Time) {
	if err := r.orders.MarkEscalated(ord.OrderID, now); err != nil {
		r.logger.Error().Err(err).Str("order_id", ord.OrderID).Msg("failed to mark escalation")
	}

	r.logger.Error().
		Str("order_id", ord.OrderID).
		Str("symbol", ord.Symbol).
		Int("probe_attempts", attempts).
		Time("unknown_since", firstSeen(ord, now)).
		Bool("force_safe_mode", r.cfg.ForceSafeMode).
		Bool("force_kill_switch", r.cfg.ForceKillSwitch).
		Msg("unknown order escalated: probe budget exhausted")

	if r.escalator == nil {
		return
	}
	reason := "unknown order " + ord.OrderID + " unresolved after probing"
	if r.cfg.ForceSafeMode {
		r.escalator.ForceSafeMode(reason)
	}
	if r.cfg.ForceKillSwitch {
		r.escalator.ForceKillSwitch(reason)
	}
}

func firstSeen(ord *ledger.Order, fallback time.Time) time.Time {
	if ord.UnknownFirstSeenAt != nil {
		return *ord.UnknownFirstSeenAt
	}
	return fallback
}
