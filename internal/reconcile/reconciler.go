// Package reconcile resolves "did this write happen?" by querying venue-side
// truth sources and matching what comes back against the order ledger. It is
// the only component allowed to turn an UNKNOWN order back into a known one.
package reconcile

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/trading-engine/internal/ledger"
	"github.com/ksred/trading-engine/internal/retry"
	"github.com/ksred/trading-engine/internal/types"
	"github.com/ksred/trading-engine/internal/venue"
)

// OutcomeStatus classifies one reconciliation result.
type OutcomeStatus string

const (
	// OutcomeConfirmed: the order was found on the venue (for a submit,
	// existence alone proves the write landed).
	OutcomeConfirmed OutcomeStatus = "CONFIRMED"
	// OutcomeUnknown: nothing found but a query failed, or the order could
	// still be in flight. Not safe to conclude anything.
	OutcomeUnknown OutcomeStatus = "UNKNOWN"
	// OutcomeNotFound: both queries succeeded and found nothing resembling
	// the order. For a submit this means "safe to treat as never placed".
	OutcomeNotFound OutcomeStatus = "NOT_FOUND"
)

// Outcome is recomputed fresh on every call and never persisted as an entity;
// only its effect on the order ledger is persisted.
type Outcome struct {
	Status  OutcomeStatus
	OrderID string // resolved venue order id when CONFIRMED
	Reason  string
	// Snapshot is the matched venue view, set when CONFIRMED.
	Snapshot *types.OrderSnapshot
}

// Config carries the reconciler's knobs, read once at construction.
type Config struct {
	Buffer            time.Duration // pulled back before first-seen when querying recent orders
	MaxLookback       time.Duration // hard cap on the recent-orders window
	ProbeInitial      time.Duration
	ProbeMax          time.Duration
	EscalateAttempts  int
	ForceSafeMode     bool // operator policy: escalation flips safe mode
	ForceKillSwitch   bool // operator policy: escalation flips the kill switch
}

// Escalator receives escalation signals for unknown orders that outlived the
// probe budget. Which levers it pulls is operator-configured policy.
type Escalator interface {
	ForceSafeMode(reason string)
	ForceKillSwitch(reason string)
}

// Reconciler resolves ambiguous orders against the venue.
type Reconciler struct {
	venue     venue.Client
	orders    *ledger.Database
	policy    retry.Policy
	cfg       Config
	escalator Escalator
	logger    zerolog.Logger
}

func NewReconciler(v venue.Client, orders *ledger.Database, policy retry.Policy, cfg Config, esc Escalator) *Reconciler {
	return &Reconciler{
		venue:     v,
		orders:    orders,
		policy:    policy,
		cfg:       cfg,
		escalator: esc,
		logger:    log.With().Str("component", "reconciler").Logger(),
	}
}

// window computes the recent-orders query bounds for ord: start is pulled
// back to the first-seen time minus the buffer, capped at the max lookback.
func (r *Reconciler) window(ord *ledger.Order, now time.Time) (time.Time, time.Time) {
	anchor := ord.CreatedAt
	if ord.UnknownFirstSeenAt != nil {
		anchor = *ord.UnknownFirstSeenAt
	}
	start := anchor.Add(-r.cfg.Buffer)
	if floor := now.Add(-r.cfg.MaxLookback); start.Before(floor) {
		start = floor
	}
	return start, now
}

// ReconcileSubmit resolves whether a submit write landed. Existence of any
// match is confirmation; NOT_FOUND requires both venue queries to succeed.
func (r *Reconciler) ReconcileSubmit(ctx context.Context, ord *ledger.Order) Outcome {
	now := time.Now().UTC()
	start, end := r.window(ord, now)
	partialFailure := false

	// Tier 1: the open-orders view.
	var open *venue.OpenOrders
	err := r.policy.Do(ctx, "get_open_orders", func(ctx context.Context) error {
		var err error
		open, err = r.venue.GetOpenOrders(ctx, ord.Symbol)
		return err
	})
	if err != nil {
		partialFailure = true
		r.logger.Warn().Err(err).Str("symbol", ord.Symbol).Msg("open-orders query failed during reconciliation")
	} else if snap := matchSnapshot(ord, open.All(), start, end); snap != nil {
		return Outcome{
			Status:   OutcomeConfirmed,
			OrderID:  snap.OrderID,
			Reason:   "matched in open orders",
			Snapshot: snap,
		}
	}

	// Tier 2: the recent-orders view, bounded by the lookback window.
	var recent []types.OrderSnapshot
	err = r.policy.Do(ctx, "get_all_orders", func(ctx context.Context) error {
		var err error
		recent, err = r.venue.GetAllOrders(ctx, ord.Symbol, start.UnixMilli(), end.UnixMilli())
		return err
	})
	if err != nil {
		partialFailure = true
		r.logger.Warn().Err(err).Str("symbol", ord.Symbol).Msg("recent-orders query failed during reconciliation")
	} else if snap := matchSnapshot(ord, recent, start, end); snap != nil {
		return Outcome{
			Status:   OutcomeConfirmed,
			OrderID:  snap.OrderID,
			Reason:   "matched in recent orders",
			Snapshot: snap,
		}
	}

	if partialFailure {
		return Outcome{Status: OutcomeUnknown, Reason: "venue queries partially failed"}
	}
	return Outcome{Status: OutcomeNotFound, Reason: "no trace of order in open or recent views"}
}

// ReconcileCancel resolves whether a cancel landed: the order must be absent
// from open orders and carry a terminal status in the recent view.
func (r *Reconciler) ReconcileCancel(ctx context.Context, ord *ledger.Order) Outcome {
	now := time.Now().UTC()
	start, end := r.window(ord, now)

	var open *venue.OpenOrders
	err := r.policy.Do(ctx, "get_open_orders", func(ctx context.Context) error {
		var err error
		open, err = r.venue.GetOpenOrders(ctx, ord.Symbol)
		return err
	})
	if err != nil {
		return Outcome{Status: OutcomeUnknown, Reason: "open-orders query failed"}
	}
	if snap := matchSnapshot(ord, open.All(), start, end); snap != nil {
		// Still resting: the cancel write did not land.
		return Outcome{Status: OutcomeNotFound, OrderID: snap.OrderID, Reason: "order still open on venue", Snapshot: snap}
	}

	var recent []types.OrderSnapshot
	err = r.policy.Do(ctx, "get_all_orders", func(ctx context.Context) error {
		var err error
		recent, err = r.venue.GetAllOrders(ctx, ord.Symbol, start.UnixMilli(), end.UnixMilli())
		return err
	})
	if err != nil {
		return Outcome{Status: OutcomeUnknown, Reason: "recent-orders query failed"}
	}
	if snap := matchSnapshot(ord, recent, start, end); snap != nil {
		if snap.Status.IsTerminal() {
			return Outcome{
				Status:   OutcomeConfirmed,
				OrderID:  snap.OrderID,
				Reason:   "terminal status in recent orders: " + string(snap.Status),
				Snapshot: snap,
			}
		}
		return Outcome{Status: OutcomeUnknown, OrderID: snap.OrderID, Reason: "order in transition on venue", Snapshot: snap}
	}

	return Outcome{Status: OutcomeNotFound, Reason: "order absent from venue views"}
}

// RefreshOrders is the batch-start lifecycle refresh: every open or unknown
// order for the given symbols is checked against the venue and the ledger
// updated to match. The returned error is non-nil when any venue query
// failed, in which case the caller must not clear the unknown registry.
func (r *Reconciler) RefreshOrders(ctx context.Context, symbols []string) error {
	working, err := r.orders.FindOpenOrUnknown(symbols)
	if err != nil {
		return err
	}
	if len(working) == 0 {
		return nil
	}

	bySymbol := make(map[string][]ledger.Order)
	for _, ord := range working {
		bySymbol[ord.Symbol] = append(bySymbol[ord.Symbol], ord)
	}

	var firstErr error
	now := time.Now().UTC()
	for symbol, orders := range bySymbol {
		if err := r.refreshSymbol(ctx, symbol, orders, now); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Reconciler) refreshSymbol(ctx context.Context, symbol string, orders []ledger.Order, now time.Time) error {
	// One pair of venue queries per symbol covers every working order in it.
	windowStart := now
	for i := range orders {
		s, _ := r.window(&orders[i], now)
		if s.Before(windowStart) {
			windowStart = s
		}
	}

	var open *venue.OpenOrders
	err := r.policy.Do(ctx, "get_open_orders", func(ctx context.Context) error {
		var err error
		open, err = r.venue.GetOpenOrders(ctx, symbol)
		return err
	})
	if err != nil {
		return err
	}

	var recent []types.OrderSnapshot
	err = r.policy.Do(ctx, "get_all_orders", func(ctx context.Context) error {
		var err error
		recent, err = r.venue.GetAllOrders(ctx, symbol, windowStart.UnixMilli(), now.UnixMilli())
		return err
	})
	if err != nil {
		return err
	}

	snaps := append(open.All(), recent...)
	for i := range orders {
		ord := &orders[i]
		snap := matchSnapshot(ord, snaps, windowStart, now)
		if snap == nil {
			// Unknown orders stay unknown until a probe or this refresh finds
			// them; open orders missing from both views become unknown.
			if ord.Status != types.OrderStatusUnknown {
				r.logger.Warn().
					Str("order_id", ord.OrderID).
					Str("symbol", symbol).
					Msg("working order missing from venue views, marking unknown")
				if err := r.orders.UpdateStatus(ord.OrderID, types.OrderStatusUnknown, "missing from venue views", true, now, r.cfg.ProbeInitial); err != nil {
					return err
				}
			}
			continue
		}

		if err := r.applyMatch(ord, snap, now); err != nil {
			return err
		}
	}
	return nil
}

// applyMatch converges the ledger row onto the venue's view of the order.
func (r *Reconciler) applyMatch(ord *ledger.Order, snap *types.OrderSnapshot, now time.Time) error {
	if ord.OrderID != snap.OrderID && ledger.IsPlaceholderID(ord.OrderID) {
		// Converge the placeholder row onto the venue id first, then route
		// the status change through UpdateStatus so probe bookkeeping clears.
		resolved := &ledger.Order{
			OrderID:            snap.OrderID,
			ClientOrderID:      ord.ClientOrderID,
			Symbol:             ord.Symbol,
			Side:               ord.Side,
			Price:              ord.Price,
			Quantity:           ord.Quantity,
			Status:             ord.Status,
			UnknownFirstSeenAt: ord.UnknownFirstSeenAt,
			LastSeenAt:         &now,
		}
		if err := r.orders.Save(resolved, true, ord.ExchangeStatusRaw); err != nil {
			return err
		}
		r.logger.Info().
			Str("placeholder", ord.OrderID).
			Str("order_id", snap.OrderID).
			Str("status", string(snap.Status)).
			Msg("placeholder order resolved against venue")
	}
	return r.orders.UpdateStatus(snap.OrderID, snap.Status, string(snap.Status), true, now, r.cfg.ProbeInitial)
}
