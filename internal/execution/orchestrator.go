// Package execution is the per-intent state machine that ties the ledgers,
// the retry policy, and the reconciler together: gate checks, idempotency
// reservation, the venue call, outcome classification, and ledger updates.
package execution

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/trading-engine/internal/config"
	"github.com/ksred/trading-engine/internal/idempotency"
	"github.com/ksred/trading-engine/internal/ledger"
	"github.com/ksred/trading-engine/internal/reconcile"
	"github.com/ksred/trading-engine/internal/retry"
	"github.com/ksred/trading-engine/internal/types"
	"github.com/ksred/trading-engine/internal/unknown"
	"github.com/ksred/trading-engine/internal/venue"
)

// Orchestrator executes batches of order intents with at-most-once venue
// semantics. One orchestration pass processes a batch per cycle; venue calls
// run concurrently across symbols while each client order id's
// submit→reconcile sequence stays strictly ordered.
type Orchestrator struct {
	cfg        *config.Config
	controls   *Controls
	venue      venue.Client
	idem       *idempotency.Database
	orders     *ledger.Database
	registry   *unknown.Registry
	reconciler *reconcile.Reconciler
	breaker    *venue.Breaker
	policy     retry.Policy
	rules      map[string]types.SymbolRule
	logger     zerolog.Logger
}

func NewOrchestrator(
	cfg *config.Config,
	controls *Controls,
	v venue.Client,
	idem *idempotency.Database,
	orders *ledger.Database,
	registry *unknown.Registry,
	reconciler *reconcile.Reconciler,
	breaker *venue.Breaker,
	rules map[string]types.SymbolRule,
) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		controls:   controls,
		venue:      v,
		idem:       idem,
		orders:     orders,
		registry:   registry,
		reconciler: reconciler,
		breaker:    breaker,
		policy:     retry.NewPolicy(cfg.RetryBaseDelay, cfg.RetryMaxDelay, cfg.RetryMaxAttempts, cfg.RetryMaxElapsed),
		rules:      rules,
		logger:     log.With().Str("component", "orchestrator").Logger(),
	}
}

// ExecuteIntents runs one orchestration pass over a batch of intents.
// It returns ErrSubmitBlocked when unknown orders freeze the engine; batch
// suppression by other gates is reported per intent, not as an error.
func (o *Orchestrator) ExecuteIntents(ctx context.Context, cycleID string, intents []types.OrderIntent) (*BatchResult, error) {
	result := &BatchResult{CycleID: cycleID}
	if len(intents) == 0 {
		return result, nil
	}

	symbols := uniqueSymbols(intents)

	// Refresh lifecycle state from the venue before gating: a stale view of
	// open orders must never admit a new write. A failed refresh keeps the
	// unknown registry frozen.
	refreshErr := o.reconciler.RefreshOrders(ctx, symbols)
	if refreshErr != nil {
		o.logger.Warn().Err(refreshErr).Msg("pre-batch lifecycle refresh failed")
	}
	rows, ledgerErr := o.orders.FindUnknown()
	if ledgerErr != nil {
		o.logger.Error().Err(ledgerErr).Msg("unknown-order query failed, registry left frozen")
	}
	o.registry.SyncSnapshot(rows, refreshErr != nil || ledgerErr != nil)

	// Global gates, each a hard stop with a distinct signal.
	if reason := o.batchGate(); reason != "" {
		for _, intent := range intents {
			o.suppress(result, intent, reason)
		}
		if reason == ReasonUnknownOrders {
			return result, ErrSubmitBlocked
		}
		return result, nil
	}

	balances, balanceErr := o.fetchBalances(ctx)

	// Submit concurrently across symbols; strictly ordered within a symbol so
	// no client order id ever has two writes in flight.
	grouped := groupBySymbol(intents)
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	errs := make([]error, 0)
	for _, group := range grouped {
		group := group
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, intent := range group {
				res, err := o.processIntent(ctx, cycleID, intent, balances, balanceErr)
				mu.Lock()
				result.Results = append(result.Results, res)
				if err != nil {
					errs = append(errs, err)
				}
				mu.Unlock()
				if err != nil {
					// A payload conflict or storage fault poisons the rest of
					// this symbol's queue; stop before issuing more writes.
					return
				}
			}
		}()
	}
	wg.Wait()

	if len(errs) > 0 {
		return result, errs[0]
	}
	return result, nil
}

// batchGate checks the global gates in their specified order and returns the
// first matching suppression reason, or "".
func (o *Orchestrator) batchGate() string {
	if o.controls.SafeMode() {
		return ReasonSafeMode
	}
	if o.controls.KillSwitch() {
		return ReasonKillSwitch
	}
	if !o.breaker.Allow() {
		return ReasonVenueDegraded
	}
	if o.registry.HasUnknown() {
		return ReasonUnknownOrders
	}
	return ""
}

func (o *Orchestrator) processIntent(ctx context.Context, cycleID string, intent types.OrderIntent, balances map[string]float64, balanceErr error) (IntentResult, error) {
	rule := o.ruleFor(intent.Symbol)

	q, err := quantizeIntent(intent, rule, o.cfg.MinNotionalFallback)
	if err != nil {
		return o.reject(intent, ReasonBelowMinNotional, err.Error()), nil
	}

	live := !o.controls.DryRun()
	if live {
		if balanceErr != nil {
			if o.cfg.RequireInventoryProof {
				return o.reject(intent, ReasonBalancesUnavailable, balanceErr.Error()), nil
			}
		} else if err := checkBalance(balances, rule, intent.Side, q, o.cfg.FeeRate, o.cfg.BalanceSafetyBuffer); err != nil {
			return o.reject(intent, ReasonInsufficientBalance, err.Error()), nil
		}
	}

	cid := clientOrderID(intent, q)
	key := idempotencyKey(intent)
	payloadHash := hashPayload(intent, q)

	reservation, reserved, err := o.idem.Reserve(
		idempotency.ActionSubmit, key, payloadHash,
		o.cfg.SubmitKeyTTL, o.cfg.StalePendingGrace, live,
	)
	if err != nil {
		// Includes ErrPayloadConflict: a logic bug mapping two intents onto
		// one key. Surfaced loudly, never silently resolved.
		return IntentResult{Intent: intent, Status: IntentRejected, Reason: ReasonDuplicateIntent, Detail: err.Error()}, err
	}
	if !reserved {
		o.decision(intent, ReasonDuplicateIntent, "reservation held with status "+reservation.Status)
		return IntentResult{
			Intent:        intent,
			Status:        IntentDuplicate,
			Reason:        ReasonDuplicateIntent,
			Detail:        reservation.Status,
			OrderID:       reservation.OrderID,
			ClientOrderID: reservation.ClientOrderID,
		}, nil
	}

	if !live {
		return o.simulate(cycleID, intent, q, key, payloadHash, cid)
	}

	return o.submitLive(ctx, cycleID, intent, q, key, payloadHash, cid)
}

// simulate records the attempt without touching the venue.
func (o *Orchestrator) simulate(cycleID string, intent types.OrderIntent, q quantized, key, payloadHash, cid string) (IntentResult, error) {
	if err := o.idem.Finalize(idempotency.ActionSubmit, key, "", cid, "", idempotency.StatusSimulated); err != nil {
		return IntentResult{Intent: intent, Status: IntentRejected, Detail: err.Error()}, err
	}
	o.decision(intent, ReasonDryRun, "no venue call issued")
	return IntentResult{Intent: intent, Status: IntentSimulated, Reason: ReasonDryRun, ClientOrderID: cid}, nil
}

// submitLive issues the venue write and walks the outcome state machine.
func (o *Orchestrator) submitLive(ctx context.Context, cycleID string, intent types.OrderIntent, q quantized, key, payloadHash, cid string) (IntentResult, error) {
	now := time.Now().UTC()

	// Persist the attempt before the write: a crash after this point leaves a
	// linked reservation that stale-pending recovery can resolve by cid.
	pre := &ledger.Order{
		OrderID:       ledger.UnknownOrderID(cid),
		ClientOrderID: cid,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Price:         q.Price,
		Quantity:      q.Quantity,
		Status:        types.OrderStatusNew,
	}
	if err := o.orders.Save(pre, false, ""); err != nil {
		return IntentResult{Intent: intent, Status: IntentRejected, Detail: err.Error()}, err
	}
	if err := o.idem.Finalize(idempotency.ActionSubmit, key, "", cid, "", idempotency.StatusPending); err != nil {
		return IntentResult{Intent: intent, Status: IntentRejected, Detail: err.Error()}, err
	}

	res := o.callSubmit(ctx, intent, q, cid)

	switch res.kind {
	case resultCommitted:
		o.breaker.RecordSuccess()
		actionID := o.recordAction(cycleID, payloadHash, cid, res.ack.ExchangeOrderID, "submit acknowledged")
		confirmed := &ledger.Order{
			OrderID:       res.ack.ExchangeOrderID,
			ClientOrderID: cid,
			Symbol:        intent.Symbol,
			Side:          intent.Side,
			Price:         q.Price,
			Quantity:      q.Quantity,
			Status:        res.ack.Status,
			LastSeenAt:    &now,
		}
		if err := o.orders.Save(confirmed, false, string(res.ack.Status)); err != nil {
			return IntentResult{Intent: intent, Status: IntentRejected, Detail: err.Error()}, err
		}
		if err := o.idem.Finalize(idempotency.ActionSubmit, key, actionID, cid, res.ack.ExchangeOrderID, idempotency.StatusCommitted); err != nil {
			return IntentResult{Intent: intent, Status: IntentRejected, Detail: err.Error()}, err
		}
		o.logger.Info().
			Str("cycle_id", cycleID).
			Str("symbol", intent.Symbol).
			Str("side", string(intent.Side)).
			Str("order_id", res.ack.ExchangeOrderID).
			Str("client_order_id", cid).
			Float64("price", q.Price).
			Float64("quantity", q.Quantity).
			Msg("order submitted")
		return IntentResult{Intent: intent, Status: IntentSubmitted, OrderID: res.ack.ExchangeOrderID, ClientOrderID: cid}, nil

	case resultFatal:
		return o.handleFatal(cycleID, intent, q, key, payloadHash, cid, res.err)

	default:
		return o.handleUncertain(ctx, cycleID, intent, q, key, payloadHash, cid, res.err)
	}
}

// callSubmit performs the bounded venue write and classifies the raw outcome.
// A timeout on a write is always uncertain, never fatal: the order may be
// resting on the venue while we saw nothing.
func (o *Orchestrator) callSubmit(ctx context.Context, intent types.OrderIntent, q quantized, cid string) submitResult {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.VenueTimeout)
	defer cancel()

	ack, err := o.venue.SubmitLimitOrder(callCtx, venue.SubmitRequest{
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Price:         q.Price,
		Quantity:      q.Quantity,
		ClientOrderID: cid,
	})
	if err == nil {
		return committed(ack)
	}
	if retry.IsFatal(err) {
		return fatal(err)
	}
	return uncertain(err)
}

func (o *Orchestrator) handleFatal(cycleID string, intent types.OrderIntent, q quantized, key, payloadHash, cid string, cause error) (IntentResult, error) {
	now := time.Now().UTC()
	code := fatalCode(cause)
	rejected := &ledger.Order{
		OrderID:       ledger.RejectedOrderID(cid, code),
		ClientOrderID: cid,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Price:         q.Price,
		Quantity:      q.Quantity,
		Status:        types.OrderStatusRejected,
		LastSeenAt:    &now,
	}
	if err := o.orders.Save(rejected, false, cause.Error()); err != nil {
		return IntentResult{Intent: intent, Status: IntentRejected, Detail: err.Error()}, err
	}
	actionID := o.recordAction(cycleID, payloadHash, cid, rejected.OrderID, "venue rejected: "+cause.Error())
	if err := o.idem.Finalize(idempotency.ActionSubmit, key, actionID, cid, rejected.OrderID, idempotency.StatusFailed); err != nil {
		return IntentResult{Intent: intent, Status: IntentRejected, Detail: err.Error()}, err
	}

	o.decision(intent, ReasonVenueRejected, cause.Error())
	return IntentResult{
		Intent:        intent,
		Status:        IntentRejected,
		Reason:        ReasonVenueRejected,
		Detail:        cause.Error(),
		OrderID:       rejected.OrderID,
		ClientOrderID: cid,
	}, nil
}

// handleUncertain routes an ambiguous write through the reconciler before
// returning: the call does not come back until the ambiguity is resolved or
// explicitly left UNKNOWN.
func (o *Orchestrator) handleUncertain(ctx context.Context, cycleID string, intent types.OrderIntent, q quantized, key, payloadHash, cid string, cause error) (IntentResult, error) {
	o.breaker.RecordFailure()
	now := time.Now().UTC()

	probe := &ledger.Order{
		OrderID:       ledger.UnknownOrderID(cid),
		ClientOrderID: cid,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Price:         q.Price,
		Quantity:      q.Quantity,
		Status:        types.OrderStatusNew,
	}
	probe.CreatedAt = now

	outcome := o.reconciler.ReconcileSubmit(ctx, probe)
	switch outcome.Status {
	case reconcile.OutcomeConfirmed:
		actionID := o.recordAction(cycleID, payloadHash, cid, outcome.OrderID, "confirmed by reconciler: "+outcome.Reason)
		confirmed := &ledger.Order{
			OrderID:       outcome.OrderID,
			ClientOrderID: cid,
			Symbol:        intent.Symbol,
			Side:          intent.Side,
			Price:         q.Price,
			Quantity:      q.Quantity,
			Status:        outcome.Snapshot.Status,
			LastSeenAt:    &now,
		}
		if err := o.orders.Save(confirmed, true, string(outcome.Snapshot.Status)); err != nil {
			return IntentResult{Intent: intent, Status: IntentRejected, Detail: err.Error()}, err
		}
		if err := o.idem.Finalize(idempotency.ActionSubmit, key, actionID, cid, outcome.OrderID, idempotency.StatusCommitted); err != nil {
			return IntentResult{Intent: intent, Status: IntentRejected, Detail: err.Error()}, err
		}
		o.logger.Info().
			Str("order_id", outcome.OrderID).
			Str("client_order_id", cid).
			Str("reason", outcome.Reason).
			Msg("uncertain submit confirmed by reconciliation")
		return IntentResult{Intent: intent, Status: IntentConfirmed, OrderID: outcome.OrderID, ClientOrderID: cid}, nil

	default:
		// Could not rule the write in. A clean miss this soon after the
		// failed write proves nothing either: the order may still be in
		// flight at the venue. Persist the unknown order, freeze new
		// submissions, and let the probe loop confirm absence after the
		// in-flight window before downgrading to REJECTED.
		if err := o.orders.UpdateStatus(probe.OrderID, types.OrderStatusUnknown, "uncertain submit: "+cause.Error(), false, now, o.cfg.UnknownProbeInitial); err != nil {
			return IntentResult{Intent: intent, Status: IntentRejected, Detail: err.Error()}, err
		}
		if err := o.idem.Finalize(idempotency.ActionSubmit, key, "", cid, probe.OrderID, idempotency.StatusUnknown); err != nil {
			return IntentResult{Intent: intent, Status: IntentRejected, Detail: err.Error()}, err
		}
		o.registry.MarkUnknown(probe.OrderID, cause.Error(), now)
		o.decision(intent, ReasonOutcomeUnknown, cause.Error())
		return IntentResult{Intent: intent, Status: IntentUnknown, Reason: ReasonOutcomeUnknown, Detail: cause.Error(), OrderID: probe.OrderID, ClientOrderID: cid}, nil
	}
}

// fetchBalances loads free balances once per batch. Dry-run batches skip the
// call entirely.
func (o *Orchestrator) fetchBalances(ctx context.Context) (map[string]float64, error) {
	if o.controls.DryRun() {
		return nil, nil
	}
	var raw []types.Balance
	err := o.policy.Do(ctx, "get_balances", func(ctx context.Context) error {
		var err error
		raw, err = o.venue.GetBalances(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(raw))
	for _, b := range raw {
		out[b.Asset] = b.Free
	}
	return out, nil
}

// recordAction appends the audit row for an accepted submit attempt. Audit
// failures are logged, never allowed to mask the attempt outcome.
func (o *Orchestrator) recordAction(cycleID, payloadHash, cid, orderID, metadata string) string {
	return o.recordActionTyped(cycleID, idempotency.ActionSubmit, payloadHash, cid, orderID, metadata)
}

func (o *Orchestrator) recordActionTyped(cycleID, actionType, payloadHash, cid, orderID, metadata string) string {
	actionID := uuid.New().String()
	err := o.orders.CreateAction(&ledger.Action{
		ActionID:      actionID,
		CycleID:       cycleID,
		ActionType:    actionType,
		PayloadHash:   payloadHash,
		ClientOrderID: cid,
		OrderID:       orderID,
		Metadata:      metadata,
	})
	if err != nil {
		o.logger.Error().Err(err).Str("action_id", actionID).Msg("failed to record action audit row")
	}
	return actionID
}

func (o *Orchestrator) ruleFor(symbol string) types.SymbolRule {
	if rule, ok := o.rules[symbol]; ok {
		return rule
	}
	return types.SymbolRule{Symbol: symbol, MinNotional: o.cfg.MinNotionalFallback}
}

// decision emits the structured suppression/decision record operators rely on.
func (o *Orchestrator) decision(intent types.OrderIntent, reason, detail string) {
	o.logger.Info().
		Str("event", "decision").
		Str("reason", reason).
		Str("symbol", intent.Symbol).
		Str("side", string(intent.Side)).
		Str("cycle_id", intent.CycleID).
		Str("detail", detail).
		Msg("intent decision")
}

func (o *Orchestrator) suppress(result *BatchResult, intent types.OrderIntent, reason string) {
	o.decision(intent, reason, "submission suppressed")
	result.Results = append(result.Results, IntentResult{Intent: intent, Status: IntentSuppressed, Reason: reason})
}

func (o *Orchestrator) reject(intent types.OrderIntent, reason, detail string) IntentResult {
	o.decision(intent, reason, detail)
	return IntentResult{Intent: intent, Status: IntentRejected, Reason: reason, Detail: detail}
}

// clientOrderID derives a deterministic client order id from the intent's
// identity and its quantized values: re-planning the same intent produces the
// same id, which is what lets reconciliation recognize it later.
func clientOrderID(intent types.OrderIntent, q quantized) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%.8f|%.8f",
		intent.CycleID, intent.Symbol, intent.Side, q.Price, q.Quantity)))
	return "eng-" + hex.EncodeToString(h[:])[:24]
}

// idempotencyKey is the reservation key: caller-supplied when present, else
// derived from (cycle, symbol, side). Two different payloads under one key is
// a conflict by construction.
func idempotencyKey(intent types.OrderIntent) string {
	if intent.IdempotencyKey != "" {
		return intent.IdempotencyKey
	}
	return fmt.Sprintf("%s:%s:%s", intent.CycleID, intent.Symbol, strings.ToLower(string(intent.Side)))
}

// hashPayload fingerprints the full intent so a conflicting reuse of a key is
// detectable.
func hashPayload(intent types.OrderIntent, q quantized) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%.8f|%.8f|%.8f",
		intent.Symbol, intent.Side, q.Price, q.Quantity, q.Notional)))
	return hex.EncodeToString(h[:])
}

func fatalCode(err error) string {
	var ve *retry.VenueError
	if errors.As(err, &ve) && ve.StatusCode > 0 {
		return fmt.Sprintf("http_%d", ve.StatusCode)
	}
	return "fatal"
}

func uniqueSymbols(intents []types.OrderIntent) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(intents))
	for _, it := range intents {
		if _, ok := seen[it.Symbol]; ok {
			continue
		}
		seen[it.Symbol] = struct{}{}
		out = append(out, it.Symbol)
	}
	return out
}

func groupBySymbol(intents []types.OrderIntent) map[string][]types.OrderIntent {
	out := make(map[string][]types.OrderIntent)
	for _, it := range intents {
		out[it.Symbol] = append(out[it.Symbol], it)
	}
	return out
}
