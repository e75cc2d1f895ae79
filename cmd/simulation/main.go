package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/trading-engine/internal/config"
	"github.com/ksred/trading-engine/internal/database"
	"github.com/ksred/trading-engine/internal/execution"
	"github.com/ksred/trading-engine/internal/idempotency"
	"github.com/ksred/trading-engine/internal/ledger"
	"github.com/ksred/trading-engine/internal/reconcile"
	"github.com/ksred/trading-engine/internal/retry"
	"github.com/ksred/trading-engine/internal/types"
	"github.com/ksred/trading-engine/internal/unknown"
	"github.com/ksred/trading-engine/internal/venue"
)

// The simulation drives a fully wired engine against the mock venue through
// the failure scenarios that matter: duplicate intents, a lost submit ack
// with the resulting freeze and probe resolution, and an ambiguous cancel.
// It exercises the same code paths as production, only the venue is fake.

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// harness bundles the wired engine components the scenarios poke at.
type harness struct {
	orch     *execution.Orchestrator
	mock     *venue.MockVenue
	orders   *ledger.Database
	idem     *idempotency.Database
	registry *unknown.Registry
	controls *execution.Controls
	recon    *reconcile.Reconciler
	cfg      *config.Config
}

func newHarness() (*harness, error) {
	db, err := database.NewTestDatabase()
	if err != nil {
		return nil, err
	}

	cfg := &config.Config{
		StalePendingGrace:       time.Minute,
		SubmitKeyTTL:            7 * 24 * time.Hour,
		CancelKeyTTL:            24 * time.Hour,
		UnknownProbeInitial:     50 * time.Millisecond,
		UnknownProbeMax:         time.Second,
		UnknownEscalateAttempts: 8,
		EscalateForceSafeMode:   true,
		RetryBaseDelay:          10 * time.Millisecond,
		RetryMaxDelay:           100 * time.Millisecond,
		RetryMaxAttempts:        1, // keep injected faults deterministic

		RetryMaxElapsed:         5 * time.Second,
		VenueTimeout:            2 * time.Second,
		ReconcileBuffer:         2 * time.Minute,
		ReconcileMaxLookback:    24 * time.Hour,
		BreakerFailureThreshold: 10,
		BreakerSuccessThreshold: 2,
		BreakerTimeout:          time.Second,
		BalanceSafetyBuffer:     0.01,
		FeeRate:                 0.001,
		MinNotionalFallback:     10,
		RequireInventoryProof:   true,
	}

	mock := venue.NewMockVenue()
	mock.SetBalance("USDT", 1_000_000)
	mock.SetBalance("BTC", 100)

	idem := idempotency.NewDatabase(db)
	orders := ledger.NewDatabase(db)
	registry := unknown.NewRegistry()
	controls := execution.NewControls(false, false, false)

	policy := retry.NewPolicy(cfg.RetryBaseDelay, cfg.RetryMaxDelay, cfg.RetryMaxAttempts, cfg.RetryMaxElapsed)
	recon := reconcile.NewReconciler(mock, orders, policy, reconcile.Config{
		Buffer:           cfg.ReconcileBuffer,
		MaxLookback:      cfg.ReconcileMaxLookback,
		ProbeInitial:     cfg.UnknownProbeInitial,
		ProbeMax:         cfg.UnknownProbeMax,
		EscalateAttempts: cfg.UnknownEscalateAttempts,
		ForceSafeMode:    cfg.EscalateForceSafeMode,
	}, controls)
	breaker := venue.NewBreaker(cfg.BreakerFailureThreshold, cfg.BreakerSuccessThreshold, cfg.BreakerTimeout)

	rules := map[string]types.SymbolRule{
		"BTCUSDT": {
			Symbol: "BTCUSDT", TickSize: 0.01, StepSize: 0.0001,
			MinNotional: 10, BaseAsset: "BTC", QuoteAsset: "USDT",
		},
	}

	orch := execution.NewOrchestrator(cfg, controls, mock, idem, orders, registry, recon, breaker, rules)
	return &harness{
		orch: orch, mock: mock, orders: orders, idem: idem,
		registry: registry, controls: controls, recon: recon, cfg: cfg,
	}, nil
}

func intent(cycle string) types.OrderIntent {
	return types.OrderIntent{
		Symbol:   "BTCUSDT",
		Side:     types.SideBuy,
		Price:    50_000.003,
		Quantity: 0.05237,
		CycleID:  cycle,
	}
}

func main() {
	h, err := newHarness()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build simulation harness")
	}

	scenarios := []struct {
		name string
		run  func(context.Context, *harness) error
	}{
		{"happy path submit", runHappyPath},
		{"duplicate intent suppressed", runDuplicate},
		{"lost ack freezes then resolves", runLostAck},
		{"ambiguous cancel resolved against venue", runAmbiguousCancel},
	}

	ctx := context.Background()
	failures := 0
	for _, s := range scenarios {
		log.Info().Str("scenario", s.name).Msg("running scenario")
		if err := s.run(ctx, h); err != nil {
			failures++
			log.Error().Err(err).Str("scenario", s.name).Msg("scenario failed")
			continue
		}
		log.Info().Str("scenario", s.name).Msg("scenario passed")
	}

	if failures > 0 {
		log.Fatal().Int("failures", failures).Msg("simulation finished with failures")
	}
	log.Info().Msg("all scenarios passed")
}

func runHappyPath(ctx context.Context, h *harness) error {
	batch, err := h.orch.ExecuteIntents(ctx, "sim-happy", []types.OrderIntent{intent("sim-happy")})
	if err != nil {
		return err
	}
	if got := batch.Count(execution.IntentSubmitted); got != 1 {
		return fmt.Errorf("expected 1 submitted intent, got %d", got)
	}
	res := batch.Results[0]
	ord, err := h.orders.Get(res.OrderID)
	if err != nil {
		return err
	}
	if ord == nil || ord.Status != types.OrderStatusOpen {
		return fmt.Errorf("expected OPEN ledger row for %s", res.OrderID)
	}
	return nil
}

func runDuplicate(ctx context.Context, h *harness) error {
	first, err := h.orch.ExecuteIntents(ctx, "sim-dup", []types.OrderIntent{intent("sim-dup")})
	if err != nil {
		return err
	}
	calls := h.mock.SubmitCalls()

	second, err := h.orch.ExecuteIntents(ctx, "sim-dup", []types.OrderIntent{intent("sim-dup")})
	if err != nil {
		return err
	}
	if h.mock.SubmitCalls() != calls {
		return fmt.Errorf("duplicate intent reached the venue")
	}
	if first.Count(execution.IntentSubmitted) != 1 || second.Count(execution.IntentDuplicate) != 1 {
		return fmt.Errorf("unexpected statuses: first=%+v second=%+v", first.Results, second.Results)
	}
	return nil
}

func runLostAck(ctx context.Context, h *harness) error {
	// The venue applies the order but the ack never arrives. Reconciliation
	// runs with order reads also failing, so the outcome stays UNKNOWN and
	// the engine freezes. Charges: pre-batch refresh, synchronous reconcile,
	// and the frozen batch's refresh all hit the open-orders read; only the
	// reconcile reaches the recent-orders read.
	h.mock.InjectFault("submit", venue.Fault{Mode: venue.FaultLostAck, Remaining: 1})
	h.mock.InjectFault("open_orders", venue.Fault{Mode: venue.FaultTimeout, Remaining: 3})
	h.mock.InjectFault("all_orders", venue.Fault{Mode: venue.FaultTimeout, Remaining: 1})

	batch, err := h.orch.ExecuteIntents(ctx, "sim-lost", []types.OrderIntent{intent("sim-lost")})
	if err != nil {
		return err
	}
	if batch.Count(execution.IntentUnknown) != 1 {
		return fmt.Errorf("expected UNKNOWN outcome, got %+v", batch.Results)
	}
	if !h.registry.HasUnknown() {
		return fmt.Errorf("unknown registry should be non-empty")
	}

	// While frozen, the whole next batch is blocked before any venue write.
	calls := h.mock.SubmitCalls()
	_, err = h.orch.ExecuteIntents(ctx, "sim-lost-2", []types.OrderIntent{intent("sim-lost-2")})
	if err != execution.ErrSubmitBlocked {
		return fmt.Errorf("expected ErrSubmitBlocked, got %v", err)
	}
	if h.mock.SubmitCalls() != calls {
		return fmt.Errorf("frozen engine still reached the venue")
	}

	// Faults expire; the probe pass now finds the order and lifts the freeze.
	time.Sleep(h.cfg.UnknownProbeInitial * 2)
	if err := h.recon.ProcessDueProbes(ctx); err != nil {
		return err
	}
	rows, err := h.orders.FindUnknown()
	if err != nil {
		return err
	}
	h.registry.SyncSnapshot(rows, false)
	if h.registry.HasUnknown() {
		return fmt.Errorf("freeze should have lifted after probe resolution")
	}
	return nil
}

func runAmbiguousCancel(ctx context.Context, h *harness) error {
	batch, err := h.orch.ExecuteIntents(ctx, "sim-cancel", []types.OrderIntent{intent("sim-cancel")})
	if err != nil {
		return err
	}
	orderID := batch.Results[0].OrderID

	// The cancel lands on the venue but its ack is lost. Reconciliation sees
	// the order terminal in recent history and resolves the cancel.
	h.mock.InjectFault("cancel", venue.Fault{Mode: venue.FaultLostAck, Remaining: 1})

	results := h.orch.CancelOrders(ctx, "sim-cancel", []execution.CancelTarget{{OrderID: orderID}})
	if results[0].Status != execution.IntentConfirmed {
		return fmt.Errorf("expected cancel confirmed via reconciliation, got %+v", results[0])
	}

	ord, err := h.orders.Get(orderID)
	if err != nil {
		return err
	}
	if ord == nil || ord.Status != types.OrderStatusCanceled {
		return fmt.Errorf("expected CANCELED ledger row, got %+v", ord)
	}
	return nil
}
