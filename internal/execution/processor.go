package execution

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/trading-engine/internal/reconcile"
)

// Processor runs the engine's background maintenance: unknown-order probing,
// stale reservation recovery, and TTL pruning. Each concern ticks on its own
// interval so a slow venue probe never delays pruning.
type Processor struct {
	orch          *Orchestrator
	reconciler    *reconcile.Reconciler
	probeInterval time.Duration
	recoverEvery  time.Duration
	pruneEvery    time.Duration
}

func NewProcessor(orch *Orchestrator, reconciler *reconcile.Reconciler) *Processor {
	return &Processor{
		orch:          orch,
		reconciler:    reconciler,
		probeInterval: 10 * time.Second,
		recoverEvery:  30 * time.Second,
		pruneEvery:    time.Hour,
	}
}

// Start begins the maintenance loops and blocks until ctx is canceled.
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "maintenance_processor").Logger()
	logger.Info().Msg("starting maintenance processor")

	probes := time.NewTicker(p.probeInterval)
	defer probes.Stop()
	recoveryTick := time.NewTicker(p.recoverEvery)
	defer recoveryTick.Stop()
	prune := time.NewTicker(p.pruneEvery)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down maintenance processor")
			return

		case <-probes.C:
			if err := p.reconciler.ProcessDueProbes(ctx); err != nil {
				logger.Error().Err(err).Msg("unknown-order probe pass failed")
			}

		case <-recoveryTick.C:
			if err := p.orch.RecoverStalePending(ctx); err != nil {
				logger.Error().Err(err).Msg("stale reservation recovery pass failed")
			}
			if err := p.orch.ResolveUnknownReservations(); err != nil {
				logger.Error().Err(err).Msg("unknown reservation resolution pass failed")
			}

		case <-prune.C:
			pruned, err := p.orch.idem.Prune()
			if err != nil {
				logger.Error().Err(err).Msg("reservation prune failed")
				continue
			}
			if pruned > 0 {
				logger.Info().Int64("pruned", pruned).Msg("expired reservations pruned")
			}
		}
	}
}
