package execution

import (
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// ErrSubmitBlocked is raised, not silently swallowed, when unknown orders are
// present: callers must not assume their intents were acted on.
var ErrSubmitBlocked = errors.New("submissions blocked: unknown orders present")

// Stable reason codes for decision records. Operators distinguish "nothing to
// do" from "blocked" by these, so they are part of the interface.
const (
	ReasonSafeMode            = "SAFE_MODE"
	ReasonKillSwitch          = "KILL_SWITCH"
	ReasonVenueDegraded       = "VENUE_DEGRADED"
	ReasonUnknownOrders       = "UNKNOWN_ORDERS_PRESENT"
	ReasonDuplicateIntent     = "DUPLICATE_INTENT"
	ReasonDryRun              = "DRY_RUN"
	ReasonBelowMinNotional    = "BELOW_MIN_NOTIONAL"
	ReasonInsufficientBalance = "INSUFFICIENT_BALANCE"
	ReasonBalancesUnavailable = "BALANCES_UNAVAILABLE"
	ReasonVenueRejected       = "VENUE_REJECTED"
	ReasonOutcomeUnknown      = "OUTCOME_UNKNOWN"
)

// Controls holds the runtime gates. Initial values come from configuration;
// the ops API and the escalation policy may flip them while the engine runs.
// Reads are lock-free.
type Controls struct {
	killSwitch atomic.Bool
	safeMode   atomic.Bool
	dryRun     atomic.Bool
}

func NewControls(killSwitch, safeMode, dryRun bool) *Controls {
	c := &Controls{}
	c.killSwitch.Store(killSwitch)
	c.safeMode.Store(safeMode)
	c.dryRun.Store(dryRun)
	return c
}

func (c *Controls) KillSwitch() bool { return c.killSwitch.Load() }
func (c *Controls) SafeMode() bool   { return c.safeMode.Load() }
func (c *Controls) DryRun() bool     { return c.dryRun.Load() }

func (c *Controls) SetKillSwitch(on bool) {
	c.killSwitch.Store(on)
	log.Warn().Str("component", "controls").Bool("kill_switch", on).Msg("kill switch changed")
}

func (c *Controls) SetSafeMode(on bool) {
	c.safeMode.Store(on)
	log.Warn().Str("component", "controls").Bool("safe_mode", on).Msg("safe mode changed")
}

func (c *Controls) SetDryRun(on bool) {
	c.dryRun.Store(on)
	log.Warn().Str("component", "controls").Bool("dry_run", on).Msg("dry run changed")
}

// ForceSafeMode and ForceKillSwitch satisfy the reconciler's Escalator.

func (c *Controls) ForceSafeMode(reason string) {
	if c.safeMode.CompareAndSwap(false, true) {
		log.Error().Str("component", "controls").Str("reason", reason).Msg("safe mode forced by escalation")
	}
}

func (c *Controls) ForceKillSwitch(reason string) {
	if c.killSwitch.CompareAndSwap(false, true) {
		log.Error().Str("component", "controls").Str("reason", reason).Msg("kill switch forced by escalation")
	}
}
