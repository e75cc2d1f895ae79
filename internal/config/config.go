package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/ksred/trading-engine/internal/types"
)

var (
	ErrLiveTradingNotAcked = errors.New("LIVE_TRADING_ENABLED is set but LIVE_TRADING_ACK does not match the required phrase")
	ErrMissingJWTSecret    = errors.New("JWT_SECRET is required when the ops API is enabled")
)

// LiveTradingAckPhrase must be supplied verbatim alongside LIVE_TRADING_ENABLED.
// Two independent settings guard against a single fat-fingered env var going live.
const LiveTradingAckPhrase = "I-UNDERSTAND-THIS-TRADES-REAL-MONEY"

// Config enumerates every knob the engine reads. It is loaded once at startup
// and passed by value into constructors; nothing re-reads the environment later.
type Config struct {
	// Global gates.
	DryRun             bool
	KillSwitch         bool
	SafeMode           bool
	LiveTradingEnabled bool

	// Idempotency ledger.
	StalePendingGrace time.Duration
	SubmitKeyTTL      time.Duration
	CancelKeyTTL      time.Duration

	// Unknown-order probing and escalation.
	UnknownProbeInitial     time.Duration
	UnknownProbeMax         time.Duration
	UnknownEscalateAttempts int
	EscalateForceSafeMode   bool
	EscalateForceKillSwitch bool

	// Retry policy.
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryMaxAttempts int
	RetryMaxElapsed  time.Duration

	// Venue calls.
	VenueTimeout         time.Duration
	VenueBaseURL         string
	VenueAPIKey          string
	VenueAPISecret       string
	ReconcileBuffer      time.Duration
	ReconcileMaxLookback time.Duration

	// Degraded-venue breaker.
	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerTimeout          time.Duration

	// Sizing and balances.
	BalanceSafetyBuffer   float64 // ratio added on top of notional+fee for buys
	FeeRate               float64
	MinNotionalFallback   float64 // floor used when the venue rule carries none
	RequireInventoryProof bool    // fail closed when balances are unavailable

	// Trading universe. Filters come from config rather than a venue cache so
	// a stale cache can never loosen them.
	SymbolRules []types.SymbolRule

	// Infrastructure.
	DatabasePath      string
	ListenAddr        string
	JWTSecret         string
	OperatorAPIKey    string
	OperatorAPISecret string
}

// Load reads configuration from the environment, applying defaults for every
// optional knob. A .env file in the working directory is honored when present.
// Invalid combinations are configuration errors and fail startup.
func Load() (*Config, error) {
	// Missing .env is fine; explicit env vars win either way.
	_ = godotenv.Load()

	cfg := &Config{
		DryRun:             envBool("DRY_RUN", true),
		KillSwitch:         envBool("KILL_SWITCH", false),
		SafeMode:           envBool("SAFE_MODE", false),
		LiveTradingEnabled: envBool("LIVE_TRADING_ENABLED", false),

		StalePendingGrace: envDuration("STALE_PENDING_GRACE", 60*time.Second),
		SubmitKeyTTL:      envDuration("SUBMIT_KEY_TTL", 7*24*time.Hour),
		CancelKeyTTL:      envDuration("CANCEL_KEY_TTL", 24*time.Hour),

		UnknownProbeInitial:     envDuration("UNKNOWN_PROBE_INITIAL", 30*time.Second),
		UnknownProbeMax:         envDuration("UNKNOWN_PROBE_MAX", 900*time.Second),
		UnknownEscalateAttempts: envInt("UNKNOWN_ESCALATE_ATTEMPTS", 8),
		EscalateForceSafeMode:   envBool("ESCALATE_FORCE_SAFE_MODE", true),
		EscalateForceKillSwitch: envBool("ESCALATE_FORCE_KILL_SWITCH", false),

		RetryBaseDelay:   envDuration("RETRY_BASE_DELAY", 500*time.Millisecond),
		RetryMaxDelay:    envDuration("RETRY_MAX_DELAY", 30*time.Second),
		RetryMaxAttempts: envInt("RETRY_MAX_ATTEMPTS", 5),
		RetryMaxElapsed:  envDuration("RETRY_MAX_ELAPSED", 2*time.Minute),

		VenueTimeout:         envDuration("VENUE_TIMEOUT", 10*time.Second),
		VenueBaseURL:         os.Getenv("VENUE_BASE_URL"),
		VenueAPIKey:          os.Getenv("VENUE_API_KEY"),
		VenueAPISecret:       os.Getenv("VENUE_API_SECRET"),
		ReconcileBuffer:      envDuration("RECONCILE_BUFFER", 2*time.Minute),
		ReconcileMaxLookback: envDuration("RECONCILE_MAX_LOOKBACK", 24*time.Hour),

		BreakerFailureThreshold: envInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerSuccessThreshold: envInt("BREAKER_SUCCESS_THRESHOLD", 2),
		BreakerTimeout:          envDuration("BREAKER_TIMEOUT", 30*time.Second),

		BalanceSafetyBuffer:   envFloat("BALANCE_SAFETY_BUFFER", 0.01),
		FeeRate:               envFloat("FEE_RATE", 0.001),
		MinNotionalFallback:   envFloat("MIN_NOTIONAL_FALLBACK", 10.0),
		RequireInventoryProof: envBool("REQUIRE_INVENTORY_PROOF", true),

		DatabasePath:      envString("DATABASE_PATH", "engine.db"),
		ListenAddr:        envString("LISTEN_ADDR", ":8080"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		OperatorAPIKey:    envString("OPERATOR_API_KEY", "ops-api-key"),
		OperatorAPISecret: envString("OPERATOR_API_SECRET", "ops-api-secret"),
	}

	rules, err := parseSymbolRules(os.Getenv("SYMBOL_RULES"))
	if err != nil {
		return nil, fmt.Errorf("invalid SYMBOL_RULES: %w", err)
	}
	cfg.SymbolRules = rules

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects setting combinations that must never reach the orchestrator.
func (c *Config) Validate() error {
	if c.LiveTradingEnabled {
		if os.Getenv("LIVE_TRADING_ACK") != LiveTradingAckPhrase {
			return ErrLiveTradingNotAcked
		}
		if c.VenueAPIKey == "" || c.VenueAPISecret == "" {
			return errors.New("live trading requires VENUE_API_KEY and VENUE_API_SECRET")
		}
		if c.JWTSecret == "" {
			return ErrMissingJWTSecret
		}
		if c.DryRun {
			return errors.New("LIVE_TRADING_ENABLED and DRY_RUN are mutually exclusive")
		}
	}
	if c.UnknownProbeInitial <= 0 || c.UnknownProbeMax < c.UnknownProbeInitial {
		return fmt.Errorf("invalid unknown probe window: initial=%s max=%s", c.UnknownProbeInitial, c.UnknownProbeMax)
	}
	if c.RetryMaxAttempts < 1 {
		return errors.New("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.BalanceSafetyBuffer < 0 || c.FeeRate < 0 {
		return errors.New("fee and safety-buffer ratios must be non-negative")
	}
	return nil
}

// Live reports whether the engine is allowed to issue real venue writes.
func (c *Config) Live() bool {
	return c.LiveTradingEnabled && !c.DryRun
}

// parseSymbolRules decodes the SYMBOL_RULES env var, a JSON array of per-symbol
// filters. Empty input yields no rules; unknown symbols then fall back to the
// minimum-notional floor alone.
func parseSymbolRules(raw string) ([]types.SymbolRule, error) {
	if raw == "" {
		return nil, nil
	}
	var rules []types.SymbolRule
	if err := json.Unmarshal([]byte(raw), &rules); err != nil {
		return nil, err
	}
	for _, r := range rules {
		if r.Symbol == "" {
			return nil, errors.New("symbol rule with empty symbol")
		}
	}
	return rules, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
