package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load with defaults failed: %v", err)
	}
	if !cfg.DryRun {
		t.Fatalf("dry run must default on")
	}
	if cfg.Live() {
		t.Fatalf("engine must not default to live trading")
	}
	if cfg.StalePendingGrace != 60*time.Second {
		t.Fatalf("unexpected stale-pending grace: %s", cfg.StalePendingGrace)
	}
}

func TestLiveTradingRequiresAck(t *testing.T) {
	t.Setenv("LIVE_TRADING_ENABLED", "true")
	t.Setenv("DRY_RUN", "false")
	t.Setenv("VENUE_API_KEY", "k")
	t.Setenv("VENUE_API_SECRET", "s")
	t.Setenv("JWT_SECRET", "test-secret")

	if _, err := Load(); err != ErrLiveTradingNotAcked {
		t.Fatalf("expected ack error, got %v", err)
	}

	t.Setenv("LIVE_TRADING_ACK", LiveTradingAckPhrase)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("acked live config should load: %v", err)
	}
	if !cfg.Live() {
		t.Fatalf("acked config should be live")
	}
}

func TestLiveTradingRejectsDryRun(t *testing.T) {
	t.Setenv("LIVE_TRADING_ENABLED", "true")
	t.Setenv("LIVE_TRADING_ACK", LiveTradingAckPhrase)
	t.Setenv("VENUE_API_KEY", "k")
	t.Setenv("VENUE_API_SECRET", "s")
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("DRY_RUN", "true")

	if _, err := Load(); err == nil {
		t.Fatalf("live trading with dry run must fail validation")
	}
}

func TestParseSymbolRules(t *testing.T) {
	rules, err := parseSymbolRules(`[{"symbol":"BTCUSDT","tick_size":0.01,"step_size":0.0001,"min_notional":10,"base_asset":"BTC","quote_asset":"USDT"}]`)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(rules) != 1 || rules[0].Symbol != "BTCUSDT" || rules[0].TickSize != 0.01 {
		t.Fatalf("unexpected rules: %+v", rules)
	}

	if rules, err := parseSymbolRules(""); err != nil || rules != nil {
		t.Fatalf("empty input should yield no rules: %v %+v", err, rules)
	}

	if _, err := parseSymbolRules(`[{"tick_size":0.01}]`); err == nil {
		t.Fatalf("rule without a symbol must be rejected")
	}

	if _, err := parseSymbolRules(`not json`); err == nil {
		t.Fatalf("malformed input must be rejected")
	}
}

func TestValidateProbeWindow(t *testing.T) {
	cfg := &Config{
		UnknownProbeInitial: 30 * time.Second,
		UnknownProbeMax:     time.Second, // below initial
		RetryMaxAttempts:    1,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("probe max below initial must fail validation")
	}
}
