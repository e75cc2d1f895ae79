package execution

import (
	"strings"
	"testing"

	"github.com/ksred/trading-engine/internal/types"
)

var btcRule = types.SymbolRule{
	Symbol:      "BTCUSDT",
	TickSize:    0.01,
	StepSize:    0.0001,
	MinNotional: 10,
	BaseAsset:   "BTC",
	QuoteAsset:  "USDT",
}

func TestQuantizeSnapsDown(t *testing.T) {
	intent := types.OrderIntent{Symbol: "BTCUSDT", Side: types.SideBuy, Price: 50_000.019, Quantity: 0.05237}

	q, err := quantizeIntent(intent, btcRule, 10)
	if err != nil {
		t.Fatalf("quantize failed: %v", err)
	}
	if q.Price != 50_000.01 {
		t.Fatalf("price not snapped to tick: %v", q.Price)
	}
	if q.Quantity != 0.0523 {
		t.Fatalf("quantity not snapped to step: %v", q.Quantity)
	}
	if want := 50_000.01 * 0.0523; q.Notional < want-1e-6 || q.Notional > want+1e-6 {
		t.Fatalf("notional mismatch: %v", q.Notional)
	}
}

func TestQuantizeAlreadyAligned(t *testing.T) {
	intent := types.OrderIntent{Symbol: "BTCUSDT", Side: types.SideBuy, Price: 50_000, Quantity: 0.05}

	q, err := quantizeIntent(intent, btcRule, 10)
	if err != nil {
		t.Fatalf("quantize failed: %v", err)
	}
	if q.Price != 50_000 || q.Quantity != 0.05 {
		t.Fatalf("aligned values must pass through unchanged: %+v", q)
	}
}

func TestQuantizeZeroQuantityRejected(t *testing.T) {
	intent := types.OrderIntent{Symbol: "BTCUSDT", Side: types.SideBuy, Price: 50_000, Quantity: 0.00005}

	if _, err := quantizeIntent(intent, btcRule, 10); err == nil {
		t.Fatalf("quantity below one step must be rejected")
	}
}

func TestQuantizeMinNotionalFloor(t *testing.T) {
	intent := types.OrderIntent{Symbol: "BTCUSDT", Side: types.SideBuy, Price: 50, Quantity: 0.0001}

	_, err := quantizeIntent(intent, btcRule, 10)
	if err == nil || !strings.Contains(err.Error(), "below floor") {
		t.Fatalf("expected min-notional rejection, got %v", err)
	}

	// Rule without a floor falls back to the configured minimum.
	noFloor := btcRule
	noFloor.MinNotional = 0
	if _, err := quantizeIntent(intent, noFloor, 10); err == nil {
		t.Fatalf("fallback floor should still reject")
	}
	if _, err := quantizeIntent(intent, noFloor, 0.001); err != nil {
		t.Fatalf("tiny fallback floor should accept: %v", err)
	}
}

func TestQuantizeNoRulesPassThrough(t *testing.T) {
	intent := types.OrderIntent{Symbol: "XYZUSDT", Side: types.SideBuy, Price: 123.456789, Quantity: 1.23456789}
	rule := types.SymbolRule{Symbol: "XYZUSDT", MinNotional: 10}

	q, err := quantizeIntent(intent, rule, 10)
	if err != nil {
		t.Fatalf("quantize failed: %v", err)
	}
	if q.Price != 123.456789 || q.Quantity != 1.23456789 {
		t.Fatalf("zero tick/step must leave values untouched: %+v", q)
	}
}

func TestCheckBalanceBuy(t *testing.T) {
	q := quantized{Price: 50_000, Quantity: 0.05, Notional: 2_500}

	// Required: 2500 × (1 + 0.001 + 0.01) = 2527.5
	balances := map[string]float64{"USDT": 2_528}
	if err := checkBalance(balances, btcRule, types.SideBuy, q, 0.001, 0.01); err != nil {
		t.Fatalf("covering balance should pass: %v", err)
	}

	balances["USDT"] = 2_500
	if err := checkBalance(balances, btcRule, types.SideBuy, q, 0.001, 0.01); err == nil {
		t.Fatalf("balance short of fee and buffer must be rejected")
	}
}

func TestCheckBalanceSell(t *testing.T) {
	q := quantized{Price: 50_000, Quantity: 0.05, Notional: 2_500}

	balances := map[string]float64{"BTC": 0.0501}
	if err := checkBalance(balances, btcRule, types.SideSell, q, 0.001, 0.01); err != nil {
		t.Fatalf("sufficient base balance should pass: %v", err)
	}

	balances["BTC"] = 0.05
	if err := checkBalance(balances, btcRule, types.SideSell, q, 0.001, 0.01); err == nil {
		t.Fatalf("base balance short of fee must be rejected")
	}
}

func TestControlsEscalationIdempotent(t *testing.T) {
	c := NewControls(false, false, false)

	c.ForceSafeMode("test")
	c.ForceSafeMode("test again")
	if !c.SafeMode() {
		t.Fatalf("safe mode should be forced on")
	}
	if c.KillSwitch() {
		t.Fatalf("kill switch must stay untouched")
	}

	c.ForceKillSwitch("test")
	if !c.KillSwitch() {
		t.Fatalf("kill switch should be forced on")
	}
}
