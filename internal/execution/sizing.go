package execution

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ksred/trading-engine/internal/types"
)

// quantized holds an intent's price and quantity snapped to the venue's
// tick and step rules, plus the recomputed notional.
type quantized struct {
	Price    float64
	Quantity float64
	Notional float64
}

// quantizeIntent snaps price and quantity down to valid multiples of the
// symbol's tick and step sizes and recomputes the notional. It returns an
// error when the result violates the venue's (or the configured fallback)
// minimum-notional floor. All arithmetic is decimal: float rounding must not
// decide whether an order is valid.
func quantizeIntent(intent types.OrderIntent, rule types.SymbolRule, minNotionalFallback float64) (quantized, error) {
	price := snapDown(decimal.NewFromFloat(intent.Price), decimal.NewFromFloat(rule.TickSize))
	qty := snapDown(decimal.NewFromFloat(intent.Quantity), decimal.NewFromFloat(rule.StepSize))

	if price.Sign() <= 0 || qty.Sign() <= 0 {
		return quantized{}, fmt.Errorf("quantized to zero: price=%s qty=%s (tick=%v step=%v)",
			price, qty, rule.TickSize, rule.StepSize)
	}

	notional := price.Mul(qty)
	floor := decimal.NewFromFloat(rule.MinNotional)
	if floor.Sign() <= 0 {
		floor = decimal.NewFromFloat(minNotionalFallback)
	}
	if notional.LessThan(floor) {
		return quantized{}, fmt.Errorf("notional %s below floor %s", notional, floor)
	}

	pf, _ := price.Float64()
	qf, _ := qty.Float64()
	nf, _ := notional.Float64()
	return quantized{Price: pf, Quantity: qf, Notional: nf}, nil
}

// snapDown rounds v down to a multiple of unit. A non-positive unit leaves v
// untouched (the venue imposed no rule).
func snapDown(v, unit decimal.Decimal) decimal.Decimal {
	if unit.Sign() <= 0 {
		return v
	}
	return v.Div(unit).Floor().Mul(unit)
}

// checkBalance verifies the per-side precondition before a live submission:
// a buy needs quote balance covering notional plus fee plus the safety
// buffer; a sell needs base balance covering quantity plus fee.
func checkBalance(balances map[string]float64, rule types.SymbolRule, side types.Side, q quantized, feeRate, safetyBuffer float64) error {
	switch side {
	case types.SideBuy:
		required := q.Notional * (1 + feeRate + safetyBuffer)
		free := balances[rule.QuoteAsset]
		if free < required {
			return fmt.Errorf("quote balance %s %.8f below required %.8f", rule.QuoteAsset, free, required)
		}
	case types.SideSell:
		required := q.Quantity * (1 + feeRate)
		free := balances[rule.BaseAsset]
		if free < required {
			return fmt.Errorf("base balance %s %.8f below required %.8f", rule.BaseAsset, free, required)
		}
	default:
		return fmt.Errorf("unknown side %q", side)
	}
	return nil
}
