// ladder.go computes the Martingale safety ladder for one cycle.
//
// Deviations and sizes grow geometrically from the configured multipliers.
// For a long bot rung prices step down from the base fill; for a short bot
// they step up. All prices and quantities come out quantized to the symbol's
// filters. A rung whose quantized order violates minNotional is reported so
// the caller can refuse to start the cycle rather than discover it mid-run.
package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"dcabot/internal/exchange"
	"dcabot/pkg/types"
)

var hundred = decimal.NewFromInt(100)

// Rung is one planned safety order.
type Rung struct {
	Index int // 1-based ladder position
	Price decimal.Decimal
	Qty   decimal.Decimal
	Quote decimal.Decimal // intended quote spend, pre-quantization
}

// ComputeLadder plans every safety rung from the base fill price.
func ComputeLadder(params types.BotParams, dir types.Direction, baseFill decimal.Decimal, filters types.SymbolFilters) ([]Rung, error) {
	if !baseFill.IsPositive() {
		return nil, fmt.Errorf("ladder: base fill price must be > 0, got %s", baseFill)
	}

	rungs := make([]Rung, 0, params.MaxSafetyOrders)
	for i := 1; i <= params.MaxSafetyOrders; i++ {
		dev := params.DeviationAt(i).Div(hundred)
		var raw decimal.Decimal
		if dir == types.Short {
			raw = baseFill.Mul(decimal.NewFromInt(1).Add(dev))
		} else {
			raw = baseFill.Mul(decimal.NewFromInt(1).Sub(dev))
		}
		if !raw.IsPositive() {
			return nil, fmt.Errorf("ladder: rung %d price %s not positive", i, raw)
		}

		quote := params.SafetyAmountAt(i)
		price, qty, err := exchange.QuantizeOrder(raw, quote.Div(raw), filters)
		if err != nil {
			return nil, fmt.Errorf("ladder: rung %d: %w", i, err)
		}
		rungs = append(rungs, Rung{Index: i, Price: price, Qty: qty, Quote: quote})
	}
	return rungs, nil
}

// ValidateLadder dry-runs the safety ladder against live symbol filters so
// an unfundable configuration is rejected before the bot goes active. Budget
// checks are price-independent; the full ladder is only computable when the
// bot carries a price limit to anchor it, so without one only the budget
// checks run.
func ValidateLadder(params types.BotParams, dir types.Direction, filters types.SymbolFilters) error {
	if filters.MinNotional.IsPositive() {
		if params.BaseOrderAmount.LessThan(filters.MinNotional) {
			return fmt.Errorf("ladder: base order %s below min notional %s",
				params.BaseOrderAmount, filters.MinNotional)
		}
		for i := 1; i <= params.MaxSafetyOrders; i++ {
			if amt := params.SafetyAmountAt(i); amt.LessThan(filters.MinNotional) {
				return fmt.Errorf("ladder: rung %d amount %s below min notional %s",
					i, amt, filters.MinNotional)
			}
		}
	}

	// Anchor at the limit nearest the ladder's deep end: the lowest prices a
	// long will buy at, the highest a short will sell at.
	ref := params.LowerPriceLimit
	if dir == types.Short {
		ref = params.UpperPriceLimit
	}
	if !ref.IsPositive() {
		return nil
	}
	_, err := ComputeLadder(params, dir, ref, filters)
	return err
}

// TakeProfitPrice computes the exit price from the current average entry.
// Long bots exit above entry, short bots below.
func TakeProfitPrice(params types.BotParams, dir types.Direction, avgEntry decimal.Decimal, filters types.SymbolFilters) decimal.Decimal {
	pct := params.TakeProfitPct.Div(hundred)
	var raw decimal.Decimal
	if dir == types.Short {
		raw = avgEntry.Mul(decimal.NewFromInt(1).Sub(pct))
	} else {
		raw = avgEntry.Mul(decimal.NewFromInt(1).Add(pct))
	}
	return exchange.QuantizePrice(raw, filters)
}
