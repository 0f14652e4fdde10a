// filters.go quantizes prices and quantities against per-symbol exchange
// filters. All arithmetic is decimal; rounding happens exactly once, here,
// immediately before submission.
package exchange

import (
	"github.com/shopspring/decimal"

	"dcabot/pkg/types"
)

// QuantizePrice snaps a price to the symbol's tick grid: round half to even
// to the nearest tick multiple, then truncate to the symbol's price decimals.
func QuantizePrice(price decimal.Decimal, f types.SymbolFilters) decimal.Decimal {
	if f.TickSize.IsZero() {
		return price.Truncate(f.PriceDecimals)
	}
	ticks := price.Div(f.TickSize).RoundBank(0)
	return ticks.Mul(f.TickSize).Truncate(f.PriceDecimals)
}

// QuantizeQty floors a quantity to the symbol's step grid, then truncates to
// the symbol's quantity decimals. Flooring never buys or sells more than the
// caller asked for.
func QuantizeQty(qty decimal.Decimal, f types.SymbolFilters) decimal.Decimal {
	if f.StepSize.IsZero() {
		return qty.Truncate(f.QtyDecimals)
	}
	steps := qty.Div(f.StepSize).Floor()
	return steps.Mul(f.StepSize).Truncate(f.QtyDecimals)
}

// quantizePasses bounds the re-quantize loop in QuantizeOrder. The grid snap
// is idempotent after the first pass in practice; two extra passes absorb
// truncation interplay between price and quantity decimals.
const quantizePasses = 3

// QuantizeOrder quantizes a limit order's price and quantity together and
// validates the result against minQty and minNotional.
//
// Quantization runs to a fixed point: after snapping both values, they are
// re-checked, because truncating one can perturb the notional constraint on
// the other. If the pair is still unstable after three passes, a FilterError
// is returned rather than submitting an order the exchange would reject.
//
// A quantity below minQty is clamped up to minQty when the caller's intent
// (in quote terms) covers it; a notional below minNotional is always an
// error, since inflating it would spend more than the strategy budgeted.
func QuantizeOrder(price, qty decimal.Decimal, f types.SymbolFilters) (decimal.Decimal, decimal.Decimal, error) {
	p, q := price, qty
	for pass := 0; pass < quantizePasses; pass++ {
		p2 := QuantizePrice(p, f)
		q2 := QuantizeQty(q, f)
		if q2.LessThan(f.MinQty) {
			q2 = QuantizeQty(f.MinQty, f)
			if q2.LessThan(f.MinQty) {
				// minQty itself is not on the step grid; use the next step up.
				q2 = q2.Add(f.StepSize).Truncate(f.QtyDecimals)
			}
		}
		if p2.Equal(p) && q2.Equal(q) {
			if q2.LessThan(f.MinQty) {
				return decimal.Zero, decimal.Zero, &FilterError{
					Symbol: f.Symbol, Reason: ReasonBelowMinQty, Value: q2, Limit: f.MinQty,
				}
			}
			notional := p2.Mul(q2)
			if notional.LessThan(f.MinNotional) {
				return decimal.Zero, decimal.Zero, &FilterError{
					Symbol: f.Symbol, Reason: ReasonBelowMinNotional, Value: notional, Limit: f.MinNotional,
				}
			}
			return p2, q2, nil
		}
		p, q = p2, q2
	}
	return decimal.Zero, decimal.Zero, &FilterError{
		Symbol: f.Symbol, Reason: ReasonQuantizeUnstable, Value: qty, Limit: f.StepSize,
	}
}

// QtyForQuote converts a quote-currency budget at a given price into a
// quantized base quantity. This is how ladder sizes (specified in quote
// terms) become limit-order quantities.
func QtyForQuote(quote, price decimal.Decimal, f types.SymbolFilters) (decimal.Decimal, error) {
	if !price.IsPositive() {
		return decimal.Zero, &FilterError{Symbol: f.Symbol, Reason: "non-positive price", Value: price}
	}
	_, q, err := QuantizeOrder(price, quote.Div(price), f)
	return q, err
}
