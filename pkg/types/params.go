package types

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	hundred    = decimal.NewFromInt(100)
	maxLastDev = decimal.RequireFromString("99.99")
)

// Validate checks the strategy parameters against the configuration
// invariants. It is called at bot creation and again before start, so a bot
// with invalid params never reaches the exchange.
func (p BotParams) Validate(dir Direction) error {
	if !p.BaseOrderAmount.IsPositive() {
		return fmt.Errorf("base_order_amount must be > 0")
	}
	if p.MaxSafetyOrders < 0 {
		return fmt.Errorf("max_safety_orders must be >= 0")
	}
	if p.MaxSafetyOrders > 0 {
		if !p.SafetyOrderAmount.IsPositive() {
			return fmt.Errorf("safety_order_amount must be > 0")
		}
		if !p.PriceDeviationPct.IsPositive() {
			return fmt.Errorf("price_deviation_pct must be > 0")
		}
		if !p.PriceDeviationMultiplier.IsPositive() {
			return fmt.Errorf("price_deviation_multiplier must be > 0")
		}
		if !p.SafetyOrderSizeMult.IsPositive() {
			return fmt.Errorf("safety_order_size_multiplier must be > 0")
		}

		// The deepest rung's deviation decides whether the ladder stays
		// positive (long) and finite. Reject at config time, not at fill time.
		last := p.DeviationAt(p.MaxSafetyOrders)
		if dir == Long && last.GreaterThan(maxLastDev) {
			return fmt.Errorf("last safety deviation %s%% exceeds 99.99%%: ladder price would not stay positive", last)
		}
	}
	if p.ActiveSafetyOrders < 0 || p.ActiveSafetyOrders > p.MaxSafetyOrders {
		return fmt.Errorf("active_safety_orders must be in [0, max_safety_orders]")
	}
	if !p.TakeProfitPct.IsPositive() {
		return fmt.Errorf("take_profit_pct must be > 0")
	}
	switch p.TakeProfitMode {
	case "", TakeProfitFixed:
	case TakeProfitTrailing:
		if !p.TrailingPct.IsPositive() {
			return fmt.Errorf("trailing_pct must be > 0 when take_profit_mode is trailing")
		}
	default:
		return fmt.Errorf("take_profit_mode must be fixed or trailing")
	}
	if p.CooldownSeconds < 0 {
		return fmt.Errorf("cooldown_between_rounds_seconds must be >= 0")
	}
	if p.LowerPriceLimit.IsNegative() || p.UpperPriceLimit.IsNegative() {
		return fmt.Errorf("price limits must be >= 0")
	}
	if p.LowerPriceLimit.IsPositive() && p.UpperPriceLimit.IsPositive() &&
		!p.LowerPriceLimit.LessThan(p.UpperPriceLimit) {
		return fmt.Errorf("lower_price_limit must be < upper_price_limit")
	}
	return nil
}

// DeviationAt returns the percentage deviation of safety rung i (1-based)
// from the base fill price: price_deviation_pct × multiplier^(i-1).
func (p BotParams) DeviationAt(i int) decimal.Decimal {
	return p.PriceDeviationPct.Mul(p.PriceDeviationMultiplier.Pow(decimal.NewFromInt(int64(i - 1))))
}

// SafetyAmountAt returns the quote-currency size of safety rung i (1-based):
// safety_order_amount × size_multiplier^(i-1).
func (p BotParams) SafetyAmountAt(i int) decimal.Decimal {
	return p.SafetyOrderAmount.Mul(p.SafetyOrderSizeMult.Pow(decimal.NewFromInt(int64(i - 1))))
}

// Mode returns the effective take-profit mode, defaulting to fixed.
func (p BotParams) Mode() TakeProfitMode {
	if p.TakeProfitMode == TakeProfitTrailing {
		return TakeProfitTrailing
	}
	return TakeProfitFixed
}
