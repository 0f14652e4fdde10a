package types

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func validParams() BotParams {
	return BotParams{
		BaseOrderAmount:          dec("100"),
		SafetyOrderAmount:        dec("100"),
		MaxSafetyOrders:          3,
		ActiveSafetyOrders:       1,
		PriceDeviationPct:        dec("1"),
		PriceDeviationMultiplier: dec("1.5"),
		SafetyOrderSizeMult:      dec("1.2"),
		TakeProfitPct:            dec("1"),
		CooldownSeconds:          60,
	}
}

func TestParamsValidateOK(t *testing.T) {
	t.Parallel()
	if err := validParams().Validate(Long); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestParamsValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*BotParams)
		dir    Direction
	}{
		{"zero base amount", func(p *BotParams) { p.BaseOrderAmount = decimal.Zero }, Long},
		{"negative max safety", func(p *BotParams) { p.MaxSafetyOrders = -1 }, Long},
		{"zero safety amount", func(p *BotParams) { p.SafetyOrderAmount = decimal.Zero }, Long},
		{"zero deviation", func(p *BotParams) { p.PriceDeviationPct = decimal.Zero }, Long},
		{"active above max", func(p *BotParams) { p.ActiveSafetyOrders = 4 }, Long},
		{"zero take profit", func(p *BotParams) { p.TakeProfitPct = decimal.Zero }, Long},
		{"bad tp mode", func(p *BotParams) { p.TakeProfitMode = "stop" }, Long},
		{"trailing without pct", func(p *BotParams) { p.TakeProfitMode = TakeProfitTrailing }, Long},
		{"negative cooldown", func(p *BotParams) { p.CooldownSeconds = -1 }, Long},
		{"inverted price limits", func(p *BotParams) {
			p.LowerPriceLimit = dec("100")
			p.UpperPriceLimit = dec("50")
		}, Long},
		// 40% × 2^(4-1) = 320% ≥ 100%: long ladder would go negative.
		{"deviation overflow on long", func(p *BotParams) {
			p.MaxSafetyOrders = 4
			p.PriceDeviationPct = dec("40")
			p.PriceDeviationMultiplier = dec("2")
		}, Long},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := validParams()
			tt.mutate(&p)
			if err := p.Validate(tt.dir); err == nil {
				t.Errorf("Validate accepted invalid params")
			}
		})
	}
}

func TestParamsValidateShortAllowsDeepDeviation(t *testing.T) {
	t.Parallel()
	p := validParams()
	p.MaxSafetyOrders = 4
	p.PriceDeviationPct = dec("40")
	p.PriceDeviationMultiplier = dec("2")
	// Short ladders go up, so a deviation above 100% stays finite.
	if err := p.Validate(Short); err != nil {
		t.Fatalf("Validate(short): %v", err)
	}
}

func TestParamsValidateActiveMayEqualMax(t *testing.T) {
	t.Parallel()
	p := validParams()
	p.ActiveSafetyOrders = p.MaxSafetyOrders
	if err := p.Validate(Long); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestDeviationAt(t *testing.T) {
	t.Parallel()
	p := validParams()
	p.PriceDeviationPct = dec("1")
	p.PriceDeviationMultiplier = dec("2")

	tests := []struct {
		rung int
		want string
	}{
		{1, "1"},
		{2, "2"},
		{3, "4"},
		{4, "8"},
	}
	for _, tt := range tests {
		if got := p.DeviationAt(tt.rung); !got.Equal(dec(tt.want)) {
			t.Errorf("DeviationAt(%d) = %s, want %s", tt.rung, got, tt.want)
		}
	}
}

func TestDeviationAtUnitMultiplier(t *testing.T) {
	t.Parallel()
	p := validParams()
	p.PriceDeviationMultiplier = dec("1")
	for i := 1; i <= 3; i++ {
		if got := p.DeviationAt(i); !got.Equal(p.PriceDeviationPct) {
			t.Errorf("DeviationAt(%d) = %s, want %s", i, got, p.PriceDeviationPct)
		}
	}
}

func TestWeightedAvgPrice(t *testing.T) {
	t.Parallel()

	fills := []Fill{
		{Price: dec("50000"), Qty: dec("0.001")},
		{Price: dec("50100"), Qty: dec("0.003")},
	}
	// (50 + 150.3) / 0.004 = 50075
	if got := WeightedAvgPrice(fills); !got.Equal(dec("50075")) {
		t.Errorf("WeightedAvgPrice = %s, want 50075", got)
	}

	if got := WeightedAvgPrice(nil); !got.IsZero() {
		t.Errorf("WeightedAvgPrice(nil) = %s, want 0", got)
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	t.Parallel()

	terminal := []OrderStatus{OrderFilled, OrderCancelled, OrderRejected, OrderFailed}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}
	open := []OrderStatus{OrderPendingPlacement, OrderOpen, OrderPartiallyFilled, OrderUnknown}
	for _, s := range open {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
}

func TestSideOpposite(t *testing.T) {
	t.Parallel()
	if BUY.Opposite() != SELL || SELL.Opposite() != BUY {
		t.Error("Opposite() mismatch")
	}
}
