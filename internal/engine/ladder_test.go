package engine

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"dcabot/internal/exchange"
	"dcabot/pkg/types"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testFilters() types.SymbolFilters {
	return types.SymbolFilters{
		Symbol:        "BTCUSDT",
		TickSize:      dec("0.01"),
		StepSize:      dec("0.00001"),
		MinQty:        dec("0.00001"),
		MinNotional:   dec("10"),
		PriceDecimals: 2,
		QtyDecimals:   5,
	}
}

func ladderParams() types.BotParams {
	return types.BotParams{
		BaseOrderAmount:          dec("100"),
		SafetyOrderAmount:        dec("100"),
		MaxSafetyOrders:          3,
		ActiveSafetyOrders:       1,
		PriceDeviationPct:        dec("1"),
		PriceDeviationMultiplier: dec("2"),
		SafetyOrderSizeMult:      dec("1.5"),
		TakeProfitPct:            dec("1"),
	}
}

func TestComputeLadderLong(t *testing.T) {
	t.Parallel()

	rungs, err := ComputeLadder(ladderParams(), types.Long, dec("50000"), testFilters())
	if err != nil {
		t.Fatalf("ComputeLadder: %v", err)
	}
	if len(rungs) != 3 {
		t.Fatalf("rungs = %d, want 3", len(rungs))
	}

	// Deviations 1%, 2%, 4% below 50000.
	wantPrices := []string{"49500", "49000", "48000"}
	// Quote sizes 100, 150, 225.
	wantQuotes := []string{"100", "150", "225"}
	for i, rung := range rungs {
		if rung.Index != i+1 {
			t.Errorf("rung %d index = %d", i, rung.Index)
		}
		if !rung.Price.Equal(dec(wantPrices[i])) {
			t.Errorf("rung %d price = %s, want %s", i+1, rung.Price, wantPrices[i])
		}
		if !rung.Quote.Equal(dec(wantQuotes[i])) {
			t.Errorf("rung %d quote = %s, want %s", i+1, rung.Quote, wantQuotes[i])
		}
		// Quantity is floored to the step grid and covers at most the quote.
		if rung.Qty.Mul(rung.Price).GreaterThan(rung.Quote) {
			t.Errorf("rung %d spends %s, budget %s", i+1, rung.Qty.Mul(rung.Price), rung.Quote)
		}
	}
}

func TestComputeLadderShortMirrors(t *testing.T) {
	t.Parallel()

	rungs, err := ComputeLadder(ladderParams(), types.Short, dec("50000"), testFilters())
	if err != nil {
		t.Fatalf("ComputeLadder: %v", err)
	}
	wantPrices := []string{"50500", "51000", "52000"}
	for i, rung := range rungs {
		if !rung.Price.Equal(dec(wantPrices[i])) {
			t.Errorf("rung %d price = %s, want %s", i+1, rung.Price, wantPrices[i])
		}
	}
}

func TestComputeLadderMinNotionalSurfaces(t *testing.T) {
	t.Parallel()

	params := ladderParams()
	params.SafetyOrderAmount = dec("5") // below minNotional 10
	params.SafetyOrderSizeMult = dec("1")

	_, err := ComputeLadder(params, types.Long, dec("50000"), testFilters())
	var fe *exchange.FilterError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want FilterError", err)
	}
}

func TestValidateLadder(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*types.BotParams)
		dir    types.Direction
		ok     bool
	}{
		{"funded, no limits", nil, types.Long, true},
		{"base below notional", func(p *types.BotParams) {
			p.BaseOrderAmount = dec("5")
		}, types.Long, false},
		{"rung below notional", func(p *types.BotParams) {
			p.SafetyOrderAmount = dec("9")
			p.SafetyOrderSizeMult = dec("1")
		}, types.Long, false},
		{"anchored at lower limit", func(p *types.BotParams) {
			p.LowerPriceLimit = dec("48000")
		}, types.Long, true},
		{"short anchored at upper limit", func(p *types.BotParams) {
			p.UpperPriceLimit = dec("52000")
		}, types.Short, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := ladderParams()
			if tt.mutate != nil {
				tt.mutate(&params)
			}
			err := ValidateLadder(params, tt.dir, testFilters())
			if tt.ok && err != nil {
				t.Errorf("ValidateLadder: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("ValidateLadder accepted an unfundable ladder")
			}
		})
	}
}

func TestTakeProfitPrice(t *testing.T) {
	t.Parallel()

	params := ladderParams()
	f := testFilters()

	if got := TakeProfitPrice(params, types.Long, dec("50000"), f); !got.Equal(dec("50500")) {
		t.Errorf("long tp = %s, want 50500", got)
	}
	if got := TakeProfitPrice(params, types.Short, dec("50000"), f); !got.Equal(dec("49500")) {
		t.Errorf("short tp = %s, want 49500", got)
	}

	// Rounding at submission: 1% above 49748.76 is 50246.2476, half-to-even
	// on the 0.01 tick grid gives 50246.25.
	got := TakeProfitPrice(params, types.Long, dec("49748.76"), f)
	if !got.Equal(dec("50246.25")) {
		t.Errorf("tp = %s, want 50246.25", got)
	}
}
