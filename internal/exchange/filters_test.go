package exchange

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"dcabot/pkg/types"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func btcFilters() types.SymbolFilters {
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

func TestQuantizePrice(t *testing.T) {
	t.Parallel()

	f := btcFilters()
	tests := []struct {
		in   string
		want string
	}{
		{"50246.24", "50246.24"},
		{"50246.244", "50246.24"},
		{"50246.246", "50246.25"},
		// Half-to-even at the tick midpoint: .245 is 5024624.5 ticks.
		{"50246.245", "50246.24"},
		{"50246.255", "50246.26"},
		{"50000", "50000"},
	}
	for _, tt := range tests {
		if got := QuantizePrice(dec(tt.in), f); !got.Equal(dec(tt.want)) {
			t.Errorf("QuantizePrice(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestQuantizeQtyFloors(t *testing.T) {
	t.Parallel()

	f := btcFilters()
	tests := []struct {
		in   string
		want string
	}{
		{"0.002", "0.002"},
		{"0.0019996", "0.00199"},
		{"0.00200999", "0.002"},
		{"0.000009", "0"}, // below one step
	}
	for _, tt := range tests {
		if got := QuantizeQty(dec(tt.in), f); !got.Equal(dec(tt.want)) {
			t.Errorf("QuantizeQty(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestQuantizeOrder(t *testing.T) {
	t.Parallel()

	f := btcFilters()
	p, q, err := QuantizeOrder(dec("50246.245"), dec("0.0019996"), f)
	if err != nil {
		t.Fatalf("QuantizeOrder: %v", err)
	}
	if !p.Equal(dec("50246.24")) {
		t.Errorf("price = %s, want 50246.24", p)
	}
	if !q.Equal(dec("0.00199")) {
		t.Errorf("qty = %s, want 0.00199", q)
	}
}

func TestQuantizeOrderBelowMinNotional(t *testing.T) {
	t.Parallel()

	f := btcFilters()
	_, _, err := QuantizeOrder(dec("50000"), dec("0.0001"), f) // notional 5 < 10
	var fe *FilterError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want FilterError", err)
	}
	if fe.Reason != ReasonBelowMinNotional {
		t.Errorf("reason = %q, want %q", fe.Reason, ReasonBelowMinNotional)
	}
}

func TestQuantizeOrderClampsToMinQty(t *testing.T) {
	t.Parallel()

	f := btcFilters()
	f.MinQty = dec("0.001")
	f.MinNotional = dec("10")

	_, q, err := QuantizeOrder(dec("50000"), dec("0.0004"), f)
	if err != nil {
		t.Fatalf("QuantizeOrder: %v", err)
	}
	if !q.Equal(dec("0.001")) {
		t.Errorf("qty = %s, want clamped 0.001", q)
	}
}

func TestQtyForQuote(t *testing.T) {
	t.Parallel()

	f := btcFilters()
	q, err := QtyForQuote(dec("100"), dec("50000"), f)
	if err != nil {
		t.Fatalf("QtyForQuote: %v", err)
	}
	if !q.Equal(dec("0.002")) {
		t.Errorf("qty = %s, want 0.002", q)
	}

	if _, err := QtyForQuote(dec("100"), decimal.Zero, f); err == nil {
		t.Error("QtyForQuote accepted zero price")
	}
}
