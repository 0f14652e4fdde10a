package store

import (
	"testing"

	"github.com/shopspring/decimal"

	"dcabot/pkg/types"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to types.OrderStatus
		want     bool
	}{
		{types.OrderPendingPlacement, types.OrderOpen, true},
		{types.OrderPendingPlacement, types.OrderRejected, true},
		{types.OrderOpen, types.OrderPartiallyFilled, true},
		{types.OrderOpen, types.OrderFilled, true},
		{types.OrderOpen, types.OrderCancelled, true},
		{types.OrderPartiallyFilled, types.OrderFilled, true},
		{types.OrderPartiallyFilled, types.OrderCancelled, true},
		{types.OrderUnknown, types.OrderFilled, true},
		{types.OrderOpen, types.OrderUnknown, true},

		// No going backwards.
		{types.OrderPartiallyFilled, types.OrderOpen, false},
		{types.OrderFilled, types.OrderCancelled, false},
		{types.OrderFilled, types.OrderOpen, false},
		{types.OrderCancelled, types.OrderFilled, false},
		{types.OrderRejected, types.OrderOpen, false},
	}
	for _, tt := range tests {
		if got := canTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestApplyReportProgressesPartialFills(t *testing.T) {
	t.Parallel()

	order := types.Order{
		Status:    types.OrderOpen,
		FilledQty: decimal.Zero,
	}

	first := types.ExecutionReport{
		Status:          types.OrderPartiallyFilled,
		ExecutedQty:     dec("0.001"),
		CumulativeQuote: dec("49.50"),
		ExchangeOrderID: 42,
	}
	order, applied := applyReport(order, first)
	if !applied {
		t.Fatal("first partial not applied")
	}
	if !order.FilledQty.Equal(dec("0.001")) || order.ExchangeOrderID != 42 {
		t.Errorf("order = %+v", order)
	}
	if !order.FilledPrice.Equal(dec("49500")) {
		t.Errorf("FilledPrice = %s, want 49500", order.FilledPrice)
	}

	// Exact redelivery: same status, same cumulative quantity.
	if _, applied := applyReport(order, first); applied {
		t.Error("redelivered report applied twice")
	}

	// Stale report carrying less quantity.
	stale := first
	stale.ExecutedQty = dec("0.0005")
	if _, applied := applyReport(order, stale); applied {
		t.Error("stale report applied")
	}

	// Progress.
	final := types.ExecutionReport{
		Status:          types.OrderFilled,
		ExecutedQty:     dec("0.002"),
		CumulativeQuote: dec("99.10"),
	}
	order, applied = applyReport(order, final)
	if !applied {
		t.Fatal("fill not applied")
	}
	if order.Status != types.OrderFilled || !order.FilledQty.Equal(dec("0.002")) {
		t.Errorf("order = %+v", order)
	}

	// Terminal is immutable.
	if _, applied := applyReport(order, first); applied {
		t.Error("report applied to terminal order")
	}
}

func TestApplyReportCancelAfterPartial(t *testing.T) {
	t.Parallel()

	order := types.Order{
		Status:      types.OrderPartiallyFilled,
		FilledQty:   dec("0.001"),
		FilledQuote: dec("49.50"),
	}
	cancel := types.ExecutionReport{
		Status:      types.OrderCancelled,
		ExecutedQty: dec("0.001"),
	}
	order, applied := applyReport(order, cancel)
	if !applied {
		t.Fatal("cancel not applied")
	}
	if order.Status != types.OrderCancelled {
		t.Errorf("Status = %s", order.Status)
	}
	// The partial fill survives the cancel.
	if !order.FilledQty.Equal(dec("0.001")) {
		t.Errorf("FilledQty = %s, want 0.001 preserved", order.FilledQty)
	}
}
