package balance

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"dcabot/pkg/types"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeFetcher struct {
	balances []types.Balance
	err      error
}

func (f fakeFetcher) Balances(context.Context) ([]types.Balance, error) {
	return f.balances, f.err
}

type fakePrices map[string]string

func (f fakePrices) LastTicker(symbol string) (types.TickerUpdate, bool) {
	p, ok := f[symbol]
	if !ok {
		return types.TickerUpdate{}, false
	}
	return types.TickerUpdate{Symbol: symbol, Price: dec(p)}, true
}

func TestSnapshotValuesInQuote(t *testing.T) {
	t.Parallel()

	v := NewValuator("USDT", fakePrices{"BTCUSDT": "50000", "ETHUSDT": "2500"})
	snap, err := v.Snapshot(context.Background(), fakeFetcher{balances: []types.Balance{
		{Asset: "USDT", Free: dec("1000"), Locked: dec("200")},
		{Asset: "BTC", Free: dec("0.002"), Locked: dec("0.001")},
		{Asset: "ETH", Free: dec("1"), Locked: dec("0")},
	}})
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	// 1200 + 0.003*50000 + 1*2500 = 1200 + 150 + 2500.
	if !snap.TotalValue.Equal(dec("3850")) {
		t.Errorf("TotalValue = %s, want 3850", snap.TotalValue)
	}
	if len(snap.Unpriced) != 0 {
		t.Errorf("Unpriced = %v", snap.Unpriced)
	}
}

func TestSnapshotReportsUnpriced(t *testing.T) {
	t.Parallel()

	v := NewValuator("", fakePrices{})
	snap, err := v.Snapshot(context.Background(), fakeFetcher{balances: []types.Balance{
		{Asset: "USDT", Free: dec("100")},
		{Asset: "XYZ", Free: dec("42")},
	}})
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !snap.TotalValue.Equal(dec("100")) {
		t.Errorf("TotalValue = %s, want 100", snap.TotalValue)
	}
	if len(snap.Unpriced) != 1 || snap.Unpriced[0] != "XYZ" {
		t.Errorf("Unpriced = %v, want [XYZ]", snap.Unpriced)
	}
	if snap.Quote != "USDT" {
		t.Errorf("Quote = %s, want USDT default", snap.Quote)
	}
}

func TestSnapshotFetchError(t *testing.T) {
	t.Parallel()

	v := NewValuator("USDT", fakePrices{})
	if _, err := v.Snapshot(context.Background(), fakeFetcher{err: errors.New("boom")}); err == nil {
		t.Fatal("Snapshot swallowed fetch error")
	}
}
