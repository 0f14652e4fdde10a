// Package balance values an exchange account's holdings in the quote
// currency. Prices come from the market-data cache; assets with no cached
// price are reported unpriced rather than guessed at.
package balance

import (
	"context"

	"github.com/shopspring/decimal"

	"dcabot/pkg/types"
)

// Fetcher returns the account's raw balances, implemented by the exchange
// client.
type Fetcher interface {
	Balances(ctx context.Context) ([]types.Balance, error)
}

// PriceSource resolves a symbol's latest price, implemented by
// marketdata.Service.
type PriceSource interface {
	LastTicker(symbol string) (types.TickerUpdate, bool)
}

// Snapshot is one account's balances with a quote-currency valuation.
type Snapshot struct {
	Quote      string          `json:"quote"`
	Balances   []types.Balance `json:"balances"`
	TotalValue decimal.Decimal `json:"total_value"`
	Unpriced   []string        `json:"unpriced,omitempty"`
}

// Valuator values balances against one quote currency.
type Valuator struct {
	quote  string
	prices PriceSource
}

// NewValuator creates a Valuator. quote defaults to USDT when empty.
func NewValuator(quote string, prices PriceSource) *Valuator {
	if quote == "" {
		quote = "USDT"
	}
	return &Valuator{quote: quote, prices: prices}
}

// Snapshot fetches and values the account's balances. Free and locked both
// count: locked funds are still the user's money, just resting in orders.
func (v *Valuator) Snapshot(ctx context.Context, fetcher Fetcher) (*Snapshot, error) {
	balances, err := fetcher.Balances(ctx)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{Quote: v.quote, Balances: balances, TotalValue: decimal.Zero}
	for _, b := range balances {
		total := b.Free.Add(b.Locked)
		if b.Asset == v.quote {
			snap.TotalValue = snap.TotalValue.Add(total)
			continue
		}
		tick, ok := v.prices.LastTicker(b.Asset + v.quote)
		if !ok || !tick.Price.IsPositive() {
			snap.Unpriced = append(snap.Unpriced, b.Asset)
			continue
		}
		snap.TotalValue = snap.TotalValue.Add(total.Mul(tick.Price))
	}
	return snap, nil
}
