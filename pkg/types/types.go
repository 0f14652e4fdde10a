// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the trading core — bots, cycles,
// orders, symbol filters, balances, and the exchange stream payloads. It has
// no dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// OrderType enumerates supported exchange order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderRole identifies an order's function within a cycle.
type OrderRole string

const (
	RoleBase        OrderRole = "base"
	RoleSafety      OrderRole = "safety"
	RoleTakeProfit  OrderRole = "take_profit"
	RoleLiquidation OrderRole = "liquidation"
)

// OrderStatus is the lifecycle state of an order we have issued.
// pending_placement is written before the first network call so a crash
// between submit and ack leaves a recoverable trace.
type OrderStatus string

const (
	OrderPendingPlacement OrderStatus = "pending_placement"
	OrderOpen             OrderStatus = "open"
	OrderPartiallyFilled  OrderStatus = "partially_filled"
	OrderFilled           OrderStatus = "filled"
	OrderCancelled        OrderStatus = "cancelled"
	OrderRejected         OrderStatus = "rejected"
	OrderFailed           OrderStatus = "failed"
	OrderUnknown          OrderStatus = "unknown"
)

// Terminal reports whether the status is final. Terminal statuses are
// immutable: later reports with a different status are refused.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderFailed:
		return true
	}
	return false
}

// Direction is the bot's trade direction. A long bot buys the ladder and
// take-profits with a sell; a short bot mirrors both.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// BotStatus is the lifecycle state of a bot.
type BotStatus string

const (
	BotPending  BotStatus = "pending"
	BotActive   BotStatus = "active"
	BotInactive BotStatus = "inactive"
	BotFailed   BotStatus = "failed"
)

// CycleStatus is the lifecycle state of one open-to-close round trip.
type CycleStatus string

const (
	CycleActive    CycleStatus = "active"
	CycleCompleted CycleStatus = "completed"
	CycleAborted   CycleStatus = "aborted"
	CycleFailed    CycleStatus = "failed"
)

// TakeProfitMode selects how the take-profit exit behaves.
type TakeProfitMode string

const (
	TakeProfitFixed    TakeProfitMode = "fixed"
	TakeProfitTrailing TakeProfitMode = "trailing"
)

// ExchangeKind distinguishes testnet from live accounts.
type ExchangeKind string

const (
	ExchangeTestnet ExchangeKind = "testnet"
	ExchangeLive    ExchangeKind = "live"
)

// ————————————————————————————————————————————————————————————————————————
// Accounts and bots
// ————————————————————————————————————————————————————————————————————————

// ExchangeAccount is one configured exchange connection. Credentials arrive
// already decrypted from the credential collaborator and are never persisted
// by the core.
type ExchangeAccount struct {
	ID              int64        `json:"id"`
	UserID          int64        `json:"user_id"`
	DisplayName     string       `json:"display_name"`
	Kind            ExchangeKind `json:"kind"`
	RESTBaseURL     string       `json:"rest_base_url"`
	MarketStreamURL string       `json:"market_stream_url"`
	UserStreamURL   string       `json:"user_stream_url"`
	APIKey          string       `json:"-"`
	APISecret       string       `json:"-"`
	Active          bool         `json:"active"`
}

// BotParams is the Martingale strategy configuration for one bot.
// Amounts are in quote currency.
type BotParams struct {
	BaseOrderAmount          decimal.Decimal `json:"base_order_amount"`
	SafetyOrderAmount        decimal.Decimal `json:"safety_order_amount"`
	MaxSafetyOrders          int             `json:"max_safety_orders"`
	ActiveSafetyOrders       int             `json:"active_safety_orders"`
	PriceDeviationPct        decimal.Decimal `json:"price_deviation_pct"`
	PriceDeviationMultiplier decimal.Decimal `json:"price_deviation_multiplier"`
	SafetyOrderSizeMult      decimal.Decimal `json:"safety_order_size_multiplier"`
	TakeProfitPct            decimal.Decimal `json:"take_profit_pct"`
	TakeProfitMode           TakeProfitMode  `json:"take_profit_mode"`
	TrailingPct              decimal.Decimal `json:"trailing_pct"`
	CooldownSeconds          int             `json:"cooldown_between_rounds_seconds"`
	LowerPriceLimit          decimal.Decimal `json:"lower_price_limit"` // zero = unset
	UpperPriceLimit          decimal.Decimal `json:"upper_price_limit"` // zero = unset
}

// Bot is one configured strategy instance trading a single symbol.
type Bot struct {
	ID                int64     `json:"id"`
	UserID            int64     `json:"user_id"`
	ExchangeAccountID int64     `json:"exchange_account_id"`
	Name              string    `json:"name"`
	Strategy          string    `json:"strategy"` // always "martingale"
	Symbol            string    `json:"symbol"`
	Direction         Direction `json:"direction"`
	Status            BotStatus `json:"status"`
	ErrorMessage      string    `json:"error_message,omitempty"`
	Params            BotParams `json:"params"`
	CreatedAt         time.Time `json:"created_at"`
}

// ————————————————————————————————————————————————————————————————————————
// Cycles and orders
// ————————————————————————————————————————————————————————————————————————

// Cycle is one open-to-close round trip of a bot. Exactly one cycle per bot
// is active at any time. TotalBaseQuantity and TotalQuoteInvest are running
// totals maintained by the cycle manager; realized profit at completion is
// recomputed from the order repository's filled rows.
type Cycle struct {
	ID                int64           `json:"id"`
	BotID             int64           `json:"bot_id"`
	CycleNumber       int             `json:"cycle_number"`
	Status            CycleStatus     `json:"status"`
	StartedAt         time.Time       `json:"started_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	BaseFillPrice     decimal.Decimal `json:"base_fill_price"`
	AverageEntryPrice decimal.Decimal `json:"average_entry_price"`
	TotalBaseQuantity decimal.Decimal `json:"total_base_quantity"`
	TotalQuoteInvest  decimal.Decimal `json:"total_quote_invested"`
	RealizedProfit    decimal.Decimal `json:"realized_profit"`
	FailureReason     string          `json:"failure_reason,omitempty"`
}

// Order is the durable record of every order the core has issued.
// ClientOrderID is generated before placement and is the join key between
// our record and the exchange's user stream.
type Order struct {
	ID              int64           `json:"id"`
	CycleID         int64           `json:"cycle_id"`
	BotID           int64           `json:"bot_id"`
	Role            OrderRole       `json:"role"`
	Side            Side            `json:"side"`
	Type            OrderType       `json:"type"`
	Symbol          string          `json:"symbol"`
	IntendedPrice   decimal.Decimal `json:"intended_price"`
	IntendedQty     decimal.Decimal `json:"intended_quantity"`
	FilledPrice     decimal.Decimal `json:"filled_price"`
	FilledQty       decimal.Decimal `json:"filled_quantity"`
	FilledQuote     decimal.Decimal `json:"filled_quote"`
	Status          OrderStatus     `json:"status"`
	ExchangeOrderID int64           `json:"exchange_order_id,omitempty"`
	ClientOrderID   string          `json:"client_order_id"`
	SafetyIndex     int             `json:"safety_index,omitempty"` // 1-based ladder rung, 0 for non-safety
	FailReason      string          `json:"fail_reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// ————————————————————————————————————————————————————————————————————————
// Exchange data
// ————————————————————————————————————————————————————————————————————————

// SymbolFilters are the per-symbol rules the exchange enforces. Every price
// and quantity is quantized against these before submission.
type SymbolFilters struct {
	Symbol        string          `json:"symbol"`
	TickSize      decimal.Decimal `json:"tick_size"`
	StepSize      decimal.Decimal `json:"step_size"`
	MinQty        decimal.Decimal `json:"min_qty"`
	MinNotional   decimal.Decimal `json:"min_notional"`
	PriceDecimals int32           `json:"price_decimals"`
	QtyDecimals   int32           `json:"qty_decimals"`
}

// Balance is one asset's free/locked amounts on an exchange account.
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// ExecutionReport is an exchange-pushed order state change from the
// authenticated user-data stream.
type ExecutionReport struct {
	ClientOrderID   string          `json:"client_order_id"`
	ExchangeOrderID int64           `json:"exchange_order_id"`
	Symbol          string          `json:"symbol"`
	Side            Side            `json:"side"`
	Type            OrderType       `json:"type"`
	Status          OrderStatus     `json:"status"`
	ExecutedQty     decimal.Decimal `json:"executed_qty"`     // cumulative
	CumulativeQuote decimal.Decimal `json:"cumulative_quote"` // cumulative
	LastFillPrice   decimal.Decimal `json:"last_fill_price"`
	LastFillQty     decimal.Decimal `json:"last_fill_qty"`
	Commission      decimal.Decimal `json:"commission"`
	CommissionAsset string          `json:"commission_asset"`
	EventTime       int64           `json:"event_time"` // exchange milliseconds
}

// BalanceDelta is a balance change pushed on the user-data stream.
type BalanceDelta struct {
	Asset     string          `json:"asset"`
	Free      decimal.Decimal `json:"free"`
	Locked    decimal.Decimal `json:"locked"`
	EventTime int64           `json:"event_time"`
}

// TickerUpdate is one market-stream price tick.
type TickerUpdate struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	BidPrice  decimal.Decimal `json:"bid_price"`
	AskPrice  decimal.Decimal `json:"ask_price"`
	EventTime int64           `json:"event_time"`
}

// KlineUpdate is one market-stream candlestick update.
type KlineUpdate struct {
	Symbol    string          `json:"symbol"`
	Interval  string          `json:"interval"`
	OpenTime  int64           `json:"open_time"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	Closed    bool            `json:"closed"`
	EventTime int64           `json:"event_time"`
}

// Fill is a single execution returned inline with a REST order placement.
type Fill struct {
	Price      decimal.Decimal `json:"price"`
	Qty        decimal.Decimal `json:"qty"`
	Commission decimal.Decimal `json:"commission"`
}

// WeightedAvgPrice computes the volume-weighted average price of fills.
// Returns zero when there are no fills.
func WeightedAvgPrice(fills []Fill) decimal.Decimal {
	var notional, qty decimal.Decimal
	for _, f := range fills {
		notional = notional.Add(f.Price.Mul(f.Qty))
		qty = qty.Add(f.Qty)
	}
	if qty.IsZero() {
		return decimal.Zero
	}
	return notional.Div(qty)
}
