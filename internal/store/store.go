// Package store is the durable system of record for bots, cycles and orders.
//
// Two backends implement Store: Postgres for deployments and an in-memory
// store for tests and local development. Both enforce the same order-state
// rules via transition.go: statuses only move forward, terminal statuses are
// immutable, and redelivered execution reports apply at most once.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"dcabot/pkg/types"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write loses a uniqueness race, e.g.
	// creating a second active cycle for the same bot.
	ErrConflict = errors.New("conflict")
)

// BotStats is the per-bot aggregate served by the stats endpoints.
type BotStats struct {
	BotID           int64           `json:"bot_id"`
	CompletedCycles int             `json:"completed_cycles"`
	TotalProfit     decimal.Decimal `json:"total_profit"`
	ActiveCycleID   int64           `json:"active_cycle_id,omitempty"`
	LastCompletedAt *time.Time      `json:"last_completed_at,omitempty"`
}

// CycleProfit is one completed cycle's realized result.
type CycleProfit struct {
	CycleID     int64           `json:"cycle_id"`
	BotID       int64           `json:"bot_id"`
	CycleNumber int             `json:"cycle_number"`
	Profit      decimal.Decimal `json:"profit"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Store is the persistence interface used by the supervisor and engine.
type Store interface {
	// Exchange accounts.
	CreateAccount(ctx context.Context, acct *types.ExchangeAccount) error
	GetAccount(ctx context.Context, id int64) (*types.ExchangeAccount, error)

	// Bots.
	CreateBot(ctx context.Context, bot *types.Bot) error
	GetBot(ctx context.Context, id int64) (*types.Bot, error)
	ListBots(ctx context.Context, userID int64) ([]*types.Bot, error)
	UpdateBotStatus(ctx context.Context, id int64, status types.BotStatus, errMsg string) error
	DeleteBot(ctx context.Context, id int64) error

	// Cycles. At most one active cycle exists per bot; CreateCycle returns
	// ErrConflict when that would be violated.
	CreateCycle(ctx context.Context, cycle *types.Cycle) error
	GetCycle(ctx context.Context, id int64) (*types.Cycle, error)
	ActiveCycle(ctx context.Context, botID int64) (*types.Cycle, error)
	ListCycles(ctx context.Context, botID int64) ([]*types.Cycle, error)
	UpdateCycle(ctx context.Context, cycle *types.Cycle) error

	// Orders. ClientOrderID is unique across all orders.
	CreateOrder(ctx context.Context, order *types.Order) error
	GetOrderByClientID(ctx context.Context, clientOrderID string) (*types.Order, error)
	ListOrders(ctx context.Context, cycleID int64) ([]*types.Order, error)
	ListOrdersForBot(ctx context.Context, botID int64) ([]*types.Order, error)
	OpenOrders(ctx context.Context, cycleID int64) ([]*types.Order, error)

	// SetOrderStatus moves an order to a new status under the monotonic
	// transition rules, recording reason on failures and cancellations.
	SetOrderStatus(ctx context.Context, clientOrderID string, status types.OrderStatus, reason string) (*types.Order, error)

	// ApplyExecutionReport folds a stream report into the order record.
	// Returns the updated order and whether the report changed anything;
	// redelivered and stale reports return applied=false with no error.
	// An unmatched ClientOrderID returns ErrNotFound.
	ApplyExecutionReport(ctx context.Context, report types.ExecutionReport) (*types.Order, bool, error)

	// ArchiveBot moves the bot's cycles and orders into the archive tables
	// and removes the live rows. Called on bot deletion; the audit trail
	// survives the bot.
	ArchiveBot(ctx context.Context, botID int64) error

	// Stats.
	BotStats(ctx context.Context, botID int64) (*BotStats, error)
	CycleProfits(ctx context.Context, botID int64) ([]CycleProfit, error)

	Close() error
}
