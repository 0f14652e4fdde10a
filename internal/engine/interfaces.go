// interfaces.go declares the collaborators the engine depends on. The
// concrete implementations live in internal/exchange and internal/store; the
// engine only sees these narrow views, which is also what the tests mock.
package engine

import (
	"context"

	"dcabot/internal/exchange"
	"dcabot/pkg/types"
)

// Gateway is the slice of the exchange client a cycle needs.
type Gateway interface {
	PlaceOrder(ctx context.Context, req exchange.PlaceOrderRequest) (*exchange.OrderAck, error)
	CancelOrder(ctx context.Context, symbol, clientOrderID string) error
	QueryOrder(ctx context.Context, symbol, clientOrderID string) (*exchange.OrderAck, error)
	OpenOrders(ctx context.Context, symbol string) ([]exchange.OpenOrder, error)
	SymbolFilters(ctx context.Context, symbol string) (types.SymbolFilters, error)
	RefreshFilters(symbol string)
}

// EventSink receives engine-side state changes for fan-out to clients.
// Implementations must not block; the hub buffers and drops internally.
type EventSink interface {
	BotStatus(bot *types.Bot)
	CycleUpdate(cycle *types.Cycle)
	OrderUpdate(order *types.Order)
	OrderFill(order *types.Order, report types.ExecutionReport)
}

// NopSink discards all events. Used in tests and recovery paths where no hub
// is attached yet.
type NopSink struct{}

func (NopSink) BotStatus(*types.Bot)                          {}
func (NopSink) CycleUpdate(*types.Cycle)                      {}
func (NopSink) OrderUpdate(*types.Order)                      {}
func (NopSink) OrderFill(*types.Order, types.ExecutionReport) {}
