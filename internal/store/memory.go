// memory.go is the in-memory Store used by tests and --database-less dev runs.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"dcabot/pkg/types"
)

// Memory implements Store with maps under a single mutex. Copies in, copies
// out: callers never share pointers with the store's internal state.
type Memory struct {
	mu sync.Mutex

	nextID   int64
	accounts map[int64]types.ExchangeAccount
	bots     map[int64]types.Bot
	cycles   map[int64]types.Cycle
	orders   map[string]types.Order // keyed by client order ID

	archivedCycles []types.Cycle
	archivedOrders []types.Order
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[int64]types.ExchangeAccount),
		bots:     make(map[int64]types.Bot),
		cycles:   make(map[int64]types.Cycle),
		orders:   make(map[string]types.Order),
	}
}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

// ————————————————————————————————————————————————————————————————————————
// Accounts
// ————————————————————————————————————————————————————————————————————————

func (m *Memory) CreateAccount(_ context.Context, acct *types.ExchangeAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct.ID = m.id()
	m.accounts[acct.ID] = *acct
	return nil
}

func (m *Memory) GetAccount(_ context.Context, id int64) (*types.ExchangeAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &acct, nil
}

// ————————————————————————————————————————————————————————————————————————
// Bots
// ————————————————————————————————————————————————————————————————————————

func (m *Memory) CreateBot(_ context.Context, bot *types.Bot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bot.ID = m.id()
	if bot.CreatedAt.IsZero() {
		bot.CreatedAt = time.Now().UTC()
	}
	m.bots[bot.ID] = *bot
	return nil
}

func (m *Memory) GetBot(_ context.Context, id int64) (*types.Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bot, ok := m.bots[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &bot, nil
}

func (m *Memory) ListBots(_ context.Context, userID int64) ([]*types.Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Bot
	for _, bot := range m.bots {
		if userID == 0 || bot.UserID == userID {
			b := bot
			out = append(out, &b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpdateBotStatus(_ context.Context, id int64, status types.BotStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bot, ok := m.bots[id]
	if !ok {
		return ErrNotFound
	}
	bot.Status = status
	bot.ErrorMessage = errMsg
	m.bots[id] = bot
	return nil
}

func (m *Memory) DeleteBot(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bots[id]; !ok {
		return ErrNotFound
	}
	delete(m.bots, id)
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Cycles
// ————————————————————————————————————————————————————————————————————————

func (m *Memory) CreateCycle(_ context.Context, cycle *types.Cycle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cycle.Status == types.CycleActive {
		for _, c := range m.cycles {
			if c.BotID == cycle.BotID && c.Status == types.CycleActive {
				return ErrConflict
			}
		}
	}
	cycle.ID = m.id()
	if cycle.StartedAt.IsZero() {
		cycle.StartedAt = time.Now().UTC()
	}
	m.cycles[cycle.ID] = *cycle
	return nil
}

func (m *Memory) GetCycle(_ context.Context, id int64) (*types.Cycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cycle, ok := m.cycles[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &cycle, nil
}

func (m *Memory) ActiveCycle(_ context.Context, botID int64) (*types.Cycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.cycles {
		if c.BotID == botID && c.Status == types.CycleActive {
			cycle := c
			return &cycle, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListCycles(_ context.Context, botID int64) ([]*types.Cycle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Cycle
	for _, c := range m.cycles {
		if c.BotID == botID {
			cycle := c
			out = append(out, &cycle)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CycleNumber < out[j].CycleNumber })
	return out, nil
}

func (m *Memory) UpdateCycle(_ context.Context, cycle *types.Cycle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cycles[cycle.ID]; !ok {
		return ErrNotFound
	}
	m.cycles[cycle.ID] = *cycle
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

func (m *Memory) CreateOrder(_ context.Context, order *types.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[order.ClientOrderID]; ok {
		return ErrConflict
	}
	order.ID = m.id()
	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	m.orders[order.ClientOrderID] = *order
	return nil
}

func (m *Memory) GetOrderByClientID(_ context.Context, clientOrderID string) (*types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[clientOrderID]
	if !ok {
		return nil, ErrNotFound
	}
	return &order, nil
}

func (m *Memory) ListOrders(_ context.Context, cycleID int64) ([]*types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selectOrders(func(o types.Order) bool { return o.CycleID == cycleID }), nil
}

func (m *Memory) ListOrdersForBot(_ context.Context, botID int64) ([]*types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selectOrders(func(o types.Order) bool { return o.BotID == botID }), nil
}

func (m *Memory) OpenOrders(_ context.Context, cycleID int64) ([]*types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selectOrders(func(o types.Order) bool {
		return o.CycleID == cycleID && !o.Status.Terminal() && o.Status != types.OrderPendingPlacement
	}), nil
}

// selectOrders must be called with the mutex held.
func (m *Memory) selectOrders(keep func(types.Order) bool) []*types.Order {
	var out []*types.Order
	for _, o := range m.orders {
		if keep(o) {
			order := o
			out = append(out, &order)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) SetOrderStatus(_ context.Context, clientOrderID string, status types.OrderStatus, reason string) (*types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[clientOrderID]
	if !ok {
		return nil, ErrNotFound
	}
	if !canTransition(order.Status, status) {
		return nil, ErrConflict
	}
	order.Status = status
	if reason != "" {
		order.FailReason = reason
	}
	order.UpdatedAt = time.Now().UTC()
	m.orders[clientOrderID] = order
	return &order, nil
}

func (m *Memory) ApplyExecutionReport(_ context.Context, report types.ExecutionReport) (*types.Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[report.ClientOrderID]
	if !ok {
		return nil, false, ErrNotFound
	}
	updated, applied := applyReport(order, report)
	if applied {
		updated.UpdatedAt = time.Now().UTC()
		m.orders[report.ClientOrderID] = updated
	}
	return &updated, applied, nil
}

// ————————————————————————————————————————————————————————————————————————
// Archive and stats
// ————————————————————————————————————————————————————————————————————————

func (m *Memory) ArchiveBot(_ context.Context, botID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.cycles {
		if c.BotID == botID {
			m.archivedCycles = append(m.archivedCycles, c)
			delete(m.cycles, id)
		}
	}
	for cid, o := range m.orders {
		if o.BotID == botID {
			m.archivedOrders = append(m.archivedOrders, o)
			delete(m.orders, cid)
		}
	}
	return nil
}

// ArchivedOrders returns the archive contents. Test helper.
func (m *Memory) ArchivedOrders() []types.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Order(nil), m.archivedOrders...)
}

func (m *Memory) BotStats(_ context.Context, botID int64) (*BotStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &BotStats{BotID: botID, TotalProfit: decimal.Zero}
	for _, c := range m.cycles {
		if c.BotID != botID {
			continue
		}
		switch c.Status {
		case types.CycleCompleted:
			stats.CompletedCycles++
			stats.TotalProfit = stats.TotalProfit.Add(c.RealizedProfit)
			if c.CompletedAt != nil && (stats.LastCompletedAt == nil || c.CompletedAt.After(*stats.LastCompletedAt)) {
				t := *c.CompletedAt
				stats.LastCompletedAt = &t
			}
		case types.CycleActive:
			stats.ActiveCycleID = c.ID
		}
	}
	return stats, nil
}

func (m *Memory) CycleProfits(_ context.Context, botID int64) ([]CycleProfit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []CycleProfit
	for _, c := range m.cycles {
		if c.BotID != botID || c.Status != types.CycleCompleted || c.CompletedAt == nil {
			continue
		}
		out = append(out, CycleProfit{
			CycleID:     c.ID,
			BotID:       c.BotID,
			CycleNumber: c.CycleNumber,
			Profit:      c.RealizedProfit,
			CompletedAt: *c.CompletedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CycleNumber < out[j].CycleNumber })
	return out, nil
}

func (m *Memory) Close() error { return nil }

var _ Store = (*Memory)(nil)
