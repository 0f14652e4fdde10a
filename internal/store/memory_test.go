package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"dcabot/pkg/types"
)

func seedBot(t *testing.T, m *Memory) *types.Bot {
	t.Helper()
	bot := &types.Bot{
		UserID:            7,
		ExchangeAccountID: 1,
		Name:              "btc-dca",
		Strategy:          "martingale",
		Symbol:            "BTCUSDT",
		Direction:         types.Long,
		Status:            types.BotPending,
	}
	if err := m.CreateBot(context.Background(), bot); err != nil {
		t.Fatalf("CreateBot: %v", err)
	}
	return bot
}

func TestBotLifecycle(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()
	bot := seedBot(t, m)

	got, err := m.GetBot(ctx, bot.ID)
	if err != nil {
		t.Fatalf("GetBot: %v", err)
	}
	if got.Name != "btc-dca" || got.Status != types.BotPending {
		t.Errorf("bot = %+v", got)
	}

	if err := m.UpdateBotStatus(ctx, bot.ID, types.BotActive, ""); err != nil {
		t.Fatalf("UpdateBotStatus: %v", err)
	}
	got, _ = m.GetBot(ctx, bot.ID)
	if got.Status != types.BotActive {
		t.Errorf("Status = %s", got.Status)
	}

	bots, err := m.ListBots(ctx, 7)
	if err != nil || len(bots) != 1 {
		t.Fatalf("ListBots = %v, %v", bots, err)
	}
	if bots, _ := m.ListBots(ctx, 99); len(bots) != 0 {
		t.Errorf("ListBots(99) = %d bots", len(bots))
	}

	if err := m.DeleteBot(ctx, bot.ID); err != nil {
		t.Fatalf("DeleteBot: %v", err)
	}
	if _, err := m.GetBot(ctx, bot.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetBot after delete = %v, want ErrNotFound", err)
	}
}

func TestSingleActiveCyclePerBot(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()
	bot := seedBot(t, m)

	first := &types.Cycle{BotID: bot.ID, CycleNumber: 1, Status: types.CycleActive}
	if err := m.CreateCycle(ctx, first); err != nil {
		t.Fatalf("CreateCycle: %v", err)
	}

	second := &types.Cycle{BotID: bot.ID, CycleNumber: 2, Status: types.CycleActive}
	if err := m.CreateCycle(ctx, second); !errors.Is(err, ErrConflict) {
		t.Fatalf("second active cycle: err = %v, want ErrConflict", err)
	}

	// Complete the first; a new active cycle is allowed again.
	now := time.Now().UTC()
	first.Status = types.CycleCompleted
	first.CompletedAt = &now
	if err := m.UpdateCycle(ctx, first); err != nil {
		t.Fatalf("UpdateCycle: %v", err)
	}
	if err := m.CreateCycle(ctx, second); err != nil {
		t.Fatalf("CreateCycle after completion: %v", err)
	}

	active, err := m.ActiveCycle(ctx, bot.ID)
	if err != nil {
		t.Fatalf("ActiveCycle: %v", err)
	}
	if active.CycleNumber != 2 {
		t.Errorf("active cycle = %d, want 2", active.CycleNumber)
	}
}

func TestOrderClientIDUnique(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	order := &types.Order{ClientOrderID: "bot1-c1-base", Status: types.OrderPendingPlacement}
	if err := m.CreateOrder(ctx, order); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	dup := &types.Order{ClientOrderID: "bot1-c1-base", Status: types.OrderPendingPlacement}
	if err := m.CreateOrder(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate client ID: err = %v, want ErrConflict", err)
	}
}

func TestApplyExecutionReportEndToEnd(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	order := &types.Order{
		CycleID:       1,
		BotID:         1,
		ClientOrderID: "bot1-c1-s1",
		Status:        types.OrderPendingPlacement,
	}
	if err := m.CreateOrder(ctx, order); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	report := types.ExecutionReport{
		ClientOrderID:   "bot1-c1-s1",
		ExchangeOrderID: 555,
		Status:          types.OrderFilled,
		ExecutedQty:     dec("0.002"),
		CumulativeQuote: dec("99.00"),
	}
	got, applied, err := m.ApplyExecutionReport(ctx, report)
	if err != nil || !applied {
		t.Fatalf("ApplyExecutionReport = %v applied=%v", err, applied)
	}
	if got.Status != types.OrderFilled || got.ExchangeOrderID != 555 {
		t.Errorf("order = %+v", got)
	}
	if !got.FilledPrice.Equal(dec("49500")) {
		t.Errorf("FilledPrice = %s, want 49500", got.FilledPrice)
	}

	// Redelivery is a no-op, not an error.
	if _, applied, err := m.ApplyExecutionReport(ctx, report); err != nil || applied {
		t.Errorf("redelivery: applied=%v err=%v", applied, err)
	}

	// Unmatched client order ID.
	orphan := report
	orphan.ClientOrderID = "someone-else"
	if _, _, err := m.ApplyExecutionReport(ctx, orphan); !errors.Is(err, ErrNotFound) {
		t.Errorf("orphan report: err = %v, want ErrNotFound", err)
	}
}

func TestSetOrderStatusRefusesRegression(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	order := &types.Order{ClientOrderID: "o1", Status: types.OrderFilled}
	if err := m.CreateOrder(ctx, order); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if _, err := m.SetOrderStatus(ctx, "o1", types.OrderCancelled, ""); !errors.Is(err, ErrConflict) {
		t.Errorf("terminal overwrite: err = %v, want ErrConflict", err)
	}
}

func TestArchiveBotMovesRows(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()
	bot := seedBot(t, m)

	cycle := &types.Cycle{BotID: bot.ID, CycleNumber: 1, Status: types.CycleActive}
	if err := m.CreateCycle(ctx, cycle); err != nil {
		t.Fatalf("CreateCycle: %v", err)
	}
	order := &types.Order{
		CycleID: cycle.ID, BotID: bot.ID,
		ClientOrderID: "bot1-c1-base", Status: types.OrderFilled,
	}
	if err := m.CreateOrder(ctx, order); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	if err := m.ArchiveBot(ctx, bot.ID); err != nil {
		t.Fatalf("ArchiveBot: %v", err)
	}
	if _, err := m.GetOrderByClientID(ctx, "bot1-c1-base"); !errors.Is(err, ErrNotFound) {
		t.Errorf("live order survived archive: %v", err)
	}
	if got := m.ArchivedOrders(); len(got) != 1 || got[0].ClientOrderID != "bot1-c1-base" {
		t.Errorf("archive = %+v", got)
	}
	if _, err := m.ActiveCycle(ctx, bot.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("active cycle survived archive: %v", err)
	}
}

func TestBotStatsAndCycleProfits(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()
	bot := seedBot(t, m)

	done := time.Now().UTC()
	for i, profit := range []string{"1.25", "0.80"} {
		c := &types.Cycle{
			BotID:          bot.ID,
			CycleNumber:    i + 1,
			Status:         types.CycleCompleted,
			RealizedProfit: dec(profit),
			CompletedAt:    &done,
		}
		if err := m.CreateCycle(ctx, c); err != nil {
			t.Fatalf("CreateCycle: %v", err)
		}
	}
	active := &types.Cycle{BotID: bot.ID, CycleNumber: 3, Status: types.CycleActive}
	if err := m.CreateCycle(ctx, active); err != nil {
		t.Fatalf("CreateCycle: %v", err)
	}

	stats, err := m.BotStats(ctx, bot.ID)
	if err != nil {
		t.Fatalf("BotStats: %v", err)
	}
	if stats.CompletedCycles != 2 {
		t.Errorf("CompletedCycles = %d, want 2", stats.CompletedCycles)
	}
	if !stats.TotalProfit.Equal(dec("2.05")) {
		t.Errorf("TotalProfit = %s, want 2.05", stats.TotalProfit)
	}
	if stats.ActiveCycleID != active.ID {
		t.Errorf("ActiveCycleID = %d, want %d", stats.ActiveCycleID, active.ID)
	}

	profits, err := m.CycleProfits(ctx, bot.ID)
	if err != nil {
		t.Fatalf("CycleProfits: %v", err)
	}
	if len(profits) != 2 || !profits[0].Profit.Equal(dec("1.25")) {
		t.Errorf("profits = %+v", profits)
	}
}
