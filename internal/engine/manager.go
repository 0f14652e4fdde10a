// manager.go owns the set of cycle runners and the event plumbing between
// the exchange streams and them.
//
// One Manager serves the whole process. Execution reports are routed to the
// owning runner by looking up the client order ID in the store; ticks are
// routed by symbol. Cycle completion schedules the cooldown and the next
// cycle; cycle failure marks the bot failed and leaves it for the operator.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"dcabot/internal/config"
	"dcabot/internal/store"
	"dcabot/pkg/types"
)

// Manager supervises all running cycles.
type Manager struct {
	store  store.Store
	sink   EventSink
	cfg    config.EngineConfig
	logger *slog.Logger

	mu       sync.Mutex
	runners  map[int64]*Runner  // by bot ID
	gateways map[int64]Gateway  // by bot ID, the account gateway each bot trades through
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewManager creates a Manager. sink may be nil; events are then discarded.
func NewManager(st store.Store, sink EventSink, cfg config.EngineConfig, logger *slog.Logger) *Manager {
	if sink == nil {
		sink = NopSink{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:    st,
		sink:     sink,
		cfg:      cfg,
		logger:   logger.With("component", "engine"),
		runners:  make(map[int64]*Runner),
		gateways: make(map[int64]Gateway),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetSink replaces the event sink. Called once at wiring time, before any
// cycle starts.
func (m *Manager) SetSink(sink EventSink) { m.sink = sink }

// StartCycle creates the bot's next cycle and spawns its runner. The bot
// must not already have a runner.
func (m *Manager) StartCycle(ctx context.Context, bot *types.Bot, gw Gateway) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runners[bot.ID]; ok {
		return fmt.Errorf("bot %d already has a running cycle", bot.ID)
	}

	cycles, err := m.store.ListCycles(ctx, bot.ID)
	if err != nil {
		return fmt.Errorf("list cycles: %w", err)
	}
	number := 1
	for _, c := range cycles {
		if c.CycleNumber >= number {
			number = c.CycleNumber + 1
		}
	}

	cycle := &types.Cycle{
		BotID:       bot.ID,
		CycleNumber: number,
		Status:      types.CycleActive,
	}
	if err := m.store.CreateCycle(ctx, cycle); err != nil {
		return fmt.Errorf("create cycle: %w", err)
	}
	m.sink.CycleUpdate(cycle)

	m.spawnLocked(bot, cycle, gw, true)
	return nil
}

// spawnLocked starts a runner goroutine. Caller holds m.mu.
func (m *Manager) spawnLocked(bot *types.Bot, cycle *types.Cycle, gw Gateway, fresh bool) {
	r := newRunner(bot, cycle, gw, m.store, m.sink, m.cfg, m.logger, hooks{
		onComplete: func(c *types.Cycle) { m.cycleCompleted(bot, gw, c) },
		onFail:     func(c *types.Cycle, reason string) { m.cycleFailed(bot, reason) },
		onAbort:    func(c *types.Cycle, reason string) { m.cycleAborted(bot, reason) },
	})
	m.runners[bot.ID] = r
	m.gateways[bot.ID] = gw
	go r.run(m.ctx, fresh)
	m.logger.Info("cycle runner started", "bot", bot.ID, "cycle", cycle.ID, "number", cycle.CycleNumber)
}

// cycleCompleted runs on the runner goroutine right before it exits: detach
// the runner, then schedule the cooldown and the next cycle.
func (m *Manager) cycleCompleted(bot *types.Bot, gw Gateway, cycle *types.Cycle) {
	m.detach(bot.ID)

	cooldown := time.Duration(bot.Params.CooldownSeconds) * time.Second
	m.logger.Info("cooldown before next cycle", "bot", bot.ID, "cooldown", cooldown)
	go func() {
		select {
		case <-m.ctx.Done():
			return
		case <-time.After(cooldown):
		}

		ctx, cancel := context.WithTimeout(m.ctx, 30*time.Second)
		defer cancel()

		// The bot may have been stopped or deleted during the cooldown.
		current, err := m.store.GetBot(ctx, bot.ID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				m.logger.Error("next cycle: get bot", "bot", bot.ID, "error", err)
			}
			return
		}
		if current.Status != types.BotActive {
			m.logger.Info("bot no longer active, not starting next cycle", "bot", bot.ID)
			return
		}
		if err := m.StartCycle(ctx, current, gw); err != nil {
			m.logger.Error("start next cycle", "bot", bot.ID, "error", err)
		}
	}()
}

// cycleFailed runs on the runner goroutine: detach and mark the bot failed.
func (m *Manager) cycleFailed(bot *types.Bot, reason string) {
	m.detach(bot.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.store.UpdateBotStatus(ctx, bot.ID, types.BotFailed, reason); err != nil {
		m.logger.Error("mark bot failed", "bot", bot.ID, "error", err)
	}
	bot.Status = types.BotFailed
	bot.ErrorMessage = reason
	m.sink.BotStatus(bot)
}

// cycleAborted runs on the runner goroutine after an emergency stop (price
// range breach). Unlike a failure the bot ends up cleanly inactive: flat
// position, nothing resting, restartable by the user.
func (m *Manager) cycleAborted(bot *types.Bot, reason string) {
	m.detach(bot.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.store.UpdateBotStatus(ctx, bot.ID, types.BotInactive, reason); err != nil {
		m.logger.Error("mark bot inactive", "bot", bot.ID, "error", err)
	}
	bot.Status = types.BotInactive
	bot.ErrorMessage = reason
	m.sink.BotStatus(bot)
	m.logger.Info("bot stopped after cycle abort", "bot", bot.ID, "reason", reason)
}

func (m *Manager) detach(botID int64) {
	m.mu.Lock()
	delete(m.runners, botID)
	delete(m.gateways, botID)
	m.mu.Unlock()
}

// StopBot stops the bot's runner, cancelling its open orders and optionally
// liquidating the position. Idempotent: a bot without a runner stops with an
// empty result.
func (m *Manager) StopBot(ctx context.Context, botID int64, liquidate bool) StopResult {
	m.mu.Lock()
	r, ok := m.runners[botID]
	m.mu.Unlock()
	if !ok {
		return StopResult{}
	}
	res := r.Stop(ctx, liquidate, true)
	m.detach(botID)
	return res
}

// Running reports whether the bot currently has a cycle runner.
func (m *Manager) Running(botID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.runners[botID]
	return ok
}

// Close stops all runners without touching exchange state. Used at process
// shutdown; cycles stay active in the store and Recover picks them up on the
// next boot.
func (m *Manager) Close() {
	m.cancel()
}

// ————————————————————————————————————————————————————————————————————————
// Event routing
// ————————————————————————————————————————————————————————————————————————

// HandleReport routes one execution report to its owning runner. Reports for
// orders no runner owns (completed cycles, other processes on the same API
// key) are logged and dropped after the store has recorded what it can.
func (m *Manager) HandleReport(ctx context.Context, report types.ExecutionReport) {
	order, err := m.store.GetOrderByClientID(ctx, report.ClientOrderID)
	if err != nil {
		m.logger.Warn("report for unknown client order id",
			"client_order_id", report.ClientOrderID, "status", report.Status)
		return
	}

	m.mu.Lock()
	r, ok := m.runners[order.BotID]
	m.mu.Unlock()
	if !ok {
		// No live runner: persist the report anyway so the record is right.
		if _, _, err := m.store.ApplyExecutionReport(ctx, report); err != nil && !errors.Is(err, store.ErrNotFound) {
			m.logger.Error("apply orphan report", "error", err)
		}
		return
	}
	r.Deliver(report)
}

// HandleTick fans a price tick out to every runner trading the symbol.
func (m *Manager) HandleTick(tick types.TickerUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runners {
		if r.bot.Symbol == tick.Symbol {
			r.Tick(tick)
		}
	}
}

// HandleStreamRecovered triggers reconciliation on every runner after a
// user-stream gap. Reports may have been missed while disconnected.
func (m *Manager) HandleStreamRecovered() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runners {
		r.Reconcile()
	}
	m.logger.Info("stream recovered, reconciling", "runners", len(m.runners))
}

// ————————————————————————————————————————————————————————————————————————
// Recovery
// ————————————————————————————————————————————————————————————————————————

// Recover restarts runners for every bot that was active at the last
// shutdown. gatewayFor resolves the exchange gateway of a bot's account;
// bots whose gateway cannot be built are marked failed.
func (m *Manager) Recover(ctx context.Context, gatewayFor func(context.Context, *types.Bot) (Gateway, error)) error {
	bots, err := m.store.ListBots(ctx, 0)
	if err != nil {
		return fmt.Errorf("recover: list bots: %w", err)
	}

	recovered := 0
	for _, bot := range bots {
		if bot.Status != types.BotActive {
			continue
		}
		cycle, err := m.store.ActiveCycle(ctx, bot.ID)
		if errors.Is(err, store.ErrNotFound) {
			// Active bot, no active cycle: crashed between cycles. Start fresh.
			gw, gerr := gatewayFor(ctx, bot)
			if gerr != nil {
				m.failBotOnRecover(ctx, bot, gerr)
				continue
			}
			if err := m.StartCycle(ctx, bot, gw); err != nil {
				m.logger.Error("recover: start cycle", "bot", bot.ID, "error", err)
			}
			recovered++
			continue
		}
		if err != nil {
			m.logger.Error("recover: active cycle", "bot", bot.ID, "error", err)
			continue
		}

		gw, gerr := gatewayFor(ctx, bot)
		if gerr != nil {
			m.failBotOnRecover(ctx, bot, gerr)
			continue
		}
		m.mu.Lock()
		m.spawnLocked(bot, cycle, gw, false)
		m.mu.Unlock()
		recovered++
	}
	m.logger.Info("recovery complete", "bots", recovered)
	return nil
}

func (m *Manager) failBotOnRecover(ctx context.Context, bot *types.Bot, cause error) {
	m.logger.Error("recover: gateway unavailable", "bot", bot.ID, "error", cause)
	if err := m.store.UpdateBotStatus(ctx, bot.ID, types.BotFailed, cause.Error()); err != nil {
		m.logger.Error("recover: mark bot failed", "bot", bot.ID, "error", err)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Report ordering
// ————————————————————————————————————————————————————————————————————————

// sortReports orders a batch of reports for deterministic replay: by event
// time, take-profits before safeties at the same instant (a simultaneous
// fill must close the cycle, not deepen it), then client order ID.
func sortReports(reports []types.ExecutionReport) {
	sort.SliceStable(reports, func(i, j int) bool {
		a, b := reports[i], reports[j]
		if a.EventTime != b.EventTime {
			return a.EventTime < b.EventTime
		}
		at, bt := isTakeProfitID(a.ClientOrderID), isTakeProfitID(b.ClientOrderID)
		if at != bt {
			return at
		}
		return a.ClientOrderID < b.ClientOrderID
	})
}

func isTakeProfitID(clientOrderID string) bool {
	idx := strings.LastIndex(clientOrderID, "-")
	return idx >= 0 && strings.HasPrefix(clientOrderID[idx+1:], "tp")
}
