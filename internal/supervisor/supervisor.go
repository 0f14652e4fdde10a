// Package supervisor implements bot lifecycle control: create, start, stop,
// delete. Every mutation of one bot runs under that bot's lock, so
// concurrent API calls against the same bot serialize instead of racing the
// engine.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"dcabot/internal/engine"
	"dcabot/internal/store"
	"dcabot/pkg/types"
)

// ErrBotBusy is returned when an operation conflicts with the bot's current
// state, e.g. starting an already-active bot.
var ErrBotBusy = errors.New("bot busy")

// GatewayResolver builds or fetches the exchange gateway a bot trades
// through. The production implementation wraps the exchange registry.
type GatewayResolver interface {
	GatewayFor(ctx context.Context, bot *types.Bot) (engine.Gateway, error)
}

// GatewayResolverFunc adapts a function to GatewayResolver.
type GatewayResolverFunc func(ctx context.Context, bot *types.Bot) (engine.Gateway, error)

func (f GatewayResolverFunc) GatewayFor(ctx context.Context, bot *types.Bot) (engine.Gateway, error) {
	return f(ctx, bot)
}

// Supervisor owns bot lifecycle operations.
type Supervisor struct {
	store    store.Store
	engine   *engine.Manager
	resolver GatewayResolver
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func New(st store.Store, eng *engine.Manager, resolver GatewayResolver, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		store:    st,
		engine:   eng,
		resolver: resolver,
		logger:   logger.With("component", "supervisor"),
		locks:    make(map[int64]*sync.Mutex),
	}
}

// lock returns the bot's mutex, creating it on first use. Locks are never
// removed; a deleted bot's mutex is a few bytes until process exit.
func (s *Supervisor) lock(botID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[botID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[botID] = l
	}
	return l
}

// CreateBotRequest is the payload for creating a bot.
type CreateBotRequest struct {
	UserID            int64           `json:"user_id"`
	ExchangeAccountID int64           `json:"exchange_account_id"`
	Name              string          `json:"name"`
	Symbol            string          `json:"symbol"`
	Direction         types.Direction `json:"direction"`
	Params            types.BotParams `json:"params"`
}

// CreateBot validates and persists a new bot in pending state. Nothing
// touches the exchange until StartBot.
func (s *Supervisor) CreateBot(ctx context.Context, req CreateBotRequest) (*types.Bot, error) {
	if req.Symbol == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	if req.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	dir := req.Direction
	if dir == "" {
		dir = types.Long
	}
	if dir != types.Long && dir != types.Short {
		return nil, fmt.Errorf("direction must be long or short")
	}
	if err := req.Params.Validate(dir); err != nil {
		return nil, fmt.Errorf("params: %w", err)
	}
	if _, err := s.store.GetAccount(ctx, req.ExchangeAccountID); err != nil {
		return nil, fmt.Errorf("exchange account %d: %w", req.ExchangeAccountID, err)
	}

	bot := &types.Bot{
		UserID:            req.UserID,
		ExchangeAccountID: req.ExchangeAccountID,
		Name:              req.Name,
		Strategy:          "martingale",
		Symbol:            req.Symbol,
		Direction:         dir,
		Status:            types.BotPending,
		Params:            req.Params,
	}
	if err := s.store.CreateBot(ctx, bot); err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	s.logger.Info("bot created", "bot", bot.ID, "symbol", bot.Symbol, "direction", bot.Direction)
	return bot, nil
}

// StartBot activates a bot and opens its first cycle. Starting an active bot
// returns ErrBotBusy.
func (s *Supervisor) StartBot(ctx context.Context, botID int64) (*types.Bot, error) {
	l := s.lock(botID)
	l.Lock()
	defer l.Unlock()

	bot, err := s.store.GetBot(ctx, botID)
	if err != nil {
		return nil, err
	}
	if bot.Status == types.BotActive || s.engine.Running(botID) {
		return nil, fmt.Errorf("%w: bot %d is already running", ErrBotBusy, botID)
	}
	// Params were validated at creation; re-validate in case of schema
	// drift in stored rows.
	if err := bot.Params.Validate(bot.Direction); err != nil {
		return nil, fmt.Errorf("params: %w", err)
	}

	gw, err := s.resolver.GatewayFor(ctx, bot)
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}

	// Dry-run the ladder against live filters so a bot that could never fund
	// its rungs is refused here instead of failing mid-cycle.
	filters, err := gw.SymbolFilters(ctx, bot.Symbol)
	if err != nil {
		return nil, fmt.Errorf("symbol filters: %w", err)
	}
	if err := engine.ValidateLadder(bot.Params, bot.Direction, filters); err != nil {
		return nil, err
	}

	if err := s.store.UpdateBotStatus(ctx, botID, types.BotActive, ""); err != nil {
		return nil, err
	}
	bot.Status = types.BotActive
	bot.ErrorMessage = ""

	if err := s.engine.StartCycle(ctx, bot, gw); err != nil {
		s.store.UpdateBotStatus(ctx, botID, types.BotFailed, err.Error())
		return nil, fmt.Errorf("start cycle: %w", err)
	}
	s.logger.Info("bot started", "bot", botID)
	return bot, nil
}

// StopBot halts a bot: the cycle's open orders are cancelled, and when
// liquidate is set the accumulated position is closed at market. Stopping a
// stopped bot is a no-op returning an empty result.
func (s *Supervisor) StopBot(ctx context.Context, botID int64, liquidate bool) (engine.StopResult, error) {
	l := s.lock(botID)
	l.Lock()
	defer l.Unlock()
	return s.stopLocked(ctx, botID, liquidate)
}

func (s *Supervisor) stopLocked(ctx context.Context, botID int64, liquidate bool) (engine.StopResult, error) {
	bot, err := s.store.GetBot(ctx, botID)
	if err != nil {
		return engine.StopResult{}, err
	}

	res := s.engine.StopBot(ctx, botID, liquidate)
	if res.Err != nil {
		return res, fmt.Errorf("stop bot %d: %w", botID, res.Err)
	}

	if bot.Status != types.BotInactive {
		if err := s.store.UpdateBotStatus(ctx, botID, types.BotInactive, ""); err != nil {
			return res, err
		}
	}
	s.logger.Info("bot stopped", "bot", botID,
		"cancelled", res.CancelledOrders, "liquidated", res.LiquidatedQty)
	return res, nil
}

// DeleteBot stops the bot if needed (cancelling orders and liquidating any
// position), archives its cycles and orders for audit, and removes the bot.
func (s *Supervisor) DeleteBot(ctx context.Context, botID int64) error {
	l := s.lock(botID)
	l.Lock()
	defer l.Unlock()

	if _, err := s.store.GetBot(ctx, botID); err != nil {
		return err
	}
	if _, err := s.stopLocked(ctx, botID, true); err != nil {
		return fmt.Errorf("stop before delete: %w", err)
	}
	if err := s.store.ArchiveBot(ctx, botID); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	if err := s.store.DeleteBot(ctx, botID); err != nil {
		return err
	}
	s.logger.Info("bot deleted", "bot", botID)
	return nil
}

// ListBots returns bots, optionally filtered by user (0 = all).
func (s *Supervisor) ListBots(ctx context.Context, userID int64) ([]*types.Bot, error) {
	return s.store.ListBots(ctx, userID)
}

// GetBot returns one bot.
func (s *Supervisor) GetBot(ctx context.Context, botID int64) (*types.Bot, error) {
	return s.store.GetBot(ctx, botID)
}
