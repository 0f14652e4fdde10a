package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"dcabot/internal/engine"
	"dcabot/internal/store"
	"dcabot/pkg/types"
)

var _ engine.EventSink = (*Sink)(nil)

// Sink adapts engine events to hub frames. Bot and cycle events are
// user-scoped, so the sink resolves each bot's owner once and caches it;
// bots never change hands.
type Sink struct {
	hub    *Hub
	store  store.Store
	logger *slog.Logger

	mu     sync.Mutex
	owners map[int64]int64 // bot ID -> user ID
}

// NewSink creates a Sink publishing through hub.
func NewSink(hub *Hub, st store.Store, logger *slog.Logger) *Sink {
	return &Sink{
		hub:    hub,
		store:  st,
		logger: logger.With("component", "event-sink"),
		owners: make(map[int64]int64),
	}
}

func (s *Sink) ownerOf(botID int64) (int64, bool) {
	s.mu.Lock()
	userID, ok := s.owners[botID]
	s.mu.Unlock()
	if ok {
		return userID, true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	bot, err := s.store.GetBot(ctx, botID)
	if err != nil {
		s.logger.Warn("owner lookup failed", "bot_id", botID, "error", err)
		return 0, false
	}

	s.mu.Lock()
	s.owners[botID] = bot.UserID
	s.mu.Unlock()
	return bot.UserID, true
}

// BotStatus publishes a bot_status_update to the bot's owner.
func (s *Sink) BotStatus(bot *types.Bot) {
	s.mu.Lock()
	s.owners[bot.ID] = bot.UserID
	s.mu.Unlock()

	s.hub.SendToUser(bot.UserID, serverMessage{
		Type: "bot_status_update",
		Data: botStatusPayload{
			BotID:    bot.ID,
			Status:   string(bot.Status),
			IsActive: bot.Status == types.BotActive,
			Message:  bot.ErrorMessage,
		},
	})
}

// CycleUpdate publishes a bot_cycle_update to the bot's owner.
func (s *Sink) CycleUpdate(cycle *types.Cycle) {
	userID, ok := s.ownerOf(cycle.BotID)
	if !ok {
		return
	}
	action := "updated"
	switch cycle.Status {
	case types.CycleCompleted:
		action = "completed"
	case types.CycleFailed, types.CycleAborted:
		action = "closed"
	}
	s.hub.SendToUser(userID, serverMessage{
		Type: "bot_cycle_update",
		Data: cyclePayload{Action: action, Cycle: cycle},
	})
}

// OrderUpdate publishes an order_status_update to the bot's owner.
func (s *Sink) OrderUpdate(order *types.Order) {
	userID, ok := s.ownerOf(order.BotID)
	if !ok {
		return
	}
	s.hub.SendToUser(userID, serverMessage{
		Type: "order_status_update",
		Data: orderStatusPayload{Order: order},
	})
}

// OrderFill publishes an order_fill_notification to the bot's owner.
func (s *Sink) OrderFill(order *types.Order, report types.ExecutionReport) {
	userID, ok := s.ownerOf(order.BotID)
	if !ok {
		return
	}
	s.hub.SendToUser(userID, serverMessage{
		Type: "order_fill_notification",
		Data: orderFillPayload{
			BotID:         order.BotID,
			CycleID:       order.CycleID,
			Order:         order,
			ExecutedQty:   report.ExecutedQty.String(),
			ExecutedQuote: report.CumulativeQuote.String(),
			EventTime:     report.EventTime,
		},
	})
}
