// Package api is the process boundary: REST endpoints for bot lifecycle and
// queries, plus a single WebSocket endpoint that fans out market data, bot
// and cycle state changes, order fills and balance snapshots to connected
// clients.
//
// The hub is single-writer per connection: all frames to one client flow
// through that client's send channel and write pump, so per-client ordering
// holds. Across clients delivery is parallel and unordered. Publishers never
// block; a client whose buffer overflows is disconnected.
package api

import (
	"context"
	"log/slog"
	"sync"

	"dcabot/internal/balance"
	"dcabot/internal/config"
	"dcabot/internal/metrics"
	"dcabot/pkg/types"
)

// MarketStreams is the subscription surface the hub drives on behalf of its
// clients, implemented by marketdata.Service.
type MarketStreams interface {
	SubscribeTicker(symbol string) error
	UnsubscribeTicker(symbol string) error
	SubscribeKline(symbol, interval string) error
	UnsubscribeKline(symbol, interval string) error
	LastTicker(symbol string) (types.TickerUpdate, bool)
}

// BalanceProvider serves get_balance requests for one exchange account.
type BalanceProvider interface {
	AccountBalance(ctx context.Context, exchangeID int64) (*balance.Snapshot, error)
}

// KlineHistory backfills candles when a client configures a kline stream.
type KlineHistory interface {
	HistoricalKlines(ctx context.Context, symbol, interval string, limit int) ([]types.KlineUpdate, error)
}

// Hub tracks connected clients and routes frames to them.
type Hub struct {
	cfg      config.HubConfig
	streams  MarketStreams
	balances BalanceProvider
	history  KlineHistory
	logger   *slog.Logger

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*Client]bool
}

// NewHub creates a Hub. streams, balances and history may be nil in tests;
// the corresponding client requests then answer with an error frame.
func NewHub(cfg config.HubConfig, streams MarketStreams, balances BalanceProvider, history KlineHistory, logger *slog.Logger) *Hub {
	return &Hub{
		cfg:        cfg,
		streams:    streams,
		balances:   balances,
		history:    history,
		logger:     logger.With("component", "hub"),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
	}
}

// Run owns the client set until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for c := range h.clients {
				c.disconnect()
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.HubClients.Set(float64(n))
			h.logger.Info("client connected", "client", c.id, "count", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			c.releaseStreams()
			metrics.HubClients.Set(float64(n))
			h.logger.Info("client disconnected", "client", c.id, "count", n)
		}
	}
}

// HandleTicker fans a ticker update out to subscribed clients. Runs on the
// market-data pump goroutine and never blocks.
func (h *Hub) HandleTicker(tick types.TickerUpdate) {
	msg := serverMessage{Type: "ticker_update", Data: tick}.encode()
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.wantsTicker(tick.Symbol) {
			c.trySend(msg)
		}
	}
}

// HandleKline fans a kline update out to subscribed clients.
func (h *Hub) HandleKline(kline types.KlineUpdate) {
	msg := serverMessage{Type: "kline_update", Data: kline}.encode()
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.wantsKline(kline.Symbol, kline.Interval) {
			c.trySend(msg)
		}
	}
}

// SendToUser delivers a frame to every authenticated connection of one user.
func (h *Hub) SendToUser(userID int64, msg serverMessage) {
	data := msg.encode()
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.user() == userID {
			c.trySend(data)
		}
	}
}

// ClientCount reports connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
