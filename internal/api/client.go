package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"dcabot/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 16 * 1024
	historyLimit   = 500
)

type klineSub struct {
	symbol   string
	interval string
}

// Client is one WebSocket connection. Subscription state is mutated from the
// read pump and read from fan-out goroutines, so it sits behind its own
// mutex. All outbound frames go through send; writePump is the only writer
// on the connection.
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *slog.Logger

	closeOnce sync.Once

	mu      sync.Mutex
	closed  bool
	userID  int64
	tickers map[string]bool
	klines  map[klineSub]bool
}

// newClient registers a connection with the hub and starts its pumps.
func newClient(hub *Hub, conn *websocket.Conn) *Client {
	buf := hub.cfg.SendBufferSize
	if buf <= 0 {
		buf = 64
	}
	c := &Client{
		id:      uuid.NewString(),
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, buf),
		tickers: make(map[string]bool),
		klines:  make(map[klineSub]bool),
	}
	c.logger = hub.logger.With("client", c.id)

	hub.register <- c
	go c.writePump()
	go c.readPump()
	return c
}

func (c *Client) user() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Client) wantsTicker(symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tickers[symbol]
}

func (c *Client) wantsKline(symbol, interval string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.klines[klineSub{symbol, interval}]
}

// trySend queues a frame without blocking. Overflow means the client cannot
// keep up; per the hub contract it gets disconnected rather than slowing
// publishers down.
func (c *Client) trySend(data []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	select {
	case c.send <- data:
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		metrics.HubDropped.Inc()
		c.logger.Warn("send buffer full, disconnecting client")
		c.disconnect()
	}
}

// markClosed stops trySend before the hub closes the send channel.
func (c *Client) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// disconnect tears the connection down; the read pump's error path then
// unregisters the client.
func (c *Client) disconnect() {
	c.closeOnce.Do(func() { c.conn.Close() })
}

// releaseStreams returns the client's market-data subscriptions to the
// refcounted service. Called on unregister and on an unsubscribe frame.
func (c *Client) releaseStreams() {
	c.mu.Lock()
	tickers := c.tickers
	klines := c.klines
	c.tickers = make(map[string]bool)
	c.klines = make(map[klineSub]bool)
	c.mu.Unlock()

	if c.hub.streams == nil {
		return
	}
	for symbol := range tickers {
		c.hub.streams.UnsubscribeTicker(symbol)
	}
	for sub := range klines {
		c.hub.streams.UnsubscribeKline(sub.symbol, sub.interval)
	}
}

// writePump serializes all frames to the connection and keeps it alive with
// pings. The read deadline allows two missed pongs before the read pump
// gives up.
func (c *Client) writePump() {
	ping := c.hub.cfg.PingInterval
	if ping <= 0 {
		ping = 30 * time.Second
	}
	ticker := time.NewTicker(ping)
	defer func() {
		ticker.Stop()
		c.disconnect()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump parses client frames and dispatches them until the connection
// drops.
func (c *Client) readPump() {
	defer func() {
		c.markClosed()
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.disconnect()
	}()

	ping := c.hub.cfg.PingInterval
	if ping <= 0 {
		ping = 30 * time.Second
	}
	pongWait := 2*ping + writeWait

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", "error", err)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("malformed frame")
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg clientMessage) {
	switch msg.Type {
	case "authenticate":
		if msg.UserID <= 0 {
			c.sendError("authenticate requires user_id")
			return
		}
		c.mu.Lock()
		c.userID = msg.UserID
		c.mu.Unlock()
		c.logger.Info("client authenticated", "user_id", msg.UserID)

	case "subscribe":
		for _, symbol := range msg.Symbols {
			c.subscribeTicker(symbol)
		}

	case "configure_stream":
		switch msg.DataType {
		case "ticker":
			for _, symbol := range msg.Symbols {
				c.subscribeTicker(symbol)
			}
		case "kline":
			interval := msg.Interval
			if interval == "" {
				interval = "1m"
			}
			for _, symbol := range msg.Symbols {
				c.subscribeKline(symbol, interval)
			}
		default:
			c.sendError("configure_stream requires dataType ticker or kline")
		}

	case "change_subscription":
		if msg.Symbol == "" || msg.Interval == "" {
			c.sendError("change_subscription requires symbol and interval")
			return
		}
		c.dropKlines()
		c.subscribeKline(msg.Symbol, msg.Interval)

	case "unsubscribe":
		c.releaseStreams()

	case "get_balance":
		if msg.ExchangeID <= 0 {
			c.sendError("get_balance requires exchange_id")
			return
		}
		go c.fetchBalance(msg.ExchangeID)

	default:
		c.sendError("unknown message type " + msg.Type)
	}
}

func (c *Client) subscribeTicker(symbol string) {
	if symbol == "" {
		return
	}
	c.mu.Lock()
	already := c.tickers[symbol]
	c.mu.Unlock()
	if already {
		return
	}
	if c.hub.streams == nil {
		c.sendError("market data unavailable")
		return
	}
	if err := c.hub.streams.SubscribeTicker(symbol); err != nil {
		c.sendError("subscribe failed for " + symbol)
		return
	}
	c.mu.Lock()
	c.tickers[symbol] = true
	c.mu.Unlock()

	// Seed the new subscriber with the cached tick so charts render before
	// the next update arrives.
	if tick, ok := c.hub.streams.LastTicker(symbol); ok {
		c.trySend(serverMessage{Type: "ticker_update", Data: tick}.encode())
	}
}

func (c *Client) subscribeKline(symbol, interval string) {
	if symbol == "" {
		return
	}
	sub := klineSub{symbol, interval}
	c.mu.Lock()
	already := c.klines[sub]
	c.mu.Unlock()
	if already {
		return
	}
	if c.hub.streams == nil {
		c.sendError("market data unavailable")
		return
	}
	if err := c.hub.streams.SubscribeKline(symbol, interval); err != nil {
		c.sendError("subscribe failed for " + symbol)
		return
	}
	c.mu.Lock()
	c.klines[sub] = true
	c.mu.Unlock()

	if c.hub.history != nil {
		go c.backfillKlines(symbol, interval)
	}
}

func (c *Client) dropKlines() {
	c.mu.Lock()
	klines := c.klines
	c.klines = make(map[klineSub]bool)
	c.mu.Unlock()

	if c.hub.streams == nil {
		return
	}
	for sub := range klines {
		c.hub.streams.UnsubscribeKline(sub.symbol, sub.interval)
	}
}

func (c *Client) backfillKlines(symbol, interval string) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	klines, err := c.hub.history.HistoricalKlines(ctx, symbol, interval, historyLimit)
	if err != nil {
		c.logger.Warn("kline backfill failed", "symbol", symbol, "error", err)
		c.sendError("history unavailable for " + symbol)
		return
	}
	c.trySend(serverMessage{
		Type: "historical_klines",
		Data: historicalKlinesPayload{Symbol: symbol, Interval: interval, Klines: klines},
	}.encode())
}

func (c *Client) fetchBalance(exchangeID int64) {
	if c.hub.balances == nil {
		c.trySend(serverMessage{Type: "balance_error", ExchangeID: exchangeID, Error: "balance service unavailable"}.encode())
		return
	}

	timeout := c.hub.cfg.BalanceTimeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	snap, err := c.hub.balances.AccountBalance(ctx, exchangeID)
	if err != nil {
		c.logger.Warn("balance fetch failed", "exchange_id", exchangeID, "error", err)
		c.trySend(serverMessage{Type: "balance_error", ExchangeID: exchangeID, Error: err.Error()}.encode())
		return
	}
	c.trySend(serverMessage{
		Type:       "balance_update",
		ExchangeID: exchangeID,
		Data: balancePayload{
			Balances:   snap.Balances,
			TotalValue: snap.TotalValue.String(),
			Quote:      snap.Quote,
			Unpriced:   snap.Unpriced,
		},
	}.encode())
}

func (c *Client) sendError(text string) {
	c.trySend(serverMessage{Type: "error", Error: text}.encode())
}
