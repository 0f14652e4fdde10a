// ws_market.go maintains the public market-data WebSocket connection.
//
// One MarketStream serves all symbols of one exchange endpoint. Subscriptions
// are mutable at runtime: SUBSCRIBE/UNSUBSCRIBE frames are sent on the live
// socket, and the full set is replayed after every reconnect. Reconnects use
// exponential backoff capped by the configured maximum.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dcabot/internal/config"
	"dcabot/internal/metrics"
	"dcabot/pkg/types"
)

// MarketStream is the public ticker/kline feed for one exchange endpoint.
// Updates are delivered on the Tickers and Klines channels; slow consumers
// cause updates to be dropped, never to block the read loop.
type MarketStream struct {
	url          string
	reconnectMax time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	streams map[string]struct{} // active stream names, e.g. "btcusdt@ticker"
	nextID  int

	Tickers chan types.TickerUpdate
	Klines  chan types.KlineUpdate
}

// NewMarketStream creates a stream client for the given combined-stream URL.
func NewMarketStream(url string, cfg config.ExchangeConfig, logger *slog.Logger) *MarketStream {
	return &MarketStream{
		url:          url,
		reconnectMax: cfg.ReconnectMax,
		logger:       logger.With("component", "market_stream"),
		streams:      make(map[string]struct{}),
		Tickers:      make(chan types.TickerUpdate, 256),
		Klines:       make(chan types.KlineUpdate, 256),
	}
}

// TickerStream returns the stream name for a symbol's ticker feed.
func TickerStream(symbol string) string {
	return strings.ToLower(symbol) + "@ticker"
}

// KlineStream returns the stream name for a symbol's kline feed.
func KlineStream(symbol, interval string) string {
	return strings.ToLower(symbol) + "@kline_" + interval
}

// Subscribe adds stream names to the active set and, when connected, sends a
// SUBSCRIBE frame. Safe to call before Run; the set is replayed on connect.
func (m *MarketStream) Subscribe(streams ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fresh := streams[:0:0]
	for _, s := range streams {
		if _, ok := m.streams[s]; !ok {
			m.streams[s] = struct{}{}
			fresh = append(fresh, s)
		}
	}
	if len(fresh) == 0 || m.conn == nil {
		return nil
	}
	return m.sendControlLocked("SUBSCRIBE", fresh)
}

// Unsubscribe removes stream names from the active set and, when connected,
// sends an UNSUBSCRIBE frame.
func (m *MarketStream) Unsubscribe(streams ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := streams[:0:0]
	for _, s := range streams {
		if _, ok := m.streams[s]; ok {
			delete(m.streams, s)
			removed = append(removed, s)
		}
	}
	if len(removed) == 0 || m.conn == nil {
		return nil
	}
	return m.sendControlLocked("UNSUBSCRIBE", removed)
}

func (m *MarketStream) sendControlLocked(method string, params []string) error {
	m.nextID++
	frame := map[string]any{"method": method, "params": params, "id": m.nextID}
	if err := m.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("%s: %w", strings.ToLower(method), err)
	}
	return nil
}

// Run connects and pumps events until ctx is cancelled, reconnecting with
// exponential backoff on any error.
func (m *MarketStream) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if err := m.connectAndRead(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("market stream disconnected", "error", err, "retry_in", backoff)
		}
		metrics.StreamReconnects.WithLabelValues("market").Inc()
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > m.reconnectMax {
			backoff = m.reconnectMax
		}
	}
}

func (m *MarketStream) connectAndRead(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, m.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	m.mu.Lock()
	m.conn = conn
	replay := make([]string, 0, len(m.streams))
	for s := range m.streams {
		replay = append(replay, s)
	}
	var subErr error
	if len(replay) > 0 {
		subErr = m.sendControlLocked("SUBSCRIBE", replay)
	}
	m.mu.Unlock()
	if subErr != nil {
		return subErr
	}
	m.logger.Info("market stream connected", "streams", len(replay))

	defer func() {
		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	})
	conn.SetReadDeadline(time.Now().Add(90 * time.Second))

	// The server pings; gorilla answers pongs automatically. Our own pings
	// keep intermediaries from idling out the connection.
	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		t := time.NewTicker(30 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-t.C:
				m.mu.Lock()
				if m.conn == conn {
					conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				}
				m.mu.Unlock()
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		m.dispatch(msg)
	}
}

// combinedFrame is the combined-stream envelope: {"stream":"...","data":{...}}.
type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

func (m *MarketStream) dispatch(msg []byte) {
	var frame combinedFrame
	if err := json.Unmarshal(msg, &frame); err != nil || frame.Data == nil {
		return // control responses and unknown frames
	}
	switch {
	case strings.HasSuffix(frame.Stream, "@ticker"):
		m.dispatchTicker(frame.Data)
	case strings.Contains(frame.Stream, "@kline_"):
		m.dispatchKline(frame.Data)
	}
}

func (m *MarketStream) dispatchTicker(data []byte) {
	var raw struct {
		EventTime int64  `json:"E"`
		Symbol    string `json:"s"`
		Last      string `json:"c"`
		Bid       string `json:"b"`
		Ask       string `json:"a"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		m.logger.Warn("bad ticker payload", "error", err)
		return
	}
	update := types.TickerUpdate{
		Symbol:    raw.Symbol,
		Price:     mustDecimal(raw.Last),
		BidPrice:  mustDecimal(raw.Bid),
		AskPrice:  mustDecimal(raw.Ask),
		EventTime: raw.EventTime,
	}
	select {
	case m.Tickers <- update:
	default:
		// Consumer is behind; the next tick supersedes this one anyway.
	}
}

func (m *MarketStream) dispatchKline(data []byte) {
	var raw struct {
		EventTime int64 `json:"E"`
		Kline     struct {
			OpenTime int64  `json:"t"`
			Symbol   string `json:"s"`
			Interval string `json:"i"`
			Open     string `json:"o"`
			Close    string `json:"c"`
			High     string `json:"h"`
			Low      string `json:"l"`
			Volume   string `json:"v"`
			Closed   bool   `json:"x"`
		} `json:"k"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		m.logger.Warn("bad kline payload", "error", err)
		return
	}
	update := types.KlineUpdate{
		Symbol:    raw.Kline.Symbol,
		Interval:  raw.Kline.Interval,
		OpenTime:  raw.Kline.OpenTime,
		Open:      mustDecimal(raw.Kline.Open),
		High:      mustDecimal(raw.Kline.High),
		Low:       mustDecimal(raw.Kline.Low),
		Close:     mustDecimal(raw.Kline.Close),
		Volume:    mustDecimal(raw.Kline.Volume),
		Closed:    raw.Kline.Closed,
		EventTime: raw.EventTime,
	}
	select {
	case m.Klines <- update:
	default:
	}
}
