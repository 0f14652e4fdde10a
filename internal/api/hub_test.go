package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"dcabot/internal/balance"
	"dcabot/internal/config"
	"dcabot/pkg/types"
)

type fakeStreams struct {
	mu   sync.Mutex
	subs map[string]int
	last map[string]types.TickerUpdate
}

func newFakeStreams() *fakeStreams {
	return &fakeStreams{subs: make(map[string]int), last: make(map[string]types.TickerUpdate)}
}

func (f *fakeStreams) SubscribeTicker(symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs["ticker:"+symbol]++
	return nil
}

func (f *fakeStreams) UnsubscribeTicker(symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs["ticker:"+symbol]--
	return nil
}

func (f *fakeStreams) SubscribeKline(symbol, interval string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs["kline:"+symbol+":"+interval]++
	return nil
}

func (f *fakeStreams) UnsubscribeKline(symbol, interval string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs["kline:"+symbol+":"+interval]--
	return nil
}

func (f *fakeStreams) LastTicker(symbol string) (types.TickerUpdate, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tick, ok := f.last[symbol]
	return tick, ok
}

func (f *fakeStreams) refs(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[key]
}

type fakeBalances struct {
	snap *balance.Snapshot
	err  error
}

func (f fakeBalances) AccountBalance(context.Context, int64) (*balance.Snapshot, error) {
	return f.snap, f.err
}

type fakeHistory struct{}

func (fakeHistory) HistoricalKlines(_ context.Context, symbol, interval string, _ int) ([]types.KlineUpdate, error) {
	return []types.KlineUpdate{{Symbol: symbol, Interval: interval, Closed: true}}, nil
}

type hubFixture struct {
	hub     *Hub
	streams *fakeStreams
	server  *httptest.Server
}

func newHubFixture(t *testing.T, balances BalanceProvider) *hubFixture {
	t.Helper()
	logger := testLogger(t)
	streams := newFakeStreams()
	hub := NewHub(config.HubConfig{
		PingInterval:   time.Second,
		SendBufferSize: 16,
		BalanceTimeout: time.Second,
	}, streams, balances, fakeHistory{}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	handlers := NewHandlers(nil, nil, hub, nil, logger)
	server := httptest.NewServer(http.HandlerFunc(handlers.HandleWebSocket))
	t.Cleanup(func() {
		server.Close()
		cancel()
	})
	return &hubFixture{hub: hub, streams: streams, server: server}
}

func (f *hubFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readFrame returns the next frame of the wanted type, skipping others.
func readFrame(t *testing.T, conn *websocket.Conn, wantType string) map[string]json.RawMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read waiting for %s: %v", wantType, err)
		}
		var frame map[string]json.RawMessage
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("decode %q: %v", data, err)
		}
		var typ string
		json.Unmarshal(frame["type"], &typ)
		if typ == wantType {
			return frame
		}
	}
}

func expectNoFrame(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, data, err := conn.ReadMessage(); err == nil {
		t.Fatalf("unexpected frame %s", data)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAuthenticatedFramesRouteByUser(t *testing.T) {
	t.Parallel()
	f := newHubFixture(t, nil)

	alice := f.dial(t)
	bob := f.dial(t)
	waitFor(t, "clients registered", func() bool { return f.hub.ClientCount() == 2 })

	send(t, alice, `{"type":"authenticate","user_id":1}`)
	send(t, bob, `{"type":"authenticate","user_id":2}`)

	// Authenticate is applied on the read pump; ping-pong once via an
	// error frame to know it landed.
	send(t, alice, `{"type":"nonsense"}`)
	readFrame(t, alice, "error")
	send(t, bob, `{"type":"nonsense"}`)
	readFrame(t, bob, "error")

	f.hub.SendToUser(1, serverMessage{
		Type: "bot_status_update",
		Data: botStatusPayload{BotID: 7, Status: "active", IsActive: true},
	})

	frame := readFrame(t, alice, "bot_status_update")
	var payload botStatusPayload
	if err := json.Unmarshal(frame["data"], &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.BotID != 7 || !payload.IsActive {
		t.Errorf("payload = %+v", payload)
	}
	expectNoFrame(t, bob)
}

func TestSubscribeTickerSeedsAndFansOut(t *testing.T) {
	t.Parallel()
	f := newHubFixture(t, nil)
	f.streams.mu.Lock()
	f.streams.last["BTCUSDT"] = types.TickerUpdate{Symbol: "BTCUSDT", Price: dec("50000")}
	f.streams.mu.Unlock()

	conn := f.dial(t)
	waitFor(t, "client registered", func() bool { return f.hub.ClientCount() == 1 })

	send(t, conn, `{"type":"subscribe","symbols":["BTCUSDT"]}`)

	// Cached tick arrives first.
	frame := readFrame(t, conn, "ticker_update")
	var tick types.TickerUpdate
	if err := json.Unmarshal(frame["data"], &tick); err != nil {
		t.Fatalf("decode tick: %v", err)
	}
	if !tick.Price.Equal(dec("50000")) {
		t.Errorf("seeded price = %s, want 50000", tick.Price)
	}
	if f.streams.refs("ticker:BTCUSDT") != 1 {
		t.Errorf("upstream refs = %d, want 1", f.streams.refs("ticker:BTCUSDT"))
	}

	// Live updates for the symbol flow through; other symbols do not.
	f.hub.HandleTicker(types.TickerUpdate{Symbol: "ETHUSDT", Price: dec("2500")})
	f.hub.HandleTicker(types.TickerUpdate{Symbol: "BTCUSDT", Price: dec("50100")})
	frame = readFrame(t, conn, "ticker_update")
	if err := json.Unmarshal(frame["data"], &tick); err != nil {
		t.Fatalf("decode tick: %v", err)
	}
	if tick.Symbol != "BTCUSDT" || !tick.Price.Equal(dec("50100")) {
		t.Errorf("tick = %+v, want BTCUSDT 50100", tick)
	}
}

func TestConfigureKlineStreamBackfills(t *testing.T) {
	t.Parallel()
	f := newHubFixture(t, nil)

	conn := f.dial(t)
	waitFor(t, "client registered", func() bool { return f.hub.ClientCount() == 1 })

	send(t, conn, `{"type":"configure_stream","dataType":"kline","symbols":["BTCUSDT"],"interval":"1m"}`)

	frame := readFrame(t, conn, "historical_klines")
	var payload historicalKlinesPayload
	if err := json.Unmarshal(frame["data"], &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Symbol != "BTCUSDT" || payload.Interval != "1m" || len(payload.Klines) != 1 {
		t.Errorf("payload = %+v", payload)
	}
	if f.streams.refs("kline:BTCUSDT:1m") != 1 {
		t.Errorf("upstream refs = %d, want 1", f.streams.refs("kline:BTCUSDT:1m"))
	}

	// Switching charts drops the old stream.
	send(t, conn, `{"type":"change_subscription","symbol":"ETHUSDT","interval":"5m"}`)
	waitFor(t, "old stream released", func() bool {
		return f.streams.refs("kline:BTCUSDT:1m") == 0 && f.streams.refs("kline:ETHUSDT:5m") == 1
	})
}

func TestUnsubscribeReleasesStreams(t *testing.T) {
	t.Parallel()
	f := newHubFixture(t, nil)

	conn := f.dial(t)
	waitFor(t, "client registered", func() bool { return f.hub.ClientCount() == 1 })

	send(t, conn, `{"type":"subscribe","symbols":["BTCUSDT"]}`)
	waitFor(t, "subscribed", func() bool { return f.streams.refs("ticker:BTCUSDT") == 1 })

	send(t, conn, `{"type":"unsubscribe"}`)
	waitFor(t, "released", func() bool { return f.streams.refs("ticker:BTCUSDT") == 0 })
}

func TestDisconnectReleasesStreams(t *testing.T) {
	t.Parallel()
	f := newHubFixture(t, nil)

	conn := f.dial(t)
	waitFor(t, "client registered", func() bool { return f.hub.ClientCount() == 1 })

	send(t, conn, `{"type":"subscribe","symbols":["BTCUSDT"]}`)
	waitFor(t, "subscribed", func() bool { return f.streams.refs("ticker:BTCUSDT") == 1 })

	conn.Close()
	waitFor(t, "released on disconnect", func() bool {
		return f.hub.ClientCount() == 0 && f.streams.refs("ticker:BTCUSDT") == 0
	})
}

func TestGetBalanceRoundTrip(t *testing.T) {
	t.Parallel()
	f := newHubFixture(t, fakeBalances{snap: &balance.Snapshot{
		Quote:      "USDT",
		Balances:   []types.Balance{{Asset: "USDT", Free: dec("1000")}},
		TotalValue: dec("1000"),
	}})

	conn := f.dial(t)
	waitFor(t, "client registered", func() bool { return f.hub.ClientCount() == 1 })

	send(t, conn, `{"type":"get_balance","exchange_id":3}`)
	frame := readFrame(t, conn, "balance_update")

	var exchangeID int64
	json.Unmarshal(frame["exchange_id"], &exchangeID)
	if exchangeID != 3 {
		t.Errorf("exchange_id = %d, want 3", exchangeID)
	}
	var payload balancePayload
	if err := json.Unmarshal(frame["data"], &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.TotalValue != "1000" || len(payload.Balances) != 1 {
		t.Errorf("payload = %+v", payload)
	}
}

func TestGetBalanceErrorFrame(t *testing.T) {
	t.Parallel()
	f := newHubFixture(t, fakeBalances{err: errors.New("exchange unreachable")})

	conn := f.dial(t)
	waitFor(t, "client registered", func() bool { return f.hub.ClientCount() == 1 })

	send(t, conn, `{"type":"get_balance","exchange_id":3}`)
	frame := readFrame(t, conn, "balance_error")

	var msg string
	json.Unmarshal(frame["error"], &msg)
	if !strings.Contains(msg, "unreachable") {
		t.Errorf("error = %q", msg)
	}
}

func TestMalformedFrameGetsError(t *testing.T) {
	t.Parallel()
	f := newHubFixture(t, nil)

	conn := f.dial(t)
	waitFor(t, "client registered", func() bool { return f.hub.ClientCount() == 1 })

	send(t, conn, `{broken`)
	readFrame(t, conn, "error")
}
