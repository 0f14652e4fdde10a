package marketdata

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"dcabot/pkg/types"
)

type fakeFeed struct {
	mu     sync.Mutex
	subs   map[string]bool
	events []string
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{subs: make(map[string]bool)}
}

func (f *fakeFeed) Subscribe(streams ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range streams {
		f.subs[s] = true
		f.events = append(f.events, "sub:"+s)
	}
	return nil
}

func (f *fakeFeed) Unsubscribe(streams ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range streams {
		delete(f.subs, s)
		f.events = append(f.events, "unsub:"+s)
	}
	return nil
}

func (f *fakeFeed) subscribed(stream string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[stream]
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestRefCounting(t *testing.T) {
	t.Parallel()

	feed := newFakeFeed()
	s := New(feed, nil, nil, discard())

	// Two subscribers, one upstream subscription.
	if err := s.SubscribeTicker("BTCUSDT"); err != nil {
		t.Fatalf("SubscribeTicker: %v", err)
	}
	if err := s.SubscribeTicker("BTCUSDT"); err != nil {
		t.Fatalf("SubscribeTicker: %v", err)
	}
	feed.mu.Lock()
	subEvents := len(feed.events)
	feed.mu.Unlock()
	if subEvents != 1 {
		t.Errorf("upstream subscribe calls = %d, want 1", subEvents)
	}

	// First release keeps the stream, second tears it down.
	s.UnsubscribeTicker("BTCUSDT")
	if !feed.subscribed("btcusdt@ticker") {
		t.Error("stream dropped while a subscriber remains")
	}
	s.UnsubscribeTicker("BTCUSDT")
	if feed.subscribed("btcusdt@ticker") {
		t.Error("stream still subscribed after last release")
	}

	// Over-release is a no-op.
	if err := s.UnsubscribeTicker("BTCUSDT"); err != nil {
		t.Errorf("over-release: %v", err)
	}
}

func TestKlineStreamNames(t *testing.T) {
	t.Parallel()

	feed := newFakeFeed()
	s := New(feed, nil, nil, discard())

	s.SubscribeKline("ETHUSDT", "1m")
	if !feed.subscribed("ethusdt@kline_1m") {
		t.Error("kline stream not subscribed under expected name")
	}
	s.UnsubscribeKline("ETHUSDT", "1m")
	if feed.subscribed("ethusdt@kline_1m") {
		t.Error("kline stream not released")
	}
}

func TestPumpFansOutAndCaches(t *testing.T) {
	t.Parallel()

	tickers := make(chan types.TickerUpdate, 4)
	klines := make(chan types.KlineUpdate, 4)
	s := New(newFakeFeed(), tickers, klines, discard())

	var mu sync.Mutex
	var ticks []types.TickerUpdate
	var kls []types.KlineUpdate
	s.OnTick(func(t types.TickerUpdate) {
		mu.Lock()
		ticks = append(ticks, t)
		mu.Unlock()
	})
	s.OnKline(func(k types.KlineUpdate) {
		mu.Lock()
		kls = append(kls, k)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	tickers <- types.TickerUpdate{Symbol: "BTCUSDT", Price: decimal.RequireFromString("50000")}
	klines <- types.KlineUpdate{Symbol: "BTCUSDT", Interval: "1m", Closed: true}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := len(ticks) == 1 && len(kls) == 1
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(ticks) != 1 || len(kls) != 1 {
		t.Fatalf("ticks = %d, klines = %d, want 1 and 1", len(ticks), len(kls))
	}
	last, ok := s.LastTicker("BTCUSDT")
	if !ok || !last.Price.Equal(decimal.RequireFromString("50000")) {
		t.Errorf("LastTicker = %+v ok=%v", last, ok)
	}
	if _, ok := s.LastTicker("ETHUSDT"); ok {
		t.Error("LastTicker for unseen symbol")
	}
}
