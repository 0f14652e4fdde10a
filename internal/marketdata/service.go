// Package marketdata multiplexes one exchange market stream to many
// consumers: engine runners watching prices and hub clients watching charts.
//
// Subscriptions are reference counted per stream name, so ten clients
// watching BTCUSDT cost one upstream subscription, and the last client
// leaving tears it down. The latest ticker per symbol is cached for
// immediate delivery to new subscribers.
package marketdata

import (
	"context"
	"log/slog"
	"sync"

	"dcabot/internal/exchange"
	"dcabot/pkg/types"
)

// Feed is the upstream subscription surface, implemented by
// exchange.MarketStream.
type Feed interface {
	Subscribe(streams ...string) error
	Unsubscribe(streams ...string) error
}

// Service fans market data out to registered handlers.
type Service struct {
	feed    Feed
	tickers <-chan types.TickerUpdate
	klines  <-chan types.KlineUpdate
	logger  *slog.Logger

	mu   sync.Mutex
	refs map[string]int // stream name -> subscriber count

	handlerMu     sync.RWMutex
	tickHandlers  []func(types.TickerUpdate)
	klineHandlers []func(types.KlineUpdate)

	cacheMu sync.RWMutex
	last    map[string]types.TickerUpdate
}

// New creates a Service over a feed and its update channels.
func New(feed Feed, tickers <-chan types.TickerUpdate, klines <-chan types.KlineUpdate, logger *slog.Logger) *Service {
	return &Service{
		feed:    feed,
		tickers: tickers,
		klines:  klines,
		logger:  logger.With("component", "marketdata"),
		refs:    make(map[string]int),
		last:    make(map[string]types.TickerUpdate),
	}
}

// FromStream creates a Service over an exchange market stream.
func FromStream(ms *exchange.MarketStream, logger *slog.Logger) *Service {
	return New(ms, ms.Tickers, ms.Klines, logger)
}

// OnTick registers a ticker handler. Handlers run on the pump goroutine and
// must not block. Register before Run.
func (s *Service) OnTick(fn func(types.TickerUpdate)) {
	s.handlerMu.Lock()
	s.tickHandlers = append(s.tickHandlers, fn)
	s.handlerMu.Unlock()
}

// OnKline registers a kline handler. Same rules as OnTick.
func (s *Service) OnKline(fn func(types.KlineUpdate)) {
	s.handlerMu.Lock()
	s.klineHandlers = append(s.klineHandlers, fn)
	s.handlerMu.Unlock()
}

// Run pumps updates until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-s.tickers:
			s.cacheMu.Lock()
			s.last[tick.Symbol] = tick
			s.cacheMu.Unlock()

			s.handlerMu.RLock()
			for _, fn := range s.tickHandlers {
				fn(tick)
			}
			s.handlerMu.RUnlock()
		case kline := <-s.klines:
			s.handlerMu.RLock()
			for _, fn := range s.klineHandlers {
				fn(kline)
			}
			s.handlerMu.RUnlock()
		}
	}
}

// LastTicker returns the most recent cached tick for a symbol.
func (s *Service) LastTicker(symbol string) (types.TickerUpdate, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	tick, ok := s.last[symbol]
	return tick, ok
}

// SubscribeTicker adds one subscriber to a symbol's ticker stream.
func (s *Service) SubscribeTicker(symbol string) error {
	return s.acquire(exchange.TickerStream(symbol))
}

// UnsubscribeTicker releases one subscriber from a symbol's ticker stream.
func (s *Service) UnsubscribeTicker(symbol string) error {
	return s.release(exchange.TickerStream(symbol))
}

// SubscribeKline adds one subscriber to a symbol's kline stream.
func (s *Service) SubscribeKline(symbol, interval string) error {
	return s.acquire(exchange.KlineStream(symbol, interval))
}

// UnsubscribeKline releases one subscriber from a symbol's kline stream.
func (s *Service) UnsubscribeKline(symbol, interval string) error {
	return s.release(exchange.KlineStream(symbol, interval))
}

func (s *Service) acquire(stream string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs[stream]++
	if s.refs[stream] > 1 {
		return nil
	}
	if err := s.feed.Subscribe(stream); err != nil {
		s.refs[stream]--
		return err
	}
	s.logger.Debug("stream subscribed", "stream", stream)
	return nil
}

func (s *Service) release(stream string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.refs[stream]
	if !ok || n == 0 {
		return nil
	}
	s.refs[stream] = n - 1
	if s.refs[stream] > 0 {
		return nil
	}
	delete(s.refs, stream)
	if err := s.feed.Unsubscribe(stream); err != nil {
		return err
	}
	s.logger.Debug("stream unsubscribed", "stream", stream)
	return nil
}
