// dcabot — a multi-tenant DCA/Martingale trading backend for Binance-dialect
// spot exchanges.
//
// Architecture:
//
//	main.go                — entry point: config, wiring, recovery, graceful shutdown
//	exchange/client.go     — signed REST client: orders, balances, filters, listen keys
//	exchange/ws_market.go  — combined market stream (tickers, klines) with auto-reconnect
//	exchange/ws_user.go    — user-data stream: execution reports, balance deltas
//	engine/cycle.go        — per-cycle state machine: base order, safety ladder, TP rotation
//	engine/manager.go      — owns cycle runners, routes reports and ticks, recovery
//	supervisor/            — bot lifecycle under a per-bot lock: create/start/stop/delete
//	store/                 — Postgres (or in-memory) system of record with monotonic order state
//	marketdata/            — refcounted fan-out of market streams to engine and hub
//	api/                   — REST endpoints plus the WebSocket event hub
//
// How it trades: each active bot runs one cycle at a time. The cycle opens
// with a market base order, lays a ladder of limit safety orders below (above
// for shorts), and keeps one take-profit order sized to the whole position.
// Every safety fill moves the average entry, so the take-profit is cancelled
// and re-placed. When the take-profit fills, realized profit is recorded and
// the next cycle starts after the configured cooldown.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"dcabot/internal/api"
	"dcabot/internal/balance"
	"dcabot/internal/config"
	"dcabot/internal/engine"
	"dcabot/internal/exchange"
	"dcabot/internal/marketdata"
	"dcabot/internal/store"
	"dcabot/internal/supervisor"
	"dcabot/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("DCA_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// System of record.
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	// Public market data: one stream and one unauthenticated client shared
	// by every chart subscriber and price-watching cycle.
	registry := exchange.NewRegistry(cfg.Exchange, logger)
	defer registry.Close()

	publicClient := exchange.NewClient(types.ExchangeAccount{
		RESTBaseURL: cfg.Exchange.RESTBaseURL,
	}, cfg.Exchange, logger)
	marketStream := exchange.NewMarketStream(cfg.Exchange.MarketStreamURL, cfg.Exchange, logger)
	go marketStream.Run(ctx)

	md := marketdata.FromStream(marketStream, logger)

	// Engine and supervisor.
	eng := engine.NewManager(st, nil, cfg.Engine, logger)
	defer eng.Close()

	gateways := newGatewayPump(st, registry, eng, logger)
	sup := supervisor.New(st, eng, gateways, logger)

	// API surface.
	balances := &balanceService{
		pump: gateways,
		val:  balance.NewValuator("", md),
	}
	server := api.NewServer(cfg.Server, cfg.Hub, sup, st, md, balances, &klineHistory{client: publicClient}, logger)
	sink := api.NewSink(server.Hub(), st, logger)
	eng.SetSink(sink)

	// Market data flows to the engine and the hub from the same pump.
	md.OnTick(eng.HandleTick)
	md.OnTick(server.Hub().HandleTicker)
	md.OnKline(server.Hub().HandleKline)
	go md.Run(ctx)

	// Resume bots that were active before the restart.
	if err := eng.Recover(ctx, gateways.GatewayFor); err != nil {
		logger.Error("recovery incomplete", "error", err)
	}

	go keepBotStreams(ctx, st, md, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(ctx) }()

	logger.Info("dcabot started", "port", cfg.Server.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	cancel()
	if err := server.Stop(); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	return nil
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.Database.URL == "" {
		logger.Warn("no database configured, state will not survive restarts")
		return store.NewMemory(), nil
	}

	pg, err := store.NewPostgres(ctx, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.Database.EnsureSchema {
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
	}
	logger.Info("database connected")
	return pg, nil
}

// gatewayPump resolves gateways through the registry and, once per account,
// attaches the user-data stream to the engine: execution reports and
// reconnect signals have to reach the cycle runners no matter which caller
// created the gateway first.
type gatewayPump struct {
	store    store.Store
	registry *exchange.Registry
	engine   *engine.Manager
	logger   *slog.Logger

	mu      sync.Mutex
	pumping map[int64]bool
}

func newGatewayPump(st store.Store, registry *exchange.Registry, eng *engine.Manager, logger *slog.Logger) *gatewayPump {
	return &gatewayPump{
		store:    st,
		registry: registry,
		engine:   eng,
		logger:   logger.With("component", "gateway-pump"),
		pumping:  make(map[int64]bool),
	}
}

// GatewayFor satisfies both the supervisor's resolver and the engine's
// recovery hook.
func (g *gatewayPump) GatewayFor(ctx context.Context, bot *types.Bot) (engine.Gateway, error) {
	gw, err := g.acquire(ctx, bot.ExchangeAccountID)
	if err != nil {
		return nil, err
	}
	return gw.Client, nil
}

func (g *gatewayPump) acquire(ctx context.Context, accountID int64) (*exchange.Gateway, error) {
	acct, err := g.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("account %d: %w", accountID, err)
	}
	if !acct.Active {
		return nil, fmt.Errorf("account %d is disabled", accountID)
	}

	gw, err := g.registry.Acquire(ctx, *acct)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	started := g.pumping[accountID]
	g.pumping[accountID] = true
	g.mu.Unlock()
	if !started {
		go g.pumpUserStream(gw)
	}
	return gw, nil
}

func (g *gatewayPump) pumpUserStream(gw *exchange.Gateway) {
	for {
		select {
		case report, ok := <-gw.User.Reports:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			g.engine.HandleReport(ctx, report)
			cancel()
		case <-gw.User.Recovered:
			g.logger.Info("user stream recovered, reconciling", "account", gw.Account.ID)
			g.engine.HandleStreamRecovered()
		case <-gw.User.BalanceDeltas:
			// Balances are fetched on demand; deltas only need draining.
		}
	}
}

// keepBotStreams keeps a ticker subscription alive for every active bot's
// symbol so entry gating, price limits and trailing stops see prices.
func keepBotStreams(ctx context.Context, st store.Store, md *marketdata.Service, logger *slog.Logger) {
	subscribed := make(map[string]bool)
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	reconcile := func() {
		bots, err := st.ListBots(ctx, 0)
		if err != nil {
			logger.Warn("bot stream sync failed", "error", err)
			return
		}
		want := make(map[string]bool)
		for _, bot := range bots {
			if bot.Status == types.BotActive {
				want[bot.Symbol] = true
			}
		}
		for symbol := range want {
			if !subscribed[symbol] {
				if err := md.SubscribeTicker(symbol); err != nil {
					logger.Warn("ticker subscribe failed", "symbol", symbol, "error", err)
					continue
				}
				subscribed[symbol] = true
			}
		}
		for symbol := range subscribed {
			if !want[symbol] {
				md.UnsubscribeTicker(symbol)
				delete(subscribed, symbol)
			}
		}
	}

	reconcile()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reconcile()
		}
	}
}

// balanceService answers the hub's get_balance requests.
type balanceService struct {
	pump *gatewayPump
	val  *balance.Valuator
}

func (b *balanceService) AccountBalance(ctx context.Context, exchangeID int64) (*balance.Snapshot, error) {
	gw, err := b.pump.acquire(ctx, exchangeID)
	if err != nil {
		return nil, err
	}
	return b.val.Snapshot(ctx, gw.Client)
}

// klineHistory serves chart backfills from the public REST endpoint.
type klineHistory struct {
	client *exchange.Client
}

func (k *klineHistory) HistoricalKlines(ctx context.Context, symbol, interval string, limit int) ([]types.KlineUpdate, error) {
	klines, err := k.client.Klines(ctx, symbol, interval, limit)
	if err != nil {
		return nil, err
	}
	out := make([]types.KlineUpdate, len(klines))
	for i, kl := range klines {
		out[i] = types.KlineUpdate{
			Symbol:   symbol,
			Interval: interval,
			OpenTime: kl.OpenTime,
			Open:     kl.Open,
			High:     kl.High,
			Low:      kl.Low,
			Close:    kl.Close,
			Volume:   kl.Volume,
			Closed:   true,
		}
	}
	return out, nil
}
