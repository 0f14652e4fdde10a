// registry.go manages one Gateway per exchange account.
//
// A Gateway bundles the REST client with the account's market and user
// streams. Gateways are created lazily on first use, shared by every bot on
// the same account, and torn down together at shutdown.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"dcabot/internal/config"
	"dcabot/pkg/types"
)

// Gateway is the full exchange surface for one account.
type Gateway struct {
	Account types.ExchangeAccount
	Client  *Client
	Market  *MarketStream
	User    *UserStream

	cancel context.CancelFunc
}

// Registry creates and caches Gateways keyed by exchange account ID.
type Registry struct {
	cfg    config.ExchangeConfig
	logger *slog.Logger

	mu       sync.Mutex
	gateways map[int64]*Gateway
}

func NewRegistry(cfg config.ExchangeConfig, logger *slog.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		gateways: make(map[int64]*Gateway),
	}
}

// Acquire returns the Gateway for an account, creating it on first use.
// Creation syncs the server clock and starts both stream loops; they run
// until the registry is closed.
func (r *Registry) Acquire(ctx context.Context, acct types.ExchangeAccount) (*Gateway, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if gw, ok := r.gateways[acct.ID]; ok {
		return gw, nil
	}

	client := NewClient(acct, r.cfg, r.logger)
	if err := client.SyncTime(ctx); err != nil {
		return nil, fmt.Errorf("account %d: %w", acct.ID, err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	gw := &Gateway{
		Account: acct,
		Client:  client,
		Market:  NewMarketStream(acct.MarketStreamURL, r.cfg, r.logger),
		User:    NewUserStream(client, acct.UserStreamURL, r.cfg, r.logger),
		cancel:  cancel,
	}
	go gw.Market.Run(streamCtx)
	go gw.User.Run(streamCtx)

	r.gateways[acct.ID] = gw
	r.logger.Info("exchange gateway created", "account", acct.ID, "kind", acct.Kind)
	return gw, nil
}

// Get returns an already-created Gateway, or false if the account has none.
func (r *Registry) Get(accountID int64) (*Gateway, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	gw, ok := r.gateways[accountID]
	return gw, ok
}

// Close stops all stream loops. REST clients need no teardown.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, gw := range r.gateways {
		gw.cancel()
		delete(r.gateways, id)
	}
}
