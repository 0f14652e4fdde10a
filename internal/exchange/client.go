// Package exchange implements the gateway to Binance-dialect spot exchanges.
//
// The REST client (Client) covers the account-scoped surface the trading core
// needs:
//   - PlaceOrder:     POST   /api/v3/order          — limit and market orders
//   - CancelOrder:    DELETE /api/v3/order           — cancel by client order ID
//   - OpenOrders:     GET    /api/v3/openOrders      — reconcile after stream gaps
//   - Balances:       GET    /api/v3/account         — free/locked per asset
//   - SymbolFilters:  GET    /api/v3/exchangeInfo    — tick/step/minNotional, cached
//   - Klines:         GET    /api/v3/klines          — historical candles
//   - listen-key ops: POST/PUT/DELETE /api/v3/userDataStream
//
// Every request is rate-limited via per-category TokenBuckets. Signed requests
// carry an HMAC-SHA256 signature over the form-encoded parameters and the API
// key in the X-MBX-APIKEY header. Mutating endpoints are never auto-retried:
// a transport error on PlaceOrder surfaces as a NetworkError so the caller
// reconciles instead of double-submitting.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"dcabot/internal/config"
	"dcabot/internal/metrics"
	"dcabot/pkg/types"
)

// Client is the REST API client for one exchange account.
type Client struct {
	http   *resty.Client
	signer *signer
	rl     *RateLimiter
	logger *slog.Logger

	mu      sync.RWMutex
	filters map[string]types.SymbolFilters // symbol -> cached filters
}

// NewClient creates a REST client bound to one account's credentials.
// Read-only endpoints retry on 5xx; mutating endpoints never do.
func NewClient(acct types.ExchangeAccount, cfg config.ExchangeConfig, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(acct.RESTBaseURL).
		SetTimeout(cfg.RequestTimeout).
		SetTransport(&http.Transport{
			DialContext:         (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
			TLSHandshakeTimeout: cfg.ConnectTimeout,
		}).
		SetHeader("X-MBX-APIKEY", acct.APIKey)

	return &Client{
		http:    httpClient,
		signer:  newSigner(acct.APISecret, cfg.RecvWindow),
		rl:      NewRateLimiter(),
		logger:  logger.With("component", "exchange", "account", acct.ID),
		filters: make(map[string]types.SymbolFilters),
	}
}

// apiError is the exchange's error body: {"code":-2010,"msg":"..."}.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// checkStatus converts a non-2xx response into the typed error taxonomy.
func checkStatus(op string, resp *resty.Response) error {
	code := resp.StatusCode()
	if code >= 200 && code < 300 {
		return nil
	}
	if code == http.StatusTooManyRequests || code == 418 {
		retryAfter, _ := strconv.Atoi(resp.Header().Get("Retry-After"))
		metrics.ExchangeErrors.WithLabelValues("rate_limited").Inc()
		return &RateLimitedError{Op: op, RetryAfter: retryAfter}
	}
	metrics.ExchangeErrors.WithLabelValues("rejected").Inc()
	var ae apiError
	if err := json.Unmarshal(resp.Body(), &ae); err == nil && ae.Code != 0 {
		return normalizeReject(op, ae.Code, ae.Msg)
	}
	return &RejectedError{Op: op, Code: code, Msg: resp.String()}
}

// SyncTime samples the exchange server clock and records the drift used for
// signed timestamps. Call once at startup and again after long disconnects.
func (c *Client) SyncTime(ctx context.Context) error {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return err
	}
	var result struct {
		ServerTime int64 `json:"serverTime"`
	}
	resp, err := c.http.R().SetContext(ctx).SetResult(&result).Get("/api/v3/time")
	if err != nil {
		return &NetworkError{Op: "sync time", Err: err}
	}
	if err := checkStatus("sync time", resp); err != nil {
		return err
	}
	c.signer.setServerTime(result.ServerTime)
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// PlaceOrderRequest describes one order submission. Exactly one of Qty or
// QuoteQty must be set for MARKET orders; LIMIT orders need Price and Qty.
type PlaceOrderRequest struct {
	Symbol        string
	Side          types.Side
	Type          types.OrderType
	Price         decimal.Decimal
	Qty           decimal.Decimal
	QuoteQty      decimal.Decimal
	ClientOrderID string
}

// OrderAck is the exchange's acknowledgement of a placement. For market
// orders the exchange returns inline fills; CumQuote/ExecutedQty cover them.
type OrderAck struct {
	ExchangeOrderID int64
	ClientOrderID   string
	Status          types.OrderStatus
	ExecutedQty     decimal.Decimal
	CumQuote        decimal.Decimal
	Fills           []types.Fill
}

// rawOrderResponse is the wire shape of POST /api/v3/order (FULL response).
type rawOrderResponse struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	ExecutedQty   string `json:"executedQty"`
	CumQuoteQty   string `json:"cummulativeQuoteQty"`
	Fills         []struct {
		Price      string `json:"price"`
		Qty        string `json:"qty"`
		Commission string `json:"commission"`
	} `json:"fills"`
}

// PlaceOrder submits one order. The caller must have quantized Price and Qty
// already; this method only encodes and signs.
func (c *Client) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*OrderAck, error) {
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("newClientOrderId", req.ClientOrderID)
	params.Set("newOrderRespType", "FULL")
	switch req.Type {
	case types.OrderTypeLimit:
		params.Set("timeInForce", "GTC")
		params.Set("price", req.Price.String())
		params.Set("quantity", req.Qty.String())
	case types.OrderTypeMarket:
		if !req.QuoteQty.IsZero() {
			params.Set("quoteOrderQty", req.QuoteQty.String())
		} else {
			params.Set("quantity", req.Qty.String())
		}
	default:
		return nil, fmt.Errorf("place order: unsupported type %q", req.Type)
	}

	var raw rawOrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(c.signer.sign(params)).
		SetResult(&raw).
		Post("/api/v3/order")
	if err != nil {
		return nil, &NetworkError{Op: "place order", Err: err}
	}
	if err := checkStatus("place order", resp); err != nil {
		return nil, err
	}

	ack := &OrderAck{
		ExchangeOrderID: raw.OrderID,
		ClientOrderID:   raw.ClientOrderID,
		Status:          mapOrderStatus(raw.Status),
		ExecutedQty:     mustDecimal(raw.ExecutedQty),
		CumQuote:        mustDecimal(raw.CumQuoteQty),
	}
	for _, f := range raw.Fills {
		ack.Fills = append(ack.Fills, types.Fill{
			Price:      mustDecimal(f.Price),
			Qty:        mustDecimal(f.Qty),
			Commission: mustDecimal(f.Commission),
		})
	}
	c.logger.Debug("order placed",
		"symbol", req.Symbol, "side", req.Side, "type", req.Type,
		"client_order_id", req.ClientOrderID, "status", ack.Status)
	return ack, nil
}

// CancelOrder cancels an order by client order ID. An unknown-order response
// surfaces as ErrUnknownOrder: the order is already terminal on the exchange,
// and only the caller knows whether that means "already cancelled" or "a fill
// won the race" — it must query before recording a terminal status locally.
func (c *Client) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientOrderID)

	resp, err := c.http.R().
		SetContext(ctx).
		Delete("/api/v3/order?" + c.signer.sign(params))
	if err != nil {
		return &NetworkError{Op: "cancel order", Err: err}
	}
	if err := checkStatus("cancel order", resp); err != nil {
		if isUnknownOrder(err) {
			c.logger.Debug("cancel of unknown order",
				"symbol", symbol, "client_order_id", clientOrderID)
		}
		return err
	}
	return nil
}

// QueryOrder fetches one order's current state by client order ID. Used to
// resolve orders parked in unknown after a network error or stream gap.
// Returns ErrUnknownOrder when the exchange has no record of it.
func (c *Client) QueryOrder(ctx context.Context, symbol, clientOrderID string) (*OrderAck, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientOrderID)

	var raw rawOrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&raw).
		Get("/api/v3/order?" + c.signer.sign(params))
	if err != nil {
		return nil, &NetworkError{Op: "query order", Err: err}
	}
	if err := checkStatus("query order", resp); err != nil {
		return nil, err
	}
	return &OrderAck{
		ExchangeOrderID: raw.OrderID,
		ClientOrderID:   raw.ClientOrderID,
		Status:          mapOrderStatus(raw.Status),
		ExecutedQty:     mustDecimal(raw.ExecutedQty),
		CumQuote:        mustDecimal(raw.CumQuoteQty),
	}, nil
}

// OpenOrder is one resting order as reported by GET /api/v3/openOrders.
type OpenOrder struct {
	ExchangeOrderID int64
	ClientOrderID   string
	Symbol          string
	Side            types.Side
	Price           decimal.Decimal
	OrigQty         decimal.Decimal
	ExecutedQty     decimal.Decimal
	Status          types.OrderStatus
}

// OpenOrders lists the account's resting orders for one symbol. Used to
// reconcile local state after a user-stream gap.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", symbol)

	var raw []struct {
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Symbol        string `json:"symbol"`
		Side          string `json:"side"`
		Price         string `json:"price"`
		OrigQty       string `json:"origQty"`
		ExecutedQty   string `json:"executedQty"`
		Status        string `json:"status"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&raw).
		Get("/api/v3/openOrders?" + c.signer.sign(params))
	if err != nil {
		return nil, &NetworkError{Op: "open orders", Err: err}
	}
	if err := checkStatus("open orders", resp); err != nil {
		return nil, err
	}

	orders := make([]OpenOrder, 0, len(raw))
	for _, r := range raw {
		orders = append(orders, OpenOrder{
			ExchangeOrderID: r.OrderID,
			ClientOrderID:   r.ClientOrderID,
			Symbol:          r.Symbol,
			Side:            types.Side(r.Side),
			Price:           mustDecimal(r.Price),
			OrigQty:         mustDecimal(r.OrigQty),
			ExecutedQty:     mustDecimal(r.ExecutedQty),
			Status:          mapOrderStatus(r.Status),
		})
	}
	return orders, nil
}

// ————————————————————————————————————————————————————————————————————————
// Account
// ————————————————————————————————————————————————————————————————————————

// Balances fetches free/locked amounts for every asset with a nonzero total.
func (c *Client) Balances(ctx context.Context) ([]types.Balance, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}

	var raw struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&raw).
		Get("/api/v3/account?" + c.signer.sign(url.Values{}))
	if err != nil {
		return nil, &NetworkError{Op: "balances", Err: err}
	}
	if err := checkStatus("balances", resp); err != nil {
		return nil, err
	}

	var out []types.Balance
	for _, b := range raw.Balances {
		free, locked := mustDecimal(b.Free), mustDecimal(b.Locked)
		if free.IsZero() && locked.IsZero() {
			continue
		}
		out = append(out, types.Balance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Market metadata and history
// ————————————————————————————————————————————————————————————————————————

// SymbolFilters returns the trading filters for a symbol, fetching and
// caching exchangeInfo on first use. Filters change rarely; the cache lives
// for the process lifetime and Refresh invalidates it.
func (c *Client) SymbolFilters(ctx context.Context, symbol string) (types.SymbolFilters, error) {
	c.mu.RLock()
	f, ok := c.filters[symbol]
	c.mu.RUnlock()
	if ok {
		return f, nil
	}

	if err := c.rl.Query.Wait(ctx); err != nil {
		return types.SymbolFilters{}, err
	}

	var raw struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType  string `json:"filterType"`
				TickSize    string `json:"tickSize"`
				StepSize    string `json:"stepSize"`
				MinQty      string `json:"minQty"`
				MinNotional string `json:"minNotional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&raw).
		Get("/api/v3/exchangeInfo")
	if err != nil {
		return types.SymbolFilters{}, &NetworkError{Op: "exchange info", Err: err}
	}
	if err := checkStatus("exchange info", resp); err != nil {
		return types.SymbolFilters{}, err
	}
	if len(raw.Symbols) == 0 {
		return types.SymbolFilters{}, &RejectedError{Op: "exchange info", Msg: "symbol not found: " + symbol}
	}

	f = types.SymbolFilters{Symbol: symbol}
	for _, fl := range raw.Symbols[0].Filters {
		switch fl.FilterType {
		case "PRICE_FILTER":
			f.TickSize = mustDecimal(fl.TickSize)
			f.PriceDecimals = decimals(fl.TickSize)
		case "LOT_SIZE":
			f.StepSize = mustDecimal(fl.StepSize)
			f.MinQty = mustDecimal(fl.MinQty)
			f.QtyDecimals = decimals(fl.StepSize)
		case "NOTIONAL", "MIN_NOTIONAL":
			f.MinNotional = mustDecimal(fl.MinNotional)
		}
	}

	c.mu.Lock()
	c.filters[symbol] = f
	c.mu.Unlock()
	return f, nil
}

// RefreshFilters drops the cached filters so the next SymbolFilters call
// refetches. Called when the exchange rejects an order with a filter error
// that our local copy said was fine.
func (c *Client) RefreshFilters(symbol string) {
	c.mu.Lock()
	delete(c.filters, symbol)
	c.mu.Unlock()
}

// Kline is one historical candle from GET /api/v3/klines.
type Kline struct {
	OpenTime  int64
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	CloseTime int64
}

// Klines fetches up to limit recent candles for symbol at the given interval.
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return nil, err
	}

	var raw [][]json.RawMessage
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":   symbol,
			"interval": interval,
			"limit":    strconv.Itoa(limit),
		}).
		SetResult(&raw).
		Get("/api/v3/klines")
	if err != nil {
		return nil, &NetworkError{Op: "klines", Err: err}
	}
	if err := checkStatus("klines", resp); err != nil {
		return nil, err
	}

	klines := make([]Kline, 0, len(raw))
	for _, row := range raw {
		if len(row) < 7 {
			continue
		}
		var k Kline
		var o, h, l, cl, v string
		if err := json.Unmarshal(row[0], &k.OpenTime); err != nil {
			continue
		}
		json.Unmarshal(row[1], &o)
		json.Unmarshal(row[2], &h)
		json.Unmarshal(row[3], &l)
		json.Unmarshal(row[4], &cl)
		json.Unmarshal(row[5], &v)
		json.Unmarshal(row[6], &k.CloseTime)
		k.Open, k.High, k.Low, k.Close, k.Volume =
			mustDecimal(o), mustDecimal(h), mustDecimal(l), mustDecimal(cl), mustDecimal(v)
		klines = append(klines, k)
	}
	return klines, nil
}

// ————————————————————————————————————————————————————————————————————————
// Listen key (user-data stream)
// ————————————————————————————————————————————————————————————————————————

// CreateListenKey opens a user-data stream session and returns its key.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return "", err
	}
	var result struct {
		ListenKey string `json:"listenKey"`
	}
	resp, err := c.http.R().SetContext(ctx).SetResult(&result).Post("/api/v3/userDataStream")
	if err != nil {
		return "", &NetworkError{Op: "create listen key", Err: err}
	}
	if err := checkStatus("create listen key", resp); err != nil {
		return "", err
	}
	return result.ListenKey, nil
}

// KeepAliveListenKey extends the listen key's server-side expiry.
func (c *Client) KeepAliveListenKey(ctx context.Context, key string) error {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return err
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("listenKey", key).
		Put("/api/v3/userDataStream")
	if err != nil {
		return &NetworkError{Op: "keepalive listen key", Err: err}
	}
	return checkStatus("keepalive listen key", resp)
}

// CloseListenKey closes the user-data stream session.
func (c *Client) CloseListenKey(ctx context.Context, key string) error {
	if err := c.rl.Query.Wait(ctx); err != nil {
		return err
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("listenKey", key).
		Delete("/api/v3/userDataStream")
	if err != nil {
		return &NetworkError{Op: "close listen key", Err: err}
	}
	return checkStatus("close listen key", resp)
}

// ————————————————————————————————————————————————————————————————————————
// Helpers
// ————————————————————————————————————————————————————————————————————————

// mapOrderStatus converts the exchange's status vocabulary into ours.
func mapOrderStatus(s string) types.OrderStatus {
	switch s {
	case "NEW":
		return types.OrderOpen
	case "PARTIALLY_FILLED":
		return types.OrderPartiallyFilled
	case "FILLED":
		return types.OrderFilled
	case "CANCELED", "EXPIRED", "EXPIRED_IN_MATCH":
		return types.OrderCancelled
	case "REJECTED":
		return types.OrderRejected
	}
	return types.OrderUnknown
}

// mustDecimal parses a decimal string from the exchange, mapping empty or
// malformed values to zero. The exchange's own wire format is decimal
// strings, so failures here indicate a corrupt payload, not user input.
func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// decimals counts the significant fractional digits of a filter value like
// "0.01000000" (-> 2) so truncation matches the exchange's precision.
func decimals(s string) int32 {
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsZero() {
		return 8
	}
	return -d.Exponent()
}

func isUnknownOrder(err error) bool {
	return errors.Is(err, ErrUnknownOrder)
}
