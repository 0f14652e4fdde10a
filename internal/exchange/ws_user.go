// ws_user.go maintains the authenticated user-data WebSocket stream.
//
// Lifecycle: acquire a listen key over REST, connect to <streamURL>/<key>,
// refresh the key on a timer (the exchange expires it at 60 minutes), and on
// any disconnect reacquire a fresh key and reconnect with exponential
// backoff. Every reconnect is announced on Recovered so the engine can
// reconcile orders whose updates may have been missed during the gap.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"dcabot/internal/config"
	"dcabot/internal/metrics"
	"dcabot/pkg/types"
)

// UserStream is the authenticated event feed for one exchange account.
type UserStream struct {
	client       *Client
	streamURL    string
	keepalive    time.Duration
	reconnectMax time.Duration
	logger       *slog.Logger

	Reports       chan types.ExecutionReport
	BalanceDeltas chan types.BalanceDelta
	Recovered     chan struct{} // one signal per successful (re)connect after the first
}

// NewUserStream creates a user-data stream for the account behind client.
func NewUserStream(client *Client, streamURL string, cfg config.ExchangeConfig, logger *slog.Logger) *UserStream {
	return &UserStream{
		client:        client,
		streamURL:     streamURL,
		keepalive:     cfg.KeepaliveInterval,
		reconnectMax:  cfg.ReconnectMax,
		logger:        logger.With("component", "user_stream"),
		Reports:       make(chan types.ExecutionReport, 256),
		BalanceDeltas: make(chan types.BalanceDelta, 64),
		Recovered:     make(chan struct{}, 1),
	}
}

// Run connects and pumps events until ctx is cancelled.
func (u *UserStream) Run(ctx context.Context) {
	backoff := time.Second
	first := true
	for {
		err := u.session(ctx, !first)
		if ctx.Err() != nil {
			return
		}
		u.logger.Warn("user stream session ended", "error", err, "retry_in", backoff)
		first = false
		metrics.StreamReconnects.WithLabelValues("user").Inc()

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > u.reconnectMax {
			backoff = u.reconnectMax
		}
	}
}

// session runs one connect-read-teardown pass. recovered marks sessions that
// follow a gap and must trigger reconciliation.
func (u *UserStream) session(ctx context.Context, recovered bool) error {
	key, err := u.client.CreateListenKey(ctx)
	if err != nil {
		return fmt.Errorf("listen key: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := u.client.CloseListenKey(closeCtx, key); err != nil {
			u.logger.Debug("close listen key", "error", err)
		}
	}()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.streamURL+"/"+key, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	u.logger.Info("user stream connected")

	if recovered {
		select {
		case u.Recovered <- struct{}{}:
		default:
		}
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Keepalive loop. A failed refresh means the key may expire server-side;
	// tear the session down and start over with a fresh key.
	keepaliveErr := make(chan error, 1)
	go func() {
		t := time.NewTicker(u.keepalive)
		defer t.Stop()
		for {
			select {
			case <-sessionCtx.Done():
				return
			case <-t.C:
				if err := u.client.KeepAliveListenKey(sessionCtx, key); err != nil {
					keepaliveErr <- err
					return
				}
				u.logger.Debug("listen key refreshed")
			}
		}
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	})
	conn.SetReadDeadline(time.Now().Add(90 * time.Second))

	readErr := make(chan error, 1)
	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			u.dispatch(msg)
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-keepaliveErr:
		return fmt.Errorf("keepalive: %w", err)
	case err := <-readErr:
		return fmt.Errorf("read: %w", err)
	}
}

func (u *UserStream) dispatch(msg []byte) {
	var head struct {
		Event string `json:"e"`
	}
	if err := json.Unmarshal(msg, &head); err != nil {
		return
	}
	switch head.Event {
	case "executionReport":
		u.dispatchReport(msg)
	case "outboundAccountPosition":
		u.dispatchBalances(msg)
	}
}

// dispatchReport parses the exchange's single-letter executionReport fields
// into our ExecutionReport. ExecutedQty and CumulativeQuote are cumulative
// across the order's lifetime, which is what makes redelivery idempotent.
func (u *UserStream) dispatchReport(msg []byte) {
	var raw struct {
		EventTime       int64  `json:"E"`
		Symbol          string `json:"s"`
		ClientOrderID   string `json:"c"`
		Side            string `json:"S"`
		Type            string `json:"o"`
		Status          string `json:"X"`
		OrderID         int64  `json:"i"`
		LastQty         string `json:"l"`
		CumQty          string `json:"z"`
		LastPrice       string `json:"L"`
		CumQuote        string `json:"Z"`
		Commission      string `json:"n"`
		CommissionAsset string `json:"N"`
		OrigClientID    string `json:"C"` // set on cancels; c holds the cancel's own id
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		u.logger.Warn("bad execution report", "error", err)
		return
	}

	clientID := raw.ClientOrderID
	if raw.Status == "CANCELED" && raw.OrigClientID != "" {
		clientID = raw.OrigClientID
	}

	report := types.ExecutionReport{
		ClientOrderID:   clientID,
		ExchangeOrderID: raw.OrderID,
		Symbol:          raw.Symbol,
		Side:            types.Side(raw.Side),
		Type:            types.OrderType(raw.Type),
		Status:          mapOrderStatus(raw.Status),
		ExecutedQty:     mustDecimal(raw.CumQty),
		CumulativeQuote: mustDecimal(raw.CumQuote),
		LastFillPrice:   mustDecimal(raw.LastPrice),
		LastFillQty:     mustDecimal(raw.LastQty),
		Commission:      mustDecimal(raw.Commission),
		CommissionAsset: raw.CommissionAsset,
		EventTime:       raw.EventTime,
	}

	select {
	case u.Reports <- report:
	default:
		// The mailbox consumer must never be this slow; log loudly because a
		// dropped report means a reconcile will be needed.
		u.logger.Error("execution report dropped: consumer backlogged",
			"client_order_id", report.ClientOrderID, "status", report.Status)
	}
}

func (u *UserStream) dispatchBalances(msg []byte) {
	var raw struct {
		EventTime int64 `json:"E"`
		Balances  []struct {
			Asset  string `json:"a"`
			Free   string `json:"f"`
			Locked string `json:"l"`
		} `json:"B"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		u.logger.Warn("bad account position payload", "error", err)
		return
	}
	for _, b := range raw.Balances {
		delta := types.BalanceDelta{
			Asset:     b.Asset,
			Free:      mustDecimal(b.Free),
			Locked:    mustDecimal(b.Locked),
			EventTime: raw.EventTime,
		}
		select {
		case u.BalanceDeltas <- delta:
		default:
		}
	}
}
