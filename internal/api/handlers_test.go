package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"dcabot/internal/config"
	"dcabot/internal/engine"
	"dcabot/internal/store"
	"dcabot/internal/supervisor"
	"dcabot/pkg/types"
)

type logWriter struct{ t *testing.T }

func (w logWriter) Write(p []byte) (int, error) {
	w.t.Log(string(bytes.TrimSpace(p)))
	return len(p), nil
}

func testLogger(t *testing.T) *slog.Logger {
	return slog.New(slog.NewTextHandler(logWriter{t}, nil))
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	st       *store.Memory
	hub      *Hub
	handlers *Handlers
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := testLogger(t)
	st := store.NewMemory()
	eng := engine.NewManager(st, nil, config.EngineConfig{
		SafetyRetries:     3,
		SafetyRetryDelay:  time.Millisecond,
		TakeProfitRetries: 5,
		MailboxSize:       64,
	}, logger)
	t.Cleanup(eng.Close)

	sup := supervisor.New(st, eng, supervisor.GatewayResolverFunc(
		func(context.Context, *types.Bot) (engine.Gateway, error) {
			return nil, errors.New("no gateway in handler tests")
		}), logger)

	acct := &types.ExchangeAccount{UserID: 1, Kind: types.ExchangeTestnet, Active: true}
	if err := st.CreateAccount(context.Background(), acct); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	hub := NewHub(config.HubConfig{PingInterval: time.Second, SendBufferSize: 16, BalanceTimeout: time.Second}, nil, nil, nil, logger)
	handlers := NewHandlers(sup, st, hub, nil, logger)
	return &fixture{st: st, hub: hub, handlers: handlers}
}

func validCreateBody() []byte {
	body, _ := json.Marshal(supervisor.CreateBotRequest{
		UserID:            1,
		ExchangeAccountID: 1,
		Name:              "btc-dca",
		Symbol:            "BTCUSDT",
		Direction:         types.Long,
		Params: types.BotParams{
			BaseOrderAmount:          dec("100"),
			SafetyOrderAmount:        dec("100"),
			MaxSafetyOrders:          2,
			ActiveSafetyOrders:       1,
			PriceDeviationPct:        dec("1"),
			PriceDeviationMultiplier: dec("1"),
			SafetyOrderSizeMult:      dec("1"),
			TakeProfitPct:            dec("1"),
			CooldownSeconds:          3600,
		},
	})
	return body
}

func TestIsOriginAllowed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		origin  string
		allowed []string
		reqHost string
		want    bool
	}{
		{
			name:    "empty origin is allowed",
			origin:  "",
			reqHost: "localhost:8080",
			want:    true,
		},
		{
			name:    "localhost origin allowed by default",
			origin:  "http://localhost:8080",
			reqHost: "localhost:8080",
			want:    true,
		},
		{
			name:    "non-local origin denied by default",
			origin:  "https://evil.example",
			reqHost: "localhost:8080",
			want:    false,
		},
		{
			name:    "allowlist permits exact origin",
			origin:  "https://dash.example.com",
			allowed: []string{"https://dash.example.com"},
			reqHost: "0.0.0.0:8080",
			want:    true,
		},
		{
			name:    "allowlist denies everything else",
			origin:  "https://evil.example",
			allowed: []string{"https://dash.example.com"},
			reqHost: "0.0.0.0:8080",
			want:    false,
		},
		{
			name:    "wildcard allows any origin",
			origin:  "https://anywhere.example",
			allowed: []string{"*"},
			reqHost: "0.0.0.0:8080",
			want:    true,
		},
		{
			name:    "same host allowed when no allowlist",
			origin:  "https://bots.internal:8080",
			reqHost: "bots.internal:8080",
			want:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := isOriginAllowed(tt.origin, tt.allowed, tt.reqHost); got != tt.want {
				t.Fatalf("isOriginAllowed(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func TestCreateBotEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/bots", bytes.NewReader(validCreateBody()))
	rec := httptest.NewRecorder()
	f.handlers.HandleCreateBot(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var bot types.Bot
	if err := json.Unmarshal(rec.Body.Bytes(), &bot); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if bot.ID == 0 || bot.Status != types.BotPending {
		t.Errorf("bot = %+v, want pending with id", bot)
	}
}

func TestCreateBotRejectsBadBody(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/bots", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	f.handlers.HandleCreateBot(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCreateBotRejectsBadParams(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	body, _ := json.Marshal(supervisor.CreateBotRequest{
		UserID:            1,
		ExchangeAccountID: 1,
		Name:              "broken",
		Symbol:            "BTCUSDT",
		Direction:         types.Long,
		// Zero params fail validation.
	})
	req := httptest.NewRequest(http.MethodPost, "/bots", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	f.handlers.HandleCreateBot(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestStartMissingBotIs404(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/bots/99/start", nil)
	req.SetPathValue("id", "99")
	rec := httptest.NewRecorder()
	f.handlers.HandleStartBot(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestListBotsFiltersByUser(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/bots", bytes.NewReader(validCreateBody()))
	rec := httptest.NewRecorder()
	f.handlers.HandleCreateBot(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}

	list := func(query string) []types.Bot {
		req := httptest.NewRequest(http.MethodGet, "/bots"+query, nil)
		rec := httptest.NewRecorder()
		f.handlers.HandleListBots(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("list status = %d", rec.Code)
		}
		var bots []types.Bot
		if err := json.Unmarshal(rec.Body.Bytes(), &bots); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return bots
	}

	if got := list(""); len(got) != 1 {
		t.Errorf("all bots = %d, want 1", len(got))
	}
	if got := list("?user_id=1"); len(got) != 1 {
		t.Errorf("user 1 bots = %d, want 1", len(got))
	}
	if got := list("?user_id=2"); len(got) != 0 {
		t.Errorf("user 2 bots = %d, want 0", len(got))
	}
}

func TestDeleteBotArchivesAndNotifies(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/bots", bytes.NewReader(validCreateBody()))
	rec := httptest.NewRecorder()
	f.handlers.HandleCreateBot(rec, req)
	var bot types.Bot
	json.Unmarshal(rec.Body.Bytes(), &bot)

	del := httptest.NewRequest(http.MethodDelete, "/bots/1", nil)
	del.SetPathValue("id", "1")
	rec = httptest.NewRecorder()
	f.handlers.HandleDeleteBot(rec, del)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, body %s", rec.Code, rec.Body)
	}

	if _, err := f.st.GetBot(context.Background(), bot.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetBot after delete: %v, want ErrNotFound", err)
	}

	// Second delete is a 404.
	rec = httptest.NewRecorder()
	del = httptest.NewRequest(http.MethodDelete, "/bots/1", nil)
	del.SetPathValue("id", "1")
	f.handlers.HandleDeleteBot(rec, del)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", rec.Code)
	}
}

func TestBotStatsEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/bots", bytes.NewReader(validCreateBody()))
	rec := httptest.NewRecorder()
	f.handlers.HandleCreateBot(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}

	statsReq := httptest.NewRequest(http.MethodGet, "/bot-stats?bot_id=1", nil)
	rec = httptest.NewRecorder()
	f.handlers.HandleBotStats(rec, statsReq)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}
	var stats []store.BotStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(stats) != 1 || stats[0].BotID != 1 || stats[0].CompletedCycles != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestBotCyclesAndOrdersEmpty(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/bots", bytes.NewReader(validCreateBody()))
	rec := httptest.NewRecorder()
	f.handlers.HandleCreateBot(rec, req)

	cyclesReq := httptest.NewRequest(http.MethodGet, "/bot-cycles/1", nil)
	cyclesReq.SetPathValue("botId", "1")
	rec = httptest.NewRecorder()
	f.handlers.HandleBotCycles(rec, cyclesReq)
	if rec.Code != http.StatusOK || rec.Body.String() == "null\n" {
		t.Errorf("cycles status = %d body = %q, want empty array", rec.Code, rec.Body)
	}

	ordersReq := httptest.NewRequest(http.MethodGet, "/bot-orders/1", nil)
	ordersReq.SetPathValue("botId", "1")
	rec = httptest.NewRecorder()
	f.handlers.HandleBotOrders(rec, ordersReq)
	if rec.Code != http.StatusOK || rec.Body.String() == "null\n" {
		t.Errorf("orders status = %d body = %q, want empty array", rec.Code, rec.Body)
	}
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	f.handlers.HandleHealth(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
