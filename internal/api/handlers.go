package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"dcabot/internal/store"
	"dcabot/internal/supervisor"
	"dcabot/pkg/types"
)

// Handlers serves the bot lifecycle and query endpoints.
type Handlers struct {
	sup            *supervisor.Supervisor
	store          store.Store
	hub            *Hub
	allowedOrigins []string
	logger         *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(sup *supervisor.Supervisor, st store.Store, hub *Hub, allowedOrigins []string, logger *slog.Logger) *Handlers {
	return &Handlers{
		sup:            sup,
		store:          st,
		hub:            hub,
		allowedOrigins: allowedOrigins,
		logger:         logger.With("component", "api-handlers"),
	}
}

// isOriginAllowed applies the browser-facing policy: same-host and localhost
// are fine without configuration, anything else needs an allowlist entry.
// Non-browser clients send no Origin and always pass.
func isOriginAllowed(origin string, allowed []string, reqHost string) bool {
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	if len(allowed) > 0 {
		return false
	}
	host := origin
	if i := strings.Index(origin, "://"); i >= 0 {
		host = origin[i+3:]
	}
	if strings.EqualFold(host, reqHost) {
		return true
	}
	hostname := host
	if i := strings.IndexByte(host, ':'); i >= 0 {
		hostname = host[:i]
	}
	return hostname == "localhost" || hostname == "127.0.0.1"
}

// HandleHealth answers liveness probes.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleWebSocket upgrades the connection into a hub client.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), h.allowedOrigins, r.Host)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	newClient(h.hub, conn)
}

// HandleCreateBot handles POST /bots.
func (h *Handlers) HandleCreateBot(w http.ResponseWriter, r *http.Request) {
	var req supervisor.CreateBotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	bot, err := h.sup.CreateBot(r.Context(), req)
	if err != nil {
		h.writeSupervisorError(w, err)
		return
	}

	h.hub.SendToUser(bot.UserID, serverMessage{
		Type: "bot_data_update",
		Data: botDataPayload{Action: "created", Bot: bot},
	})
	writeJSON(w, http.StatusCreated, bot)
}

// HandleStartBot handles POST /bots/{id}/start.
func (h *Handlers) HandleStartBot(w http.ResponseWriter, r *http.Request) {
	botID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	bot, err := h.sup.StartBot(r.Context(), botID)
	if err != nil {
		h.writeSupervisorError(w, err)
		return
	}

	h.hub.SendToUser(bot.UserID, serverMessage{
		Type: "bot_data_update",
		Data: botDataPayload{Action: "updated", Bot: bot},
	})
	writeJSON(w, http.StatusOK, bot)
}

// HandleStopBot handles POST /bots/{id}/stop. Liquidation of the held
// position is on by default; ?liquidate=false cancels orders only.
func (h *Handlers) HandleStopBot(w http.ResponseWriter, r *http.Request) {
	botID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	liquidate := r.URL.Query().Get("liquidate") != "false"

	result, err := h.sup.StopBot(r.Context(), botID, liquidate)
	if err != nil {
		h.writeSupervisorError(w, err)
		return
	}

	bot, err := h.sup.GetBot(r.Context(), botID)
	if err == nil {
		h.hub.SendToUser(bot.UserID, serverMessage{
			Type: "bot_data_update",
			Data: botDataPayload{Action: "stopped", Bot: bot},
		})
	}

	resp := stopResponse{
		CancelledOrders: result.CancelledOrders,
		LiquidatedQty:   result.LiquidatedQty.String(),
		LiquidatedQuote: result.LiquidatedQuote.String(),
	}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleDeleteBot handles DELETE /bots/{id}.
func (h *Handlers) HandleDeleteBot(w http.ResponseWriter, r *http.Request) {
	botID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	// Owner is gone after the delete, so resolve it first.
	var userID int64
	if bot, err := h.sup.GetBot(r.Context(), botID); err == nil {
		userID = bot.UserID
	}

	if err := h.sup.DeleteBot(r.Context(), botID); err != nil {
		h.writeSupervisorError(w, err)
		return
	}

	if userID != 0 {
		h.hub.SendToUser(userID, serverMessage{
			Type: "bot_data_update",
			Data: botDataPayload{Action: "deleted", BotID: botID},
		})
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleListBots handles GET /bots. ?user_id= filters to one user.
func (h *Handlers) HandleListBots(w http.ResponseWriter, r *http.Request) {
	var userID int64
	if raw := r.URL.Query().Get("user_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid user_id")
			return
		}
		userID = id
	}

	bots, err := h.sup.ListBots(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	if bots == nil {
		bots = []*types.Bot{}
	}
	writeJSON(w, http.StatusOK, bots)
}

// HandleBotCycles handles GET /bot-cycles/{botId}.
func (h *Handlers) HandleBotCycles(w http.ResponseWriter, r *http.Request) {
	botID, ok := pathID(w, r, "botId")
	if !ok {
		return
	}
	cycles, err := h.store.ListCycles(r.Context(), botID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	if cycles == nil {
		cycles = []*types.Cycle{}
	}
	writeJSON(w, http.StatusOK, cycles)
}

// HandleBotOrders handles GET /bot-orders/{botId}.
func (h *Handlers) HandleBotOrders(w http.ResponseWriter, r *http.Request) {
	botID, ok := pathID(w, r, "botId")
	if !ok {
		return
	}
	orders, err := h.store.ListOrdersForBot(r.Context(), botID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	if orders == nil {
		orders = []*types.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// HandleBotStats handles GET /bot-stats. ?bot_id= narrows to one bot,
// otherwise every bot's aggregate is returned.
func (h *Handlers) HandleBotStats(w http.ResponseWriter, r *http.Request) {
	if raw := r.URL.Query().Get("bot_id"); raw != "" {
		botID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid bot_id")
			return
		}
		stats, err := h.store.BotStats(r.Context(), botID)
		if err != nil {
			h.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, []*store.BotStats{stats})
		return
	}

	bots, err := h.sup.ListBots(r.Context(), 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	stats := make([]*store.BotStats, 0, len(bots))
	for _, bot := range bots {
		s, err := h.store.BotStats(r.Context(), bot.ID)
		if err != nil {
			h.writeStoreError(w, err)
			return
		}
		stats = append(stats, s)
	}
	writeJSON(w, http.StatusOK, stats)
}

// HandleCycleProfits handles GET /cycle-profits with the same bot_id
// narrowing as bot-stats.
func (h *Handlers) HandleCycleProfits(w http.ResponseWriter, r *http.Request) {
	if raw := r.URL.Query().Get("bot_id"); raw != "" {
		botID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid bot_id")
			return
		}
		profits, err := h.store.CycleProfits(r.Context(), botID)
		if err != nil {
			h.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, profits)
		return
	}

	bots, err := h.sup.ListBots(r.Context(), 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	all := []store.CycleProfit{}
	for _, bot := range bots {
		profits, err := h.store.CycleProfits(r.Context(), bot.ID)
		if err != nil {
			h.writeStoreError(w, err)
			return
		}
		all = append(all, profits...)
	}
	writeJSON(w, http.StatusOK, all)
}

type stopResponse struct {
	CancelledOrders int    `json:"cancelled_orders"`
	LiquidatedQty   string `json:"liquidated_quantity"`
	LiquidatedQuote string `json:"liquidated_quote"`
	Error           string `json:"error,omitempty"`
}

func (h *Handlers) writeSupervisorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "bot not found")
	case errors.Is(err, supervisor.ErrBotBusy):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func (h *Handlers) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeError(w, http.StatusInternalServerError, "query failed")
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid bot id")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
