package api

import (
	"encoding/json"

	"dcabot/pkg/types"
)

// clientMessage is the envelope for every frame a client sends. Fields are
// populated per message type; unknown types are answered with an error frame.
type clientMessage struct {
	Type string `json:"type"`

	// authenticate
	UserID int64  `json:"user_id,omitempty"`
	Token  string `json:"token,omitempty"`

	// subscribe / configure_stream
	Symbols  []string `json:"symbols,omitempty"`
	DataType string   `json:"dataType,omitempty"`
	Interval string   `json:"interval,omitempty"`

	// get_balance
	ExchangeID int64  `json:"exchange_id,omitempty"`
	Asset      string `json:"asset,omitempty"`

	// change_subscription
	Symbol string `json:"symbol,omitempty"`
}

// serverMessage is the envelope for every frame the hub sends.
type serverMessage struct {
	Type       string `json:"type"`
	ExchangeID int64  `json:"exchange_id,omitempty"`
	Error      string `json:"error,omitempty"`
	Data       any    `json:"data,omitempty"`
}

func (m serverMessage) encode() []byte {
	data, err := json.Marshal(m)
	if err != nil {
		// Payloads are our own structs; a marshal failure is a bug.
		return []byte(`{"type":"error","error":"encode failure"}`)
	}
	return data
}

// botStatusPayload mirrors the bot_status_update frame.
type botStatusPayload struct {
	BotID    int64  `json:"botId"`
	Status   string `json:"status"`
	IsActive bool   `json:"isActive"`
	Message  string `json:"message,omitempty"`
}

// botDataPayload mirrors the bot_data_update frame. Action is one of
// created, updated, stopped, deleted.
type botDataPayload struct {
	Action string     `json:"action"`
	Bot    *types.Bot `json:"bot,omitempty"`
	BotID  int64      `json:"botId,omitempty"`
}

// cyclePayload mirrors the bot_cycle_update frame.
type cyclePayload struct {
	Action string       `json:"action"`
	Cycle  *types.Cycle `json:"cycle"`
}

// orderStatusPayload mirrors the order_status_update frame.
type orderStatusPayload struct {
	Order *types.Order `json:"order"`
}

// orderFillPayload mirrors the order_fill_notification frame.
type orderFillPayload struct {
	BotID         int64        `json:"botId"`
	CycleID       int64        `json:"cycleId"`
	Order         *types.Order `json:"order"`
	ExecutedQty   string       `json:"executedQty"`
	ExecutedQuote string       `json:"executedQuote"`
	EventTime     int64        `json:"eventTime"`
}

// balancePayload is the data body of a balance_update frame.
type balancePayload struct {
	Balances   []types.Balance `json:"balances"`
	TotalValue string          `json:"total_value"`
	Quote      string          `json:"quote"`
	Unpriced   []string        `json:"unpriced,omitempty"`
}

// historicalKlinesPayload is the data body of a historical_klines frame.
type historicalKlinesPayload struct {
	Symbol   string              `json:"symbol"`
	Interval string              `json:"interval"`
	Klines   []types.KlineUpdate `json:"klines"`
}
