package protocol

import "encoding/json"

// Outbound event names (client -> server).
const (
	EventPlaceBet         = "placeBet"
	EventCashout          = "cashout"
	EventCashoutWithToken = "cashoutWithToken"
	EventRequestGameState = "requestGameState"
	EventSendMessage      = "sendMessage"
)

// Inbound event names (server -> client).
const (
	EventGameStarted      = "gameStarted"
	EventMultiplierUpdate = "multiplierUpdate"
	EventGameCrashed      = "gameCrashed"
	EventGameStateUpdate  = "gameStateUpdate"
	EventActivateCashout  = "activateCashout"
	EventBalanceUpdated   = "wallet:balance_updated"
	EventNewMessage       = "newMessage"
	EventAck              = "ack"
)

// Envelope is the canonical wire frame. ID is set on outbound requests
// expecting an acknowledgement and echoed back on the matching ack.
type Envelope struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// legacyAliases maps event names emitted by older server builds onto the
// canonical schema. Translation happens once, at the transport boundary,
// so everything above it depends on one contract.
var legacyAliases = map[string]string{
	"round_start":   EventGameStarted,
	"round_running": EventGameStarted,
	"update":        EventMultiplierUpdate,
	"crash":         EventGameCrashed,
	"initial_state": EventGameStateUpdate,
	"balance":       EventBalanceUpdated,
	"chat_message":  EventNewMessage,
}

// Canonical resolves a possibly-legacy event name to its canonical form.
func Canonical(name string) string {
	if c, ok := legacyAliases[name]; ok {
		return c
	}
	return name
}

type PlaceBetPayload struct {
	Amount      string  `json:"amount"`
	AutoCashout float64 `json:"autoCashoutMultiplier,omitempty"`
}

type PlaceBetAck struct {
	Success bool   `json:"success"`
	BetID   string `json:"betId,omitempty"`
	Message string `json:"message,omitempty"`
}

type CashoutPayload struct {
	BetID      string  `json:"betId"`
	Multiplier float64 `json:"cashoutMultiplier"`
}

type TokenCashoutPayload struct {
	CashoutToken string `json:"cashoutToken"`
	BetID        string `json:"betId"`
}

type CashoutAck struct {
	Success  bool   `json:"success"`
	Winnings string `json:"winnings,omitempty"`
	Message  string `json:"message,omitempty"`
}

type GameStatePayload struct {
	Phase      string  `json:"phase"`
	RoundID    string  `json:"roundId,omitempty"`
	Multiplier float64 `json:"multiplier"`
	CrashPoint float64 `json:"crashPoint,omitempty"`
	Players    int     `json:"players,omitempty"`
}

type MultiplierPayload struct {
	Multiplier float64 `json:"multiplier"`
	RoundID    string  `json:"roundId,omitempty"`
}

type CrashPayload struct {
	CrashPoint float64 `json:"crashPoint"`
	RoundID    string  `json:"roundId,omitempty"`
}

type RoundStartPayload struct {
	RoundID string `json:"roundId"`
}

type ActivateCashoutPayload struct {
	BetID string `json:"betId"`
	Token string `json:"token"`
}

type BalancePayload struct {
	UserID    string `json:"userId"`
	Balance   string `json:"balance"`
	Currency  string `json:"currency"`
	Timestamp int64  `json:"timestamp"`
}

type ChatPayload struct {
	ID        string `json:"id"`
	Sender    string `json:"sender,omitempty"`
	Text      string `json:"text"`
	MediaURL  string `json:"mediaUrl,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type ChatAck struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}
