// Package mockserver is a small crash-game server speaking the
// canonical client protocol. It backs the integration tests and the
// cmd/mockserver binary; it is not a production game engine.
package mockserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/shopspring/decimal"

	"aviatorclient/internal/protocol"
)

const (
	DEFAULT_BETTING_TIME  = 3 * time.Second
	DEFAULT_TICK_INTERVAL = 100 * time.Millisecond
	CRASH_PAUSE           = 1 * time.Second
)

// Options tune the round loop; tests shrink the timings and pin the
// crash point.
type Options struct {
	BettingTime     time.Duration
	TickInterval    time.Duration
	FixedCrashPoint float64 // 0 means provably-fair generated
	AuthToken       string  // non-empty: ws upgrades with another token get 401
	Currency        string
	StartingBalance decimal.Decimal
	IssueTokens     bool // push activateCashout after each placement
}

type serverBet struct {
	id        string
	userID    string
	amount    decimal.Decimal
	token     string
	cashedOut bool
	lost      bool
}

// Server is the mock game server.
type Server struct {
	app      *fiber.App
	hub      *hub
	balances BalanceStore
	opts     Options

	mu         sync.Mutex
	phase      string
	roundID    string
	multiplier float64
	crash      float64
	bets       map[string]*serverBet
	nonce      int
	betSeq     int

	stopCh   chan struct{}
	stopOnce sync.Once
	seed     string
}

func New(opts Options, balances BalanceStore) *Server {
	if opts.BettingTime <= 0 {
		opts.BettingTime = DEFAULT_BETTING_TIME
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DEFAULT_TICK_INTERVAL
	}
	if opts.Currency == "" {
		opts.Currency = "KES"
	}

	s := &Server{
		app: fiber.New(fiber.Config{
			ServerHeader:          "mock-aviator",
			AppName:               "mock-aviator",
			DisableStartupMessage: true,
		}),
		hub:        newHub(),
		balances:   balances,
		opts:       opts,
		phase:      "betting",
		multiplier: 1.0,
		bets:       make(map[string]*serverBet),
		stopCh:     make(chan struct{}),
		seed:       generateSeed(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Use(recover.New())

	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if s.opts.AuthToken != "" && c.Query("token") != s.opts.AuthToken {
			return c.SendStatus(fiber.StatusUnauthorized)
		}
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get("/ws", websocket.New(s.wsHandler))

	s.app.Post("/bet/place", s.placeBetHandler)
	s.app.Post("/bet/cashout", s.cashoutHandler)
	s.app.Get("/wallet/balance", s.balanceHandler)
}

// Listener serves on an existing listener; integration tests use this
// with a loopback listener on port 0.
func (s *Server) Listener(ln net.Listener) error {
	go s.roundLoop()
	return s.app.Listener(ln)
}

// Listen serves on addr.
func (s *Server) Listen(addr string) error {
	go s.roundLoop()
	return s.app.Listen(addr)
}

func (s *Server) Shutdown() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.balances != nil {
		s.balances.Close()
	}
	return s.app.Shutdown()
}

// roundLoop runs betting -> flying -> crashed forever.
func (s *Server) roundLoop() {
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}
		s.runRound()
	}
}

func (s *Server) runRound() {
	s.mu.Lock()
	s.nonce++
	s.phase = "betting"
	s.multiplier = 1.0
	s.roundID = fmt.Sprintf("R%d-%d", time.Now().Unix(), s.nonce)
	if s.opts.FixedCrashPoint > 0 {
		s.crash = s.opts.FixedCrashPoint
	} else {
		s.crash = crashPoint(s.seed, s.nonce)
	}
	s.bets = make(map[string]*serverBet)
	roundID := s.roundID
	s.mu.Unlock()

	s.hub.broadcast(protocol.EventGameStateUpdate, protocol.GameStatePayload{
		Phase: "betting", RoundID: roundID, Multiplier: 1.0,
	})

	select {
	case <-time.After(s.opts.BettingTime):
	case <-s.stopCh:
		return
	}

	s.mu.Lock()
	s.phase = "flying"
	s.mu.Unlock()
	s.hub.broadcast(protocol.EventGameStarted, protocol.RoundStartPayload{RoundID: roundID})

	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()
	start := time.Now()

	for {
		select {
		case <-ticker.C:
			elapsed := time.Since(start).Seconds()
			mult := 1.0 + elapsed/1.5 + elapsed*elapsed*0.005
			mult = float64(int(mult*100)) / 100.0

			s.mu.Lock()
			crash := s.crash
			if mult >= crash {
				s.phase = "crashed"
				s.multiplier = crash
				for _, bet := range s.bets {
					if !bet.cashedOut {
						bet.lost = true
					}
				}
				s.mu.Unlock()
				s.hub.broadcast(protocol.EventGameCrashed, protocol.CrashPayload{CrashPoint: crash, RoundID: roundID})
				select {
				case <-time.After(CRASH_PAUSE):
				case <-s.stopCh:
				}
				return
			}
			s.multiplier = mult
			s.mu.Unlock()
			s.hub.broadcast(protocol.EventMultiplierUpdate, protocol.MultiplierPayload{Multiplier: mult, RoundID: roundID})

		case <-s.stopCh:
			return
		}
	}
}

// wsHandler speaks the canonical envelope protocol with one client.
func (s *Server) wsHandler(conn *websocket.Conn) {
	userID := conn.Query("user_id", conn.Query("token", "anonymous"))
	c := &client{conn: conn, userID: userID}
	s.hub.register(c)
	defer s.hub.unregister(c)

	if s.opts.StartingBalance.Sign() > 0 {
		if bal, err := s.balances.Balance(context.Background(), userID); err == nil && bal.Sign() == 0 {
			s.balances.Set(context.Background(), userID, s.opts.StartingBalance)
		}
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}

		switch env.Type {
		case protocol.EventPlaceBet:
			var p protocol.PlaceBetPayload
			json.Unmarshal(env.Data, &p)
			ack := s.placeBet(userID, p)
			s.ack(c, env.ID, ack)
			if ack.Success && s.opts.IssueTokens {
				s.hub.sendTo(userID, protocol.EventActivateCashout, protocol.ActivateCashoutPayload{
					BetID: ack.BetID,
					Token: "tok-" + ack.BetID,
				})
			}

		case protocol.EventCashout:
			var p protocol.CashoutPayload
			json.Unmarshal(env.Data, &p)
			s.ack(c, env.ID, s.cashout(userID, p.BetID, ""))

		case protocol.EventCashoutWithToken:
			var p protocol.TokenCashoutPayload
			json.Unmarshal(env.Data, &p)
			s.ack(c, env.ID, s.cashout(userID, p.BetID, p.CashoutToken))

		case protocol.EventRequestGameState:
			s.mu.Lock()
			snap := protocol.GameStatePayload{
				Phase:      s.phase,
				RoundID:    s.roundID,
				Multiplier: s.multiplier,
				Players:    s.hub.clientCount(),
			}
			if s.phase == "crashed" {
				snap.CrashPoint = s.crash
			}
			s.mu.Unlock()
			if env.ID != "" {
				s.ack(c, env.ID, snap)
			}
			if e, ok := envelope(protocol.EventGameStateUpdate, "", snap); ok {
				c.send(e)
			}

		case protocol.EventSendMessage:
			var p protocol.ChatPayload
			json.Unmarshal(env.Data, &p)
			s.ack(c, env.ID, protocol.ChatAck{ID: p.ID, Status: "delivered"})
			p.Sender = userID
			if p.Timestamp == 0 {
				p.Timestamp = time.Now().UnixMilli()
			}
			s.hub.broadcast(protocol.EventNewMessage, p)

		default:
			log.Printf("[MOCK] Unhandled event %q from %s", env.Type, userID)
		}
	}
}

func (s *Server) ack(c *client, id string, payload interface{}) {
	if id == "" {
		return
	}
	if env, ok := envelope(protocol.EventAck, id, payload); ok {
		c.send(env)
	}
}

func (s *Server) placeBet(userID string, p protocol.PlaceBetPayload) protocol.PlaceBetAck {
	amount, err := decimal.NewFromString(p.Amount)
	if err != nil || amount.Sign() <= 0 {
		return protocol.PlaceBetAck{Message: "invalid amount"}
	}

	s.mu.Lock()
	if s.phase == "crashed" {
		s.mu.Unlock()
		return protocol.PlaceBetAck{Message: "betting is closed"}
	}
	s.betSeq++
	id := fmt.Sprintf("BET-%s-%d", userID, s.betSeq)
	s.bets[id] = &serverBet{id: id, userID: userID, amount: amount}
	s.mu.Unlock()

	next, err := s.balances.Adjust(context.Background(), userID, amount.Neg())
	if err != nil {
		return protocol.PlaceBetAck{Message: "balance unavailable"}
	}
	s.pushBalance(userID, next)

	log.Printf("[MOCK] User %s placed %s (ID: %s)", userID, amount, id)
	return protocol.PlaceBetAck{Success: true, BetID: id, Message: "bet placed"}
}

func (s *Server) cashout(userID, betID, token string) protocol.CashoutAck {
	s.mu.Lock()
	bet, ok := s.bets[betID]
	if !ok || bet.userID != userID {
		s.mu.Unlock()
		return protocol.CashoutAck{Message: "bet not found"}
	}
	if token != "" && token != "tok-"+betID {
		s.mu.Unlock()
		return protocol.CashoutAck{Message: "bad token"}
	}
	if bet.cashedOut || bet.lost || s.phase != "flying" {
		s.mu.Unlock()
		return protocol.CashoutAck{Message: "cannot cashout now"}
	}
	bet.cashedOut = true
	mult := s.multiplier
	amount := bet.amount
	s.mu.Unlock()

	winnings := amount.Mul(decimal.NewFromFloat(mult))
	next, err := s.balances.Adjust(context.Background(), userID, winnings)
	if err != nil {
		return protocol.CashoutAck{Message: "balance unavailable"}
	}
	s.pushBalance(userID, next)

	log.Printf("[MOCK] User %s cashed out %s at %.2fx (winnings: %s)", userID, betID, mult, winnings)
	return protocol.CashoutAck{Success: true, Winnings: winnings.String()}
}

func (s *Server) pushBalance(userID string, balance decimal.Decimal) {
	s.hub.sendTo(userID, protocol.EventBalanceUpdated, protocol.BalancePayload{
		UserID:    userID,
		Balance:   balance.String(),
		Currency:  s.opts.Currency,
		Timestamp: time.Now().UnixMilli(),
	})
}

// HTTP fallback handlers, the non-streaming side of the same protocol.

func bearerUser(c *fiber.Ctx) string {
	auth := c.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return "anonymous"
}

func (s *Server) placeBetHandler(c *fiber.Ctx) error {
	var p protocol.PlaceBetPayload
	if err := c.BodyParser(&p); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(protocol.PlaceBetAck{Message: "invalid request body"})
	}
	return c.JSON(s.placeBet(bearerUser(c), p))
}

func (s *Server) cashoutHandler(c *fiber.Ctx) error {
	var p protocol.CashoutPayload
	if err := c.BodyParser(&p); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(protocol.CashoutAck{Message: "invalid request body"})
	}
	return c.JSON(s.cashout(bearerUser(c), p.BetID, ""))
}

func (s *Server) balanceHandler(c *fiber.Ctx) error {
	userID := bearerUser(c)
	balance, err := s.balances.Balance(c.Context(), userID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "balance unavailable"})
	}
	return c.JSON(protocol.BalancePayload{
		UserID:    userID,
		Balance:   balance.String(),
		Currency:  s.opts.Currency,
		Timestamp: time.Now().UnixMilli(),
	})
}
