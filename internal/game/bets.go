package game

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"aviatorclient/internal/protocol"
	"aviatorclient/internal/transport"
)

const (
	CASHOUT_TIMEOUT  = 3 * time.Second
	PLACE_TIMEOUT    = 5 * time.Second
	TOKEN_TTL        = 30 * time.Second
	BET_STALENESS    = 5 * time.Minute
	JANITOR_INTERVAL = 30 * time.Second

	// MostRecentBet is the sentinel bet id resolving to the newest
	// Active bet at call time.
	MostRecentBet = "latest"
)

var (
	MIN_BET_AMOUNT = decimal.NewFromInt(10)
	MAX_BET_AMOUNT = decimal.NewFromInt(50000)
)

// BetStatus is the lifecycle state of one bet.
type BetStatus int

const (
	BetPending BetStatus = iota
	BetActive
	BetCashedOut
	BetLost
)

func (s BetStatus) String() string {
	switch s {
	case BetActive:
		return "active"
	case BetCashedOut:
		return "cashed_out"
	case BetLost:
		return "lost"
	default:
		return "pending"
	}
}

// CashoutToken authorizes one bet's cashout without full session
// revalidation. At most one valid token exists per bet; a newer token
// silently supersedes the old one.
type CashoutToken struct {
	Value     string
	BetID     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

func (t *CashoutToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Bet is one tracked bet, owned exclusively by the controller.
type Bet struct {
	ID          string
	Amount      decimal.Decimal
	AutoCashout float64
	Status      BetStatus
	Token       *CashoutToken
	CreatedAt   time.Time
	ResolvedAt  time.Time
}

// CashoutResult reports a successful cashout.
type CashoutResult struct {
	BetID    string
	Winnings decimal.Decimal
	Strategy string
}

type cashoutCall struct {
	done chan struct{}
	res  CashoutResult
	err  error
}

var errBetNotFound = errors.New("bet not found")

// BetController manages concurrent in-flight bets, cashout-token
// issuance and expiry, and the layered cashout strategy.
type BetController struct {
	conn     *transport.Conn
	fallback *transport.FallbackClient
	tracker  *PhaseTracker

	mu       sync.Mutex
	bets     map[string]*Bet
	inflight map[string]*cashoutCall
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewBetController(conn *transport.Conn, fallback *transport.FallbackClient, tracker *PhaseTracker) *BetController {
	return &BetController{
		conn:     conn,
		fallback: fallback,
		tracker:  tracker,
		bets:     make(map[string]*Bet),
		inflight: make(map[string]*cashoutCall),
		stopCh:   make(chan struct{}),
	}
}

// Bind subscribes the controller to inbound events and starts the
// purge janitor.
func (b *BetController) Bind() {
	b.conn.On(protocol.EventActivateCashout, b.handleActivateCashout)
	b.conn.On(protocol.EventGameCrashed, b.handleCrash)
	go b.janitor()
}

func (b *BetController) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// PlaceBet validates bounds locally, then sends a placement request.
// On an accepted ack the bet is stored Active under the server id; on
// any failure nothing is stored.
func (b *BetController) PlaceBet(amount decimal.Decimal, autoCashout float64) (*Bet, error) {
	if amount.LessThan(MIN_BET_AMOUNT) || amount.GreaterThan(MAX_BET_AMOUNT) {
		return nil, &protocol.ValidationError{
			Field:  "amount",
			Reason: "must be between " + MIN_BET_AMOUNT.String() + " and " + MAX_BET_AMOUNT.String(),
		}
	}
	if autoCashout != 0 && autoCashout <= 1.0 {
		return nil, &protocol.ValidationError{Field: "autoCashoutMultiplier", Reason: "must be greater than 1.0"}
	}

	bet := &Bet{
		Amount:      amount,
		AutoCashout: autoCashout,
		Status:      BetPending,
		CreatedAt:   time.Now(),
	}
	payload := protocol.PlaceBetPayload{Amount: amount.String(), AutoCashout: autoCashout}

	ack, err := b.sendPlacement(payload)
	if err != nil {
		return nil, err
	}
	if !ack.Success || ack.BetID == "" {
		return nil, &protocol.ProtocolError{Event: protocol.EventPlaceBet, Reason: ack.Message}
	}

	bet.ID = ack.BetID
	bet.Status = BetActive

	b.mu.Lock()
	b.bets[bet.ID] = bet
	b.mu.Unlock()

	log.Printf("[BET] Placed %s (ID: %s, auto: %.2f)", amount, bet.ID, autoCashout)
	return bet, nil
}

func (b *BetController) sendPlacement(payload protocol.PlaceBetPayload) (*protocol.PlaceBetAck, error) {
	data, err := b.conn.Request(protocol.EventPlaceBet, payload, PLACE_TIMEOUT)
	if err == nil {
		var ack protocol.PlaceBetAck
		if jerr := json.Unmarshal(data, &ack); jerr != nil {
			return nil, &protocol.ProtocolError{Event: protocol.EventPlaceBet, Reason: jerr.Error()}
		}
		return &ack, nil
	}
	if !errors.Is(err, transport.ErrNotConnected) {
		return nil, err
	}
	log.Printf("[BET] Socket unavailable, placing via HTTP fallback")
	return b.fallback.PlaceBet(payload)
}

// Bet returns a copy of the tracked bet, if any.
func (b *BetController) Bet(betID string) (Bet, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bet, ok := b.bets[betID]
	if !ok {
		return Bet{}, false
	}
	return *bet, true
}

// ActiveBets returns copies of all bets currently Active.
func (b *BetController) ActiveBets() []Bet {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Bet
	for _, bet := range b.bets {
		if bet.Status == BetActive {
			out = append(out, *bet)
		}
	}
	return out
}

// Cashout resolves a bet through the strategy ladder: token cashout,
// then standard cashout, then a single HTTP fallback request. Each
// strategy is tried only if the previous one is unavailable or failed.
// Concurrent calls for the same bet share one outcome. On total failure
// the bet stays Active and the caller may retry.
func (b *BetController) Cashout(betID string) (CashoutResult, error) {
	b.mu.Lock()
	if betID == MostRecentBet {
		latest := b.latestActiveLocked()
		if latest == "" {
			b.mu.Unlock()
			return CashoutResult{}, errBetNotFound
		}
		betID = latest
	}
	if call, ok := b.inflight[betID]; ok {
		b.mu.Unlock()
		<-call.done
		return call.res, call.err
	}
	call := &cashoutCall{done: make(chan struct{})}
	b.inflight[betID] = call
	b.mu.Unlock()

	call.res, call.err = b.doCashout(betID)
	close(call.done)

	b.mu.Lock()
	delete(b.inflight, betID)
	b.mu.Unlock()
	return call.res, call.err
}

func (b *BetController) latestActiveLocked() string {
	var id string
	var newest time.Time
	for _, bet := range b.bets {
		if bet.Status == BetActive && (id == "" || bet.CreatedAt.After(newest)) {
			id = bet.ID
			newest = bet.CreatedAt
		}
	}
	return id
}

func (b *BetController) doCashout(betID string) (CashoutResult, error) {
	b.mu.Lock()
	bet, ok := b.bets[betID]
	if !ok {
		b.mu.Unlock()
		return CashoutResult{}, errBetNotFound
	}
	if bet.Status != BetActive {
		status := bet.Status
		b.mu.Unlock()
		return CashoutResult{}, &protocol.ValidationError{Field: "betId", Reason: "bet is " + status.String() + ", not active"}
	}
	var token *CashoutToken
	if bet.Token != nil {
		if bet.Token.Expired(time.Now()) {
			// Rejected locally, before any network call.
			log.Printf("[BET] %v", &protocol.StaleTokenError{BetID: betID})
			bet.Token = nil
		} else {
			tok := *bet.Token
			token = &tok
		}
	}
	b.mu.Unlock()

	var lastErr error

	if token != nil {
		res, err := b.tokenCashout(betID, token.Value)
		if err == nil {
			return res, nil
		}
		lastErr = err
		log.Printf("[BET] Token cashout for %s failed: %v", betID, err)
	}

	res, err := b.standardCashout(betID)
	if err == nil {
		return res, nil
	}
	lastErr = err
	log.Printf("[BET] Standard cashout for %s failed: %v", betID, err)

	res, err = b.httpCashout(betID)
	if err == nil {
		return res, nil
	}
	lastErr = err
	log.Printf("[BET] HTTP fallback cashout for %s failed: %v", betID, err)

	return CashoutResult{}, lastErr
}

func (b *BetController) tokenCashout(betID, token string) (CashoutResult, error) {
	payload := protocol.TokenCashoutPayload{CashoutToken: token, BetID: betID}
	data, err := b.conn.Request(protocol.EventCashoutWithToken, payload, CASHOUT_TIMEOUT)
	if err != nil {
		return CashoutResult{}, err
	}
	return b.applyCashoutAck(betID, data, "token")
}

func (b *BetController) standardCashout(betID string) (CashoutResult, error) {
	payload := protocol.CashoutPayload{BetID: betID, Multiplier: b.tracker.Multiplier()}
	data, err := b.conn.Request(protocol.EventCashout, payload, CASHOUT_TIMEOUT)
	if err != nil {
		return CashoutResult{}, err
	}
	return b.applyCashoutAck(betID, data, "standard")
}

func (b *BetController) httpCashout(betID string) (CashoutResult, error) {
	ack, err := b.fallback.Cashout(protocol.CashoutPayload{BetID: betID, Multiplier: b.tracker.Multiplier()})
	if err != nil {
		return CashoutResult{}, err
	}
	return b.finishCashout(betID, ack, "http")
}

func (b *BetController) applyCashoutAck(betID string, data json.RawMessage, strategy string) (CashoutResult, error) {
	var ack protocol.CashoutAck
	if err := json.Unmarshal(data, &ack); err != nil {
		return CashoutResult{}, &protocol.ProtocolError{Event: protocol.EventCashout, Reason: err.Error()}
	}
	return b.finishCashout(betID, &ack, strategy)
}

func (b *BetController) finishCashout(betID string, ack *protocol.CashoutAck, strategy string) (CashoutResult, error) {
	if !ack.Success {
		return CashoutResult{}, &protocol.ProtocolError{Event: protocol.EventCashout, Reason: ack.Message}
	}
	winnings := decimal.Zero
	if ack.Winnings != "" {
		if w, err := decimal.NewFromString(ack.Winnings); err == nil {
			winnings = w
		}
	}

	b.mu.Lock()
	if bet, ok := b.bets[betID]; ok && bet.Status == BetActive {
		bet.Status = BetCashedOut
		bet.Token = nil
		bet.ResolvedAt = time.Now()
	}
	b.mu.Unlock()

	log.Printf("[BET] Cashed out %s via %s (winnings: %s)", betID, strategy, winnings)
	return CashoutResult{BetID: betID, Winnings: winnings, Strategy: strategy}, nil
}

// handleActivateCashout stores a server-issued cashout token. A token
// for an untracked bet creates a provisional record rather than being
// dropped, so reconnect gaps do not lose the authorization.
func (b *BetController) handleActivateCashout(data json.RawMessage) {
	var p protocol.ActivateCashoutPayload
	if err := json.Unmarshal(data, &p); err != nil || p.BetID == "" || p.Token == "" {
		log.Printf("[BET] Dropping activateCashout: err=%v payload=%s", err, data)
		return
	}

	now := time.Now()
	token := &CashoutToken{
		Value:     p.Token,
		BetID:     p.BetID,
		IssuedAt:  now,
		ExpiresAt: now.Add(TOKEN_TTL),
	}

	b.mu.Lock()
	bet, ok := b.bets[p.BetID]
	if !ok {
		bet = &Bet{
			ID:        p.BetID,
			Amount:    decimal.Zero,
			Status:    BetActive,
			CreatedAt: now,
		}
		b.bets[p.BetID] = bet
		log.Printf("[BET] Provisional bet %s created for orphan cashout token", p.BetID)
	}
	bet.Token = token
	b.mu.Unlock()

	// Expiry is idempotent: firing after the token was consumed or
	// superseded is a no-op.
	time.AfterFunc(TOKEN_TTL, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if bet, ok := b.bets[p.BetID]; ok && bet.Token != nil && bet.Token.Value == p.Token {
			bet.Token = nil
			log.Printf("[BET] Cashout token for %s expired", p.BetID)
		}
	})
}

// handleCrash marks every still-Active bet Lost. Resolved bets are kept
// for the staleness window so late reads still see the final state.
func (b *BetController) handleCrash(data json.RawMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	for _, bet := range b.bets {
		if bet.Status == BetActive {
			bet.Status = BetLost
			bet.Token = nil
			bet.ResolvedAt = now
			log.Printf("[BET] Bet %s lost (%s)", bet.ID, bet.Amount)
		}
	}
}

func (b *BetController) janitor() {
	ticker := time.NewTicker(JANITOR_INTERVAL)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.purge(time.Now())
		case <-b.stopCh:
			return
		}
	}
}

func (b *BetController) purge(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, bet := range b.bets {
		switch {
		case !bet.ResolvedAt.IsZero() && now.Sub(bet.ResolvedAt) > BET_STALENESS:
			delete(b.bets, id)
		case bet.ResolvedAt.IsZero() && now.Sub(bet.CreatedAt) > BET_STALENESS:
			log.Printf("[BET] Purging stale unresolved bet %s", id)
			delete(b.bets, id)
		}
	}
}
