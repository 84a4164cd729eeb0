package session

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"aviatorclient/internal/chat"
	"aviatorclient/internal/game"
	"aviatorclient/internal/mockserver"
	"aviatorclient/internal/protocol"
	"aviatorclient/internal/wallet"
)

type stubProvider struct {
	token string

	mu         sync.Mutex
	invalidate func(error)
	rejections []error
}

func (p *stubProvider) CurrentToken() (string, error) { return p.token, nil }

func (p *stubProvider) OnTokenInvalidated(fn func(error)) {
	p.mu.Lock()
	p.invalidate = fn
	p.mu.Unlock()
}

func (p *stubProvider) TokenRejected(err error) {
	p.mu.Lock()
	p.rejections = append(p.rejections, err)
	p.mu.Unlock()
}

func (p *stubProvider) rejectionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.rejections)
}

func startMockServer(t *testing.T, opts mockserver.Options) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	srv := mockserver.New(opts, mockserver.NewMemoryBalances())
	go srv.Listener(ln)
	t.Cleanup(func() { srv.Shutdown() })

	// Give fiber a beat to start accepting.
	time.Sleep(50 * time.Millisecond)
	return ln.Addr().String()
}

func newSession(t *testing.T, addr, token string) (*Session, *stubProvider) {
	t.Helper()
	provider := &stubProvider{token: token}
	s, err := New(Config{
		WSURL:        "ws://" + addr + "/ws",
		HTTPBaseURL:  "http://" + addr,
		Sender:       "alice",
		PollInterval: 100 * time.Millisecond,
	}, provider)
	if err != nil {
		t.Fatalf("New session failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, provider
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSession_PlaceBetTokenCashout(t *testing.T) {
	addr := startMockServer(t, mockserver.Options{
		BettingTime:     300 * time.Millisecond,
		TickInterval:    20 * time.Millisecond,
		FixedCrashPoint: 100.0, // effectively never crashes during the test
		AuthToken:       "good-token",
		IssueTokens:     true,
		StartingBalance: decimal.NewFromInt(1000),
	})
	s, _ := newSession(t, addr, "good-token")

	var walletMu sync.Mutex
	var balances []string
	s.Wallet.Subscribe(func(snap wallet.Snapshot) {
		walletMu.Lock()
		balances = append(balances, snap.Balance.String())
		walletMu.Unlock()
	})

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return s.Phase.Snapshot().Phase == game.PhaseFlying
	}, "round never started flying")

	bet, err := s.Bets.PlaceBet(decimal.NewFromInt(100), 0)
	if err != nil {
		t.Fatalf("PlaceBet failed: %v", err)
	}
	if bet.Status != game.BetActive {
		t.Fatalf("bet status = %v, want active", bet.Status)
	}

	// The server pushes a cashout authorization right after placement.
	waitFor(t, 2*time.Second, func() bool {
		tracked, ok := s.Bets.Bet(bet.ID)
		return ok && tracked.Token != nil
	}, "activateCashout token never arrived")

	res, err := s.Bets.Cashout(bet.ID)
	if err != nil {
		t.Fatalf("Cashout failed: %v", err)
	}
	if res.Strategy != "token" {
		t.Errorf("strategy = %q, want token cashout attempted first", res.Strategy)
	}
	if res.Winnings.Sign() <= 0 {
		t.Errorf("winnings = %s, want positive", res.Winnings)
	}
	if tracked, _ := s.Bets.Bet(bet.ID); tracked.Status != game.BetCashedOut {
		t.Errorf("bet status = %v, want no longer active", tracked.Status)
	}

	// Debit and credit both reached the wallet, push or poll.
	waitFor(t, 3*time.Second, func() bool {
		walletMu.Lock()
		defer walletMu.Unlock()
		return len(balances) >= 2
	}, "wallet updates never fanned out")
}

func TestSession_CrashMarksBetLostThenNewRound(t *testing.T) {
	addr := startMockServer(t, mockserver.Options{
		BettingTime:     300 * time.Millisecond,
		TickInterval:    20 * time.Millisecond,
		FixedCrashPoint: 1.2, // crashes shortly after takeoff
		IssueTokens:     false,
		StartingBalance: decimal.NewFromInt(1000),
	})
	s, _ := newSession(t, addr, "user-b2")

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Place as soon as the server accepts bets, so the bet rides into
	// the doomed round.
	var bet *game.Bet
	waitFor(t, 5*time.Second, func() bool {
		b, err := s.Bets.PlaceBet(decimal.NewFromInt(50), 0)
		if err != nil {
			return false
		}
		bet = b
		return true
	}, "bet never accepted")

	waitFor(t, 5*time.Second, func() bool {
		tracked, ok := s.Bets.Bet(bet.ID)
		return ok && tracked.Status == game.BetLost
	}, "bet never marked lost after crash")

	firstRound := s.Phase.Snapshot().RoundID
	waitFor(t, 5*time.Second, func() bool {
		snap := s.Phase.Snapshot()
		return snap.Phase == game.PhaseFlying && snap.RoundID != firstRound
	}, "next round never started")

	if snap := s.Phase.Snapshot(); snap.Multiplier > 1.5 {
		t.Errorf("multiplier = %v, want reset near 1.0 for the new round", snap.Multiplier)
	}
}

func TestSession_ChatRoundTrip(t *testing.T) {
	addr := startMockServer(t, mockserver.Options{
		BettingTime:  300 * time.Millisecond,
		TickInterval: 20 * time.Millisecond,
	})
	s, _ := newSession(t, addr, "chatty")

	got := make(chan string, 4)
	s.Chat.OnMessage(func(m chat.Message) { got <- m.Text })

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	id, err := s.Chat.Send("glhf")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if id == "" {
		t.Fatal("Send returned empty message id")
	}

	select {
	case text := <-got:
		if text != "glhf" {
			t.Errorf("echoed text = %q, want glhf", text)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("broadcast message never delivered")
	}
}

func TestSession_AuthFailureSurfacedToProvider(t *testing.T) {
	addr := startMockServer(t, mockserver.Options{
		AuthToken: "the-only-valid-token",
	})
	s, provider := newSession(t, addr, "wrong-token")

	err := s.Start()
	var authErr *protocol.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Start = %v, want AuthError", err)
	}
	if provider.rejectionCount() != 1 {
		t.Errorf("provider rejections = %d, want 1", provider.rejectionCount())
	}
}

func TestSession_TokenInvalidationTearsDown(t *testing.T) {
	addr := startMockServer(t, mockserver.Options{
		BettingTime:  300 * time.Millisecond,
		TickInterval: 20 * time.Millisecond,
	})
	s, provider := newSession(t, addr, "user-x")

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	provider.mu.Lock()
	invalidate := provider.invalidate
	provider.mu.Unlock()
	if invalidate == nil {
		t.Fatal("session never registered an invalidation handler")
	}
	invalidate(errors.New("logged out"))

	if err := s.Conn.Send(protocol.EventRequestGameState, nil, nil); err == nil {
		t.Error("connection still usable after token invalidation")
	}
}
