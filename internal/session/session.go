// Package session is the composition root: one Session binds one
// transport connection and one credential provider, with no
// package-level singletons, so multiple sessions can coexist in tests.
package session

import (
	"log"
	"sync"

	"aviatorclient/internal/chat"
	"aviatorclient/internal/game"
	"aviatorclient/internal/store"
	"aviatorclient/internal/transport"
	"aviatorclient/internal/wallet"
)

// CredentialProvider is the external credential collaborator. The core
// never stores tokens itself.
type CredentialProvider interface {
	CurrentToken() (string, error)
	OnTokenInvalidated(fn func(error))
}

// tokenRejectionReporter is implemented by providers that want to hear
// about fatal auth failures the core observed.
type tokenRejectionReporter interface {
	TokenRejected(err error)
}

// Session owns the live connection and the components built on it.
type Session struct {
	Conn   *transport.Conn
	Phase  *game.PhaseTracker
	Bets   *game.BetController
	Wallet *wallet.Reconciler
	Chat   *chat.Channel

	provider  CredentialProvider
	store     store.Service
	closeOnce sync.Once
}

// New wires a session together. Nothing touches the network until
// Start.
func New(cfg Config, provider CredentialProvider) (*Session, error) {
	var st store.Service
	var err error
	if cfg.StorePath == "" {
		st = store.NewMemory()
	} else {
		if st, err = store.NewSQLite(cfg.StorePath); err != nil {
			return nil, err
		}
	}

	conn := transport.New(cfg.WSURL, provider.CurrentToken)
	fallback := transport.NewFallbackClient(cfg.HTTPBaseURL, provider.CurrentToken)

	phase := game.NewPhaseTracker()
	bets := game.NewBetController(conn, fallback, phase)
	wal := wallet.NewReconciler(fallback, cfg.PollInterval)
	ch := chat.NewChannel(conn, st, cfg.Sender)

	s := &Session{
		Conn:     conn,
		Phase:    phase,
		Bets:     bets,
		Wallet:   wal,
		Chat:     ch,
		provider: provider,
		store:    st,
	}

	phase.Bind(conn)
	bets.Bind()
	wal.Bind(conn)
	ch.Bind()

	conn.OnAuthFailure(func(err error) {
		log.Printf("[SESSION] Fatal auth failure: %v", err)
		if r, ok := provider.(tokenRejectionReporter); ok {
			r.TokenRejected(err)
		}
	})
	provider.OnTokenInvalidated(func(err error) {
		log.Printf("[SESSION] Token invalidated (%v), tearing down", err)
		s.Close()
	})

	return s, nil
}

// Start performs the initial handshake.
func (s *Session) Start() error {
	return s.Conn.Connect()
}

// Close tears the session down: components first, then the connection,
// then local storage.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.Bets.Stop()
		s.Wallet.Stop()
		s.Chat.Stop()
		err = s.Conn.Close()
		if serr := s.store.Close(); err == nil {
			err = serr
		}
	})
	return err
}
