package wallet

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"aviatorclient/internal/protocol"
	"aviatorclient/internal/transport"
)

const DEFAULT_POLL_INTERVAL = 5 * time.Second

// MIN_DELTA suppresses noise from duplicate pushes: an update is
// accepted only when the balance moves by more than this.
var MIN_DELTA = decimal.NewFromFloat(0.01)

// Snapshot is the latest accepted wallet state, replaced wholesale on
// each accepted update.
type Snapshot struct {
	UserID      string
	Balance     decimal.Decimal
	Currency    string
	LastUpdated time.Time
}

// Reconciler merges push balance events with a periodic poll, applying
// the same meaningful-delta filter to both sources so neither channel
// double-notifies subscribers.
type Reconciler struct {
	fallback     *transport.FallbackClient
	pollInterval time.Duration

	mu      sync.Mutex
	snap    Snapshot
	primed  bool
	subs    map[int]func(Snapshot)
	nextSub int

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewReconciler(fallback *transport.FallbackClient, pollInterval time.Duration) *Reconciler {
	if pollInterval <= 0 {
		pollInterval = DEFAULT_POLL_INTERVAL
	}
	return &Reconciler{
		fallback:     fallback,
		pollInterval: pollInterval,
		subs:         make(map[int]func(Snapshot)),
		stopCh:       make(chan struct{}),
	}
}

// Bind subscribes the reconciler to push balance events and starts the
// poll loop.
func (r *Reconciler) Bind(conn *transport.Conn) {
	conn.On(protocol.EventBalanceUpdated, r.handlePush)
	go r.pollLoop()
}

func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// GetSnapshot returns the latest accepted snapshot. The second return
// is false until the first update is accepted.
func (r *Reconciler) GetSnapshot() (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap, r.primed
}

// Subscribe registers fn for accepted updates and returns the
// unsubscribe function.
func (r *Reconciler) Subscribe(fn func(Snapshot)) func() {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

func (r *Reconciler) handlePush(data json.RawMessage) {
	var p protocol.BalancePayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Printf("[WALLET] Dropping balance push: %v", err)
		return
	}
	r.applyPayload(p, "push")
}

func (r *Reconciler) pollLoop() {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p, err := r.fallback.WalletBalance()
			if err != nil {
				// Stale-but-present beats blank.
				log.Printf("[WALLET] Poll failed: %v", err)
				continue
			}
			r.applyPayload(*p, "poll")
		case <-r.stopCh:
			return
		}
	}
}

func (r *Reconciler) applyPayload(p protocol.BalancePayload, source string) {
	balance, err := decimal.NewFromString(p.Balance)
	if err != nil {
		log.Printf("[WALLET] Dropping %s update with bad balance %q: %v", source, p.Balance, err)
		return
	}
	updated := time.Now()
	if p.Timestamp > 0 {
		updated = time.UnixMilli(p.Timestamp)
	}
	r.apply(Snapshot{
		UserID:      p.UserID,
		Balance:     balance,
		Currency:    p.Currency,
		LastUpdated: updated,
	}, source)
}

func (r *Reconciler) apply(next Snapshot, source string) {
	r.mu.Lock()
	if r.primed && next.Balance.Sub(r.snap.Balance).Abs().LessThanOrEqual(MIN_DELTA) {
		r.mu.Unlock()
		return
	}
	r.snap = next
	r.primed = true
	subs := make([]func(Snapshot), 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	r.mu.Unlock()

	log.Printf("[WALLET] Balance %s %s (%s)", next.Balance, next.Currency, source)
	for _, fn := range subs {
		fn(next)
	}
}
