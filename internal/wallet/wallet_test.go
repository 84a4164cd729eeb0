package wallet

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"aviatorclient/internal/protocol"
	"aviatorclient/internal/transport"
)

func pushPayload(balance string) json.RawMessage {
	data, _ := json.Marshal(protocol.BalancePayload{
		UserID: "u1", Balance: balance, Currency: "KES", Timestamp: time.Now().UnixMilli(),
	})
	return data
}

func newReconciler(baseURL string, interval time.Duration) *Reconciler {
	fb := transport.NewFallbackClient(baseURL, func() (string, error) { return "tok", nil })
	return NewReconciler(fb, interval)
}

func TestReconciler_MeaningfulDeltaFilter(t *testing.T) {
	r := newReconciler("http://127.0.0.1:1", time.Hour)

	var mu sync.Mutex
	var notified []string
	r.Subscribe(func(s Snapshot) {
		mu.Lock()
		notified = append(notified, s.Balance.String())
		mu.Unlock()
	})

	r.handlePush(pushPayload("100.00")) // first update always accepted
	r.handlePush(pushPayload("100.00")) // duplicate push: |Δ| = 0
	r.handlePush(pushPayload("100.01")) // |Δ| = 0.01, still noise
	r.handlePush(pushPayload("100.02")) // |Δ| = 0.02 from accepted 100.00
	r.handlePush(pushPayload("95.00"))  // drop is meaningful too

	mu.Lock()
	defer mu.Unlock()
	want := []string{"100", "100.02", "95"}
	if len(notified) != len(want) {
		t.Fatalf("notifications = %v, want %v", notified, want)
	}
	for i := range want {
		if notified[i] != want[i] {
			t.Errorf("notification %d = %q, want %q", i, notified[i], want[i])
		}
	}

	snap, ok := r.GetSnapshot()
	if !ok || snap.Balance.String() != "95" {
		t.Errorf("snapshot = %+v ok=%v, want 95", snap, ok)
	}
}

func TestReconciler_Unsubscribe(t *testing.T) {
	r := newReconciler("http://127.0.0.1:1", time.Hour)

	var calls int32
	unsub := r.Subscribe(func(Snapshot) { atomic.AddInt32(&calls, 1) })

	r.handlePush(pushPayload("10"))
	unsub()
	r.handlePush(pushPayload("20"))

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("calls after unsubscribe = %d, want 1", n)
	}
}

func TestReconciler_MalformedPushDropped(t *testing.T) {
	r := newReconciler("http://127.0.0.1:1", time.Hour)
	r.handlePush(pushPayload("50"))
	r.handlePush(json.RawMessage(`{"balance": 12}`)) // wrong type
	r.handlePush(json.RawMessage(`garbage`))

	snap, ok := r.GetSnapshot()
	if !ok || snap.Balance.String() != "50" {
		t.Errorf("snapshot = %+v, want untouched 50", snap)
	}
}

func TestReconciler_PollMergesThroughSameFilter(t *testing.T) {
	var balance atomic.Value
	balance.Store("200.00")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"userId":"u1","balance":%q,"currency":"KES","timestamp":%d}`,
			balance.Load().(string), time.Now().UnixMilli())
	}))
	defer srv.Close()

	r := newReconciler(srv.URL, 50*time.Millisecond)
	defer r.Stop()

	var notifications int32
	r.Subscribe(func(Snapshot) { atomic.AddInt32(&notifications, 1) })
	go r.pollLoop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := r.GetSnapshot(); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, ok := r.GetSnapshot(); !ok {
		t.Fatal("poll never primed the snapshot")
	}

	// Identical polls must not re-notify.
	time.Sleep(200 * time.Millisecond)
	if n := atomic.LoadInt32(&notifications); n != 1 {
		t.Errorf("notifications = %d, want exactly 1 for a flat balance", n)
	}

	balance.Store("210.00")
	time.Sleep(200 * time.Millisecond)
	if n := atomic.LoadInt32(&notifications); n != 2 {
		t.Errorf("notifications = %d, want 2 after balance moved", n)
	}
}

func TestReconciler_PollFailureKeepsSnapshot(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, `{"userId":"u1","balance":"300","currency":"KES","timestamp":%d}`, time.Now().UnixMilli())
	}))
	defer srv.Close()

	r := newReconciler(srv.URL, 50*time.Millisecond)
	defer r.Stop()
	go r.pollLoop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := r.GetSnapshot(); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	fail.Store(true)
	time.Sleep(200 * time.Millisecond)

	// Stale-but-present beats blank.
	snap, ok := r.GetSnapshot()
	if !ok || snap.Balance.String() != "300" {
		t.Errorf("snapshot after poll failures = %+v ok=%v, want retained 300", snap, ok)
	}
}
