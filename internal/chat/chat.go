package chat

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"aviatorclient/internal/protocol"
	"aviatorclient/internal/store"
	"aviatorclient/internal/transport"
)

const (
	LOG_CAP       = 100
	QUEUE_CAP     = 50
	DEDUPE_WINDOW = 5 * time.Second
	DEDUPE_CAP    = 256
	DEDUPE_BUCKET = 5 // seconds per fingerprint bucket
	GC_INTERVAL   = 1 * time.Minute
)

// Message is one chat log entry.
type Message = store.Message

// Channel is the chat stream: durability-first sends, an offline queue
// replayed in order on reconnect, and fingerprint deduplication of
// inbound deliveries.
type Channel struct {
	conn   *transport.Conn
	store  store.Service
	sender string

	mu          sync.Mutex
	handlers    []func(Message)
	queue       []Message
	dedupe      map[string]time.Time
	dedupeOrder []string

	stopCh   chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

func NewChannel(conn *transport.Conn, st store.Service, sender string) *Channel {
	return &Channel{
		conn:   conn,
		store:  st,
		sender: sender,
		dedupe: make(map[string]time.Time),
		stopCh: make(chan struct{}),
		now:    time.Now,
	}
}

// Bind subscribes to inbound messages, hooks the reconnect flush, and
// starts the log garbage collector.
func (c *Channel) Bind() {
	c.conn.On(protocol.EventNewMessage, c.handleInbound)
	c.conn.OnConnect(c.flushQueue)
	go c.gcLoop()
}

func (c *Channel) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// OnMessage registers a handler for deduplicated inbound messages.
func (c *Channel) OnMessage(fn func(Message)) {
	c.mu.Lock()
	c.handlers = append(c.handlers, fn)
	c.mu.Unlock()
}

// RecentMessages returns up to window messages, oldest first.
func (c *Channel) RecentMessages(window int) ([]Message, error) {
	if window <= 0 || window > LOG_CAP {
		window = LOG_CAP
	}
	return c.store.RecentMessages(window)
}

// Send persists the message in Pending state before any network
// attempt, then ships it or queues it for the next reconnect.
func (c *Channel) Send(text string) (string, error) {
	if text == "" {
		return "", &protocol.ValidationError{Field: "text", Reason: "must not be empty"}
	}

	now := c.now()
	msg := Message{
		ID:          uuid.NewString(),
		Sender:      c.sender,
		Text:        text,
		Timestamp:   now,
		Status:      store.StatusPending,
		Fingerprint: Fingerprint(c.sender, text, now),
	}
	if err := c.store.SaveMessage(msg); err != nil {
		return "", fmt.Errorf("persist message: %w", err)
	}

	if c.conn.Status() != transport.Connected {
		c.enqueue(msg)
		return msg.ID, nil
	}
	c.ship(msg, false)
	return msg.ID, nil
}

// ship sends one message. All failures funnel through the ack
// callback, which conn.Send also resolves on a write error, so the
// queue-or-fail decision happens exactly once per attempt.
func (c *Channel) ship(msg Message, retried bool) {
	payload := protocol.ChatPayload{ID: msg.ID, Text: msg.Text, Timestamp: msg.Timestamp.UnixMilli()}
	err := c.conn.Send(protocol.EventSendMessage, payload, func(data json.RawMessage, err error) {
		if err != nil {
			c.settleFailure(msg, retried, err)
			return
		}
		var ack protocol.ChatAck
		if jerr := json.Unmarshal(data, &ack); jerr != nil || ack.Status == "failed" {
			c.markFailed(msg.ID, fmt.Errorf("ack status %q", ack.Status))
			return
		}
		if uerr := c.store.UpdateStatus(msg.ID, store.StatusSent); uerr != nil {
			log.Printf("[CHAT] Status update for %s failed: %v", msg.ID, uerr)
		}
	})
	if err != nil {
		log.Printf("[CHAT] Send of %s failed: %v", msg.ID, err)
	}
}

// settleFailure queues a fresh message that failed because the
// connection is down; anything else is marked Failed for the caller to
// resurface, never resent automatically.
func (c *Channel) settleFailure(msg Message, retried bool, cause error) {
	if !retried && c.conn.Status() != transport.Connected {
		c.enqueue(msg)
		return
	}
	c.markFailed(msg.ID, cause)
}

func (c *Channel) markFailed(id string, cause error) {
	log.Printf("[CHAT] Message %s failed: %v", id, cause)
	if err := c.store.UpdateStatus(id, store.StatusFailed); err != nil {
		log.Printf("[CHAT] Status update for %s failed: %v", id, err)
	}
}

func (c *Channel) enqueue(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) >= QUEUE_CAP {
		dropped := c.queue[0]
		c.queue = c.queue[1:]
		log.Printf("[CHAT] Offline queue full, dropping oldest message %s", dropped.ID)
		go c.markFailed(dropped.ID, fmt.Errorf("offline queue overflow"))
	}
	c.queue = append(c.queue, msg)
	log.Printf("[CHAT] Queued message %s for retry (%d waiting)", msg.ID, len(c.queue))
}

// flushQueue replays unsent messages in order once connectivity
// returns: anything left Pending in the store by an earlier run first,
// then whatever only exists in the in-memory queue.
func (c *Channel) flushQueue() {
	c.mu.Lock()
	queued := c.queue
	c.queue = nil
	c.mu.Unlock()

	replay, err := c.store.PendingMessages()
	if err != nil {
		log.Printf("[CHAT] Pending scan failed: %v", err)
		replay = nil
	}
	seen := make(map[string]bool, len(replay))
	for _, msg := range replay {
		seen[msg.ID] = true
	}
	for _, msg := range queued {
		if !seen[msg.ID] {
			replay = append(replay, msg)
		}
	}
	for _, msg := range replay {
		c.ship(msg, true)
	}
}

func (c *Channel) handleInbound(data json.RawMessage) {
	var p protocol.ChatPayload
	if err := json.Unmarshal(data, &p); err != nil || p.ID == "" {
		log.Printf("[CHAT] Dropping inbound message: err=%v payload=%s", err, data)
		return
	}

	ts := c.now()
	if p.Timestamp > 0 {
		ts = time.UnixMilli(p.Timestamp)
	}
	msg := Message{
		ID:          p.ID,
		Sender:      p.Sender,
		Text:        p.Text,
		Timestamp:   ts,
		Status:      store.StatusSent,
		Fingerprint: Fingerprint(p.Sender, p.Text, ts),
	}

	// Duplicates are still persisted; they just aren't re-delivered.
	if err := c.store.SaveMessage(msg); err != nil {
		log.Printf("[CHAT] Persist of inbound %s failed: %v", msg.ID, err)
	}
	if c.seenRecently(msg.Fingerprint) {
		log.Printf("[CHAT] Duplicate delivery suppressed (fingerprint %s)", msg.Fingerprint[:8])
		return
	}

	c.mu.Lock()
	handlers := append([]func(Message){}, c.handlers...)
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(msg)
	}
}

// seenRecently reports whether the fingerprint was seen inside the
// dedupe window, recording it either way. The cache is FIFO-bounded:
// once full, the oldest-inserted entry is evicted.
func (c *Channel) seenRecently(fp string) bool {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if seen, ok := c.dedupe[fp]; ok && now.Sub(seen) < DEDUPE_WINDOW {
		return true
	}
	if _, ok := c.dedupe[fp]; !ok {
		if len(c.dedupeOrder) >= DEDUPE_CAP {
			oldest := c.dedupeOrder[0]
			c.dedupeOrder = c.dedupeOrder[1:]
			delete(c.dedupe, oldest)
		}
		c.dedupeOrder = append(c.dedupeOrder, fp)
	}
	c.dedupe[fp] = now
	return false
}

func (c *Channel) gcLoop() {
	// Catch up on startup unless a previous run trimmed inside the
	// current interval.
	if last, ok, err := c.store.LastGC(); err == nil && (!ok || c.now().Sub(last) >= GC_INTERVAL) {
		c.trim()
	}

	ticker := time.NewTicker(GC_INTERVAL)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.trim()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Channel) trim() {
	if err := c.store.TrimLog(LOG_CAP); err != nil {
		log.Printf("[CHAT] Log trim failed: %v", err)
		return
	}
	if err := c.store.SetLastGC(c.now()); err != nil {
		log.Printf("[CHAT] GC timestamp write failed: %v", err)
	}
}

// Fingerprint hashes sender, text and a coarse timestamp bucket so the
// same message delivered twice in quick succession collides.
func Fingerprint(sender, text string, ts time.Time) string {
	bucket := ts.Unix() / DEDUPE_BUCKET
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", sender, text, bucket)))
	return hex.EncodeToString(sum[:])
}
