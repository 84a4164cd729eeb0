package mockserver

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"aviatorclient/internal/protocol"
)

const WRITE_TIMEOUT = 10 * time.Second

type client struct {
	conn   *websocket.Conn
	userID string
	mu     sync.Mutex
}

func (c *client) send(env protocol.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("[MOCK] Marshal error: %v", err)
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(WRITE_TIMEOUT))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("[MOCK] Write error for user %s: %v", c.userID, err)
	}
}

type hub struct {
	mu      sync.RWMutex
	clients map[*client]bool
}

func newHub() *hub {
	return &hub{clients: make(map[*client]bool)}
}

func (h *hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = true
	total := len(h.clients)
	h.mu.Unlock()
	log.Printf("[MOCK] Client connected: %s (Total: %d)", c.userID, total)
}

func (h *hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	total := len(h.clients)
	h.mu.Unlock()
	log.Printf("[MOCK] Client disconnected: %s (Total: %d)", c.userID, total)
}

func (h *hub) broadcast(event string, payload interface{}) {
	env, ok := envelope(event, "", payload)
	if !ok {
		return
	}
	h.mu.RLock()
	for c := range h.clients {
		go c.send(env)
	}
	h.mu.RUnlock()
}

func (h *hub) sendTo(userID, event string, payload interface{}) {
	env, ok := envelope(event, "", payload)
	if !ok {
		return
	}
	h.mu.RLock()
	for c := range h.clients {
		if c.userID == userID {
			go c.send(env)
		}
	}
	h.mu.RUnlock()
}

func (h *hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func envelope(event, id string, payload interface{}) (protocol.Envelope, bool) {
	env := protocol.Envelope{Type: event, ID: id}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			log.Printf("[MOCK] Marshal error for %s: %v", event, err)
			return env, false
		}
		env.Data = data
	}
	return env, true
}
