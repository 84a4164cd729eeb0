package transport

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"aviatorclient/internal/protocol"
)

const (
	MAX_RECONNECT_ATTEMPTS = 5
	RECONNECT_BASE_DELAY   = 1 * time.Second
	HANDSHAKE_TIMEOUT      = 5 * time.Second
	WRITE_TIMEOUT          = 10 * time.Second
	DEFAULT_ACK_TIMEOUT    = 3 * time.Second
)

// Status is the connection lifecycle state.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
)

func (s Status) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

var ErrNotConnected = errors.New("transport: not connected")

// Handler receives the decoded payload of one inbound event.
type Handler func(data json.RawMessage)

// AckFunc receives the ack payload for an outbound request, or an error
// if the request failed or timed out.
type AckFunc func(data json.RawMessage, err error)

// TokenFunc supplies the current auth token for each (re)connect attempt.
type TokenFunc func() (string, error)

// Conn owns exactly one authenticated push connection. All inbound
// events are dispatched serially from a single reader goroutine, in
// arrival order.
type Conn struct {
	url     string
	tokenFn TokenFunc

	mu       sync.Mutex
	ws       *websocket.Conn
	status   Status
	closed   bool
	stopCh   chan struct{}
	handlers map[string][]Handler
	onUp     []func()

	pendingMu sync.Mutex
	pending   map[string]*pendingAck

	onAuthFailure func(error)
}

type pendingAck struct {
	fn    AckFunc
	timer *time.Timer
}

// New prepares a connection to the given websocket URL. No network
// activity happens until Connect.
func New(url string, tokenFn TokenFunc) *Conn {
	return &Conn{
		url:      url,
		tokenFn:  tokenFn,
		stopCh:   make(chan struct{}),
		handlers: make(map[string][]Handler),
		pending:  make(map[string]*pendingAck),
	}
}

// OnAuthFailure registers the hook invoked when the server rejects the
// token. Auth failures are fatal: no retry is attempted.
func (c *Conn) OnAuthFailure(fn func(error)) {
	c.mu.Lock()
	c.onAuthFailure = fn
	c.mu.Unlock()
}

// OnConnect registers a hook invoked after every successful (re)connect,
// once the state resync request has been issued.
func (c *Conn) OnConnect(fn func()) {
	c.mu.Lock()
	c.onUp = append(c.onUp, fn)
	c.mu.Unlock()
}

// On subscribes a handler to an inbound event. Legacy event names are
// translated to the canonical schema before dispatch.
func (c *Conn) On(event string, fn Handler) {
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], fn)
	c.mu.Unlock()
}

// Status reports the current connection state.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connect performs the initial handshake. An auth rejection is returned
// as *protocol.AuthError and never retried; transient dial failures are
// retried with linearly increasing delay, up to MAX_RECONNECT_ATTEMPTS.
func (c *Conn) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("transport: closed")
	}
	c.status = Connecting
	c.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= MAX_RECONNECT_ATTEMPTS; attempt++ {
		err := c.dial()
		if err == nil {
			return nil
		}
		var authErr *protocol.AuthError
		if errors.As(err, &authErr) {
			c.setStatus(Disconnected)
			c.notifyAuthFailure(authErr)
			return err
		}
		lastErr = err
		delay := time.Duration(attempt) * RECONNECT_BASE_DELAY
		log.Printf("[WS] Connect attempt %d/%d failed: %v (retrying in %s)",
			attempt, MAX_RECONNECT_ATTEMPTS, err, delay)

		select {
		case <-time.After(delay):
		case <-c.stopCh:
			c.setStatus(Disconnected)
			return errors.New("transport: closed during connect")
		}
	}

	c.setStatus(Disconnected)
	return &protocol.TransientNetworkError{Op: "connect", Err: lastErr}
}

func (c *Conn) dial() error {
	token, err := c.tokenFn()
	if err != nil {
		return &protocol.AuthError{Reason: err.Error()}
	}

	dialer := websocket.Dialer{HandshakeTimeout: HANDSHAKE_TIMEOUT}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := dialer.Dial(c.url+"?token="+token, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return &protocol.AuthError{Reason: resp.Status}
		}
		return &protocol.TransientNetworkError{Op: "dial", Err: err}
	}

	c.mu.Lock()
	c.ws = ws
	c.status = Connected
	hooks := append([]func(){}, c.onUp...)
	c.mu.Unlock()

	log.Printf("[WS] Connected to %s", c.url)
	go c.readLoop(ws)

	// Events missed while disconnected are gone; ask the server for a
	// fresh snapshot so dependent components can resynchronize.
	if err := c.Send(protocol.EventRequestGameState, nil, nil); err != nil {
		log.Printf("[WS] State resync request failed: %v", err)
	}
	for _, fn := range hooks {
		fn()
	}
	return nil
}

// Send writes one outbound event. If ack is non-nil the frame carries a
// request id and ack fires exactly once: with the ack payload, or with
// an error after DEFAULT_ACK_TIMEOUT.
func (c *Conn) Send(event string, payload interface{}, ack AckFunc) error {
	return c.send(event, payload, ack, DEFAULT_ACK_TIMEOUT)
}

func (c *Conn) send(event string, payload interface{}, ack AckFunc, timeout time.Duration) error {
	env := protocol.Envelope{Type: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		env.Data = data
	}
	if ack != nil {
		env.ID = uuid.NewString()
		c.registerAck(env.ID, ack, timeout)
	}

	if err := c.write(env); err != nil {
		if ack != nil {
			c.resolveAck(env.ID, nil, err)
		}
		return err
	}
	return nil
}

// Request sends an event and blocks until the ack arrives or the given
// timeout elapses.
func (c *Conn) Request(event string, payload interface{}, timeout time.Duration) (json.RawMessage, error) {
	type result struct {
		data json.RawMessage
		err  error
	}
	ch := make(chan result, 1)
	if err := c.send(event, payload, func(data json.RawMessage, err error) {
		ch <- result{data, err}
	}, timeout); err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		return r.data, r.err
	case <-time.After(timeout + time.Second):
		return nil, &protocol.TransientNetworkError{Op: event, Err: errors.New("ack timeout")}
	}
}

func (c *Conn) write(env protocol.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil || c.status != Connected {
		return ErrNotConnected
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.ws.SetWriteDeadline(time.Now().Add(WRITE_TIMEOUT))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return &protocol.TransientNetworkError{Op: "write", Err: err}
	}
	return nil
}

func (c *Conn) registerAck(id string, fn AckFunc, timeout time.Duration) {
	c.pendingMu.Lock()
	p := &pendingAck{fn: fn}
	p.timer = time.AfterFunc(timeout, func() {
		c.resolveAck(id, nil, &protocol.TransientNetworkError{Op: "ack", Err: errors.New("timeout")})
	})
	c.pending[id] = p
	c.pendingMu.Unlock()
}

func (c *Conn) resolveAck(id string, data json.RawMessage, err error) {
	c.pendingMu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		p.timer.Stop()
	}
	c.pendingMu.Unlock()
	if ok {
		p.fn(data, err)
	}
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			c.handleDisconnect(ws, err)
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Printf("[WS] Dropping malformed frame: %v", err)
			continue
		}

		event := protocol.Canonical(env.Type)
		if event == protocol.EventAck && env.ID != "" {
			c.resolveAck(env.ID, env.Data, nil)
			continue
		}

		c.mu.Lock()
		hs := append([]Handler{}, c.handlers[event]...)
		c.mu.Unlock()
		if len(hs) == 0 {
			continue
		}
		for _, h := range hs {
			h(env.Data)
		}
	}
}

func (c *Conn) handleDisconnect(ws *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.ws != ws {
		// A newer connection already replaced this one.
		c.mu.Unlock()
		return
	}
	c.ws = nil
	closed := c.closed
	c.status = Disconnected
	c.mu.Unlock()

	if closed {
		return
	}
	log.Printf("[WS] Connection lost: %v (reconnecting)", cause)
	c.setStatus(Connecting)
	if err := c.Connect(); err != nil {
		log.Printf("[WS] Reconnect failed: %v", err)
	}
}

func (c *Conn) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

func (c *Conn) notifyAuthFailure(err error) {
	c.mu.Lock()
	fn := c.onAuthFailure
	c.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// Close tears the connection down and cancels any reconnect in flight.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.stopCh)
	ws := c.ws
	c.ws = nil
	c.status = Disconnected
	c.mu.Unlock()

	if ws != nil {
		return ws.Close()
	}
	return nil
}
