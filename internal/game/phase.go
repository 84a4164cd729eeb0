package game

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"aviatorclient/internal/protocol"
	"aviatorclient/internal/transport"
)

// Phase is the server-driven round phase.
type Phase int

const (
	PhaseBetting Phase = iota
	PhaseFlying
	PhaseCrashed
)

func (p Phase) String() string {
	switch p {
	case PhaseFlying:
		return "flying"
	case PhaseCrashed:
		return "crashed"
	default:
		return "betting"
	}
}

// PhaseSnapshot is a copy of the tracker state at one instant.
type PhaseSnapshot struct {
	Phase      Phase
	Multiplier float64
	CrashPoint float64
	HasCrash   bool
	RoundID    string
	StartTime  time.Time
}

// PhaseTracker mirrors the server's round state machine. It never
// advances state on its own: only inbound events mutate it, and events
// that do not match the current phase are logged and ignored, because
// the transport offers no ordering guarantee across reconnects.
type PhaseTracker struct {
	mu         sync.Mutex
	phase      Phase
	multiplier float64
	crashPoint float64
	hasCrash   bool
	roundID    string
	startTime  time.Time
}

func NewPhaseTracker() *PhaseTracker {
	return &PhaseTracker{phase: PhaseBetting, multiplier: 1.0}
}

// Bind subscribes the tracker to the connection's inbound game events.
func (t *PhaseTracker) Bind(conn *transport.Conn) {
	conn.On(protocol.EventGameStarted, t.handleStarted)
	conn.On(protocol.EventMultiplierUpdate, t.handleMultiplier)
	conn.On(protocol.EventGameCrashed, t.handleCrashed)
	conn.On(protocol.EventGameStateUpdate, t.handleStateUpdate)
}

// Snapshot returns a copy of the current state.
func (t *PhaseTracker) Snapshot() PhaseSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return PhaseSnapshot{
		Phase:      t.phase,
		Multiplier: t.multiplier,
		CrashPoint: t.crashPoint,
		HasCrash:   t.hasCrash,
		RoundID:    t.roundID,
		StartTime:  t.startTime,
	}
}

// Multiplier returns the current multiplier.
func (t *PhaseTracker) Multiplier() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.multiplier
}

func (t *PhaseTracker) handleStarted(data json.RawMessage) {
	var p protocol.RoundStartPayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &p); err != nil {
			log.Printf("[GAME] Dropping gameStarted: %v", err)
			return
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	// A Betting dwell between Crashed and the next start may or may not
	// be observed, depending on server cadence. Both edges are valid.
	if t.phase != PhaseBetting && t.phase != PhaseCrashed {
		log.Printf("[GAME] Ignoring gameStarted in phase %s", t.phase)
		return
	}
	t.phase = PhaseFlying
	t.multiplier = 1.0
	t.crashPoint = 0
	t.hasCrash = false
	t.roundID = p.RoundID
	t.startTime = time.Now()
}

func (t *PhaseTracker) handleMultiplier(data json.RawMessage) {
	var p protocol.MultiplierPayload
	if err := json.Unmarshal(data, &p); err != nil || p.Multiplier < 1.0 {
		log.Printf("[GAME] Dropping multiplierUpdate: err=%v payload=%s", err, data)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.phase != PhaseFlying {
		log.Printf("[GAME] Ignoring multiplierUpdate in phase %s", t.phase)
		return
	}
	t.multiplier = p.Multiplier
}

func (t *PhaseTracker) handleCrashed(data json.RawMessage) {
	var p protocol.CrashPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Printf("[GAME] Dropping gameCrashed: %v", err)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.phase != PhaseFlying {
		log.Printf("[GAME] Ignoring gameCrashed in phase %s", t.phase)
		return
	}
	t.phase = PhaseCrashed
	t.crashPoint = p.CrashPoint
	t.hasCrash = true
	t.multiplier = p.CrashPoint
}

// handleStateUpdate overwrites the local state wholesale with a server
// snapshot, used to resynchronize after a reconnect gap.
func (t *PhaseTracker) handleStateUpdate(data json.RawMessage) {
	var p protocol.GameStatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Printf("[GAME] Dropping gameStateUpdate: %v", err)
		return
	}

	var phase Phase
	switch p.Phase {
	case "betting", "BETTING":
		phase = PhaseBetting
	case "flying", "RUNNING":
		phase = PhaseFlying
	case "crashed", "CRASHED":
		phase = PhaseCrashed
	default:
		log.Printf("[GAME] Dropping gameStateUpdate with unknown phase %q", p.Phase)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.phase = phase
	if p.Multiplier >= 1.0 {
		t.multiplier = p.Multiplier
	} else {
		t.multiplier = 1.0
	}
	t.crashPoint = p.CrashPoint
	t.hasCrash = p.CrashPoint > 0
	if p.RoundID != "" {
		t.roundID = p.RoundID
	}
	log.Printf("[GAME] Resynced to phase=%s multiplier=%.2f round=%s", phase, t.multiplier, t.roundID)
}
