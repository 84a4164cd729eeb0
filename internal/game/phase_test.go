package game

import (
	"encoding/json"
	"testing"
)

func raw(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestPhaseTracker_InitialState(t *testing.T) {
	tracker := NewPhaseTracker()
	snap := tracker.Snapshot()
	if snap.Phase != PhaseBetting {
		t.Errorf("initial phase = %v, want betting", snap.Phase)
	}
	if snap.Multiplier != 1.0 {
		t.Errorf("initial multiplier = %v, want 1.0", snap.Multiplier)
	}
}

func TestPhaseTracker_FullRound(t *testing.T) {
	tracker := NewPhaseTracker()

	tracker.handleStarted(raw(t, map[string]string{"roundId": "r1"}))
	if snap := tracker.Snapshot(); snap.Phase != PhaseFlying || snap.RoundID != "r1" {
		t.Fatalf("after gameStarted: %+v, want flying/r1", snap)
	}

	tracker.handleMultiplier(raw(t, map[string]float64{"multiplier": 2.37}))
	if m := tracker.Multiplier(); m != 2.37 {
		t.Errorf("multiplier = %v, want 2.37", m)
	}

	tracker.handleCrashed(raw(t, map[string]float64{"crashPoint": 2.5}))
	snap := tracker.Snapshot()
	if snap.Phase != PhaseCrashed || !snap.HasCrash || snap.CrashPoint != 2.5 {
		t.Fatalf("after gameCrashed: %+v, want crashed at 2.50", snap)
	}
}

func TestPhaseTracker_DirectRestartFromCrashed(t *testing.T) {
	tracker := NewPhaseTracker()
	tracker.handleStarted(raw(t, map[string]string{"roundId": "r1"}))
	tracker.handleMultiplier(raw(t, map[string]float64{"multiplier": 3.0}))
	tracker.handleCrashed(raw(t, map[string]float64{"crashPoint": 3.1}))

	// The Betting dwell may be skipped entirely by server cadence.
	tracker.handleStarted(raw(t, map[string]string{"roundId": "r2"}))
	snap := tracker.Snapshot()
	if snap.Phase != PhaseFlying {
		t.Errorf("phase = %v, want flying", snap.Phase)
	}
	if snap.Multiplier != 1.0 {
		t.Errorf("multiplier = %v, want reset to 1.0", snap.Multiplier)
	}
	if snap.RoundID != "r2" {
		t.Errorf("roundID = %q, want r2", snap.RoundID)
	}
	if snap.HasCrash {
		t.Error("crash point should be cleared on restart")
	}
}

func TestPhaseTracker_IgnoresOutOfPhaseEvents(t *testing.T) {
	tracker := NewPhaseTracker()

	// Multiplier before the round started: dropped.
	tracker.handleMultiplier(raw(t, map[string]float64{"multiplier": 5.0}))
	if m := tracker.Multiplier(); m != 1.0 {
		t.Errorf("multiplier = %v, want unchanged 1.0", m)
	}

	// Crash while betting: dropped.
	tracker.handleCrashed(raw(t, map[string]float64{"crashPoint": 2.0}))
	if snap := tracker.Snapshot(); snap.Phase != PhaseBetting {
		t.Errorf("phase = %v, want still betting", snap.Phase)
	}

	// Second gameStarted mid-flight: dropped.
	tracker.handleStarted(raw(t, map[string]string{"roundId": "r1"}))
	tracker.handleMultiplier(raw(t, map[string]float64{"multiplier": 2.0}))
	tracker.handleStarted(raw(t, map[string]string{"roundId": "r2"}))
	snap := tracker.Snapshot()
	if snap.RoundID != "r1" || snap.Multiplier != 2.0 {
		t.Errorf("mid-flight restart applied: %+v", snap)
	}
}

func TestPhaseTracker_DropsMalformedPayloads(t *testing.T) {
	tracker := NewPhaseTracker()
	tracker.handleStarted(raw(t, map[string]string{"roundId": "r1"}))

	tracker.handleMultiplier(json.RawMessage(`{"multiplier": "huge"}`))
	tracker.handleMultiplier(json.RawMessage(`{"multiplier": 0.5}`))
	tracker.handleCrashed(json.RawMessage(`not json`))

	snap := tracker.Snapshot()
	if snap.Phase != PhaseFlying || snap.Multiplier != 1.0 {
		t.Errorf("malformed payloads mutated state: %+v", snap)
	}
}

func TestPhaseTracker_StateUpdateOverwritesWholesale(t *testing.T) {
	tracker := NewPhaseTracker()
	tracker.handleStarted(raw(t, map[string]string{"roundId": "r1"}))
	tracker.handleMultiplier(raw(t, map[string]float64{"multiplier": 1.8}))

	// A reconnect snapshot wins over stale local state.
	tracker.handleStateUpdate(raw(t, map[string]interface{}{
		"phase":      "flying",
		"roundId":    "r9",
		"multiplier": 4.2,
	}))
	snap := tracker.Snapshot()
	if snap.RoundID != "r9" || snap.Multiplier != 4.2 || snap.Phase != PhaseFlying {
		t.Errorf("resync did not overwrite: %+v", snap)
	}

	// Server-side status strings are accepted too.
	tracker.handleStateUpdate(raw(t, map[string]interface{}{
		"phase":      "CRASHED",
		"multiplier": 4.5,
		"crashPoint": 4.5,
	}))
	if snap := tracker.Snapshot(); snap.Phase != PhaseCrashed || !snap.HasCrash {
		t.Errorf("uppercase phase rejected: %+v", snap)
	}

	// Unknown phase: dropped, state unchanged.
	tracker.handleStateUpdate(raw(t, map[string]interface{}{"phase": "warp"}))
	if snap := tracker.Snapshot(); snap.Phase != PhaseCrashed {
		t.Errorf("unknown phase applied: %+v", snap)
	}
}
