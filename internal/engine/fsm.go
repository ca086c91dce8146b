package engine

import (
	"sync"

	"github.com/rs/zerolog"
)

// State is a bot engine FSM state.
type State string

const (
	StateStopped   State = "stopped"
	StateIdle      State = "idle"
	StateScanning  State = "scanning"
	StateDeciding  State = "deciding"
	StateExecuting State = "executing"
	StateCooldown  State = "cooldown"
	StatePaused    State = "paused"
	StateEmergency State = "emergency"
)

// transitions is the complete set of allowed state changes. Anything not
// listed is rejected with a warning; the FSM is the single source of truth
// for engine lifecycle.
var transitions = map[State][]State{
	StateStopped:   {StateScanning, StateIdle},
	StateScanning:  {StateDeciding, StateIdle, StatePaused, StateEmergency, StateStopped},
	StateDeciding:  {StateExecuting, StateIdle, StatePaused, StateEmergency, StateStopped},
	StateExecuting: {StateCooldown, StateIdle, StateScanning, StatePaused, StateEmergency, StateStopped},
	StateCooldown:  {StateScanning, StateIdle, StatePaused, StateEmergency, StateStopped},
	StateIdle:      {StateScanning, StatePaused, StateEmergency, StateStopped},
	StatePaused:    {StateIdle, StateScanning, StateEmergency, StateStopped},
	StateEmergency: {StateStopped},
}

// FSM guards the lifecycle of one engine. The legacy booleans running,
// paused and emergencyStopped survive as derived getters; their setters
// log a deprecation and route through Transition.
type FSM struct {
	mu     sync.Mutex
	state  State
	logger zerolog.Logger

	// Emergency is latched: Emergency -> Stopped keeps emergencyStopped
	// true until ClearEmergency at the next explicit start.
	emergencyLatched bool
	emergencyReason  string
}

// NewFSM creates an FSM in Stopped.
func NewFSM(logger zerolog.Logger) *FSM {
	return &FSM{state: StateStopped, logger: logger.With().Str("component", "fsm").Logger()}
}

// State returns the current state.
func (f *FSM) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Transition attempts a state change, returning whether it was allowed.
func (f *FSM) Transition(to State) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transitionLocked(to)
}

func (f *FSM) transitionLocked(to State) bool {
	if f.state == to {
		return true
	}
	for _, allowed := range transitions[f.state] {
		if allowed == to {
			f.logger.Debug().Str("from", string(f.state)).Str("to", string(to)).Msg("state transition")
			f.state = to
			if to == StateEmergency {
				f.emergencyLatched = true
			}
			return true
		}
	}
	f.logger.Warn().Str("from", string(f.state)).Str("to", string(to)).Msg("rejected state transition")
	return false
}

// Running reports whether the engine is started (any state except Stopped
// and Emergency).
func (f *FSM) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state != StateStopped && f.state != StateEmergency
}

// Paused reports whether the engine is in Paused.
func (f *FSM) Paused() bool { return f.State() == StatePaused }

// EmergencyStopped reports the latched emergency flag, which outlives the
// Emergency state itself.
func (f *FSM) EmergencyStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.emergencyLatched
}

// EmergencyReason returns the recorded reason of the last emergency stop.
func (f *FSM) EmergencyReason() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.emergencyReason
}

// Emergency latches the emergency flag with a reason and enters Emergency.
func (f *FSM) Emergency(reason string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emergencyReason = reason
	return f.transitionLocked(StateEmergency)
}

// ClearEmergency resets the latch. Called at the next explicit start.
func (f *FSM) ClearEmergency() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emergencyLatched = false
	f.emergencyReason = ""
}

// SetRunning is a deprecated setter kept for old callers; it routes
// through the transition table.
func (f *FSM) SetRunning(running bool) {
	f.logger.Warn().Bool("running", running).Msg("deprecated setter used, routing through FSM")
	if running {
		f.Transition(StateIdle)
	} else {
		f.Transition(StateStopped)
	}
}

// SetPaused is a deprecated setter kept for old callers.
func (f *FSM) SetPaused(paused bool) {
	f.logger.Warn().Bool("paused", paused).Msg("deprecated setter used, routing through FSM")
	if paused {
		f.Transition(StatePaused)
	} else {
		f.Transition(StateIdle)
	}
}

// SetEmergencyStopped is a deprecated setter kept for old callers.
func (f *FSM) SetEmergencyStopped(stopped bool) {
	f.logger.Warn().Bool("emergencyStopped", stopped).Msg("deprecated setter used, routing through FSM")
	if stopped {
		f.Emergency("legacy setter")
	} else {
		f.ClearEmergency()
	}
}
