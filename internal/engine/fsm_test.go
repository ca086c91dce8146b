package engine

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionTableIsClosed(t *testing.T) {
	all := []State{StateStopped, StateIdle, StateScanning, StateDeciding,
		StateExecuting, StateCooldown, StatePaused, StateEmergency}

	for from, successors := range transitions {
		allowed := map[State]bool{}
		for _, s := range successors {
			allowed[s] = true
		}
		for _, to := range all {
			f := NewFSM(zerolog.Nop())
			f.state = from
			got := f.Transition(to)
			if to == from || allowed[to] {
				assert.True(t, got, "%s -> %s should be allowed", from, to)
				assert.Equal(t, to, f.State())
			} else {
				assert.False(t, got, "%s -> %s should be rejected", from, to)
				assert.Equal(t, from, f.State(), "rejected transition must not move the FSM")
			}
		}
	}
}

func TestEmergencyIsLatched(t *testing.T) {
	f := NewFSM(zerolog.Nop())
	require.True(t, f.Transition(StateIdle))
	require.True(t, f.Emergency("captcha"))

	assert.True(t, f.EmergencyStopped())
	assert.Equal(t, "captcha", f.EmergencyReason())

	// Moving on to Stopped keeps the latch.
	require.True(t, f.Transition(StateStopped))
	assert.True(t, f.EmergencyStopped())
	assert.False(t, f.Running())

	f.ClearEmergency()
	assert.False(t, f.EmergencyStopped())
	assert.Empty(t, f.EmergencyReason())
}

func TestDerivedGetters(t *testing.T) {
	f := NewFSM(zerolog.Nop())
	assert.False(t, f.Running())

	require.True(t, f.Transition(StateIdle))
	assert.True(t, f.Running())
	assert.False(t, f.Paused())

	require.True(t, f.Transition(StatePaused))
	assert.True(t, f.Running(), "paused still counts as running")
	assert.True(t, f.Paused())
}

func TestDeprecatedSettersRouteThroughFSM(t *testing.T) {
	f := NewFSM(zerolog.Nop())

	f.SetRunning(true)
	assert.Equal(t, StateIdle, f.State())

	f.SetPaused(true)
	assert.Equal(t, StatePaused, f.State())

	f.SetPaused(false)
	assert.Equal(t, StateIdle, f.State())

	f.SetRunning(false)
	assert.Equal(t, StateStopped, f.State())

	// A setter that would need an invalid transition leaves state unchanged.
	f2 := NewFSM(zerolog.Nop())
	f2.state = StateEmergency
	f2.SetPaused(true)
	assert.Equal(t, StateEmergency, f2.State())
}
