package engine

import (
	"fmt"
	"time"
)

const breakerBasePause = 5 * time.Minute

// checkBreaker evaluates the circuit breaker after the decide phase.
// Reaching the failure threshold trips the breaker: the engine pauses for
// an exponentially growing cooldown, or emergency-stops once the trip cap
// is exhausted. Returns true when the cycle must not continue.
func (e *Engine) checkBreaker() bool {
	e.mu.Lock()
	threshold := e.cfg.Safety.MaxConsecutiveFailures
	if threshold <= 0 || e.consecutiveFailures < threshold {
		e.mu.Unlock()
		return false
	}
	e.breakerTrips++
	e.stats.BreakerTrips++
	e.consecutiveFailures = 0
	trips := e.breakerTrips
	tripCap := e.cfg.Safety.MaxBreakerTrips
	e.mu.Unlock()

	if tripCap > 0 && trips >= tripCap {
		e.EmergencyStop(fmt.Sprintf("Persistent failures: circuit breaker exhausted after %d trips", trips))
		return true
	}

	pause := breakerBasePause * (1 << (trips - 1))
	e.logger.Warn().Int("trip", trips).Dur("pause", pause).Msg("circuit breaker tripped, pausing")
	e.ring.Warn("circuit breaker tripped", map[string]any{"trip": trips, "pauseSec": int(pause.Seconds())})

	if !e.fsm.Transition(StatePaused) {
		return true
	}
	e.sched.ScheduleOnce(onceBreakerResume, func() {
		if e.fsm.State() != StatePaused {
			return
		}
		if e.fsm.Transition(StateIdle) {
			e.logger.Info().Msg("circuit breaker cooldown elapsed, resuming")
			e.ring.Info("resuming after breaker cooldown", nil)
		}
	}, pause)
	return true
}

// allowAction rolls the hourly window if due and reports whether the
// action budget still has room. Called at the top of every cycle, before
// any page I/O.
func (e *Engine) allowAction() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollHourLocked()
	max := e.cfg.MaxActionsPerHour
	if max <= 0 {
		max = 60
	}
	return e.actionsThisHour < max
}

// hourlyReset is the scheduled fallback for the window rollover; the
// inline check in allowAction normally wins.
func (e *Engine) hourlyReset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollHourLocked()
}

func (e *Engine) rollHourLocked() {
	now := e.now()
	if e.hourResetAt.IsZero() {
		e.hourResetAt = now
		return
	}
	if now.Sub(e.hourResetAt) >= time.Hour {
		e.logger.Debug().Int("actions", e.actionsThisHour).Msg("hourly action window rolled over")
		e.actionsThisHour = 0
		e.hourResetAt = now
	}
}
