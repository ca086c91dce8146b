package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/warden-project/warden/internal/game"
)

// tick is the scheduler entry point for the main loop.
func (e *Engine) tick() {
	ctx := e.ctx
	if ctx == nil {
		return
	}
	e.runCycle(ctx)
}

// runCycle performs one scan-decide-execute cycle. The full trajectory is
// atomic with respect to concurrent timer ticks and heartbeat pokes: a
// non-empty cycleLock short-circuits reentry, and only the final deferred
// block clears it.
func (e *Engine) runCycle(ctx context.Context) {
	if !e.fsm.Running() || e.fsm.Paused() || e.fsm.EmergencyStopped() {
		return
	}

	e.mu.Lock()
	if e.cycleLock != "" {
		e.mu.Unlock()
		e.logger.Debug().Str("lock", e.cycleLock).Msg("cycle already in progress, skipping tick")
		return
	}
	e.cycleLock = lockScanning
	e.cycleCounter++
	e.currentCycleID = uuid.NewString()
	e.stats.CyclesRun++
	e.stats.LastCycleAt = e.now()
	cycleID := e.currentCycleID
	e.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Str("cycle", cycleID).Msg("cycle panicked")
			e.mu.Lock()
			e.consecutiveFailures++
			e.mu.Unlock()
		}
		switch e.fsm.State() {
		case StateScanning, StateDeciding, StateCooldown:
			e.fsm.Transition(StateIdle)
		}
		e.mu.Lock()
		e.cycleLock = ""
		e.mu.Unlock()

		if err := e.ring.Flush(); err != nil {
			e.logger.Warn().Err(err).Msg("eager log flush failed")
		}
		if !e.tasks.DirtyAt().IsZero() {
			if snapAt, err := e.saveRunState(e.fsm.Running()); err != nil {
				e.logger.Warn().Err(err).Str("cycle", cycleID).Msg("dirty-state save failed")
			} else {
				e.tasks.MarkCleanBefore(snapAt)
			}
		}
	}()

	if !e.fsm.Transition(StateScanning) {
		return
	}

	// Rate gate before any I/O.
	if !e.allowAction() {
		e.logger.Debug().Str("cycle", cycleID).Msg("hourly action budget exhausted, skipping cycle")
		return
	}

	state, err := e.exec.Scan(ctx)
	if err != nil {
		e.handleScanFailure(ctx, cycleID, err)
		return
	}

	// Scan success intentionally does not reset consecutiveFailures; only
	// a completed task proves the page is actually workable.
	if state.Captcha {
		e.EmergencyStop("Captcha detected on page")
		return
	}
	if !state.LoggedIn {
		e.mu.Lock()
		e.notLoggedInStreak++
		streak := e.notLoggedInStreak
		limit := e.cfg.Safety.NotLoggedInLimit
		e.mu.Unlock()
		e.ring.Warn("scan reports logged out", map[string]any{"streak": streak})
		if streak >= limit {
			e.EmergencyStop(fmt.Sprintf("Session expired: %d consecutive logged-out scans", streak))
		}
		return
	}
	e.mu.Lock()
	e.notLoggedInStreak = 0
	e.gameState = state
	e.mu.Unlock()

	e.noteVersion(state.ServerVersion)
	e.refreshBuildingCache(ctx, &state)

	if !e.fsm.Transition(StateDeciding) {
		return
	}
	e.mu.Lock()
	e.cycleLock = lockDeciding
	state.LastFarmAt = e.lastFarmAt
	cfg := e.cfg
	e.mu.Unlock()

	proposals := e.decider.Decide(state, cfg, e.tasks)
	for _, p := range proposals {
		if p.Type == game.TaskEmergencyStop {
			reason := "Decision module demanded emergency stop"
			if msg, ok := p.Params["reason"].(string); ok && msg != "" {
				reason = msg
			}
			e.EmergencyStop(reason)
			return
		}
	}
	added := 0
	for _, p := range proposals {
		if p.Type == game.TaskEmergencyStop {
			continue
		}
		if e.onCooldown(p.Type, p.Params) {
			continue
		}
		if id := e.tasks.Add(p.Type, p.Params, p.Priority, p.VillageID, p.ScheduledFor); id != 0 {
			added++
		}
	}
	if added > 0 {
		e.logger.Debug().Int("added", added).Str("cycle", cycleID).Msg("decision module enqueued tasks")
	}

	if e.maybeClaimHeroResources(ctx, state) {
		// Claim navigated away; give the page a full cycle to settle.
		return
	}

	if e.checkBreaker() {
		return
	}

	next := e.tasks.GetNext()
	if next == nil {
		e.setLoopInterval(false)
		return
	}

	e.executeTask(ctx, next)
	e.setLoopInterval(true)
}

// handleScanFailure retries a lightweight captcha-only probe: a full scan
// can fail on layout changes while a captcha interstitial is still
// detectable, and that distinction decides between retry and emergency.
func (e *Engine) handleScanFailure(ctx context.Context, cycleID string, scanErr error) {
	e.mu.Lock()
	e.stats.ScansFailed++
	e.mu.Unlock()
	e.logger.Warn().Err(scanErr).Str("cycle", cycleID).Msg("scan failed")

	if raw, err := e.exec.GetState(ctx, "captcha"); err == nil {
		var captcha bool
		if json.Unmarshal(raw, &captcha) == nil && captcha {
			e.EmergencyStop("Captcha detected on page")
			return
		}
	}

	e.mu.Lock()
	e.consecutiveFailures++
	e.mu.Unlock()
	e.ring.Warn("scan failed", map[string]any{"error": scanErr.Error()})
}

// noteVersion logs game version changes; a changed version often precedes
// selector breakage, but is never an error by itself.
func (e *Engine) noteVersion(version string) {
	if version == "" {
		return
	}
	e.mu.Lock()
	prev := e.lastVersion
	e.lastVersion = version
	e.mu.Unlock()
	if prev != "" && prev != version {
		e.logger.Warn().Str("from", prev).Str("to", version).Msg("game version changed")
		e.ring.Warn("game version changed", map[string]any{"from": prev, "to": version})
	}
}

// refreshBuildingCache renews the building-level snapshot when building
// work is configured and the cache has aged past the refresh interval.
// The detour scans the village view and returns to the resource overview.
func (e *Engine) refreshBuildingCache(ctx context.Context, state *game.State) {
	e.mu.Lock()
	wantBuildings := e.cfg.AutoUpgradeBuildings
	stale := e.cycleCounter >= e.cachedBuildingsCycle+e.cfg.Safety.BuildingRefreshCycles
	counter := e.cycleCounter
	e.mu.Unlock()
	if !wantBuildings || !stale {
		return
	}

	if _, err := e.exec.Execute(ctx, game.ActionNavigateTo, map[string]any{"page": game.PageVillage}); err != nil {
		e.logger.Warn().Err(err).Msg("building refresh navigation failed")
		return
	}
	if err := e.exec.WaitForContentScript(ctx, 15*time.Second); err != nil {
		e.logger.Warn().Err(err).Msg("executor lost during building refresh")
		return
	}
	villageState, err := e.exec.Scan(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("building refresh scan failed")
		return
	}

	e.mu.Lock()
	for _, v := range villageState.Villages {
		if len(v.Buildings) > 0 {
			e.cachedBuildings[v.ID] = v.Buildings
		}
	}
	e.cachedBuildingsCycle = counter
	e.mu.Unlock()

	// Merge the refreshed snapshot into the cycle's working state.
	for i := range state.Villages {
		if cached, ok := e.cachedBuildings[state.Villages[i].ID]; ok {
			state.Villages[i].Buildings = cached
		}
		for _, v := range villageState.Villages {
			if v.ID == state.Villages[i].ID && len(v.ConstructionQueue) > 0 {
				state.Villages[i].ConstructionQueue = v.ConstructionQueue
			}
		}
	}

	if _, err := e.exec.Execute(ctx, game.ActionNavigateTo, map[string]any{"page": game.PageResources}); err != nil {
		e.logger.Warn().Err(err).Msg("return from building refresh failed")
	}
	_ = e.exec.WaitForContentScript(ctx, 15*time.Second)
}

// setLoopInterval switches the main loop between the active and idle
// intervals depending on whether work was done this cycle.
func (e *Engine) setLoopInterval(active bool) {
	e.mu.Lock()
	sec := e.cfg.Delays.IdleSec
	if active {
		sec = e.cfg.Delays.ActiveSec
	}
	e.mu.Unlock()
	if sec <= 0 {
		return
	}
	e.sched.Reschedule(cycleMainLoop, time.Duration(sec)*time.Second)
}

// BuildingsFor returns the cached building snapshot of a village.
func (e *Engine) BuildingsFor(villageID string) []game.Building {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cachedBuildings[villageID]
}
