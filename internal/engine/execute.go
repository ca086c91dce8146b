package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/warden-project/warden/internal/bridge"
	"github.com/warden-project/warden/internal/game"
	"github.com/warden-project/warden/internal/queue"
)

// Cooldown applied after a successful task, per task type.
var successCooldowns = map[game.TaskType]time.Duration{
	game.TaskUpgradeResource: 60 * time.Second,
	game.TaskUpgradeBuilding: 60 * time.Second,
	game.TaskBuildNew:        60 * time.Second,
	game.TaskTrainTroops:     120 * time.Second,
	game.TaskTrainTraps:      120 * time.Second,
	game.TaskSendFarm:        300 * time.Second,
	game.TaskSendAttack:      300 * time.Second,
	game.TaskHeroAdventure:   180 * time.Second,
}

const defaultSuccessCooldown = 30 * time.Second

// Cooldown applied after a hopeless failure, per reason.
var failCooldowns = map[string]time.Duration{
	game.ReasonNoAdventure:           600 * time.Second,
	game.ReasonHeroUnavailable:       300 * time.Second,
	game.ReasonInsufficientResources: 180 * time.Second,
	game.ReasonQueueFull:             120 * time.Second,
	game.ReasonBuildingNotAvailable:  300 * time.Second,
	game.ReasonPageMismatch:          30 * time.Second,
	game.ReasonButtonNotFound:        300 * time.Second,
	game.ReasonSlotOccupied:          600 * time.Second,
	game.ReasonPrerequisites:         300 * time.Second,
	game.ReasonInputNotFound:         300 * time.Second,
	game.ReasonInputDisabled:         300 * time.Second,
}

const defaultFailCooldown = 60 * time.Second

// Reasons that block a whole task type rather than a single slot.
var typeWideReasons = map[string]bool{
	game.ReasonQueueFull:             true,
	game.ReasonInsufficientResources: true,
}

// cooldownKey is the dedup key of a cooldown: "type:slot" for build-like
// tasks so sibling slots stay workable, otherwise the bare type.
func cooldownKey(taskType game.TaskType, params map[string]any) string {
	if game.IsBuildType(taskType) {
		for _, k := range []string{"fieldId", "slot", "gid"} {
			if v, ok := paramInt(params, k); ok {
				return string(taskType) + ":" + strconv.Itoa(v)
			}
		}
	}
	return string(taskType)
}

func paramInt(m map[string]any, key string) (int, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// onCooldown reports whether the task is still cooling: either its exact
// dedup key, or a type-wide block armed by queue_full/insufficient_resources
// that covers every slot of the type.
func (e *Engine) onCooldown(taskType game.TaskType, params map[string]any) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	if until, ok := e.cooldowns[string(taskType)]; ok && now.Before(until) {
		return true
	}
	until, ok := e.cooldowns[cooldownKey(taskType, params)]
	return ok && now.Before(until)
}

// setCooldown arms a cooldown for the exact dedup key of a task.
func (e *Engine) setCooldown(taskType game.TaskType, params map[string]any, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cooldowns[cooldownKey(taskType, params)] = e.now().Add(d)
}

// setTypeCooldown arms a cooldown for the bare type, blocking every slot.
func (e *Engine) setTypeCooldown(taskType game.TaskType, d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cooldowns[string(taskType)] = e.now().Add(d)
}

// executeTask drives one task through its action sequence and applies the
// result policy. Exceptions are captured; the cycle's deferred block still
// returns the FSM to Idle.
func (e *Engine) executeTask(ctx context.Context, task *queue.Task) {
	e.mu.Lock()
	e.cycleLock = lockExecuting
	e.mu.Unlock()
	if !e.fsm.Transition(StateExecuting) {
		e.tasks.MarkFailed(task.ID, "engine refused executing state")
		return
	}

	defer func() {
		e.fsm.Transition(StateCooldown)
		e.mu.Lock()
		e.cycleLock = lockReturning
		e.mu.Unlock()
		e.returnHome(ctx, task.Type)
	}()

	// Liveness probe before touching the page.
	if err := e.exec.Ping(ctx); err != nil {
		e.logger.Warn().Err(err).Int64("task", task.ID).Msg("executor unreachable, requeueing task")
		e.tasks.MarkFailed(task.ID, "executor unreachable: "+err.Error())
		e.noteTaskException()
		return
	}

	e.refreshActiveVillage(ctx)

	if !e.assertVillage(ctx, task) {
		e.tasks.MarkFailed(task.ID, "village switch failed")
		e.noteTaskException()
		return
	}

	resp, err := e.dispatch(ctx, task)
	if err != nil {
		e.logger.Warn().Err(err).Int64("task", task.ID).Str("type", string(task.Type)).Msg("task errored")
		e.ring.Warn("task errored", map[string]any{"task": task.ID, "type": string(task.Type), "error": err.Error()})
		e.tasks.MarkFailed(task.ID, err.Error())
		e.noteTaskException()
		return
	}

	e.handleResult(ctx, task, resp)
}

// handleResult applies the success/failure policy of §result handling:
// counters, cooldowns, hopeless-reason short-circuits and the hero
// fallback for starving build tasks.
func (e *Engine) handleResult(ctx context.Context, task *queue.Task, resp bridge.Response) {
	if resp.Success {
		e.tasks.MarkCompleted(task.ID)
		e.mu.Lock()
		e.stats.TasksCompleted++
		e.stats.LastTaskAt = e.now()
		e.actionsThisHour++
		e.consecutiveFailures = 0
		e.breakerTrips = 0
		if task.Type == game.TaskSendFarm {
			e.lastFarmAt = e.now()
		}
		e.mu.Unlock()

		cd := successCooldowns[task.Type]
		if cd == 0 {
			cd = defaultSuccessCooldown
		}
		e.setCooldown(task.Type, task.Params, cd)
		e.ring.Info("task completed", map[string]any{"task": task.ID, "type": string(task.Type)})
		return
	}

	reason := resp.Reason
	if reason == "" {
		reason = resp.Error
	}

	if game.IsHopelessReason(resp.Reason) {
		// Retrying soon cannot help; burn the budget and cool the key.
		e.tasks.ForceMaxRetries(task.ID)
		e.tasks.MarkFailed(task.ID, reason)
		e.mu.Lock()
		e.stats.TasksFailed++
		e.mu.Unlock()

		cd := failCooldowns[resp.Reason]
		if cd == 0 {
			cd = defaultFailCooldown
		}
		if typeWideReasons[resp.Reason] {
			e.setTypeCooldown(task.Type, cd)
		} else {
			e.setCooldown(task.Type, task.Params, cd)
		}
		e.ring.Warn("task failed (hopeless)", map[string]any{"task": task.ID, "type": string(task.Type), "reason": resp.Reason})

		if resp.Reason == game.ReasonInsufficientResources && game.IsBuildType(task.Type) {
			if e.claimHeroResourcesForTask(ctx, task) {
				// Resources arrived: put the same work back with a short
				// cooldown so the next cycle picks it up. The type-wide
				// starvation block armed above would outlive the requeue,
				// so it is shortened to match.
				e.tasks.Add(task.Type, task.Params, task.Priority, task.VillageID, e.now().Add(15*time.Second))
				e.setCooldown(task.Type, task.Params, 15*time.Second)
				e.setTypeCooldown(task.Type, 15*time.Second)
			}
		}
		return
	}

	e.tasks.MarkFailed(task.ID, reason)
	e.mu.Lock()
	e.stats.TasksFailed++
	e.mu.Unlock()
	e.ring.Warn("task failed", map[string]any{"task": task.ID, "type": string(task.Type), "reason": reason})
}

// noteTaskException counts a task exception toward the circuit breaker.
func (e *Engine) noteTaskException() {
	e.mu.Lock()
	e.consecutiveFailures++
	e.mu.Unlock()
}

// refreshActiveVillage reconciles the active village with a cheap
// GET_STATE, in case the operator switched villages externally.
func (e *Engine) refreshActiveVillage(ctx context.Context) {
	raw, err := e.exec.GetState(ctx, "villages")
	if err != nil {
		return
	}
	var villages []game.Village
	if err := json.Unmarshal(raw, &villages); err != nil || len(villages) == 0 {
		return
	}
	e.mu.Lock()
	e.gameState.Villages = villages
	e.mu.Unlock()
}

// assertVillage switches to the task's village when it differs from the
// active one, waiting for the executor to reattach after the reload.
func (e *Engine) assertVillage(ctx context.Context, task *queue.Task) bool {
	if task.VillageID == "" {
		return true
	}
	e.mu.Lock()
	active := e.gameState.ActiveVillage()
	var activeID string
	if active != nil {
		activeID = active.ID
	}
	e.mu.Unlock()
	if activeID == "" || activeID == task.VillageID {
		return true
	}

	e.logger.Debug().Str("from", activeID).Str("to", task.VillageID).Msg("switching village for task")
	resp, err := e.exec.Execute(ctx, game.ActionSwitchVillage, map[string]any{"villageId": task.VillageID})
	if err != nil || !resp.Success {
		return false
	}
	e.humanDelay()
	return e.exec.WaitForContentScript(ctx, 15*time.Second) == nil
}

// dispatch selects and runs the per-type action sequence.
func (e *Engine) dispatch(ctx context.Context, task *queue.Task) (bridge.Response, error) {
	switch task.Type {
	case game.TaskUpgradeResource:
		return e.runUpgradeResource(ctx, task)
	case game.TaskUpgradeBuilding:
		return e.runUpgradeBuilding(ctx, task)
	case game.TaskBuildNew:
		return e.runBuildNew(ctx, task)
	case game.TaskTrainTroops:
		return e.exec.Execute(ctx, game.ActionTrainTroops, task.Params)
	case game.TaskTrainTraps:
		return e.exec.Execute(ctx, game.ActionTrainTraps, task.Params)
	case game.TaskSendFarm:
		return e.runSendFarm(ctx, task)
	case game.TaskSendAttack:
		return e.exec.Execute(ctx, game.ActionSendAttack, task.Params)
	case game.TaskHeroAdventure:
		return e.exec.Execute(ctx, game.ActionSendHeroAdventure, task.Params)
	case game.TaskNavigate:
		return e.exec.Execute(ctx, game.ActionNavigateTo, task.Params)
	case game.TaskSwitchVillage:
		return e.exec.Execute(ctx, game.ActionSwitchVillage, task.Params)
	default:
		return bridge.Response{}, fmt.Errorf("unknown task type %q", task.Type)
	}
}

// navigateAndVerify drives the executor to a page and confirms arrival.
// An unverifiable navigation yields page_mismatch, never an error: the
// caller's reason policy decides what happens next.
func (e *Engine) navigateAndVerify(ctx context.Context, page string) (bridge.Response, bool) {
	resp, err := e.exec.Execute(ctx, game.ActionNavigateTo, map[string]any{"page": page})
	if err != nil || !resp.Success {
		return bridge.Response{Success: false, Reason: game.ReasonPageMismatch}, false
	}
	if err := e.exec.WaitForContentScript(ctx, 15*time.Second); err != nil {
		return bridge.Response{Success: false, Reason: game.ReasonPageMismatch}, false
	}
	e.humanDelay()

	raw, err := e.exec.GetState(ctx, "page")
	if err != nil {
		return bridge.Response{Success: false, Reason: game.ReasonPageMismatch}, false
	}
	var current string
	if json.Unmarshal(raw, &current) != nil || current != page {
		return bridge.Response{Success: false, Reason: game.ReasonPageMismatch}, false
	}
	return bridge.Response{Success: true}, true
}

func (e *Engine) runUpgradeResource(ctx context.Context, task *queue.Task) (bridge.Response, error) {
	if resp, ok := e.navigateAndVerify(ctx, game.PageResources); !ok {
		return resp, nil
	}
	resp, err := e.exec.Execute(ctx, game.ActionClickResourceField, task.Params)
	if err != nil || !resp.Success {
		return resp, err
	}
	// Field click loads the build page; a fresh executor attaches.
	if err := e.exec.WaitForContentScript(ctx, 15*time.Second); err != nil {
		return bridge.Response{Success: false, Reason: game.ReasonPageMismatch}, nil
	}
	e.humanDelay()
	return e.exec.Execute(ctx, game.ActionClickUpgrade, task.Params)
}

func (e *Engine) runUpgradeBuilding(ctx context.Context, task *queue.Task) (bridge.Response, error) {
	if resp, ok := e.navigateAndVerify(ctx, game.PageVillage); !ok {
		return resp, nil
	}
	resp, err := e.exec.Execute(ctx, game.ActionClickBuildingSlot, task.Params)
	if err != nil || !resp.Success {
		return resp, err
	}
	if err := e.exec.WaitForContentScript(ctx, 15*time.Second); err != nil {
		return bridge.Response{Success: false, Reason: game.ReasonPageMismatch}, nil
	}
	e.humanDelay()
	return e.exec.Execute(ctx, game.ActionClickUpgrade, task.Params)
}

func (e *Engine) runBuildNew(ctx context.Context, task *queue.Task) (bridge.Response, error) {
	if resp, ok := e.navigateAndVerify(ctx, game.PageVillage); !ok {
		return resp, nil
	}
	resp, err := e.exec.Execute(ctx, game.ActionClickBuildingSlot, task.Params)
	if err != nil || !resp.Success {
		return resp, err
	}
	if err := e.exec.WaitForContentScript(ctx, 15*time.Second); err != nil {
		return bridge.Response{Success: false, Reason: game.ReasonPageMismatch}, nil
	}
	e.humanDelay()
	if resp, err := e.exec.Execute(ctx, game.ActionClickBuildTab, task.Params); err != nil || !resp.Success {
		return resp, err
	}
	e.humanDelay()
	return e.exec.Execute(ctx, game.ActionBuildNewByGid, task.Params)
}

func (e *Engine) runSendFarm(ctx context.Context, task *queue.Task) (bridge.Response, error) {
	if resp, err := e.exec.Execute(ctx, game.ActionClickFarmListTab, nil); err != nil || !resp.Success {
		return resp, err
	}
	e.humanDelay()

	e.mu.Lock()
	farm := e.cfg.Farm
	e.mu.Unlock()
	switch {
	case farm.Selective:
		return e.exec.Execute(ctx, game.ActionSelectiveFarmSend, task.Params)
	case farm.SendAll:
		return e.exec.Execute(ctx, game.ActionSendAllFarmLists, task.Params)
	default:
		params := map[string]any{"listId": farm.ListID}
		for k, v := range task.Params {
			params[k] = v
		}
		return e.exec.Execute(ctx, game.ActionSendFarmList, params)
	}
}

// returnHome navigates back to the resource overview after a task, unless
// the task type already ends there. Building tasks detour through the
// village view so the cached building snapshot stays fresh. Failures here
// are logged and swallowed; the next cycle scans from wherever we are.
var returnHomeSkip = map[game.TaskType]bool{
	game.TaskUpgradeResource: true,
	game.TaskNavigate:        true,
	game.TaskSwitchVillage:   true,
}

func (e *Engine) returnHome(ctx context.Context, taskType game.TaskType) {
	if returnHomeSkip[taskType] {
		return
	}

	if taskType == game.TaskUpgradeBuilding || taskType == game.TaskBuildNew {
		if _, err := e.exec.Execute(ctx, game.ActionNavigateTo, map[string]any{"page": game.PageVillage}); err == nil {
			if e.exec.WaitForContentScript(ctx, 15*time.Second) == nil {
				if st, err := e.exec.Scan(ctx); err == nil {
					e.mu.Lock()
					for _, v := range st.Villages {
						if len(v.Buildings) > 0 {
							e.cachedBuildings[v.ID] = v.Buildings
						}
					}
					e.cachedBuildingsCycle = e.cycleCounter
					e.mu.Unlock()
				}
			}
		}
	}

	if _, err := e.exec.Execute(ctx, game.ActionNavigateTo, map[string]any{"page": game.PageResources}); err != nil {
		e.logger.Debug().Err(err).Msg("return home navigation failed")
		return
	}
	if err := e.exec.WaitForContentScript(ctx, 15*time.Second); err != nil {
		e.logger.Debug().Err(err).Msg("executor lost on return home")
	}
}
