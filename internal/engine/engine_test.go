package engine

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warden-project/warden/internal/bridge"
	"github.com/warden-project/warden/internal/events"
	"github.com/warden-project/warden/internal/game"
	"github.com/warden-project/warden/internal/logging"
	"github.com/warden-project/warden/internal/queue"
	"github.com/warden-project/warden/internal/storage"
)

// fakeExec simulates the page executor: scans replay a scripted list (the
// last one repeats), EXECUTE answers per-action overrides and tracks the
// current page on navigateTo.
type fakeExec struct {
	mu        sync.Mutex
	scans     []game.State
	scanErr   error
	scanCalls int

	execResp map[string]bridge.Response
	execErr  map[string]error
	actions  []string

	page    string
	pingErr error
}

func newFakeExec(scans ...game.State) *fakeExec {
	return &fakeExec{
		scans:    scans,
		execResp: map[string]bridge.Response{},
		execErr:  map[string]error{},
		page:     game.PageResources,
	}
}

func (f *fakeExec) Scan(context.Context) (game.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanCalls++
	if f.scanErr != nil {
		return game.State{}, f.scanErr
	}
	idx := f.scanCalls - 1
	if idx >= len(f.scans) {
		idx = len(f.scans) - 1
	}
	return f.scans[idx], nil
}

func (f *fakeExec) Execute(_ context.Context, action string, params map[string]any) (bridge.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
	if action == game.ActionNavigateTo {
		if page, ok := params["page"].(string); ok {
			f.page = page
		}
	}
	if err := f.execErr[action]; err != nil {
		return bridge.Response{}, err
	}
	if resp, ok := f.execResp[action]; ok {
		return resp, nil
	}
	return bridge.Response{Success: true}, nil
}

func (f *fakeExec) GetState(_ context.Context, property string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch property {
	case "page":
		return json.Marshal(f.page)
	case "villages":
		idx := f.scanCalls - 1
		if idx < 0 || idx >= len(f.scans) {
			idx = len(f.scans) - 1
		}
		if idx < 0 {
			return json.Marshal([]game.Village{})
		}
		return json.Marshal(f.scans[idx].Villages)
	case "captcha":
		return json.Marshal(false)
	}
	return nil, errors.New("unknown property")
}

func (f *fakeExec) Ping(context.Context) error { return f.pingErr }

func (f *fakeExec) WaitForContentScript(context.Context, time.Duration) error { return nil }

func (f *fakeExec) actionCount(action string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.actions {
		if a == action {
			n++
		}
	}
	return n
}

type fakeDecider struct {
	mu        sync.Mutex
	proposals []Proposal
}

func (d *fakeDecider) Decide(game.State, game.BotConfig, *queue.Queue) []Proposal {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.proposals
}

type fakeAlarms struct {
	mu      sync.Mutex
	set     map[string]time.Duration
	cleared []string
}

func (a *fakeAlarms) Set(name string, period time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.set == nil {
		a.set = map[string]time.Duration{}
	}
	a.set[name] = period
}

func (a *fakeAlarms) Clear(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.set, name)
	a.cleared = append(a.cleared, name)
}

func loggedInState(wood, capacity int) game.State {
	return game.State{
		LoggedIn: true,
		Page:     game.PageResources,
		Hero:     game.Hero{Present: true, AtHome: true},
		Villages: []game.Village{{
			ID:     "v1",
			Name:   "Main",
			Active: true,
			Resources: game.Resources{
				Wood: wood, Clay: capacity / 2, Iron: capacity / 2, Crop: capacity / 2,
			},
			Capacity: game.Capacity{Warehouse: capacity, Granary: capacity},
		}},
	}
}

func newTestEngine(t *testing.T, exec Executor, decider Decider) (*Engine, *storage.Store, *fakeAlarms) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "warden.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	alarms := &fakeAlarms{}
	e := New("ts1.example.com", exec, decider, store, logging.NewRing(store), events.NewBus(), alarms)
	return e, store, alarms
}

func startEngine(t *testing.T, e *Engine) {
	t.Helper()
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop() })
}

func TestBasicCycleSuccess(t *testing.T) {
	exec := newFakeExec(loggedInState(80, 800))
	decider := &fakeDecider{proposals: []Proposal{{
		Type:      game.TaskUpgradeResource,
		Params:    map[string]any{"fieldId": 3},
		Priority:  5,
		VillageID: "v1",
	}}}
	e, store, alarms := newTestEngine(t, exec, decider)
	startEngine(t, e)
	cfg := e.Config()
	cfg.AutoHeroResources = false // keep the claim path out of this scenario
	cfg.Delays.HumanMinMs = 0
	cfg.Delays.HumanMaxMs = 0
	e.SetConfig(cfg)

	e.runCycle(context.Background())

	assert.Equal(t, StateIdle, e.FSMState())
	assert.Equal(t, 1, e.Stats().TasksCompleted)

	tasks := e.Queue().GetAll()
	require.Len(t, tasks, 1)
	assert.Equal(t, queue.StatusCompleted, tasks[0].Status)

	st := e.Status()
	assert.Equal(t, 1, st.ActionsThisHour)

	var persisted PersistedRunState
	ok, err := store.Get(storage.StateKey("ts1.example.com"), &persisted)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, persisted.WasRunning)
	assert.True(t, persisted.LastFarmAt.IsZero())

	alarms.mu.Lock()
	_, armed := alarms.set["botHeartbeat__ts1.example.com"]
	alarms.mu.Unlock()
	assert.True(t, armed, "wake-up alarm must be armed while running")
}

func TestCaptchaTriggersEmergency(t *testing.T) {
	state := loggedInState(400, 800)
	state.Captcha = true
	exec := newFakeExec(state)
	e, store, _ := newTestEngine(t, exec, &fakeDecider{})
	startEngine(t, e)

	e.runCycle(context.Background())

	assert.Equal(t, StateStopped, e.FSMState())
	assert.True(t, e.EmergencyStopped(), "emergency must stay latched after stop")
	assert.Equal(t, "Captcha detected on page", e.Status().EmergencyReason)
	assert.Equal(t, 0, exec.actionCount(game.ActionClickUpgrade), "no task may run after captcha")

	var rec emergencyRecord
	ok, err := store.Get(storage.KeyEmergencyStop, &rec)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Captcha detected on page", rec.Reason)
}

func TestSessionExpiryStreak(t *testing.T) {
	state := loggedInState(400, 800)
	state.LoggedIn = false
	exec := newFakeExec(state)
	e, _, _ := newTestEngine(t, exec, &fakeDecider{})
	startEngine(t, e)

	for i := 0; i < 4; i++ {
		e.runCycle(context.Background())
		assert.False(t, e.EmergencyStopped(), "streak below limit must not escalate (cycle %d)", i+1)
	}
	e.runCycle(context.Background())

	assert.True(t, e.EmergencyStopped())
	assert.Contains(t, e.Status().EmergencyReason, "Session expired")
	assert.Equal(t, 0, exec.actionCount(game.ActionClickUpgrade))
}

func TestCycleLockBlocksReentry(t *testing.T) {
	exec := newFakeExec(loggedInState(400, 800))
	e, _, _ := newTestEngine(t, exec, &fakeDecider{})
	startEngine(t, e)

	e.mu.Lock()
	e.cycleLock = lockScanning
	e.mu.Unlock()

	e.runCycle(context.Background())
	assert.Equal(t, 0, exec.scanCalls, "a locked cycle must not scan")

	e.mu.Lock()
	e.cycleLock = ""
	e.mu.Unlock()
	e.runCycle(context.Background())
	assert.Equal(t, 1, exec.scanCalls)
}

func TestRateLimitBlocksScan(t *testing.T) {
	exec := newFakeExec(loggedInState(400, 800))
	e, _, _ := newTestEngine(t, exec, &fakeDecider{})
	startEngine(t, e)

	e.mu.Lock()
	e.actionsThisHour = e.cfg.MaxActionsPerHour
	e.hourResetAt = time.Now()
	e.mu.Unlock()

	e.runCycle(context.Background())
	assert.Equal(t, 0, exec.scanCalls, "exhausted budget must block the scan")

	// Window rollover resets the counter exactly once.
	e.mu.Lock()
	e.hourResetAt = time.Now().Add(-61 * time.Minute)
	e.mu.Unlock()
	e.runCycle(context.Background())
	assert.Equal(t, 1, exec.scanCalls)
	assert.Equal(t, 0, e.Status().ActionsThisHour)
}

func TestBreakerPausesAfterThreshold(t *testing.T) {
	exec := newFakeExec(loggedInState(400, 800))
	e, _, _ := newTestEngine(t, exec, &fakeDecider{})
	startEngine(t, e)

	// Five scan-failure cycles accumulate consecutiveFailures.
	exec.mu.Lock()
	exec.scanErr = errors.New("scan broke")
	exec.mu.Unlock()
	for i := 0; i < 5; i++ {
		e.runCycle(context.Background())
	}
	assert.False(t, e.fsm.Paused())

	// The next cycle that reaches the breaker check trips it.
	exec.mu.Lock()
	exec.scanErr = nil
	exec.mu.Unlock()
	e.runCycle(context.Background())

	assert.Equal(t, StatePaused, e.FSMState())
	assert.Equal(t, 1, e.Stats().BreakerTrips)
	assert.True(t, e.sched.IsScheduled(onceBreakerResume), "a resume one-shot must be armed")
}

func TestBreakerExhaustionEscalates(t *testing.T) {
	exec := newFakeExec(loggedInState(400, 800))
	e, _, _ := newTestEngine(t, exec, &fakeDecider{})
	startEngine(t, e)

	e.mu.Lock()
	e.breakerTrips = e.cfg.Safety.MaxBreakerTrips - 1
	e.consecutiveFailures = e.cfg.Safety.MaxConsecutiveFailures
	e.mu.Unlock()

	e.runCycle(context.Background())

	assert.True(t, e.EmergencyStopped())
	assert.Contains(t, e.Status().EmergencyReason, "Persistent failures")
}

func TestHopelessFailureForcesTerminalAndCooldown(t *testing.T) {
	exec := newFakeExec(loggedInState(400, 800))
	exec.execResp[game.ActionClickUpgrade] = bridge.Response{
		Success: false, Reason: game.ReasonSlotOccupied,
	}
	decider := &fakeDecider{proposals: []Proposal{{
		Type:      game.TaskUpgradeResource,
		Params:    map[string]any{"fieldId": 3},
		Priority:  5,
		VillageID: "v1",
	}}}
	e, _, _ := newTestEngine(t, exec, decider)
	startEngine(t, e)
	cfg := e.Config()
	cfg.AutoHeroResources = false
	cfg.Delays.HumanMinMs = 0
	cfg.Delays.HumanMaxMs = 0
	e.SetConfig(cfg)

	e.runCycle(context.Background())

	tasks := e.Queue().GetAll()
	require.Len(t, tasks, 1)
	assert.Equal(t, queue.StatusFailed, tasks[0].Status, "hopeless reason must exhaust retries at once")

	assert.True(t, e.onCooldown(game.TaskUpgradeResource, map[string]any{"fieldId": 3}))
	assert.False(t, e.onCooldown(game.TaskUpgradeResource, map[string]any{"fieldId": 4}),
		"slot-level cooldown must not block sibling slots")

	// The cooled proposal is filtered on the next cycle.
	e.runCycle(context.Background())
	assert.Equal(t, 0, e.Queue().PendingCount())
}

func TestTypeWideCooldownOnQueueFull(t *testing.T) {
	exec := newFakeExec(loggedInState(400, 800))
	exec.execResp[game.ActionClickUpgrade] = bridge.Response{
		Success: false, Reason: game.ReasonQueueFull,
	}
	decider := &fakeDecider{proposals: []Proposal{{
		Type:      game.TaskUpgradeResource,
		Params:    map[string]any{"fieldId": 3},
		Priority:  5,
		VillageID: "v1",
	}}}
	e, _, _ := newTestEngine(t, exec, decider)
	startEngine(t, e)
	cfg := e.Config()
	cfg.AutoHeroResources = false
	cfg.Delays.HumanMinMs = 0
	cfg.Delays.HumanMaxMs = 0
	e.SetConfig(cfg)

	e.runCycle(context.Background())

	assert.True(t, e.onCooldown(game.TaskUpgradeResource, map[string]any{"fieldId": 9}),
		"queue_full must cool the whole task type")
}

func TestHeroFallbackRequeuesStarvedTask(t *testing.T) {
	state := loggedInState(100, 800)
	exec := newFakeExec(state)
	exec.execResp[game.ActionClickUpgrade] = bridge.Response{
		Success: false, Reason: game.ReasonInsufficientResources,
	}
	inv, _ := json.Marshal(game.HeroInventory{
		Items: []game.HeroItem{{Type: "wood", Amount: 500}},
	})
	exec.execResp[game.ActionScanHeroInventory] = bridge.Response{Success: true, Data: inv}

	decider := &fakeDecider{proposals: []Proposal{{
		Type:      game.TaskUpgradeResource,
		Params:    map[string]any{"fieldId": 3, "cost": map[string]any{"wood": 300}},
		Priority:  5,
		VillageID: "v1",
	}}}
	e, _, _ := newTestEngine(t, exec, decider)
	startEngine(t, e)
	cfg := e.Config()
	cfg.Delays.HumanMinMs = 0
	cfg.Delays.HumanMaxMs = 0
	// Keep the proactive claim quiet so only the reactive path runs.
	cfg.Safety.ResourceClaimBelowPct = 0
	e.SetConfig(cfg)

	e.runCycle(context.Background())

	assert.GreaterOrEqual(t, exec.actionCount(game.ActionUseHeroItem), 1, "reactive claim must transfer")
	assert.Equal(t, 1, e.Stats().HeroClaims)
	assert.Equal(t, 1, e.Queue().PendingCount(), "starved task must be requeued after a successful claim")

	// The type-wide insufficient_resources block is shortened alongside the
	// requeue; it must not outlive the task's 15 s reschedule.
	e.mu.Lock()
	typeUntil := e.cooldowns[string(game.TaskUpgradeResource)]
	e.mu.Unlock()
	assert.True(t, typeUntil.Before(time.Now().Add(16*time.Second)),
		"type-wide starvation cooldown must be shortened after a successful claim")
}

func TestProactiveHeroClaimShortCircuitsCycle(t *testing.T) {
	exec := newFakeExec(loggedInState(80, 800)) // wood at 10% of capacity
	inv, _ := json.Marshal(game.HeroInventory{
		Items:     []game.HeroItem{{Type: "wood", Amount: 1000}},
		UIVersion: 2,
	})
	exec.execResp[game.ActionScanHeroInventory] = bridge.Response{Success: true, Data: inv}
	decider := &fakeDecider{proposals: []Proposal{{
		Type: game.TaskSendFarm, Priority: 5, VillageID: "v1",
	}}}
	e, _, _ := newTestEngine(t, exec, decider)
	startEngine(t, e)
	cfg := e.Config()
	cfg.Delays.HumanMinMs = 0
	cfg.Delays.HumanMaxMs = 0
	e.SetConfig(cfg)

	e.runCycle(context.Background())

	assert.Equal(t, 1, exec.actionCount(game.ActionUseHeroItemBulk), "UI v2 must use one bulk transfer")
	assert.Equal(t, 0, exec.actionCount(game.ActionSendAllFarmLists), "claim must short-circuit task execution")
	assert.Equal(t, 1, e.Queue().PendingCount(), "enqueued task survives for the next cycle")
	assert.Equal(t, 1, e.Stats().HeroClaims)
}

func TestEmergencyStopMetaTask(t *testing.T) {
	exec := newFakeExec(loggedInState(400, 800))
	decider := &fakeDecider{proposals: []Proposal{{
		Type:   game.TaskEmergencyStop,
		Params: map[string]any{"reason": "decision module abort"},
	}}}
	e, _, _ := newTestEngine(t, exec, decider)
	startEngine(t, e)

	e.runCycle(context.Background())

	assert.True(t, e.EmergencyStopped())
	assert.Equal(t, "decision module abort", e.Status().EmergencyReason)
}

func TestHostRestartRestoresState(t *testing.T) {
	exec := newFakeExec(loggedInState(400, 800))
	e, store, _ := newTestEngine(t, exec, &fakeDecider{})
	startEngine(t, e)

	e.Queue().Add(game.TaskUpgradeBuilding, map[string]any{"slot": 26}, 5, "v1", time.Time{})
	e.mu.Lock()
	e.actionsThisHour = 3
	e.hourResetAt = time.Now().Add(-10 * time.Minute)
	e.mu.Unlock()
	_, err := e.saveRunState(true)
	require.NoError(t, err)
	require.NoError(t, e.Stop())

	// Stop persisted wasRunning=false; restore the resurrection signal the
	// way a host crash would have left it.
	_, err = e.saveRunState(true)
	require.NoError(t, err)

	e2 := New("ts1.example.com", exec, &fakeDecider{}, store, logging.NewRing(store), events.NewBus(), &fakeAlarms{})
	assert.True(t, e2.WasRunning())
	require.NoError(t, e2.Start(context.Background()))
	defer e2.Stop()

	assert.Equal(t, 1, e2.Queue().PendingCount())
	assert.Equal(t, 3, e2.Status().ActionsThisHour)
	assert.True(t, e2.sched.IsScheduled(cycleMainLoop))
}

func TestHeartbeatResurrectsMainLoop(t *testing.T) {
	exec := newFakeExec(loggedInState(400, 800))
	e, _, _ := newTestEngine(t, exec, &fakeDecider{})
	startEngine(t, e)

	e.sched.Clear(cycleMainLoop)
	require.False(t, e.sched.IsScheduled(cycleMainLoop))

	e.Heartbeat()

	assert.True(t, e.sched.IsScheduled(cycleMainLoop))
	assert.True(t, e.sched.IsScheduled(cycleHourlyReset))
}

func TestScanFailureCountsTowardBreaker(t *testing.T) {
	exec := newFakeExec(loggedInState(400, 800))
	exec.scanErr = errors.New("selector drift")
	e, _, _ := newTestEngine(t, exec, &fakeDecider{})
	startEngine(t, e)

	e.runCycle(context.Background())

	e.mu.Lock()
	failures := e.consecutiveFailures
	scansFailed := e.stats.ScansFailed
	e.mu.Unlock()
	assert.Equal(t, 1, failures)
	assert.Equal(t, 1, scansFailed)
	assert.Equal(t, StateIdle, e.FSMState(), "failed cycle must still land in Idle")
}
