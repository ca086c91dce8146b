// Package engine implements the per-server bot engine: a finite-state
// machine driving a scan-decide-execute-cooldown cycle against the page
// executor, with a circuit breaker, hourly rate limiting, emergency stop
// and state persistence that survives host-process death.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/warden-project/warden/internal/bridge"
	"github.com/warden-project/warden/internal/events"
	"github.com/warden-project/warden/internal/game"
	"github.com/warden-project/warden/internal/logging"
	"github.com/warden-project/warden/internal/queue"
	"github.com/warden-project/warden/internal/scheduler"
	"github.com/warden-project/warden/internal/storage"
)

// Scheduler cycle names owned by the engine.
const (
	cycleMainLoop     = "main_loop"
	cycleHourlyReset  = "hourly_reset"
	cycleStatePersist = "state_persist"
	onceBreakerResume = "breaker_resume"
)

// HeartbeatAlarmPrefix names the per-server wake-up alarm.
const HeartbeatAlarmPrefix = "botHeartbeat"

// HeartbeatPeriod is the wake-up alarm interval.
const HeartbeatPeriod = time.Minute

// Executor is the engine's view of the executor bridge.
type Executor interface {
	Scan(ctx context.Context) (game.State, error)
	Execute(ctx context.Context, action string, params map[string]any) (bridge.Response, error)
	GetState(ctx context.Context, property string) (json.RawMessage, error)
	Ping(ctx context.Context) error
	WaitForContentScript(ctx context.Context, maxWait time.Duration) error
}

// Proposal is one task suggested by a decision module.
type Proposal struct {
	Type         game.TaskType
	Params       map[string]any
	Priority     int
	VillageID    string
	ScheduledFor time.Time
}

// Decider is the pluggable decision module: given the freshly scanned
// state and the current config, it proposes tasks. The queue is passed so
// a decider can avoid proposing work that is already enqueued.
type Decider interface {
	Decide(state game.State, cfg game.BotConfig, q *queue.Queue) []Proposal
}

// Alarms is the host wake-up alarm facility: a named periodic poke that
// outlives engine timers destroyed by host sleep.
type Alarms interface {
	Set(name string, period time.Duration)
	Clear(name string)
}

// cycleLock phases. A non-empty value blocks reentry to the main loop.
const (
	lockScanning  = "scanning"
	lockDeciding  = "deciding"
	lockExecuting = "executing"
	lockReturning = "returning"
)

// Engine is one per-server bot engine.
type Engine struct {
	serverKey string
	logger    zerolog.Logger
	ring      *logging.Ring
	store     *storage.Store
	bus       *events.Bus
	sched     *scheduler.Scheduler
	tasks     *queue.Queue
	fsm       *FSM
	exec      Executor
	decider   Decider
	alarms    Alarms

	mu  sync.Mutex
	cfg game.BotConfig

	gameState game.State
	stats     game.Stats
	tabID     int // -1 when unbound

	cycleLock      string
	cycleCounter   int
	currentCycleID string

	cachedBuildings      map[string][]game.Building
	cachedBuildingsCycle int

	actionsThisHour int
	hourResetAt     time.Time
	lastFarmAt      time.Time

	consecutiveFailures int
	breakerTrips        int
	notLoggedInStreak   int

	// Reason-specific cooldowns per dedup key ("type:slot" for build-like
	// tasks, else "type").
	cooldowns         map[string]time.Time
	heroCooldownUntil time.Time

	lastVersion string

	ctx    context.Context
	cancel context.CancelFunc

	// Test hooks.
	now   func() time.Time
	sleep func(time.Duration)
	rng   *rand.Rand
}

// New creates a stopped engine for one server.
func New(serverKey string, exec Executor, decider Decider, store *storage.Store, ring *logging.Ring, bus *events.Bus, alarms Alarms) *Engine {
	logger := log.With().Str("component", "engine").Str("server", serverKey).Logger()
	return &Engine{
		serverKey:       serverKey,
		logger:          logger,
		ring:            ring,
		store:           store,
		bus:             bus,
		sched:           scheduler.New(serverKey),
		tasks:           queue.New(serverKey),
		fsm:             NewFSM(logger),
		exec:            exec,
		decider:         decider,
		alarms:          alarms,
		cfg:             game.DefaultBotConfig(),
		tabID:           -1,
		cachedBuildings: map[string][]game.Building{},
		cooldowns:       map[string]time.Time{},
		now:             time.Now,
		sleep:           time.Sleep,
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ServerKey returns the server this engine drives.
func (e *Engine) ServerKey() string { return e.serverKey }

// Queue returns the engine's task queue.
func (e *Engine) Queue() *queue.Queue { return e.tasks }

// FSMState returns the current FSM state.
func (e *Engine) FSMState() State { return e.fsm.State() }

// Running reports whether the engine is started.
func (e *Engine) Running() bool { return e.fsm.Running() }

// EmergencyStopped reports the latched emergency flag.
func (e *Engine) EmergencyStopped() bool { return e.fsm.EmergencyStopped() }

// TabID returns the bound tab, or -1.
func (e *Engine) TabID() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tabID
}

// SetTabID binds the engine to a tab. Binding policy is enforced by the
// supervisor; the engine only records the result.
func (e *Engine) SetTabID(tabID int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tabID = tabID
}

// Config returns a copy of the active config.
func (e *Engine) Config() game.BotConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// SetConfig replaces the active config.
func (e *Engine) SetConfig(cfg game.BotConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
}

// SetExecutor swaps the executor transport, e.g. after a tab rebind.
func (e *Engine) SetExecutor(exec Executor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exec = exec
}

// Stats returns a copy of the engine counters.
func (e *Engine) Stats() game.Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// GameState returns the most recent scan snapshot.
func (e *Engine) GameState() game.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gameState
}

// Status summarises the engine for the operator UI.
type Status struct {
	ServerKey       string                           `json:"serverKey"`
	State           State                            `json:"state"`
	Running         bool                             `json:"running"`
	Paused          bool                             `json:"paused"`
	Emergency       bool                             `json:"emergency"`
	EmergencyReason string                           `json:"emergencyReason,omitempty"`
	TabID           int                              `json:"tabId"`
	CycleCounter    int                              `json:"cycleCounter"`
	ActionsThisHour int                              `json:"actionsThisHour"`
	PendingTasks    int                              `json:"pendingTasks"`
	Stats           game.Stats                       `json:"stats"`
	Cycles          map[string]scheduler.CycleStatus `json:"cycles,omitempty"`
}

// Status reports the engine status. Within one hour of an emergency stop
// a persisted reason is preferred over the in-memory one, so the UI can
// surface it after a host restart.
func (e *Engine) Status() Status {
	e.mu.Lock()
	tabID := e.tabID
	counter := e.cycleCounter
	actions := e.actionsThisHour
	stats := e.stats
	e.mu.Unlock()

	st := Status{
		ServerKey:       e.serverKey,
		State:           e.fsm.State(),
		Running:         e.fsm.Running(),
		Paused:          e.fsm.Paused(),
		Emergency:       e.fsm.EmergencyStopped(),
		EmergencyReason: e.fsm.EmergencyReason(),
		TabID:           tabID,
		CycleCounter:    counter,
		ActionsThisHour: actions,
		PendingTasks:    e.tasks.PendingCount(),
		Stats:           stats,
		Cycles:          e.sched.Status(),
	}
	if st.Emergency && st.EmergencyReason == "" {
		var rec emergencyRecord
		if ok, _ := e.store.Get(storage.KeyEmergencyStop, &rec); ok &&
			e.now().Sub(rec.Timestamp) < time.Hour {
			st.EmergencyReason = rec.Reason
		}
	}
	return st
}

// Start brings the engine from Stopped to Idle: load config, restore run
// state, arm cycles and the wake-up alarm.
func (e *Engine) Start(ctx context.Context) error {
	if e.fsm.Running() {
		return errors.New("engine already running")
	}
	e.fsm.ClearEmergency()

	cfg, err := e.store.LoadBotConfig(e.serverKey)
	if err != nil {
		e.logger.Warn().Err(err).Msg("config load failed, using defaults")
	}

	e.mu.Lock()
	e.cfg = cfg
	e.consecutiveFailures = 0
	e.breakerTrips = 0
	e.notLoggedInStreak = 0
	e.cycleLock = ""
	if e.stats.StartedAt.IsZero() {
		e.stats.StartedAt = e.now()
	}
	e.mu.Unlock()

	e.restoreRunState()

	if !e.fsm.Transition(StateIdle) {
		return fmt.Errorf("cannot start from state %s", e.fsm.State())
	}

	e.ctx, e.cancel = context.WithCancel(ctx)
	e.armCycles()
	e.sched.Start()
	if e.alarms != nil {
		e.alarms.Set(e.alarmName(), HeartbeatPeriod)
	}

	if _, err := e.saveRunState(true); err != nil {
		e.logger.Warn().Err(err).Msg("initial state save failed")
	}
	e.ring.SetServerKey(e.serverKey)
	e.ring.Info("bot started", map[string]any{"server": e.serverKey})
	return nil
}

// armCycles registers the engine's periodic work: the main loop with its
// configured jitter, the hourly rate-limit reset, and the state persist.
func (e *Engine) armCycles() {
	e.mu.Lock()
	base := time.Duration(e.cfg.Delays.CycleBaseSec) * time.Second
	jitter := base * time.Duration(e.cfg.Delays.CycleJitterPct) / 100
	e.mu.Unlock()
	if base <= 0 {
		base = 45 * time.Second
		jitter = 9 * time.Second
	}

	e.sched.ScheduleCycle(cycleMainLoop, e.tick, base, jitter)
	e.sched.ScheduleCycle(cycleHourlyReset, e.hourlyReset, time.Hour, 0)
	e.sched.ScheduleCycle(cycleStatePersist, e.persistTick, time.Minute, 5*time.Second)
}

// Stop brings the engine to Stopped, saving state on the way out.
func (e *Engine) Stop() error {
	if !e.fsm.Running() && e.fsm.State() != StateEmergency {
		return nil
	}
	e.sched.Stop()
	if e.alarms != nil {
		e.alarms.Clear(e.alarmName())
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.fsm.Transition(StateStopped)

	if _, err := e.saveRunState(false); err != nil {
		e.logger.Warn().Err(err).Msg("state save on stop failed")
	}
	if err := e.ring.Flush(); err != nil {
		e.logger.Warn().Err(err).Msg("log flush on stop failed")
	}
	e.ring.Info("bot stopped", nil)
	if e.bus != nil {
		e.bus.Emit(context.Background(), events.Event{
			Type:    events.EventEngineStopped,
			Source:  "engine",
			Payload: events.EmergencyPayload{ServerKey: e.serverKey},
		})
	}
	return nil
}

// Pause suspends cycle work without tearing down timers; ticks keep
// arriving but perform no I/O.
func (e *Engine) Pause() error {
	if !e.fsm.Transition(StatePaused) {
		return fmt.Errorf("cannot pause from state %s", e.fsm.State())
	}
	e.ring.Info("bot paused", nil)
	return nil
}

// Resume returns a paused engine to Idle.
func (e *Engine) Resume() error {
	if !e.fsm.Transition(StateIdle) {
		return fmt.Errorf("cannot resume from state %s", e.fsm.State())
	}
	e.ring.Info("bot resumed", nil)
	return nil
}

// Heartbeat is the wake-up entry point. After host sleep the scheduler's
// timers may be gone; re-arm the missing cycles and kick a tick.
func (e *Engine) Heartbeat() {
	if !e.fsm.Running() {
		return
	}
	if !e.sched.IsScheduled(cycleMainLoop) {
		e.logger.Warn().Msg("main loop cycle missing, resurrecting timers")
		e.ring.Warn("timers lost, resurrecting cycles", nil)
		e.armCycles()
		e.sched.Start()
	} else if !e.sched.IsScheduled(cycleHourlyReset) {
		e.sched.ScheduleCycle(cycleHourlyReset, e.hourlyReset, time.Hour, 0)
	}
	go e.tick()
}

// EmergencyStop hard-stops the engine, latching the emergency flag and
// persisting the reason so the UI can surface it after a restart.
func (e *Engine) EmergencyStop(reason string) {
	e.logger.Error().Str("reason", reason).Msg("emergency stop")
	e.ring.Error("EMERGENCY STOP: "+reason, nil)
	if err := e.ring.Flush(); err != nil {
		e.logger.Warn().Err(err).Msg("log flush before emergency stop failed")
	}

	e.mu.Lock()
	e.stats.EmergencyStops++
	e.mu.Unlock()

	e.fsm.Emergency(reason)
	e.sched.Stop()
	if e.alarms != nil {
		e.alarms.Clear(e.alarmName())
	}
	if e.cancel != nil {
		e.cancel()
	}

	rec := emergencyRecord{Reason: reason, Timestamp: e.now()}
	if err := e.store.Set(storage.KeyEmergencyStop, rec); err != nil {
		e.logger.Warn().Err(err).Msg("failed to persist emergency record")
	}
	if _, err := e.saveRunState(false); err != nil {
		e.logger.Warn().Err(err).Msg("state save on emergency failed")
	}

	// Best-effort notify the page; the executor may already be gone.
	if e.exec != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, _ = e.exec.Execute(ctx, "NOTIFY", map[string]any{"type": "emergency_stop", "message": reason})
		cancel()
	}

	e.fsm.Transition(StateStopped)
	if e.bus != nil {
		e.bus.Emit(context.Background(), events.Event{
			Type:    events.EventEmergencyStop,
			Source:  "engine",
			Payload: events.EmergencyPayload{ServerKey: e.serverKey, Reason: reason},
		})
	}
}

func (e *Engine) alarmName() string {
	return HeartbeatAlarmPrefix + "__" + e.serverKey
}

// humanDelay sleeps a uniform interval inside the configured humanisation
// window.
func (e *Engine) humanDelay() {
	e.mu.Lock()
	minMs, maxMs := e.cfg.Delays.HumanMinMs, e.cfg.Delays.HumanMaxMs
	e.mu.Unlock()
	if maxMs <= minMs {
		return
	}
	d := time.Duration(minMs+e.rng.Intn(maxMs-minMs)) * time.Millisecond
	e.sleep(d)
}
