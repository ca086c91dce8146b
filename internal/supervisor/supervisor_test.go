package supervisor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warden-project/warden/internal/bridge"
	"github.com/warden-project/warden/internal/engine"
	"github.com/warden-project/warden/internal/events"
	"github.com/warden-project/warden/internal/game"
	"github.com/warden-project/warden/internal/logging"
	"github.com/warden-project/warden/internal/manager"
	"github.com/warden-project/warden/internal/storage"
)

// fakeTabs is an in-memory TabRegistry: a tab is alive iff it has a
// transport registered.
type fakeTabs struct {
	transports map[int]bridge.Transport
}

func (f *fakeTabs) Transport(tabID int) (bridge.Transport, bool) {
	tr, ok := f.transports[tabID]
	return tr, ok
}

func (f *fakeTabs) IsTabAlive(tabID int) bool {
	_, ok := f.transports[tabID]
	return ok
}

// okTransport answers every request with success so an engine can be
// started against it without a real page.
type okTransport struct{}

func (okTransport) Do(context.Context, bridge.Request) (bridge.Response, error) {
	return bridge.Response{Success: true, Data: []byte(`{"loggedIn":true}`)}, nil
}

type testWorld struct {
	sup   *Supervisor
	mgr   *manager.Manager
	tabs  *fakeTabs
	bus   *events.Bus
	store *storage.Store
}

func newWorld(t *testing.T) *testWorld {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "warden.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ring := logging.NewRing(store)
	bus := events.NewBus()
	alarms := NewAlarmService(bus)
	t.Cleanup(alarms.Stop)

	mgr := manager.New(func(serverKey string) *engine.Engine {
		return engine.New(serverKey, nil, nil, store, ring, bus, alarms)
	})
	tabs := &fakeTabs{transports: map[int]bridge.Transport{}}
	sup := New(mgr, tabs, store, ring, bus, alarms, nil)
	t.Cleanup(sup.Shutdown)
	return &testWorld{sup: sup, mgr: mgr, tabs: tabs, bus: bus, store: store}
}

func tabEvent(tabID int, serverKey string) events.Event {
	return events.Event{
		Type:   events.EventTabUpdated,
		Source: "test",
		Payload: events.TabPayload{
			TabID:     tabID,
			URL:       "https://" + serverKey + "/dorf1.php",
			ServerKey: serverKey,
		},
	}
}

func TestTabUpdateCreatesAndBindsInstance(t *testing.T) {
	w := newWorld(t)
	w.tabs.transports[17] = okTransport{}

	require.NoError(t, w.sup.onTabUpdated(context.Background(), tabEvent(17, "ts1.example.com")))

	inst := w.mgr.Get("ts1.example.com")
	require.NotNil(t, inst)
	assert.Equal(t, 17, inst.TabID())
	assert.Same(t, inst, w.mgr.GetByTab(17))
}

func TestRunningEngineKeepsItsTab(t *testing.T) {
	w := newWorld(t)
	w.tabs.transports[17] = okTransport{}
	w.tabs.transports[23] = okTransport{}

	require.NoError(t, w.sup.onTabUpdated(context.Background(), tabEvent(17, "ts1.example.com")))
	require.NoError(t, w.sup.StartInstance(context.Background(), "ts1.example.com"))

	// A second tab on the same server must not steal the binding.
	require.NoError(t, w.sup.onTabUpdated(context.Background(), tabEvent(23, "ts1.example.com")))

	inst := w.mgr.Get("ts1.example.com")
	assert.Equal(t, 17, inst.TabID(), "old tab wins while the engine runs")
}

func TestStoppedEngineRequiresOldTabGone(t *testing.T) {
	w := newWorld(t)
	w.tabs.transports[17] = okTransport{}
	w.tabs.transports[23] = okTransport{}

	require.NoError(t, w.sup.onTabUpdated(context.Background(), tabEvent(17, "ts1.example.com")))
	inst := w.mgr.Get("ts1.example.com")

	// Old tab still alive: reassignment skipped.
	require.NoError(t, w.sup.onTabUpdated(context.Background(), tabEvent(23, "ts1.example.com")))
	assert.Equal(t, 17, inst.TabID())

	// Old tab verified gone: reassignment accepted.
	delete(w.tabs.transports, 17)
	require.NoError(t, w.sup.onTabUpdated(context.Background(), tabEvent(23, "ts1.example.com")))
	assert.Equal(t, 23, inst.TabID())
}

func TestTabRemovedStopsRunningEngine(t *testing.T) {
	w := newWorld(t)
	w.tabs.transports[17] = okTransport{}

	require.NoError(t, w.sup.onTabUpdated(context.Background(), tabEvent(17, "ts1.example.com")))
	require.NoError(t, w.sup.StartInstance(context.Background(), "ts1.example.com"))
	inst := w.mgr.Get("ts1.example.com")
	require.True(t, inst.Engine.Running())

	delete(w.tabs.transports, 17)
	require.NoError(t, w.sup.onTabRemoved(context.Background(), events.Event{
		Type:    events.EventTabRemoved,
		Payload: events.TabPayload{TabID: 17, ServerKey: "ts1.example.com"},
	}))

	assert.False(t, inst.Engine.Running())
	assert.Equal(t, -1, inst.TabID())
}

func TestAlarmAutoRestartsAfterHostRestart(t *testing.T) {
	w := newWorld(t)
	w.tabs.transports[17] = okTransport{}

	require.NoError(t, w.sup.onTabUpdated(context.Background(), tabEvent(17, "ts1.example.com")))
	inst := w.mgr.Get("ts1.example.com")

	// Simulate the state a crashed host leaves behind: wasRunning persisted
	// while the engine is actually stopped.
	require.NoError(t, w.store.Set(storage.StateKey("ts1.example.com"), map[string]any{
		"wasRunning": true,
		"savedAt":    time.Now(),
	}))
	require.False(t, inst.Engine.Running())

	require.NoError(t, w.sup.onAlarm(context.Background(), events.Event{
		Type:    events.EventAlarmFired,
		Payload: events.AlarmPayload{Name: "botHeartbeat__ts1.example.com", ServerKey: "ts1.example.com"},
	}))

	assert.True(t, inst.Engine.Running(), "resurrection signal plus live tab must restart the engine")
}

func TestAlarmAgainstDeadTabIsCleared(t *testing.T) {
	w := newWorld(t)
	w.tabs.transports[17] = okTransport{}
	require.NoError(t, w.sup.onTabUpdated(context.Background(), tabEvent(17, "ts1.example.com")))

	require.NoError(t, w.store.Set(storage.StateKey("ts1.example.com"), map[string]any{
		"wasRunning": true,
	}))
	delete(w.tabs.transports, 17)

	alarmName := "botHeartbeat__ts1.example.com"
	w.sup.alarms.Set(alarmName, time.Hour)
	require.True(t, w.sup.alarms.IsSet(alarmName))

	require.NoError(t, w.sup.onAlarm(context.Background(), events.Event{
		Type:    events.EventAlarmFired,
		Payload: events.AlarmPayload{Name: alarmName, ServerKey: "ts1.example.com"},
	}))

	inst := w.mgr.Get("ts1.example.com")
	assert.False(t, inst.Engine.Running())
	assert.False(t, w.sup.alarms.IsSet(alarmName), "zombie wake-ups must be cleared")
}

func TestLegacyAlarmMapsToFirstRunningInstance(t *testing.T) {
	w := newWorld(t)
	w.tabs.transports[17] = okTransport{}
	w.tabs.transports[23] = okTransport{}

	require.NoError(t, w.sup.onTabUpdated(context.Background(), tabEvent(23, "ts2.example.com")))
	require.NoError(t, w.sup.onTabUpdated(context.Background(), tabEvent(17, "ts1.example.com")))
	require.NoError(t, w.sup.StartInstance(context.Background(), "ts1.example.com"))
	require.NoError(t, w.sup.StartInstance(context.Background(), "ts2.example.com"))

	inst := w.sup.resolveAlarmInstance(events.AlarmPayload{Name: "botHeartbeat"})
	require.NotNil(t, inst)
	assert.Equal(t, "ts1.example.com", inst.ServerKey, "legacy alarm picks lexicographically first running key")
}

func TestHandleCommandLifecycle(t *testing.T) {
	w := newWorld(t)
	w.tabs.transports[17] = okTransport{}
	require.NoError(t, w.sup.onTabUpdated(context.Background(), tabEvent(17, "ts1.example.com")))

	resp := w.sup.Handle(context.Background(), Command{Type: CmdStartBot, ServerKey: "ts1.example.com"})
	require.True(t, resp.Success, resp.Error)

	resp = w.sup.Handle(context.Background(), Command{Type: CmdGetStatus, ServerKey: "ts1.example.com"})
	require.True(t, resp.Success)
	status, isStatus := resp.Data.(engine.Status)
	require.True(t, isStatus)
	assert.True(t, status.Running)

	resp = w.sup.Handle(context.Background(), Command{Type: CmdPauseBot, ServerKey: "ts1.example.com"})
	require.True(t, resp.Success, resp.Error)
	resp = w.sup.Handle(context.Background(), Command{Type: CmdResumeBot, ServerKey: "ts1.example.com"})
	require.True(t, resp.Success, resp.Error)
	resp = w.sup.Handle(context.Background(), Command{Type: CmdStopBot, ServerKey: "ts1.example.com"})
	require.True(t, resp.Success, resp.Error)
}

func TestHandleQueueCommands(t *testing.T) {
	w := newWorld(t)
	require.NoError(t, w.sup.onTabUpdated(context.Background(), tabEvent(17, "ts1.example.com")))

	resp := w.sup.Handle(context.Background(), Command{
		Type:      CmdAddTask,
		ServerKey: "ts1.example.com",
		Payload: map[string]any{
			"type":      string(game.TaskUpgradeBuilding),
			"params":    map[string]any{"slot": 26},
			"priority":  5,
			"villageId": "v1",
		},
	})
	require.True(t, resp.Success, resp.Error)

	// Duplicate add is reported, not failed.
	resp = w.sup.Handle(context.Background(), Command{
		Type:      CmdAddTask,
		ServerKey: "ts1.example.com",
		Payload: map[string]any{
			"type":      string(game.TaskUpgradeBuilding),
			"params":    map[string]any{"slot": 26},
			"villageId": "v1",
		},
	})
	require.True(t, resp.Success)
	data := resp.Data.(map[string]any)
	assert.Equal(t, true, data["deduplicated"])

	resp = w.sup.Handle(context.Background(), Command{Type: CmdGetQueue, ServerKey: "ts1.example.com"})
	require.True(t, resp.Success)

	resp = w.sup.Handle(context.Background(), Command{Type: CmdClearQueue, ServerKey: "ts1.example.com"})
	require.True(t, resp.Success)
	inst := w.mgr.Get("ts1.example.com")
	assert.Equal(t, 0, inst.Engine.Queue().Size())
}

func TestSaveConfigAppliesToRunningEngine(t *testing.T) {
	w := newWorld(t)
	require.NoError(t, w.sup.onTabUpdated(context.Background(), tabEvent(17, "ts1.example.com")))

	resp := w.sup.Handle(context.Background(), Command{
		Type:      CmdSaveConfig,
		ServerKey: "ts1.example.com",
		Payload: map[string]any{
			"config": map[string]any{
				"maxActionsPerHour": float64(12),
				"autoFarm":          true,
			},
		},
	})
	require.True(t, resp.Success, resp.Error)

	inst := w.mgr.Get("ts1.example.com")
	cfg := inst.Engine.Config()
	assert.Equal(t, 12, cfg.MaxActionsPerHour)
	assert.True(t, cfg.AutoFarm)

	stored, err := w.store.LoadBotConfig("ts1.example.com")
	require.NoError(t, err)
	assert.Equal(t, 12, stored.MaxActionsPerHour)
}

func TestContentReadyResolvesByURL(t *testing.T) {
	w := newWorld(t)
	w.tabs.transports[31] = okTransport{}

	resp := w.sup.Handle(context.Background(), Command{
		Type:  CmdContentReady,
		TabID: 31,
		URL:   "https://ts9.example.com/dorf1.php",
	})
	require.True(t, resp.Success)

	// The emitted tab-update is handled asynchronously by the bus.
	require.Eventually(t, func() bool {
		inst := w.mgr.Get("ts9.example.com")
		return inst != nil && inst.TabID() == 31
	}, 2*time.Second, 10*time.Millisecond)
}
