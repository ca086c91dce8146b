// Package supervisor dispatches external requests to bot instances and
// observes the tab lifecycle: operator commands arrive with an explicit
// server key, page-originated requests resolve through their tab, and
// per-server heartbeat alarms drive resurrection after a host restart.
package supervisor

import (
	"context"
	"net/http"
	"sort"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/warden-project/warden/internal/bridge"
	"github.com/warden-project/warden/internal/events"
	"github.com/warden-project/warden/internal/gateway"
	"github.com/warden-project/warden/internal/logging"
	"github.com/warden-project/warden/internal/manager"
	"github.com/warden-project/warden/internal/storage"
)

// TabRegistry is the supervisor's view of the executor gateway.
type TabRegistry interface {
	Transport(tabID int) (bridge.Transport, bool)
	IsTabAlive(tabID int) bool
}

// CookieSource provides session cookies for page-level API calls made on
// behalf of a server.
type CookieSource interface {
	Cookies(serverKey string) ([]*http.Cookie, error)
}

// Supervisor routes commands and lifecycle events to instances.
type Supervisor struct {
	mgr     *manager.Manager
	tabs    TabRegistry
	store   *storage.Store
	ring    *logging.Ring
	bus     *events.Bus
	alarms  *AlarmService
	cookies CookieSource
	client  *http.Client
	logger  zerolog.Logger
}

// New wires a supervisor over the given collaborators. cookies may be nil
// when no cookie source is configured; farm-list API calls then fail with
// an explicit error instead of an anonymous request.
func New(mgr *manager.Manager, tabs TabRegistry, store *storage.Store, ring *logging.Ring, bus *events.Bus, alarms *AlarmService, cookies CookieSource) *Supervisor {
	s := &Supervisor{
		mgr:     mgr,
		tabs:    tabs,
		store:   store,
		ring:    ring,
		bus:     bus,
		alarms:  alarms,
		cookies: cookies,
		client:  &http.Client{},
		logger:  log.With().Str("component", "supervisor").Logger(),
	}
	bus.Subscribe(events.EventTabUpdated, "supervisor.tabUpdated", s.onTabUpdated)
	bus.Subscribe(events.EventTabRemoved, "supervisor.tabRemoved", s.onTabRemoved)
	bus.Subscribe(events.EventAlarmFired, "supervisor.alarm", s.onAlarm)
	return s
}

// onTabUpdated applies the tab-binding policy:
//
//  1. a running engine keeps its tab; a different tab claiming the same
//     server is rejected (old tab wins, no tab theft),
//  2. a stopped engine accepts a new tab only when the old one is
//     verified gone,
//  3. a tabless instance is claimed by any same-server tab.
func (s *Supervisor) onTabUpdated(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.TabPayload)
	if !ok {
		return nil
	}

	inst := s.mgr.GetOrCreate(payload.ServerKey)
	oldTab := inst.TabID()

	switch {
	case oldTab == payload.TabID:
		// Same tab navigated; refresh the binding and the transport.
		s.bind(inst, payload)
		return nil
	case oldTab < 0:
		s.bind(inst, payload)
		return nil
	case inst.Engine.Running():
		s.logger.Warn().
			Str("server", payload.ServerKey).
			Int("boundTab", oldTab).
			Int("claimingTab", payload.TabID).
			Msg("rejecting tab reassignment of running engine")
		return nil
	case s.tabs.IsTabAlive(oldTab):
		s.logger.Debug().
			Str("server", payload.ServerKey).
			Int("boundTab", oldTab).
			Msg("old tab still alive, skipping reassignment")
		return nil
	default:
		s.bind(inst, payload)
		return nil
	}
}

// bind records the tab on the instance and rewires the engine's executor
// to the tab's transport.
func (s *Supervisor) bind(inst *manager.Instance, payload events.TabPayload) {
	s.mgr.BindTab(inst, payload.TabID, payload.URL)
	if transport, ok := s.tabs.Transport(payload.TabID); ok {
		inst.Engine.SetExecutor(bridge.New(transport, s.logger))
	}
	s.logger.Info().
		Str("server", inst.ServerKey).
		Int("tab", payload.TabID).
		Msg("tab bound to instance")
}

// onTabRemoved marks the owning instance tabless; a running engine is
// stopped and the operator notified.
func (s *Supervisor) onTabRemoved(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.TabPayload)
	if !ok {
		return nil
	}
	inst := s.mgr.GetByTab(payload.TabID)
	if inst == nil {
		return nil
	}
	wasRunning := inst.Engine.Running()
	s.mgr.UnbindTab(inst)
	s.logger.Info().Str("server", inst.ServerKey).Int("tab", payload.TabID).Msg("tab removed, instance tabless")

	if wasRunning {
		if err := inst.Engine.Stop(); err != nil {
			s.logger.Warn().Err(err).Str("server", inst.ServerKey).Msg("stop after tab removal failed")
		}
		s.bus.Emit(ctx, events.Event{
			Type:   events.EventNotifyOperator,
			Source: "supervisor",
			Payload: events.NotifyPayload{
				Title:     "Bot stopped",
				Message:   "Game tab closed while the bot was running on " + inst.ServerKey,
				Level:     "warning",
				ServerKey: inst.ServerKey,
			},
		})
	}
	return nil
}

// onAlarm handles a heartbeat wake-up: poke a running engine, or
// auto-restart one that the persisted state says should be running after
// a host restart. A restart against a dead tab clears the alarm so the
// host is not woken for a zombie forever.
func (s *Supervisor) onAlarm(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.AlarmPayload)
	if !ok {
		return nil
	}

	inst := s.resolveAlarmInstance(payload)
	if inst == nil {
		s.alarms.Clear(payload.Name)
		return nil
	}

	if inst.Engine.Running() {
		inst.Engine.Heartbeat()
		return nil
	}

	if !inst.Engine.WasRunning() {
		return nil
	}

	tabID := inst.TabID()
	if tabID < 0 || !s.tabs.IsTabAlive(tabID) {
		s.logger.Info().
			Str("server", inst.ServerKey).
			Msg("resurrection signal set but tab is gone, clearing alarm")
		s.alarms.Clear(payload.Name)
		return nil
	}

	s.logger.Info().Str("server", inst.ServerKey).Int("tab", tabID).Msg("auto-restarting engine after host restart")
	s.ring.Info("auto-restarting after host restart", map[string]any{"server": inst.ServerKey})
	if transport, ok := s.tabs.Transport(tabID); ok {
		inst.Engine.SetExecutor(bridge.New(transport, s.logger))
	}
	if err := inst.Engine.Start(ctx); err != nil {
		s.logger.Warn().Err(err).Str("server", inst.ServerKey).Msg("auto-restart failed")
	}
	return nil
}

// resolveAlarmInstance maps an alarm to its instance. The legacy un-keyed
// alarm maps to the lexicographically first running instance, which keeps
// the choice deterministic when several servers are active.
func (s *Supervisor) resolveAlarmInstance(payload events.AlarmPayload) *manager.Instance {
	if payload.ServerKey != "" {
		return s.mgr.Get(payload.ServerKey)
	}

	candidates := s.mgr.ListActive()
	if len(candidates) == 0 {
		candidates = s.mgr.List()
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ServerKey < candidates[j].ServerKey
	})
	return candidates[0]
}

// StartInstance starts the engine of a server, wiring the executor to the
// bound tab's transport first.
func (s *Supervisor) StartInstance(ctx context.Context, serverKey string) error {
	inst := s.mgr.GetOrCreate(serverKey)
	tabID := inst.TabID()
	if tabID < 0 {
		return errNoTab(serverKey)
	}
	transport, ok := s.tabs.Transport(tabID)
	if !ok {
		return errTabGone(serverKey, tabID)
	}
	inst.Engine.SetExecutor(bridge.New(transport, s.logger))
	return inst.Engine.Start(ctx)
}

// Shutdown stops every engine and alarm.
func (s *Supervisor) Shutdown() {
	s.alarms.Stop()
	s.mgr.StopAll()
}

// Manager exposes the instance registry, mainly for the CLI and API.
func (s *Supervisor) Manager() *manager.Manager { return s.mgr }

var _ TabRegistry = (*gateway.Server)(nil)
