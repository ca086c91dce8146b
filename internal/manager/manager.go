// Package manager owns the registry of bot instances: one per game
// server, looked up by server key or by the browser tab currently bound
// to it. Instances are created lazily on first reference and destroyed
// only on explicit shutdown; their engines may cycle running/stopped many
// times in between.
package manager

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/warden-project/warden/internal/engine"
)

// Instance is the per-server triple: server key, bound tab, engine.
type Instance struct {
	ServerKey string
	Engine    *engine.Engine

	mu    sync.Mutex
	tabID int // -1 when tabless
	url   string
}

// TabID returns the bound tab, or -1.
func (i *Instance) TabID() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.tabID
}

// URL returns the last page URL seen for the bound tab.
func (i *Instance) URL() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.url
}

// EngineFactory builds the engine for a freshly created instance.
type EngineFactory func(serverKey string) *engine.Engine

// Manager is the process-wide instance registry. Safe for concurrent use.
type Manager struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	byTab     map[int]*Instance
	factory   EngineFactory
	logger    zerolog.Logger
}

// New creates an empty manager with the given engine factory.
func New(factory EngineFactory) *Manager {
	return &Manager{
		instances: make(map[string]*Instance),
		byTab:     make(map[int]*Instance),
		factory:   factory,
		logger:    log.With().Str("component", "manager").Logger(),
	}
}

// Get returns the instance for a server key, or nil.
func (m *Manager) Get(serverKey string) *Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.instances[serverKey]
}

// GetByTab returns the instance bound to a tab, or nil.
func (m *Manager) GetByTab(tabID int) *Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byTab[tabID]
}

// GetOrCreate returns the instance for a server key, creating it with a
// fresh engine on first reference.
func (m *Manager) GetOrCreate(serverKey string) *Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[serverKey]; ok {
		return inst
	}
	inst := &Instance{
		ServerKey: serverKey,
		Engine:    m.factory(serverKey),
		tabID:     -1,
	}
	m.instances[serverKey] = inst
	m.logger.Info().Str("server", serverKey).Msg("instance created")
	return inst
}

// BindTab binds an instance to a tab, updating the inverse index. A tab
// can own at most one instance; a previous binding of the same tab to a
// different instance is released.
func (m *Manager) BindTab(inst *Instance, tabID int, url string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst.mu.Lock()
	old := inst.tabID
	inst.tabID = tabID
	inst.url = url
	inst.mu.Unlock()

	if old >= 0 && m.byTab[old] == inst {
		delete(m.byTab, old)
	}
	if prev, ok := m.byTab[tabID]; ok && prev != inst {
		prev.mu.Lock()
		prev.tabID = -1
		prev.mu.Unlock()
	}
	m.byTab[tabID] = inst
	inst.Engine.SetTabID(tabID)
}

// UnbindTab marks an instance tabless and clears the inverse index.
func (m *Manager) UnbindTab(inst *Instance) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst.mu.Lock()
	old := inst.tabID
	inst.tabID = -1
	inst.mu.Unlock()

	if old >= 0 && m.byTab[old] == inst {
		delete(m.byTab, old)
	}
	inst.Engine.SetTabID(-1)
}

// List returns every instance, in no particular order.
func (m *Manager) List() []*Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst)
	}
	return out
}

// ListActive returns the instances whose engine is currently running.
func (m *Manager) ListActive() []*Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Instance
	for _, inst := range m.instances {
		if inst.Engine.Running() {
			out = append(out, inst)
		}
	}
	return out
}

// StopAll stops every running engine. Used at process shutdown.
func (m *Manager) StopAll() {
	for _, inst := range m.List() {
		if inst.Engine.Running() {
			if err := inst.Engine.Stop(); err != nil {
				m.logger.Warn().Err(err).Str("server", inst.ServerKey).Msg("engine stop failed")
			}
		}
	}
}
