package storage

import (
	"encoding/json"
	"time"

	"github.com/warden-project/warden/internal/game"
)

// RegistryEntry describes one known game server.
type RegistryEntry struct {
	Label              string    `json:"label,omitempty"`
	LastUsedAt         time.Time `json:"lastUsedAt"`
	MigratedFromLegacy bool      `json:"migratedFromLegacy,omitempty"`
}

// Registry is the process-wide record of known servers.
type Registry struct {
	Servers map[string]RegistryEntry `json:"servers"`
}

// LoadRegistry reads the server registry, returning an empty registry when
// none has been written yet.
func (s *Store) LoadRegistry() (Registry, error) {
	reg := Registry{Servers: map[string]RegistryEntry{}}
	_, err := s.Get(KeyRegistry, &reg)
	if reg.Servers == nil {
		reg.Servers = map[string]RegistryEntry{}
	}
	return reg, err
}

// TouchServer records a server in the registry with a fresh lastUsedAt,
// preserving any existing label and migration marker.
func (s *Store) TouchServer(serverKey, label string) error {
	return s.AtomicMerge(KeyRegistry, func(current json.RawMessage) (any, error) {
		reg := Registry{Servers: map[string]RegistryEntry{}}
		if current != nil {
			if err := json.Unmarshal(current, &reg); err != nil {
				s.logger.Warn().Err(err).Msg("registry record unreadable, rebuilding")
			}
			if reg.Servers == nil {
				reg.Servers = map[string]RegistryEntry{}
			}
		}
		entry := reg.Servers[serverKey]
		if label != "" {
			entry.Label = label
		}
		entry.LastUsedAt = time.Now()
		reg.Servers[serverKey] = entry
		return reg, nil
	})
}

// LoadBotConfig loads the per-server config merged onto the default
// template, so newly introduced default fields are visible to old records.
func (s *Store) LoadBotConfig(serverKey string) (game.BotConfig, error) {
	var raw map[string]any
	ok, err := s.Get(ConfigKey(serverKey), &raw)
	if err != nil {
		return game.DefaultBotConfig(), err
	}
	if !ok {
		return game.DefaultBotConfig(), nil
	}
	return game.MergeBotConfig(raw), nil
}

// SaveBotConfig persists the per-server config and touches the registry.
func (s *Store) SaveBotConfig(serverKey string, cfg game.BotConfig) error {
	if err := s.Set(ConfigKey(serverKey), cfg); err != nil {
		return err
	}
	return s.TouchServer(serverKey, "")
}
