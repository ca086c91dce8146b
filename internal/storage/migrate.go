package storage

import (
	"time"

	"github.com/warden-project/warden/internal/game"
)

// MigrateLegacy copies legacy single-server records under the detected
// server key and writes the registry with a migration marker. Runs once:
// a present registry means migration already happened (or a fresh install
// never needed it). Legacy keys are left in place as backup.
func (s *Store) MigrateLegacy(detectedKey string) error {
	_, hasRegistry, err := s.GetRaw(KeyRegistry)
	if err != nil {
		return err
	}
	if hasRegistry {
		return nil
	}

	legacyConfig, hasConfig, err := s.GetRaw(KeyLegacyConfig)
	if err != nil {
		return err
	}
	legacyState, hasState, err := s.GetRaw(KeyLegacyState)
	if err != nil {
		return err
	}
	if !hasConfig && !hasState {
		return nil
	}

	key := detectedKey
	if key == "" {
		key = game.UnknownServerKey
	}

	if hasConfig {
		if err := s.Set(ConfigKey(key), legacyConfig); err != nil {
			return err
		}
	}
	if hasState {
		if err := s.Set(StateKey(key), legacyState); err != nil {
			return err
		}
	}

	reg := Registry{Servers: map[string]RegistryEntry{
		key: {LastUsedAt: time.Now(), MigratedFromLegacy: true},
	}}
	if err := s.Set(KeyRegistry, reg); err != nil {
		return err
	}

	s.logger.Info().Str("server", key).Msg("migrated legacy single-server records")
	return nil
}
