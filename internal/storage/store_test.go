package storage

import (
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warden-project/warden/internal/game"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "warden.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSetGetRoundTrip(t *testing.T) {
	store := openTestStore(t)

	type record struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	require.NoError(t, store.Set("k1", record{Name: "a", Count: 3}))

	var out record
	ok, err := store.Get("k1", &out)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, record{Name: "a", Count: 3}, out)
}

func TestGetAbsentLeavesDefault(t *testing.T) {
	store := openTestStore(t)

	out := map[string]int{"kept": 1}
	ok, err := store.Get("missing", &out)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, map[string]int{"kept": 1}, out)
}

func TestDeleteAbsentIsNoError(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Delete("never-set"))
}

func TestKeysPrefix(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Set("bot_state__a", 1))
	require.NoError(t, store.Set("bot_state__b", 2))
	require.NoError(t, store.Set("bot_config__a", 3))

	keys, err := store.Keys("bot_state__")
	require.NoError(t, err)
	assert.Equal(t, []string{"bot_state__a", "bot_state__b"}, keys)
}

// Concurrent read-merge-write sequences on one key must not lose
// updates: after N increments from each of M goroutines the counter
// reads exactly N*M.
func TestAtomicMergeIsLinearisable(t *testing.T) {
	store := openTestStore(t)

	const workers = 8
	const increments = 25

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < increments; i++ {
				err := store.AtomicMerge("counter", func(current json.RawMessage) (any, error) {
					n := 0
					if current != nil {
						if err := json.Unmarshal(current, &n); err != nil {
							return nil, err
						}
					}
					return n + 1, nil
				})
				require.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	var n int
	ok, err := store.Get("counter", &n)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, workers*increments, n)
}

func TestTouchServerPreservesLabelAndMarker(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.TouchServer("ts1.example.com", "Main account"))
	require.NoError(t, store.TouchServer("ts1.example.com", ""))

	reg, err := store.LoadRegistry()
	require.NoError(t, err)
	entry, ok := reg.Servers["ts1.example.com"]
	require.True(t, ok)
	assert.Equal(t, "Main account", entry.Label)
	assert.False(t, entry.LastUsedAt.IsZero())
}

func TestLoadBotConfigMergesOntoDefaults(t *testing.T) {
	store := openTestStore(t)

	// A sparse stored record, as written by an older version.
	require.NoError(t, store.Set(ConfigKey("ts1.example.com"), map[string]any{
		"autoFarm":          true,
		"maxActionsPerHour": 7,
	}))

	cfg, err := store.LoadBotConfig("ts1.example.com")
	require.NoError(t, err)
	assert.True(t, cfg.AutoFarm)
	assert.Equal(t, 7, cfg.MaxActionsPerHour)
	// Untouched fields keep their defaults.
	def := game.DefaultBotConfig()
	assert.Equal(t, def.Safety.MaxConsecutiveFailures, cfg.Safety.MaxConsecutiveFailures)
	assert.Equal(t, def.Delays.CycleBaseSec, cfg.Delays.CycleBaseSec)
}

func TestMigrateLegacyCopiesUnderDetectedKey(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Set(KeyLegacyConfig, map[string]any{"autoFarm": true}))
	require.NoError(t, store.Set(KeyLegacyState, map[string]any{"wasRunning": true}))

	require.NoError(t, store.MigrateLegacy("ts1.example.com"))

	var cfg map[string]any
	ok, err := store.Get(ConfigKey("ts1.example.com"), &cfg)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, true, cfg["autoFarm"])

	var st map[string]any
	ok, err = store.Get(StateKey("ts1.example.com"), &st)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, true, st["wasRunning"])

	// Legacy records are left in place as backup.
	_, ok, err = store.GetRaw(KeyLegacyConfig)
	require.NoError(t, err)
	assert.True(t, ok)

	reg, err := store.LoadRegistry()
	require.NoError(t, err)
	assert.True(t, reg.Servers["ts1.example.com"].MigratedFromLegacy)
}

func TestMigrateLegacyRunsOnce(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Set(KeyLegacyConfig, map[string]any{"autoFarm": true}))
	require.NoError(t, store.MigrateLegacy("first.example.com"))

	// A second migration against a different key must not run: the
	// registry marks migration done.
	require.NoError(t, store.MigrateLegacy("second.example.com"))

	_, ok, err := store.GetRaw(ConfigKey("second.example.com"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMigrateLegacyWithoutKeyUsesUnknown(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.Set(KeyLegacyState, map[string]any{"wasRunning": false}))
	require.NoError(t, store.MigrateLegacy(""))

	_, ok, err := store.GetRaw(StateKey(game.UnknownServerKey))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMigrateLegacyNoLegacyRecordsIsNoop(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.MigrateLegacy("ts1.example.com"))

	reg, err := store.LoadRegistry()
	require.NoError(t, err)
	assert.Empty(t, reg.Servers)
}
