package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MergeFunc transforms the current value of a key into its updated value.
// current is nil when the key does not exist yet. It must be pure: the
// store may not call it under any lock other than the key's own.
type MergeFunc func(current json.RawMessage) (any, error)

// Store is the namespaced key/value store.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger

	// Per-key write locks. Serialises interleaved read-merge-write
	// sequences for one key; distinct keys are independent.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// Open opens or creates the store at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := openDB(dbPath)
	if err != nil {
		return nil, err
	}
	return &Store{
		db:     db,
		logger: log.With().Str("component", "storage").Logger(),
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) keyLock(key string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	mu, ok := s.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[key] = mu
	}
	return mu
}

// GetRaw returns the raw JSON value for a key, reporting whether it exists.
func (s *Store) GetRaw(key string) (json.RawMessage, bool, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return json.RawMessage(value), true, nil
}

// Get unmarshals the value for a key into out. Returns false when the key
// is absent, leaving out untouched so callers keep their default.
func (s *Store) Get(key string, out any) (bool, error) {
	raw, ok, err := s.GetRaw(key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// Set writes a value for a key, replacing any previous value.
func (s *Store) Set(key string, value any) error {
	mu := s.keyLock(key)
	mu.Lock()
	defer mu.Unlock()
	return s.write(key, value)
}

// Delete removes a key. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	mu := s.keyLock(key)
	mu.Lock()
	defer mu.Unlock()
	_, err := s.db.Exec("DELETE FROM kv WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// AtomicMerge serialises concurrent writers for a single key: it reads the
// current value, applies merge, and writes the result back while holding
// the key's lock. Interleaved callers (e.g. the operator UI saving config
// while an engine touches registry lastUsed) cannot lose each other's
// update. A failing merge or write releases the lock so later writers are
// not blocked; the triggering caller observes the error.
func (s *Store) AtomicMerge(key string, merge MergeFunc) error {
	mu := s.keyLock(key)
	mu.Lock()
	defer mu.Unlock()

	current, _, err := s.GetRaw(key)
	if err != nil {
		return err
	}

	updated, err := merge(current)
	if err != nil {
		return fmt.Errorf("merge %s: %w", key, err)
	}

	return s.write(key, updated)
}

// write must be called with the key's lock held.
func (s *Store) write(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, string(data))
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Keys returns all stored keys with the given prefix.
func (s *Store) Keys(prefix string) ([]string, error) {
	rows, err := s.db.Query("SELECT key FROM kv WHERE key LIKE ? ORDER BY key", prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("keys %s*: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
