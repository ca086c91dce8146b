// Package logging implements the leveled ring-buffer log that backs the
// operator UI's log view. Entries are mirrored to the process logger and
// periodically flushed to storage, grouped per server, so host-process
// death loses at most one cycle of history.
package logging

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/warden-project/warden/internal/storage"
)

// MaxLogEntries caps the in-memory ring; the oldest entries are evicted.
const MaxLogEntries = 500

// FlushInterval is the period of the background flush.
const FlushInterval = 30 * time.Second

// Level is the entry severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var levelRank = map[Level]int{LevelDebug: 0, LevelInfo: 1, LevelWarn: 2, LevelError: 3}

// Entry is one ring entry, shaped for JSON storage.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	ServerKey string         `json:"serverKey,omitempty"`
}

// Ring is the process-wide ring-buffer logger.
type Ring struct {
	mu        sync.Mutex
	entries   []Entry
	minLevel  Level
	serverKey string // current tag, set by an engine before per-server work

	store  *storage.Store
	logger zerolog.Logger
}

// NewRing creates a ring logger flushing into the given store.
func NewRing(store *storage.Store) *Ring {
	return &Ring{
		minLevel: LevelDebug,
		store:    store,
		logger:   log.With().Str("component", "botlog").Logger(),
	}
}

// SetMinLevel drops entries below the given severity.
func (r *Ring) SetMinLevel(l Level) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.minLevel = l
}

// SetServerKey tags subsequent entries with the given server.
func (r *Ring) SetServerKey(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.serverKey = key
}

// Load restores the legacy ring from storage so a fresh process does not
// overwrite history with an empty buffer. Call before the first append.
func (r *Ring) Load() {
	var entries []Entry
	if _, err := r.store.Get(storage.KeyLegacyLogs, &entries); err != nil {
		r.logger.Warn().Err(err).Msg("failed to load stored log ring")
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(entries) > MaxLogEntries {
		entries = entries[len(entries)-MaxLogEntries:]
	}
	r.entries = entries
}

func (r *Ring) append(level Level, msg string, data map[string]any) {
	r.mu.Lock()
	if levelRank[level] < levelRank[r.minLevel] {
		r.mu.Unlock()
		return
	}
	entry := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Message:   msg,
		Data:      data,
		ServerKey: r.serverKey,
	}
	r.entries = append(r.entries, entry)
	if len(r.entries) > MaxLogEntries {
		r.entries = r.entries[len(r.entries)-MaxLogEntries:]
	}
	key := r.serverKey
	r.mu.Unlock()

	ev := r.logger.WithLevel(zerologLevel(level)).Str("server", key)
	for k, v := range data {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

func zerologLevel(l Level) zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Debug records a debug entry.
func (r *Ring) Debug(msg string, data map[string]any) { r.append(LevelDebug, msg, data) }

// Info records an info entry.
func (r *Ring) Info(msg string, data map[string]any) { r.append(LevelInfo, msg, data) }

// Warn records a warning entry.
func (r *Ring) Warn(msg string, data map[string]any) { r.append(LevelWarn, msg, data) }

// Error records an error entry.
func (r *Ring) Error(msg string, data map[string]any) { r.append(LevelError, msg, data) }

// Entries returns a copy of the current ring, newest last.
func (r *Ring) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// EntriesFor returns the entries tagged with the given server key.
func (r *Ring) EntriesFor(serverKey string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Entry
	for _, e := range r.entries {
		if e.ServerKey == serverKey {
			out = append(out, e)
		}
	}
	return out
}

// Flush persists the ring: the whole buffer under the legacy key plus one
// slice per server key. Best-effort: the buffer is snapshotted first so
// concurrent appends do not block on storage I/O.
func (r *Ring) Flush() error {
	snapshot := r.Entries()
	if len(snapshot) == 0 {
		return nil
	}

	if err := r.store.Set(storage.KeyLegacyLogs, snapshot); err != nil {
		return err
	}

	byServer := map[string][]Entry{}
	for _, e := range snapshot {
		if e.ServerKey != "" {
			byServer[e.ServerKey] = append(byServer[e.ServerKey], e)
		}
	}
	for key, entries := range byServer {
		if err := r.store.Set(storage.LogsKey(key), entries); err != nil {
			return err
		}
	}
	return nil
}

// Run flushes the ring every FlushInterval until the context is cancelled,
// with one final flush on the way out.
func (r *Ring) Run(ctx context.Context) {
	ticker := time.NewTicker(FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := r.Flush(); err != nil {
				r.logger.Warn().Err(err).Msg("final log flush failed")
			}
			return
		case <-ticker.C:
			if err := r.Flush(); err != nil {
				r.logger.Warn().Err(err).Msg("periodic log flush failed")
			}
		}
	}
}
