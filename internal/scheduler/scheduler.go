// Package scheduler runs named periodic cycles with jitter and named
// one-shot callbacks for a single bot engine. Cycles are re-armed after
// each invocation; a panicking cycle is logged and re-armed unchanged.
// The engine's heartbeat uses IsScheduled to detect timers destroyed by
// host sleep and re-creates the missing cycles.
package scheduler

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type entryKind int

const (
	kindCycle entryKind = iota
	kindOnce
)

type entry struct {
	name     string
	kind     entryKind
	fn       func()
	interval time.Duration // base interval for cycles, delay for one-shots
	jitter   time.Duration
	timer    *time.Timer
	nextAt   time.Time
}

// CycleStatus describes one scheduled entry for introspection.
type CycleStatus struct {
	IntervalMs int64     `json:"intervalMs"`
	NextAt     time.Time `json:"nextAt"`
}

// Scheduler owns the timers of one engine. Safe for concurrent use.
type Scheduler struct {
	mu      sync.Mutex
	entries map[string]*entry
	running bool
	logger  zerolog.Logger
	rng     *rand.Rand
}

// New creates a stopped scheduler tagged with the owning server key.
func New(serverKey string) *Scheduler {
	return &Scheduler{
		entries: make(map[string]*entry),
		logger:  log.With().Str("component", "scheduler").Str("server", serverKey).Logger(),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start arms every registered entry. Entries scheduled while stopped are
// armed now.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	for _, e := range s.entries {
		s.armLocked(e, e.interval)
	}
	s.logger.Debug().Int("entries", len(s.entries)).Msg("scheduler started")
}

// Stop cancels all timers but keeps the entries registered, so a later
// Start resumes them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	for _, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
	s.logger.Debug().Msg("scheduler stopped")
}

// ScheduleCycle registers (or replaces) a named periodic cycle with the
// given base interval and jitter. Each arming draws a fresh uniform offset
// in [-jitter, +jitter]; the interval never goes below zero.
func (s *Scheduler) ScheduleCycle(name string, fn func(), base, jitter time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked(name)
	e := &entry{name: name, kind: kindCycle, fn: fn, interval: base, jitter: jitter}
	s.entries[name] = e
	if s.running {
		s.armLocked(e, base)
	}
}

// Reschedule changes the base interval of an existing cycle. The change
// takes effect immediately: the pending timer is re-armed.
func (s *Scheduler) Reschedule(name string, newBase time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok || e.kind != kindCycle {
		return
	}
	e.interval = newBase
	if s.running {
		if e.timer != nil {
			e.timer.Stop()
		}
		s.armLocked(e, newBase)
	}
}

// ScheduleOnce registers a named one-shot fired after delay. The entry is
// removed before its function runs.
func (s *Scheduler) ScheduleOnce(name string, fn func(), delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked(name)
	e := &entry{name: name, kind: kindOnce, fn: fn, interval: delay}
	s.entries[name] = e
	if s.running {
		s.armLocked(e, delay)
	}
}

// Clear removes a named entry and cancels its timer.
func (s *Scheduler) Clear(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked(name)
}

func (s *Scheduler) clearLocked(name string) {
	if e, ok := s.entries[name]; ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.entries, name)
	}
}

// IsScheduled reports whether a named entry is currently registered.
func (s *Scheduler) IsScheduled(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[name]
	return ok
}

// Status returns interval and next-fire time per entry.
func (s *Scheduler) Status() map[string]CycleStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]CycleStatus, len(s.entries))
	for name, e := range s.entries {
		out[name] = CycleStatus{IntervalMs: e.interval.Milliseconds(), NextAt: e.nextAt}
	}
	return out
}

// armLocked schedules the next fire of an entry. base is the nominal
// delay before jitter. Must be called with the lock held.
func (s *Scheduler) armLocked(e *entry, base time.Duration) {
	delay := base
	if e.kind == kindCycle && e.jitter > 0 {
		offset := time.Duration(s.rng.Int63n(int64(2*e.jitter)+1)) - e.jitter
		delay = base + offset
	}
	if delay < 0 {
		delay = 0
	}
	e.nextAt = time.Now().Add(delay)
	e.timer = time.AfterFunc(delay, func() { s.fire(e.name) })
}

func (s *Scheduler) fire(name string) {
	s.mu.Lock()
	e, ok := s.entries[name]
	if !ok || !s.running {
		s.mu.Unlock()
		return
	}
	fn := e.fn
	if e.kind == kindOnce {
		delete(s.entries, name)
	}
	s.mu.Unlock()

	func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().Interface("panic", r).Str("cycle", name).Msg("scheduled function panicked")
			}
		}()
		fn()
	}()

	// Re-arm cycles with a fresh jitter draw; an entry cleared or
	// replaced during fn stays as its owner left it.
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[name]; ok && cur == e && s.running {
		s.armLocked(cur, cur.interval)
	}
}
