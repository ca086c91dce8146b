// Package queue implements the deduplicated priority task queue of a bot
// engine: retry semantics, stuck-task recovery, and the dirty-at timestamp
// the persistence cycle uses to decide whether to flush eagerly.
package queue

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/warden-project/warden/internal/game"
)

const (
	// DefaultMaxRetries is the retry cap applied to new tasks.
	DefaultMaxRetries = 3
	// TerminalTTL is how long completed/failed tasks linger before eviction.
	TerminalTTL = 10 * time.Minute
	// MaxRunningAge marks a running task as stuck: its host died mid-execution.
	MaxRunningAge = 2 * time.Minute
	// RecoveryCheckInterval throttles stuck-task scans.
	RecoveryCheckInterval = 30 * time.Second
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether a status is final.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// Task is one unit of work. IDs are monotonic within a queue.
type Task struct {
	ID           int64          `json:"id"`
	Type         game.TaskType  `json:"type"`
	Params       map[string]any `json:"params,omitempty"`
	Priority     int            `json:"priority"` // 1..10, 1 is highest
	VillageID    string         `json:"villageId,omitempty"`
	Status       Status         `json:"status"`
	CreatedAt    time.Time      `json:"createdAt"`
	ScheduledFor time.Time      `json:"scheduledFor,omitempty"`
	Retries      int            `json:"retries"`
	MaxRetries   int            `json:"maxRetries"`
	Error        string         `json:"error,omitempty"`
	StartedAt    time.Time      `json:"startedAt,omitempty"`
}

// Queue is a deduplicated priority queue. All methods are safe for
// concurrent use.
type Queue struct {
	mu           sync.Mutex
	tasks        []*Task
	nextID       int64
	dirtyAt      time.Time
	lastRecovery time.Time
	logger       zerolog.Logger

	now func() time.Time // test hook
}

// New creates an empty queue tagged with the owning server key.
func New(serverKey string) *Queue {
	return &Queue{
		nextID: 1,
		logger: log.With().Str("component", "queue").Str("server", serverKey).Logger(),
		now:    time.Now,
	}
}

// SetClock overrides the queue's clock. Test use only.
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

func (q *Queue) markDirty() { q.dirtyAt = q.now() }

// DirtyAt returns the time of the most recent mutation, zero after MarkClean.
func (q *Queue) DirtyAt() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dirtyAt
}

// MarkClean zeroes the dirty-at timestamp after a successful persist.
func (q *Queue) MarkClean() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dirtyAt = time.Time{}
}

// MarkCleanBefore zeroes the dirty-at timestamp only when no mutation
// landed after t. A persist snapshot taken at t must not erase the dirty
// signal of a task it never saw.
func (q *Queue) MarkCleanBefore(t time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.dirtyAt.After(t) {
		q.dirtyAt = time.Time{}
	}
}

// Add enqueues a task unless an equivalent non-terminal task already
// exists (see duplicateOf). Returns the new task id, or 0 when the add
// was deduplicated; duplicate adds are not errors.
func (q *Queue) Add(taskType game.TaskType, params map[string]any, priority int, villageID string, scheduledFor time.Time) int64 {
	if priority < 1 {
		priority = 1
	}
	if priority > 10 {
		priority = 10
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	candidate := &Task{
		Type:      taskType,
		Params:    params,
		VillageID: villageID,
	}
	if dup := q.duplicateOf(candidate); dup != nil {
		q.logger.Debug().
			Str("type", string(taskType)).
			Str("village", villageID).
			Int64("existing", dup.ID).
			Msg("duplicate task rejected")
		return 0
	}

	task := &Task{
		ID:           q.nextID,
		Type:         taskType,
		Params:       params,
		Priority:     priority,
		VillageID:    villageID,
		Status:       StatusPending,
		CreatedAt:    q.now(),
		ScheduledFor: scheduledFor,
		MaxRetries:   DefaultMaxRetries,
	}
	q.nextID++
	q.tasks = append(q.tasks, task)
	q.markDirty()
	return task.ID
}

// duplicateOf returns an existing non-terminal task that makes the
// candidate a duplicate, or nil. Must be called with the lock held.
//
//   - build-like types: same (type, villageId) and matching dedup target
//     (fieldId, slot or gid)
//   - train_troops: same (villageId, buildingType)
//   - send_farm: any non-terminal send_farm for the villageId
func (q *Queue) duplicateOf(candidate *Task) *Task {
	for _, t := range q.tasks {
		if t.Status.Terminal() {
			continue
		}
		switch {
		case game.IsBuildType(candidate.Type):
			if t.Type == candidate.Type && t.VillageID == candidate.VillageID &&
				sameBuildTarget(t.Params, candidate.Params) {
				return t
			}
		case candidate.Type == game.TaskTrainTroops:
			if t.Type == game.TaskTrainTroops && t.VillageID == candidate.VillageID &&
				paramString(t.Params, "buildingType") == paramString(candidate.Params, "buildingType") {
				return t
			}
		case candidate.Type == game.TaskSendFarm:
			if t.Type == game.TaskSendFarm && t.VillageID == candidate.VillageID {
				return t
			}
		}
	}
	return nil
}

// sameBuildTarget compares the dedup target of two build-like tasks:
// fieldId, slot, or gid, whichever the params carry.
func sameBuildTarget(a, b map[string]any) bool {
	for _, key := range []string{"fieldId", "slot", "gid"} {
		av, aok := paramInt(a, key)
		bv, bok := paramInt(b, key)
		if aok || bok {
			return aok && bok && av == bv
		}
	}
	// Neither carries a target: type+village alone dedups.
	return true
}

func paramInt(m map[string]any, key string) (int, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

func paramString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// Remove deletes a task by id regardless of status.
func (q *Queue) Remove(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, t := range q.tasks {
		if t.ID == id {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			q.markDirty()
			return true
		}
	}
	return false
}

// GetNext runs stuck-task recovery, then selects the ready pending task
// with the lowest priority number, ties broken by earlier createdAt. The
// returned task is transitioned to running.
func (q *Queue) GetNext() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.recoverStuck()

	best := q.peekLocked()
	if best == nil {
		return nil
	}
	best.Status = StatusRunning
	best.StartedAt = q.now()
	q.markDirty()
	cp := *best
	return &cp
}

// Peek returns the task GetNext would select, without transitioning it.
func (q *Queue) Peek() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	best := q.peekLocked()
	if best == nil {
		return nil
	}
	cp := *best
	return &cp
}

func (q *Queue) peekLocked() *Task {
	now := q.now()
	var best *Task
	for _, t := range q.tasks {
		if t.Status != StatusPending {
			continue
		}
		if !t.ScheduledFor.IsZero() && t.ScheduledFor.After(now) {
			continue
		}
		if best == nil ||
			t.Priority < best.Priority ||
			(t.Priority == best.Priority && t.CreatedAt.Before(best.CreatedAt)) {
			best = t
		}
	}
	return best
}

// recoverStuck requeues or fails running tasks whose startedAt is older
// than MaxRunningAge; their host died mid-execution. Throttled to one scan
// per RecoveryCheckInterval. Must be called with the lock held.
func (q *Queue) recoverStuck() {
	now := q.now()
	if now.Sub(q.lastRecovery) < RecoveryCheckInterval {
		return
	}
	q.lastRecovery = now

	for _, t := range q.tasks {
		if t.Status != StatusRunning || now.Sub(t.StartedAt) <= MaxRunningAge {
			continue
		}
		t.Retries++
		if t.Retries >= t.MaxRetries {
			t.Status = StatusFailed
			t.Error = "stuck: lost host while running"
			q.logger.Warn().Int64("task", t.ID).Str("type", string(t.Type)).Msg("stuck task failed")
		} else {
			t.Status = StatusPending
			t.StartedAt = time.Time{}
			q.logger.Warn().Int64("task", t.ID).Str("type", string(t.Type)).Int("retries", t.Retries).Msg("stuck task requeued")
		}
		q.markDirty()
	}
}

// Update applies a patch to a task under the queue lock.
func (q *Queue) Update(id int64, patch func(*Task)) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		if t.ID == id {
			patch(t)
			q.markDirty()
			return true
		}
	}
	return false
}

// MarkCompleted finishes a task successfully and evicts stale terminals.
func (q *Queue) MarkCompleted(id int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		if t.ID == id {
			t.Status = StatusCompleted
			q.markDirty()
			break
		}
	}
	q.evictTerminals()
}

// MarkFailed records a failure: the task returns to pending until its
// retry cap is reached, then becomes failed.
func (q *Queue) MarkFailed(id int64, errMsg string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		if t.ID != id {
			continue
		}
		t.Retries++
		t.Error = errMsg
		if t.Retries >= t.MaxRetries {
			t.Status = StatusFailed
		} else {
			t.Status = StatusPending
			t.StartedAt = time.Time{}
		}
		q.markDirty()
		break
	}
	q.evictTerminals()
}

// ForceMaxRetries exhausts a task's retry budget so the next failure is
// terminal. Used for hopeless failure reasons.
func (q *Queue) ForceMaxRetries(id int64) {
	q.Update(id, func(t *Task) { t.Retries = t.MaxRetries - 1 })
}

// evictTerminals drops terminal tasks older than TerminalTTL. Lock held.
func (q *Queue) evictTerminals() {
	cutoff := q.now().Add(-TerminalTTL)
	kept := q.tasks[:0]
	for _, t := range q.tasks {
		if t.Status.Terminal() && t.CreatedAt.Before(cutoff) {
			continue
		}
		kept = append(kept, t)
	}
	q.tasks = kept
}

// GetAll returns a copy of every task, ordered by id.
func (q *Queue) GetAll() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, *t)
	}
	return out
}

// Size returns the number of tasks, terminal included.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// PendingCount returns the number of non-terminal tasks.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, t := range q.tasks {
		if !t.Status.Terminal() {
			n++
		}
	}
	return n
}

// Clear drops every task.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = nil
	q.markDirty()
}

// ClearCompleted drops terminal tasks only.
func (q *Queue) ClearCompleted() {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.tasks[:0]
	for _, t := range q.tasks {
		if !t.Status.Terminal() {
			kept = append(kept, t)
		}
	}
	q.tasks = kept
	q.markDirty()
}

// HasTaskOfType reports whether a non-terminal task of the given type
// exists for the given village.
func (q *Queue) HasTaskOfType(taskType game.TaskType, villageID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		if !t.Status.Terminal() && t.Type == taskType && t.VillageID == villageID {
			return true
		}
	}
	return false
}

// HasAnyTaskOfType reports whether any non-terminal task of the given
// type exists, regardless of village.
func (q *Queue) HasAnyTaskOfType(taskType game.TaskType) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		if !t.Status.Terminal() && t.Type == taskType {
			return true
		}
	}
	return false
}

// Snapshot returns the serialisable queue contents for persistence.
func (q *Queue) Snapshot() []Task { return q.GetAll() }

// Restore replaces the queue contents from a persisted snapshot. Tasks
// persisted as running are reset to pending: their execution did not
// survive the previous host.
func (q *Queue) Restore(tasks []Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = q.tasks[:0]
	maxID := int64(0)
	for _, t := range tasks {
		cp := t
		if cp.Status == StatusRunning {
			cp.Status = StatusPending
			cp.StartedAt = time.Time{}
		}
		if cp.MaxRetries == 0 {
			cp.MaxRetries = DefaultMaxRetries
		}
		q.tasks = append(q.tasks, &cp)
		if cp.ID > maxID {
			maxID = cp.ID
		}
	}
	if maxID >= q.nextID {
		q.nextID = maxID + 1
	}
	q.markDirty()
}
