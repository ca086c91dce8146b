package engine

import (
	"time"

	"github.com/warden-project/warden/internal/game"
	"github.com/warden-project/warden/internal/queue"
	"github.com/warden-project/warden/internal/storage"
)

// PersistedRunState is the per-server snapshot written to storage. The
// wasRunning flag is the resurrection signal the heartbeat alarm checks
// after a host restart.
type PersistedRunState struct {
	Stats             game.Stats   `json:"stats"`
	TaskQueueSnapshot []queue.Task `json:"taskQueueSnapshot"`
	ActionsThisHour   int          `json:"actionsThisHour"`
	HourResetAt       time.Time    `json:"hourResetAt"`
	LastFarmAt        time.Time    `json:"lastFarmAt,omitempty"`
	WasRunning        bool         `json:"wasRunning"`
	SavedAt           time.Time    `json:"savedAt"`
}

type emergencyRecord struct {
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// saveRunState persists the engine snapshot under the per-server state
// key. It returns the snapshot time, taken before the queue is read:
// callers that clear the queue's dirty bit must bound the clear by this
// time so a mutation landing mid-save keeps its dirty signal.
func (e *Engine) saveRunState(wasRunning bool) (time.Time, error) {
	snapAt := e.now()
	e.mu.Lock()
	st := PersistedRunState{
		Stats:             e.stats,
		TaskQueueSnapshot: e.tasks.Snapshot(),
		ActionsThisHour:   e.actionsThisHour,
		HourResetAt:       e.hourResetAt,
		LastFarmAt:        e.lastFarmAt,
		WasRunning:        wasRunning,
		SavedAt:           snapAt,
	}
	e.mu.Unlock()
	return snapAt, e.store.Set(storage.StateKey(e.serverKey), st)
}

// restoreRunState loads the persisted snapshot, if any: stats, pending
// tasks (running ones are reset by the queue), lastFarmAt, and the rate
// counter when its hour window has not elapsed.
func (e *Engine) restoreRunState() {
	var st PersistedRunState
	ok, err := e.store.Get(storage.StateKey(e.serverKey), &st)
	if err != nil {
		e.logger.Warn().Err(err).Msg("run state load failed, starting fresh")
		return
	}
	if !ok {
		return
	}

	e.tasks.Restore(st.TaskQueueSnapshot)
	e.tasks.MarkClean()

	e.mu.Lock()
	e.stats = st.Stats
	e.lastFarmAt = st.LastFarmAt
	if !st.HourResetAt.IsZero() && e.now().Sub(st.HourResetAt) < time.Hour {
		e.actionsThisHour = st.ActionsThisHour
		e.hourResetAt = st.HourResetAt
	} else {
		e.actionsThisHour = 0
		e.hourResetAt = time.Time{}
	}
	e.mu.Unlock()

	e.logger.Info().
		Int("tasks", len(st.TaskQueueSnapshot)).
		Int("actionsThisHour", st.ActionsThisHour).
		Time("savedAt", st.SavedAt).
		Msg("run state restored")
}

// WasRunning reports the persisted resurrection signal for this server.
func (e *Engine) WasRunning() bool {
	var st PersistedRunState
	if ok, err := e.store.Get(storage.StateKey(e.serverKey), &st); err != nil || !ok {
		return false
	}
	return st.WasRunning
}

// persistTick is the 60 s state-persistence cycle: save, and clear the
// queue's dirty bit only when the save landed and only up to the
// snapshot time.
func (e *Engine) persistTick() {
	if !e.fsm.Running() {
		return
	}
	snapAt, err := e.saveRunState(true)
	if err != nil {
		e.logger.Warn().Err(err).Msg("periodic state save failed")
		return
	}
	e.tasks.MarkCleanBefore(snapAt)
}
