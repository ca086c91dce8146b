package supervisor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/warden-project/warden/internal/engine"
	"github.com/warden-project/warden/internal/events"
)

// AlarmService is the wake-up alarm facility backing engine.Alarms: one
// named ticker per running server, emitting AlarmFired events that survive
// the engines' own timers being destroyed by host sleep. The legacy
// un-keyed alarm name is accepted for records written by old versions.
type AlarmService struct {
	bus    *events.Bus
	logger zerolog.Logger

	mu     sync.Mutex
	alarms map[string]chan struct{}
}

// NewAlarmService creates an empty alarm service.
func NewAlarmService(bus *events.Bus) *AlarmService {
	return &AlarmService{
		bus:    bus,
		logger: log.With().Str("component", "alarms").Logger(),
		alarms: make(map[string]chan struct{}),
	}
}

// Set arms (or re-arms) a named periodic alarm.
func (a *AlarmService) Set(name string, period time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if stop, ok := a.alarms[name]; ok {
		close(stop)
	}
	stop := make(chan struct{})
	a.alarms[name] = stop
	a.logger.Debug().Str("alarm", name).Dur("period", period).Msg("alarm armed")

	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				a.bus.Emit(context.Background(), events.Event{
					Type:   events.EventAlarmFired,
					Source: "alarms",
					Payload: events.AlarmPayload{
						Name:      name,
						ServerKey: ServerKeyFromAlarm(name),
					},
				})
			}
		}
	}()
}

// Clear cancels a named alarm. Clearing an unknown name is a no-op.
func (a *AlarmService) Clear(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if stop, ok := a.alarms[name]; ok {
		close(stop)
		delete(a.alarms, name)
		a.logger.Debug().Str("alarm", name).Msg("alarm cleared")
	}
}

// IsSet reports whether a named alarm is currently armed.
func (a *AlarmService) IsSet(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.alarms[name]
	return ok
}

// Stop cancels every alarm.
func (a *AlarmService) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for name, stop := range a.alarms {
		close(stop)
		delete(a.alarms, name)
	}
}

// ServerKeyFromAlarm extracts the server key from a heartbeat alarm name.
// The legacy bare name carries no key and maps to the empty string.
func ServerKeyFromAlarm(name string) string {
	prefix := engine.HeartbeatAlarmPrefix + "__"
	if strings.HasPrefix(name, prefix) {
		return strings.TrimPrefix(name, prefix)
	}
	return ""
}
