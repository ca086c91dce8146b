package events

// Type identifies an event on the Bus.
type Type string

const (
	// Tab lifecycle, emitted by the executor gateway.
	EventTabUpdated Type = "tab_updated"
	EventTabRemoved Type = "tab_removed"

	// EventContentReady fires when a freshly-injected page executor
	// announces itself as ready to receive requests.
	EventContentReady Type = "content_ready"

	// EventAlarmFired carries a wake-up alarm tick for one server.
	EventAlarmFired Type = "alarm_fired"

	// Engine escalations.
	EventEmergencyStop Type = "emergency_stop"
	EventEngineStopped Type = "engine_stopped"

	// EventNotifyOperator requests an operator-facing notification
	// (MQTT alert, webhook).
	EventNotifyOperator Type = "notify_operator"

	EventConfigChanged Type = "config_changed"
	EventShutdown      Type = "shutdown"
)

// Event is one message on the Bus.
type Event struct {
	Type    Type
	Source  string
	Payload any
}

// TabPayload describes a page-executor tab binding.
type TabPayload struct {
	TabID     int
	URL       string
	ServerKey string
}

// AlarmPayload carries a fired wake-up alarm.
type AlarmPayload struct {
	Name      string
	ServerKey string // empty for the legacy un-keyed alarm
}

// EmergencyPayload carries an engine emergency stop.
type EmergencyPayload struct {
	ServerKey string
	Reason    string
}

// NotifyPayload is an operator notification request.
type NotifyPayload struct {
	Title     string
	Message   string
	Level     string // "info", "warning", "critical"
	ServerKey string
}
