package storage

// Storage key layout. Per-server keys append "__<serverKey>" to the
// legacy single-server key so migrated and fresh installs share one
// namespace.
const (
	KeyLegacyConfig  = "bot_config"
	KeyLegacyState   = "bot_state"
	KeyLegacyLogs    = "bot_logs"
	KeyRegistry      = "bot_config_registry"
	KeyEmergencyStop = "bot_emergency_stop"

	perServerSep = "__"
)

// ConfigKey returns the per-server config key.
func ConfigKey(serverKey string) string { return KeyLegacyConfig + perServerSep + serverKey }

// StateKey returns the per-server run state key.
func StateKey(serverKey string) string { return KeyLegacyState + perServerSep + serverKey }

// LogsKey returns the per-server log slice key.
func LogsKey(serverKey string) string { return KeyLegacyLogs + perServerSep + serverKey }

// FarmIntelKey returns the per-server farm intelligence key.
func FarmIntelKey(serverKey string) string { return "bot_farm_intel" + perServerSep + serverKey }
