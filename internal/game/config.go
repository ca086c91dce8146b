package game

import (
	"strconv"
	"strings"
)

// BotConfig is the per-server automation configuration. The stored record
// is merged onto DefaultBotConfig at load time so that fields introduced
// after a record was written become visible with their defaults.
type BotConfig struct {
	AutoUpgradeResources bool `json:"autoUpgradeResources"`
	AutoUpgradeBuildings bool `json:"autoUpgradeBuildings"`
	AutoTrainTroops      bool `json:"autoTrainTroops"`
	AutoFarm             bool `json:"autoFarm"`
	AutoHeroAdventure    bool `json:"autoHeroAdventure"`
	AutoHeroResources    bool `json:"autoHeroResources"`

	MaxActionsPerHour int `json:"maxActionsPerHour"`

	Troop    TroopConfig              `json:"troop"`
	Farm     FarmConfig               `json:"farm"`
	Delays   DelayConfig              `json:"delays"`
	Safety   SafetyConfig             `json:"safety"`
	Villages map[string]VillageConfig `json:"villages"`
}

// TroopConfig controls automatic troop training.
type TroopConfig struct {
	BuildingType string `json:"buildingType"` // barracks, stable, workshop
	Unit         string `json:"unit"`
	BatchSize    int    `json:"batchSize"`
}

// FarmConfig controls farm-list sending.
type FarmConfig struct {
	IntervalSec int    `json:"intervalSec"`
	SendAll     bool   `json:"sendAll"`
	Selective   bool   `json:"selective"`
	ListID      string `json:"listId"`

	// APIVersion is passed through verbatim as the X-Version header of
	// farm-list API calls. When empty the header is omitted.
	APIVersion string `json:"apiVersion"`
}

// DelayConfig tunes loop and humanisation timing. All values in seconds
// unless named otherwise.
type DelayConfig struct {
	CycleBaseSec   int `json:"cycleBaseSec"`
	CycleJitterPct int `json:"cycleJitterPct"`
	IdleSec        int `json:"idleSec"`
	ActiveSec      int `json:"activeSec"`
	HumanMinMs     int `json:"humanMinMs"`
	HumanMaxMs     int `json:"humanMaxMs"`
}

// SafetyConfig tunes the protective policies of the engine.
type SafetyConfig struct {
	MaxConsecutiveFailures int `json:"maxConsecutiveFailures"`
	MaxBreakerTrips        int `json:"maxBreakerTrips"`
	NotLoggedInLimit       int `json:"notLoggedInLimit"`

	// Hero resource claim tuning, percentages of storage capacity.
	ResourceClaimBelowPct int `json:"resourceClaimBelowPct"`
	ResourceFillTargetPct int `json:"resourceFillTargetPct"`

	BuildingRefreshCycles int `json:"buildingRefreshCycles"`
}

// VillageConfig is per-village automation policy.
type VillageConfig struct {
	Enabled       bool `json:"enabled"`
	MaxFieldLevel int  `json:"maxFieldLevel"`
}

// DefaultBotConfig is the template all stored configs are merged onto.
func DefaultBotConfig() BotConfig {
	return BotConfig{
		AutoUpgradeResources: true,
		AutoUpgradeBuildings: false,
		AutoTrainTroops:      false,
		AutoFarm:             false,
		AutoHeroAdventure:    false,
		AutoHeroResources:    true,
		MaxActionsPerHour:    60,
		Troop: TroopConfig{
			BuildingType: "barracks",
			BatchSize:    10,
		},
		Farm: FarmConfig{
			IntervalSec: 1800,
			SendAll:     true,
		},
		Delays: DelayConfig{
			CycleBaseSec:   45,
			CycleJitterPct: 20,
			IdleSec:        120,
			ActiveSec:      45,
			HumanMinMs:     400,
			HumanMaxMs:     1600,
		},
		Safety: SafetyConfig{
			MaxConsecutiveFailures: 5,
			MaxBreakerTrips:        3,
			NotLoggedInLimit:       5,
			ResourceClaimBelowPct:  20,
			ResourceFillTargetPct:  50,
			BuildingRefreshCycles:  3,
		},
		Villages: map[string]VillageConfig{},
	}
}

// MergeBotConfig merges a stored raw record onto the default template:
// one shallow pass for the top-level flags, then explicit merges for the
// troop, farm, delays, safety and villages subtrees. Values of the wrong
// JSON type are coerced where unambiguous and dropped otherwise.
func MergeBotConfig(raw map[string]any) BotConfig {
	cfg := DefaultBotConfig()
	if raw == nil {
		return cfg
	}

	mergeBool(raw, "autoUpgradeResources", &cfg.AutoUpgradeResources)
	mergeBool(raw, "autoUpgradeBuildings", &cfg.AutoUpgradeBuildings)
	mergeBool(raw, "autoTrainTroops", &cfg.AutoTrainTroops)
	mergeBool(raw, "autoFarm", &cfg.AutoFarm)
	mergeBool(raw, "autoHeroAdventure", &cfg.AutoHeroAdventure)
	mergeBool(raw, "autoHeroResources", &cfg.AutoHeroResources)
	mergeInt(raw, "maxActionsPerHour", &cfg.MaxActionsPerHour)

	if sub, ok := raw["troop"].(map[string]any); ok {
		mergeString(sub, "buildingType", &cfg.Troop.BuildingType)
		mergeString(sub, "unit", &cfg.Troop.Unit)
		mergeInt(sub, "batchSize", &cfg.Troop.BatchSize)
	}
	if sub, ok := raw["farm"].(map[string]any); ok {
		mergeInt(sub, "intervalSec", &cfg.Farm.IntervalSec)
		mergeBool(sub, "sendAll", &cfg.Farm.SendAll)
		mergeBool(sub, "selective", &cfg.Farm.Selective)
		mergeString(sub, "listId", &cfg.Farm.ListID)
		mergeString(sub, "apiVersion", &cfg.Farm.APIVersion)
	}
	if sub, ok := raw["delays"].(map[string]any); ok {
		mergeInt(sub, "cycleBaseSec", &cfg.Delays.CycleBaseSec)
		mergeInt(sub, "cycleJitterPct", &cfg.Delays.CycleJitterPct)
		mergeInt(sub, "idleSec", &cfg.Delays.IdleSec)
		mergeInt(sub, "activeSec", &cfg.Delays.ActiveSec)
		mergeInt(sub, "humanMinMs", &cfg.Delays.HumanMinMs)
		mergeInt(sub, "humanMaxMs", &cfg.Delays.HumanMaxMs)
	}
	if sub, ok := raw["safety"].(map[string]any); ok {
		mergeInt(sub, "maxConsecutiveFailures", &cfg.Safety.MaxConsecutiveFailures)
		mergeInt(sub, "maxBreakerTrips", &cfg.Safety.MaxBreakerTrips)
		mergeInt(sub, "notLoggedInLimit", &cfg.Safety.NotLoggedInLimit)
		mergeInt(sub, "resourceClaimBelowPct", &cfg.Safety.ResourceClaimBelowPct)
		mergeInt(sub, "resourceFillTargetPct", &cfg.Safety.ResourceFillTargetPct)
		mergeInt(sub, "buildingRefreshCycles", &cfg.Safety.BuildingRefreshCycles)
	}
	if sub, ok := raw["villages"].(map[string]any); ok {
		for id, v := range sub {
			vm, ok := v.(map[string]any)
			if !ok {
				continue
			}
			vc := VillageConfig{Enabled: true}
			if prev, ok := cfg.Villages[id]; ok {
				vc = prev
			}
			mergeBool(vm, "enabled", &vc.Enabled)
			mergeInt(vm, "maxFieldLevel", &vc.MaxFieldLevel)
			cfg.Villages[id] = vc
		}
	}

	return cfg
}

func mergeBool(m map[string]any, key string, dst *bool) {
	v, ok := m[key]
	if !ok {
		return
	}
	if b, ok := coerceBool(v); ok {
		*dst = b
	}
}

func mergeInt(m map[string]any, key string, dst *int) {
	v, ok := m[key]
	if !ok {
		return
	}
	if n, ok := coerceInt(v); ok {
		*dst = n
	}
}

func mergeString(m map[string]any, key string, dst *string) {
	if s, ok := m[key].(string); ok {
		*dst = s
	}
}

// coerceBool accepts JSON booleans plus the loose encodings the popup has
// historically produced ("true", 1, 0).
func coerceBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes", "on":
			return true, true
		case "false", "0", "no", "off", "":
			return false, true
		}
	case float64:
		return t != 0, true
	}
	return false, false
}

func coerceInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n, true
		}
	}
	return 0, false
}
