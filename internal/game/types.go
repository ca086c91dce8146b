// Package game defines the shared vocabulary of the automation core:
// game-state records scanned from the page, task and action names,
// failure reason codes, and the per-server bot configuration.
//
// The page executor reports loosely-structured JSON; every field that the
// page may omit is explicitly optional here and validated at the boundary
// (invalid input is logged and dropped, never thrown).
package game

import "time"

// Resources holds the four resource amounts of a village.
type Resources struct {
	Wood int `json:"wood"`
	Clay int `json:"clay"`
	Iron int `json:"iron"`
	Crop int `json:"crop"`
}

// Capacity holds the storage limits of a village. Warehouse caps wood,
// clay and iron; granary caps crop.
type Capacity struct {
	Warehouse int `json:"warehouse"`
	Granary   int `json:"granary"`
}

// Building is one building slot as reported by a village scan.
// Resource fields occupy slots 1-18, village buildings 19-40.
type Building struct {
	Slot              int  `json:"slot"`
	GID               int  `json:"gid"`
	Level             int  `json:"level"`
	UnderConstruction bool `json:"underConstruction,omitempty"`
}

// ConstructionEntry is one item of a village construction queue.
type ConstructionEntry struct {
	Slot     int       `json:"slot"`
	GID      int       `json:"gid"`
	Level    int       `json:"level"`
	DoneAt   time.Time `json:"doneAt,omitempty"`
	Building string    `json:"building,omitempty"`
}

// Village is one village of the account.
type Village struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Active    bool       `json:"active,omitempty"`
	Resources Resources  `json:"resources"`
	Capacity  Capacity   `json:"capacity"`
	Buildings []Building `json:"buildings,omitempty"`

	ConstructionQueue []ConstructionEntry `json:"constructionQueue,omitempty"`
}

// Hero is the hero status as reported by a scan.
type Hero struct {
	Present            bool `json:"present,omitempty"`
	AtHome             bool `json:"atHome,omitempty"`
	Health             int  `json:"health,omitempty"`
	AdventureAvailable bool `json:"adventureAvailable,omitempty"`
}

// HeroItem is one inventory item from a hero inventory scan.
type HeroItem struct {
	Type   string `json:"type"`   // e.g. "wood", "clay", "iron", "crop"
	Amount int    `json:"amount"`
	Slot   int    `json:"slot,omitempty"`
}

// HeroInventory is the result of a scanHeroInventory action.
type HeroInventory struct {
	Items     []HeroItem `json:"items"`
	UIVersion int        `json:"uiVersion,omitempty"` // 2 supports bulk transfer
}

// State is a snapshot of the game as observed by one SCAN.
type State struct {
	LoggedIn      bool      `json:"loggedIn"`
	Captcha       bool      `json:"captcha,omitempty"`
	ServerVersion string    `json:"serverVersion,omitempty"`
	Page          string    `json:"page,omitempty"`
	Villages      []Village `json:"villages,omitempty"`
	Hero          Hero      `json:"hero"`

	// LastFarmAt is injected by the engine before handing the state to the
	// decision module; the page never reports it.
	LastFarmAt time.Time `json:"lastFarmAt,omitempty"`
}

// ActiveVillage returns the currently selected village, or nil.
func (s *State) ActiveVillage() *Village {
	for i := range s.Villages {
		if s.Villages[i].Active {
			return &s.Villages[i]
		}
	}
	if len(s.Villages) > 0 {
		return &s.Villages[0]
	}
	return nil
}

// VillageByID returns the village with the given id, or nil.
func (s *State) VillageByID(id string) *Village {
	for i := range s.Villages {
		if s.Villages[i].ID == id {
			return &s.Villages[i]
		}
	}
	return nil
}

// Stats accumulates per-engine counters that survive restarts.
type Stats struct {
	CyclesRun       int       `json:"cycles_run"`
	TasksCompleted  int       `json:"tasks_completed"`
	TasksFailed     int       `json:"tasks_failed"`
	ScansFailed     int       `json:"scans_failed"`
	EmergencyStops  int       `json:"emergency_stops"`
	LastCycleAt     time.Time `json:"last_cycle_at,omitempty"`
	LastTaskAt      time.Time `json:"last_task_at,omitempty"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	HeroClaims      int       `json:"hero_claims"`
	BreakerTrips    int       `json:"breaker_trips"`
}
