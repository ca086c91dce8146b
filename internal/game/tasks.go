package game

// TaskType names an automation task the engine knows how to execute.
type TaskType string

const (
	TaskUpgradeResource TaskType = "upgrade_resource"
	TaskUpgradeBuilding TaskType = "upgrade_building"
	TaskBuildNew        TaskType = "build_new"
	TaskTrainTroops     TaskType = "train_troops"
	TaskTrainTraps      TaskType = "train_traps"
	TaskSendFarm        TaskType = "send_farm"
	TaskSendAttack      TaskType = "send_attack"
	TaskHeroAdventure   TaskType = "hero_adventure"
	TaskNavigate        TaskType = "navigate"
	TaskSwitchVillage   TaskType = "switch_village"

	// TaskEmergencyStop is a meta-task: a decision module emits it to
	// demand an immediate emergency stop. It is never enqueued.
	TaskEmergencyStop TaskType = "emergency_stop"
)

// buildTypes are the task types deduplicated by their slot/field/gid target.
var buildTypes = map[TaskType]bool{
	TaskUpgradeResource: true,
	TaskUpgradeBuilding: true,
	TaskBuildNew:        true,
}

// IsBuildType reports whether t is one of the build-like task types.
func IsBuildType(t TaskType) bool { return buildTypes[t] }

// Executor action names understood by the page executor.
const (
	ActionNavigateTo         = "navigateTo"
	ActionClickResourceField = "clickResourceField"
	ActionClickBuildingSlot  = "clickBuildingSlot"
	ActionClickUpgrade       = "clickUpgradeButton"
	ActionClickFarmListTab   = "clickFarmListTab"
	ActionClickBuildTab      = "clickBuildTab"
	ActionBuildNewByGid      = "buildNewByGid"
	ActionTrainTroops        = "trainTroops"
	ActionTrainTraps         = "trainTraps"
	ActionSendFarmList       = "sendFarmList"
	ActionSendAllFarmLists   = "sendAllFarmLists"
	ActionSelectiveFarmSend  = "selectiveFarmSend"
	ActionSendAttack         = "sendAttack"
	ActionSendHeroAdventure  = "sendHeroAdventure"
	ActionUseHeroItem        = "useHeroItem"
	ActionUseHeroItemBulk    = "useHeroItemBulk"
	ActionScanHeroInventory  = "scanHeroInventory"
	ActionSwitchVillage      = "switchVillage"
	ActionScanFarmListSlots  = "scanFarmListSlots"
	ActionAddToFarmList      = "addToFarmList"
)

// Failure reason codes returned by the page executor.
const (
	ReasonSuccess               = "success"
	ReasonNoAdventure           = "no_adventure"
	ReasonHeroUnavailable       = "hero_unavailable"
	ReasonInsufficientResources = "insufficient_resources"
	ReasonQueueFull             = "queue_full"
	ReasonBuildingNotAvailable  = "building_not_available"
	ReasonNoItems               = "no_items"
	ReasonPageMismatch          = "page_mismatch"
	ReasonSlotOccupied          = "slot_occupied"
	ReasonPrerequisites         = "prerequisites_not_met"
	ReasonInputNotFound         = "input_not_found"
	ReasonInputDisabled         = "input_disabled"
	ReasonButtonNotFound        = "button_not_found"
)

// hopelessReasons make retries pointless in the short term: the task is
// forced to max retries and its dedup key gets a reason-specific cooldown.
var hopelessReasons = map[string]bool{
	ReasonNoAdventure:           true,
	ReasonHeroUnavailable:       true,
	ReasonInsufficientResources: true,
	ReasonQueueFull:             true,
	ReasonBuildingNotAvailable:  true,
	ReasonNoItems:               true,
	ReasonPageMismatch:          true,
	ReasonSlotOccupied:          true,
	ReasonPrerequisites:         true,
	ReasonInputNotFound:         true,
	ReasonInputDisabled:         true,
}

// IsHopelessReason reports whether the given failure reason is hopeless.
func IsHopelessReason(reason string) bool { return hopelessReasons[reason] }

// Game pages the engine navigates between.
const (
	PageResources = "dorf1" // resource field overview
	PageVillage   = "dorf2" // building overview
	PageHero      = "hero"  // hero attributes / inventory
)
