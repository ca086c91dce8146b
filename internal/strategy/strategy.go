// Package strategy is the built-in decision module: a rule evaluator that
// turns a scanned game state and the per-server config into task
// proposals. It is deliberately conservative; anything it proposes still
// passes the queue's dedup and the engine's cooldown filter.
package strategy

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/warden-project/warden/internal/engine"
	"github.com/warden-project/warden/internal/game"
	"github.com/warden-project/warden/internal/queue"
)

// Slot numbering: resource fields occupy 1-18, village buildings 19-40.
const lastResourceSlot = 18

// Task priorities used by the rule evaluator, 1 is highest.
const (
	priorityFarm      = 4
	priorityResource  = 5
	priorityBuilding  = 5
	priorityAdventure = 6
	priorityTroops    = 7
)

// RuleDecider implements engine.Decider with a fixed rule set.
type RuleDecider struct {
	logger zerolog.Logger
}

// NewRuleDecider creates the built-in decider.
func NewRuleDecider() *RuleDecider {
	return &RuleDecider{logger: log.With().Str("component", "strategy").Logger()}
}

// Decide evaluates the rules in priority order. Proposals for work that is
// already enqueued are suppressed here so the queue log stays quiet.
func (d *RuleDecider) Decide(state game.State, cfg game.BotConfig, q *queue.Queue) []engine.Proposal {
	var out []engine.Proposal

	if cfg.AutoFarm && d.farmDue(state, cfg) && !q.HasAnyTaskOfType(game.TaskSendFarm) {
		village := state.ActiveVillage()
		villageID := ""
		if village != nil {
			villageID = village.ID
		}
		out = append(out, engine.Proposal{
			Type:      game.TaskSendFarm,
			Priority:  priorityFarm,
			VillageID: villageID,
		})
	}

	if cfg.AutoHeroAdventure && state.Hero.Present && state.Hero.AdventureAvailable &&
		!q.HasAnyTaskOfType(game.TaskHeroAdventure) {
		out = append(out, engine.Proposal{
			Type:     game.TaskHeroAdventure,
			Priority: priorityAdventure,
		})
	}

	for i := range state.Villages {
		v := &state.Villages[i]
		vcfg, hasVcfg := cfg.Villages[v.ID]
		if hasVcfg && !vcfg.Enabled {
			continue
		}
		// A busy construction queue blocks further build work in the
		// village; the game enforces it anyway and the reason would be
		// queue_full.
		busy := len(v.ConstructionQueue) > 0

		if cfg.AutoUpgradeResources && !busy {
			if p, ok := d.proposeResourceUpgrade(v, vcfg, hasVcfg, q); ok {
				out = append(out, p)
			}
		}
		if cfg.AutoUpgradeBuildings && !busy {
			if p, ok := d.proposeBuildingUpgrade(v, q); ok {
				out = append(out, p)
			}
		}
		if cfg.AutoTrainTroops && cfg.Troop.Unit != "" &&
			!q.HasTaskOfType(game.TaskTrainTroops, v.ID) {
			out = append(out, engine.Proposal{
				Type: game.TaskTrainTroops,
				Params: map[string]any{
					"buildingType": cfg.Troop.BuildingType,
					"unit":         cfg.Troop.Unit,
					"amount":       cfg.Troop.BatchSize,
				},
				Priority:  priorityTroops,
				VillageID: v.ID,
			})
		}
	}

	return out
}

func (d *RuleDecider) farmDue(state game.State, cfg game.BotConfig) bool {
	interval := time.Duration(cfg.Farm.IntervalSec) * time.Second
	if interval <= 0 {
		return false
	}
	return state.LastFarmAt.IsZero() || time.Since(state.LastFarmAt) >= interval
}

// proposeResourceUpgrade picks the lowest-level resource field, favouring
// earlier slots on ties.
func (d *RuleDecider) proposeResourceUpgrade(v *game.Village, vcfg game.VillageConfig, hasVcfg bool, q *queue.Queue) (engine.Proposal, bool) {
	maxLevel := 0
	if hasVcfg {
		maxLevel = vcfg.MaxFieldLevel
	}

	var best *game.Building
	for i := range v.Buildings {
		b := &v.Buildings[i]
		if b.Slot > lastResourceSlot || b.UnderConstruction {
			continue
		}
		if maxLevel > 0 && b.Level >= maxLevel {
			continue
		}
		if best == nil || b.Level < best.Level || (b.Level == best.Level && b.Slot < best.Slot) {
			best = b
		}
	}
	if best == nil {
		return engine.Proposal{}, false
	}
	if q.HasTaskOfType(game.TaskUpgradeResource, v.ID) {
		return engine.Proposal{}, false
	}
	return engine.Proposal{
		Type:      game.TaskUpgradeResource,
		Params:    map[string]any{"fieldId": best.Slot},
		Priority:  priorityResource,
		VillageID: v.ID,
	}, true
}

// proposeBuildingUpgrade picks the lowest-level village building.
func (d *RuleDecider) proposeBuildingUpgrade(v *game.Village, q *queue.Queue) (engine.Proposal, bool) {
	var best *game.Building
	for i := range v.Buildings {
		b := &v.Buildings[i]
		if b.Slot <= lastResourceSlot || b.GID == 0 || b.UnderConstruction {
			continue
		}
		if best == nil || b.Level < best.Level || (b.Level == best.Level && b.Slot < best.Slot) {
			best = b
		}
	}
	if best == nil {
		return engine.Proposal{}, false
	}
	if q.HasTaskOfType(game.TaskUpgradeBuilding, v.ID) {
		return engine.Proposal{}, false
	}
	return engine.Proposal{
		Type:      game.TaskUpgradeBuilding,
		Params:    map[string]any{"slot": best.Slot, "gid": best.GID},
		Priority:  priorityBuilding,
		VillageID: v.ID,
	}, true
}
