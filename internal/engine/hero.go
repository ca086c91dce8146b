package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/warden-project/warden/internal/game"
	"github.com/warden-project/warden/internal/queue"
)

const (
	heroClaimCooldown = 5 * time.Minute
	heroFailCooldown  = 2 * time.Minute
)

// resourceDeficit is what one claim wants to transfer, per resource type.
type resourceDeficit map[string]int

// maybeClaimHeroResources runs the proactive claim: when any resource sits
// below the configured threshold of its storage, the hero is home, and the
// claim cooldown has elapsed, transfer hero inventory resources up to the
// fill target. Returns true when a claim ran, short-circuiting the cycle.
func (e *Engine) maybeClaimHeroResources(ctx context.Context, state game.State) bool {
	e.mu.Lock()
	cfg := e.cfg
	coolingUntil := e.heroCooldownUntil
	now := e.now()
	e.mu.Unlock()

	if !cfg.AutoHeroResources || !state.Hero.AtHome || now.Before(coolingUntil) {
		return false
	}
	village := state.ActiveVillage()
	if village == nil || village.Capacity.Warehouse == 0 {
		return false
	}

	belowPct := cfg.Safety.ResourceClaimBelowPct
	targetPct := cfg.Safety.ResourceFillTargetPct
	res, store := village.Resources, village.Capacity

	low := res.Wood*100 < store.Warehouse*belowPct ||
		res.Clay*100 < store.Warehouse*belowPct ||
		res.Iron*100 < store.Warehouse*belowPct ||
		res.Crop*100 < store.Granary*belowPct
	if !low {
		return false
	}

	deficit := resourceDeficit{}
	if d := store.Warehouse*targetPct/100 - res.Wood; d > 0 {
		deficit["wood"] = d
	}
	if d := store.Warehouse*targetPct/100 - res.Clay; d > 0 {
		deficit["clay"] = d
	}
	if d := store.Warehouse*targetPct/100 - res.Iron; d > 0 {
		deficit["iron"] = d
	}
	if d := store.Granary*targetPct/100 - res.Crop; d > 0 {
		deficit["crop"] = d
	}

	e.logger.Info().Interface("deficit", deficit).Msg("resources low, claiming from hero inventory")
	ok := e.claimDeficits(ctx, deficit)
	e.finishClaim(ok)
	return true
}

// claimHeroResourcesForTask is the reactive claim after a build task
// failed with insufficient_resources: the deficit is computed against the
// task's known upgrade cost, or a half-capacity target when unknown.
func (e *Engine) claimHeroResourcesForTask(ctx context.Context, task *queue.Task) bool {
	e.mu.Lock()
	enabled := e.cfg.AutoHeroResources
	targetPct := e.cfg.Safety.ResourceFillTargetPct
	state := e.gameState
	e.mu.Unlock()
	if !enabled || !state.Hero.AtHome {
		return false
	}
	village := state.ActiveVillage()
	if village == nil {
		return false
	}

	deficit := resourceDeficit{}
	if cost, ok := task.Params["cost"].(map[string]any); ok {
		for _, r := range []string{"wood", "clay", "iron", "crop"} {
			need, _ := paramInt(cost, r)
			have := resourceAmount(village.Resources, r)
			if need > have {
				deficit[r] = need - have
			}
		}
	} else {
		res, store := village.Resources, village.Capacity
		if d := store.Warehouse*targetPct/100 - res.Wood; d > 0 {
			deficit["wood"] = d
		}
		if d := store.Warehouse*targetPct/100 - res.Clay; d > 0 {
			deficit["clay"] = d
		}
		if d := store.Warehouse*targetPct/100 - res.Iron; d > 0 {
			deficit["iron"] = d
		}
		if d := store.Granary*targetPct/100 - res.Crop; d > 0 {
			deficit["crop"] = d
		}
	}
	if len(deficit) == 0 {
		return false
	}

	e.logger.Info().Int64("task", task.ID).Interface("deficit", deficit).Msg("claiming hero resources for starved task")
	ok := e.claimDeficits(ctx, deficit)
	e.finishClaim(ok)
	return ok
}

func resourceAmount(r game.Resources, name string) int {
	switch name {
	case "wood":
		return r.Wood
	case "clay":
		return r.Clay
	case "iron":
		return r.Iron
	case "crop":
		return r.Crop
	}
	return 0
}

func (e *Engine) finishClaim(ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ok {
		e.stats.HeroClaims++
		e.heroCooldownUntil = e.now().Add(heroClaimCooldown)
	} else {
		e.heroCooldownUntil = e.now().Add(heroFailCooldown)
	}
}

// claimDeficits performs the transfer sequence: navigate to the hero
// inventory, scan items, then either one bulk transfer (inventory UI
// version 2) or a per-type loop (version 1). Returns whether anything was
// transferred.
func (e *Engine) claimDeficits(ctx context.Context, deficit resourceDeficit) bool {
	if len(deficit) == 0 {
		return false
	}
	if resp, ok := e.navigateAndVerify(ctx, game.PageHero); !ok {
		e.logger.Warn().Str("reason", resp.Reason).Msg("could not reach hero inventory")
		return false
	}

	resp, err := e.exec.Execute(ctx, game.ActionScanHeroInventory, nil)
	if err != nil || !resp.Success {
		e.logger.Warn().Err(err).Msg("hero inventory scan failed")
		return false
	}
	var inv game.HeroInventory
	if err := json.Unmarshal(resp.Data, &inv); err != nil {
		e.logger.Warn().Err(err).Msg("hero inventory scan returned malformed data")
		return false
	}

	available := map[string]int{}
	for _, item := range inv.Items {
		available[item.Type] += item.Amount
	}

	if inv.UIVersion == 2 {
		var transfers []map[string]any
		for res, want := range deficit {
			amount := min(want, available[res])
			if amount > 0 {
				transfers = append(transfers, map[string]any{"type": res, "amount": amount})
			}
		}
		if len(transfers) == 0 {
			return false
		}
		resp, err := e.exec.Execute(ctx, game.ActionUseHeroItemBulk, map[string]any{"transfers": transfers})
		if err != nil || !resp.Success {
			return false
		}
		e.ring.Info("hero resources claimed (bulk)", map[string]any{"transfers": len(transfers)})
		return true
	}

	claimed := false
	for res, want := range deficit {
		amount := min(want, available[res])
		if amount <= 0 {
			continue
		}
		resp, err := e.exec.Execute(ctx, game.ActionUseHeroItem, map[string]any{"type": res, "amount": amount})
		if err != nil {
			e.logger.Warn().Err(err).Str("resource", res).Msg("hero item use errored")
			continue
		}
		if resp.Success {
			claimed = true
		}
		e.humanDelay()
	}
	if claimed {
		e.ring.Info("hero resources claimed", nil)
	}
	return claimed
}
