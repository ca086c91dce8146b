package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/warden-project/warden/internal/bridge"
	"github.com/warden-project/warden/internal/engine"
	"github.com/warden-project/warden/internal/events"
	"github.com/warden-project/warden/internal/game"
	"github.com/warden-project/warden/internal/manager"
	"github.com/warden-project/warden/internal/storage"
)

// CommandType enumerates the operator/page command set.
type CommandType string

const (
	CmdGetServers      CommandType = "GET_SERVERS"
	CmdGetStatus       CommandType = "GET_STATUS"
	CmdStartBot        CommandType = "START_BOT"
	CmdStopBot         CommandType = "STOP_BOT"
	CmdPauseBot        CommandType = "PAUSE_BOT"
	CmdResumeBot       CommandType = "RESUME_BOT"
	CmdEmergencyStop   CommandType = "EMERGENCY_STOP"
	CmdSaveConfig      CommandType = "SAVE_CONFIG"
	CmdGetLogs         CommandType = "GET_LOGS"
	CmdGetQueue        CommandType = "GET_QUEUE"
	CmdAddTask         CommandType = "ADD_TASK"
	CmdRemoveTask      CommandType = "REMOVE_TASK"
	CmdClearQueue      CommandType = "CLEAR_QUEUE"
	CmdGetStrategy     CommandType = "GET_STRATEGY"
	CmdGetFarmIntel    CommandType = "GET_FARM_INTEL"
	CmdRequestScan     CommandType = "REQUEST_SCAN"
	CmdFarmListAPICall CommandType = "FARM_LIST_API_CALL"
	CmdSwitchVillage   CommandType = "SWITCH_VILLAGE"
	CmdContentReady    CommandType = "CONTENT_READY"
	CmdScanFarmTargets CommandType = "SCAN_FARM_TARGETS"
)

// Command is one external request. Operator-originated commands carry an
// explicit ServerKey; page-originated ones carry the TabID they came from
// plus the page URL as a fallback for first contact.
type Command struct {
	Type      CommandType    `json:"type"`
	ServerKey string         `json:"serverKey,omitempty"`
	TabID     int            `json:"tabId,omitempty"`
	URL       string         `json:"url,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Response is the uniform command result.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func ok(data any) Response        { return Response{Success: true, Data: data} }
func fail(err error) Response     { return Response{Success: false, Error: err.Error()} }
func failf(f string, a ...any) Response {
	return Response{Success: false, Error: fmt.Sprintf(f, a...)}
}

func errNoTab(serverKey string) error {
	return fmt.Errorf("no tab bound to %s", serverKey)
}

func errTabGone(serverKey string, tabID int) error {
	return fmt.Errorf("tab %d bound to %s has no executor attached", tabID, serverKey)
}

// Handle resolves a command to an instance and executes it. Errors come
// back as {success:false, error}; nothing is thrown past this boundary.
func (s *Supervisor) Handle(ctx context.Context, cmd Command) Response {
	switch cmd.Type {
	case CmdGetServers:
		return s.handleGetServers()
	case CmdContentReady:
		return s.handleContentReady(ctx, cmd)
	}

	inst := s.resolveInstance(cmd)
	if inst == nil {
		return failf("unknown server for command %s", cmd.Type)
	}

	switch cmd.Type {
	case CmdGetStatus:
		return ok(inst.Engine.Status())
	case CmdStartBot:
		if err := s.StartInstance(ctx, inst.ServerKey); err != nil {
			return fail(err)
		}
		return ok(inst.Engine.Status())
	case CmdStopBot:
		if err := inst.Engine.Stop(); err != nil {
			return fail(err)
		}
		return ok(inst.Engine.Status())
	case CmdPauseBot:
		if err := inst.Engine.Pause(); err != nil {
			return fail(err)
		}
		return ok(inst.Engine.Status())
	case CmdResumeBot:
		if err := inst.Engine.Resume(); err != nil {
			return fail(err)
		}
		return ok(inst.Engine.Status())
	case CmdEmergencyStop:
		reason := "Operator emergency stop"
		if r, ok := cmd.Payload["reason"].(string); ok && r != "" {
			reason = r
		}
		inst.Engine.EmergencyStop(reason)
		return ok(inst.Engine.Status())
	case CmdSaveConfig:
		return s.handleSaveConfig(inst.ServerKey, cmd)
	case CmdGetLogs:
		return ok(s.ring.EntriesFor(inst.ServerKey))
	case CmdGetQueue:
		return ok(inst.Engine.Queue().GetAll())
	case CmdAddTask:
		return s.handleAddTask(inst, cmd)
	case CmdRemoveTask:
		id, ok := payloadInt64(cmd.Payload, "id")
		if !ok {
			return failf("missing task id")
		}
		if !inst.Engine.Queue().Remove(id) {
			return failf("no task with id %d", id)
		}
		return Response{Success: true}
	case CmdClearQueue:
		inst.Engine.Queue().Clear()
		return Response{Success: true}
	case CmdGetStrategy:
		return s.handleGetStrategy(inst.ServerKey)
	case CmdGetFarmIntel:
		return s.handleGetFarmIntel(inst.ServerKey)
	case CmdRequestScan:
		return s.handleRequestScan(ctx, inst)
	case CmdFarmListAPICall:
		return s.handleFarmListAPICall(ctx, inst.ServerKey, cmd)
	case CmdSwitchVillage:
		villageID, _ := cmd.Payload["villageId"].(string)
		if villageID == "" {
			return failf("missing villageId")
		}
		id := inst.Engine.Queue().Add(game.TaskSwitchVillage,
			map[string]any{"villageId": villageID}, 1, villageID, time.Time{})
		return ok(map[string]any{"taskId": id})
	case CmdScanFarmTargets:
		return s.handleScanFarmTargets(ctx, inst)
	default:
		return failf("unknown command %q", cmd.Type)
	}
}

// resolveInstance maps a command to its instance: by tab for
// page-originated requests (falling back to the URL's server key on first
// contact, binding the tab), by explicit server key for operator requests.
func (s *Supervisor) resolveInstance(cmd Command) *manager.Instance {
	if cmd.TabID > 0 {
		if inst := s.mgr.GetByTab(cmd.TabID); inst != nil {
			return inst
		}
		if cmd.URL != "" {
			key := game.ServerKeyFromURL(cmd.URL)
			inst := s.mgr.GetOrCreate(key)
			if inst.TabID() < 0 {
				s.bind(inst, events.TabPayload{TabID: cmd.TabID, URL: cmd.URL, ServerKey: key})
			}
			return inst
		}
	}
	if cmd.ServerKey != "" {
		return s.mgr.GetOrCreate(cmd.ServerKey)
	}
	return nil
}

// executorFor builds a bridge over the instance's bound tab, or nil when
// no executor is attached there.
func (s *Supervisor) executorFor(inst *manager.Instance) engine.Executor {
	tabID := inst.TabID()
	if tabID < 0 {
		return nil
	}
	transport, ok := s.tabs.Transport(tabID)
	if !ok {
		return nil
	}
	return bridge.New(transport, s.logger)
}

func (s *Supervisor) handleGetServers() Response {
	reg, err := s.store.LoadRegistry()
	if err != nil {
		return fail(err)
	}
	type serverInfo struct {
		ServerKey string    `json:"serverKey"`
		Label     string    `json:"label,omitempty"`
		LastUsed  time.Time `json:"lastUsedAt"`
		Running   bool      `json:"running"`
		TabID     int       `json:"tabId"`
	}
	var out []serverInfo
	seen := map[string]bool{}
	for key, entry := range reg.Servers {
		info := serverInfo{ServerKey: key, Label: entry.Label, LastUsed: entry.LastUsedAt, TabID: -1}
		if inst := s.mgr.Get(key); inst != nil {
			info.Running = inst.Engine.Running()
			info.TabID = inst.TabID()
		}
		out = append(out, info)
		seen[key] = true
	}
	for _, inst := range s.mgr.List() {
		if !seen[inst.ServerKey] {
			out = append(out, serverInfo{
				ServerKey: inst.ServerKey,
				Running:   inst.Engine.Running(),
				TabID:     inst.TabID(),
			})
		}
	}
	return ok(out)
}

func (s *Supervisor) handleContentReady(ctx context.Context, cmd Command) Response {
	serverKey := cmd.ServerKey
	if serverKey == "" {
		serverKey = game.ServerKeyFromURL(cmd.URL)
	}
	s.bus.Emit(ctx, events.Event{
		Type:   events.EventTabUpdated,
		Source: "supervisor",
		Payload: events.TabPayload{
			TabID: cmd.TabID, URL: cmd.URL, ServerKey: serverKey,
		},
	})
	return Response{Success: true}
}

func (s *Supervisor) handleSaveConfig(serverKey string, cmd Command) Response {
	raw, _ := cmd.Payload["config"].(map[string]any)
	if raw == nil {
		return failf("missing config payload")
	}
	cfg := game.MergeBotConfig(raw)
	if err := s.store.SaveBotConfig(serverKey, cfg); err != nil {
		return fail(err)
	}
	if inst := s.mgr.Get(serverKey); inst != nil {
		inst.Engine.SetConfig(cfg)
	}
	s.bus.Emit(context.Background(), events.Event{
		Type: events.EventConfigChanged, Source: "supervisor", Payload: serverKey,
	})
	return Response{Success: true}
}

func (s *Supervisor) handleAddTask(inst *manager.Instance, cmd Command) Response {
	taskType, _ := cmd.Payload["type"].(string)
	if taskType == "" {
		return failf("missing task type")
	}
	params, _ := cmd.Payload["params"].(map[string]any)
	priority := 5
	if p, ok := payloadInt(cmd.Payload, "priority"); ok {
		priority = p
	}
	villageID, _ := cmd.Payload["villageId"].(string)

	id := inst.Engine.Queue().Add(game.TaskType(taskType), params, priority, villageID, time.Time{})
	if id == 0 {
		return ok(map[string]any{"taskId": nil, "deduplicated": true})
	}
	return ok(map[string]any{"taskId": id})
}

func (s *Supervisor) handleGetStrategy(serverKey string) Response {
	cfg, err := s.store.LoadBotConfig(serverKey)
	if err != nil {
		return fail(err)
	}
	return ok(map[string]any{
		"decider": "rules",
		"rules": map[string]bool{
			"upgradeResources": cfg.AutoUpgradeResources,
			"upgradeBuildings": cfg.AutoUpgradeBuildings,
			"trainTroops":      cfg.AutoTrainTroops,
			"sendFarm":         cfg.AutoFarm,
			"heroAdventure":    cfg.AutoHeroAdventure,
			"heroResources":    cfg.AutoHeroResources,
		},
	})
}

func (s *Supervisor) handleGetFarmIntel(serverKey string) Response {
	var intel map[string]any
	if _, err := s.store.Get(storage.FarmIntelKey(serverKey), &intel); err != nil {
		return fail(err)
	}
	return ok(intel)
}

// handleRequestScan drives a full two-page scan from the supervisor:
// resource overview first, then the village view, merged into one state.
func (s *Supervisor) handleRequestScan(ctx context.Context, inst *manager.Instance) Response {
	exec := s.executorFor(inst)
	if exec == nil {
		return fail(errNoTab(inst.ServerKey))
	}

	if _, err := exec.Execute(ctx, game.ActionNavigateTo, map[string]any{"page": game.PageResources}); err != nil {
		return fail(err)
	}
	if err := exec.WaitForContentScript(ctx, 15*time.Second); err != nil {
		return fail(err)
	}
	resourceState, err := exec.Scan(ctx)
	if err != nil {
		return fail(err)
	}

	if _, err := exec.Execute(ctx, game.ActionNavigateTo, map[string]any{"page": game.PageVillage}); err != nil {
		return fail(err)
	}
	if err := exec.WaitForContentScript(ctx, 15*time.Second); err != nil {
		return fail(err)
	}
	villageState, err := exec.Scan(ctx)
	if err != nil {
		return fail(err)
	}

	// Merge building-level data into the resource snapshot.
	for i := range resourceState.Villages {
		for _, v := range villageState.Villages {
			if v.ID != resourceState.Villages[i].ID {
				continue
			}
			if len(v.Buildings) > 0 {
				resourceState.Villages[i].Buildings = v.Buildings
			}
			if len(v.ConstructionQueue) > 0 {
				resourceState.Villages[i].ConstructionQueue = v.ConstructionQueue
			}
		}
	}
	return ok(resourceState)
}

func (s *Supervisor) handleScanFarmTargets(ctx context.Context, inst *manager.Instance) Response {
	exec := s.executorFor(inst)
	if exec == nil {
		return fail(errNoTab(inst.ServerKey))
	}
	resp, err := exec.Execute(ctx, game.ActionScanFarmListSlots, nil)
	if err != nil {
		return fail(err)
	}
	if !resp.Success {
		return failf("farm target scan failed: %s", resp.Error)
	}
	var intel map[string]any
	_ = json.Unmarshal(resp.Data, &intel)
	if intel != nil {
		intel["scannedAt"] = time.Now()
		if err := s.store.Set(storage.FarmIntelKey(inst.ServerKey), intel); err != nil {
			s.logger.Warn().Err(err).Msg("failed to persist farm intel")
		}
	}
	return ok(intel)
}

// handleFarmListAPICall performs a page-level API POST using the browser
// session cookies. The X-Version header is an opaque pass-through from
// config; when unset it is omitted entirely.
func (s *Supervisor) handleFarmListAPICall(ctx context.Context, serverKey string, cmd Command) Response {
	if s.cookies == nil {
		return failf("no cookie source configured")
	}
	path, _ := cmd.Payload["path"].(string)
	if path == "" {
		return failf("missing api path")
	}
	body, _ := cmd.Payload["body"].(string)

	cookies, err := s.cookies.Cookies(serverKey)
	if err != nil {
		return fail(err)
	}

	url := "https://" + serverKey + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		return fail(err)
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	cfg, _ := s.store.LoadBotConfig(serverKey)
	if cfg.Farm.APIVersion != "" {
		req.Header.Set("X-Version", cfg.Farm.APIVersion)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fail(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fail(err)
	}
	return ok(map[string]any{
		"status": resp.StatusCode,
		"body":   string(data),
	})
}

func payloadInt(m map[string]any, key string) (int, bool) {
	switch v := m[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

func payloadInt64(m map[string]any, key string) (int64, bool) {
	switch v := m[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	}
	return 0, false
}

