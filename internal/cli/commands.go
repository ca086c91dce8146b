// Package cli implements the interactive console for Warden: live bot
// status, lifecycle commands and queue inspection per game server.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/warden-project/warden/internal/config"
	"github.com/warden-project/warden/internal/events"
	"github.com/warden-project/warden/internal/logging"
	"github.com/warden-project/warden/internal/manager"
	"github.com/warden-project/warden/internal/supervisor"
)

// CLI provides the interactive console.
type CLI struct {
	cfg *config.Config
	bus *events.Bus
	sup *supervisor.Supervisor
}

// NewCLI creates a new CLI handler.
func NewCLI(cfg *config.Config, bus *events.Bus, sup *supervisor.Supervisor) *CLI {
	return &CLI{
		cfg: cfg,
		bus: bus,
		sup: sup,
	}
}

// Start begins the interactive CLI loop, returning when the context is
// cancelled or stdin closes.
func (c *CLI) Start(ctx context.Context) {
	fmt.Println("\nWarden CLI ready. Type 'help' for available commands.")
	fmt.Println("─────────────────────────────────────────────────────")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		fmt.Print("warden> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}

			parts := strings.Fields(line)
			cmd := strings.ToLower(parts[0])
			args := parts[1:]

			if err := c.execute(ctx, cmd, args); err != nil {
				fmt.Printf("Error: %v\n", err)
			}
		}
	}
}

// execute processes a single CLI command.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus(args)
	case "start":
		return c.lifecycle(ctx, supervisor.CmdStartBot, args, "started")
	case "stop":
		return c.lifecycle(ctx, supervisor.CmdStopBot, args, "stopped")
	case "pause":
		return c.lifecycle(ctx, supervisor.CmdPauseBot, args, "paused")
	case "resume":
		return c.lifecycle(ctx, supervisor.CmdResumeBot, args, "resumed")
	case "emergency":
		return c.cmdEmergency(ctx, args)
	case "queue":
		return c.printQueue(args)
	case "logs":
		return c.printLogs(ctx, args)
	case "clearqueue":
		return c.cmdClearQueue(ctx, args)
	case "quit", "exit", "q":
		fmt.Println("Shutting down Warden...")
		c.bus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
	default:
		fmt.Printf("Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

// printHelp displays available commands.
func (c *CLI) printHelp() {
	fmt.Println("\n╔══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      Warden CLI Commands                     ║")
	fmt.Println("╠══════════════════════════════════════════════════════════════╣")
	fmt.Println("║  status [server]    Show status of all or one bot            ║")
	fmt.Println("║  start <server>     Start a bot                              ║")
	fmt.Println("║  stop <server>      Stop a bot                               ║")
	fmt.Println("║  pause <server>     Pause a running bot                      ║")
	fmt.Println("║  resume <server>    Resume a paused bot                      ║")
	fmt.Println("║  emergency <server> [reason]  Emergency-stop a bot           ║")
	fmt.Println("║  queue <server>     Show a bot's task queue                  ║")
	fmt.Println("║  clearqueue <server>  Clear a bot's task queue               ║")
	fmt.Println("║  logs <server>      Show a bot's recent log entries          ║")
	fmt.Println("║  quit               Shutdown Warden                          ║")
	fmt.Println("║  help               Show this help message                   ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
	fmt.Println()
}

// printStatus displays bot status in a formatted table.
func (c *CLI) printStatus(args []string) {
	instances := c.sup.Manager().List()
	sort.Slice(instances, func(i, j int) bool {
		return instances[i].ServerKey < instances[j].ServerKey
	})

	if len(args) > 0 {
		for _, inst := range instances {
			if inst.ServerKey == args[0] {
				c.printInstanceDetail(inst)
				return
			}
		}
		fmt.Printf("No instance for server %s\n", args[0])
		return
	}

	if len(instances) == 0 {
		fmt.Println("No bot instances yet. Instances appear when a game tab connects.")
		return
	}

	fmt.Println()
	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"Server", "State", "Tab", "Actions/h", "Pending", "Done", "Failed"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, inst := range instances {
		st := inst.Engine.Status()

		tab := "-"
		if st.TabID >= 0 {
			tab = strconv.Itoa(st.TabID)
		}
		state := string(st.State)
		if st.Emergency {
			state = "EMERGENCY"
		}

		tw.Append([]string{
			st.ServerKey,
			state,
			tab,
			strconv.Itoa(st.ActionsThisHour),
			strconv.Itoa(st.PendingTasks),
			strconv.Itoa(st.Stats.TasksCompleted),
			strconv.Itoa(st.Stats.TasksFailed),
		})
	}

	tw.Render()
	fmt.Println()
}

// printInstanceDetail prints detailed info for a single bot.
func (c *CLI) printInstanceDetail(inst *manager.Instance) {
	st := inst.Engine.Status()

	fmt.Printf("\n  Server:          %s\n", st.ServerKey)
	fmt.Printf("  State:           %s\n", st.State)
	fmt.Printf("  Running:         %v\n", st.Running)
	fmt.Printf("  Paused:          %v\n", st.Paused)
	fmt.Printf("  Tab:             %d\n", st.TabID)
	fmt.Printf("  Cycle counter:   %d\n", st.CycleCounter)
	fmt.Printf("  Actions/hour:    %d\n", st.ActionsThisHour)
	fmt.Printf("  Pending tasks:   %d\n", st.PendingTasks)
	fmt.Printf("  Tasks completed: %d\n", st.Stats.TasksCompleted)
	fmt.Printf("  Tasks failed:    %d\n", st.Stats.TasksFailed)
	fmt.Printf("  Scans failed:    %d\n", st.Stats.ScansFailed)
	fmt.Printf("  Hero claims:     %d\n", st.Stats.HeroClaims)
	if st.Emergency {
		fmt.Printf("  EMERGENCY:       %s\n", st.EmergencyReason)
	}
	if !st.Stats.StartedAt.IsZero() {
		fmt.Printf("  First started:   %s\n", st.Stats.StartedAt.Format(time.RFC3339))
	}
	fmt.Println()
}

// lifecycle sends a start/stop/pause/resume command for one server.
func (c *CLI) lifecycle(ctx context.Context, cmdType supervisor.CommandType, args []string, verb string) error {
	serverKey, err := serverArg(args)
	if err != nil {
		return err
	}

	resp := c.sup.Handle(ctx, supervisor.Command{Type: cmdType, ServerKey: serverKey})
	if !resp.Success {
		return fmt.Errorf("%s", resp.Error)
	}
	fmt.Printf("Bot %s on %s\n", verb, serverKey)
	return nil
}

func (c *CLI) cmdEmergency(ctx context.Context, args []string) error {
	serverKey, err := serverArg(args)
	if err != nil {
		return err
	}
	reason := "Operator emergency stop"
	if len(args) > 1 {
		reason = strings.Join(args[1:], " ")
	}

	resp := c.sup.Handle(ctx, supervisor.Command{
		Type:      supervisor.CmdEmergencyStop,
		ServerKey: serverKey,
		Payload:   map[string]any{"reason": reason},
	})
	if !resp.Success {
		return fmt.Errorf("%s", resp.Error)
	}
	fmt.Printf("Emergency stop issued for %s: %s\n", serverKey, reason)
	return nil
}

func (c *CLI) printQueue(args []string) error {
	serverKey, err := serverArg(args)
	if err != nil {
		return err
	}
	inst := c.sup.Manager().Get(serverKey)
	if inst == nil {
		return fmt.Errorf("no instance for server %s", serverKey)
	}

	tasks := inst.Engine.Queue().GetAll()
	if len(tasks) == 0 {
		fmt.Println("Queue is empty")
		return nil
	}

	fmt.Println()
	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"ID", "Type", "Village", "Prio", "Status", "Retries", "Scheduled"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, t := range tasks {
		scheduled := "-"
		if !t.ScheduledFor.IsZero() {
			scheduled = t.ScheduledFor.Format("15:04:05")
		}
		tw.Append([]string{
			strconv.FormatInt(t.ID, 10),
			string(t.Type),
			t.VillageID,
			strconv.Itoa(t.Priority),
			string(t.Status),
			fmt.Sprintf("%d/%d", t.Retries, t.MaxRetries),
			scheduled,
		})
	}

	tw.Render()
	fmt.Println()
	return nil
}

func (c *CLI) cmdClearQueue(ctx context.Context, args []string) error {
	serverKey, err := serverArg(args)
	if err != nil {
		return err
	}
	resp := c.sup.Handle(ctx, supervisor.Command{
		Type:      supervisor.CmdClearQueue,
		ServerKey: serverKey,
	})
	if !resp.Success {
		return fmt.Errorf("%s", resp.Error)
	}
	fmt.Printf("Queue cleared for %s\n", serverKey)
	return nil
}

func (c *CLI) printLogs(ctx context.Context, args []string) error {
	serverKey, err := serverArg(args)
	if err != nil {
		return err
	}
	resp := c.sup.Handle(ctx, supervisor.Command{
		Type:      supervisor.CmdGetLogs,
		ServerKey: serverKey,
	})
	if !resp.Success {
		return fmt.Errorf("%s", resp.Error)
	}

	entries, ok := resp.Data.([]logging.Entry)
	if !ok {
		fmt.Printf("%v\n", resp.Data)
		return nil
	}
	for _, e := range entries {
		fmt.Printf("%s [%s] %s\n", e.Timestamp, e.Level, e.Message)
	}
	return nil
}

func serverArg(args []string) (string, error) {
	if len(args) < 1 {
		return "", fmt.Errorf("server key required")
	}
	return args[0], nil
}
