package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/traylinx/webrelay/internal/hooks"
)

// HooksCommand represents available hooks subcommands
type HooksCommand string

const (
	HooksList    HooksCommand = "list"
	HooksEnable  HooksCommand = "enable"
	HooksDisable HooksCommand = "disable"
	HooksTest    HooksCommand = "test"
)

// HooksOptions holds the command-line options for hooks commands
type HooksOptions struct {
	Command  HooksCommand
	HookID   string
	Event    string
	Provider string
	Data     string // JSON data for test
	Format   string
	Config   string
	Dir      string
}

// ParseHooksCommand parses command arguments
func ParseHooksCommand(args []string) (*HooksOptions, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("missing subcommand")
	}

	opts := &HooksOptions{Command: HooksCommand(args[0])}
	flagSet := flag.NewFlagSet("hooks", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	flagSet.StringVar(&opts.HookID, "id", "", "Target hook ID")
	flagSet.StringVar(&opts.Event, "event", "", "Event type for test (e.g. request_failed)")
	flagSet.StringVar(&opts.Provider, "provider", "", "Provider of the simulated event")
	flagSet.StringVar(&opts.Data, "data", "{}", "JSON data payload for test")
	flagSet.StringVar(&opts.Format, "format", "table", "Output format (table/json)")
	flagSet.StringVar(&opts.Config, "config", "config.yaml", "Configure File Path")
	flagSet.StringVar(&opts.Dir, "dir", "", "Hooks directory (overrides config)")

	if err := flagSet.Parse(args[1:]); err != nil {
		return nil, err
	}
	return opts, nil
}

func printHooksUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: webrelay hooks <command> [options]")
	fmt.Fprintln(w, "\nCommands:")
	fmt.Fprintln(w, "  list           List all configured hooks")
	fmt.Fprintln(w, "  enable         Enable a hook by ID")
	fmt.Fprintln(w, "  disable        Disable a hook by ID")
	fmt.Fprintln(w, "  test           Test hook conditions against a simulated event")
	fmt.Fprintln(w, "\nOptions:")
	fmt.Fprintln(w, "  --id <str>        Hook ID")
	fmt.Fprintln(w, "  --event <str>     Event type")
	fmt.Fprintln(w, "  --provider <str>  Provider of the simulated event")
	fmt.Fprintln(w, "  --data <json>     Simulated event data (JSON)")
	fmt.Fprintln(w, "  --format <str>    Output format")
	fmt.Fprintln(w, "  --dir <path>      Hooks directory")
	fmt.Fprintln(w, "\nExamples:")
	fmt.Fprintln(w, "  webrelay hooks list --format json")
	fmt.Fprintln(w, "  webrelay hooks disable --id recycle-on-block")
	fmt.Fprintln(w, "  webrelay hooks test --event provider_blocked --provider qwen")
}

// handleHooksCommand runs a hooks subcommand and returns the process exit code.
func handleHooksCommand(args []string, w io.Writer) int {
	opts, err := ParseHooksCommand(args)
	if err != nil {
		fmt.Fprintf(w, "Error: %v\n", err)
		printHooksUsage(w)
		return 2
	}
	if opts.Dir == "" {
		opts.Dir = defaultHooksDir(opts.Config)
	}

	switch opts.Command {
	case HooksList:
		err = doHooksList(w, opts)
	case HooksEnable:
		err = doHooksEnableDisable(w, opts, true)
	case HooksDisable:
		err = doHooksEnableDisable(w, opts, false)
	case HooksTest:
		err = doHooksTest(w, opts)
	default:
		fmt.Fprintf(w, "Unknown command: %s\n", opts.Command)
		printHooksUsage(w)
		return 2
	}
	if err != nil {
		fmt.Fprintf(w, "Error: %v\n", err)
		return 1
	}
	return 0
}

// getHookManager loads the hooks in dir without subscribing to any bus.
func getHookManager(dir string) (*hooks.HookManager, error) {
	manager, err := hooks.NewHookManager(dir, hooks.NewEventBus(1), nil)
	if err != nil {
		return nil, err
	}
	if err := manager.LoadHooks(); err != nil {
		return nil, err
	}
	return manager, nil
}

func sortedHooks(m *hooks.HookManager) []*hooks.Hook {
	all := m.AllHooks()
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}

func doHooksList(w io.Writer, opts *HooksOptions) error {
	manager, err := getHookManager(opts.Dir)
	if err != nil {
		return err
	}

	allHooks := sortedHooks(manager)
	if len(allHooks) == 0 {
		fmt.Fprintln(w, "No hooks configured.")
		fmt.Fprintf(w, "Create hook files in: %s\n", opts.Dir)
		return nil
	}

	if opts.Format == "json" {
		data, err := json.MarshalIndent(allHooks, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))
		return nil
	}

	fmt.Fprintln(w, "Configured Hooks")
	fmt.Fprintln(w, "================")
	fmt.Fprintf(w, "Hooks Directory: %s\n", opts.Dir)
	fmt.Fprintf(w, "Total Hooks: %d\n\n", len(allHooks))

	for i, hook := range allHooks {
		status := "enabled"
		if !hook.Enabled {
			status = "disabled"
		}
		fmt.Fprintf(w, "[%d] %s\n", i+1, hook.Name)
		fmt.Fprintf(w, "    ID: %s\n", hook.ID)
		fmt.Fprintf(w, "    Status: %s\n", status)
		fmt.Fprintf(w, "    Event: %s\n", hook.Event)
		fmt.Fprintf(w, "    Action: %s\n", hook.Action)
		fmt.Fprintf(w, "    Condition: %s\n", hook.Condition)
		if hook.Description != "" {
			fmt.Fprintf(w, "    Description: %s\n", hook.Description)
		}
		if len(hook.Params) > 0 {
			fmt.Fprintf(w, "    Parameters: %v\n", hook.Params)
		}
		fmt.Fprintf(w, "    File: %s\n\n", hook.FilePath)
	}
	return nil
}

func doHooksEnableDisable(w io.Writer, opts *HooksOptions, enable bool) error {
	if opts.HookID == "" {
		return fmt.Errorf("--id required")
	}
	manager, err := getHookManager(opts.Dir)
	if err != nil {
		return err
	}
	hook := manager.GetHook(opts.HookID)
	if hook == nil {
		return fmt.Errorf("hook with ID %q not found", opts.HookID)
	}

	data, err := os.ReadFile(hook.FilePath)
	if err != nil {
		return fmt.Errorf("reading hook file: %w", err)
	}
	var hookData map[string]any
	if err := yaml.Unmarshal(data, &hookData); err != nil {
		return fmt.Errorf("parsing hook file: %w", err)
	}
	hookData["enabled"] = enable

	newData, err := yaml.Marshal(hookData)
	if err != nil {
		return fmt.Errorf("marshaling hook data: %w", err)
	}
	if err := os.WriteFile(hook.FilePath, newData, 0o600); err != nil {
		return fmt.Errorf("writing hook file: %w", err)
	}

	action := "Enabled"
	if !enable {
		action = "Disabled"
	}
	fmt.Fprintf(w, "%s hook '%s' (%s)\n", action, hook.Name, opts.HookID)
	fmt.Fprintf(w, "  File: %s\n", hook.FilePath)
	fmt.Fprintln(w, "  A running server picks the change up automatically")
	return nil
}

// doHooksTest evaluates conditions against a simulated event without running actions.
func doHooksTest(w io.Writer, opts *HooksOptions) error {
	manager, err := getHookManager(opts.Dir)
	if err != nil {
		return err
	}

	evType := hooks.HookEvent(opts.Event)
	if evType == "" {
		evType = hooks.EventRequestFailed
	}
	ev := hooks.NewEvent(evType, opts.Provider, "")
	if err := json.Unmarshal([]byte(opts.Data), &ev.Data); err != nil {
		return fmt.Errorf("parsing data JSON: %w", err)
	}

	fmt.Fprintln(w, "Testing Hooks Against Event")
	fmt.Fprintln(w, "===========================")
	fmt.Fprintf(w, "Event Type: %s\n", evType)
	fmt.Fprintf(w, "Provider: %s\n", opts.Provider)
	fmt.Fprintf(w, "Event Data: %s\n", opts.Data)
	fmt.Fprintf(w, "Timestamp: %s\n\n", ev.Timestamp.Format(time.RFC3339))

	allHooks := sortedHooks(manager)
	if opts.HookID != "" {
		hook := manager.GetHook(opts.HookID)
		if hook == nil {
			return fmt.Errorf("hook with ID %q not found", opts.HookID)
		}
		allHooks = []*hooks.Hook{hook}
	}
	if len(allHooks) == 0 {
		fmt.Fprintln(w, "No hooks configured to test.")
		return nil
	}

	var matched, failed int
	for i, hook := range allHooks {
		fmt.Fprintf(w, "[%d] %s (%s)\n", i+1, hook.Name, hook.ID)
		switch {
		case hook.Event != evType:
			fmt.Fprintf(w, "    Result: event type mismatch (expects %s)\n", hook.Event)
		case !hook.Enabled:
			fmt.Fprintln(w, "    Result: hook is disabled")
		default:
			ok, err := manager.EvaluateCondition(hook, ev)
			switch {
			case err != nil:
				failed++
				fmt.Fprintf(w, "    Result: condition evaluation failed: %v\n", err)
			case ok:
				matched++
				fmt.Fprintf(w, "    Result: would execute action %s\n", hook.Action)
			default:
				fmt.Fprintln(w, "    Result: condition not met")
			}
		}
	}

	fmt.Fprintf(w, "\nTotal Hooks Tested: %d\n", len(allHooks))
	fmt.Fprintf(w, "Matched Hooks: %d\n", matched)
	fmt.Fprintf(w, "Failed Evaluations: %d\n", failed)
	return nil
}
