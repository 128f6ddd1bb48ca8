package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/plughost/internal/config"
	"github.com/mattjoyce/plughost/internal/credentials"
	"github.com/mattjoyce/plughost/internal/log"
	"github.com/mattjoyce/plughost/internal/plugin"
	"github.com/mattjoyce/plughost/internal/storage"
	"github.com/mattjoyce/plughost/internal/supervisor"
)

func runPluginNoun(args []string) int {
	if len(args) < 1 {
		printPluginNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printPluginNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: plughost plugin list [--config PATH] [--json]")
			fmt.Println("Show discovered plugins with their declared tools.")
			return 0
		}
		return runPluginList(actionArgs)
	case "tools":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: plughost plugin tools <name> [--config PATH]")
			fmt.Println("Start the plugin, print its tools/list result, then stop it.")
			return 0
		}
		return runPluginTools(actionArgs)
	case "call":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: plughost plugin call <name> <tool> [--args JSON] [--timeout DURATION] [--config PATH]")
			fmt.Println("Start the plugin, call one tool, print the JSON result, then stop it.")
			return 0
		}
		return runPluginCall(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown plugin action: %s\n", action)
		return 1
	}
}

func printPluginNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: plughost plugin <action>")
	fmt.Fprintln(w, "Actions: list, tools, call")
}

type pluginSummary struct {
	Name        string   `json:"name"`
	Version     string   `json:"version,omitempty"`
	Description string   `json:"description,omitempty"`
	Path        string   `json:"path"`
	Enabled     bool     `json:"enabled"`
	Autostart   bool     `json:"autostart"`
	Tools       []string `json:"tools"`
	Fingerprint string   `json:"fingerprint"`
}

func runPluginList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)

	registry, err := discoverPlugins(cfg, log.WithComponent("discovery"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	summaries := make([]pluginSummary, 0, len(registry.All()))
	for _, name := range registry.Names() {
		p, _ := registry.Get(name)
		pc := cfg.Plugin(name)
		tools := make([]string, 0, len(p.Tools))
		for _, t := range p.Tools {
			tools = append(tools, t.Name)
		}
		summaries = append(summaries, pluginSummary{
			Name:        p.Name,
			Version:     p.Version,
			Description: p.Description,
			Path:        p.Path,
			Enabled:     pc.IsEnabled(),
			Autostart:   pc.Autostart,
			Tools:       tools,
			Fingerprint: p.Fingerprint,
		})
	}

	if *jsonOut {
		return printJSON(summaries)
	}

	if len(summaries) == 0 {
		fmt.Println("No plugins discovered.")
		return 0
	}
	for _, s := range summaries {
		state := "enabled"
		if !s.Enabled {
			state = "disabled"
		} else if s.Autostart {
			state = "autostart"
		}
		fmt.Printf("%-20s %-10s %-9s %s\n", s.Name, s.Version, state, strings.Join(s.Tools, ","))
	}
	return 0
}

// localSession runs a supervisor for a single CLI invocation.
type localSession struct {
	mgr  *supervisor.Manager
	desc *plugin.Plugin
	stop func()
}

func openLocalSession(ctx context.Context, cfg *config.Config, name string) (*localSession, error) {
	logger := log.WithComponent("cli")
	registry, err := discoverPlugins(cfg, logger)
	if err != nil {
		return nil, err
	}
	desc, ok := registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("plugin %q: %w", name, supervisor.ErrUnknownPlugin)
	}
	if !cfg.Plugin(name).IsEnabled() {
		return nil, &supervisor.ConfigurationError{Plugin: name, Reason: "plugin is disabled in config"}
	}

	providers := credentials.Chain{credentials.NewConfigProvider(cfg)}
	closeDB := func() {}
	if db, err := storage.OpenSQLite(ctx, cfg.State.Path); err != nil {
		logger.Warn("credential store unavailable", "path", cfg.State.Path, "error", err)
	} else {
		providers = append(providers, credentials.NewStore(db))
		closeDB = func() { _ = db.Close() }
	}

	cfgSup := cfg.Supervisor
	// One-shot invocations should not loop on crashes.
	cfgSup.MaxRestartAttempts = -1
	mgr := supervisor.New(registry, providers, cfgSup, supervisor.WithCallTimeouts(cfg.CallTimeoutFor))

	return &localSession{
		mgr:  mgr,
		desc: desc,
		stop: func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Supervisor.StopGrace+time.Second)
			defer cancel()
			_ = mgr.StopAll(stopCtx)
			closeDB()
		},
	}, nil
}

func runPluginTools(args []string) int {
	fs := flag.NewFlagSet("tools", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: plughost plugin tools <name> [--config PATH]")
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	session, err := openLocalSession(ctx, cfg, positional[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer session.stop()

	tools, err := session.mgr.ListTools(ctx, session.desc.Name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error [%s]: %v\n", supervisor.ErrorKind(err), err)
		return 1
	}
	return printJSON(tools)
}

func runPluginCall(args []string) int {
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	rawArgs := fs.String("args", "{}", "Tool arguments as a JSON object")
	timeout := fs.Duration("timeout", 0, "Override the call timeout")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) != 2 {
		fmt.Fprintln(os.Stderr, "Usage: plughost plugin call <name> <tool> [--args JSON] [--timeout DURATION] [--config PATH]")
		return 1
	}
	name, tool := positional[0], positional[1]

	var arguments map[string]any
	if err := json.Unmarshal([]byte(*rawArgs), &arguments); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid --args: must be a JSON object: %v\n", err)
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	if *timeout > 0 {
		pc := cfg.Plugin(name)
		pc.CallTimeout = *timeout
		if cfg.Plugins == nil {
			cfg.Plugins = make(map[string]config.PluginConf)
		}
		cfg.Plugins[name] = pc
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	session, err := openLocalSession(ctx, cfg, name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer session.stop()

	if !session.desc.SupportsTool(tool) {
		fmt.Fprintf(os.Stderr, "Error: plugin %q does not declare tool %q\n", name, tool)
		return 1
	}

	result, err := session.mgr.CallTool(ctx, name, tool, arguments)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error [%s]: %v\n", supervisor.ErrorKind(err), err)
		return 1
	}
	return printJSON(result)
}
