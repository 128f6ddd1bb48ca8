package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/plughost/internal/api"
	"github.com/mattjoyce/plughost/internal/auth"
	"github.com/mattjoyce/plughost/internal/config"
	"github.com/mattjoyce/plughost/internal/credentials"
	"github.com/mattjoyce/plughost/internal/events"
	"github.com/mattjoyce/plughost/internal/history"
	"github.com/mattjoyce/plughost/internal/lock"
	"github.com/mattjoyce/plughost/internal/log"
	"github.com/mattjoyce/plughost/internal/plugin"
	"github.com/mattjoyce/plughost/internal/protocol"
	"github.com/mattjoyce/plughost/internal/storage"
	"github.com/mattjoyce/plughost/internal/supervisor"
	"github.com/mattjoyce/plughost/internal/tui/watch"
)

const (
	historyRetention = 30 * 24 * time.Hour
	shutdownTimeout  = 30 * time.Second
)

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			printSystemStartHelp()
			return 0
		}
		return runStart(actionArgs)
	case "watch":
		if hasHelpFlag(actionArgs) {
			printSystemWatchHelp()
			return 0
		}
		return runWatch(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: plughost system <action>")
	fmt.Fprintln(w, "Actions: start, watch")
}

func printSystemStartHelp() {
	fmt.Println("Usage: plughost system start [--config PATH]")
	fmt.Println("Run the host in the foreground: autostart plugins, serve the API, stop everything on SIGINT/SIGTERM.")
}

func printSystemWatchHelp() {
	fmt.Println("Usage: plughost system watch [flags]")
	fmt.Println()
	fmt.Println("Live dashboard of plugin servers and lifecycle events.")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --api-url URL    Host API URL (default: http://localhost:8080)")
	fmt.Println("  --api-key KEY    API Bearer Token (or PLUGHOST_API_KEY env var)")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  ↑/↓, k/j         Select server")
	fmt.Println("  s / x / r        Start / stop / restart selected server")
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api-url", "http://localhost:8080", "Host API URL")
	apiKey := fs.String("api-key", os.Getenv("PLUGHOST_API_KEY"), "API Bearer Token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if *apiKey == "" {
		fmt.Fprintln(os.Stderr, "Error: API key required. Use --api-key or PLUGHOST_API_KEY env var.")
		return 1
	}

	p := tea.NewProgram(watch.New(*apiURL, *apiKey))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, path, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("plughost starting", "version", version, "config", path)

	pidLockPath := lock.PathFor(cfg.State.Path)
	pidLock, err := lock.AcquirePIDLock(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLockPath)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	hist := history.NewStore(db)
	if n, err := hist.Prune(ctx, time.Now().Add(-historyRetention)); err != nil {
		logger.Warn("failed to prune lifecycle history", "error", err)
	} else if n > 0 {
		logger.Info("pruned lifecycle history", "rows", n)
	}

	registry, err := discoverPlugins(cfg, logger)
	if err != nil {
		logger.Error("plugin discovery failed", "roots", cfg.PluginRoots(), "error", err)
		return 1
	}
	logger.Info("plugin discovery complete", "count", len(registry.All()))

	hub := events.NewHub(256)
	metrics := supervisor.NewMetrics("plughost")
	creds := credentials.Chain{credentials.NewConfigProvider(cfg), credentials.NewStore(db)}
	mgr := supervisor.New(registry, creds, cfg.Supervisor,
		supervisor.WithObserver(supervisor.Observers{hub, history.NewRecorder(hist)}),
		supervisor.WithMetrics(metrics),
		supervisor.WithCallTimeouts(cfg.CallTimeoutFor),
	)

	for _, name := range registry.Names() {
		pc := cfg.Plugin(name)
		if !pc.Autostart || !pc.IsEnabled() {
			continue
		}
		desc, _ := registry.Get(name)
		if err := mgr.StartServer(ctx, desc); err != nil {
			// Autostart failures leave the server in error; the host keeps running.
			logger.Error("autostart failed", "plugin", name, "kind", supervisor.ErrorKind(err), "error", err)
		}
	}

	errCh := make(chan error, 1)
	if cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
		for _, t := range cfg.API.Auth.Tokens {
			tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
		}
		apiServer := api.New(api.Config{
			Listen:         cfg.API.Listen,
			APIKey:         cfg.API.Auth.APIKey,
			Tokens:         tokens,
			MaxCallTimeout: maxCallTimeout(cfg),
		}, enabledOnly{mgr, cfg}, registry, hist, hub, metrics.Handler(), log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("plughost running (press Ctrl+C to stop)")

	code := 0
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		code = 1
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := mgr.StopAll(stopCtx); err != nil {
		logger.Warn("stop all servers", "error", err)
	}

	logger.Info("plughost stopped")
	return code
}

// maxCallTimeout leaves the HTTP layer slightly more time than the longest
// supervisor call deadline so the supervisor's timeout error reaches the client.
func maxCallTimeout(cfg *config.Config) time.Duration {
	longest := cfg.Supervisor.CallTimeout
	for _, pc := range cfg.Plugins {
		if pc.CallTimeout > longest {
			longest = pc.CallTimeout
		}
	}
	return longest + 5*time.Second
}

// enabledOnly refuses to launch plugins disabled in config.
type enabledOnly struct {
	*supervisor.Manager
	cfg *config.Config
}

func (e enabledOnly) check(name string) error {
	if e.cfg.Plugin(name).IsEnabled() {
		return nil
	}
	return &supervisor.ConfigurationError{Plugin: name, Reason: "plugin is disabled in config"}
}

func (e enabledOnly) StartServer(ctx context.Context, desc *plugin.Plugin) error {
	if err := e.check(desc.Name); err != nil {
		return err
	}
	return e.Manager.StartServer(ctx, desc)
}

func (e enabledOnly) RestartServer(ctx context.Context, name string) error {
	if err := e.check(name); err != nil {
		return err
	}
	return e.Manager.RestartServer(ctx, name)
}

func (e enabledOnly) CallTool(ctx context.Context, name, tool string, args any) (json.RawMessage, error) {
	if err := e.check(name); err != nil {
		return nil, err
	}
	return e.Manager.CallTool(ctx, name, tool, args)
}

func (e enabledOnly) ListTools(ctx context.Context, name string) ([]protocol.Tool, error) {
	if err := e.check(name); err != nil {
		return nil, err
	}
	return e.Manager.ListTools(ctx, name)
}
