package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/mattjoyce/plughost/internal/credentials"
	"github.com/mattjoyce/plughost/internal/doctor"
	"github.com/mattjoyce/plughost/internal/log"
	"github.com/mattjoyce/plughost/internal/storage"
)

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: plughost config <action>")
	fmt.Fprintln(w, "Actions: check")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: plughost config check [--config PATH] [--format human|json] [--strict]")
	fmt.Println()
	fmt.Println("Validate configuration, discovered plugins, entrypoints and credentials.")
	fmt.Println("Exit codes: 0 valid, 1 errors, 2 warnings with --strict.")
}

func runConfigCheck(args []string) int {
	var configPath, format string
	var strict, jsonOut bool

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file or directory")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.StringVar(&format, "format", "human", "Output format (human, json)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if jsonOut {
		format = "json"
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)

	registry, err := discoverPlugins(cfg, log.WithComponent("discovery"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Plugin discovery error: %v\n", err)
		return 1
	}

	ctx := context.Background()
	creds := credentials.Chain{credentials.NewConfigProvider(cfg)}
	// Only consult the store when it already exists; check must not create state.
	if _, statErr := os.Stat(cfg.State.Path); statErr == nil {
		db, err := storage.OpenSQLite(ctx, cfg.State.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: credential store unavailable: %v\n", err)
		} else {
			defer func() { _ = db.Close() }()
			creds = append(creds, credentials.NewStore(db))
		}
	}

	result := doctor.New(cfg, registry, creds).Validate(ctx)

	switch format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	default:
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}
