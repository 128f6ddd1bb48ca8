package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattjoyce/plughost/internal/credentials"
	"github.com/mattjoyce/plughost/internal/storage"
)

// secretInput is read when set is called without --value.
var secretInput io.Reader = os.Stdin

func runSecretNoun(args []string) int {
	if len(args) < 1 {
		printSecretNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSecretNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]
	if hasHelpFlag(actionArgs) {
		printSecretNounHelp(os.Stdout)
		return 0
	}

	switch action {
	case "set":
		return runSecretSet(actionArgs)
	case "list":
		return runSecretList(actionArgs)
	case "delete", "rm":
		return runSecretDelete(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown secret action: %s\n", action)
		return 1
	}
}

func printSecretNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: plughost secret <action> [--config PATH]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Actions:")
	fmt.Fprintln(w, "  set <plugin> <key> [--value V]   Store a credential (reads stdin without --value)")
	fmt.Fprintln(w, "  list <plugin>                    List stored credential keys")
	fmt.Fprintln(w, "  delete <plugin> <key>            Remove a stored credential")
}

// withCredentialStore opens the state database named by the config and runs fn.
func withCredentialStore(configPath string, fn func(ctx context.Context, store *credentials.Store) int) int {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open state database: %v\n", err)
		return 1
	}
	defer func() { _ = db.Close() }()
	return fn(ctx, credentials.NewStore(db))
}

func runSecretSet(args []string) int {
	fs := flag.NewFlagSet("set", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	value := fs.String("value", "", "Credential value (read from stdin when omitted)")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) != 2 {
		fmt.Fprintln(os.Stderr, "Usage: plughost secret set <plugin> <key> [--value V]")
		return 1
	}
	pluginName, key := positional[0], positional[1]

	secret := *value
	if secret == "" {
		line, err := bufio.NewReader(secretInput).ReadString('\n')
		if err != nil && err != io.EOF {
			fmt.Fprintf(os.Stderr, "Failed to read value: %v\n", err)
			return 1
		}
		secret = strings.TrimRight(line, "\r\n")
	}
	if secret == "" {
		fmt.Fprintln(os.Stderr, "Error: empty credential value")
		return 1
	}

	return withCredentialStore(*configPath, func(ctx context.Context, store *credentials.Store) int {
		if err := store.Set(ctx, pluginName, key, secret); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Printf("Stored %s for plugin %s\n", key, pluginName)
		return 0
	})
}

func runSecretList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: plughost secret list <plugin>")
		return 1
	}

	return withCredentialStore(*configPath, func(ctx context.Context, store *credentials.Store) int {
		keys, err := store.Keys(ctx, positional[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		if len(keys) == 0 {
			fmt.Printf("No stored credentials for plugin %s\n", positional[0])
			return 0
		}
		for _, k := range keys {
			fmt.Println(k)
		}
		return 0
	})
}

func runSecretDelete(args []string) int {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	positional, err := parseInterspersed(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) != 2 {
		fmt.Fprintln(os.Stderr, "Usage: plughost secret delete <plugin> <key>")
		return 1
	}

	return withCredentialStore(*configPath, func(ctx context.Context, store *credentials.Store) int {
		removed, err := store.Delete(ctx, positional[0], positional[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		if !removed {
			fmt.Fprintf(os.Stderr, "No credential %s stored for plugin %s\n", positional[1], positional[0])
			return 1
		}
		fmt.Printf("Deleted %s for plugin %s\n", positional[1], positional[0])
		return 0
	})
}
