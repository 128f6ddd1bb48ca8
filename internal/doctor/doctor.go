// Package doctor validates plughost configuration against the discovered plugins.
package doctor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/plughost/internal/auth"
	"github.com/mattjoyce/plughost/internal/config"
	"github.com/mattjoyce/plughost/internal/credentials"
	"github.com/mattjoyce/plughost/internal/plugin"
	"github.com/mattjoyce/plughost/internal/storage"
	"github.com/mattjoyce/plughost/internal/supervisor"
)

const minCallTimeout = 100 * time.Millisecond

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against discovered plugins.
type Doctor struct {
	cfg      *config.Config
	registry *plugin.Registry
	creds    credentials.Provider

	inspectFS func(path string) (storage.FilesystemInfo, error)
}

// New creates a Doctor. creds may be nil, in which case required credentials
// are only checked against the config file.
func New(cfg *config.Config, registry *plugin.Registry, creds credentials.Provider) *Doctor {
	if creds == nil {
		creds = credentials.NewConfigProvider(cfg)
	}
	return &Doctor{cfg: cfg, registry: registry, creds: creds, inspectFS: storage.InspectFilesystem}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate(ctx context.Context) *Result {
	r := &Result{Valid: true}

	d.validateServiceConfig(r)
	d.validatePluginRefs(r)
	d.validateEntrypoints(r)
	d.validateCredentials(ctx, r)
	d.validateAPIConfig(r)
	d.validateTokens(r)
	d.warnSupervisorTuning(r)
	d.warnUnusedPlugins(r)
	d.warnDeprecatedSyntax(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateServiceConfig checks required service fields and plugin roots.
func (d *Doctor) validateServiceConfig(r *Result) {
	roots := d.cfg.PluginRoots()
	if len(roots) == 0 {
		d.addError(r, "service", "plugins_dir", "plugins_dir is required")
	}
	for _, root := range roots {
		info, err := os.Stat(root)
		switch {
		case err != nil:
			d.addWarning(r, "service", "plugins_dir", fmt.Sprintf("plugin root %s: %v", root, err))
		case !info.IsDir():
			d.addError(r, "service", "plugins_dir", fmt.Sprintf("plugin root %s is not a directory", root))
		}
	}
	if d.cfg.State.Path == "" {
		d.addError(r, "service", "state.path", "state.path is required")
	} else if info, err := os.Stat(filepath.Dir(d.cfg.State.Path)); err == nil && !info.IsDir() {
		d.addError(r, "service", "state.path", fmt.Sprintf("parent of %s is not a directory", d.cfg.State.Path))
	} else {
		d.checkStateFilesystem(r)
	}
}

// checkStateFilesystem rejects state on network mounts; the database and the
// PID lock both rely on local locking.
func (d *Doctor) checkStateFilesystem(r *Result) {
	info, err := d.inspectFS(d.cfg.State.Path)
	switch {
	case err != nil:
		d.addWarning(r, "service", "state.path", fmt.Sprintf("could not detect filesystem: %v", err))
	case info.Network:
		d.addError(r, "service", "state.path",
			fmt.Sprintf("%s is on a %s network filesystem; use a local disk", info.Inspected, info.Type))
	}
}

// validatePluginRefs checks that plugins in config are discoverable.
func (d *Doctor) validatePluginRefs(r *Result) {
	for _, name := range sortedKeys(d.cfg.Plugins) {
		pc := d.cfg.Plugins[name]
		field := fmt.Sprintf("plugins.%s", name)
		if _, ok := d.registry.Get(name); !ok {
			if pc.IsEnabled() {
				d.addError(r, "plugin_refs", field,
					fmt.Sprintf("plugin %q in config but not found in plugins_dir", name))
			}
			continue
		}
		if pc.Autostart && !pc.IsEnabled() {
			d.addWarning(r, "plugin_refs", field+".autostart",
				fmt.Sprintf("plugin %q is disabled; autostart has no effect", name))
		}
		if pc.CallTimeout > 0 && pc.CallTimeout < minCallTimeout {
			d.addWarning(r, "plugin_refs", field+".call_timeout",
				fmt.Sprintf("call_timeout %s is very short", pc.CallTimeout))
		}
	}
}

// validateEntrypoints re-checks that every enabled plugin can actually be launched.
func (d *Doctor) validateEntrypoints(r *Result) {
	for _, name := range d.registry.Names() {
		if !d.cfg.Plugin(name).IsEnabled() {
			continue
		}
		p, _ := d.registry.Get(name)
		if err := supervisor.CheckEntrypoint(p); err != nil {
			d.addError(r, "entrypoint", fmt.Sprintf("plugins.%s", name), err.Error())
		}
	}
}

// validateCredentials checks required manifest credentials resolve from config or the store.
func (d *Doctor) validateCredentials(ctx context.Context, r *Result) {
	for _, name := range d.registry.Names() {
		if !d.cfg.Plugin(name).IsEnabled() {
			continue
		}
		p, _ := d.registry.Get(name)
		required := p.RequiredCredentials()
		if len(required) == 0 {
			continue
		}
		field := fmt.Sprintf("plugins.%s.credentials", name)
		creds, err := d.creds.GetCredentials(ctx, name)
		if err != nil {
			d.addWarning(r, "credentials", field, fmt.Sprintf("failed to read credentials: %v", err))
		}
		for _, key := range credentials.Missing(required, creds) {
			d.addError(r, "credentials", field+"."+key,
				fmt.Sprintf("plugin %q requires credential %q", name, key))
		}
	}
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	if d.cfg.API.Auth.APIKey == "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addError(r, "api", "api.auth", "API enabled but no authentication configured")
	}
}

// validateTokens checks scope names and duplicate token values.
func (d *Doctor) validateTokens(r *Result) {
	seen := make(map[string]int)
	for i, token := range d.cfg.API.Auth.Tokens {
		field := fmt.Sprintf("api.auth.tokens[%d]", i)
		if token.Token == "" {
			d.addError(r, "token_scopes", field+".token",
				"token value is empty (possibly unresolved environment variable)")
			continue
		}
		if prev, ok := seen[token.Token]; ok {
			d.addError(r, "token_scopes", field+".token",
				fmt.Sprintf("token duplicates api.auth.tokens[%d]", prev))
		}
		seen[token.Token] = i
		if token.Token == d.cfg.API.Auth.APIKey {
			d.addError(r, "token_scopes", field+".token", "token equals api_key; scopes would be ignored")
		}
		for j, scope := range token.Scopes {
			if !auth.IsKnownScope(scope) {
				d.addError(r, "token_scopes", fmt.Sprintf("%s.scopes[%d]", field, j),
					fmt.Sprintf("unknown scope %q", scope))
			}
		}
	}
}

// warnSupervisorTuning flags restart settings that defeat their purpose.
func (d *Doctor) warnSupervisorTuning(r *Result) {
	sup := d.cfg.Supervisor
	if sup.MaxRestartAttempts < 0 {
		d.addWarning(r, "supervisor", "supervisor.max_restart_attempts",
			"automatic restarts are disabled; crashed servers stay in error until restarted")
	}
	if sup.MaxRestartAttempts > 0 && sup.RestartDelay == 0 {
		d.addWarning(r, "supervisor", "supervisor.restart_delay",
			"restart_delay is zero; a crashing plugin will be respawned immediately")
	}
	if sup.StartupWindow > 0 && sup.CallTimeout > 0 && sup.StartupWindow >= sup.CallTimeout {
		d.addWarning(r, "supervisor", "supervisor.startup_window",
			fmt.Sprintf("startup_window %s is not shorter than call_timeout %s", sup.StartupWindow, sup.CallTimeout))
	}
}

// warnUnusedPlugins warns about discovered plugins not referenced in config.
func (d *Doctor) warnUnusedPlugins(r *Result) {
	for _, name := range d.registry.Names() {
		if _, inConfig := d.cfg.Plugins[name]; !inConfig {
			d.addWarning(r, "unused", "",
				fmt.Sprintf("plugin %q discovered but not referenced in config", name))
		}
	}
}

// warnDeprecatedSyntax warns about legacy config patterns.
func (d *Doctor) warnDeprecatedSyntax(r *Result) {
	if d.cfg.API.Auth.APIKey != "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "deprecated", "api.auth.api_key",
			"api_key grants full access; prefer scoped tokens")
	}
}

func sortedKeys(m map[string]config.PluginConf) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
