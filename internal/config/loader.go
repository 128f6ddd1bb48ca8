package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/plughost/internal/auth"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates, defaults and validates a config file.
// A directory path is resolved to its config.yaml.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.resolvePaths(filepath.Dir(absPath))
	return cfg, nil
}

// Parse interpolates ${VAR} references, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyConfigDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// DiscoverConfigPath finds the config file by checking standard locations.
// Priority order: explicit path, $PLUGHOST_CONFIG, ~/.config/plughost/config.yaml, ./config.yaml
func DiscoverConfigPath(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}

	if path := os.Getenv("PLUGHOST_CONFIG"); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "plughost", "config.yaml")
		if _, err := os.Stat(userConfig); err == nil {
			return userConfig, nil
		}
	}

	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml", nil
	}

	return "", fmt.Errorf("no config found (checked: --config, $PLUGHOST_CONFIG, ~/.config/plughost/config.yaml, ./config.yaml)")
}

// resolvePaths makes relative state and plugin paths relative to the config file's directory.
func (c *Config) resolvePaths(baseDir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(baseDir, p)
	}
	c.State.Path = abs(c.State.Path)
	c.PluginsDir = abs(c.PluginsDir)
	for i, dir := range c.PluginsDirs {
		c.PluginsDirs[i] = abs(dir)
	}
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}

	if cfg.PluginsDir == "" && len(cfg.PluginsDirs) == 0 {
		cfg.PluginsDir = defaults.PluginsDir
	}

	sup := &cfg.Supervisor
	def := defaults.Supervisor
	if sup.StartupWindow == 0 {
		sup.StartupWindow = def.StartupWindow
	}
	if sup.CallTimeout == 0 {
		sup.CallTimeout = def.CallTimeout
	}
	if sup.MaxRestartAttempts == 0 {
		sup.MaxRestartAttempts = def.MaxRestartAttempts
	}
	if sup.RestartDelay == 0 {
		sup.RestartDelay = def.RestartDelay
	}
	if sup.StopGrace == 0 {
		sup.StopGrace = def.StopGrace
	}
	if sup.StderrTailBytes == 0 {
		sup.StderrTailBytes = def.StderrTailBytes
	}
	if sup.MaxLineBytes == 0 {
		sup.MaxLineBytes = def.MaxLineBytes
	}

	if cfg.Plugins == nil {
		cfg.Plugins = make(map[string]PluginConf)
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	if len(cfg.PluginRoots()) == 0 {
		return fmt.Errorf("plugins_dir is required")
	}

	sup := cfg.Supervisor
	if sup.StartupWindow < 0 {
		return fmt.Errorf("supervisor.startup_window must not be negative")
	}
	if sup.CallTimeout <= 0 {
		return fmt.Errorf("supervisor.call_timeout must be positive")
	}
	if sup.RestartDelay < 0 {
		return fmt.Errorf("supervisor.restart_delay must not be negative")
	}
	if sup.StopGrace <= 0 {
		return fmt.Errorf("supervisor.stop_grace must be positive")
	}
	if sup.StderrTailBytes < 0 {
		return fmt.Errorf("supervisor.stderr_tail_bytes must not be negative")
	}
	if sup.MaxLineBytes < 1024 {
		return fmt.Errorf("supervisor.max_line_bytes must be at least 1024 (got %d)", sup.MaxLineBytes)
	}

	if cfg.API.Enabled {
		if _, _, err := net.SplitHostPort(cfg.API.Listen); err != nil {
			return fmt.Errorf("api.listen: %w", err)
		}
		if err := checkUnresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		for i, tok := range cfg.API.Auth.Tokens {
			field := fmt.Sprintf("api.auth.tokens[%d]", i)
			if tok.Token == "" {
				return fmt.Errorf("%s.token is required", field)
			}
			if err := checkUnresolved(field+".token", tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("%s.scopes must be non-empty", field)
			}
			for _, scope := range tok.Scopes {
				if !auth.IsKnownScope(scope) {
					return fmt.Errorf("%s.scopes: unknown scope %q", field, scope)
				}
			}
		}
	}

	names := make([]string, 0, len(cfg.Plugins))
	for name := range cfg.Plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		plugin := cfg.Plugins[name]
		if plugin.CallTimeout < 0 {
			return fmt.Errorf("plugin %q: call_timeout must not be negative", name)
		}
		if !plugin.IsEnabled() {
			continue
		}
		if err := checkUnresolvedEnvVars(plugin.Credentials, name); err != nil {
			return err
		}
	}

	return nil
}

func checkUnresolved(field, value string) error {
	if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}

// checkUnresolvedEnvVars checks for ${VAR} placeholders left in credential values.
func checkUnresolvedEnvVars(data map[string]string, pluginName string) error {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if matches := envVarPattern.FindStringSubmatch(data[key]); len(matches) > 1 {
			return fmt.Errorf("plugin %q: environment variable ${%s} is not set (credentials.%s)", pluginName, matches[1], key)
		}
	}
	return nil
}
