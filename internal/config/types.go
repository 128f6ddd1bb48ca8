package config

import "time"

// Config represents the complete plughost configuration.
type Config struct {
	Service     ServiceConfig         `yaml:"service"`
	State       StateConfig           `yaml:"state"`
	API         APIConfig             `yaml:"api,omitempty"`
	PluginsDir  string                `yaml:"plugins_dir"`
	PluginsDirs []string              `yaml:"plugins_dirs,omitempty"`
	Supervisor  SupervisorConfig      `yaml:"supervisor"`
	Plugins     map[string]PluginConf `yaml:"plugins"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the single admin bearer token. Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// SupervisorConfig tunes plugin process supervision.
type SupervisorConfig struct {
	// StartupWindow is how long a fresh process must stay alive to count as started.
	StartupWindow time.Duration `yaml:"startup_window"`
	CallTimeout   time.Duration `yaml:"call_timeout"`
	// MaxRestartAttempts bounds consecutive automatic restarts. Negative disables them.
	MaxRestartAttempts int           `yaml:"max_restart_attempts"`
	RestartDelay       time.Duration `yaml:"restart_delay"`
	StopGrace          time.Duration `yaml:"stop_grace"`
	StderrTailBytes    int           `yaml:"stderr_tail_bytes"`
	MaxLineBytes       int           `yaml:"max_line_bytes"`
}

// PluginConf defines host-side configuration for a single plugin.
type PluginConf struct {
	Enabled     *bool             `yaml:"enabled,omitempty"`
	Autostart   bool              `yaml:"autostart,omitempty"`
	CallTimeout time.Duration     `yaml:"call_timeout,omitempty"`
	Credentials map[string]string `yaml:"credentials,omitempty"`
}

// IsEnabled reports whether the plugin may be started. Unset means enabled.
func (p PluginConf) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "plughost",
			LogLevel:  "info",
			LogFormat: "json",
		},
		State: StateConfig{
			Path: "./data/state.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		PluginsDir: "./plugins",
		Supervisor: DefaultSupervisorConfig(),
		Plugins:    make(map[string]PluginConf),
	}
}

// DefaultSupervisorConfig returns the default supervision tuning.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		StartupWindow:      time.Second,
		CallTimeout:        30 * time.Second,
		MaxRestartAttempts: 3,
		RestartDelay:       5 * time.Second,
		StopGrace:          5 * time.Second,
		StderrTailBytes:    64 * 1024,
		MaxLineBytes:       16 << 20,
	}
}

// PluginRoots returns plugins_dirs when set, otherwise plugins_dir.
func (c *Config) PluginRoots() []string {
	if len(c.PluginsDirs) > 0 {
		return c.PluginsDirs
	}
	if c.PluginsDir == "" {
		return nil
	}
	return []string{c.PluginsDir}
}

// Plugin returns the host-side config for name, or the zero value when absent.
func (c *Config) Plugin(name string) PluginConf {
	if c.Plugins == nil {
		return PluginConf{}
	}
	return c.Plugins[name]
}

// CallTimeoutFor returns the per-plugin call timeout override or the global default.
func (c *Config) CallTimeoutFor(name string) time.Duration {
	if d := c.Plugin(name).CallTimeout; d > 0 {
		return d
	}
	return c.Supervisor.CallTimeout
}
