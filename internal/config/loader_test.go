package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr bool
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "minimal valid config",
			yaml: `
state:
  path: ./test.db
plugins_dir: ./plugins
plugins:
  echo:
    autostart: true
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if !filepath.IsAbs(cfg.State.Path) || filepath.Base(cfg.State.Path) != "test.db" {
					t.Errorf("state.path not resolved: %s", cfg.State.Path)
				}
				if !filepath.IsAbs(cfg.PluginsDir) {
					t.Errorf("plugins_dir not resolved: %s", cfg.PluginsDir)
				}
				echo, ok := cfg.Plugins["echo"]
				if !ok {
					t.Fatal("echo plugin not found")
				}
				if !echo.IsEnabled() || !echo.Autostart {
					t.Error("echo should be enabled with autostart")
				}
				if cfg.Supervisor.MaxRestartAttempts != 3 {
					t.Errorf("default max_restart_attempts not applied: %d", cfg.Supervisor.MaxRestartAttempts)
				}
				if cfg.Supervisor.StartupWindow != time.Second {
					t.Errorf("default startup_window not applied: %s", cfg.Supervisor.StartupWindow)
				}
				if cfg.Service.LogFormat != "json" {
					t.Errorf("default log_format not applied: %s", cfg.Service.LogFormat)
				}
			},
		},
		{
			name: "supervisor overrides",
			yaml: `
plugins_dirs: [./a, /opt/plugins]
supervisor:
  startup_window: 250ms
  call_timeout: 2s
  max_restart_attempts: -1
  restart_delay: 100ms
  stop_grace: 1s
plugins:
  slow:
    call_timeout: 90s
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Supervisor.StartupWindow != 250*time.Millisecond {
					t.Error("startup_window not parsed")
				}
				if cfg.Supervisor.MaxRestartAttempts != -1 {
					t.Error("negative max_restart_attempts should be kept")
				}
				if got := cfg.CallTimeoutFor("slow"); got != 90*time.Second {
					t.Errorf("CallTimeoutFor(slow) = %s", got)
				}
				if got := cfg.CallTimeoutFor("other"); got != 2*time.Second {
					t.Errorf("CallTimeoutFor(other) = %s", got)
				}
				roots := cfg.PluginRoots()
				if len(roots) != 2 || roots[1] != "/opt/plugins" || !filepath.IsAbs(roots[0]) {
					t.Errorf("PluginRoots() = %v", roots)
				}
			},
		},
		{
			name: "env var interpolation",
			yaml: `
state:
  path: ${DB_PATH}
plugins:
  notes:
    credentials:
      NOTES_TOKEN: ${NOTES_TOKEN}
`,
			env: map[string]string{
				"DB_PATH":     "/tmp/test.db",
				"NOTES_TOKEN": "secret123",
			},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.State.Path != "/tmp/test.db" {
					t.Errorf("env var not interpolated in state.path: %s", cfg.State.Path)
				}
				if cfg.Plugins["notes"].Credentials["NOTES_TOKEN"] != "secret123" {
					t.Error("env var not interpolated in plugin credentials")
				}
			},
		},
		{
			name: "missing env var fails validation",
			yaml: `
plugins:
  notes:
    credentials:
      NOTES_TOKEN: ${PLUGHOST_TEST_MISSING_VAR}
`,
			wantErr: true,
		},
		{
			name: "disabled plugin skips credential validation",
			yaml: `
plugins:
  notes:
    enabled: false
    credentials:
      NOTES_TOKEN: ${PLUGHOST_TEST_MISSING_VAR}
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Plugins["notes"].IsEnabled() {
					t.Error("plugin should be disabled")
				}
			},
		},
		{
			name: "invalid log level",
			yaml: `
service:
  log_level: invalid
`,
			wantErr: true,
		},
		{
			name: "api token without scopes",
			yaml: `
api:
  enabled: true
  listen: 127.0.0.1:9000
  auth:
    tokens:
      - token: abc
`,
			wantErr: true,
		},
		{
			name: "api token with unknown scope",
			yaml: `
api:
  enabled: true
  listen: 127.0.0.1:9000
  auth:
    tokens:
      - token: abc
        scopes: ["servers:ro", "jobs:rw"]
`,
			wantErr: true,
		},
		{
			name: "api token with scopes",
			yaml: `
api:
  enabled: true
  listen: 127.0.0.1:9000
  auth:
    tokens:
      - token: abc
        scopes: ["servers:ro", "tools:call"]
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if len(cfg.API.Auth.Tokens) != 1 || len(cfg.API.Auth.Tokens[0].Scopes) != 2 {
					t.Errorf("unexpected tokens: %+v", cfg.API.Auth.Tokens)
				}
			},
		},
		{
			name:    "malformed yaml",
			yaml:    "service: [",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			tmpDir := t.TempDir()
			configPath := filepath.Join(tmpDir, "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.yaml), 0644); err != nil {
				t.Fatalf("failed to write test config: %v", err)
			}

			cfg, err := Load(configPath)

			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr && tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoad_Directory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("service:\n  name: dirhost\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load(dir) error = %v", err)
	}
	if cfg.Service.Name != "dirhost" {
		t.Errorf("Service.Name = %q", cfg.Service.Name)
	}

	if _, err := Load(t.TempDir()); err == nil {
		t.Error("expected error for directory without config.yaml")
	}
}

func TestDiscoverConfigPath(t *testing.T) {
	if got, err := DiscoverConfigPath("/explicit.yaml"); err != nil || got != "/explicit.yaml" {
		t.Errorf("explicit path: got %q, %v", got, err)
	}

	path := filepath.Join(t.TempDir(), "env.yaml")
	os.WriteFile(path, []byte("{}"), 0644)
	t.Setenv("PLUGHOST_CONFIG", path)
	if got, err := DiscoverConfigPath(""); err != nil || got != path {
		t.Errorf("env path: got %q, %v", got, err)
	}
}

func TestInterpolateEnv(t *testing.T) {
	tests := []struct {
		name  string
		input string
		env   map[string]string
		want  string
	}{
		{
			name:  "simple replacement",
			input: "path: ${PLUGHOST_T_HOME}/data",
			env:   map[string]string{"PLUGHOST_T_HOME": "/users/test"},
			want:  "path: /users/test/data",
		},
		{
			name:  "multiple vars",
			input: "${PLUGHOST_T_USER}:${PLUGHOST_T_PASS}",
			env:   map[string]string{"PLUGHOST_T_USER": "admin", "PLUGHOST_T_PASS": "secret"},
			want:  "admin:secret",
		},
		{
			name:  "undefined var unchanged",
			input: "key: ${PLUGHOST_T_UNDEFINED}",
			want:  "key: ${PLUGHOST_T_UNDEFINED}",
		},
		{
			name:  "no vars",
			input: "plain text",
			want:  "plain text",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if got := interpolateEnv(tt.input); got != tt.want {
				t.Errorf("interpolateEnv() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Defaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr bool
	}{
		{name: "defaults are valid", mutate: func(cfg *Config) {}},
		{name: "invalid log format", mutate: func(cfg *Config) { cfg.Service.LogFormat = "xml" }, wantErr: true},
		{name: "missing state path", mutate: func(cfg *Config) { cfg.State.Path = "" }, wantErr: true},
		{name: "missing plugins dir", mutate: func(cfg *Config) { cfg.PluginsDir = "" }, wantErr: true},
		{name: "zero call timeout", mutate: func(cfg *Config) { cfg.Supervisor.CallTimeout = 0 }, wantErr: true},
		{name: "tiny max line", mutate: func(cfg *Config) { cfg.Supervisor.MaxLineBytes = 10 }, wantErr: true},
		{name: "bad api listen", mutate: func(cfg *Config) {
			cfg.API.Enabled = true
			cfg.API.Listen = "nope"
		}, wantErr: true},
		{name: "negative plugin timeout", mutate: func(cfg *Config) {
			cfg.Plugins["x"] = PluginConf{CallTimeout: -time.Second}
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := validate(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
