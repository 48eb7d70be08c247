// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"gopkg.in/yaml.v3"

	relayerrors "github.com/tombee/dbgrelay/pkg/errors"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Config represents the complete dbgrelay configuration.
type Config struct {
	Debugger  DebuggerConfig  `yaml:"debugger"`
	Session   SessionConfig   `yaml:"session"`
	Scenarios ScenariosConfig `yaml:"scenarios"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// DebuggerConfig describes the external debugger the driver starts.
type DebuggerConfig struct {
	// Path is the debugger executable.
	// Environment: DBGRELAY_DEBUGGER
	// Default: lldb
	Path string `yaml:"path"`

	// Args are passed to the debugger before the init commands.
	// Environment: DBGRELAY_DEBUGGER_ARGS (shell quoted)
	Args []string `yaml:"args,omitempty"`

	// InitCommands run at startup and must load the relay.
	// Default: ["command script import relay"]
	InitCommands []string `yaml:"init_commands"`

	// Env is appended to the debugger's environment.
	Env []string `yaml:"env,omitempty"`

	// MinVersion rejects older debuggers when set.
	// Environment: DBGRELAY_MIN_VERSION
	MinVersion string `yaml:"min_version,omitempty"`

	// CommandTimeout bounds each relayed command.
	// Environment: DBGRELAY_COMMAND_TIMEOUT
	// Default: 60s
	CommandTimeout time.Duration `yaml:"command_timeout"`

	// StartTimeout bounds the wait for the relay's ready sentinel.
	// Default: 30s
	StartTimeout time.Duration `yaml:"start_timeout"`

	// LockFile serializes debugger sessions across processes.
	// Environment: DBGRELAY_LOCK_FILE
	LockFile string `yaml:"lock_file,omitempty"`
}

// SessionConfig holds defaults for scenario sessions.
type SessionConfig struct {
	// EntrySymbol is where StopInMain stops.
	// Default: main
	EntrySymbol string `yaml:"entry_symbol"`

	// ExpectedExitCode is the exit code ExitLLDB checks for scenario files
	// whose target sets no exit_code.
	ExpectedExitCode int `yaml:"expected_exit_code"`

	// Attach makes scenario files attach to PID unless their target says
	// otherwise.
	Attach bool `yaml:"attach,omitempty"`

	// PID is the process scenario files attach to when they name none.
	PID int `yaml:"pid,omitempty"`

	// Timeout bounds a scenario body.
	// Default: 30s
	Timeout time.Duration `yaml:"timeout"`

	// TeardownTimeout bounds ExitLLDB.
	// Default: 10s
	TeardownTimeout time.Duration `yaml:"teardown_timeout"`
}

// ScenariosConfig locates and selects scenario files.
type ScenariosConfig struct {
	// Dirs are searched for scenario files.
	// Environment: DBGRELAY_SCENARIO_DIRS (path list)
	// Default: ["scenarios"]
	Dirs []string `yaml:"dirs"`

	// Patterns are doublestar globs relative to each dir.
	// Default: ["**/*.scenario.yaml"]
	Patterns []string `yaml:"patterns"`

	// Builtin includes the compiled-in scenarios.
	// Default: true
	Builtin *bool `yaml:"builtin,omitempty"`

	Tags        []string `yaml:"tags,omitempty"`
	ExcludeTags []string `yaml:"exclude_tags,omitempty"`
}

// IncludeBuiltin reports whether builtin scenarios run.
func (s ScenariosConfig) IncludeBuiltin() bool {
	return s.Builtin == nil || *s.Builtin
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	// Environment: LOG_LEVEL
	// Default: info
	Level string `yaml:"level"`

	// Format sets the output format (json, text).
	// Environment: LOG_FORMAT
	// Default: text
	Format string `yaml:"format"`

	// AddSource adds source file and line information to logs.
	// Environment: LOG_SOURCE
	AddSource bool `yaml:"add_source"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr serves /metrics when set, e.g. "127.0.0.1:9464".
	// Environment: DBGRELAY_METRICS_ADDR
	Addr string `yaml:"addr,omitempty"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	// Environment: DBGRELAY_TRACING
	Enabled bool `yaml:"enabled"`

	// Output is "stderr" or a file path.
	// Default: stderr
	Output string `yaml:"output"`

	PrettyPrint bool `yaml:"pretty_print"`
}

// Default returns a Config with default values.
func Default() *Config {
	builtin := true
	return &Config{
		Debugger: DebuggerConfig{
			Path:           "lldb",
			InitCommands:   []string{"command script import relay"},
			CommandTimeout: 60 * time.Second,
			StartTimeout:   30 * time.Second,
		},
		Session: SessionConfig{
			EntrySymbol:     "main",
			Timeout:         30 * time.Second,
			TeardownTimeout: 10 * time.Second,
		},
		Scenarios: ScenariosConfig{
			Dirs:     []string{"scenarios"},
			Patterns: []string{"**/*.scenario.yaml"},
			Builtin:  &builtin,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			Output: "stderr",
		},
	}
}

// Load loads configuration from a YAML file and the environment.
// Environment variables take precedence over the file. An empty path
// reads the default config file when it exists.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	explicit := configPath != ""
	if !explicit {
		if p, err := ConfigPath(); err == nil {
			configPath = p
		}
	}

	if configPath != "" {
		err := cfg.loadFromFile(configPath)
		switch {
		case err == nil:
		case !explicit && errors.Is(err, os.ErrNotExist):
		default:
			return nil, &relayerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, &relayerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// applyDefaults fills in zero values so minimal configs work.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Debugger.Path == "" {
		c.Debugger.Path = defaults.Debugger.Path
	}
	if c.Debugger.InitCommands == nil {
		c.Debugger.InitCommands = defaults.Debugger.InitCommands
	}
	if c.Debugger.CommandTimeout == 0 {
		c.Debugger.CommandTimeout = defaults.Debugger.CommandTimeout
	}
	if c.Debugger.StartTimeout == 0 {
		c.Debugger.StartTimeout = defaults.Debugger.StartTimeout
	}

	if c.Session.EntrySymbol == "" {
		c.Session.EntrySymbol = defaults.Session.EntrySymbol
	}
	if c.Session.Timeout == 0 {
		c.Session.Timeout = defaults.Session.Timeout
	}
	if c.Session.TeardownTimeout == 0 {
		c.Session.TeardownTimeout = defaults.Session.TeardownTimeout
	}

	if len(c.Scenarios.Dirs) == 0 {
		c.Scenarios.Dirs = defaults.Scenarios.Dirs
	}
	if len(c.Scenarios.Patterns) == 0 {
		c.Scenarios.Patterns = defaults.Scenarios.Patterns
	}

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
	if c.Tracing.Output == "" {
		c.Tracing.Output = defaults.Tracing.Output
	}
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv applies environment overrides. Malformed values are errors
// rather than being silently ignored.
func (c *Config) loadFromEnv() error {
	if val := os.Getenv("DBGRELAY_DEBUGGER"); val != "" {
		c.Debugger.Path = val
	}
	if val := os.Getenv("DBGRELAY_DEBUGGER_ARGS"); val != "" {
		args, err := shellquote.Split(val)
		if err != nil {
			return envError("DBGRELAY_DEBUGGER_ARGS", err)
		}
		c.Debugger.Args = args
	}
	if val := os.Getenv("DBGRELAY_MIN_VERSION"); val != "" {
		c.Debugger.MinVersion = val
	}
	if val := os.Getenv("DBGRELAY_COMMAND_TIMEOUT"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return envError("DBGRELAY_COMMAND_TIMEOUT", err)
		}
		c.Debugger.CommandTimeout = d
	}
	if val := os.Getenv("DBGRELAY_LOCK_FILE"); val != "" {
		c.Debugger.LockFile = val
	}

	if val := os.Getenv("DBGRELAY_SCENARIO_DIRS"); val != "" {
		c.Scenarios.Dirs = filepath.SplitList(val)
	}

	// DBGRELAY_DEBUG wins over DBGRELAY_LOG_LEVEL, which wins over LOG_LEVEL.
	if val := os.Getenv("DBGRELAY_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	} else if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = val == "1" || strings.ToLower(val) == "true"
	}

	if val := os.Getenv("DBGRELAY_DEBUG"); val == "1" || strings.ToLower(val) == "true" {
		c.Log.Level = "debug"
		c.Log.AddSource = true
	}

	if val := os.Getenv("DBGRELAY_METRICS_ADDR"); val != "" {
		c.Metrics.Addr = val
	}
	if val := os.Getenv("DBGRELAY_TRACING"); val != "" {
		c.Tracing.Enabled = val == "1" || strings.ToLower(val) == "true"
	}
	return nil
}

func envError(key string, err error) error {
	return &relayerrors.ConfigError{Key: key, Reason: "invalid environment value", Cause: err}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Debugger.Path == "" {
		errs = append(errs, "debugger.path is required")
	}
	if c.Debugger.CommandTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("debugger.command_timeout must be positive, got %v", c.Debugger.CommandTimeout))
	}
	if c.Debugger.StartTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("debugger.start_timeout must be positive, got %v", c.Debugger.StartTimeout))
	}

	if c.Session.Timeout <= 0 {
		errs = append(errs, fmt.Sprintf("session.timeout must be positive, got %v", c.Session.Timeout))
	}
	if c.Session.TeardownTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("session.teardown_timeout must be positive, got %v", c.Session.TeardownTimeout))
	}
	if c.Session.Attach && c.Session.PID <= 0 {
		errs = append(errs, "session.pid is required when session.attach is set")
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [trace, debug, info, warn, error], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}
