// Package config implements TOML bootstrap configuration loading, validation,
// and platform-specific path resolution for zmd. The bootstrap file covers
// process-level settings only (listen address, data directory, logging);
// everything the pipeline itself needs lives in the versioned runtime config
// under the data directory and is managed by the runtimecfg package.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
)

// Config is the bootstrap configuration parsed from a TOML file. Relative
// paths derived from DataDir (runtime config, progress ledger, PID file) are
// exposed through methods so callers never concatenate them by hand.
type Config struct {
	// Listen is the HTTP control-plane bind address for `zmd serve`.
	Listen string `toml:"listen"`

	// DataDir holds the runtime config JSON, the progress ledger, and the
	// PID file. Empty means the platform default data directory.
	DataDir string `toml:"data_dir"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `toml:"log_level"`

	// LogFormat is "text" or "json".
	LogFormat string `toml:"log_format"`

	// EnvFile seeds the runtime config on first start. Relative paths are
	// resolved against the working directory.
	EnvFile string `toml:"env_file"`

	// CORSOrigins lists allowed browser origins for the control plane.
	CORSOrigins []string `toml:"cors_origins"`

	// WatchRuntimeConfig reloads the runtime config when the JSON file is
	// edited by another process.
	WatchRuntimeConfig bool `toml:"watch_runtime_config"`

	// MaxConcurrentTasks bounds tasks in the queued or running states.
	MaxConcurrentTasks int `toml:"max_concurrent_tasks"`
}

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Listen:             "127.0.0.1:8080",
		DataDir:            "",
		LogLevel:           "info",
		LogFormat:          "text",
		EnvFile:            ".env",
		CORSOrigins:        []string{"*"},
		WatchRuntimeConfig: false,
		MaxConcurrentTasks: 1,
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"text": true,
	"json": true,
}

// maxConcurrentTasks caps the admission bound; each task drives OCR and
// upload batches against shared remote quotas.
const maxConcurrentTasks = 16

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Listen == "" {
		errs = append(errs, errors.New("listen: must not be empty"))
	}

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", cfg.LogLevel))
	}

	if !validLogFormats[cfg.LogFormat] {
		errs = append(errs, fmt.Errorf("log_format: must be one of text, json; got %q", cfg.LogFormat))
	}

	if cfg.MaxConcurrentTasks < 1 || cfg.MaxConcurrentTasks > maxConcurrentTasks {
		errs = append(errs, fmt.Errorf("max_concurrent_tasks: must be between 1 and %d, got %d",
			maxConcurrentTasks, cfg.MaxConcurrentTasks))
	}

	return errors.Join(errs...)
}

// RuntimeConfigPath returns the location of the runtime config JSON file.
func (c *Config) RuntimeConfigPath() string {
	return filepath.Join(c.DataDir, "runtime_config.json")
}

// ProgressDBPath returns the location of the progress ledger database.
func (c *Config) ProgressDBPath() string {
	return filepath.Join(c.DataDir, "progress.db")
}

// PIDFilePath returns the location of the serve PID file.
func (c *Config) PIDFilePath() string {
	return filepath.Join(c.DataDir, "zmd.pid")
}
