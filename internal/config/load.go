package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are treated as fatal errors with "did you
// mean?" suggestions so that a typo never silently falls back to a default.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values. This supports the zero-config
// first-run experience: users can start without creating a config file.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// CLIOverrides holds values derived from command-line flags.
// Pointer fields distinguish "not specified" (nil) from explicit values.
type CLIOverrides struct {
	ConfigPath string
	Listen     *string
	DataDir    *string
}

// Resolve loads configuration and applies the four-layer override chain:
// defaults -> config file -> environment variables -> CLI flags.
// It returns the effective Config together with the path it was resolved
// from, so commands can report which file is in use.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Config, string, error) {
	// 1. Resolve config path: CLI > env > default
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	// 2. Load config file (returns defaults if no file exists)
	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, "", err
	}

	// 3. Apply env overrides
	if env.DataDir != "" {
		cfg.DataDir = env.DataDir
	}

	if env.Listen != "" {
		cfg.Listen = env.Listen
	}

	// 4. Apply CLI overrides (pointer fields: nil = not specified)
	if cli.Listen != nil {
		cfg.Listen = *cli.Listen
	}

	if cli.DataDir != nil {
		cfg.DataDir = *cli.DataDir
	}

	// 5. Fall back to the platform data directory when none was configured
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir()
	}

	if cfg.DataDir == "" {
		return nil, "", errors.New("cannot determine data directory: home directory unknown")
	}

	// 6. Validate the final configuration
	if err := Validate(cfg); err != nil {
		return nil, "", fmt.Errorf("config validation: %w", err)
	}

	return cfg, cfgPath, nil
}
