package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig  = "ZMD_CONFIG"
	EnvDataDir = "ZMD_DATA_DIR"
	EnvListen  = "ZMD_LISTEN"
)

// EnvOverrides holds values derived from environment variables.
// These are resolved by ReadEnvOverrides and made available to callers.
type EnvOverrides struct {
	ConfigPath string // ZMD_CONFIG: override config file path
	DataDir    string // ZMD_DATA_DIR: data directory override
	Listen     string // ZMD_LISTEN: control-plane listen address override
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; callers apply the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		DataDir:    os.Getenv(EnvDataDir),
		Listen:     os.Getenv(EnvListen),
	}
}
