package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig    = "HEALTHMAP_CONFIG"
	EnvRemoteURL = "HEALTHMAP_REMOTE_URL"
	EnvDataDir   = "HEALTHMAP_DATA_DIR"
	EnvSyncMode  = "HEALTHMAP_SYNC_MODE"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // HEALTHMAP_CONFIG: override config file path
	RemoteURL  string // HEALTHMAP_REMOTE_URL: remote database server
	DataDir    string // HEALTHMAP_DATA_DIR: local store and session location
	SyncMode   string // HEALTHMAP_SYNC_MODE: live, periodic or manual
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; Resolve applies the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		RemoteURL:  os.Getenv(EnvRemoteURL),
		DataDir:    os.Getenv(EnvDataDir),
		SyncMode:   os.Getenv(EnvSyncMode),
	}
}

// apply layers the environment over cfg.
func (e EnvOverrides) apply(cfg *Config) {
	if e.RemoteURL != "" {
		cfg.Remote.URL = e.RemoteURL
	}

	if e.DataDir != "" {
		cfg.DataDir = e.DataDir
	}

	if e.SyncMode != "" {
		cfg.Sync.Mode = e.SyncMode
	}
}

// apply layers the CLI flags over cfg.
func (c CLIOverrides) apply(cfg *Config) {
	if c.RemoteURL != nil {
		cfg.Remote.URL = *c.RemoteURL
	}

	if c.DataDir != nil {
		cfg.DataDir = *c.DataDir
	}

	if c.SyncMode != nil {
		cfg.Sync.Mode = *c.SyncMode
	}
}
