package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Platform identifiers.
const (
	platformLinux  = "linux"
	platformDarwin = "darwin"
)

// Application directory name used across all platforms.
const appName = "healthmap"

// File names inside the config and data directories.
const (
	configFileName   = "config.toml"
	databaseFileName = "healthmap.db"
	sessionFileName  = "session.json"
	pidFileName      = "healthmap.pid"
)

// DefaultConfigDir returns the platform-specific directory for config files.
// On Linux, respects XDG_CONFIG_HOME (defaults to ~/.config/healthmap).
// On macOS, uses ~/Library/Application Support/healthmap.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return xdgDir("XDG_CONFIG_HOME", home, ".config")
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".config", appName)
	}
}

// DefaultDataDir returns the platform-specific directory for application
// data (local database, session, PID file).
// On Linux, respects XDG_DATA_HOME (defaults to ~/.local/share/healthmap).
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return xdgDir("XDG_DATA_HOME", home, filepath.Join(".local", "share"))
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".local", "share", appName)
	}
}

func xdgDir(envVar, home, fallback string) string {
	if xdg := os.Getenv(envVar); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(home, fallback, appName)
}

// DefaultConfigPath returns the full path to the default config file.
func DefaultConfigPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, configFileName)
}

// DatabasePath returns the local store location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, databaseFileName)
}

// SessionPath returns the login session file location.
func (c *Config) SessionPath() string {
	return filepath.Join(c.DataDir, sessionFileName)
}

// PIDPath returns the sync daemon lock file location.
func (c *Config) PIDPath() string {
	return filepath.Join(c.DataDir, pidFileName)
}
