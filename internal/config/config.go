// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for healthmap. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags) and
// hot reload of the config file while the sync daemon runs.
package config

import "time"

// Sync modes.
const (
	ModeLive     = "live"
	ModePeriodic = "periodic"
	ModeManual   = "manual"
)

// Config is the top-level configuration structure parsed from a TOML file.
// Durations and sizes are kept as the strings the user wrote; the typed
// accessors on each section parse them after validation.
type Config struct {
	DataDir string        `toml:"data_dir"`
	Remote  RemoteConfig  `toml:"remote"`
	Sync    SyncConfig    `toml:"sync"`
	Network NetworkConfig `toml:"network"`
	Logging LoggingConfig `toml:"logging"`
	Status  StatusConfig  `toml:"status"`
}

// RemoteConfig locates the shared document database and the auth API.
type RemoteConfig struct {
	URL               string `toml:"url"`
	Database          string `toml:"database"`
	AuthURL           string `toml:"auth_url"`
	RequestTimeout    string `toml:"request_timeout"`
	MaxBodySize       string `toml:"max_body_size"`
	InstallDesignDocs bool   `toml:"install_design_docs"`
}

// SyncConfig controls how and how often the local store replicates.
type SyncConfig struct {
	Mode             string `toml:"mode"`
	Interval         string `toml:"interval"`
	PollInterval     string `toml:"poll_interval"`
	BatchSize        int    `toml:"batch_size"`
	MaxRetries       int    `toml:"max_retries"`
	BaseBackoff      string `toml:"base_backoff"`
	MaxBackoff       string `toml:"max_backoff"`
	PurgeTombstones  bool   `toml:"purge_tombstones"`
	ResolveConflicts bool   `toml:"resolve_conflicts"`
}

// NetworkConfig tunes connectivity detection. An empty probe_url probes the
// remote url.
type NetworkConfig struct {
	ProbeURL         string `toml:"probe_url"`
	ProbeTimeout     string `toml:"probe_timeout"`
	ProbeInterval    string `toml:"probe_interval"`
	Debounce         string `toml:"debounce"`
	LinkPollInterval string `toml:"link_poll_interval"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	LogFile   string `toml:"log_file"`
}

// StatusConfig configures the local status API. An empty listen address
// disables it.
type StatusConfig struct {
	Listen string `toml:"listen"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	RemoteURL  *string // --remote flag
	DataDir    *string // --data-dir flag
	SyncMode   *string // --mode flag
}

// Timeout returns the per-request timeout.
func (r RemoteConfig) Timeout() time.Duration {
	return durationOr(r.RequestTimeout, defaultRequestTimeout)
}

// BodyLimit returns the request body size limit in bytes.
func (r RemoteConfig) BodyLimit() int64 {
	n, err := ParseSize(r.MaxBodySize)
	if err != nil || n <= 0 {
		n, _ = ParseSize(defaultMaxBodySize)
	}

	return n
}

// IntervalDuration returns the periodic replication interval.
func (s SyncConfig) IntervalDuration() time.Duration {
	return durationOr(s.Interval, defaultInterval)
}

// PollDuration returns how often the live session polls the remote.
func (s SyncConfig) PollDuration() time.Duration {
	return durationOr(s.PollInterval, defaultPollInterval)
}

// BaseBackoffDuration returns the first retry delay.
func (s SyncConfig) BaseBackoffDuration() time.Duration {
	return durationOr(s.BaseBackoff, defaultBaseBackoff)
}

// MaxBackoffDuration returns the retry delay cap.
func (s SyncConfig) MaxBackoffDuration() time.Duration {
	return durationOr(s.MaxBackoff, defaultMaxBackoff)
}

// ProbeTimeoutDuration returns the reachability probe timeout.
func (n NetworkConfig) ProbeTimeoutDuration() time.Duration {
	return durationOr(n.ProbeTimeout, defaultProbeTimeout)
}

// ProbeIntervalDuration returns the period between reachability probes.
func (n NetworkConfig) ProbeIntervalDuration() time.Duration {
	return durationOr(n.ProbeInterval, defaultProbeInterval)
}

// DebounceDuration returns the link event debounce window.
func (n NetworkConfig) DebounceDuration() time.Duration {
	return durationOr(n.Debounce, defaultDebounce)
}

// LinkPollDuration returns how often link state is sampled.
func (n NetworkConfig) LinkPollDuration() time.Duration {
	return durationOr(n.LinkPollInterval, defaultLinkPollInterval)
}

// EffectiveProbeURL returns the probe target, falling back to the remote url.
func (c *Config) EffectiveProbeURL() string {
	if c.Network.ProbeURL != "" {
		return c.Network.ProbeURL
	}

	return c.Remote.URL
}

func durationOr(s, fallback string) time.Duration {
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}

	d, _ := time.ParseDuration(fallback)

	return d
}
