package config

// Default values for configuration options. These are "layer 0" of the
// override chain and work without any config file, apart from the remote
// url which has no sensible default.
const (
	defaultDatabase         = "health-map-db"
	defaultRequestTimeout   = "8s"
	defaultMaxBodySize      = "200MiB"
	defaultMode             = ModeLive
	defaultInterval         = "5m"
	defaultPollInterval     = "10s"
	defaultBatchSize        = 100
	defaultMaxRetries       = 5
	defaultBaseBackoff      = "1s"
	defaultMaxBackoff       = "60s"
	defaultProbeTimeout     = "3s"
	defaultProbeInterval    = "30s"
	defaultDebounce         = "300ms"
	defaultLinkPollInterval = "2s"
	defaultLogLevel         = "info"
	defaultLogFormat        = "auto"
	defaultStatusListen     = "127.0.0.1:8765"
)

// DefaultConfig returns a Config populated with all default values.
// It is the starting point for TOML decoding, so unset fields keep their
// defaults, and the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		Remote:  defaultRemoteConfig(),
		Sync:    defaultSyncConfig(),
		Network: defaultNetworkConfig(),
		Logging: defaultLoggingConfig(),
		Status:  StatusConfig{Listen: defaultStatusListen},
	}
}

func defaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		Database:       defaultDatabase,
		RequestTimeout: defaultRequestTimeout,
		MaxBodySize:    defaultMaxBodySize,
	}
}

func defaultSyncConfig() SyncConfig {
	return SyncConfig{
		Mode:             defaultMode,
		Interval:         defaultInterval,
		PollInterval:     defaultPollInterval,
		BatchSize:        defaultBatchSize,
		MaxRetries:       defaultMaxRetries,
		BaseBackoff:      defaultBaseBackoff,
		MaxBackoff:       defaultMaxBackoff,
		PurgeTombstones:  true,
		ResolveConflicts: true,
	}
}

func defaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		ProbeTimeout:     defaultProbeTimeout,
		ProbeInterval:    defaultProbeInterval,
		Debounce:         defaultDebounce,
		LinkPollInterval: defaultLinkPollInterval,
	}
}

func defaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		LogLevel:  defaultLogLevel,
		LogFormat: defaultLogFormat,
	}
}
