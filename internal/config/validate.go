package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// Validation range constants.
const (
	minBatchSize      = 1
	maxBatchSize      = 1000
	minMaxRetries     = 1
	maxMaxRetries     = 20
	minInterval       = 10 * time.Second
	minPollInterval   = 1 * time.Second
	minRequestTimeout = 1 * time.Second
	minProbeTimeout   = 100 * time.Millisecond
	minProbeInterval  = 1 * time.Second
	minLinkPoll       = 100 * time.Millisecond
	minBodySizeBytes  = 1 << 20
	maxDatabaseName   = 238
)

// Validate checks all configuration values and returns all errors found,
// so users can fix every issue in one pass.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.DataDir == "" {
		errs = append(errs, errors.New("data_dir: must not be empty"))
	}

	errs = append(errs, validateRemote(&cfg.Remote)...)
	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateStatus(&cfg.Status)...)

	return errors.Join(errs...)
}

// ValidateRemote checks the settings needed to talk to the remote: an
// absolute http(s) url. Commands that never touch the remote skip it.
func ValidateRemote(cfg *Config) error {
	if cfg.Remote.URL == "" {
		return fmt.Errorf("remote.url: not set (set it in the config file or %s)", EnvRemoteURL)
	}

	return nil
}

func validateRemote(r *RemoteConfig) []error {
	var errs []error

	if r.URL != "" {
		errs = append(errs, validateHTTPURL("remote.url", r.URL)...)
	}

	if r.AuthURL != "" {
		errs = append(errs, validateHTTPURL("remote.auth_url", r.AuthURL)...)
	}

	if r.Database == "" {
		errs = append(errs, errors.New("remote.database: must not be empty"))
	} else if len(r.Database) > maxDatabaseName || strings.ToLower(r.Database) != r.Database {
		errs = append(errs, fmt.Errorf("remote.database: must be lowercase and at most %d characters, got %q",
			maxDatabaseName, r.Database))
	}

	errs = append(errs, validateDurationMin("remote.request_timeout", r.RequestTimeout, minRequestTimeout)...)

	if n, err := ParseSize(r.MaxBodySize); err != nil {
		errs = append(errs, fmt.Errorf("remote.max_body_size: %w", err))
	} else if n < minBodySizeBytes {
		errs = append(errs, fmt.Errorf("remote.max_body_size: must be at least 1MiB, got %s", r.MaxBodySize))
	}

	return errs
}

func validateHTTPURL(field, raw string) []error {
	u, err := url.Parse(raw)
	if err != nil {
		return []error{fmt.Errorf("%s: %w", field, err)}
	}

	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return []error{fmt.Errorf("%s: must be an absolute http or https url, got %q", field, raw)}
	}

	return nil
}

var validModes = map[string]bool{
	ModeLive:     true,
	ModePeriodic: true,
	ModeManual:   true,
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	if !validModes[s.Mode] {
		errs = append(errs, fmt.Errorf("sync.mode: must be one of live, periodic, manual; got %q", s.Mode))
	}

	errs = append(errs, validateDurationMin("sync.interval", s.Interval, minInterval)...)
	errs = append(errs, validateDurationMin("sync.poll_interval", s.PollInterval, minPollInterval)...)

	if s.BatchSize < minBatchSize || s.BatchSize > maxBatchSize {
		errs = append(errs, fmt.Errorf("sync.batch_size: must be between %d and %d, got %d",
			minBatchSize, maxBatchSize, s.BatchSize))
	}

	if s.MaxRetries < minMaxRetries || s.MaxRetries > maxMaxRetries {
		errs = append(errs, fmt.Errorf("sync.max_retries: must be between %d and %d, got %d",
			minMaxRetries, maxMaxRetries, s.MaxRetries))
	}

	base, baseErr := parsePositive("sync.base_backoff", s.BaseBackoff)
	if baseErr != nil {
		errs = append(errs, baseErr)
	}

	maxB, maxErr := parsePositive("sync.max_backoff", s.MaxBackoff)
	if maxErr != nil {
		errs = append(errs, maxErr)
	}

	if baseErr == nil && maxErr == nil && maxB < base {
		errs = append(errs, fmt.Errorf("sync.max_backoff: must be >= base_backoff (%s), got %s",
			s.BaseBackoff, s.MaxBackoff))
	}

	return errs
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	if n.ProbeURL != "" {
		errs = append(errs, validateHTTPURL("network.probe_url", n.ProbeURL)...)
	}

	errs = append(errs, validateDurationMin("network.probe_timeout", n.ProbeTimeout, minProbeTimeout)...)
	errs = append(errs, validateDurationMin("network.probe_interval", n.ProbeInterval, minProbeInterval)...)
	errs = append(errs, validateDurationNonNeg("network.debounce", n.Debounce)...)
	errs = append(errs, validateDurationMin("network.link_poll_interval", n.LinkPollInterval, minLinkPoll)...)

	return errs
}

func validateStatus(s *StatusConfig) []error {
	if s.Listen == "" {
		return nil
	}

	if _, _, err := net.SplitHostPort(s.Listen); err != nil {
		return []error{fmt.Errorf("status.listen: %w", err)}
	}

	return nil
}

func parsePositive(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}

	if d <= 0 {
		return 0, fmt.Errorf("%s: must be positive, got %s", field, value)
	}

	return d, nil
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be >= %s, got %s", field, minimum, value)}
	}

	return nil
}

func validateDurationNonNeg(field, value string) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < 0 {
		return []error{fmt.Errorf("%s: must not be negative, got %s", field, value)}
	}

	return nil
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("logging.log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("logging.log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	return errs
}
