package config

import (
	"fmt"
	"io"
)

// RenderEffective writes the resolved configuration as an annotated TOML-like
// summary to w. This powers "config show".
func RenderEffective(cfg *Config, path string, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (file: %s)\n\n", path)
	ew.printf("data_dir = %q\n\n", cfg.DataDir)

	renderRemoteSection(ew, &cfg.Remote)
	renderSyncSection(ew, &cfg.Sync)
	renderNetworkSection(ew, cfg)
	renderLoggingSection(ew, &cfg.Logging)

	ew.printf("[status]\n")
	ew.printf("  listen = %q\n", cfg.Status.Listen)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func renderRemoteSection(ew *errWriter, r *RemoteConfig) {
	ew.printf("[remote]\n")
	ew.printf("  url                 = %q\n", r.URL)
	ew.printf("  database            = %q\n", r.Database)

	if r.AuthURL != "" {
		ew.printf("  auth_url            = %q\n", r.AuthURL)
	}

	ew.printf("  request_timeout     = %q\n", r.RequestTimeout)
	ew.printf("  max_body_size       = %q\n", r.MaxBodySize)
	ew.printf("  install_design_docs = %t\n", r.InstallDesignDocs)
	ew.printf("\n")
}

func renderSyncSection(ew *errWriter, s *SyncConfig) {
	ew.printf("[sync]\n")
	ew.printf("  mode              = %q\n", s.Mode)
	ew.printf("  interval          = %q\n", s.Interval)
	ew.printf("  poll_interval     = %q\n", s.PollInterval)
	ew.printf("  batch_size        = %d\n", s.BatchSize)
	ew.printf("  max_retries       = %d\n", s.MaxRetries)
	ew.printf("  base_backoff      = %q\n", s.BaseBackoff)
	ew.printf("  max_backoff       = %q\n", s.MaxBackoff)
	ew.printf("  purge_tombstones  = %t\n", s.PurgeTombstones)
	ew.printf("  resolve_conflicts = %t\n", s.ResolveConflicts)
	ew.printf("\n")
}

func renderNetworkSection(ew *errWriter, cfg *Config) {
	n := &cfg.Network

	ew.printf("[network]\n")
	ew.printf("  probe_url          = %q\n", cfg.EffectiveProbeURL())
	ew.printf("  probe_timeout      = %q\n", n.ProbeTimeout)
	ew.printf("  probe_interval     = %q\n", n.ProbeInterval)
	ew.printf("  debounce           = %q\n", n.Debounce)
	ew.printf("  link_poll_interval = %q\n", n.LinkPollInterval)
	ew.printf("\n")
}

func renderLoggingSection(ew *errWriter, l *LoggingConfig) {
	ew.printf("[logging]\n")
	ew.printf("  log_level  = %q\n", l.LogLevel)
	ew.printf("  log_format = %q\n", l.LogFormat)

	if l.LogFile != "" {
		ew.printf("  log_file   = %q\n", l.LogFile)
	}

	ew.printf("\n")
}
