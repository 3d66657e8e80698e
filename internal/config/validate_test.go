package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_Fields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty data dir", func(c *Config) { c.DataDir = "" }, "data_dir"},
		{"relative remote", func(c *Config) { c.Remote.URL = "couch.local" }, "remote.url"},
		{"ftp remote", func(c *Config) { c.Remote.URL = "ftp://couch.local" }, "remote.url"},
		{"bad auth url", func(c *Config) { c.Remote.AuthURL = "/auth/login" }, "remote.auth_url"},
		{"empty database", func(c *Config) { c.Remote.Database = "" }, "remote.database"},
		{"uppercase database", func(c *Config) { c.Remote.Database = "HealthMap" }, "remote.database"},
		{"short timeout", func(c *Config) { c.Remote.RequestTimeout = "10ms" }, "remote.request_timeout"},
		{"bad body size", func(c *Config) { c.Remote.MaxBodySize = "huge" }, "remote.max_body_size"},
		{"tiny body size", func(c *Config) { c.Remote.MaxBodySize = "10KB" }, "remote.max_body_size"},
		{"bad mode", func(c *Config) { c.Sync.Mode = "hourly" }, "sync.mode"},
		{"short interval", func(c *Config) { c.Sync.Interval = "5s" }, "sync.interval"},
		{"bad poll", func(c *Config) { c.Sync.PollInterval = "often" }, "sync.poll_interval"},
		{"batch too big", func(c *Config) { c.Sync.BatchSize = 5000 }, "sync.batch_size"},
		{"no retries", func(c *Config) { c.Sync.MaxRetries = 0 }, "sync.max_retries"},
		{"zero backoff", func(c *Config) { c.Sync.BaseBackoff = "0s" }, "sync.base_backoff"},
		{"inverted backoff", func(c *Config) { c.Sync.BaseBackoff = "2m" }, "sync.max_backoff"},
		{"bad probe url", func(c *Config) { c.Network.ProbeURL = "nope" }, "network.probe_url"},
		{"short probe timeout", func(c *Config) { c.Network.ProbeTimeout = "1ms" }, "network.probe_timeout"},
		{"negative debounce", func(c *Config) { c.Network.Debounce = "-1s" }, "network.debounce"},
		{"fast link poll", func(c *Config) { c.Network.LinkPollInterval = "1ms" }, "network.link_poll_interval"},
		{"bad level", func(c *Config) { c.Logging.LogLevel = "trace" }, "logging.log_level"},
		{"bad format", func(c *Config) { c.Logging.LogFormat = "yaml" }, "logging.log_format"},
		{"bad listen", func(c *Config) { c.Status.Listen = "8765" }, "status.listen"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.DataDir = "/data"
			tt.mutate(cfg)

			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_AccumulatesErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/data"
	cfg.Sync.Mode = "x"
	cfg.Sync.BatchSize = 0
	cfg.Logging.LogLevel = "loud"

	err := Validate(cfg)
	require.Error(t, err)

	joined, ok := err.(interface{ Unwrap() []error })
	require.True(t, ok)
	assert.Len(t, joined.Unwrap(), 3)
}

func TestValidate_AcceptsDisabledStatusAndHTTP(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Remote.URL = "http://localhost:5984"
	cfg.Status.Listen = ""
	cfg.Network.Debounce = "0s"

	assert.NoError(t, Validate(cfg))
	assert.NoError(t, ValidateRemote(cfg))
}
