package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestDefaultConfig_AllFieldsPopulated(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.NotEmpty(t, cfg.DataDir)

	assert.Empty(t, cfg.Remote.URL)
	assert.Equal(t, "health-map-db", cfg.Remote.Database)
	assert.Equal(t, "8s", cfg.Remote.RequestTimeout)
	assert.Equal(t, "200MiB", cfg.Remote.MaxBodySize)
	assert.False(t, cfg.Remote.InstallDesignDocs)

	assert.Equal(t, ModeLive, cfg.Sync.Mode)
	assert.Equal(t, "5m", cfg.Sync.Interval)
	assert.Equal(t, "10s", cfg.Sync.PollInterval)
	assert.Equal(t, 100, cfg.Sync.BatchSize)
	assert.Equal(t, 5, cfg.Sync.MaxRetries)
	assert.True(t, cfg.Sync.PurgeTombstones)
	assert.True(t, cfg.Sync.ResolveConflicts)

	assert.Equal(t, "3s", cfg.Network.ProbeTimeout)
	assert.Equal(t, "300ms", cfg.Network.Debounce)

	assert.Equal(t, "info", cfg.Logging.LogLevel)
	assert.Equal(t, "auto", cfg.Logging.LogFormat)
	assert.Equal(t, "127.0.0.1:8765", cfg.Status.Listen)

	require.NoError(t, Validate(cfg))
}

func TestTypedAccessors(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8*time.Second, cfg.Remote.Timeout())
	assert.Equal(t, int64(200<<20), cfg.Remote.BodyLimit())
	assert.Equal(t, 5*time.Minute, cfg.Sync.IntervalDuration())
	assert.Equal(t, 10*time.Second, cfg.Sync.PollDuration())
	assert.Equal(t, time.Second, cfg.Sync.BaseBackoffDuration())
	assert.Equal(t, time.Minute, cfg.Sync.MaxBackoffDuration())
	assert.Equal(t, 3*time.Second, cfg.Network.ProbeTimeoutDuration())
	assert.Equal(t, 30*time.Second, cfg.Network.ProbeIntervalDuration())
	assert.Equal(t, 300*time.Millisecond, cfg.Network.DebounceDuration())
	assert.Equal(t, 2*time.Second, cfg.Network.LinkPollDuration())
}

func TestTypedAccessors_FallBackOnGarbage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sync.Interval = "soon"
	cfg.Remote.MaxBodySize = "lots"

	assert.Equal(t, 5*time.Minute, cfg.Sync.IntervalDuration())
	assert.Equal(t, int64(200<<20), cfg.Remote.BodyLimit())
}

func TestEffectiveProbeURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Remote.URL = "https://couch.example.org"

	assert.Equal(t, "https://couch.example.org", cfg.EffectiveProbeURL())

	cfg.Network.ProbeURL = "https://probe.example.org/health"
	assert.Equal(t, "https://probe.example.org/health", cfg.EffectiveProbeURL())
}

func TestDataPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/var/lib/healthmap"

	assert.Equal(t, "/var/lib/healthmap/healthmap.db", cfg.DatabasePath())
	assert.Equal(t, "/var/lib/healthmap/session.json", cfg.SessionPath())
	assert.Equal(t, "/var/lib/healthmap/healthmap.pid", cfg.PIDPath())
}

func TestDefaultDirs_RespectXDG(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("XDG variables apply to Linux only")
	}

	t.Setenv("XDG_CONFIG_HOME", "/xdg/config")
	t.Setenv("XDG_DATA_HOME", "/xdg/data")

	assert.Equal(t, "/xdg/config/healthmap", DefaultConfigDir())
	assert.Equal(t, "/xdg/config/healthmap/config.toml", DefaultConfigPath())
	assert.Equal(t, "/xdg/data/healthmap", DefaultDataDir())
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"0", 0, false},
		{"512", 512, false},
		{"1KB", 1000, false},
		{"1KiB", 1024, false},
		{"200MiB", 200 << 20, false},
		{"1.5GB", 1_500_000_000, false},
		{" 2 mib ", 2 << 20, false},
		{"-1", 0, true},
		{"-1MB", 0, true},
		{"abc", 0, true},
		{"MB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			if tt.wantErr {
				assert.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRenderEffective(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/data"
	cfg.Remote.URL = "https://couch.example.org"
	cfg.Logging.LogFile = "/var/log/healthmap.log"

	var sb strings.Builder
	require.NoError(t, RenderEffective(cfg, "/etc/healthmap/config.toml", &sb))

	out := sb.String()
	assert.Contains(t, out, "# Effective configuration (file: /etc/healthmap/config.toml)")
	assert.Contains(t, out, `data_dir = "/data"`)
	assert.Contains(t, out, "[remote]")
	assert.Contains(t, out, `"https://couch.example.org"`)
	assert.Contains(t, out, `mode              = "live"`)
	assert.Contains(t, out, "[network]")
	assert.Contains(t, out, `log_file   = "/var/log/healthmap.log"`)
	assert.Contains(t, out, `listen = "127.0.0.1:8765"`)
	assert.NotContains(t, out, "auth_url")
}

type failWriter struct{ n int }

func (w *failWriter) Write(p []byte) (int, error) {
	w.n++

	return 0, os.ErrClosed
}

func TestRenderEffective_StopsAtFirstError(t *testing.T) {
	w := &failWriter{}

	err := RenderEffective(DefaultConfig(), "x", w)
	require.ErrorIs(t, err, os.ErrClosed)
	assert.Equal(t, 1, w.n)
}
