package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
[[qbittorrent_instances]]
name = "qb1"
url = "http://localhost:8080"
username = "admin"
password = "secret"
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "upload_speed", cfg.Scheduler.PrimarySortKey)
	assert.Equal(t, 5, cfg.Scheduler.MaxNewTasksPerInstance)
	assert.Equal(t, 10, cfg.Scheduler.PollInterval)
	assert.False(t, cfg.Scheduler.DebugAddStopped)

	assert.Equal(t, 10, cfg.Connection.ConnectionTimeout)
	assert.Equal(t, 180, cfg.Connection.ReconnectInterval)
	assert.Equal(t, 1, cfg.Connection.MaxReconnectAttempts)

	assert.Equal(t, 3, cfg.Announce.FastAnnounceInterval)
	assert.Equal(t, 12, cfg.Announce.MaxAnnounceRetries)
	assert.Equal(t, 60, cfg.Announce.SlowAfter)
	assert.Equal(t, 3, cfg.Announce.MinPeers)

	assert.True(t, cfg.Webhook.Enabled)
	assert.Equal(t, 5000, cfg.Webhook.Port)
	assert.Equal(t, "/webhook", cfg.Webhook.Path)

	require.Len(t, cfg.Instances, 1)
	assert.Equal(t, "qb1", cfg.Instances[0].Name)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[scheduler]
primary_sort_key = "active_downloads"
max_new_tasks_per_instance = 2
poll_interval = 5

[announce]
max_announce_retries = 3

[[qbittorrent_instances]]
name = "qb1"
url = "http://localhost:8080"
username = "admin"
password = "secret"
traffic_check_url = "http://localhost:9000/traffic"
traffic_limit = 1000
reserved_space = 512
`))
	require.NoError(t, err)

	assert.Equal(t, "active_downloads", cfg.Scheduler.PrimarySortKey)
	assert.Equal(t, 2, cfg.Scheduler.MaxNewTasksPerInstance)
	assert.Equal(t, 3, cfg.Announce.MaxAnnounceRetries)

	inst := cfg.Instances[0]
	assert.Equal(t, int64(1000*1024*1024), inst.TrafficLimitBytes())
	assert.Equal(t, int64(512*1024*1024), inst.ReservedSpaceBytes())
}

func TestLoadEnvOverlay(t *testing.T) {
	t.Setenv("QBLB_WEBHOOK_PORT", "6000")
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	assert.Equal(t, 6000, cfg.Webhook.Port)
}

func TestValidateNoInstances(t *testing.T) {
	_, err := Load(writeConfig(t, `log_dir = ""`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one")
}

func TestValidateDuplicateNames(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
[[qbittorrent_instances]]
name = "qb1"
url = "http://localhost:8081"
username = "admin"
password = "secret"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate instance name")
}

func TestValidateMissingCredentials(t *testing.T) {
	_, err := Load(writeConfig(t, `
[[qbittorrent_instances]]
name = "qb1"
url = "http://localhost:8080"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "username and password")
}

func TestValidateTrafficLimitWithoutURL(t *testing.T) {
	_, err := Load(writeConfig(t, `
[[qbittorrent_instances]]
name = "qb1"
url = "http://localhost:8080"
username = "admin"
password = "secret"
traffic_limit = 1000
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "traffic_check_url")
}

func TestValidateSortKeyFallback(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[scheduler]
primary_sort_key = "disk_io"
`+minimalConfig))
	require.NoError(t, err)
	assert.Equal(t, "upload_speed", cfg.Scheduler.PrimarySortKey)
}

func TestValidateFastIntervalClamp(t *testing.T) {
	for _, v := range []int{0, 1, 11, 60} {
		cfg := validConfig()
		cfg.Announce.FastAnnounceInterval = v
		require.NoError(t, cfg.Validate())
		assert.Equal(t, 3, cfg.Announce.FastAnnounceInterval, "interval %d should clamp", v)
	}

	cfg := validConfig()
	cfg.Announce.FastAnnounceInterval = 5
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5, cfg.Announce.FastAnnounceInterval)
}

func TestValidateWatchDirRequired(t *testing.T) {
	cfg := validConfig()
	cfg.Watch.Enabled = true
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "watch.dir")
}

func validConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			PrimarySortKey:         "upload_speed",
			MaxNewTasksPerInstance: 5,
			PollInterval:           10,
		},
		Connection: ConnectionConfig{
			ConnectionTimeout:    10,
			ReconnectInterval:    180,
			MaxReconnectAttempts: 1,
		},
		Announce: AnnounceConfig{
			FastAnnounceInterval: 3,
			MaxAnnounceRetries:   12,
			MinPeers:             3,
		},
		Instances: []InstanceConfig{{
			Name: "qb1", URL: "http://localhost:8080", Username: "admin", Password: "secret",
		}},
	}
}
