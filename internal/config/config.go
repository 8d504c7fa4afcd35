package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog/log"
)

const mb = 1024 * 1024

// SupportedSortKeys are the allowed values for scheduler.primary_sort_key.
// All of them are smaller-is-better.
var SupportedSortKeys = []string{"upload_speed", "download_speed", "active_downloads"}

type Config struct {
	LogDir     string           `koanf:"log_dir"`
	Logging    LoggingConfig    `koanf:"logging"`
	Scheduler  SchedulerConfig  `koanf:"scheduler"`
	Connection ConnectionConfig `koanf:"connection"`
	Announce   AnnounceConfig   `koanf:"announce"`
	Traffic    TrafficConfig    `koanf:"traffic"`
	Webhook    WebhookConfig    `koanf:"webhook"`
	Watch      WatchConfig      `koanf:"watch"`
	Instances  []InstanceConfig `koanf:"qbittorrent_instances"`
}

type LoggingConfig struct {
	Level string `koanf:"level"`
}

type SchedulerConfig struct {
	PrimarySortKey         string `koanf:"primary_sort_key"`
	MaxNewTasksPerInstance int    `koanf:"max_new_tasks_per_instance"`
	PollInterval           int    `koanf:"poll_interval"`
	DebugAddStopped        bool   `koanf:"debug_add_stopped"`
}

func (c SchedulerConfig) PollEvery() time.Duration {
	return time.Duration(c.PollInterval) * time.Second
}

type ConnectionConfig struct {
	ConnectionTimeout    int `koanf:"connection_timeout"`
	ReconnectInterval    int `koanf:"reconnect_interval"`
	MaxReconnectAttempts int `koanf:"max_reconnect_attempts"`
	ReconnectRetryDelay  int `koanf:"reconnect_retry_delay"`
}

func (c ConnectionConfig) Timeout() time.Duration {
	return time.Duration(c.ConnectionTimeout) * time.Second
}

func (c ConnectionConfig) ReconnectEvery() time.Duration {
	return time.Duration(c.ReconnectInterval) * time.Second
}

func (c ConnectionConfig) RetryDelay() time.Duration {
	return time.Duration(c.ReconnectRetryDelay) * time.Second
}

type AnnounceConfig struct {
	FastAnnounceInterval int `koanf:"fast_announce_interval"`
	MaxAnnounceRetries   int `koanf:"max_announce_retries"`
	SlowAfter            int `koanf:"slow_after"`
	MinPeers             int `koanf:"min_peers"`
}

func (c AnnounceConfig) FastInterval() time.Duration {
	return time.Duration(c.FastAnnounceInterval) * time.Second
}

// SlowAfterAge is the job age at which announce cadence drops to 2x the
// fast interval.
func (c AnnounceConfig) SlowAfterAge() time.Duration {
	return time.Duration(c.SlowAfter) * time.Second
}

type TrafficConfig struct {
	FetchInterval int  `koanf:"fetch_interval"`
	FailClosed    bool `koanf:"fail_closed"`
}

func (c TrafficConfig) FetchEvery() time.Duration {
	return time.Duration(c.FetchInterval) * time.Second
}

type WebhookConfig struct {
	Enabled bool   `koanf:"enabled"`
	Host    string `koanf:"host"`
	Port    int    `koanf:"port"`
	Path    string `koanf:"path"`
}

type WatchConfig struct {
	Enabled         bool   `koanf:"enabled"`
	Dir             string `koanf:"dir"`
	DefaultCategory string `koanf:"default_category"`
}

type InstanceConfig struct {
	Name            string `koanf:"name"`
	URL             string `koanf:"url"`
	Username        string `koanf:"username"`
	Password        string `koanf:"password"`
	TrafficCheckURL string `koanf:"traffic_check_url"`
	TrafficLimitMB  int64  `koanf:"traffic_limit"`
	ReservedSpaceMB int64  `koanf:"reserved_space"`
}

func (c InstanceConfig) TrafficLimitBytes() int64 { return c.TrafficLimitMB * mb }

func (c InstanceConfig) ReservedSpaceBytes() int64 { return c.ReservedSpaceMB * mb }

// Load reads config from a TOML file (if provided) then overlays env vars.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k); err != nil {
		return nil, err
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
	}

	// Env overlay: QBLB_WEBHOOK_PORT -> webhook.port. Empty values are
	// skipped so they never shadow the TOML file.
	if err := k.Load(env.ProviderWithValue("QBLB_", ".", func(key, value string) (string, interface{}) {
		if value == "" {
			return "", nil
		}
		mapped := strings.Replace(
			strings.ToLower(strings.TrimPrefix(key, "QBLB_")),
			"_", ".", 1,
		)
		return mapped, value
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects structurally broken configs and normalizes soft fields
// (unknown sort key, out-of-range announce interval) with a warning.
func (c *Config) Validate() error {
	if len(c.Instances) == 0 {
		return fmt.Errorf("at least one qbittorrent_instances entry is required")
	}

	seen := make(map[string]bool, len(c.Instances))
	for i, inst := range c.Instances {
		if inst.Name == "" {
			return fmt.Errorf("instance %d: name is required", i)
		}
		if seen[inst.Name] {
			return fmt.Errorf("duplicate instance name %q", inst.Name)
		}
		seen[inst.Name] = true
		if inst.URL == "" {
			return fmt.Errorf("instance %s: url is required", inst.Name)
		}
		if _, err := url.Parse(inst.URL); err != nil {
			return fmt.Errorf("instance %s: invalid url: %w", inst.Name, err)
		}
		if inst.Username == "" || inst.Password == "" {
			return fmt.Errorf("instance %s: username and password are required", inst.Name)
		}
		if inst.TrafficLimitMB > 0 && inst.TrafficCheckURL == "" {
			return fmt.Errorf("instance %s: traffic_limit set without traffic_check_url", inst.Name)
		}
	}

	if !isSupportedSortKey(c.Scheduler.PrimarySortKey) {
		log.Warn().
			Str("primary_sort_key", c.Scheduler.PrimarySortKey).
			Str("fallback", "upload_speed").
			Msg("unsupported sort key, using default")
		c.Scheduler.PrimarySortKey = "upload_speed"
	}
	if c.Scheduler.MaxNewTasksPerInstance < 1 {
		return fmt.Errorf("max_new_tasks_per_instance must be >= 1")
	}
	if c.Scheduler.PollInterval < 1 {
		return fmt.Errorf("poll_interval must be >= 1 second")
	}

	// The fast cadence maps directly onto tracker request rate; keep it
	// inside a window trackers tolerate.
	if c.Announce.FastAnnounceInterval < 2 || c.Announce.FastAnnounceInterval > 10 {
		log.Warn().
			Int("fast_announce_interval", c.Announce.FastAnnounceInterval).
			Msg("fast_announce_interval outside 2-10s, using 3s")
		c.Announce.FastAnnounceInterval = 3
	}
	if c.Announce.MaxAnnounceRetries < 1 {
		return fmt.Errorf("max_announce_retries must be >= 1")
	}

	if c.Connection.MaxReconnectAttempts < 1 {
		return fmt.Errorf("max_reconnect_attempts must be >= 1")
	}
	if c.Connection.ReconnectInterval < 1 {
		return fmt.Errorf("reconnect_interval must be >= 1 second")
	}

	if c.Watch.Enabled && c.Watch.Dir == "" {
		return fmt.Errorf("watch.dir is required when watch.enabled is true")
	}
	return nil
}

func isSupportedSortKey(key string) bool {
	for _, k := range SupportedSortKeys {
		if k == key {
			return true
		}
	}
	return false
}
