package config

import (
	"github.com/knadh/koanf/v2"
)

func loadDefaults(k *koanf.Koanf) error {
	defaults := map[string]any{
		"log_dir": "",

		"logging.level": "info",

		"scheduler.primary_sort_key":           "upload_speed",
		"scheduler.max_new_tasks_per_instance": 5,
		"scheduler.poll_interval":              10,
		"scheduler.debug_add_stopped":          false,

		"connection.connection_timeout":     10,
		"connection.reconnect_interval":     180,
		"connection.max_reconnect_attempts": 1,
		"connection.reconnect_retry_delay":  2,

		"announce.fast_announce_interval": 3,
		"announce.max_announce_retries":   12,
		"announce.slow_after":             60,
		"announce.min_peers":              3,

		"traffic.fetch_interval": 300,
		"traffic.fail_closed":    false,

		"webhook.enabled": true,
		"webhook.host":    "0.0.0.0",
		"webhook.port":    5000,
		"webhook.path":    "/webhook",

		"watch.enabled":          false,
		"watch.dir":              "",
		"watch.default_category": "",
	}

	for key, val := range defaults {
		if err := k.Set(key, val); err != nil {
			return err
		}
	}
	return nil
}
