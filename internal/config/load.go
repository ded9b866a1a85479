package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7345)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("storage.file_path", "sync.db")
	v.SetDefault("local.instances_dir", "instances")
	v.SetDefault("connectivity.probe_url", "https://connectivitycheck.gstatic.com/generate_204")
	v.SetDefault("connectivity.probe_interval", "30s")
	v.SetDefault("connectivity.probe_timeout", "3s")
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.backoff_base", "1s")
	v.SetDefault("queue.backoff_cap", "60s")
	v.SetDefault("queue.drain_interval", "30s")
	v.SetDefault("cache.default_ttl", "24h")
	v.SetDefault("conflict.scan_enabled", true)
	v.SetDefault("conflict.scan_interval", "15m")

	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine, defaults apply. A malformed one is not.
		if !os.IsNotExist(err) {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &cfg, nil
}
