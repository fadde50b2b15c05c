package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// LoadConfig reads the yaml config at path, layering defaults under it and
// SYNC_-prefixed environment variables over it. A missing file is fine:
// the defaults describe a working single-node setup.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("backends.primary.base_url", "http://localhost:8080")
	v.SetDefault("backends.primary.timeout", "10s")
	v.SetDefault("backends.fallback.enabled", false)
	v.SetDefault("backends.fallback.port", 3306)
	v.SetDefault("storage.type", "sqlite")
	v.SetDefault("storage.path", "sync.db")
	v.SetDefault("connection.priority", []string{"primary", "fallback", "offline"})
	v.SetDefault("connection.health_interval", "30s")
	v.SetDefault("connection.probe_timeout", "5s")
	v.SetDefault("sync.max_retries", 3)
	v.SetDefault("sync.conflict_policy", "server_wins")
	v.SetDefault("sync.auto_sync", true)
	v.SetDefault("cache.default_ttl", "5m")
	v.SetDefault("cache.sweep_interval", "1m")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetEnvPrefix("SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, statErr := os.Stat(path); statErr == nil {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
			// No file: run on defaults and environment.
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
