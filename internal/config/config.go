package config

import (
	"time"
)

type Config struct {
	Backends   BackendsConfig   `mapstructure:"backends"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Connection ConnectionConfig `mapstructure:"connection"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type BackendsConfig struct {
	Primary  PrimaryConfig  `mapstructure:"primary"`
	Fallback FallbackConfig `mapstructure:"fallback"`
}

type PrimaryConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Timeout string `mapstructure:"timeout"`
}

func (p PrimaryConfig) GetTimeout() time.Duration {
	return parseDuration(p.Timeout, 10*time.Second)
}

type FallbackConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

type StorageConfig struct {
	// Type selects the local storage backend: sqlite or memory.
	Type string `mapstructure:"type"`
	Path string `mapstructure:"path"`
}

type ConnectionConfig struct {
	// Priority is the tier preference order, e.g. [primary, fallback, offline].
	Priority       []string `mapstructure:"priority"`
	HealthInterval string   `mapstructure:"health_interval"`
	ProbeTimeout   string   `mapstructure:"probe_timeout"`
}

func (c ConnectionConfig) GetHealthInterval() time.Duration {
	return parseDuration(c.HealthInterval, 30*time.Second)
}

func (c ConnectionConfig) GetProbeTimeout() time.Duration {
	return parseDuration(c.ProbeTimeout, 5*time.Second)
}

type SyncConfig struct {
	MaxRetries     int      `mapstructure:"max_retries"`
	ConflictPolicy string   `mapstructure:"conflict_policy"`
	EntityTypes    []string `mapstructure:"entity_types"`
	AutoSync       bool     `mapstructure:"auto_sync"`
	Interval       string   `mapstructure:"interval"`
}

func (s SyncConfig) GetInterval() time.Duration {
	return parseDuration(s.Interval, 0)
}

type CacheConfig struct {
	DefaultTTL    string `mapstructure:"default_ttl"`
	SweepInterval string `mapstructure:"sweep_interval"`
}

func (c CacheConfig) GetDefaultTTL() time.Duration {
	return parseDuration(c.DefaultTTL, 5*time.Minute)
}

func (c CacheConfig) GetSweepInterval() time.Duration {
	return parseDuration(c.SweepInterval, time.Minute)
}

type ServerConfig struct {
	Host         string   `mapstructure:"host"`
	Port         int      `mapstructure:"port"`
	AuthToken    string   `mapstructure:"auth_token"`
	ReadTimeout  string   `mapstructure:"read_timeout"`
	WriteTimeout string   `mapstructure:"write_timeout"`
	CorsOrigins  []string `mapstructure:"cors_origins"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	return parseDuration(s.ReadTimeout, 15*time.Second)
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	return parseDuration(s.WriteTimeout, 15*time.Second)
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
