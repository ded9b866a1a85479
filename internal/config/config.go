package config

import (
	"time"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Remote       RemoteConfig       `mapstructure:"remote"`
	Local        LocalConfig        `mapstructure:"local"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Conflict     ConflictConfig     `mapstructure:"conflict"`
}

type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	Host         string `mapstructure:"host"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
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

type StorageConfig struct {
	// Path of the sqlite database holding the action log, the request
	// cache and the last-sync snapshot.
	FilePath string `mapstructure:"file_path"`
}

type RemoteConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	User           string `mapstructure:"user"`
	AuthToken      string `mapstructure:"auth_token"`
	RefreshToken   string `mapstructure:"refresh_token"`
	RequestTimeout string `mapstructure:"request_timeout"`
	RefreshTimeout string `mapstructure:"refresh_timeout"`
}

func (r RemoteConfig) GetRequestTimeout() time.Duration {
	return parseDuration(r.RequestTimeout, 30*time.Second)
}

func (r RemoteConfig) GetRefreshTimeout() time.Duration {
	return parseDuration(r.RefreshTimeout, 3*time.Second)
}

type LocalConfig struct {
	InstancesDir string `mapstructure:"instances_dir"`
}

type ConnectivityConfig struct {
	ProbeURL      string `mapstructure:"probe_url"`
	ProbeInterval string `mapstructure:"probe_interval"`
	ProbeTimeout  string `mapstructure:"probe_timeout"`
}

func (c ConnectivityConfig) GetProbeInterval() time.Duration {
	return parseDuration(c.ProbeInterval, 30*time.Second)
}

func (c ConnectivityConfig) GetProbeTimeout() time.Duration {
	return parseDuration(c.ProbeTimeout, 3*time.Second)
}

type QueueConfig struct {
	MaxAttempts   int    `mapstructure:"max_attempts"`
	BackoffBase   string `mapstructure:"backoff_base"`
	BackoffCap    string `mapstructure:"backoff_cap"`
	DrainInterval string `mapstructure:"drain_interval"`
}

func (q QueueConfig) GetMaxAttempts() int {
	if q.MaxAttempts <= 0 {
		return 5
	}
	return q.MaxAttempts
}

func (q QueueConfig) GetBackoffBase() time.Duration {
	return parseDuration(q.BackoffBase, 1*time.Second)
}

func (q QueueConfig) GetBackoffCap() time.Duration {
	return parseDuration(q.BackoffCap, 60*time.Second)
}

func (q QueueConfig) GetDrainInterval() time.Duration {
	return parseDuration(q.DrainInterval, 30*time.Second)
}

type CacheConfig struct {
	DefaultTTL string `mapstructure:"default_ttl"`
	Namespace  string `mapstructure:"namespace"`
}

func (c CacheConfig) GetDefaultTTL() time.Duration {
	return parseDuration(c.DefaultTTL, 24*time.Hour)
}

func (c CacheConfig) GetNamespace() string {
	if c.Namespace == "" {
		return "requestcache:"
	}
	return c.Namespace
}

type ConflictConfig struct {
	ScanEnabled  bool   `mapstructure:"scan_enabled"`
	ScanInterval string `mapstructure:"scan_interval"`
}

func (c ConflictConfig) GetScanInterval() time.Duration {
	return parseDuration(c.ScanInterval, 15*time.Minute)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
