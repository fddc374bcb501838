package config

import "time"

// Config holds client configuration values.
type Config struct {
	ServerURL string `mapstructure:"server_url" yaml:"server_url"`
	Token     string `mapstructure:"token" yaml:"token"`
	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`

	PageSize          int           `mapstructure:"page_size" yaml:"page_size"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	BackoffFloor      time.Duration `mapstructure:"backoff_floor" yaml:"backoff_floor"`
	BackoffCeiling    time.Duration `mapstructure:"backoff_ceiling" yaml:"backoff_ceiling"`
	TypingTTL         time.Duration `mapstructure:"typing_ttl" yaml:"typing_ttl"`
	TypingThrottle    time.Duration `mapstructure:"typing_throttle" yaml:"typing_throttle"`

	// ArchivePath enables the local sqlite message archive when non-empty.
	ArchivePath string `mapstructure:"archive_path" yaml:"archive_path"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		ServerURL:         "http://localhost:8080",
		LogLevel:          "info",
		PageSize:          50,
		HeartbeatInterval: 30 * time.Second,
		BackoffFloor:      time.Second,
		BackoffCeiling:    30 * time.Second,
		TypingTTL:         3 * time.Second,
		TypingThrottle:    2 * time.Second,
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.ServerURL != "" {
		c.ServerURL = other.ServerURL
	}
	if other.Token != "" {
		c.Token = other.Token
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.PageSize != 0 {
		c.PageSize = other.PageSize
	}
	if other.HeartbeatInterval != 0 {
		c.HeartbeatInterval = other.HeartbeatInterval
	}
	if other.BackoffFloor != 0 {
		c.BackoffFloor = other.BackoffFloor
	}
	if other.BackoffCeiling != 0 {
		c.BackoffCeiling = other.BackoffCeiling
	}
	if other.TypingTTL != 0 {
		c.TypingTTL = other.TypingTTL
	}
	if other.TypingThrottle != 0 {
		c.TypingThrottle = other.TypingThrottle
	}
	if other.ArchivePath != "" {
		c.ArchivePath = other.ArchivePath
	}
}
