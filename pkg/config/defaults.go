package config

import (
	"strings"
	"time"

	"github.com/cloudbackup/server/internal/bytesize"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Zero values are replaced with defaults; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	if cfg.ServerPort == 0 {
		cfg.ServerPort = 8080
	}
	if cfg.BackupFileDir == "" {
		cfg.BackupFileDir = "/var/lib/cloudbackup/files"
	}
	if cfg.DataManagerFilepath == "" {
		cfg.DataManagerFilepath = "/var/lib/cloudbackup/data_manager.json"
	}
	if cfg.ThreadPoolThreadsSize == 0 {
		cfg.ThreadPoolThreadsSize = 8
	}
	if cfg.ThreadPoolQueueCapacity == 0 {
		cfg.ThreadPoolQueueCapacity = 1024
	}
	if cfg.ListenQueueSize == 0 {
		cfg.ListenQueueSize = 1024
	}
	if cfg.EpollEventsSize == 0 {
		cfg.EpollEventsSize = 64
	}
	if cfg.TCPBufferReadSize == 0 {
		cfg.TCPBufferReadSize = 64 * bytesize.KiB
	}
	if cfg.PerHandleRequestSize == 0 {
		cfg.PerHandleRequestSize = 1 * bytesize.MiB
	}
	if cfg.MaxFileReadSize == 0 {
		cfg.MaxFileReadSize = 1 * bytesize.MiB
	}
	if cfg.LRUFileCapacity == 0 {
		cfg.LRUFileCapacity = 128
	}
	if cfg.LRUFileContentSize == 0 {
		cfg.LRUFileContentSize = 256 * bytesize.KiB
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	applyLoggingDefaults(&cfg.Logging)
	applyMetricsDefaults(&cfg.Metrics)
}

// applyLoggingDefaults sets logging defaults and normalizes the level.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyMetricsDefaults sets metrics server defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// Useful for generating sample configuration files, tests, and documentation.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
