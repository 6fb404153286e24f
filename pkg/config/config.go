package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/cloudbackup/server/internal/bytesize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the cloud backup server configuration.
//
// It captures everything needed to stand up the reactor, worker pool,
// metadata registry and prefix cache on a single host. There is no notion
// of users, shares or remote nodes: one process, one backup directory.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (CLOUDBACKUP_*)
//  2. Configuration file (YAML)
//  3. Default values
type Config struct {
	// ServerPort is the TCP port the reactor listens on.
	ServerPort int `mapstructure:"server_port" validate:"required,min=1,max=65535" yaml:"server_port"`

	// BackupFileDir is the directory committed files are stored in.
	BackupFileDir string `mapstructure:"backup_file_dir" validate:"required" yaml:"backup_file_dir"`

	// DataManagerFilepath is the path to the metadata registry's JSON snapshot.
	DataManagerFilepath string `mapstructure:"data_manager_filepath" validate:"required" yaml:"data_manager_filepath"`

	// ThreadPoolThreadsSize is the fixed number of worker goroutines.
	ThreadPoolThreadsSize int `mapstructure:"thread_pool_threads_size" validate:"required,gt=0" yaml:"thread_pool_threads_size"`

	// ThreadPoolQueueCapacity is the bound on queued-but-not-yet-running tasks.
	ThreadPoolQueueCapacity int `mapstructure:"thread_pool_queue_capacity" validate:"required,gt=0" yaml:"thread_pool_queue_capacity"`

	// ListenQueueSize is the accept() backlog passed to listen(2).
	ListenQueueSize int `mapstructure:"listen_queue_size" validate:"required,gt=0" yaml:"listen_queue_size"`

	// EpollEventsSize is the epoll_wait batch size per reactor pass.
	EpollEventsSize int `mapstructure:"epoll_events_size" validate:"required,gt=0" yaml:"epoll_events_size"`

	// TCPBufferReadSize is the chunk size of each read() off a client socket.
	TCPBufferReadSize bytesize.ByteSize `mapstructure:"tcp_buffer_read_size" validate:"required" yaml:"tcp_buffer_read_size"`

	// PerHandleRequestSize bounds how much of a session's input buffer the
	// parser is allowed to consume in a single scheduling pass.
	PerHandleRequestSize bytesize.ByteSize `mapstructure:"per_handle_request_size" validate:"required" yaml:"per_handle_request_size"`

	// MaxFileReadSize is the largest disk chunk read per download step.
	MaxFileReadSize bytesize.ByteSize `mapstructure:"max_file_read_size" validate:"required" yaml:"max_file_read_size"`

	// LRUFileCapacity is the maximum number of entries the prefix cache holds.
	LRUFileCapacity int `mapstructure:"lru_file_capacity" validate:"required,gt=0" yaml:"lru_file_capacity"`

	// LRUFileContentSize is the number of leading bytes cached per file.
	LRUFileContentSize bytesize.ByteSize `mapstructure:"lru_file_content_size" validate:"required" yaml:"lru_file_content_size"`

	// ShutdownTimeout bounds how long graceful shutdown waits for in-flight
	// sessions to drain and workers to finish before forcing close.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Metrics contains Prometheus metrics server configuration.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive).
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format: text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written: stdout, stderr, or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// MetricsConfig configures the Prometheus metrics HTTP server, served on a
// port separate from the reactor's listening socket.
type MetricsConfig struct {
	// Enabled controls whether the metrics HTTP server is started.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the metrics endpoint.
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// Load loads configuration from file, environment, and defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	if !configFileFound {
		return GetDefaultConfig(), nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages pointing the
// operator at `cloudbackupd init` when no config file is present.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  cloudbackupd init\n\n"+
				"Or specify a custom config file:\n"+
				"  cloudbackupd <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s\n\n"+
			"Please create the configuration file:\n"+
			"  cloudbackupd init --config %s",
			configPath, configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to the specified file path as YAML.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// CLOUDBACKUP_SERVER_PORT=9000, CLOUDBACKUP_LOGGING_LEVEL=DEBUG, etc.
	v.SetEnvPrefix("CLOUDBACKUP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		configDir := getConfigDir()
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error).
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}

	return true, nil
}

// configDecodeHooks returns the combined decode hook for ByteSize and
// time.Duration fields.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings and numbers to bytesize.ByteSize so
// config files can write "256Ki" instead of a raw byte count.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings like "30s" to time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path, honoring
// XDG_CONFIG_HOME and falling back to ~/.config/cloudbackup.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "cloudbackup")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "cloudbackup")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
