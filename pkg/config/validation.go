package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks a Config against its struct tags and cross-field
// invariants that the tags alone can't express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.ThreadPoolQueueCapacity < cfg.ThreadPoolThreadsSize {
		return fmt.Errorf("thread_pool_queue_capacity (%d) must be at least thread_pool_threads_size (%d)",
			cfg.ThreadPoolQueueCapacity, cfg.ThreadPoolThreadsSize)
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Port == cfg.ServerPort {
		return fmt.Errorf("metrics.port (%d) must differ from server_port", cfg.Metrics.Port)
	}

	return nil
}
