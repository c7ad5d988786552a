package scheduler

import (
	"fmt"
	"time"
)

// SchedulerConfig defines configuration for the scheduler's main loop and worker pool
type SchedulerConfig struct {
	// Main loop iteration interval; every tick rebuilds the due index and dispatches
	TickInterval time.Duration `toml:"tick_interval"`

	// Number of rules that may run concurrently
	Workers int `toml:"workers"`

	// Dispatched rules waiting for a free worker. A full queue defers the rule to the next tick.
	QueueSize int `toml:"queue_size"`

	// Inbox buffer size
	InboxBufferSize int `toml:"inbox_buffer_size"`

	// Timeout for sending to inbox
	InboxSendTimeout time.Duration `toml:"inbox_send_timeout"`

	// How long Shutdown waits for in-flight runs before cancelling them
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

// DefaultSchedulerConfig returns the scheduler defaults
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		TickInterval:     30 * time.Second,
		Workers:          4,
		QueueSize:        16,
		InboxBufferSize:  256,
		InboxSendTimeout: 5 * time.Second,
		ShutdownTimeout:  30 * time.Second,
	}
}

// validateConfig validates scheduler configuration and returns error if invalid
func validateConfig(config SchedulerConfig) error {
	if config.TickInterval <= 0 {
		return fmt.Errorf("TickInterval must be positive, got %v", config.TickInterval)
	}

	if config.Workers <= 0 {
		return fmt.Errorf("Workers must be positive, got %d", config.Workers)
	}

	if config.QueueSize < 0 {
		return fmt.Errorf("QueueSize must not be negative, got %d", config.QueueSize)
	}

	if config.InboxBufferSize <= 0 {
		return fmt.Errorf("InboxBufferSize must be positive, got %d", config.InboxBufferSize)
	}

	if config.InboxSendTimeout <= 0 {
		return fmt.Errorf("InboxSendTimeout must be positive, got %v", config.InboxSendTimeout)
	}

	if config.ShutdownTimeout <= 0 {
		return fmt.Errorf("ShutdownTimeout must be positive, got %v", config.ShutdownTimeout)
	}

	return nil
}

// Validate checks the configuration for invalid values
func (c SchedulerConfig) Validate() error {
	return validateConfig(c)
}
