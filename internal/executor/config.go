package executor

import (
	"fmt"
	"time"
)

// Config controls per-item retries of transient adapter failures
type Config struct {
	// Attempts per adapter call, including the first
	MaxAttempts int `toml:"max_attempts"`

	// Backoff before the second attempt; doubles up to MaxBackoff
	InitialBackoff time.Duration `toml:"initial_backoff"`
	MaxBackoff     time.Duration `toml:"max_backoff"`
}

// DefaultConfig returns the executor defaults
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// Validate checks the configuration for invalid values
func (c Config) Validate() error {
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("MaxAttempts must be positive, got %d", c.MaxAttempts)
	}
	if c.InitialBackoff <= 0 {
		return fmt.Errorf("InitialBackoff must be positive, got %v", c.InitialBackoff)
	}
	if c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("MaxBackoff (%v) must not be less than InitialBackoff (%v)", c.MaxBackoff, c.InitialBackoff)
	}
	return nil
}
