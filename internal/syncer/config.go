package syncer

import (
	"fmt"
	"time"
)

// Config defines the buffering of per-item run results before they reach the database
type Config struct {
	// Maximum buffered results before new ones are rejected
	MaxBufferedResults int `toml:"max_buffered_results"`

	// Number of batches the writer goroutine may fall behind
	BatchChannelSize int `toml:"batch_channel_size"`

	// Flushing is triggered by size OR time, whichever comes first
	FlushThreshold int           `toml:"flush_threshold"`
	FlushInterval  time.Duration `toml:"flush_interval"`
}

// DefaultConfig returns syncer defaults sized for a few concurrent runs
func DefaultConfig() Config {
	return Config{
		MaxBufferedResults: 10000,
		BatchChannelSize:   64,
		FlushThreshold:     200,
		FlushInterval:      1 * time.Second,
	}
}

// Validate checks the configuration and returns an error if invalid
func (c Config) Validate() error {
	if c.MaxBufferedResults <= 0 {
		return fmt.Errorf("MaxBufferedResults must be positive, got %d", c.MaxBufferedResults)
	}

	if c.BatchChannelSize <= 0 {
		return fmt.Errorf("BatchChannelSize must be positive, got %d", c.BatchChannelSize)
	}

	if c.FlushThreshold <= 0 {
		return fmt.Errorf("FlushThreshold must be positive, got %d", c.FlushThreshold)
	}

	if c.FlushThreshold > c.MaxBufferedResults {
		return fmt.Errorf("FlushThreshold (%d) must not exceed MaxBufferedResults (%d)",
			c.FlushThreshold, c.MaxBufferedResults)
	}

	if c.FlushInterval <= 0 {
		return fmt.Errorf("FlushInterval must be positive, got %v", c.FlushInterval)
	}

	return nil
}
