package world

import (
	"errors"
	"time"
)

// Config tunes a World and the subscriptions it opens.
type Config struct {
	MaxChangesPerUpdate int     `yaml:"max_changes_per_update"`
	BootstrapBatchSize  int     `yaml:"bootstrap_batch_size"`
	BootstrapRate       float64 `yaml:"bootstrap_rate"`
	// ReadBatchSize is the number of log entries fetched per read.
	ReadBatchSize int           `yaml:"read_batch_size"`
	ReadBlock     time.Duration `yaml:"read_block"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	TrimInterval      time.Duration `yaml:"trim_interval"`
	MaxLogLength      int64         `yaml:"max_log_length"`
}

func DefaultConfig() Config {
	return Config{
		MaxChangesPerUpdate: 1000,
		BootstrapBatchSize:  500,
		ReadBatchSize:       100,
		ReadBlock:           5 * time.Second,
		HeartbeatInterval:   time.Second,
		TrimInterval:        10 * time.Second,
		MaxLogLength:        100_000,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.MaxChangesPerUpdate <= 0 {
		errs = append(errs, errors.New("max_changes_per_update must be positive"))
	}
	if c.BootstrapBatchSize <= 0 {
		errs = append(errs, errors.New("bootstrap_batch_size must be positive"))
	}
	if c.BootstrapRate < 0 {
		errs = append(errs, errors.New("bootstrap_rate must not be negative"))
	}
	if c.ReadBatchSize <= 0 {
		errs = append(errs, errors.New("read_batch_size must be positive"))
	}
	if c.ReadBlock <= 0 {
		errs = append(errs, errors.New("read_block must be positive"))
	}
	if c.MaxLogLength < 0 {
		errs = append(errs, errors.New("max_log_length must not be negative"))
	}
	return errors.Join(errs...)
}
