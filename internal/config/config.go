// Package config loads the worldstore process configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/zeusync/worldstore/internal/core/observability/log"
	"github.com/zeusync/worldstore/internal/core/replica"
	"github.com/zeusync/worldstore/internal/core/world"
	"github.com/zeusync/worldstore/internal/core/world/boltstore"
	"github.com/zeusync/worldstore/internal/core/world/redisstore"
	"github.com/zeusync/worldstore/internal/server"
)

// Backend names accepted in Config.Backend.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendBolt   = "bolt"
)

var backends = []string{BackendMemory, BackendRedis, BackendBolt}

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Log     log.Config        `yaml:"log"`
	Backend string            `yaml:"backend"`
	Redis   redisstore.Config `yaml:"redis"`
	Bolt    boltstore.Config  `yaml:"bolt"`
	World   world.Config      `yaml:"world"`
	Retry   world.RetryPolicy `yaml:"retry"`
	Server  server.Config     `yaml:"server"`
	Replica replica.Config    `yaml:"replica"`
}

func DefaultConfig() Config {
	return Config{
		Log:     log.DefaultConfig(),
		Backend: BackendMemory,
		Redis:   redisstore.DefaultConfig(),
		Bolt:    boltstore.DefaultConfig(),
		World:   world.DefaultConfig(),
		Retry:   world.DefaultRetryPolicy(),
		Server:  server.DefaultConfig(),
		Replica: replica.DefaultConfig(),
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		cfg := DefaultConfig()
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(bytes.NewReader(data))
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. Unknown
// keys are rejected.
func Parse(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if !slices.Contains(backends, c.Backend) {
		errs = append(errs, fmt.Errorf("backend %q: want one of %v", c.Backend, backends))
	}
	switch c.Backend {
	case BackendRedis:
		if len(c.Redis.Addrs) == 0 {
			errs = append(errs, errors.New("redis.addrs: at least one address is required"))
		}
	case BackendBolt:
		if c.Bolt.Path == "" {
			errs = append(errs, errors.New("bolt.path: required"))
		}
	}
	if err := c.World.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("world: %w", err))
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("retry.max_attempts: must be positive"))
	}
	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("server: %w", err))
	}
	if c.Replica.StallTimeout < 0 {
		errs = append(errs, errors.New("replica.stall_timeout: must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
