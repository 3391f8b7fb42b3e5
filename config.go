// Copyright 2015 Daniel Pupius

package rcache

import (
	"os"
	"runtime"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

type Config struct {
	// MemoryCacheSize bounds the default memory cache, in bytes.
	MemoryCacheSize int64 `yaml:"memoryCacheSize"`
	// MemoryCacheEntries additionally bounds the number of entries. Zero means
	// no limit.
	MemoryCacheEntries int `yaml:"memoryCacheEntries"`

	// DiskCacheDir enables the default disk cache. Empty means no disk tier
	// unless one is passed with WithDiskCache.
	DiskCacheDir string `yaml:"diskCacheDir"`
	// DiskCacheMinFreeGB is the free space required to open the disk cache.
	DiskCacheMinFreeGB int `yaml:"diskCacheMinFreeGB"`

	DiskCacheWorkers int `yaml:"diskCacheWorkers"`
	SourceWorkers    int `yaml:"sourceWorkers"`
	AnimationWorkers int `yaml:"animationWorkers"`
	// QueueSize is the number of tasks each bounded pool queues before
	// refusing work.
	QueueSize int `yaml:"queueSize"`

	// SweepInterval is how often the active resources are checked for handles
	// that were dropped without being released, e.g. "30s". "0" disables it.
	SweepInterval string `yaml:"sweepInterval"`

	LogLevel string `yaml:"logLevel"`
}

func DefaultConfig() Config {
	return Config{}.withDefaults()
}

// LoadConfig reads a YAML config file. Fields left out get their defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, errors.CodeInvalidConfig, "failed to read config %s", path)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, errors.Wrapf(err, errors.CodeInvalidConfig, "failed to parse config %s", path)
	}
	config = config.withDefaults()
	if err := config.validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

func (c Config) withDefaults() Config {
	if c.MemoryCacheSize == 0 {
		c.MemoryCacheSize = 64 << 20
	}
	if c.DiskCacheWorkers == 0 {
		c.DiskCacheWorkers = 1
	}
	if c.SourceWorkers == 0 {
		c.SourceWorkers = runtime.NumCPU()
	}
	if c.AnimationWorkers == 0 {
		c.AnimationWorkers = 2
	}
	if c.QueueSize == 0 {
		c.QueueSize = 1000
	}
	if c.SweepInterval == "" {
		c.SweepInterval = "30s"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return c
}

func (c Config) validate() error {
	if c.MemoryCacheSize < 0 {
		return errors.New(errors.CodeInvalidConfig, "memoryCacheSize must not be negative")
	}
	if c.DiskCacheWorkers < 0 || c.SourceWorkers < 0 || c.AnimationWorkers < 0 || c.QueueSize < 0 {
		return errors.New(errors.CodeInvalidConfig, "worker and queue sizes must not be negative")
	}
	if _, err := c.sweepInterval(); err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "invalid logLevel")
	}
	return nil
}

func (c Config) sweepInterval() (time.Duration, error) {
	if c.SweepInterval == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.SweepInterval)
	if err != nil {
		return 0, errors.Wrapf(err, errors.CodeInvalidConfig, "invalid sweepInterval %q", c.SweepInterval)
	}
	if d < 0 {
		return 0, errors.Newf(errors.CodeInvalidConfig, "sweepInterval must not be negative, got %s", d)
	}
	return d, nil
}
