// Package config defines tidemark's application configuration.
package config

import (
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Config is the application configuration.
type Config struct {
	LogLevel             slog.Level    `yaml:"log_level"`
	NormalizationVersion string        `yaml:"normalization_version"`
	Store                StoreConfig   `yaml:"store"`
	Objects              ObjectsConfig `yaml:"objects"`
	Worker               WorkerConfig  `yaml:"worker"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.NormalizationVersion, validation.Required, validation.Length(1, 64)),
	); err != nil {
		return err
	}
	if err := c.Store.Validate(); err != nil {
		return err
	}
	if err := c.Objects.Validate(); err != nil {
		return err
	}
	return c.Worker.Validate()
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the store configuration.
func (c *StoreConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// ObjectsConfig locates the blob byte store.
type ObjectsConfig struct {
	Root string `yaml:"root"`
}

// Validate validates the object store configuration.
func (c *ObjectsConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Root, validation.Required),
	)
}

// WorkerConfig tunes the queue worker pool.
type WorkerConfig struct {
	Concurrency   int           `yaml:"concurrency"`
	LeaseDuration time.Duration `yaml:"lease_duration"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	MaxAttempts   int           `yaml:"max_attempts"`
}

// Validate validates the worker configuration.
func (c *WorkerConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Concurrency, validation.Required, validation.Min(1), validation.Max(256)),
		validation.Field(&c.LeaseDuration, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.PollInterval, validation.Required, validation.Min(10*time.Millisecond)),
		validation.Field(&c.MaxAttempts, validation.Required, validation.Min(1)),
	)
}

// NewDefaultConfig returns a Config with the defaults used when no file is
// given.
func NewDefaultConfig() *Config {
	return &Config{
		LogLevel:             slog.LevelInfo,
		NormalizationVersion: "v1",
		Store: StoreConfig{
			Path: "./tidemark.db",
		},
		Objects: ObjectsConfig{
			Root: "./objects",
		},
		Worker: WorkerConfig{
			Concurrency:   4,
			LeaseDuration: 30 * time.Second,
			PollInterval:  time.Second,
			MaxAttempts:   10,
		},
	}
}
