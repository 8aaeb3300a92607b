// Package config loads jobsync settings from JOBSYNC_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/corrin/jobsync/internal/autosave"
	"github.com/corrin/jobsync/internal/retry"
)

// Config holds every tunable. Zero values never reach the engine: Load
// applies the defaults below.
type Config struct {
	Debounce time.Duration `env:"JOBSYNC_DEBOUNCE" envDefault:"550ms"`

	RetryAttempts  int           `env:"JOBSYNC_RETRY_ATTEMPTS" envDefault:"3"`
	RetryBaseDelay time.Duration `env:"JOBSYNC_RETRY_BASE_DELAY" envDefault:"300ms"`
	RetryFactor    float64       `env:"JOBSYNC_RETRY_FACTOR" envDefault:"2"`
	RetryJitter    float64       `env:"JOBSYNC_RETRY_JITTER" envDefault:"0.2"`

	Journal  string     `env:"JOBSYNC_JOURNAL"`
	Addr     string     `env:"JOBSYNC_ADDR" envDefault:":8089"`
	LogLevel slog.Level `env:"JOBSYNC_LOG_LEVEL" envDefault:"info"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Debounce < 0 {
		errs = append(errs, fmt.Errorf("JOBSYNC_DEBOUNCE must not be negative, got %s", c.Debounce))
	}
	if c.RetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("JOBSYNC_RETRY_ATTEMPTS must be at least 1, got %d", c.RetryAttempts))
	}
	if c.RetryFactor < 1 {
		errs = append(errs, fmt.Errorf("JOBSYNC_RETRY_FACTOR must be at least 1, got %g", c.RetryFactor))
	}
	if c.RetryJitter < 0 || c.RetryJitter > 1 {
		errs = append(errs, fmt.Errorf("JOBSYNC_RETRY_JITTER must be within [0, 1], got %g", c.RetryJitter))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// RetryPolicy returns the write retry policy.
func (c Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		Attempts:  c.RetryAttempts,
		BaseDelay: c.RetryBaseDelay,
		Factor:    c.RetryFactor,
		Jitter:    c.RetryJitter,
	}
}

// AutosaveOptions returns the orchestrator options derived from c. jobsync
// test seeds every scenario with them.
func (c Config) AutosaveOptions() []autosave.Option {
	return []autosave.Option{
		autosave.WithDebounce(c.Debounce),
		autosave.WithRetryPolicy(c.RetryPolicy()),
	}
}
