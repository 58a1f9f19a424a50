// SPDX-License-Identifier: MIT

// Package config loads the daemon configuration with the precedence
// defaults <- YAML file <- ENROLLD_* environment. The YAML decode is strict:
// unknown keys are a startup error, not a warning.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration.
type Config struct {
	// Listen is the HTTP bind address.
	Listen string `yaml:"listen"`
	// DataDir holds the event store and the sqlite databases.
	DataDir string `yaml:"data_dir"`
	// Timezone is the single institutional timezone all slot arithmetic
	// assumes. It must name a loadable IANA location.
	Timezone string `yaml:"timezone"`
	// LogLevel is a zerolog level name (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	Lock        LockConfig        `yaml:"lock"`
	EventStore  EventStoreConfig  `yaml:"event_store"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Policies    PoliciesConfig    `yaml:"policies"`
	Deadlines   DeadlinesConfig   `yaml:"deadlines"`
	Auth        AuthConfig        `yaml:"auth"`
	Invariant   InvariantConfig   `yaml:"invariant"`
	HTTP        HTTPConfig        `yaml:"http"`
}

// LockConfig tunes the section lock manager.
type LockConfig struct {
	WaitTimeout time.Duration `yaml:"wait_timeout"`
	HoldTTL     time.Duration `yaml:"hold_ttl"`
}

// EventStoreConfig tunes the badger event store.
type EventStoreConfig struct {
	// SnapshotInterval is the number of events between automatic snapshots.
	SnapshotInterval int `yaml:"snapshot_interval"`
}

// CoordinatorConfig tunes the request coordinator.
type CoordinatorConfig struct {
	MaxRetries int `yaml:"max_retries"`
	// ReconcileInterval is the deferred-promotion sweep cadence.
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

// PoliciesConfig carries institution-wide policy defaults.
type PoliciesConfig struct {
	// CreditCapDefault applies to students without an individual cap.
	CreditCapDefault int `yaml:"credit_cap_default"`
	// MaxWaitlist applies to sections without an explicit waitlist limit.
	MaxWaitlist int `yaml:"max_waitlist"`
}

// DeadlinesConfig carries calendar defaults.
type DeadlinesConfig struct {
	// AddDropOffset is the default add/drop window length, used when a
	// seeded section carries no explicit deadline.
	AddDropOffset time.Duration `yaml:"add_drop_offset"`
}

// AuthConfig carries token verification settings.
type AuthConfig struct {
	// TokenSecret is the shared HS256 secret. Required.
	TokenSecret string `yaml:"token_secret"`
}

// InvariantConfig tunes the invariant monitor.
type InvariantConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// HTTPConfig tunes the ingress surface.
type HTTPConfig struct {
	// RateLimit is the per-client request budget per minute on mutating
	// endpoints. Zero disables limiting.
	RateLimit int `yaml:"rate_limit"`
	// ShutdownGrace bounds graceful HTTP shutdown.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Listen:   ":8080",
		DataDir:  "/var/lib/enrolld",
		Timezone: "UTC",
		LogLevel: "info",
		Lock: LockConfig{
			WaitTimeout: 5 * time.Second,
			HoldTTL:     30 * time.Second,
		},
		EventStore: EventStoreConfig{
			SnapshotInterval: 100,
		},
		Coordinator: CoordinatorConfig{
			MaxRetries:        3,
			ReconcileInterval: 30 * time.Second,
		},
		Policies: PoliciesConfig{
			CreditCapDefault: 18,
			MaxWaitlist:      10,
		},
		Deadlines: DeadlinesConfig{
			AddDropOffset: 14 * 24 * time.Hour,
		},
		Invariant: InvariantConfig{
			SweepInterval: 5 * time.Minute,
		},
		HTTP: HTTPConfig{
			RateLimit:     120,
			ShutdownGrace: 10 * time.Second,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty), then the environment overlay, then validation.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the daemon cannot safely run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen must not be empty"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir must not be empty"))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q is not a valid location", c.Timezone))
	}
	if c.Lock.WaitTimeout <= 0 {
		errs = append(errs, errors.New("lock.wait_timeout must be positive"))
	}
	if c.Lock.HoldTTL <= 0 {
		errs = append(errs, errors.New("lock.hold_ttl must be positive"))
	}
	if c.EventStore.SnapshotInterval < 0 {
		errs = append(errs, errors.New("event_store.snapshot_interval must not be negative"))
	}
	if c.Coordinator.MaxRetries < 0 {
		errs = append(errs, errors.New("coordinator.max_retries must not be negative"))
	}
	if c.Coordinator.ReconcileInterval <= 0 {
		errs = append(errs, errors.New("coordinator.reconcile_interval must be positive"))
	}
	if c.Policies.CreditCapDefault <= 0 {
		errs = append(errs, errors.New("policies.credit_cap_default must be positive"))
	}
	if c.Policies.MaxWaitlist < 0 {
		errs = append(errs, errors.New("policies.max_waitlist must not be negative"))
	}
	if c.Auth.TokenSecret == "" {
		errs = append(errs, errors.New("auth.token_secret is required"))
	}
	if c.Invariant.SweepInterval <= 0 {
		errs = append(errs, errors.New("invariant.sweep_interval must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// Location returns the configured timezone. Validate has already checked it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
