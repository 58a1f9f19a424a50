// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/campuskit/enrolld/internal/log"
)

// ParseString reads a string from the environment or returns the default.
func ParseString(key, defaultValue string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return defaultValue
	}
	logEnv(key)
	return value
}

// ParseInt reads an integer from the environment or returns the default.
// Malformed values fall back to the default with a warning.
func ParseInt(key string, defaultValue int) int {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		logger := log.WithComponent("config")
		logger.Warn().
			Str("key", key).
			Str("value", value).
			Msg("malformed integer in environment, using default")
		return defaultValue
	}
	logEnv(key)
	return i
}

// ParseDuration reads a Go duration from the environment or returns the
// default. Malformed values fall back to the default with a warning.
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		logger := log.WithComponent("config")
		logger.Warn().
			Str("key", key).
			Str("value", value).
			Msg("malformed duration in environment, using default")
		return defaultValue
	}
	logEnv(key)
	return d
}

func logEnv(key string) {
	logger := log.WithComponent("config")
	event := logger.Debug().Str("key", key)
	if strings.Contains(strings.ToLower(key), "secret") || strings.Contains(strings.ToLower(key), "token") {
		event.Bool("sensitive", true)
	}
	event.Msg("using environment override")
}

// applyEnv overlays ENROLLD_* variables onto cfg. Every key in the YAML
// schema has an environment twin.
func applyEnv(cfg *Config) {
	cfg.Listen = ParseString("ENROLLD_LISTEN", cfg.Listen)
	cfg.DataDir = ParseString("ENROLLD_DATA_DIR", cfg.DataDir)
	cfg.Timezone = ParseString("ENROLLD_TIMEZONE", cfg.Timezone)
	cfg.LogLevel = ParseString("ENROLLD_LOG_LEVEL", cfg.LogLevel)

	cfg.Lock.WaitTimeout = ParseDuration("ENROLLD_LOCK_WAIT_TIMEOUT", cfg.Lock.WaitTimeout)
	cfg.Lock.HoldTTL = ParseDuration("ENROLLD_LOCK_HOLD_TTL", cfg.Lock.HoldTTL)

	cfg.EventStore.SnapshotInterval = ParseInt("ENROLLD_SNAPSHOT_INTERVAL", cfg.EventStore.SnapshotInterval)

	cfg.Coordinator.MaxRetries = ParseInt("ENROLLD_MAX_RETRIES", cfg.Coordinator.MaxRetries)
	cfg.Coordinator.ReconcileInterval = ParseDuration("ENROLLD_RECONCILE_INTERVAL", cfg.Coordinator.ReconcileInterval)

	cfg.Policies.CreditCapDefault = ParseInt("ENROLLD_CREDIT_CAP_DEFAULT", cfg.Policies.CreditCapDefault)
	cfg.Policies.MaxWaitlist = ParseInt("ENROLLD_MAX_WAITLIST", cfg.Policies.MaxWaitlist)

	cfg.Deadlines.AddDropOffset = ParseDuration("ENROLLD_ADD_DROP_OFFSET", cfg.Deadlines.AddDropOffset)

	cfg.Auth.TokenSecret = ParseString("ENROLLD_TOKEN_SECRET", cfg.Auth.TokenSecret)

	cfg.Invariant.SweepInterval = ParseDuration("ENROLLD_INVARIANT_SWEEP_INTERVAL", cfg.Invariant.SweepInterval)

	cfg.HTTP.RateLimit = ParseInt("ENROLLD_RATE_LIMIT", cfg.HTTP.RateLimit)
	cfg.HTTP.ShutdownGrace = ParseDuration("ENROLLD_SHUTDOWN_GRACE", cfg.HTTP.ShutdownGrace)
}
