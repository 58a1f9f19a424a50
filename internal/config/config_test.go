// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "enrolld.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaultsWithSecret(t *testing.T) {
	t.Setenv("ENROLLD_TOKEN_SECRET", "s3cret")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Listen)
	require.Equal(t, 5*time.Second, cfg.Lock.WaitTimeout)
	require.Equal(t, 30*time.Second, cfg.Lock.HoldTTL)
	require.Equal(t, 100, cfg.EventStore.SnapshotInterval)
	require.Equal(t, 3, cfg.Coordinator.MaxRetries)
	require.Equal(t, 18, cfg.Policies.CreditCapDefault)
	require.Equal(t, 5*time.Minute, cfg.Invariant.SweepInterval)
	require.Equal(t, "s3cret", cfg.Auth.TokenSecret)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
listen: ":9090"
timezone: "Europe/Vienna"
lock:
  wait_timeout: 2s
  hold_ttl: 10s
coordinator:
  max_retries: 5
policies:
  credit_cap_default: 21
auth:
  token_secret: "from-file"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.Listen)
	require.Equal(t, "Europe/Vienna", cfg.Timezone)
	require.Equal(t, 2*time.Second, cfg.Lock.WaitTimeout)
	require.Equal(t, 10*time.Second, cfg.Lock.HoldTTL)
	require.Equal(t, 5, cfg.Coordinator.MaxRetries)
	require.Equal(t, 21, cfg.Policies.CreditCapDefault)
	// Untouched keys keep their defaults.
	require.Equal(t, 100, cfg.EventStore.SnapshotInterval)
}

func TestLoadEnvironmentWinsOverFile(t *testing.T) {
	path := writeConfig(t, `
listen: ":9090"
auth:
  token_secret: "from-file"
`)
	t.Setenv("ENROLLD_LISTEN", ":7070")
	t.Setenv("ENROLLD_LOCK_WAIT_TIMEOUT", "750ms")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.Listen)
	require.Equal(t, 750*time.Millisecond, cfg.Lock.WaitTimeout)
	require.Equal(t, "from-file", cfg.Auth.TokenSecret)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
listen: ":9090"
lokc:
  wait_timeout: 2s
auth:
  token_secret: "x"
`)

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "lokc")
}

func TestLoadRejectsMissingSecret(t *testing.T) {
	path := writeConfig(t, `listen: ":9090"`)

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "token_secret")
}

func TestValidateCatchesBadValues(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }, "timezone"},
		{"zero wait timeout", func(c *Config) { c.Lock.WaitTimeout = 0 }, "wait_timeout"},
		{"negative retries", func(c *Config) { c.Coordinator.MaxRetries = -1 }, "max_retries"},
		{"zero credit cap", func(c *Config) { c.Policies.CreditCapDefault = 0 }, "credit_cap_default"},
		{"empty data dir", func(c *Config) { c.DataDir = "" }, "data_dir"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := Defaults()
			cfg.Auth.TokenSecret = "x"
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestMalformedEnvFallsBack(t *testing.T) {
	t.Setenv("ENROLLD_TOKEN_SECRET", "s3cret")
	t.Setenv("ENROLLD_MAX_RETRIES", "many")
	t.Setenv("ENROLLD_LOCK_HOLD_TTL", "soon")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 3, cfg.Coordinator.MaxRetries)
	require.Equal(t, 30*time.Second, cfg.Lock.HoldTTL)
}
