package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv(env(nil))
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, 30*time.Second, cfg.LockTTL)
	assert.Equal(t, 10*time.Second, cfg.LockRenewInterval)
	assert.Equal(t, time.Minute, cfg.ResetCheckInterval)
	assert.Equal(t, time.Hour, cfg.InactivityInterval)
	assert.Equal(t, 5*time.Second, cfg.PriceCacheTTL)
	assert.Equal(t, 2*time.Second, cfg.OracleTimeout)
	assert.NotEmpty(t, cfg.InstanceID)
}

func TestFromEnv_Overrides(t *testing.T) {
	cfg, err := FromEnv(env(map[string]string{
		"PORT":           "9090",
		"REDIS_URL":      "redis://localhost:6379/0",
		"LOG_LEVEL":      "debug",
		"INSTANCE_ID":    "riskd-1",
		"SWEEP_INTERVAL": "5s",
		"LOCK_TTL":       "1m",
	}))
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, "riskd-1", cfg.InstanceID)
	assert.Equal(t, 5*time.Second, cfg.SweepInterval)
	assert.Equal(t, time.Minute, cfg.LockTTL)
}

func TestFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]string
		want string
	}{
		{"bad duration", map[string]string{"SWEEP_INTERVAL": "soon"}, "SWEEP_INTERVAL"},
		{"bad level", map[string]string{"LOG_LEVEL": "loud"}, "LOG_LEVEL"},
		{"renew not shorter than ttl", map[string]string{"LOCK_TTL": "10s", "LOCK_RENEW_INTERVAL": "10s"}, "LOCK_RENEW_INTERVAL"},
		{"negative interval", map[string]string{"RESET_CHECK_INTERVAL": "-1m"}, "RESET_CHECK_INTERVAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromEnv(env(tt.vars))
			require.ErrorIs(t, err, ErrInvalid)
			assert.True(t, strings.Contains(err.Error(), tt.want), err.Error())
		})
	}
}

func TestLoad_DotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "riskd.env")
	require.NoError(t, os.WriteFile(path, []byte("RULES_FILE=/etc/riskd/rules.yaml\n"), 0o600))
	t.Setenv("RULES_FILE", "")
	os.Unsetenv("RULES_FILE")

	cfg, err := Load(path, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "/etc/riskd/rules.yaml", cfg.RulesFile)
	os.Unsetenv("RULES_FILE")
}
