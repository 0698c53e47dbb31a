package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, 8000, cfg.Server.Port)
	require.Equal(t, "info", cfg.Server.LogLevel)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, 30*time.Second, cfg.SSE.HeartbeatInterval)
	require.Equal(t, 60*time.Second, cfg.SSE.ConnectionTimeout)
	require.Equal(t, 5, cfg.SSE.MaxReconnectAttempts)
	require.Equal(t, "pushbox", cfg.Auth.JWT.Issuer)
	require.Equal(t, 24*time.Hour, cfg.Auth.JWT.TTL)
	require.True(t, cfg.Monitoring.Prometheus.Enabled)
	require.Equal(t, "/metrics", cfg.Monitoring.Prometheus.Endpoint)
	require.Equal(t, "@daily", cfg.Maintenance.Schedule)
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	contents := []byte(`
server:
  port: 9090
  log_level: debug
sse:
  heartbeat_interval: 5s
  max_reconnect_attempts: 3
auth:
  jwt:
    secret: file-secret
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), contents, 0o600))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, "debug", cfg.Server.LogLevel)
	require.Equal(t, 5*time.Second, cfg.SSE.HeartbeatInterval)
	require.Equal(t, 3, cfg.SSE.MaxReconnectAttempts)
	require.Equal(t, "file-secret", cfg.Auth.JWT.Secret)
	// Untouched sections keep their defaults.
	require.Equal(t, "sqlite", cfg.Database.Driver)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("PUSHBOX_SERVER_PORT", "7070")
	t.Setenv("PUSHBOX_SSE_HEARTBEAT_INTERVAL", "10s")
	t.Setenv("PUSHBOX_AUTH_JWT_SECRET", "env-secret")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, 7070, cfg.Server.Port)
	require.Equal(t, 10*time.Second, cfg.SSE.HeartbeatInterval)
	require.Equal(t, "env-secret", cfg.Auth.JWT.Secret)
}

func TestDatabaseOptionsMapping(t *testing.T) {
	cfg := &Config{}
	cfg.Database.Driver = "postgres"
	cfg.Database.Postgres = DBAuthConfig{
		Host:     "db.internal",
		Port:     5432,
		Database: "pushbox",
		Username: "svc",
		Password: "secret",
	}

	opts := cfg.DatabaseOptions()
	require.Equal(t, "postgres", opts.Driver)
	require.Equal(t, "db.internal", opts.Host)
	require.Equal(t, 5432, opts.Port)
	require.Equal(t, "pushbox", opts.Name)
	require.Equal(t, "svc", opts.User)
	require.Equal(t, "secret", opts.Password)
}
