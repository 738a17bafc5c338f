package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8420", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Backend.Driver)
	assert.Equal(t, 1000, cfg.Engine.MaxSteps)
	assert.Equal(t, 10, cfg.Public.RateLimitPerMinute)
	assert.True(t, cfg.WatchEnabled())
}

func TestLoadFile(t *testing.T) {
	content := `
server:
  addr: ":9999"
  drain_timeout: 5s
backend:
  driver: sqlite
  path: /tmp/test.db
workflows:
  watch: false
log:
  level: debug
`
	path := filepath.Join(t.TempDir(), "cascade.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Server.DrainTimeout)
	assert.Equal(t, "sqlite", cfg.Backend.Driver)
	assert.False(t, cfg.WatchEnabled())
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestMissingFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8420", cfg.Server.Addr)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CASCADE_ADDR", ":7000")
	t.Setenv("CASCADE_API_TOKEN", "sekrit")
	t.Setenv("CASCADE_PUBLIC_RATE_LIMIT", "3")
	t.Setenv("CASCADE_DRAIN_TIMEOUT", "1m")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, "sekrit", cfg.Auth.Token)
	assert.Equal(t, 3, cfg.Public.RateLimitPerMinute)
	assert.Equal(t, time.Minute, cfg.Server.DrainTimeout)
}

func TestValidateRejectsBadDriver(t *testing.T) {
	cfg := Default()
	cfg.Backend.Driver = "postgres"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsZeroBudget(t *testing.T) {
	cfg := Default()
	cfg.Engine.MaxSteps = 0
	assert.Error(t, cfg.Validate())
}
