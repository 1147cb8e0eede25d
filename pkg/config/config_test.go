package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keystone.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := write(t, `
server:
  listen: ":9000"
  namespace: game
  retryBudget: 500ms
backends:
  main:
    driver: redis
    addr: 127.0.0.1:6379
    replicas:
      - addr: 127.0.0.1:6380
        weight: 2
limits:
  maxAnonymousPerIP: 4
  anonRecv:
    - max: 10
      windowSeconds: 1
    - max: 100
      windowSeconds: 60
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Listen)
	assert.Equal(t, "game", cfg.Server.Namespace)
	assert.Equal(t, 500*time.Millisecond, cfg.Server.RetryBudget.Std())
	assert.Equal(t, "login", cfg.Server.ElevationSystem, "unset fields keep defaults")

	be := cfg.Backends["main"]
	assert.Equal(t, "redis", be.Driver)
	require.Len(t, be.Replicas, 1)
	assert.Equal(t, 2, be.Replicas[0].Weight)

	assert.Equal(t, 4, cfg.Limits.MaxAnonymousPerIP)
	require.Len(t, cfg.Limits.AnonRecv, 2)
	assert.Equal(t, time.Second, cfg.Limits.AnonRecv[0].Window())
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	path := write(t, `
backends:
  main:
    driver: cassandra
    addr: somewhere
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown driver")
}

func TestLoadRejectsRedisWithoutAddr(t *testing.T) {
	path := write(t, `
backends:
  main:
    driver: redis
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsBadRateBudget(t *testing.T) {
	path := write(t, `
limits:
  userRecv:
    - max: 0
      windowSeconds: 10
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
