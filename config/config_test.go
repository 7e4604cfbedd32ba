package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfigYAML = `
server:
  port: 4000
  jwt_secret: from-file
database:
  dsn: postgres://localhost/txrelay
chains:
  - chain_id: 137
    rpc: http://polygon.local
    rate_limit: 5
    burst: 10
    tx_type: eip1559
worker:
  dispatch_interval: 500ms
relayer:
  max_retries: 3
webhooks:
  - http://hooks.local/tx
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "relay.yaml"), []byte(body), 0o600))
	return dir
}

func TestReadConfig(t *testing.T) {
	dir := writeConfig(t, testConfigYAML)
	cfg, err := readConfig("relay", dir)
	require.NoError(t, err)

	assert.Equal(t, int64(4000), cfg.Server.Port)
	assert.Equal(t, "from-file", cfg.Server.JWTSecret)
	assert.Equal(t, "postgres://localhost/txrelay", cfg.Database.DSN)
	assert.Equal(t, []string{"http://hooks.local/tx"}, cfg.Webhooks)

	assert.Equal(t, 500*time.Millisecond, cfg.Worker.DispatchInterval)
	assert.Equal(t, 5*time.Second, cfg.Worker.ReconcileInterval)
	assert.Equal(t, 60, cfg.Worker.StuckAfterChecks)
	assert.Equal(t, 3, cfg.Relayer.MaxRetries)
	assert.Equal(t, int64(10), cfg.Relayer.ReplacementBumpPercent)
	assert.Equal(t, "6379", cfg.Redis.Port)

	polygon, ok := cfg.Chain(137)
	require.True(t, ok)
	assert.Equal(t, "http://polygon.local", polygon.RPC)
	assert.Equal(t, 5.0, polygon.RateLimit)
	_, ok = cfg.Chain(1)
	assert.False(t, ok)
}

func TestReadConfigEnvOverride(t *testing.T) {
	dir := writeConfig(t, testConfigYAML)
	t.Setenv("SERVER_JWT_SECRET", "from-env")
	t.Setenv("RELAYER_MAX_RETRIES", "7")

	cfg, err := readConfig("relay", dir)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Server.JWTSecret)
	assert.Equal(t, 7, cfg.Relayer.MaxRetries)
}

func TestReadConfigMissingFile(t *testing.T) {
	_, err := readConfig("absent", t.TempDir())
	assert.Error(t, err)
}
