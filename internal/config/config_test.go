package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dsr/internal/connector"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dsr.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, SchedulerQueue, cfg.Scheduler)
	assert.Equal(t, 3, cfg.RetryPolicy().Count)
	assert.Equal(t, time.Second, cfg.RetryPolicy().Delay)
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
scheduler: memory
workers: 8
retry:
  count: 1
  delay: 250ms
  backoff_factor: 1.5
cache:
  backend: badger
  path: /var/lib/dsr/cache
  ttl: 1h
database:
  postgres_dsn: postgres://localhost/dsr
connections:
  - key: shop
    type: sqlite
    path: shop.db
    rate_limit: 5
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, SchedulerMemory, cfg.Scheduler)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.Delay)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Equal(t, "memory", cfg.Payload.Backend, "unset sections keep defaults")
	assert.Equal(t, 5*time.Minute, cfg.LeaseTTL)
	require.Len(t, cfg.Connections, 1)
	assert.Equal(t, connector.TypeSQLite, cfg.Connections[0].Type)

	ec := cfg.Engine()
	assert.Equal(t, 8, ec.Workers)
	assert.Equal(t, time.Hour, ec.CacheTTL)
	assert.Equal(t, 1.5, ec.Retry.BackoffFactor)
	assert.Equal(t, 8, cfg.DAG().Workers)
}

func TestLoad_EmptyFileIsDefault(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"unknown key", "schedular: memory\n", "schedular"},
		{"bad scheduler", "scheduler: cron\n", "Scheduler"},
		{"zero workers", "workers: 0\n", "Workers"},
		{"badger without path", "cache:\n  backend: badger\n", "Path"},
		{"gcs without bucket", "payload:\n  backend: gcs\n", "Bucket"},
		{"no database", "database:\n  path: \"\"\n", "Path"},
		{"bad backoff", "retry:\n  backoff_factor: 0.5\n", "BackoffFactor"},
		{"bad connection", "connections:\n  - key: x\n    type: oracle\n", "Type"},
		{"duplicate connection", "connections:\n  - {key: x, type: memory}\n  - {key: x, type: memory}\n", "duplicate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
