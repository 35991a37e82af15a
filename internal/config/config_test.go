package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T, vars map[string]string) (*Config, error) {
	t.Helper()
	// Isolate from any real ~/.cells-sync default.
	t.Setenv("CELLS_DATA_DIR", t.TempDir())
	for k, v := range vars {
		t.Setenv(k, v)
	}
	return Load()
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(t, nil)
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.True(t, cfg.SyncEnabled)
	assert.Equal(t, time.Hour, cfg.SyncInterval)
	assert.Equal(t, NetworkAny, cfg.SyncNetwork)
	assert.Equal(t, 3, cfg.WorkerLimit)
	assert.Equal(t, 64, cfg.TransferBufferKB)
	assert.Equal(t, time.Second, cfg.ProgressInterval)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_DataDirIsAbsolute(t *testing.T) {
	cfg, err := load(t, nil)
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(cfg.DataDir))
	assert.Equal(t, filepath.Join(cfg.DataDir, "files"), cfg.LegacyDir())
	assert.Equal(t, filepath.Join(cfg.DataDir, "staging"), cfg.StagingDir())
}

func TestLoad_ServerWithoutUser(t *testing.T) {
	_, err := load(t, map[string]string{"CELLS_SERVER": "https://example.com"})
	assert.ErrorContains(t, err, "CELLS_USER")
}

func TestLoad_BadNetworkConstraint(t *testing.T) {
	_, err := load(t, map[string]string{"SYNC_REQUIRE_NETWORK": "5g-only"})
	assert.ErrorContains(t, err, "SYNC_REQUIRE_NETWORK")
}

func TestLoad_BadWorkerLimit(t *testing.T) {
	_, err := load(t, map[string]string{"SYNC_WORKER_LIMIT": "0"})
	assert.ErrorContains(t, err, "SYNC_WORKER_LIMIT")
}

func TestLoad_BadRetryDelays(t *testing.T) {
	_, err := load(t, map[string]string{
		"SYNC_RETRY_BASE": "1m",
		"SYNC_RETRY_MAX":  "10s",
	})
	assert.ErrorContains(t, err, "retry delays")
}

func TestLoad_Production(t *testing.T) {
	cfg, err := load(t, map[string]string{"ENVIRONMENT": "production"})
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
}
