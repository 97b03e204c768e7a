package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadTrackerConfig_Defaults(t *testing.T) {
	path := writeConfig(t, "listen: 127.0.0.1:5050\n")

	cfg, err := LoadTrackerConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:5050", cfg.Listen)
	assert.Equal(t, "metadata.json", cfg.SnapshotPath)
	assert.Equal(t, 10*time.Second, cfg.CheckInterval.D())
	assert.Equal(t, 10*time.Second, cfg.ReplicationPeriod.D())
	assert.Equal(t, 30*time.Second, cfg.Timeout.D())
	assert.Equal(t, 2, cfg.ReplicationFactor)
	assert.Equal(t, 5*time.Second, cfg.DispatchTimeout.D())
	assert.True(t, cfg.Advertise)
}

func TestLoadTrackerConfig_Overrides(t *testing.T) {
	path := writeConfig(t, `
snapshot_path: /var/lib/tracker/meta.json
check_interval: 5s
replication_interval: 7s
timeout: 15s
replication_factor: 3
advertise: false
log:
  file: "-"
  level: debug
`)

	cfg, err := LoadTrackerConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/tracker/meta.json", cfg.SnapshotPath)
	assert.Equal(t, 5*time.Second, cfg.CheckInterval.D())
	assert.Equal(t, 7*time.Second, cfg.ReplicationPeriod.D())
	assert.Equal(t, 15*time.Second, cfg.Timeout.D())
	assert.Equal(t, 3, cfg.ReplicationFactor)
	assert.False(t, cfg.Advertise)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadTrackerConfig_Invalid(t *testing.T) {
	_, err := LoadTrackerConfig(writeConfig(t, "replication_factor: -1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "replication_factor")

	_, err = LoadTrackerConfig(writeConfig(t, "timeout: soon\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")

	_, err = LoadTrackerConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadPeerConfig(t *testing.T) {
	path := writeConfig(t, `
id: peer1
control_listen: 127.0.0.1:9001
data_listen: 127.0.0.1:9011
tracker: http://127.0.0.1:5000
chunk_size: 1024
`)

	cfg, err := LoadPeerConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "peer1", cfg.ID)
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, "http://127.0.0.1:5000", cfg.Tracker)
	assert.Equal(t, 1024, cfg.ChunkSize)
	assert.Equal(t, "chunks", cfg.StoreDir)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval.D())
	assert.Equal(t, 10*time.Second, cfg.TransferTimeout.D())
	assert.Equal(t, 5, cfg.RegisterAttempts)
}

func TestLoadPeerConfig_RequiresID(t *testing.T) {
	_, err := LoadPeerConfig(writeConfig(t, "host: 10.0.0.2\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "id is required")
}
