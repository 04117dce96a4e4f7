package skiff

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skiff.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"timeout_ms: 2500\nheartbeat_interval_ms: 250\nconnect_timeout_ms: 4000\nsocket_buffer_size: 65536\n",
	), 0600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 2500*time.Millisecond, cfg.Timeout)
	require.Equal(t, 250*time.Millisecond, cfg.HeartbeatInterval)
	require.Equal(t, 4*time.Second, cfg.ConnectTimeout)
	require.Equal(t, 65536, cfg.SocketBufferSize)
}

func TestLoadConfigDefaultsApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skiff.yaml")
	require.NoError(t, os.WriteFile(path, []byte("timeout_ms: 1000\n"), 0600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	full := cfg.withDefaults()
	require.Equal(t, time.Second, full.Timeout)
	require.Equal(t, DefaultHeartbeatInterval, full.HeartbeatInterval)
	require.Equal(t, DefaultConnectTimeout, full.ConnectTimeout)
	require.NotNil(t, full.Transport)
	require.NotNil(t, full.Log)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadConfigBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skiff.yaml")
	require.NoError(t, os.WriteFile(path, []byte("timeout_ms: [not a number\n"), 0600))
	_, err := LoadConfig(path)
	require.Error(t, err)
}
