package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsWithoutFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 1024, cfg.Bus.EventQueueSize)
	assert.Equal(t, 100, cfg.Rules.Max)
	assert.Equal(t, 16, cfg.Dispatch.Workers)
	assert.Equal(t, 10000, cfg.Dispatch.TimeoutMs)
	assert.Equal(t, 0.7, cfg.Correlation.MinConfidence)
	assert.Equal(t, 24, cfg.Correlation.RetentionHours)
}

func TestFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aegis.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9999
bus:
  event_queue_size: 64
connectors:
  - id: nvr-1
    type: protect
    auto_connect: true
    settings:
      host: nvr.local
      api_key: k
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 64, cfg.Bus.EventQueueSize)
	assert.Equal(t, 256, cfg.Bus.SubscriberQueueSize, "unset fields keep defaults")
	require.Len(t, cfg.Connectors, 1)
	assert.Equal(t, "protect", cfg.Connectors[0].Type)
	assert.Equal(t, "nvr.local", cfg.Connectors[0].Settings["host"])
}

func TestEnvTogglesWin(t *testing.T) {
	t.Setenv("AEGIS_EVENT_QUEUE_SIZE", "2048")
	t.Setenv("AEGIS_RULE_MAX", "7")
	t.Setenv("AEGIS_ACTION_WORKERS", "3")
	t.Setenv("AEGIS_ACTION_TIMEOUT_MS", "1500")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 2048, cfg.Bus.EventQueueSize)
	assert.Equal(t, 7, cfg.Rules.Max)
	assert.Equal(t, 3, cfg.Dispatch.Workers)
	assert.Equal(t, 1500, cfg.Dispatch.TimeoutMs)
}

func TestEnvIgnoresGarbage(t *testing.T) {
	t.Setenv("AEGIS_RULE_MAX", "not-a-number")
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Rules.Max)
}
