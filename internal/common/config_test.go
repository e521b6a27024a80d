package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pulse.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultsValidate(t *testing.T) {
	config := DefaultConfig()
	require.NoError(t, config.Validate())

	assert.Equal(t, 8585, config.Server.Port)
	assert.Equal(t, "development", config.Environment)
	assert.True(t, config.IsDevelopment())
	assert.Equal(t, 25*time.Second, config.WebSocket.HeartbeatIntervalDuration())
	assert.Equal(t, 10*time.Second, config.WebSocket.HeartbeatTimeoutDuration())
	assert.Equal(t, time.Second, config.WebSocket.ReconnectBaseDuration())
	assert.Equal(t, 30*time.Second, config.WebSocket.ReconnectMaxDuration())
}

func TestFileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
environment = "production"

[server]
port = 9000
host = "0.0.0.0"

[websocket]
heartbeat_interval = "5s"

[workers]
max_concurrent_subtasks = 8
`)

	config, err := LoadFromFiles(path)
	require.NoError(t, err)

	assert.Equal(t, "production", config.Environment)
	assert.False(t, config.IsDevelopment())
	assert.Equal(t, 9000, config.Server.Port)
	assert.Equal(t, 5*time.Second, config.WebSocket.HeartbeatIntervalDuration())
	assert.Equal(t, 8, config.Workers.MaxConcurrentSubTasks)

	// Untouched sections keep their defaults
	assert.Equal(t, "info", config.Logging.Level)
	assert.Equal(t, 1, config.Workers.SubTaskRetries)
}

func TestLaterFileWins(t *testing.T) {
	first := writeConfigFile(t, "[server]\nport = 9000\nhost = \"a\"\n")
	second := writeConfigFile(t, "[server]\nport = 9001\nhost = \"b\"\n")

	config, err := LoadFromFiles(first, second)
	require.NoError(t, err)
	assert.Equal(t, 9001, config.Server.Port)
	assert.Equal(t, "b", config.Server.Host)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("PULSE_PORT", "7777")
	t.Setenv("PULSE_LOG_LEVEL", "debug")

	path := writeConfigFile(t, "[server]\nport = 9000\nhost = \"x\"\n")
	config, err := LoadFromFiles(path)
	require.NoError(t, err)

	assert.Equal(t, 7777, config.Server.Port)
	assert.Equal(t, "debug", config.Logging.Level)
}

func TestFlagOverridesEverything(t *testing.T) {
	config := DefaultConfig()
	ApplyFlagOverrides(config, 6500, "example.internal")
	assert.Equal(t, 6500, config.Server.Port)
	assert.Equal(t, "example.internal", config.Server.Host)

	// Zero values leave config untouched
	ApplyFlagOverrides(config, 0, "")
	assert.Equal(t, 6500, config.Server.Port)
	assert.Equal(t, "example.internal", config.Server.Host)
}

func TestInvalidConfigRejected(t *testing.T) {
	path := writeConfigFile(t, "environment = \"staging\"\n")
	_, err := LoadFromFiles(path)
	assert.Error(t, err)
}

func TestMissingFileIsError(t *testing.T) {
	_, err := LoadFromFiles(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestParseDurationOr(t *testing.T) {
	assert.Equal(t, time.Second, ParseDurationOr("", time.Second))
	assert.Equal(t, time.Second, ParseDurationOr("garbage", time.Second))
	assert.Equal(t, 250*time.Millisecond, ParseDurationOr("250ms", time.Second))
}

func TestLoadProviderDefinitions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
providers:
  - tag: linkedin
    name: LinkedIn
    credit_cost: 2.0
    rate_limit: 1
    cache_hit_free: true
    default_per_page: 25
  - tag: clearbit
    credit_cost: 0.5
`), 0644))

	defs, err := LoadProviderDefinitions(path)
	require.NoError(t, err)
	require.Len(t, defs, 2)

	assert.Equal(t, 2.0, defs["linkedin"].CreditCost)
	assert.True(t, defs["linkedin"].CacheHitFree)
	assert.Equal(t, 1, defs["clearbit"].RateBurst, "burst defaults to 1")
}

func TestProviderDefinitionsRequireTag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	require.NoError(t, os.WriteFile(path, []byte("providers:\n  - name: NoTag\n"), 0644))

	_, err := LoadProviderDefinitions(path)
	assert.Error(t, err)
}
