package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSettings(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), cfg)
}

func TestLoadConfig_Layers(t *testing.T) {
	path := writeSettings(t, `
store: memory
models_dir: /srv/models
fetch_size: 25
idle_interval: 3s
retain_completed_tokens: true
log_level: warn
`)
	t.Setenv("PROCFLOW_FETCH_SIZE", "40")
	t.Setenv("PROCFLOW_LOG_LEVEL", "debug")
	t.Setenv("PROCFLOW_ROLLBACK_ON_ERROR", "true")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("log-level", "info", "")
	flags.Int("pool-size", 0, "")
	require.NoError(t, flags.Parse([]string{"--log-level=error", "--pool-size=8"}))

	cfg, err := loadConfig(path, flags)
	require.NoError(t, err)

	assert.Equal(t, storeMemory, cfg.Store)
	assert.Equal(t, "/srv/models", cfg.ModelsDir)
	assert.Equal(t, 3*time.Second, cfg.IdleInterval)
	assert.True(t, cfg.RetainCompletedTokens)
	assert.Equal(t, 40, cfg.FetchSize, "env overrides the settings file")
	assert.True(t, cfg.RollbackOnError)
	assert.Equal(t, "error", cfg.LogLevel, "flags override env")
	assert.Equal(t, 8, cfg.PoolSize)
	assert.Equal(t, defaultConfig().ListenAddr, cfg.ListenAddr)
}

func TestLoadConfig_UnsetFlagsKeepLowerLayers(t *testing.T) {
	path := writeSettings(t, "listen_addr: \":9000\"\n")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("listen-addr", ":4200", "")
	require.NoError(t, flags.Parse(nil))

	cfg, err := loadConfig(path, flags)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.ListenAddr)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := loadConfig(writeSettings(t, "store: postgres\n"), nil)
	assert.ErrorContains(t, err, "unknown store")

	_, err = loadConfig(writeSettings(t, "no_such_key: 1\n"), nil)
	assert.Error(t, err)

	_, err = loadConfig(writeSettings(t, "fetch_size: [1, 2]\n"), nil)
	assert.Error(t, err)

	t.Setenv("PROCFLOW_IDLE_INTERVAL", "soon")
	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)
}

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"amount=120", "name=alice", `tags=["a","b"]`, "empty="})
	require.NoError(t, err)
	assert.Equal(t, float64(120), params["amount"])
	assert.Equal(t, "alice", params["name"])
	assert.Equal(t, []any{"a", "b"}, params["tags"])
	assert.Equal(t, "", params["empty"])

	_, err = parseParams([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseParams([]string{"=1"})
	assert.Error(t, err)
}
