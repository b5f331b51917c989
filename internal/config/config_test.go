// ABOUTME: Tests for environment configuration loading
// ABOUTME: Defaults, flag spellings, engine aliases and env file preload
package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var managedVars = []string{
	"HIRESTI_AUDIO_ENGINE", "HIRESTI_RUST_AUDIO_TRANSPORT", "HIRESTI_RUST_AUDIO_SINGLE",
	"HIRESTI_RUST_SHADOW_ANALYZER", "HIRESTI_RUST_AUDIO_FAKE_SINK", "HIRESTI_VIZ_TRACE",
	"HIRESTI_VIZ_SYNC_BASE_MS", "HIRESTI_VIZ_SYNC_LEAD_MS",
	"HIRESTI_LOG_LEVEL", "HIRESTI_LOG_FILE", "HIRESTI_LOG_ROTATE_BYTES", "HIRESTI_LOG_BACKUP_COUNT",
	"HIRESTI_LOG_MODULE_LEVELS", "HIRESTI_SETTINGS_PATH", "HIRESTI_MONITOR_ADDR",
	"HIRESTI_MONITOR_ADVERTISE", "HIRESTI_ENV_FILE",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range managedVars {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, EngineGst, cfg.Engine())
	assert.True(t, cfg.TransportEnabled())
	assert.False(t, cfg.ShadowAnalyzer())
	assert.False(t, bool(cfg.VizTrace))
	assert.Zero(t, cfg.VizSyncBaseMs)
	assert.Zero(t, cfg.VizSyncLeadMs)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 5242880, cfg.LogRotateBytes)
	assert.Equal(t, 3, cfg.LogBackupCount)
	assert.NotEmpty(t, cfg.SettingsPath)
	assert.True(t, bool(cfg.MonitorAdvertise))
}

func TestFlagSpellings(t *testing.T) {
	for _, v := range []string{"1", "true", "YES", " on "} {
		var f Flag
		require.NoError(t, f.Decode(v))
		assert.True(t, bool(f), v)
	}
	for _, v := range []string{"0", "off", "nope", ""} {
		f := Flag(true)
		require.NoError(t, f.Decode(v))
		assert.False(t, bool(f), v)
	}
}

func TestEngineAliases(t *testing.T) {
	cases := map[string]string{
		"rust":   EngineGst,
		"gst":    EngineGst,
		"python": EngineNative,
		"Native": EngineNative,
		"":       EngineGst,
	}
	for in, want := range cases {
		cfg := Config{AudioEngine: in}
		assert.Equal(t, want, cfg.Engine(), in)
	}
}

func TestSingleOffEnablesShadow(t *testing.T) {
	clearEnv(t)
	t.Setenv("HIRESTI_RUST_AUDIO_SINGLE", "0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.ShadowAnalyzer())
}

func TestEnvFilePreload(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "hiresti.env")
	require.NoError(t, os.WriteFile(path, []byte("HIRESTI_VIZ_TRACE=yes\nHIRESTI_LOG_LEVEL=debug\n"), 0o600))
	t.Setenv("HIRESTI_ENV_FILE", path)
	t.Setenv("HIRESTI_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, bool(cfg.VizTrace))
	assert.Equal(t, "warn", cfg.LogLevel)

	os.Unsetenv("HIRESTI_VIZ_TRACE")
}

func TestLogOptions(t *testing.T) {
	cfg := Config{LogLevel: "debug", LogFile: "/tmp/x.log", LogRotateBytes: 10, LogBackupCount: 2, LogModuleLevels: "a=info"}
	opts := cfg.LogOptions()
	assert.Equal(t, "debug", opts.Level)
	assert.Equal(t, "/tmp/x.log", opts.File)
	assert.Equal(t, 10, opts.RotateBytes)
	assert.Equal(t, 2, opts.BackupCount)
	assert.Equal(t, "a=info", opts.ModuleLevels)
}

func TestVisualSyncTrims(t *testing.T) {
	clearEnv(t)
	t.Setenv("HIRESTI_VIZ_SYNC_BASE_MS", "25")
	t.Setenv("HIRESTI_VIZ_SYNC_LEAD_MS", "-10")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.VizSyncBaseMs)
	assert.Equal(t, -10, cfg.VizSyncLeadMs)
}
