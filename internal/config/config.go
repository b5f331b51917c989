// ABOUTME: Runtime configuration loaded from HIRESTI_* environment variables
// ABOUTME: Optional .env preload, engine selection flags, logging and monitor options
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/hiresti/hiresti-audio/internal/logging"
)

const (
	EngineGst    = "gst"
	EngineNative = "native"
)

// Flag is a boolean that accepts 1/true/yes/on; anything else is false
type Flag bool

// Decode implements envconfig.Decoder
func (f *Flag) Decode(value string) error {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		*f = true
	default:
		*f = false
	}
	return nil
}

// Config holds all runtime configuration
type Config struct {
	AudioEngine        string `envconfig:"AUDIO_ENGINE" default:"gst"`
	RustAudioTransport Flag   `envconfig:"RUST_AUDIO_TRANSPORT" default:"1"`
	RustAudioSingle    Flag   `envconfig:"RUST_AUDIO_SINGLE" default:"1"`
	RustShadowAnalyzer Flag   `envconfig:"RUST_SHADOW_ANALYZER" default:"0"`
	RustAudioFakeSink  Flag   `envconfig:"RUST_AUDIO_FAKE_SINK" default:"0"`
	VizTrace           Flag   `envconfig:"VIZ_TRACE" default:"0"`
	// Static visual sync trims in milliseconds
	VizSyncBaseMs int `envconfig:"VIZ_SYNC_BASE_MS" default:"0"`
	VizSyncLeadMs int `envconfig:"VIZ_SYNC_LEAD_MS" default:"0"`

	LogLevel        string `envconfig:"LOG_LEVEL" default:"info"`
	LogFile         string `envconfig:"LOG_FILE"`
	LogRotateBytes  int    `envconfig:"LOG_ROTATE_BYTES" default:"5242880"`
	LogBackupCount  int    `envconfig:"LOG_BACKUP_COUNT" default:"3"`
	LogModuleLevels string `envconfig:"LOG_MODULE_LEVELS"`

	SettingsPath     string `envconfig:"SETTINGS_PATH"`
	MonitorAddr      string `envconfig:"MONITOR_ADDR"`
	MonitorAdvertise Flag   `envconfig:"MONITOR_ADVERTISE" default:"1"`
}

// Load reads an optional env file named by HIRESTI_ENV_FILE, then the environment
func Load() (*Config, error) {
	if path := os.Getenv("HIRESTI_ENV_FILE"); path != "" {
		// Existing environment variables win over the file.
		if err := godotenv.Load(path); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := envconfig.Process("hiresti", &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}
	if cfg.SettingsPath == "" {
		cfg.SettingsPath = defaultSettingsPath()
	}
	return &cfg, nil
}

// Engine returns the normalized graph backend name
func (c *Config) Engine() string {
	switch strings.ToLower(strings.TrimSpace(c.AudioEngine)) {
	case "native", "python", "go":
		return EngineNative
	default:
		return EngineGst
	}
}

// TransportEnabled reports whether transport ops go to the primary engine
func (c *Config) TransportEnabled() bool {
	return bool(c.RustAudioTransport)
}

// ShadowAnalyzer reports whether a parallel analysis-only graph feeds the spectrum
func (c *Config) ShadowAnalyzer() bool {
	if !bool(c.RustAudioSingle) {
		return true
	}
	return bool(c.RustShadowAnalyzer)
}

// LogOptions converts the logging fields for logging.Setup
func (c *Config) LogOptions() logging.Options {
	return logging.Options{
		Level:        c.LogLevel,
		File:         c.LogFile,
		RotateBytes:  c.LogRotateBytes,
		BackupCount:  c.LogBackupCount,
		ModuleLevels: c.LogModuleLevels,
	}
}

func defaultSettingsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		dir = filepath.Join(os.TempDir(), "hiresti")
		return filepath.Join(dir, "settings.json")
	}
	return filepath.Join(dir, "hiresti", "settings.json")
}
