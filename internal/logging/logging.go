// ABOUTME: Process-wide structured logging setup
// ABOUTME: zerolog console output, optional rotating file, per-component level overrides
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	DefaultRotateBytes = 5 * 1024 * 1024
	DefaultBackupCount = 3
)

// Options mirrors the HIRESTI_LOG_* environment variables
type Options struct {
	Level        string
	File         string
	RotateBytes  int
	BackupCount  int
	ModuleLevels string

	// Console defaults to stderr; tests pass a buffer
	Console io.Writer
	NoColor bool
}

var (
	mu        sync.RWMutex
	base      = zerolog.Nop()
	rootLevel = zerolog.InfoLevel
	overrides = map[string]zerolog.Level{}
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Setup configures the root logger. Calling it again replaces the previous configuration.
func Setup(opts Options) (zerolog.Logger, io.Closer, error) {
	level := ParseLevel(opts.Level, zerolog.InfoLevel)

	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	writers := []io.Writer{zerolog.ConsoleWriter{
		Out:        console,
		NoColor:    opts.NoColor,
		TimeFormat: "15:04:05",
	}}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		path := expandHome(opts.File)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("create log dir: %w", err)
		}
		rotate := opts.RotateBytes
		if rotate < 1 {
			rotate = DefaultRotateBytes
		}
		backups := opts.BackupCount
		if backups < 1 {
			backups = DefaultBackupCount
		}
		lj := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    megabytes(rotate),
			MaxBackups: backups,
			LocalTime:  true,
		}
		writers = append(writers, lj)
		closer = lj
	}

	// Per-logger levels do the filtering so overrides can go below the root level.
	zerolog.SetGlobalLevel(zerolog.TraceLevel)
	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger().Level(level)

	parsed, invalid := parseModuleLevels(opts.ModuleLevels, level)

	mu.Lock()
	base = logger
	rootLevel = level
	overrides = parsed
	mu.Unlock()

	for _, entry := range invalid {
		logger.Warn().Str("entry", entry).Msg("Invalid module-level logging entry")
	}
	for name, lvl := range parsed {
		logger.Info().Str("module", name).Str("level", lvl.String()).Msg("Log level override")
	}
	return logger, closer, nil
}

// For returns a child logger tagged with the component name, honouring module overrides
func For(component string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	lvl, ok := overrides[component]
	if !ok {
		lvl = rootLevel
	}
	return base.With().Str("component", component).Logger().Level(lvl)
}

// ParseLevel accepts zerolog names plus the "warning" spelling
func ParseLevel(name string, fallback zerolog.Level) zerolog.Level {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return fallback
	}
	if name == "warning" {
		name = "warn"
	}
	lvl, err := zerolog.ParseLevel(name)
	if err != nil || lvl == zerolog.NoLevel {
		return fallback
	}
	return lvl
}

func parseModuleLevels(raw string, fallback zerolog.Level) (map[string]zerolog.Level, []string) {
	out := map[string]zerolog.Level{}
	var invalid []string
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return out, nil
	}
	for _, item := range strings.Split(raw, ",") {
		entry := strings.TrimSpace(item)
		if entry == "" {
			continue
		}
		name, level, ok := strings.Cut(entry, "=")
		name = strings.TrimSpace(name)
		level = strings.TrimSpace(level)
		if !ok || name == "" || level == "" {
			invalid = append(invalid, entry)
			continue
		}
		out[name] = ParseLevel(level, fallback)
	}
	return out, invalid
}

func megabytes(n int) int {
	mb := (n + (1 << 20) - 1) >> 20
	if mb < 1 {
		mb = 1
	}
	return mb
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
