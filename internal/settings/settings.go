// ABOUTME: Persisted player settings shared with the UI process
// ABOUTME: Total normalizer, version-gated migrations and atomic JSON save
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hiresti/hiresti-audio/internal/logging"
)

// CurrentVersion is stamped on every normalized document
const CurrentVersion = 2

const (
	DefaultDriver         = "Auto (Default)"
	DefaultDevice         = "Default Output"
	DefaultLatencyProfile = "Standard (100ms)"

	maxDeviceOffsets = 64
	minOffsetMs      = -500
	maxOffsetMs      = 500
)

// Settings is the subset of the settings document the audio core reads.
// Keys it does not know are carried through Extra so a save never drops
// fields written by the UI.
type Settings struct {
	Version              int            `json:"settings_version"`
	Driver               string         `json:"driver"`
	Device               string         `json:"device"`
	BitPerfect           bool           `json:"bit_perfect"`
	ExclusiveLock        bool           `json:"exclusive_lock"`
	LatencyProfile       string         `json:"latency_profile"`
	Volume               int            `json:"volume"`
	PlayMode             int            `json:"play_mode"`
	SpectrumTheme        int            `json:"spectrum_theme"`
	VizBarCount          int            `json:"viz_bar_count"`
	VizProfile           int            `json:"viz_profile"`
	VizEffect            int            `json:"viz_effect"`
	VizSyncOffsetMs      int            `json:"viz_sync_offset_ms"`
	VizSyncDeviceOffsets map[string]int `json:"viz_sync_device_offsets"`
	AudioCacheTracks     int            `json:"audio_cache_tracks"`

	Extra map[string]json.RawMessage `json:"-"`
}

// Defaults returns a fresh default document
func Defaults() Settings {
	return Settings{
		Version:              CurrentVersion,
		Driver:               DefaultDriver,
		Device:               DefaultDevice,
		LatencyProfile:       DefaultLatencyProfile,
		Volume:               80,
		PlayMode:             0,
		SpectrumTheme:        0,
		VizBarCount:          32,
		VizProfile:           1,
		VizEffect:            3,
		VizSyncOffsetMs:      0,
		VizSyncDeviceOffsets: map[string]int{},
		AudioCacheTracks:     20,
	}
}

type intRange struct{ min, max int }

var (
	volumeRange      = intRange{0, 100}
	playModeRange    = intRange{0, 3}
	themeRange       = intRange{0, 64}
	barCountRange    = intRange{4, 128}
	vizProfileRange  = intRange{0, 2}
	vizEffectRange   = intRange{0, 16}
	offsetRange      = intRange{minOffsetMs, maxOffsetMs}
	cacheTracksRange = intRange{0, 200}
)

func (r intRange) or(v, def int) int {
	if v < r.min || v > r.max {
		return def
	}
	return v
}

func strOr(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// migrateVizEffect re-indexes effect choices saved before version 2
func migrateVizEffect(v int) int {
	switch v {
	case 13:
		return 15
	case 14:
		return 13
	case 15:
		return 14
	case 16:
		return 15
	}
	return v
}

// Normalize is total: out-of-range values fall back to their defaults
// (never clamped) and exclusive_lock requires bit_perfect. It is a fixed
// point: Normalize(Normalize(s)) == Normalize(s).
func Normalize(s Settings) Settings {
	def := Defaults()
	out := def
	out.Extra = s.Extra

	out.Driver = strOr(s.Driver, def.Driver)
	out.Device = strOr(s.Device, def.Device)
	out.BitPerfect = s.BitPerfect
	out.ExclusiveLock = s.ExclusiveLock
	out.LatencyProfile = strOr(s.LatencyProfile, def.LatencyProfile)
	out.Volume = volumeRange.or(s.Volume, def.Volume)
	out.PlayMode = playModeRange.or(s.PlayMode, def.PlayMode)
	out.SpectrumTheme = themeRange.or(s.SpectrumTheme, def.SpectrumTheme)
	out.VizBarCount = barCountRange.or(s.VizBarCount, def.VizBarCount)
	out.VizProfile = vizProfileRange.or(s.VizProfile, def.VizProfile)

	effect := s.VizEffect
	if s.Version < CurrentVersion {
		effect = migrateVizEffect(effect)
	}
	out.VizEffect = vizEffectRange.or(effect, def.VizEffect)

	out.VizSyncOffsetMs = offsetRange.or(s.VizSyncOffsetMs, def.VizSyncOffsetMs)
	out.VizSyncDeviceOffsets = normalizeOffsets(s.VizSyncDeviceOffsets)
	out.AudioCacheTracks = cacheTracksRange.or(s.AudioCacheTracks, def.AudioCacheTracks)
	out.Version = CurrentVersion

	if !out.BitPerfect {
		out.ExclusiveLock = false
	}
	return out
}

func normalizeOffsets(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	// map order is random; keep the first 64 keys in sorted order
	sort.Strings(keys)
	for _, k := range keys {
		v := in[k]
		if k == "" || v < minOffsetMs || v > maxOffsetMs {
			continue
		}
		out[k] = v
		if len(out) >= maxDeviceOffsets {
			break
		}
	}
	return out
}

// Parse decodes a settings document field by field so that one value of the
// wrong JSON type only resets that field. The result is normalized.
func Parse(data []byte) (Settings, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Defaults(), fmt.Errorf("decode settings: %w", err)
	}
	if raw == nil {
		return Defaults(), errors.New("decode settings: document is not an object")
	}

	s := Defaults()
	// A document without a version predates versioning.
	s.Version = 0
	field(raw, "settings_version", &s.Version)
	field(raw, "driver", &s.Driver)
	field(raw, "device", &s.Device)
	field(raw, "bit_perfect", &s.BitPerfect)
	field(raw, "exclusive_lock", &s.ExclusiveLock)
	field(raw, "latency_profile", &s.LatencyProfile)
	field(raw, "volume", &s.Volume)
	field(raw, "play_mode", &s.PlayMode)
	field(raw, "spectrum_theme", &s.SpectrumTheme)
	field(raw, "viz_bar_count", &s.VizBarCount)
	field(raw, "viz_profile", &s.VizProfile)
	field(raw, "viz_effect", &s.VizEffect)
	field(raw, "viz_sync_offset_ms", &s.VizSyncOffsetMs)
	field(raw, "audio_cache_tracks", &s.AudioCacheTracks)
	s.VizSyncDeviceOffsets = offsetsField(raw["viz_sync_device_offsets"])

	for _, k := range knownKeys {
		delete(raw, k)
	}
	if len(raw) > 0 {
		s.Extra = raw
	}
	return Normalize(s), nil
}

var knownKeys = []string{
	"settings_version", "driver", "device", "bit_perfect", "exclusive_lock",
	"latency_profile", "volume", "play_mode", "spectrum_theme", "viz_bar_count",
	"viz_profile", "viz_effect", "viz_sync_offset_ms", "viz_sync_device_offsets",
	"audio_cache_tracks",
}

// field decodes raw[key] into dst, leaving dst untouched on a type mismatch
func field[T any](raw map[string]json.RawMessage, key string, dst *T) {
	msg, ok := raw[key]
	if !ok {
		return
	}
	var v T
	if err := json.Unmarshal(msg, &v); err != nil {
		return
	}
	*dst = v
}

func offsetsField(msg json.RawMessage) map[string]int {
	if len(msg) == 0 {
		return nil
	}
	var loose map[string]json.RawMessage
	if err := json.Unmarshal(msg, &loose); err != nil {
		return nil
	}
	out := make(map[string]int, len(loose))
	for k, v := range loose {
		var n int
		if err := json.Unmarshal(v, &n); err != nil {
			continue
		}
		out[k] = n
	}
	return out
}

// MarshalJSON writes the known fields merged over any carried extras
func (s Settings) MarshalJSON() ([]byte, error) {
	type plain Settings
	known, err := json.Marshal(plain(s))
	if err != nil {
		return nil, err
	}
	if len(s.Extra) == 0 {
		return known, nil
	}
	merged := make(map[string]json.RawMessage, len(s.Extra)+len(knownKeys))
	for k, v := range s.Extra {
		merged[k] = v
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// Load never fails: a missing or corrupt file yields defaults
func Load(path string) Settings {
	log := logging.For("settings")
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", path).Msg("Failed to read settings, using defaults")
		}
		return Defaults()
	}
	s, err := Parse(data)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Corrupt settings file, using defaults")
		return Defaults()
	}
	return s
}

// Save normalizes s and writes it atomically via path.tmp and rename
func Save(path string, s Settings) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	data, err := json.MarshalIndent(Normalize(s), "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace settings: %w", err)
	}
	return nil
}

// DeviceOffsetKey is the key used in viz_sync_device_offsets
func DeviceOffsetKey(driver, device string) string {
	return driver + "|" + device
}

// DeviceOffset resolves the learned visual sync offset for an output,
// falling back to the global offset.
func (s Settings) DeviceOffset(driver, device string) int {
	if v, ok := s.VizSyncDeviceOffsets[DeviceOffsetKey(driver, device)]; ok {
		return v
	}
	return s.VizSyncOffsetMs
}

// SetDeviceOffset stores a learned offset, rejecting out-of-range values
func (s *Settings) SetDeviceOffset(driver, device string, ms int) error {
	if ms < minOffsetMs || ms > maxOffsetMs {
		return fmt.Errorf("offset %d ms outside [%d,%d]", ms, minOffsetMs, maxOffsetMs)
	}
	if s.VizSyncDeviceOffsets == nil {
		s.VizSyncDeviceOffsets = map[string]int{}
	}
	s.VizSyncDeviceOffsets[DeviceOffsetKey(driver, device)] = ms
	return nil
}
