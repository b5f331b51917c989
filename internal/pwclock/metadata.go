// ABOUTME: Reads and writes the PipeWire "settings" metadata clock keys
// ABOUTME: Typed writes with pw-dump reads, plus an untyped pw-metadata path used as fallback
package pwclock

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/hiresti/hiresti-audio/internal/pwdump"
	"github.com/hiresti/hiresti-audio/internal/syscmd"
)

// Metadata keys in the settings object
const (
	KeyForceRate    = "clock.force-rate"
	KeyAllowedRates = "clock.allowed-rates"
	KeyQuantum      = "clock.quantum"
	KeyRate         = "clock.rate"

	settingsName = "settings"
	typeInt      = "Spa:Int"
)

// DefaultAllowedRates is the set written before forcing a rate
var DefaultAllowedRates = []int{44100, 48000, 88200, 96000, 176400, 192000}

// Settings is a snapshot of the clock keys. Zero means unset.
type Settings struct {
	ForceRate    int
	AllowedRates []int
	AllowedRaw   string
	Quantum      int
	Rate         int
}

// Allows reports whether every rate in want is allowed
func (s Settings) Allows(want []int) bool {
	for _, r := range want {
		if !slices.Contains(s.AllowedRates, r) {
			return false
		}
	}
	return true
}

// Metadata is one way of talking to the settings object
type Metadata interface {
	Read(ctx context.Context) (Settings, error)
	SetForceRate(ctx context.Context, hz int) error
	SetAllowedRates(ctx context.Context, rates []int) error
}

var digitRun = regexp.MustCompile(`\d+`)

// ParseAllowedRates returns every digit run of raw
func ParseAllowedRates(raw string) []int {
	var out []int
	for _, m := range digitRun.FindAllString(raw, -1) {
		if n, err := strconv.Atoi(m); err == nil {
			out = append(out, n)
		}
	}
	return out
}

// FormatAllowedRates renders rates sorted and de-duplicated as "[ a b c ]"
func FormatAllowedRates(rates []int) string {
	rs := slices.Clone(rates)
	slices.Sort(rs)
	rs = slices.Compact(rs)
	parts := make([]string, 0, len(rs))
	for _, r := range rs {
		if r > 0 {
			parts = append(parts, strconv.Itoa(r))
		}
	}
	return "[ " + strings.Join(parts, " ") + " ]"
}

// ParseCSVRates parses "44100,48000" into rates, skipping junk
func ParseCSVRates(csv string) []int {
	var out []int
	for _, f := range strings.Split(csv, ",") {
		if n, err := strconv.Atoi(strings.TrimSpace(f)); err == nil && n > 0 {
			out = append(out, n)
		}
	}
	return out
}

func settingsFrom(kv map[string]string) Settings {
	s := Settings{AllowedRaw: kv[KeyAllowedRates]}
	s.ForceRate = atoi(kv[KeyForceRate])
	s.Quantum = atoi(kv[KeyQuantum])
	s.Rate = atoi(kv[KeyRate])
	s.AllowedRates = ParseAllowedRates(s.AllowedRaw)
	return s
}

func atoi(v string) int {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0
	}
	return n
}

func setArgs(key, value, typ string) []string {
	args := []string{"-n", settingsName, "0", key, value}
	if typ != "" {
		args = append(args, typ)
	}
	return args
}

// Typed writes force-rate as Spa:Int and reads back through pw-dump
type Typed struct {
	Run syscmd.Runner
}

func (t Typed) runner() syscmd.Runner {
	if t.Run == nil {
		return syscmd.Exec{}
	}
	return t.Run
}

// Read implements Metadata
func (t Typed) Read(ctx context.Context) (Settings, error) {
	objs, err := pwdump.Dump(ctx, t.runner())
	if err != nil {
		return Settings{}, err
	}
	kv, ok := pwdump.Metadata(objs, settingsName)
	if !ok {
		return Settings{}, fmt.Errorf("pw-dump: no %q metadata object", settingsName)
	}
	return settingsFrom(kv), nil
}

// SetForceRate implements Metadata
func (t Typed) SetForceRate(ctx context.Context, hz int) error {
	_, err := t.runner().Run(ctx, "pw-metadata", setArgs(KeyForceRate, strconv.Itoa(hz), typeInt)...)
	return err
}

// SetAllowedRates implements Metadata
func (t Typed) SetAllowedRates(ctx context.Context, rates []int) error {
	_, err := t.runner().Run(ctx, "pw-metadata", setArgs(KeyAllowedRates, FormatAllowedRates(rates), "")...)
	return err
}

// CLI writes untyped values and reads the pw-metadata listing
type CLI struct {
	Run syscmd.Runner
}

func (c CLI) runner() syscmd.Runner {
	if c.Run == nil {
		return syscmd.Exec{}
	}
	return c.Run
}

var listingLine = regexp.MustCompile(`key:'([^']*)'\s+value:'([^']*)'`)

// ParseListing extracts key/value pairs from `pw-metadata -n settings 0` output
func ParseListing(text string) map[string]string {
	kv := make(map[string]string)
	for _, line := range strings.Split(text, "\n") {
		if m := listingLine.FindStringSubmatch(line); m != nil {
			kv[m[1]] = m[2]
		}
	}
	return kv
}

// Read implements Metadata
func (c CLI) Read(ctx context.Context) (Settings, error) {
	out, err := c.runner().Run(ctx, "pw-metadata", "-n", settingsName, "0")
	if err != nil {
		return Settings{}, err
	}
	return settingsFrom(ParseListing(string(out))), nil
}

// SetForceRate implements Metadata
func (c CLI) SetForceRate(ctx context.Context, hz int) error {
	_, err := c.runner().Run(ctx, "pw-metadata", setArgs(KeyForceRate, strconv.Itoa(hz), "")...)
	return err
}

// SetAllowedRates clears force-rate first so the graph may leave a pinned rate
func (c CLI) SetAllowedRates(ctx context.Context, rates []int) error {
	if err := c.SetForceRate(ctx, 0); err != nil {
		return err
	}
	_, err := c.runner().Run(ctx, "pw-metadata", setArgs(KeyAllowedRates, FormatAllowedRates(rates), "")...)
	return err
}
