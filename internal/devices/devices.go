// ABOUTME: Lists playable outputs per driver as {name, device_id} pairs
// ABOUTME: ALSA from the kernel card table, Pulse from the native protocol, PipeWire from pw-dump
package devices

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
	"github.com/rs/zerolog"

	"github.com/hiresti/hiresti-audio/internal/audio"
	"github.com/hiresti/hiresti-audio/internal/pactl"
	"github.com/hiresti/hiresti-audio/internal/pwdump"
	"github.com/hiresti/hiresti-audio/internal/sink"
	"github.com/hiresti/hiresti-audio/internal/syscmd"
)

// Labels of the entries that bind the driver's default output
const (
	DefaultOutput       = "Default Output"
	DefaultSystemOutput = "Default System Output"
)

// Device is one selectable output. An empty DeviceID selects the driver default.
type Device struct {
	Name     string
	DeviceID string
}

type deviceJSON struct {
	Name     string  `json:"name"`
	DeviceID *string `json:"device_id"`
}

// MarshalJSON encodes an empty DeviceID as null
func (d Device) MarshalJSON() ([]byte, error) {
	out := deviceJSON{Name: d.Name}
	if d.DeviceID != "" {
		id := d.DeviceID
		out.DeviceID = &id
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler
func (d *Device) UnmarshalJSON(data []byte) error {
	var in deviceJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	d.Name = in.Name
	d.DeviceID = ""
	if in.DeviceID != nil {
		d.DeviceID = *in.DeviceID
	}
	return nil
}

// SinkLister lists server sinks
type SinkLister interface {
	Sinks(ctx context.Context) ([]pactl.Sink, error)
}

// PulseNative lists sinks over the PulseAudio native protocol. PipeWire
// answers it too through pipewire-pulse.
type PulseNative struct {
	AppName string
}

// Sinks implements SinkLister
func (p PulseNative) Sinks(_ context.Context) ([]pactl.Sink, error) {
	name := p.AppName
	if name == "" {
		name = "hiresti"
	}
	client, err := pulse.NewClient(pulse.ClientApplicationName(name))
	if err != nil {
		return nil, fmt.Errorf("connect pulse server: %w", err)
	}
	defer client.Close()

	var infos pulseproto.GetSinkInfoListReply
	if err := client.RawRequest(&pulseproto.GetSinkInfoList{}, &infos); err != nil {
		return nil, fmt.Errorf("list sinks: %w", err)
	}
	out := make([]pactl.Sink, 0, len(infos))
	for _, info := range infos {
		if info == nil || strings.Contains(info.SinkName, ".monitor") {
			continue
		}
		desc := info.Device
		if desc == "" {
			desc = info.SinkName
		}
		out = append(out, pactl.Sink{Name: info.SinkName, Description: desc})
	}
	return out, nil
}

// Enumerator lists devices and remembers a signature per driver so callers
// can tell when the set changed
type Enumerator struct {
	log      zerolog.Logger
	run      syscmd.Runner
	pulse    SinkLister
	pactl    SinkLister
	procRoot string

	mu   sync.Mutex
	sigs map[sink.Kind]string
}

// Option customizes an Enumerator
type Option func(*Enumerator)

// WithRunner sets the command runner for pw-dump and pactl
func WithRunner(run syscmd.Runner) Option {
	return func(e *Enumerator) { e.run = run }
}

// WithPulse sets the native Pulse sink lister
func WithPulse(l SinkLister) Option {
	return func(e *Enumerator) { e.pulse = l }
}

// WithProcRoot points the ALSA card table lookup at another /proc
func WithProcRoot(root string) Option {
	return func(e *Enumerator) { e.procRoot = root }
}

// NewEnumerator creates an enumerator over the live system unless overridden
func NewEnumerator(log zerolog.Logger, opts ...Option) *Enumerator {
	e := &Enumerator{log: log, procRoot: "/proc", sigs: make(map[sink.Kind]string)}
	for _, o := range opts {
		o(e)
	}
	if e.run == nil {
		e.run = syscmd.Exec{}
	}
	if e.pulse == nil {
		e.pulse = PulseNative{}
	}
	e.pactl = pactl.New(e.run)
	return e
}

// List returns the outputs of driver. Errors of a secondary source are
// swallowed; the default entry is always present for server drivers.
func (e *Enumerator) List(ctx context.Context, driver sink.Kind) ([]Device, error) {
	var (
		devs []Device
		err  error
	)
	switch driver {
	case sink.Auto, sink.Fake:
		devs = []Device{{Name: DefaultOutput}}
	case sink.ALSA:
		devs, err = e.alsa()
	case sink.PulseAudio:
		devs = append([]Device{{Name: DefaultSystemOutput}}, e.pulseSinks(ctx)...)
	case sink.PipeWire:
		devs = append([]Device{{Name: DefaultSystemOutput}}, e.pipewireSinks(ctx)...)
	default:
		return nil, fmt.Errorf("list devices: unknown driver %v", driver)
	}
	if err != nil {
		return nil, err
	}
	e.Changed(driver, devs)
	return devs, nil
}

// Changed records the signature of devs and reports whether it differs from
// the previous listing of driver
func (e *Enumerator) Changed(driver sink.Kind, devs []Device) bool {
	sig := Signature(devs)
	e.mu.Lock()
	prev, seen := e.sigs[driver]
	e.sigs[driver] = sig
	e.mu.Unlock()
	if seen && prev == sig {
		return false
	}
	e.log.Info().Str("driver", driver.String()).Int("count", len(devs)).Msg("output devices changed")
	return true
}

// Invalidate forgets every signature so the next listing logs again
func (e *Enumerator) Invalidate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	clear(e.sigs)
}

// Signature is an order-sensitive digest of a device list
func Signature(devs []Device) string {
	parts := make([]string, 0, len(devs))
	for _, d := range devs {
		parts = append(parts, d.Name+"|"+d.DeviceID)
	}
	return strings.Join(parts, "\n")
}

var cardLine = regexp.MustCompile(`^\s*(\d+)\s+\[.*?\]:\s+(.*?)\s+-\s+(.+)$`)

// ParseCards turns /proc/asound/cards into hw devices, USB cards first
func ParseCards(text string) []Device {
	type card struct {
		dev Device
		usb bool
	}
	var cards []card
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		m := cardLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		usb := strings.Contains(strings.ToLower(m[2]), "usb")
		if i+1 < len(lines) && strings.Contains(strings.ToLower(lines[i+1]), "usb") {
			usb = true
		}
		cards = append(cards, card{
			dev: Device{Name: fmt.Sprintf("%s (Card %d)", strings.TrimSpace(m[3]), idx), DeviceID: fmt.Sprintf("hw:%d,0", idx)},
			usb: usb,
		})
	}
	slices.SortStableFunc(cards, func(a, b card) int {
		switch {
		case a.usb && !b.usb:
			return -1
		case !a.usb && b.usb:
			return 1
		}
		return 0
	})
	out := make([]Device, 0, len(cards))
	for _, c := range cards {
		out = append(out, c.dev)
	}
	return out
}

func (e *Enumerator) alsa() ([]Device, error) {
	data, err := os.ReadFile(filepath.Join(e.procRoot, "asound", "cards"))
	if err != nil {
		return nil, fmt.Errorf("read card table: %w", err)
	}
	return ParseCards(string(data)), nil
}

func (e *Enumerator) pulseSinks(ctx context.Context) []Device {
	sinks, err := e.pulse.Sinks(ctx)
	if err != nil {
		e.log.Debug().Err(err).Msg("native pulse listing failed, using pactl")
		if sinks, err = e.pactl.Sinks(ctx); err != nil {
			e.log.Warn().Err(err).Msg("pulse sink listing failed")
			return nil
		}
	}
	return fromSinks(sinks)
}

func fromSinks(sinks []pactl.Sink) []Device {
	out := make([]Device, 0, len(sinks))
	for _, s := range sinks {
		if strings.Contains(s.Name, ".monitor") {
			continue
		}
		out = append(out, Device{Name: s.Description, DeviceID: s.Name})
	}
	return out
}

// nodeLabelKeys is the preference order for a sink's display name
var nodeLabelKeys = []string{"node.description", "device.description", "node.nick", "node.name"}

// PipeWireSinks extracts Audio/Sink nodes from a pw-dump document, USB
// devices first, without monitors or duplicates
func PipeWireSinks(objs []pwdump.Object) []Device {
	var usb, other []Device
	seen := make(map[string]bool)
	for _, node := range pwdump.Nodes(objs, pwdump.ClassSink) {
		props := node.NodeProps()
		id := props.String("node.name")
		if id == "" || strings.Contains(id, ".monitor") || seen[id] {
			continue
		}
		seen[id] = true
		name := id
		for _, key := range nodeLabelKeys {
			if v := strings.TrimSpace(props.String(key)); v != "" {
				name = v
				break
			}
		}
		d := Device{Name: name, DeviceID: id}
		if strings.Contains(strings.ToLower(id+" "+props.String("device.bus")), "usb") {
			usb = append(usb, d)
		} else {
			other = append(other, d)
		}
	}
	return append(usb, other...)
}

func (e *Enumerator) pipewireSinks(ctx context.Context) []Device {
	objs, err := pwdump.Dump(ctx, e.run)
	if err == nil {
		if devs := PipeWireSinks(objs); len(devs) > 0 {
			return devs
		}
	} else {
		e.log.Debug().Err(err).Msg("pw-dump failed, using pactl sinks")
	}
	sinks, err := e.pactl.Sinks(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("pipewire sink listing failed")
		return nil
	}
	return fromSinks(sinks)
}

// HWParams is the format the kernel reports for a running playback substream
type HWParams struct {
	Card  int
	Rate  int
	Depth int
}

var subStatus = regexp.MustCompile(`card(\d+)/pcm\d+p/sub\d+/status$`)

// RunningHWParams finds the first running playback substream under root
// (normally /proc/asound) and returns its negotiated rate and depth
func RunningHWParams(root string) (HWParams, bool) {
	matches, _ := filepath.Glob(filepath.Join(root, "card*", "pcm*p", "sub*", "status"))
	slices.Sort(matches)
	for _, status := range matches {
		data, err := os.ReadFile(status)
		if err != nil || !bytes.Contains(data, []byte("RUNNING")) {
			continue
		}
		params, err := os.ReadFile(filepath.Join(filepath.Dir(status), "hw_params"))
		if err != nil {
			continue
		}
		hw := parseHWParams(string(params))
		if m := subStatus.FindStringSubmatch(filepath.ToSlash(status)); m != nil {
			hw.Card, _ = strconv.Atoi(m[1])
		}
		if hw.Rate > 0 || hw.Depth > 0 {
			return hw, true
		}
	}
	return HWParams{}, false
}

func parseHWParams(text string) HWParams {
	var hw HWParams
	for _, line := range strings.Split(text, "\n") {
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields := strings.Fields(val)
		if len(fields) == 0 {
			continue
		}
		switch strings.TrimSpace(key) {
		case "format":
			hw.Depth = audio.DepthFromFormat(fields[0])
		case "rate":
			hw.Rate, _ = strconv.Atoi(fields[0])
		}
	}
	return hw
}
