// ABOUTME: Builds driver-specific sink descriptions from an output selection
// ABOUTME: Computes the PipeWire quantum and renders the gst-launch fragment
package sink

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/hiresti/hiresti-audio/internal/apperr"
)

// Name is the element name every sink is bound under
const Name = "outsink"

// Quantum bounds and the graph rate node.latency is expressed against
const (
	QuantumMin  = 512
	QuantumMax  = 8192
	QuantumRate = 48000
)

var quantumSteps = []int{256, 512, 1024, 2048, 4096, 8192}

// Bind failure return codes, per driver
const (
	RCPipeWire    = -11
	RCPulseAudio  = -12
	RCALSA        = -13
	RCUnsupported = -14
	RCSinkCreate  = -15
)

// Prop is one element property in launch syntax
type Prop struct {
	Name  string
	Value string
}

// Plan is a fully parameterized sink
type Plan struct {
	Kind      Kind
	Element   string
	Device    string
	BufferUs  int
	PeriodUs  int
	Exclusive bool
	Quantum   int // PipeWire only
	Props     []Prop
}

// Prop returns the value of a property and whether it is set
func (s Plan) Prop(name string) (string, bool) {
	for _, p := range s.Props {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// Fragment renders the sink as a gst-launch element description
func (s Plan) Fragment() string {
	var b strings.Builder
	b.WriteString(s.Element)
	b.WriteString(" name=")
	b.WriteString(Name)
	for _, p := range s.Props {
		b.WriteByte(' ')
		b.WriteString(p.Name)
		b.WriteByte('=')
		b.WriteString(quote(p.Value))
	}
	return b.String()
}

// BindRC is the return code reported when the sink for kind cannot be created
func BindRC(kind Kind) int {
	switch kind {
	case PipeWire:
		return RCPipeWire
	case PulseAudio:
		return RCPulseAudio
	case ALSA:
		return RCALSA
	}
	return RCSinkCreate
}

// Quantum picks the power-of-two step nearest to bufferUs at 48 kHz, clamped to [512, 8192]
func Quantum(bufferUs int) int {
	if bufferUs <= 0 {
		bufferUs = DefaultBufferUs
	}
	base := int(float64(bufferUs) / 1e6 * QuantumRate)
	q := 1024
	for _, p := range quantumSteps {
		if abs(p-base) < abs(q-base) {
			q = p
		}
	}
	return min(max(q, QuantumMin), QuantumMax)
}

// Build turns a selection into a sink plan. Properties the element does not
// support are skipped.
func Build(sel Selection) (Plan, error) {
	sel = sel.Normalize()
	elem := Element(sel.Driver)
	if elem == "" {
		return Plan{}, fmt.Errorf("%w: %v", apperr.ErrUnsupportedDriver, sel.Driver)
	}
	plan := Plan{
		Kind:      sel.Driver,
		Element:   elem,
		Device:    sel.Device,
		BufferUs:  sel.BufferUs,
		PeriodUs:  sel.PeriodUs,
		Exclusive: sel.Exclusive && sel.Driver == ALSA,
	}
	set := func(name, value string) {
		if Supports(plan.Kind, name) {
			plan.Props = append(plan.Props, Prop{Name: name, Value: value})
		}
	}

	switch sel.Driver {
	case ALSA, PulseAudio:
		if sel.Device != "" {
			set(PropDevice, sel.Device)
		}
		set(PropBufferTime, strconv.Itoa(sel.BufferUs))
		set(PropLatencyTime, strconv.Itoa(sel.PeriodUs))
		set(PropProvideClock, "true")
		if sel.Driver == ALSA {
			set(PropSlaveMethod, "skew")
		}
	case PipeWire:
		plan.Quantum = Quantum(sel.BufferUs)
		if sel.Device != "" {
			set(PropTargetObject, sel.Device)
		}
		set(PropStreamProperties, fmt.Sprintf(
			"props,node.latency=(string)%d/%d,node.autoconnect=(string)true,media.role=(string)Music,resample.quality=(int)12",
			plan.Quantum, QuantumRate))
	case Fake:
		set(PropSync, "true")
	}
	return plan, nil
}

// LatencyLabel is the node.latency value of a PipeWire plan
func (s Plan) LatencyLabel() string {
	if s.Quantum == 0 {
		return ""
	}
	return fmt.Sprintf("%d/%d", s.Quantum, QuantumRate)
}

var hwDevice = regexp.MustCompile(`^(?:plug)?hw:(?:CARD=)?(\d+)(?:,(\d+))?$`)

// CardIndex extracts the ALSA card number from a "hw:N,D" device string
func CardIndex(device string) (int, bool) {
	m := hwDevice.FindStringSubmatch(strings.TrimSpace(device))
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

func quote(v string) string {
	if strings.ContainsAny(v, " ,;=()\"") {
		return strconv.Quote(v)
	}
	return v
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
