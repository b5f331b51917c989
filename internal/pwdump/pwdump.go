// ABOUTME: Reads the PipeWire object graph from pw-dump JSON
// ABOUTME: Shared by the clock coordinator (metadata, stream latency) and the device enumerator (sinks)
package pwdump

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/hiresti/hiresti-audio/internal/syscmd"
)

// Object types reported by pw-dump
const (
	TypeNode     = "PipeWire:Interface:Node"
	TypeMetadata = "PipeWire:Interface:Metadata"
)

// Media classes of interest
const (
	ClassSink         = "Audio/Sink"
	ClassStreamOutput = "Stream/Output/Audio"
)

// Object is one entry of the dump. Nodes carry their properties under
// info.props, metadata objects under props plus a metadata list.
type Object struct {
	ID       int             `json:"id"`
	Type     string          `json:"type"`
	Props    Props           `json:"props"`
	Info     *Info           `json:"info"`
	Metadata []MetadataEntry `json:"metadata"`
}

// Info holds the node info block
type Info struct {
	Props Props `json:"props"`
}

// MetadataEntry is one subject/key/value row of a metadata object
type MetadataEntry struct {
	Subject int             `json:"subject"`
	Key     string          `json:"key"`
	Type    string          `json:"type"`
	Value   json.RawMessage `json:"value"`
}

// Props is a free-form property dictionary
type Props map[string]any

// String returns the property as text; numbers are formatted without exponent
func (p Props) String(key string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

// Int returns the property as an integer, 0 when absent or not numeric
func (p Props) Int(key string) int {
	switch v := p[key].(type) {
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(strings.TrimSpace(v))
		return n
	}
	return 0
}

// NodeProps returns the properties of a node, falling back to the top-level props
func (o Object) NodeProps() Props {
	if o.Info != nil && o.Info.Props != nil {
		return o.Info.Props
	}
	return o.Props
}

// Text returns the entry value as text. String values are unquoted and
// numbers keep their literal form.
func (e MetadataEntry) Text() string {
	raw := strings.TrimSpace(string(e.Value))
	if raw == "" || raw == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Value, &s); err == nil {
		return s
	}
	return raw
}

// Parse decodes a pw-dump document
func Parse(data []byte) ([]Object, error) {
	var objs []Object
	if err := json.Unmarshal(data, &objs); err != nil {
		return nil, fmt.Errorf("decode pw-dump: %w", err)
	}
	return objs, nil
}

// Dump runs pw-dump and parses its output
func Dump(ctx context.Context, run syscmd.Runner) ([]Object, error) {
	if run == nil {
		run = syscmd.Exec{}
	}
	out, err := run.Run(ctx, "pw-dump")
	if err != nil {
		return nil, err
	}
	return Parse(out)
}

// Nodes returns the nodes of the given media class in dump order
func Nodes(objs []Object, class string) []Object {
	var out []Object
	for _, o := range objs {
		if o.Type != TypeNode {
			continue
		}
		if o.NodeProps().String("media.class") == class {
			out = append(out, o)
		}
	}
	return out
}

// Metadata returns the subject-0 entries of the named metadata object keyed by key
func Metadata(objs []Object, name string) (map[string]string, bool) {
	for _, o := range objs {
		if o.Type != TypeMetadata || o.Props.String("metadata.name") != name {
			continue
		}
		out := make(map[string]string, len(o.Metadata))
		for _, e := range o.Metadata {
			if e.Subject == 0 {
				out[e.Key] = e.Text()
			}
		}
		return out, true
	}
	return nil, false
}
