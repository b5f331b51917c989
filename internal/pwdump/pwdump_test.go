// ABOUTME: Tests for pw-dump parsing
// ABOUTME: Node filtering by media class and settings metadata extraction
package pwdump

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiresti/hiresti-audio/internal/syscmd/syscmdtest"
)

const sample = `[
  {"id": 0, "type": "PipeWire:Interface:Core", "info": {"props": {"core.name": "pipewire-0"}}},
  {"id": 31, "type": "PipeWire:Interface:Metadata", "props": {"metadata.name": "settings"},
   "metadata": [
     {"subject": 0, "key": "clock.rate", "type": "", "value": 48000},
     {"subject": 0, "key": "clock.force-rate", "type": "Spa:Int", "value": 96000},
     {"subject": 0, "key": "clock.allowed-rates", "type": "", "value": "[ 44100 48000 96000 ]"},
     {"subject": 7, "key": "clock.force-rate", "type": "", "value": 1}
   ]},
  {"id": 52, "type": "PipeWire:Interface:Node", "info": {"props": {
     "media.class": "Audio/Sink", "node.name": "alsa_output.usb-Topping_E30-00.pro-output-0",
     "node.description": "E30 Pro"}}},
  {"id": 60, "type": "PipeWire:Interface:Node", "info": {"props": {
     "media.class": "Stream/Output/Audio", "application.process.id": 4242, "node.latency": "4096/48000"}}}
]`

func TestParseNodes(t *testing.T) {
	objs, err := Parse([]byte(sample))
	require.NoError(t, err)

	sinks := Nodes(objs, ClassSink)
	require.Len(t, sinks, 1)
	assert.Equal(t, "E30 Pro", sinks[0].NodeProps().String("node.description"))

	streams := Nodes(objs, ClassStreamOutput)
	require.Len(t, streams, 1)
	assert.Equal(t, 4242, streams[0].NodeProps().Int("application.process.id"))
	assert.Equal(t, "4096/48000", streams[0].NodeProps().String("node.latency"))
}

func TestMetadataSubjectZero(t *testing.T) {
	objs, err := Parse([]byte(sample))
	require.NoError(t, err)

	md, ok := Metadata(objs, "settings")
	require.True(t, ok)
	assert.Equal(t, "96000", md["clock.force-rate"])
	assert.Equal(t, "48000", md["clock.rate"])
	assert.Equal(t, "[ 44100 48000 96000 ]", md["clock.allowed-rates"])

	_, ok = Metadata(objs, "default")
	assert.False(t, ok)
}

func TestDumpRunsCommand(t *testing.T) {
	run := syscmdtest.New().On("pw-dump", sample, nil)
	objs, err := Dump(context.Background(), run)
	require.NoError(t, err)
	assert.Len(t, objs, 4)

	_, err = Parse([]byte("not json"))
	assert.Error(t, err)
}
