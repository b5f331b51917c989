// ABOUTME: Tests for monitor envelope encoding and decoding
// ABOUTME: Checks the wire shape watchers depend on
package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeEnvelopeShape(t *testing.T) {
	data, err := Encode(TypeSpectrum, Spectrum{Position: 1.5, Magnitudes: []float32{-60, -42.5}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"spectrum","payload":{"position":1.5,"magnitudes":[-60,-42.5]}}`, string(data))
}

func TestDecodeCommand(t *testing.T) {
	env, err := Decode([]byte(`{"type":"command","payload":{"command":"seek","value":42.25}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeCommand, env.Type)

	var cmd Command
	require.NoError(t, env.Unmarshal(&cmd))
	assert.Equal(t, CommandSeek, cmd.Command)
	assert.InDelta(t, 42.25, cmd.Value, 1e-9)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"payload":{}}`))
	assert.ErrorContains(t, err, "missing type")

	env, err := Decode([]byte(`{"type":"status","payload":"oops"}`))
	require.NoError(t, err)
	var st Status
	assert.ErrorContains(t, env.Unmarshal(&st), "decode status payload")
}
