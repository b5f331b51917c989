// ABOUTME: Tests for the pactl output parsers and profile helpers
// ABOUTME: Uses a scripted runner instead of a live sound server
package pactl

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiresti/hiresti-audio/internal/syscmd/syscmdtest"
)

const sinksOut = `Sink #55
	State: SUSPENDED
	Name: alsa_output.usb-FIIO_FIIO_KA13-01.analog-stereo
	Description: FiiO KA13 Analog Stereo
	Driver: PipeWire
Sink #56
	Name: alsa_output.pci-0000_00_1f.3.analog-stereo.monitor
	Description: Monitor of Built-in Audio
Sink #57
	Name: bluez_output.00_11
`

var cardsOut = strings.Join([]string{
	"Card #42",
	"\tName: alsa_card.usb-FIIO_FIIO_KA13-01",
	"\tDriver: alsa",
	"\tProperties:",
	"\t\talsa.card = \"1\"",
	"\t\tdevice.description = \"FiiO KA13\"",
	"\tProfiles:",
	"\t\toff: Off (sinks: 0, sources: 0, priority: 0, available: yes)",
	"\t\toutput:analog-stereo: Analog Stereo Output (sinks: 1, sources: 0, priority: 6500, available: yes)",
	"\t\tpro-audio: Pro Audio (sinks: 1, sources: 0, priority: 1, available: yes)",
	"\tActive Profile: output:analog-stereo",
	"\tPorts:",
	"\t\tanalog-output: Analog Output (type: Line, priority: 9900)",
	"\t\t\tProperties:",
	"\t\t\t\talsa.card = \"7\"",
	"Card #43",
	"\tName: alsa_card.pci-0000_00_1f.3",
	"\tProperties:",
	"\t\talsa.card = \"0\"",
	"\tActive Profile: pro-audio",
	"",
}, "\n")

func TestParseSinks(t *testing.T) {
	sinks := ParseSinks(sinksOut)
	require.Len(t, sinks, 2)
	assert.Equal(t, "alsa_output.usb-FIIO_FIIO_KA13-01.analog-stereo", sinks[0].Name)
	assert.Equal(t, "FiiO KA13 Analog Stereo", sinks[0].Description)
	assert.Equal(t, "bluez_output.00_11", sinks[1].Description, "name doubles as description")
}

func TestParseCards(t *testing.T) {
	cards := ParseCards(cardsOut)
	require.Len(t, cards, 2)

	assert.Equal(t, "alsa_card.usb-FIIO_FIIO_KA13-01", cards[0].Name)
	assert.Equal(t, "output:analog-stereo", cards[0].ActiveProfile)
	assert.Equal(t, 1, cards[0].ALSACard)
	assert.Equal(t, []string{"off", "output:analog-stereo", "pro-audio"}, cards[0].Profiles)

	assert.Equal(t, 0, cards[1].ALSACard)
	assert.Equal(t, "pro-audio", cards[1].ActiveProfile)
}

func TestClientProfiles(t *testing.T) {
	script := syscmdtest.New().
		On("pactl list cards", cardsOut, nil).
		On("pactl set-card-profile alsa_card.usb-FIIO_FIIO_KA13-01 off", "", nil)
	c := New(script)
	ctx := context.Background()

	active, err := c.ActiveProfile(ctx, "alsa_card.usb-FIIO_FIIO_KA13-01")
	require.NoError(t, err)
	assert.Equal(t, "output:analog-stereo", active)

	missing, err := c.ActiveProfile(ctx, "alsa_card.nope")
	require.NoError(t, err)
	assert.Empty(t, missing)

	card, ok, err := c.CardForALSA(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alsa_card.usb-FIIO_FIIO_KA13-01", card.Name)

	require.NoError(t, c.SetProfile(ctx, card.Name, ProfileOff))
	assert.Equal(t, 1, script.Count("pactl set-card-profile alsa_card.usb-FIIO_FIIO_KA13-01 off"))

	assert.Error(t, c.SetProfile(ctx, card.Name, "bogus"))
}
