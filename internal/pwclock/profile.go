// ABOUTME: Card profile handling for PipeWire outputs backed by ALSA cards
// ABOUTME: Maps output nodes to cards, switches to pro-audio and re-resolves the renamed node
package pwclock

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hiresti/hiresti-audio/internal/pactl"
)

const (
	profileAttempts = 3
	profileSettle   = 120 * time.Millisecond
)

var nodeProfileSuffixes = []string{
	".analog-stereo",
	".pro-output-0", ".pro-output-1", ".pro-output-2", ".pro-output-3",
	".multichannel-output",
	".iec958-stereo",
}

// CardFromNode maps "alsa_output.<core>.<profile>" to "alsa_card.<core>"
func CardFromNode(node string) (string, bool) {
	core, ok := strings.CutPrefix(strings.TrimSpace(node), "alsa_output.")
	if !ok || core == "" {
		return "", false
	}
	for _, suffix := range nodeProfileSuffixes {
		if trimmed, ok := strings.CutSuffix(core, suffix); ok {
			core = trimmed
			break
		}
	}
	return "alsa_card." + core, true
}

// ResolveTarget picks the node to bind after a profile switch renamed the
// outputs of a card. Candidates sharing the node's base name win, a pro-*
// variant first, then the original id, then the first sibling.
func ResolveTarget(node string, candidates []string) string {
	base := node
	if i := strings.LastIndex(node, "."); i > 0 {
		base = node[:i]
	}
	var siblings []string
	for _, c := range candidates {
		if strings.HasPrefix(c, base+".") {
			siblings = append(siblings, c)
		}
	}
	for _, c := range siblings {
		if strings.Contains(c, ".pro-") {
			return c
		}
	}
	for _, c := range siblings {
		if c == node {
			return c
		}
	}
	if len(siblings) > 0 {
		return siblings[0]
	}
	return node
}

// Profiles is the subset of the pactl client used for card profiles
type Profiles interface {
	ActiveProfile(ctx context.Context, card string) (string, error)
	SetProfile(ctx context.Context, card, profile string) error
	Sinks(ctx context.Context) ([]pactl.Sink, error)
}

// EnsureProAudio switches the card behind node to the pro-audio profile and
// returns the node to bind afterwards. Nodes that do not belong to an ALSA
// card are returned unchanged.
func (c *Coordinator) EnsureProAudio(ctx context.Context, profiles Profiles, node string) (string, error) {
	card, ok := CardFromNode(node)
	if !ok {
		return node, nil
	}
	log := c.log.With().Str("card", card).Logger()

	active, err := profiles.ActiveProfile(ctx, card)
	if err != nil {
		return node, fmt.Errorf("failed to switch %s to %s: %w", card, pactl.ProfileProAudio, err)
	}
	if active != pactl.ProfileProAudio {
		var lastErr error
		switched := false
		for attempt := 1; attempt <= profileAttempts; attempt++ {
			lastErr = profiles.SetProfile(ctx, card, pactl.ProfileProAudio)
			c.sleep(ctx, profileSettle)
			if cur, err := profiles.ActiveProfile(ctx, card); err == nil && cur == pactl.ProfileProAudio {
				switched = true
				break
			}
			log.Debug().Int("attempt", attempt).Err(lastErr).Msg("pro-audio switch not confirmed")
		}
		if !switched {
			if lastErr == nil {
				lastErr = fmt.Errorf("active profile is still %q", active)
			}
			return node, fmt.Errorf("failed to switch %s to %s: %w", card, pactl.ProfileProAudio, lastErr)
		}
		log.Info().Str("from", active).Msg("card switched to pro-audio")
	}

	sinks, err := profiles.Sinks(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("sink listing failed, keeping node")
		return node, nil
	}
	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name)
	}
	target := ResolveTarget(node, names)
	if target != node {
		log.Info().Str("from", node).Str("to", target).Msg("output node re-resolved")
	}
	return target, nil
}
