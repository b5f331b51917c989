// ABOUTME: Parsers and helpers for the pactl command surface
// ABOUTME: Lists sinks and cards and reads or switches card profiles
package pactl

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/hiresti/hiresti-audio/internal/syscmd"
)

// ProfileOff parks a card so the sound server releases its PCM devices
const (
	ProfileOff      = "off"
	ProfileProAudio = "pro-audio"
)

// Sink is one playback sink as reported by "pactl list sinks"
type Sink struct {
	Name        string
	Description string
}

// Card is one card as reported by "pactl list cards"
type Card struct {
	Name          string
	ActiveProfile string
	Profiles      []string
	ALSACard      int // -1 when the card has no alsa.card property
}

// Client runs pactl through a Runner
type Client struct {
	run syscmd.Runner
}

// New creates a client. A nil runner uses syscmd.Exec.
func New(run syscmd.Runner) *Client {
	if run == nil {
		run = syscmd.Exec{}
	}
	return &Client{run: run}
}

// Sinks lists playback sinks, skipping monitor endpoints
func (c *Client) Sinks(ctx context.Context) ([]Sink, error) {
	out, err := c.run.Run(ctx, "pactl", "list", "sinks")
	if err != nil {
		return nil, fmt.Errorf("pactl list sinks: %w", err)
	}
	return ParseSinks(string(out)), nil
}

// Cards lists every card
func (c *Client) Cards(ctx context.Context) ([]Card, error) {
	out, err := c.run.Run(ctx, "pactl", "list", "cards")
	if err != nil {
		return nil, fmt.Errorf("pactl list cards: %w", err)
	}
	return ParseCards(string(out)), nil
}

// ActiveProfile returns the active profile of the named card, or "" if the card is unknown
func (c *Client) ActiveProfile(ctx context.Context, card string) (string, error) {
	cards, err := c.Cards(ctx)
	if err != nil {
		return "", err
	}
	for _, cd := range cards {
		if cd.Name == card {
			return cd.ActiveProfile, nil
		}
	}
	return "", nil
}

// SetProfile switches a card profile
func (c *Client) SetProfile(ctx context.Context, card, profile string) error {
	if _, err := c.run.Run(ctx, "pactl", "set-card-profile", card, profile); err != nil {
		return fmt.Errorf("pactl set-card-profile %s %s: %w", card, profile, err)
	}
	return nil
}

// CardForALSA finds the sound-server card backed by ALSA card index idx
func (c *Client) CardForALSA(ctx context.Context, idx int) (Card, bool, error) {
	cards, err := c.Cards(ctx)
	if err != nil {
		return Card{}, false, err
	}
	for _, cd := range cards {
		if cd.ALSACard == idx {
			return cd, true, nil
		}
	}
	return Card{}, false, nil
}

// ParseSinks parses "pactl list sinks" output
func ParseSinks(text string) []Sink {
	var out []Sink
	for _, block := range strings.Split(text, "Sink #") {
		var s Sink
		for _, raw := range strings.Split(block, "\n") {
			line := strings.TrimSpace(raw)
			if rest, ok := strings.CutPrefix(line, "Name:"); ok && s.Name == "" {
				s.Name = strings.TrimSpace(rest)
			} else if rest, ok := strings.CutPrefix(line, "Description:"); ok && s.Description == "" {
				s.Description = strings.TrimSpace(rest)
			}
		}
		if s.Name == "" || strings.HasSuffix(s.Name, ".monitor") {
			continue
		}
		if s.Description == "" {
			s.Description = s.Name
		}
		out = append(out, s)
	}
	return out
}

// ParseCards parses "pactl list cards" output
func ParseCards(text string) []Card {
	var (
		out     []Card
		cur     *Card
		section string
	)
	flush := func() {
		if cur != nil && cur.Name != "" {
			out = append(out, *cur)
		}
	}
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if strings.HasPrefix(line, "Card #") {
			flush()
			cur = &Card{ALSACard: -1}
			section = ""
			continue
		}
		if cur == nil || line == "" {
			continue
		}
		depth := len(raw) - len(strings.TrimLeft(raw, "\t"))
		if depth <= 1 {
			section = ""
			switch {
			case strings.HasPrefix(line, "Name:"):
				cur.Name = strings.TrimSpace(strings.TrimPrefix(line, "Name:"))
			case strings.HasPrefix(line, "Active Profile:"):
				cur.ActiveProfile = strings.TrimSpace(strings.TrimPrefix(line, "Active Profile:"))
			case strings.HasSuffix(line, ":"):
				section = strings.TrimSuffix(line, ":")
			}
			continue
		}
		if depth != 2 {
			continue
		}
		switch section {
		case "Properties":
			key, val, ok := strings.Cut(line, "=")
			if !ok || strings.TrimSpace(key) != "alsa.card" || cur.ALSACard >= 0 {
				continue
			}
			if n, err := strconv.Atoi(strings.Trim(strings.TrimSpace(val), `"`)); err == nil {
				cur.ALSACard = n
			}
		case "Profiles":
			if name, _, ok := strings.Cut(line, ": "); ok {
				cur.Profiles = append(cur.Profiles, name)
			}
		}
	}
	flush()
	return out
}
