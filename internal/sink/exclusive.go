// ABOUTME: Exclusive ALSA access: reservation, sound-server profile park and holder checks
// ABOUTME: Remembers the parked card profile and restores it when exclusivity ends
package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hiresti/hiresti-audio/internal/apperr"
	"github.com/hiresti/hiresti-audio/internal/pactl"
)

// ProfileSwitcher is the part of the pactl client exclusivity needs
type ProfileSwitcher interface {
	CardForALSA(ctx context.Context, idx int) (pactl.Card, bool, error)
	SetProfile(ctx context.Context, card, profile string) error
}

// Exclusive manages one exclusive ALSA binding at a time
type Exclusive struct {
	log      zerolog.Logger
	profiles ProfileSwitcher
	reserve  Reserver
	scan     HolderScanner

	mu       sync.Mutex
	device   string
	card     string // sound-server card whose profile was parked
	previous string // profile to restore
	release  func() error
}

// NewExclusive wires the collaborators. Any of them may be nil, which skips that step.
func NewExclusive(log zerolog.Logger, profiles ProfileSwitcher, reserve Reserver, scan HolderScanner) *Exclusive {
	return &Exclusive{log: log, profiles: profiles, reserve: reserve, scan: scan}
}

// Acquire prepares device for exclusive use. Remaining holders other than
// the sound server yield a *apperr.BusyError and the park is undone.
func (e *Exclusive) Acquire(ctx context.Context, device string) (string, error) {
	idx, ok := CardIndex(device)
	if !ok {
		return "", fmt.Errorf("%w: exclusive mode needs a hw:<card>,<dev> device, got %q", apperr.ErrOutputSwitch, device)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.device == device {
		return e.borrowedLocked(), nil
	}
	if e.device != "" {
		e.releaseLocked(ctx)
	}

	if e.reserve != nil {
		rel, err := e.reserve.Reserve(ctx, idx)
		var busy *apperr.BusyError
		switch {
		case errors.As(err, &busy):
			return "", err
		case err != nil:
			e.log.Warn().Err(err).Int("card", idx).Msg("device reservation unavailable, continuing")
		default:
			e.release = rel
		}
	}

	if e.profiles != nil {
		card, found, err := e.profiles.CardForALSA(ctx, idx)
		switch {
		case err != nil:
			e.log.Warn().Err(err).Int("card", idx).Msg("sound-server card lookup failed")
		case found && card.ActiveProfile != pactl.ProfileOff:
			if err := e.profiles.SetProfile(ctx, card.Name, pactl.ProfileOff); err != nil {
				e.log.Warn().Err(err).Str("card", card.Name).Msg("profile park failed")
			} else {
				e.card = card.Name
				e.previous = card.ActiveProfile
				e.log.Info().Str("card", card.Name).Str("previous", card.ActiveProfile).Msg("card profile parked")
			}
		}
	}

	if e.scan != nil {
		holders, err := e.scan.Holders(idx)
		if err != nil {
			e.log.Debug().Err(err).Msg("holder scan failed")
		}
		var blocking []string
		for _, h := range holders {
			if !h.IsSoundServer() || e.card == "" {
				blocking = append(blocking, h.String())
			}
		}
		if len(blocking) > 0 {
			e.releaseLocked(ctx)
			return "", &apperr.BusyError{Device: device, Holders: blocking}
		}
	}

	e.device = device
	return e.borrowedLocked(), nil
}

// Release restores the parked profile and drops the reservation
func (e *Exclusive) Release(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.releaseLocked(ctx)
}

// Active returns the exclusively held device, if any
func (e *Exclusive) Active() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.device
}

// Borrowed describes the parked card, e.g. "borrowed=alsa_card.usb-..."
func (e *Exclusive) Borrowed() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.borrowedLocked()
}

func (e *Exclusive) borrowedLocked() string {
	if e.card == "" {
		return ""
	}
	return "borrowed=" + e.card
}

func (e *Exclusive) releaseLocked(ctx context.Context) {
	if e.card != "" && e.profiles != nil {
		if err := e.profiles.SetProfile(ctx, e.card, e.previous); err != nil {
			e.log.Warn().Err(err).Str("card", e.card).Str("profile", e.previous).Msg("profile restore failed")
		} else {
			e.log.Info().Str("card", e.card).Str("profile", e.previous).Msg("card profile restored")
		}
	}
	if e.release != nil {
		if err := e.release(); err != nil {
			e.log.Debug().Err(err).Msg("reservation release failed")
		}
	}
	e.device, e.card, e.previous, e.release = "", "", "", nil
}
