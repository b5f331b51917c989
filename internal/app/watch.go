// ABOUTME: Remote watch mode: the status TUI attached to another engine's monitor
// ABOUTME: Finds the monitor by mDNS when no address is given and relays its stream into the TUI
package app

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"

	"github.com/hiresti/hiresti-audio/internal/client"
	"github.com/hiresti/hiresti-audio/internal/discovery"
	"github.com/hiresti/hiresti-audio/internal/ui"
)

const lookupTimeout = 10 * time.Second

// WatchConfig holds watch mode configuration
type WatchConfig struct {
	Addr string // host:port; empty browses mDNS
	Log  zerolog.Logger
}

// Watch connects to a monitor and runs the TUI until it quits
func Watch(ctx context.Context, config WatchConfig) error {
	addr := config.Addr
	if addr == "" {
		lookupCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
		info, err := discovery.Lookup(lookupCtx, config.Log)
		cancel()
		if err != nil {
			return fmt.Errorf("find monitor: %w", err)
		}
		addr = info.Addr()
		config.Log.Info().Str("name", info.Name).Str("addr", addr).Msg("Found monitor")
	}

	c := client.NewClient(client.Config{ServerAddr: addr, Log: config.Log})
	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	defer c.Close()

	source := c.Hello().Name
	if source == "" {
		source = addr
	}
	prog := ui.NewProgram(ui.NewModel(source, 80, ui.CommandFunc(c.Send)))

	fwdCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go forward(fwdCtx, c, source, prog.Send)

	if _, err := prog.Run(); err != nil {
		return fmt.Errorf("TUI failed: %w", err)
	}
	return nil
}

// forward relays client channels into TUI messages until ctx ends or the
// connection drops
func forward(ctx context.Context, c *client.Client, source string, send func(tea.Msg)) {
	connected := true
	send(ui.StatusMsg{Connected: &connected, Source: source})
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			disconnected := false
			send(ui.StatusMsg{Connected: &disconnected})
			send(ui.ErrorMsg{Err: fmt.Errorf("monitor connection lost")})
			return
		case st := <-c.Status:
			send(ui.StatusMsg{Status: &st})
		case ev := <-c.Events:
			send(ui.EventMsg(ev))
		case sp := <-c.Spectrum:
			send(ui.SpectrumMsg(sp))
		case e := <-c.Errors:
			send(ui.ErrorMsg{Err: fmt.Errorf("%s: %s", e.Error, e.Message)})
		}
	}
}
