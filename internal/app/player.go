// ABOUTME: Main player application orchestration
// ABOUTME: Coordinates the engine, the monitor server and the status TUI
package app

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/hiresti/hiresti-audio/internal/config"
	"github.com/hiresti/hiresti-audio/internal/events"
	"github.com/hiresti/hiresti-audio/internal/logging"
	"github.com/hiresti/hiresti-audio/internal/protocol"
	"github.com/hiresti/hiresti-audio/internal/server"
	"github.com/hiresti/hiresti-audio/internal/settings"
	"github.com/hiresti/hiresti-audio/internal/sink"
	"github.com/hiresti/hiresti-audio/internal/ui"
	"github.com/hiresti/hiresti-audio/pkg/hiresti"
)

const (
	frameInterval = 50 * time.Millisecond
	statusEvery   = 5 // frame ticks per status refresh
)

// Config holds player configuration
type Config struct {
	Engine hiresti.Config
	URI    string
	// Output overrides the output stored in settings
	Output *sink.Selection
	Volume int

	MonitorAddr string
	Advertise   bool
	Name        string

	UseTUI bool
	Log    zerolog.Logger
}

// EngineConfig maps the environment and settings onto an engine config
func EngineConfig(env *config.Config, s settings.Settings, log zerolog.Logger) hiresti.Config {
	return hiresti.Config{
		Engine:            env.Engine(),
		Settings:          s,
		ShadowAnalyzer:    env.ShadowAnalyzer(),
		FakeSink:          bool(env.RustAudioFakeSink),
		TransportDisabled: !env.TransportEnabled(),
		VizTrace:          bool(env.VizTrace),
		VizBaseMs:         env.VizSyncBaseMs,
		VizLeadMs:         env.VizSyncLeadMs,
		WatchDevices:      true,
		Log:               log,
	}
}

// DefaultName is the monitor name advertised when none is given
func DefaultName() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "hiresti"
	}
	return hostname + "-hiresti"
}

// Player represents the main player application
type Player struct {
	config  Config
	log     zerolog.Logger
	engine  *hiresti.Engine
	monitor *server.Monitor
	tuiProg *tea.Program
	frame   atomic.Pointer[protocol.Spectrum]
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a new player
func New(config Config) *Player {
	if config.Name == "" {
		config.Name = DefaultName()
	}
	config.Volume = max(0, min(100, config.Volume))
	ctx, cancel := context.WithCancel(context.Background())

	return &Player{
		config: config,
		log:    config.Log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start builds the engine, starts the monitor and the TUI, loads the track
// and blocks until the TUI quits, Stop is called or, when headless, the
// track ends
func (p *Player) Start() error {
	engine, err := hiresti.NewEngine(p.config.Engine)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	p.engine = engine
	defer func() {
		if err := engine.Close(context.Background()); err != nil {
			p.log.Warn().Err(err).Msg("Engine close failed")
		}
	}()

	if p.config.Output != nil {
		if err := engine.SetOutput(p.ctx, *p.config.Output); err != nil {
			p.log.Warn().Err(err).Msg("Requested output unavailable")
		}
	}
	if err := engine.SetVolume(float64(p.config.Volume) / 100); err != nil {
		p.log.Warn().Err(err).Msg("Failed to set volume")
	}

	engine.OnSpectrum(p.storeFrame)
	engine.OnError(func(msg string) { p.log.Error().Str("error", msg).Msg("Playback error") })
	engine.OnEOS(p.onEOS)

	var wg conc.WaitGroup
	defer wg.Wait()
	defer p.cancel()

	wg.Go(func() { _ = engine.Run(p.ctx) })

	if p.config.MonitorAddr != "" {
		p.monitor = server.New(server.Config{
			Addr:      p.config.MonitorAddr,
			Name:      p.config.Name,
			Advertise: p.config.Advertise,
			Log:       logging.For("monitor"),
		}, engine)
		engine.OnSpectrum(p.monitor.PublishSpectrum)
		wg.Go(func() {
			if err := p.monitor.Run(p.ctx); err != nil {
				p.log.Error().Err(err).Msg("Monitor stopped")
			}
		})
	}

	if p.config.URI != "" {
		if err := engine.Load(p.ctx, p.config.URI); err != nil {
			return fmt.Errorf("load %s: %w", p.config.URI, err)
		}
		if err := engine.Play(p.ctx); err != nil {
			return fmt.Errorf("play: %w", err)
		}
		p.log.Info().Str("uri", p.config.URI).Msg("Playing")
	}

	if !p.config.UseTUI {
		<-p.ctx.Done()
		return nil
	}

	model := ui.NewModel("local", p.config.Volume, ui.CommandFunc(p.command))
	p.tuiProg = ui.NewProgram(model)
	wg.Go(p.uiLoop)
	if _, err := p.tuiProg.Run(); err != nil {
		return fmt.Errorf("TUI failed: %w", err)
	}
	return nil
}

// command runs a TUI command against the local engine
func (p *Player) command(cmd protocol.Command) error {
	return server.Apply(p.ctx, p.engine, cmd)
}

func (p *Player) storeFrame(mags []float32, pos float64) {
	p.frame.Store(&protocol.Spectrum{Position: pos, Magnitudes: mags})
}

// onEOS ends a headless run that has nothing else to serve
func (p *Player) onEOS() {
	p.log.Info().Msg("End of stream")
	if !p.config.UseTUI && p.config.MonitorAddr == "" {
		p.cancel()
	}
}

// uiLoop feeds status, events and the latest aligned frame to the TUI
func (p *Player) uiLoop() {
	ch, unsubscribe := p.engine.Subscribe()
	defer unsubscribe()
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	connected := true
	p.tuiProg.Send(ui.StatusMsg{Connected: &connected, Source: "local"})
	var last *protocol.Spectrum
	tick := 0
	for {
		select {
		case <-p.ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Kind == events.KindError || ev.Kind == events.KindEOS {
				p.tuiProg.Send(ui.EventMsg{Kind: ev.Kind.String(), Message: ev.Message, Time: ev.At.UnixMilli()})
			}
		case <-ticker.C:
			tick++
			if frame := p.frame.Load(); frame != nil && frame != last {
				last = frame
				p.tuiProg.Send(ui.SpectrumMsg(*frame))
			}
			if tick%statusEvery == 1 {
				status := server.StatusFrom(p.engine.Snapshot(p.ctx), p.engine.EventLog())
				p.tuiProg.Send(ui.StatusMsg{Status: &status})
			}
		}
	}
}

// Stop stops the player
func (p *Player) Stop() {
	p.cancel()

	if p.tuiProg != nil {
		p.tuiProg.Quit()
	}
}
