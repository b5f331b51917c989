// ABOUTME: Tests for player application orchestration
// ABOUTME: Tests player creation, engine config mapping, headless lifecycle and remote relaying
package app

import (
	"context"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiresti/hiresti-audio/internal/client"
	"github.com/hiresti/hiresti-audio/internal/config"
	"github.com/hiresti/hiresti-audio/internal/pipeline"
	"github.com/hiresti/hiresti-audio/internal/pipeline/pipelinetest"
	"github.com/hiresti/hiresti-audio/internal/protocol"
	"github.com/hiresti/hiresti-audio/internal/settings"
	"github.com/hiresti/hiresti-audio/internal/syscmd/syscmdtest"
	"github.com/hiresti/hiresti-audio/internal/ui"
	"github.com/hiresti/hiresti-audio/pkg/hiresti"
)

// testEngine returns an engine config over fake graphs; built graphs are
// delivered on the returned channel
func testEngine(t *testing.T, tweak func(*pipelinetest.Fake)) (hiresti.Config, <-chan *pipelinetest.Fake) {
	t.Helper()
	graphs := make(chan *pipelinetest.Fake, 4)
	return hiresti.Config{
		Engine:   pipeline.BackendNative,
		Log:      zerolog.Nop(),
		Clock:    clockwork.NewRealClock(),
		Runner:   syscmdtest.New(),
		ProcRoot: t.TempDir(),
		HWRoot:   t.TempDir(),
		FakeSink: true,
		NewGraph: func(string, zerolog.Logger) (pipeline.Graph, error) {
			g := pipelinetest.New()
			if tweak != nil {
				tweak(g)
			}
			graphs <- g
			return g, nil
		},
	}, graphs
}

func TestNewPlayer(t *testing.T) {
	config := Config{
		Name:   "test-player",
		Volume: 140,
		UseTUI: false,
	}

	player := New(config)

	if player == nil {
		t.Fatal("expected player to be created")
	}

	if player.config.Name != config.Name {
		t.Errorf("expected Name %s, got %s", config.Name, player.config.Name)
	}

	if player.config.Volume != 100 {
		t.Errorf("expected Volume clamped to 100, got %d", player.config.Volume)
	}

	if player.ctx == nil {
		t.Error("context should be initialized")
	}
}

func TestPlayerDefaultName(t *testing.T) {
	player := New(Config{})
	if player.config.Name == "" {
		t.Error("expected a default name")
	}
}

func TestPlayerStop(t *testing.T) {
	player := New(Config{Name: "test-player"})

	// Should not panic
	player.Stop()

	select {
	case <-player.ctx.Done():
		// Expected
	default:
		t.Error("context should be cancelled after Stop()")
	}
}

func TestMultiplePlayerInstances(t *testing.T) {
	player1 := New(Config{Name: "player-1"})
	player2 := New(Config{Name: "player-2"})

	player1.Stop()

	select {
	case <-player1.ctx.Done():
	default:
		t.Error("player1 context should be cancelled")
	}

	select {
	case <-player2.ctx.Done():
		t.Error("player2 context should still be active")
	default:
	}

	player2.Stop()
}

func TestEngineConfig(t *testing.T) {
	env := &config.Config{
		AudioEngine:        "python",
		RustAudioTransport: false,
		RustAudioSingle:    false,
		RustAudioFakeSink:  true,
		VizTrace:           true,
		VizSyncBaseMs:      20,
		VizSyncLeadMs:      5,
	}
	s := settings.Defaults()
	cfg := EngineConfig(env, s, zerolog.Nop())

	assert.Equal(t, pipeline.BackendNative, cfg.Engine)
	assert.True(t, cfg.ShadowAnalyzer)
	assert.True(t, cfg.FakeSink)
	assert.True(t, cfg.TransportDisabled)
	assert.True(t, cfg.VizTrace)
	assert.Equal(t, 20, cfg.VizBaseMs)
	assert.Equal(t, 5, cfg.VizLeadMs)
	assert.True(t, cfg.WatchDevices)
	assert.Equal(t, s, cfg.Settings)
}

func TestStartHeadlessStopsOnEOS(t *testing.T) {
	engineCfg, graphs := testEngine(t, nil)
	player := New(Config{Engine: engineCfg, URI: "file:///music/a.flac", Volume: 50, Log: zerolog.Nop()})

	done := make(chan error, 1)
	go func() { done <- player.Start() }()

	var graph *pipelinetest.Fake
	select {
	case graph = <-graphs:
	case <-time.After(2 * time.Second):
		t.Fatal("engine not built")
	}
	require.Eventually(t, func() bool { return graph.State() == pipeline.StatePlaying }, 2*time.Second, 10*time.Millisecond)

	graph.Post(pipeline.Message{Kind: pipeline.MsgEOS, Timestamp: -1})
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("player did not stop at end of stream")
	}
	assert.True(t, graph.Closed)
	assert.InDelta(t, 0.5, graph.Vol, 1e-9)
}

func TestStartLoadFailure(t *testing.T) {
	engineCfg, _ := testEngine(t, func(g *pipelinetest.Fake) { g.Fail["set_uri"] = nil })
	player := New(Config{Engine: engineCfg, URI: "file:///music/missing.flac", Log: zerolog.Nop()})

	err := player.Start()
	assert.ErrorContains(t, err, "load file:///music/missing.flac")
}

func TestLocalCommand(t *testing.T) {
	engineCfg, graphs := testEngine(t, nil)
	engine, err := hiresti.NewEngine(engineCfg)
	require.NoError(t, err)
	defer engine.Close(context.Background())
	graph := <-graphs

	player := New(Config{Log: zerolog.Nop()})
	player.engine = engine

	require.NoError(t, player.command(protocol.Command{Command: protocol.CommandVolume, Value: 0.3}))
	assert.InDelta(t, 0.3, graph.Vol, 1e-9)
	assert.ErrorContains(t, player.command(protocol.Command{Command: "eject"}), "unknown command")
}

func TestForwardRelaysClientChannels(t *testing.T) {
	c := client.NewClient(client.Config{ServerAddr: "127.0.0.1:1", Log: zerolog.Nop()})
	msgs := make(chan tea.Msg, 16)
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		forward(ctx, c, "Den", func(m tea.Msg) { msgs <- m })
		close(finished)
	}()

	c.Status <- protocol.Status{State: "playing"}
	c.Events <- protocol.Event{Kind: "eos", Message: "eos"}
	c.Spectrum <- protocol.Spectrum{Position: 2, Magnitudes: []float32{-10}}
	c.Errors <- protocol.Error{Error: "command_failed", Message: "no track"}

	next := func() tea.Msg {
		select {
		case m := <-msgs:
			return m
		case <-time.After(2 * time.Second):
			t.Fatal("no message relayed")
			return nil
		}
	}

	first := next().(ui.StatusMsg)
	require.NotNil(t, first.Connected)
	assert.True(t, *first.Connected)
	assert.Equal(t, "Den", first.Source)

	got := map[string]tea.Msg{}
	for range 4 {
		switch m := next().(type) {
		case ui.StatusMsg:
			got["status"] = m
		case ui.EventMsg:
			got["event"] = m
		case ui.SpectrumMsg:
			got["spectrum"] = m
		case ui.ErrorMsg:
			got["error"] = m
		}
	}
	require.Len(t, got, 4)
	assert.Equal(t, "playing", got["status"].(ui.StatusMsg).Status.State)
	assert.Equal(t, "eos", got["event"].(ui.EventMsg).Kind)
	assert.Equal(t, []float32{-10}, got["spectrum"].(ui.SpectrumMsg).Magnitudes)
	assert.EqualError(t, got["error"].(ui.ErrorMsg).Err, "command_failed: no track")

	cancel()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("forward did not stop")
	}
}
