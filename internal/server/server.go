// ABOUTME: Engine monitor: HTTP snapshot, device and diagnostics endpoints plus a websocket feed
// ABOUTME: Broadcasts events, periodic status and spectrum frames to watchers, dropping on slow ones
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/hiresti/hiresti-audio/internal/devices"
	"github.com/hiresti/hiresti-audio/internal/discovery"
	"github.com/hiresti/hiresti-audio/internal/events"
	"github.com/hiresti/hiresti-audio/internal/metrics"
	"github.com/hiresti/hiresti-audio/internal/protocol"
	"github.com/hiresti/hiresti-audio/internal/sink"
	"github.com/hiresti/hiresti-audio/internal/transport"
	"github.com/hiresti/hiresti-audio/internal/version"
)

const (
	defaultStatusInterval = time.Second
	sendBuffer            = 64
	writeDeadline         = 10 * time.Second
	pingInterval          = 30 * time.Second
	shutdownTimeout       = 5 * time.Second
	statusEvents          = 8
)

// Engine is what the monitor reads and controls
type Engine interface {
	Snapshot(ctx context.Context) transport.Snapshot
	ListDevices(ctx context.Context, driver sink.Kind) ([]devices.Device, error)
	Diagnostics(ctx context.Context) string
	EventLog() []string
	Subscribe() (<-chan events.Event, func())
	Commands
}

// Commands is the part of Engine that watcher commands drive
type Commands interface {
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	Stop(ctx context.Context) error
	Seek(pos float64) error
	SetVolume(v float64) error
	Recover(ctx context.Context) error
}

// Config holds monitor configuration
type Config struct {
	Addr           string
	Name           string
	Advertise      bool
	StatusInterval time.Duration
	Log            zerolog.Logger
	Clock          clockwork.Clock
}

// Monitor serves the engine state to watchers
type Monitor struct {
	config   Config
	engine   Engine
	log      zerolog.Logger
	clock    clockwork.Clock
	serverID string
	upgrader websocket.Upgrader
	mux      *http.ServeMux

	clientsMu sync.RWMutex
	clients   map[string]*watcher

	addrMu sync.Mutex
	addr   net.Addr
}

type watcher struct {
	id     string
	remote string
	conn   *websocket.Conn
	send   chan []byte
	once   sync.Once
}

func (w *watcher) close() {
	w.once.Do(func() { close(w.send) })
}

// New creates a monitor for engine
func New(config Config, engine Engine) *Monitor {
	if config.StatusInterval <= 0 {
		config.StatusInterval = defaultStatusInterval
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}
	if config.Name == "" {
		config.Name = version.Product
	}
	m := &Monitor{
		config:   config,
		engine:   engine,
		log:      config.Log,
		clock:    config.Clock,
		serverID: uuid.New().String(),
		mux:      http.NewServeMux(),
		clients:  make(map[string]*watcher),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Watchers are CLI tools and local dashboards
				return true
			},
		},
	}
	m.mux.HandleFunc("GET /snapshot", m.handleSnapshot)
	m.mux.HandleFunc("GET /devices", m.handleDevices)
	m.mux.HandleFunc("GET /diagnostics", m.handleDiagnostics)
	m.mux.Handle("GET /metrics", promhttp.Handler())
	m.mux.HandleFunc("/ws", m.handleWebSocket)
	return m
}

// Handler exposes the monitor routes
func (m *Monitor) Handler() http.Handler {
	return m.mux
}

// Addr is the bound listen address once Run has started
func (m *Monitor) Addr() net.Addr {
	m.addrMu.Lock()
	defer m.addrMu.Unlock()
	return m.addr
}

// Clients returns the number of connected watchers
func (m *Monitor) Clients() int {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	return len(m.clients)
}

// Run listens on Config.Addr, advertises over mDNS when enabled and serves
// until ctx is done
func (m *Monitor) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", m.config.Addr)
	if err != nil {
		return fmt.Errorf("monitor listen %s: %w", m.config.Addr, err)
	}
	m.addrMu.Lock()
	m.addr = ln.Addr()
	m.addrMu.Unlock()
	m.log.Info().Str("addr", ln.Addr().String()).Str("id", m.serverID).Msg("Monitor listening")

	if m.config.Advertise {
		port := 0
		if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
			port = tcp.Port
		}
		mgr := discovery.NewManager(discovery.Config{
			ServiceName: m.config.Name,
			Port:        port,
			Log:         m.log,
		})
		if err := mgr.Advertise(); err != nil {
			m.log.Warn().Err(err).Msg("Failed to start mDNS advertisement")
		}
		defer mgr.Stop()
	}

	httpServer := &http.Server{Handler: m.mux, ReadHeaderTimeout: 5 * time.Second}
	errChan := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	var wg conc.WaitGroup
	loopCtx, cancel := context.WithCancel(ctx)
	wg.Go(func() { m.statusLoop(loopCtx) })
	wg.Go(func() { m.eventLoop(loopCtx) })

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errChan:
		m.log.Error().Err(serveErr).Msg("Monitor server failed")
	}
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		m.log.Warn().Err(err).Msg("Monitor shutdown error")
	}
	m.closeAll()
	wg.Wait()

	if serveErr != nil {
		return fmt.Errorf("monitor server failed: %w", serveErr)
	}
	return nil
}

func (m *Monitor) statusLoop(ctx context.Context) {
	ticker := m.clock.NewTicker(m.config.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if m.Clients() > 0 {
				m.PublishStatus(ctx)
			}
		}
	}
}

func (m *Monitor) eventLoop(ctx context.Context) {
	ch, unsubscribe := m.engine.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.PublishEvent(ev)
		}
	}
}

// StatusFrom folds a snapshot and the tail of the event log into a status payload
func StatusFrom(snap transport.Snapshot, eventLog []string) protocol.Status {
	if n := len(eventLog); n > statusEvents {
		eventLog = eventLog[n-statusEvents:]
	}
	return protocol.Status{
		State:         snap.Transport.State,
		OutputState:   snap.Transport.OutputState,
		OutputError:   snap.Transport.OutputError,
		Driver:        snap.Transport.Driver,
		Device:        snap.Transport.Device,
		Exclusive:     snap.Transport.Exclusive,
		BitPerfect:    snap.Transport.BitPerfect,
		Position:      snap.Transport.Position,
		Duration:      snap.Transport.Duration,
		Codec:         snap.Source.Codec,
		Bitrate:       snap.Source.Bitrate,
		SourceRate:    snap.Source.Rate,
		SourceDepth:   snap.Source.Depth,
		SessionRate:   snap.Output.SessionRate,
		SessionDepth:  snap.Output.SessionDepth,
		HardwareRate:  snap.Output.HardwareRate,
		HardwareDepth: snap.Output.HardwareDepth,
		ForceRate:     snap.PipeWire.ForceRate,
		VisualDelayMs: snap.Transport.VisualMs,
		Events:        eventLog,
	}
}

// PublishStatus broadcasts the current status
func (m *Monitor) PublishStatus(ctx context.Context) {
	m.broadcast(protocol.TypeStatus, StatusFrom(m.engine.Snapshot(ctx), m.engine.EventLog()))
}

// PublishEvent broadcasts one bus event
func (m *Monitor) PublishEvent(ev events.Event) {
	m.broadcast(protocol.TypeEvent, protocol.Event{
		Kind:    ev.Kind.String(),
		Message: ev.Message,
		Time:    ev.At.UnixMilli(),
	})
}

// PublishSpectrum broadcasts one aligned frame; it is a no-op without watchers
func (m *Monitor) PublishSpectrum(mags []float32, pos float64) {
	if m.Clients() == 0 {
		return
	}
	m.broadcast(protocol.TypeSpectrum, protocol.Spectrum{Position: pos, Magnitudes: mags})
}

func (m *Monitor) broadcast(msgType string, payload interface{}) {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		m.log.Error().Err(err).Str("type", msgType).Msg("Error marshaling monitor message")
		return
	}
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	for _, w := range m.clients {
		select {
		case w.send <- data:
		default:
			metrics.MonitorDropped.WithLabelValues(msgType).Inc()
		}
	}
}

func (m *Monitor) closeAll() {
	m.clientsMu.RLock()
	defer m.clientsMu.RUnlock()
	// Readers see the closed socket and unregister themselves
	for _, w := range m.clients {
		w.conn.Close()
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (m *Monitor) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, m.engine.Snapshot(r.Context()))
}

func (m *Monitor) handleDevices(w http.ResponseWriter, r *http.Request) {
	driver := sink.Auto
	if label := r.URL.Query().Get("driver"); label != "" {
		k, err := sink.ParseDriver(label)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		driver = k
	}
	devs, err := m.engine.ListDevices(r.Context(), driver)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, devs)
}

func (m *Monitor) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, m.engine.Diagnostics(r.Context()))
}

func (m *Monitor) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Warn().Err(err).Msg("WebSocket upgrade error")
		return
	}
	m.handleConnection(r.Context(), conn, r.RemoteAddr)
}

func (m *Monitor) handleConnection(ctx context.Context, conn *websocket.Conn, remote string) {
	defer conn.Close()

	w := &watcher{
		id:     uuid.New().String(),
		remote: remote,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
	}

	hello, err := protocol.Encode(protocol.TypeHello, protocol.Hello{
		ServerID: m.serverID,
		Name:     m.config.Name,
		Version:  protocol.Version,
		Software: version.Version,
	})
	if err != nil {
		return
	}
	w.send <- hello
	if status, err := protocol.Encode(protocol.TypeStatus, StatusFrom(m.engine.Snapshot(ctx), m.engine.EventLog())); err == nil {
		w.send <- status
	}

	m.clientsMu.Lock()
	m.clients[w.id] = w
	metrics.MonitorClients.Set(float64(len(m.clients)))
	m.clientsMu.Unlock()
	m.log.Info().Str("remote", remote).Str("id", w.id).Msg("Watcher connected")

	defer func() {
		m.clientsMu.Lock()
		delete(m.clients, w.id)
		metrics.MonitorClients.Set(float64(len(m.clients)))
		m.clientsMu.Unlock()
		w.close()
		m.log.Info().Str("remote", remote).Msg("Watcher disconnected")
	}()

	go m.writer(w)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.log.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}
		m.handleMessage(w, data)
	}
}

// writer sends queued messages and keepalive pings
func (m *Monitor) writer(w *watcher) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-w.send:
			if !ok {
				return
			}
			w.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				m.log.Debug().Err(err).Msg("Error writing to watcher")
				w.conn.Close()
				return
			}
		case <-ticker.C:
			if err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline)); err != nil {
				return
			}
		}
	}
}

func (m *Monitor) handleMessage(w *watcher, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		m.reject(w, "bad_message", err)
		return
	}
	if env.Type != protocol.TypeCommand {
		m.reject(w, "unknown_type", fmt.Errorf("unknown message type %s", env.Type))
		return
	}
	var cmd protocol.Command
	if err := env.Unmarshal(&cmd); err != nil {
		m.reject(w, "bad_message", err)
		return
	}
	if err := m.Dispatch(context.Background(), cmd); err != nil {
		m.reject(w, "command_failed", err)
	}
}

// Dispatch runs a watcher command against the engine
func (m *Monitor) Dispatch(ctx context.Context, cmd protocol.Command) error {
	m.log.Debug().Str("command", cmd.Command).Float64("value", cmd.Value).Msg("Watcher command")
	return Apply(ctx, m.engine, cmd)
}

// Apply runs cmd against engine. The local TUI uses it too.
func Apply(ctx context.Context, engine Commands, cmd protocol.Command) error {
	switch cmd.Command {
	case protocol.CommandPlay:
		return engine.Play(ctx)
	case protocol.CommandPause:
		return engine.Pause(ctx)
	case protocol.CommandStop:
		return engine.Stop(ctx)
	case protocol.CommandSeek:
		return engine.Seek(cmd.Value)
	case protocol.CommandVolume:
		return engine.SetVolume(cmd.Value)
	case protocol.CommandRecover:
		return engine.Recover(ctx)
	}
	return fmt.Errorf("unknown command %q", cmd.Command)
}

func (m *Monitor) reject(w *watcher, code string, err error) {
	data, encErr := protocol.Encode(protocol.TypeError, protocol.Error{Error: code, Message: err.Error()})
	if encErr != nil {
		return
	}
	select {
	case w.send <- data:
	default:
	}
}
