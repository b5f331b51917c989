// ABOUTME: WebSocket client for the engine monitor
// ABOUTME: Handles connection, hello handshake, command sending and message routing
package client

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hiresti/hiresti-audio/internal/protocol"
	"github.com/hiresti/hiresti-audio/internal/version"
)

const handshakeTimeout = 5 * time.Second

// Config holds client configuration
type Config struct {
	ServerAddr string
	Path       string // defaults to /ws
	Log        zerolog.Logger
}

// Client watches one monitor
type Client struct {
	config Config
	log    zerolog.Logger
	conn   *websocket.Conn
	mu     sync.RWMutex

	// Message channels
	Events   chan protocol.Event
	Status   chan protocol.Status
	Spectrum chan protocol.Spectrum
	Errors   chan protocol.Error

	hello     protocol.Hello
	connected bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewClient creates a new monitor client
func NewClient(config Config) *Client {
	if config.Path == "" {
		config.Path = "/ws"
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		config:   config,
		log:      config.Log,
		Events:   make(chan protocol.Event, 32),
		Status:   make(chan protocol.Status, 4),
		Spectrum: make(chan protocol.Spectrum, 8),
		Errors:   make(chan protocol.Error, 8),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Connect dials the monitor and waits for its hello
func (c *Client) Connect(ctx context.Context) error {
	u := url.URL{Scheme: "ws", Host: c.config.ServerAddr, Path: c.config.Path}
	c.log.Info().Str("url", u.String()).Msg("Connecting to monitor")

	header := map[string][]string{"User-Agent": {version.UserAgent()}}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	if err := c.handshake(); err != nil {
		c.Close()
		return fmt.Errorf("handshake failed: %w", err)
	}

	go c.readMessages()
	return nil
}

func (c *Client) handshake() error {
	c.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", protocol.TypeHello, err)
	}
	c.conn.SetReadDeadline(time.Time{})

	env, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	if env.Type != protocol.TypeHello {
		return fmt.Errorf("expected %s, got %s", protocol.TypeHello, env.Type)
	}
	var hello protocol.Hello
	if err := env.Unmarshal(&hello); err != nil {
		return err
	}
	if hello.Version != protocol.Version {
		return fmt.Errorf("monitor speaks version %d, want %d", hello.Version, protocol.Version)
	}

	c.mu.Lock()
	c.hello = hello
	c.mu.Unlock()
	c.log.Info().Str("name", hello.Name).Str("software", hello.Software).Msg("Handshake complete with monitor")
	return nil
}

// Hello returns the monitor identification received at connect
func (c *Client) Hello() protocol.Hello {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hello
}

func (c *Client) readMessages() {
	defer c.Close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.log.Warn().Err(err).Msg("Monitor read error")
			}
			return
		}
		c.route(data)
	}
}

// route decodes one frame onto its channel. Spectrum frames are dropped
// when the consumer falls behind.
func (c *Client) route(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		c.log.Debug().Err(err).Msg("Failed to parse monitor message")
		return
	}

	switch env.Type {
	case protocol.TypeEvent:
		var ev protocol.Event
		if env.Unmarshal(&ev) == nil {
			deliver(c.ctx, c.Events, ev)
		}
	case protocol.TypeStatus:
		var st protocol.Status
		if env.Unmarshal(&st) == nil {
			deliver(c.ctx, c.Status, st)
		}
	case protocol.TypeSpectrum:
		var sp protocol.Spectrum
		if env.Unmarshal(&sp) == nil {
			select {
			case c.Spectrum <- sp:
			default:
			}
		}
	case protocol.TypeError:
		var e protocol.Error
		if env.Unmarshal(&e) == nil {
			deliver(c.ctx, c.Errors, e)
		}
	default:
		c.log.Debug().Str("type", env.Type).Msg("Unknown monitor message type")
	}
}

func deliver[T any](ctx context.Context, ch chan T, v T) {
	select {
	case ch <- v:
	case <-ctx.Done():
	}
}

// Send issues a command to the engine behind the monitor
func (c *Client) Send(cmd protocol.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return fmt.Errorf("not connected")
	}
	return c.conn.WriteJSON(protocol.Message{Type: protocol.TypeCommand, Payload: cmd})
}

// Done is closed when the connection ends
func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Close closes the connection
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		c.connected = false
		c.cancel()
		c.conn.Close()
		c.log.Info().Msg("Monitor connection closed")
	}
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}
