// ABOUTME: mDNS service discovery for the engine monitor
// ABOUTME: Advertises _hiresti-monitor._tcp and browses for monitors to watch
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/rs/zerolog"

	"github.com/hiresti/hiresti-audio/internal/version"
)

// ServiceType is the DNS-SD type of the monitor endpoint
const ServiceType = "_hiresti-monitor._tcp"

// ErrNotFound is returned when no monitor answered in time
var ErrNotFound = errors.New("no monitor found")

// Config holds discovery configuration
type Config struct {
	ServiceName string
	Port        int
	Path        string // websocket path advertised in TXT, defaults to /ws
	Log         zerolog.Logger
}

// Manager handles mDNS operations
type Manager struct {
	config   Config
	log      zerolog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	monitors chan *MonitorInfo
}

// MonitorInfo describes a discovered monitor
type MonitorInfo struct {
	Name    string
	Host    string
	Port    int
	Path    string
	Version string
}

// Addr returns host:port
func (m MonitorInfo) Addr() string {
	return net.JoinHostPort(m.Host, fmt.Sprint(m.Port))
}

// NewManager creates a discovery manager
func NewManager(config Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	if config.Path == "" {
		config.Path = "/ws"
	}
	return &Manager{
		config:   config,
		log:      config.Log,
		ctx:      ctx,
		cancel:   cancel,
		monitors: make(chan *MonitorInfo, 10),
	}
}

// TXTRecords are the key=value pairs published with the service
func (m *Manager) TXTRecords() []string {
	return []string{
		"path=" + m.config.Path,
		"version=" + version.Version,
		"product=" + version.Product,
	}
}

// Advertise publishes the monitor until Stop is called
func (m *Manager) Advertise() error {
	ips, err := getLocalIPs()
	if err != nil {
		return fmt.Errorf("failed to get local IPs: %w", err)
	}

	service, err := mdns.NewMDNSService(
		m.config.ServiceName,
		ServiceType,
		"",
		"",
		m.config.Port,
		ips,
		m.TXTRecords(),
	)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("failed to create mdns server: %w", err)
	}

	m.log.Info().
		Str("name", m.config.ServiceName).
		Int("port", m.config.Port).
		Str("type", ServiceType).
		Msg("Advertising monitor over mDNS")

	go func() {
		<-m.ctx.Done()
		server.Shutdown()
	}()

	return nil
}

// Browse searches for monitors until Stop is called
func (m *Manager) Browse() {
	go m.browseLoop()
}

func (m *Manager) browseLoop() {
	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		entries := make(chan *mdns.ServiceEntry, 10)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for entry := range entries {
				info := FromEntry(entry)
				if info == nil {
					continue
				}
				m.log.Debug().Str("name", info.Name).Str("addr", info.Addr()).Msg("Discovered monitor")
				select {
				case m.monitors <- info:
				case <-m.ctx.Done():
				}
			}
		}()

		params := mdns.DefaultParams(ServiceType)
		params.Entries = entries
		params.Timeout = 3 * time.Second
		params.DisableIPv6 = true
		if err := mdns.QueryContext(m.ctx, params); err != nil && m.ctx.Err() == nil {
			m.log.Warn().Err(err).Msg("mDNS query failed")
		}
		close(entries)
		<-done
	}
}

// FromEntry converts a service entry; entries without an IPv4 address are skipped
func FromEntry(entry *mdns.ServiceEntry) *MonitorInfo {
	if entry == nil || entry.AddrV4 == nil {
		return nil
	}
	info := &MonitorInfo{
		Name: strings.TrimSuffix(entry.Name, "."+ServiceType+".local."),
		Host: entry.AddrV4.String(),
		Port: entry.Port,
		Path: "/ws",
	}
	for _, field := range entry.InfoFields {
		key, val, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "path":
			info.Path = val
		case "version":
			info.Version = val
		}
	}
	return info
}

// Monitors returns the channel of discovered monitors
func (m *Manager) Monitors() <-chan *MonitorInfo {
	return m.monitors
}

// Lookup browses until the first monitor answers or ctx ends
func Lookup(ctx context.Context, log zerolog.Logger) (*MonitorInfo, error) {
	mgr := NewManager(Config{Log: log})
	defer mgr.Stop()
	mgr.Browse()
	select {
	case info := <-mgr.Monitors():
		return info, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrNotFound, ctx.Err())
	}
}

// Stop stops the discovery manager
func (m *Manager) Stop() {
	m.cancel()
}

// getLocalIPs returns local IPv4 addresses
func getLocalIPs() ([]net.IP, error) {
	var ips []net.IP

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if ipnet.IP.To4() != nil {
					ips = append(ips, ipnet.IP)
				}
			}
		}
	}

	return ips, nil
}
