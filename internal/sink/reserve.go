// ABOUTME: Device reservation over the org.freedesktop.ReserveDevice1 D-Bus protocol
// ABOUTME: Asks the current owner of an ALSA card to release it before an exclusive bind
package sink

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/hiresti/hiresti-audio/internal/apperr"
)

const reserveIface = "org.freedesktop.ReserveDevice1"

// Reserver claims an audio card for exclusive use
type Reserver interface {
	Reserve(ctx context.Context, card int) (release func() error, err error)
}

// DBusReserver implements the reservation protocol PulseAudio and PipeWire honour
type DBusReserver struct {
	AppName  string
	Priority int32

	mu   sync.Mutex
	conn *dbus.Conn
}

type reservation struct{}

// RequestRelease refuses to hand the device back while the exclusive bind is active
func (reservation) RequestRelease(priority int32) (bool, *dbus.Error) {
	return false, nil
}

func reserveNames(card int) (string, dbus.ObjectPath) {
	return fmt.Sprintf("%s.Audio%d", reserveIface, card),
		dbus.ObjectPath(fmt.Sprintf("/org/freedesktop/ReserveDevice1/Audio%d", card))
}

func (r *DBusReserver) connect() (*dbus.Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil && r.conn.Connected() {
		return r.conn, nil
	}
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	r.conn = conn
	return conn, nil
}

// Reserve takes the Audio<card> bus name, asking the current owner to release it first
func (r *DBusReserver) Reserve(ctx context.Context, card int) (func() error, error) {
	conn, err := r.connect()
	if err != nil {
		return nil, err
	}
	name, path := reserveNames(card)

	if err := conn.Export(reservation{}, path, reserveIface); err != nil {
		return nil, fmt.Errorf("export reservation: %w", err)
	}
	unexport := func() { _ = conn.Export(nil, path, reserveIface) }

	reply, err := conn.RequestName(name, dbus.NameFlagDoNotQueue)
	if err != nil {
		unexport()
		return nil, fmt.Errorf("request %s: %w", name, err)
	}
	if reply == dbus.RequestNameReplyExists {
		owner := conn.Object(name, path)
		var released bool
		call := owner.CallWithContext(ctx, reserveIface+".RequestRelease", 0, r.Priority)
		if err := call.Store(&released); err != nil || !released {
			unexport()
			holder := name
			if v, perr := owner.GetProperty(reserveIface + ".ApplicationName"); perr == nil {
				if s, ok := v.Value().(string); ok && s != "" {
					holder = s
				}
			}
			return nil, &apperr.BusyError{Device: fmt.Sprintf("hw:%d", card), Holders: []string{holder}}
		}
		reply, err = conn.RequestName(name, dbus.NameFlagDoNotQueue|dbus.NameFlagReplaceExisting)
		if err != nil {
			unexport()
			return nil, fmt.Errorf("request %s after release: %w", name, err)
		}
	}
	if reply != dbus.RequestNameReplyPrimaryOwner && reply != dbus.RequestNameReplyAlreadyOwner {
		unexport()
		return nil, &apperr.BusyError{Device: fmt.Sprintf("hw:%d", card), Holders: []string{name}}
	}

	return func() error {
		defer unexport()
		if _, err := conn.ReleaseName(name); err != nil {
			return fmt.Errorf("release %s: %w", name, err)
		}
		return nil
	}, nil
}

// Close drops the bus connection
func (r *DBusReserver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	return err
}
