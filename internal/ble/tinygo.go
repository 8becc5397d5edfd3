//go:build linux || darwin || windows

package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"
)

// maxValueSize is the largest attribute value a read can return.
const maxValueSize = 512

// TinygoAdapter wraps tinygo-org/bluetooth (BlueZ on Linux, CoreBluetooth on
// macOS, WinRT on Windows).
// On macOS, BLE device addresses are CoreBluetooth UUIDs (not MAC addresses);
// the address string passed to Connect is that UUID.
type TinygoAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*tinygoConnection // keyed by normalized address
}

// NewTinygoAdapter creates a BLE adapter on the default controller.
func NewTinygoAdapter() *TinygoAdapter {
	return &TinygoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*tinygoConnection),
	}
}

func addressKey(addr bluetooth.Address) string {
	return strings.ToLower(addr.String())
}

func (a *TinygoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// Register the adapter-level connect/disconnect handler; it fires with
	// connected=false when a peripheral goes away.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		key := addressKey(device.Address)
		a.mu.Lock()
		conn, ok := a.connections[key]
		delete(a.connections, key)
		a.mu.Unlock()
		if ok {
			conn.fireDisconnect()
		}
	})

	return nil
}

func (a *TinygoAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	// tinygo/bluetooth's Connect blocks with its own timeout and cannot be
	// cancelled.
	device, err := connectCancellable(ctx,
		func() (bluetooth.Device, error) {
			return a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		},
		func(d bluetooth.Device) {
			slog.Debug("[BLE] disconnecting late connection", "address", address)
			_ = d.Disconnect()
		})
	if err != nil {
		return nil, fmt.Errorf("ble: connect to %s: %w", address, err)
	}
	conn := &tinygoConnection{device: &device}

	// Track this connection so the adapter-level disconnect handler
	// can find it and fire its OnDisconnect callback.
	a.mu.Lock()
	a.connections[addressKey(addr)] = conn
	a.mu.Unlock()

	return conn, nil
}

// Compile-time check that TinygoAdapter implements Adapter.
var _ Adapter = (*TinygoAdapter)(nil)

type tinygoConnection struct {
	device *bluetooth.Device

	mu           sync.Mutex
	services     map[uuid.UUID]*bluetooth.DeviceService
	disconnectCb func()
}

func toTinygoUUID(id uuid.UUID) bluetooth.UUID {
	// uuid.UUID.String is always canonical, so parsing cannot fail.
	u, _ := bluetooth.ParseUUID(id.String())
	return u
}

func (c *tinygoConnection) service(id uuid.UUID) (*bluetooth.DeviceService, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if svc, ok := c.services[id]; ok {
		return svc, nil
	}
	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{toTinygoUUID(id)})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("ble: service %s not found", id)
	}
	if c.services == nil {
		c.services = make(map[uuid.UUID]*bluetooth.DeviceService)
	}
	c.services[id] = &svcs[0]
	return &svcs[0], nil
}

func (c *tinygoConnection) DiscoverCharacteristic(serviceUUID, charUUID uuid.UUID) (Characteristic, error) {
	svc, err := c.service(serviceUUID)
	if err != nil {
		return nil, err
	}
	chars, err := svc.DiscoverCharacteristics([]bluetooth.UUID{toTinygoUUID(charUUID)})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}
	return &tinygoCharacteristic{char: &chars[0]}, nil
}

func (c *tinygoConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *tinygoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *tinygoConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type tinygoCharacteristic struct {
	char *bluetooth.DeviceCharacteristic
}

func (c *tinygoCharacteristic) Read() ([]byte, error) {
	buf := make([]byte, maxValueSize)
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (c *tinygoCharacteristic) Write(data []byte) error {
	// The command input characteristic is read back right after the write,
	// so the write must complete before Write returns.
	_, err := writeValue(c.char, data)
	return err
}

func (c *tinygoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		// The stack may reuse buf after the callback returns.
		cp := make([]byte, len(buf))
		copy(cp, buf)
		cb(cp)
	})
}
