//go:build linux

package ble

import (
	"context"
	"fmt"
	"sync"

	goble "github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/google/uuid"
)

// HCIAdapter talks to a local controller over a raw HCI socket using
// go-ble/ble, bypassing BlueZ. It needs CAP_NET_ADMIN and the controller
// must not be claimed by bluetoothd.
type HCIAdapter struct {
	deviceID int

	mu     sync.Mutex
	device *linux.Device
}

// NewHCIAdapter creates an adapter for controller hci<deviceID>.
func NewHCIAdapter(deviceID int) *HCIAdapter {
	return &HCIAdapter{deviceID: deviceID}
}

func (a *HCIAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.device != nil {
		return nil
	}
	d, err := linux.NewDevice(goble.OptDeviceID(a.deviceID))
	if err != nil {
		return fmt.Errorf("ble: open hci%d: %w", a.deviceID, err)
	}
	a.device = d
	return nil
}

func (a *HCIAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	a.mu.Lock()
	d := a.device
	a.mu.Unlock()
	if d == nil {
		return nil, fmt.Errorf("ble: hci%d not enabled", a.deviceID)
	}

	client, err := d.Dial(ctx, goble.NewAddr(address))
	if err != nil {
		return nil, fmt.Errorf("ble: connect to %s: %w", address, err)
	}
	profile, err := client.DiscoverProfile(true)
	if err != nil {
		_ = client.CancelConnection()
		return nil, fmt.Errorf("ble: discover profile: %w", err)
	}

	conn := &hciConnection{client: client, profile: profile}
	go func() {
		<-client.Disconnected()
		conn.fireDisconnect()
	}()
	return conn, nil
}

// Compile-time check that HCIAdapter implements Adapter.
var _ Adapter = (*HCIAdapter)(nil)

type hciConnection struct {
	client  goble.Client
	profile *goble.Profile

	mu           sync.Mutex
	disconnectCb func()
}

// matchUUID reports whether a discovered UUID equals id. Peripherals report
// SIG-assigned attributes in their 16-bit form.
func matchUUID(found goble.UUID, id uuid.UUID) bool {
	if found.Equal(goble.MustParse(id.String())) {
		return true
	}
	if short, ok := shortUUID(id); ok {
		return found.Equal(goble.UUID16(short))
	}
	return false
}

func (c *hciConnection) DiscoverCharacteristic(serviceUUID, charUUID uuid.UUID) (Characteristic, error) {
	for _, s := range c.profile.Services {
		if !matchUUID(s.UUID, serviceUUID) {
			continue
		}
		for _, ch := range s.Characteristics {
			if matchUUID(ch.UUID, charUUID) {
				return &hciCharacteristic{client: c.client, char: ch}, nil
			}
		}
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}
	return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
}

func (c *hciConnection) Disconnect() error {
	return c.client.CancelConnection()
}

func (c *hciConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *hciConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type hciCharacteristic struct {
	client goble.Client
	char   *goble.Characteristic
}

func (c *hciCharacteristic) Read() ([]byte, error) {
	return c.client.ReadCharacteristic(c.char)
}

func (c *hciCharacteristic) Write(data []byte) error {
	return c.client.WriteCharacteristic(c.char, data, false)
}

func (c *hciCharacteristic) Subscribe(cb func([]byte)) error {
	return c.client.Subscribe(c.char, false, func(req []byte) {
		cp := make([]byte, len(req))
		copy(cp, req)
		cb(cp)
	})
}
