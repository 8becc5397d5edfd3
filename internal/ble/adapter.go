// Package ble drives a TimeFlip over Bluetooth Low Energy. It owns the
// connection-scoped session (password handshake, command exchanges, history
// read-out, notifications) and the adapters that bind it to a BLE stack.
package ble

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrNotConnected is returned by session operations without a live
	// connection.
	ErrNotConnected = errors.New("ble: not connected")

	// ErrDisconnected is returned when the peripheral drops the connection
	// during an operation.
	ErrDisconnected = errors.New("ble: disconnected")

	// ErrClosed is returned by every operation after Session.Close.
	ErrClosed = errors.New("ble: session closed")
)

// TransportError wraps a failure reported by the BLE stack.
type TransportError struct {
	Op   string // "read", "write" or "subscribe"
	Char uuid.UUID
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ble: %s %s: %v", e.Op, charName(e.Char), e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Read returns the current value.
	Read() ([]byte, error)
	// Write sends data to the characteristic and waits for the write
	// response.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	// The callback must not block.
	Subscribe(callback func(data []byte)) error
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID uuid.UUID) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}
