//go:build !linux

package ble

import (
	"context"
	"errors"
)

var errHCIUnsupported = errors.New("ble: hci backend is only available on linux")

// HCIAdapter is unavailable on this platform; use the tinygo backend.
type HCIAdapter struct {
	deviceID int
}

// NewHCIAdapter returns an adapter whose Enable always fails.
func NewHCIAdapter(deviceID int) *HCIAdapter {
	return &HCIAdapter{deviceID: deviceID}
}

func (a *HCIAdapter) Enable() error {
	return errHCIUnsupported
}

func (a *HCIAdapter) Connect(_ context.Context, _ string) (Connection, error) {
	return nil, errHCIUnsupported
}

var _ Adapter = (*HCIAdapter)(nil)
