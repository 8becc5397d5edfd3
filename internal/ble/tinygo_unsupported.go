//go:build !linux && !darwin && !windows

package ble

import (
	"context"
	"errors"
)

var errTinygoUnsupported = errors.New("ble: tinygo backend is not available on this platform")

// TinygoAdapter is unavailable on this platform.
type TinygoAdapter struct{}

// NewTinygoAdapter returns an adapter whose Enable always fails.
func NewTinygoAdapter() *TinygoAdapter {
	return &TinygoAdapter{}
}

func (a *TinygoAdapter) Enable() error {
	return errTinygoUnsupported
}

func (a *TinygoAdapter) Connect(_ context.Context, _ string) (Connection, error) {
	return nil, errTinygoUnsupported
}

var _ Adapter = (*TinygoAdapter)(nil)
