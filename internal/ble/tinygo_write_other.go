//go:build darwin || windows

package ble

import "tinygo.org/x/bluetooth"

// writeValue performs a write with response.
func writeValue(char *bluetooth.DeviceCharacteristic, data []byte) (int, error) {
	return char.Write(data)
}

var _ Characteristic = (*tinygoCharacteristic)(nil)
