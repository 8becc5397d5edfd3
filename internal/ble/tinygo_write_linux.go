//go:build linux

package ble

import "tinygo.org/x/bluetooth"

// writeValue issues a BlueZ WriteValue without a type option, so BlueZ picks
// a write request for characteristics that support one. The D-Bus call
// returns once the write has completed.
func writeValue(char *bluetooth.DeviceCharacteristic, data []byte) (int, error) {
	return char.WriteWithoutResponse(data)
}

var _ Characteristic = (*tinygoCharacteristic)(nil)
