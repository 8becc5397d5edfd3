package ble

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/chaz8081/timeflip/internal/ble/protocol"
)

func vendorUUID(short uint16) uuid.UUID {
	return uuid.MustParse(fmt.Sprintf("f119%04x-71a4-11e6-bdf4-0800200c9a66", short))
}

func standardUUID(short uint16) uuid.UUID {
	return uuid.MustParse(fmt.Sprintf("0000%04x-0000-1000-8000-00805f9b34fb", short))
}

// TimeFlip service and characteristics.
var (
	ServiceUUID              = vendorUUID(0x6f50)
	AccelerometerCharUUID    = vendorUUID(0x6f51)
	FacetCharUUID            = vendorUUID(0x6f52)
	CommandOutputCharUUID    = vendorUUID(0x6f53)
	CommandInputCharUUID     = vendorUUID(0x6f54)
	DoubleTapCharUUID        = vendorUUID(0x6f55) // reserved by the vendor, probed only
	CalibrationCharUUID      = vendorUUID(0x6f56)
	PasswordCharUUID         = vendorUUID(0x6f57)
	GenericAccessServiceUUID = standardUUID(0x1800)
	DeviceNameCharUUID       = standardUUID(0x2a00)
	DeviceInfoServiceUUID    = standardUUID(0x180a)
	FirmwareRevisionCharUUID = standardUUID(0x2a26)
	BatteryServiceUUID       = standardUUID(0x180f)
	BatteryLevelCharUUID     = standardUUID(0x2a19)
)

// gattChar describes one characteristic the session uses.
type gattChar struct {
	name     string
	service  uuid.UUID
	char     uuid.UUID
	readLen  int // reads are truncated to this length; 0 means unreadable
	optional bool
}

var gattChars = []gattChar{
	{"password", ServiceUUID, PasswordCharUUID, 0, false},
	{"command input", ServiceUUID, CommandInputCharUUID, 2, false},
	{"command output", ServiceUUID, CommandOutputCharUUID, protocol.PackageSize, false},
	{"facet", ServiceUUID, FacetCharUUID, 1, false},
	{"accelerometer", ServiceUUID, AccelerometerCharUUID, protocol.AccelerometerSize, false},
	{"calibration", ServiceUUID, CalibrationCharUUID, protocol.CalibrationSize, false},
	{"double tap", ServiceUUID, DoubleTapCharUUID, 1, true},
	{"battery level", BatteryServiceUUID, BatteryLevelCharUUID, 1, true},
	{"firmware revision", DeviceInfoServiceUUID, FirmwareRevisionCharUUID, protocol.FirmwareRevisionSize, true},
	{"device name", GenericAccessServiceUUID, DeviceNameCharUUID, protocol.MaxDeviceNameSize, true},
}

func lookupChar(id uuid.UUID) (gattChar, bool) {
	for _, c := range gattChars {
		if c.char == id {
			return c, true
		}
	}
	return gattChar{}, false
}

func charName(id uuid.UUID) string {
	if c, ok := lookupChar(id); ok {
		return c.name
	}
	return id.String()
}

// bluetoothBase is the Bluetooth SIG base UUID with the 16-bit field zeroed.
var bluetoothBase = standardUUID(0)

// shortUUID returns the 16-bit alias of a SIG-assigned UUID.
func shortUUID(id uuid.UUID) (uint16, bool) {
	if id[0] != 0 || id[1] != 0 {
		return 0, false
	}
	if [12]byte(id[4:]) != [12]byte(bluetoothBase[4:]) {
		return 0, false
	}
	return uint16(id[2])<<8 | uint16(id[3]), true
}
