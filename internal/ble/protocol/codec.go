package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Characteristic payload sizes.
const (
	AccelerometerSize    = 6
	StatusSize           = 4
	FirmwareRevisionSize = 6
	CalibrationSize      = 4
	PasswordSize         = 6
	MaxNameLength        = 19
	MaxDeviceNameSize    = 20
)

// Facet limits. FacetPaused only appears inside history records.
const (
	MaxFacet    = 47
	FacetPaused = 63
)

// Boolean flag bytes used by status output and by the lock/pause arguments.
const (
	flagOn  byte = 0x01
	flagOff byte = 0x02
)

// Status is the device state reported by the status command.
type Status struct {
	Locked           bool
	Paused           bool
	AutoPauseMinutes uint16
}

// Vector is a raw accelerometer sample. Units are LIS3DH counts at ±2G
// full scale.
type Vector struct {
	X, Y, Z int16
}

// countsPerG converts raw accelerometer counts at ±2G to G.
const countsPerG = 1 << 14

// G returns the vector in units of G, each component multiplied by m
// (pass 9.81 for m/s²).
func (v Vector) G(m float64) (x, y, z float64) {
	return float64(v.X) / countsPerG * m, float64(v.Y) / countsPerG * m, float64(v.Z) / countsPerG * m
}

// DecodeAccelerometer decodes three little-endian int16 values (x, y, z).
func DecodeAccelerometer(data []byte) (Vector, error) {
	if len(data) < AccelerometerSize {
		return Vector{}, decodeErr("accelerometer", len(data), "need %d bytes, got %d", AccelerometerSize, len(data))
	}
	return Vector{
		X: int16(binary.LittleEndian.Uint16(data[0:2])),
		Y: int16(binary.LittleEndian.Uint16(data[2:4])),
		Z: int16(binary.LittleEndian.Uint16(data[4:6])),
	}, nil
}

// DecodeStatus decodes the 4-byte status output.
func DecodeStatus(data []byte) (Status, error) {
	if len(data) < StatusSize {
		return Status{}, decodeErr("status", len(data), "need %d bytes, got %d", StatusSize, len(data))
	}
	locked, err := decodeFlag("status.locked", data, 0)
	if err != nil {
		return Status{}, err
	}
	paused, err := decodeFlag("status.paused", data, 1)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Locked:           locked,
		Paused:           paused,
		AutoPauseMinutes: binary.LittleEndian.Uint16(data[2:4]),
	}, nil
}

func decodeFlag(what string, data []byte, offset int) (bool, error) {
	switch data[offset] {
	case flagOn:
		return true, nil
	case flagOff:
		return false, nil
	default:
		return false, decodeErr(what, offset, "unexpected flag 0x%02x", data[offset])
	}
}

func encodeFlag(on bool) byte {
	if on {
		return flagOn
	}
	return flagOff
}

// EncodeSetName encodes a device name as [length][ASCII bytes].
func EncodeSetName(name string) ([]byte, error) {
	if len(name) > MaxNameLength {
		return nil, &ArgumentError{Arg: "name", Reason: fmt.Sprintf("%d characters, max %d", len(name), MaxNameLength)}
	}
	if err := checkASCII("name", name); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 1+len(name))
	buf = append(buf, byte(len(name)))
	return append(buf, name...), nil
}

// EncodeSetPassword encodes a password. It must be exactly 6 ASCII characters.
func EncodeSetPassword(password string) ([]byte, error) {
	if len(password) != PasswordSize {
		return nil, &ArgumentError{Arg: "password", Reason: fmt.Sprintf("must be %d characters, got %d", PasswordSize, len(password))}
	}
	if err := checkASCII("password", password); err != nil {
		return nil, err
	}
	return []byte(password), nil
}

// EncodeAutoPause encodes the auto-pause delay in minutes (0 disables it).
func EncodeAutoPause(minutes uint16) []byte {
	return binary.LittleEndian.AppendUint16(nil, minutes)
}

// DecodeAutoPause is the inverse of EncodeAutoPause.
func DecodeAutoPause(data []byte) (uint16, error) {
	if len(data) < 2 {
		return 0, decodeErr("auto-pause", len(data), "need 2 bytes, got %d", len(data))
	}
	return binary.LittleEndian.Uint16(data[:2]), nil
}

// DecodeFirmwareRevision returns the revision text as sent (e.g. "TFv3.1").
func DecodeFirmwareRevision(data []byte) (string, error) {
	if len(data) < FirmwareRevisionSize {
		return "", decodeErr("firmware revision", len(data), "need %d bytes, got %d", FirmwareRevisionSize, len(data))
	}
	return string(data[:FirmwareRevisionSize]), nil
}

// DecodeDeviceName decodes the generic access device name. Trailing NUL
// padding is dropped.
func DecodeDeviceName(data []byte) string {
	if len(data) > MaxDeviceNameSize {
		data = data[:MaxDeviceNameSize]
	}
	return string(bytes.TrimRight(data, "\x00"))
}

// DecodeBattery decodes the battery level percentage.
func DecodeBattery(data []byte) (uint8, error) {
	if len(data) < 1 {
		return 0, decodeErr("battery", 0, "empty value")
	}
	if data[0] > 100 {
		return 0, decodeErr("battery", 0, "level %d out of range", data[0])
	}
	return data[0], nil
}

// DecodeFacet decodes the current-facet characteristic.
func DecodeFacet(data []byte) (uint8, error) {
	if len(data) < 1 {
		return 0, decodeErr("facet", 0, "empty value")
	}
	if data[0] > MaxFacet {
		return 0, decodeErr("facet", 0, "facet %d out of range", data[0])
	}
	return data[0], nil
}

// DecodeCalibration decodes the little-endian calibration token.
func DecodeCalibration(data []byte) (uint32, error) {
	if len(data) < CalibrationSize {
		return 0, decodeErr("calibration", len(data), "need %d bytes, got %d", CalibrationSize, len(data))
	}
	return binary.LittleEndian.Uint32(data[:CalibrationSize]), nil
}

// EncodeCalibration encodes a calibration token.
func EncodeCalibration(token uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, token)
}

func checkASCII(arg, s string) error {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return &ArgumentError{Arg: arg, Reason: fmt.Sprintf("non-ASCII byte 0x%02x at %d", s[i], i)}
		}
	}
	return nil
}
