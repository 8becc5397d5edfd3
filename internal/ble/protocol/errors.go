package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAuthenticated is returned when a command is issued before the
	// password has been written on the current connection.
	ErrNotAuthenticated = errors.New("protocol: not authenticated")

	// ErrSequencing is returned when a command is started while another
	// one is still outstanding.
	ErrSequencing = errors.New("protocol: command already in flight")

	// ErrProtocolViolation marks malformed or unexpected device output.
	// It is fatal for the connection.
	ErrProtocolViolation = errors.New("protocol: violation")

	// ErrIncompleteStream is returned when a history read-out ends without
	// the all-zero terminator package.
	ErrIncompleteStream = errors.New("protocol: history stream not terminated")
)

// ArgumentError reports caller input that cannot be encoded. It is never
// sent to the device.
type ArgumentError struct {
	Arg    string
	Reason string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("protocol: invalid %s: %s", e.Arg, e.Reason)
}

// DeviceRejectedError is returned when the device acknowledges a command
// with the error result code.
type DeviceRejectedError struct {
	Opcode Opcode
}

func (e *DeviceRejectedError) Error() string {
	return fmt.Sprintf("protocol: device rejected command %s", e.Opcode)
}

// DecodeError reports device output that does not match the wire layout.
// Offset is the byte offset of the offending field within the buffer it was
// read from. Block is the history block index, or -1 outside history.
type DecodeError struct {
	What   string
	Offset int
	Block  int
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Block >= 0 {
		return fmt.Sprintf("protocol: decode %s: block %d (offset %d): %s", e.What, e.Block, e.Offset, e.Reason)
	}
	return fmt.Sprintf("protocol: decode %s: offset %d: %s", e.What, e.Offset, e.Reason)
}

// Unwrap makes every DecodeError match ErrProtocolViolation.
func (e *DecodeError) Unwrap() error {
	return ErrProtocolViolation
}

func decodeErr(what string, offset int, format string, args ...any) *DecodeError {
	return &DecodeError{What: what, Offset: offset, Block: -1, Reason: fmt.Sprintf(format, args...)}
}
