// Package protocol implements the TimeFlip command/response sub-protocol:
// value codecs for the GATT characteristics, command framing, the
// acknowledgement state machine and the history decoder. Nothing in this
// package performs I/O.
package protocol

import (
	"fmt"
	"sync"
)

// Opcode is the first byte of a command written to the command input
// characteristic.
type Opcode byte

const (
	OpHistory          Opcode = 0x01
	OpClearHistory     Opcode = 0x02
	OpResetCalibration Opcode = 0x03
	OpLock             Opcode = 0x04
	OpAutoPause        Opcode = 0x05
	OpPause            Opcode = 0x06
	OpStatus           Opcode = 0x10
	OpSetName          Opcode = 0x15
	OpSetPassword      Opcode = 0x30
	OpResetFirmware    Opcode = 0x50 // unverified
)

var opcodeNames = map[Opcode]string{
	OpHistory:          "history",
	OpClearHistory:     "clear-history",
	OpResetCalibration: "reset-calibration",
	OpLock:             "lock",
	OpAutoPause:        "auto-pause",
	OpPause:            "pause",
	OpStatus:           "status",
	OpSetName:          "set-name",
	OpSetPassword:      "set-password",
	OpResetFirmware:    "reset-firmware",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return fmt.Sprintf("%s(0x%02x)", name, byte(o))
	}
	return fmt.Sprintf("0x%02x", byte(o))
}

// HasOutput reports whether a successful command leaves a result on the
// command output characteristic.
func (o Opcode) HasOutput() bool {
	return o == OpStatus || o == OpHistory
}

// Acknowledgement result codes.
const (
	ResultError   byte = 0x01
	ResultSuccess byte = 0x02
)

// MaxFrameSize is the width of the command input characteristic.
const MaxFrameSize = 21

// Command is an opcode plus its argument bytes.
type Command struct {
	Opcode Opcode
	Args   []byte
}

// Frame returns the bytes to write to the command input characteristic.
func (c Command) Frame() ([]byte, error) {
	if 1+len(c.Args) > MaxFrameSize {
		return nil, &ArgumentError{Arg: "command", Reason: fmt.Sprintf("%s frame is %d bytes, max %d", c.Opcode, 1+len(c.Args), MaxFrameSize)}
	}
	frame := make([]byte, 0, 1+len(c.Args))
	frame = append(frame, byte(c.Opcode))
	return append(frame, c.Args...), nil
}

func (c Command) String() string {
	return fmt.Sprintf("%s %x", c.Opcode, c.Args)
}

// StatusCommand requests the lock, pause and auto-pause state.
func StatusCommand() Command { return Command{Opcode: OpStatus} }

// HistoryCommand starts a history read-out on the command output characteristic.
func HistoryCommand() Command { return Command{Opcode: OpHistory} }

// ClearHistoryCommand erases the stored history.
func ClearHistoryCommand() Command { return Command{Opcode: OpClearHistory} }

// ResetCalibrationCommand resets the calibration token to 0.
func ResetCalibrationCommand() Command { return Command{Opcode: OpResetCalibration} }

// ResetFirmwareCommand is accepted by the device but its effect is unverified.
func ResetFirmwareCommand() Command { return Command{Opcode: OpResetFirmware} }

// LockCommand locks (on) or unlocks the facet notifications.
func LockCommand(on bool) Command {
	return Command{Opcode: OpLock, Args: []byte{encodeFlag(on)}}
}

// PauseCommand pauses (on) or resumes the timer.
func PauseCommand(on bool) Command {
	return Command{Opcode: OpPause, Args: []byte{encodeFlag(on)}}
}

// AutoPauseCommand sets the auto-pause delay in minutes.
func AutoPauseCommand(minutes uint16) Command {
	return Command{Opcode: OpAutoPause, Args: EncodeAutoPause(minutes)}
}

// SetNameCommand renames the device.
func SetNameCommand(name string) (Command, error) {
	args, err := EncodeSetName(name)
	if err != nil {
		return Command{}, err
	}
	return Command{Opcode: OpSetName, Args: args}, nil
}

// SetPasswordCommand changes the device password.
func SetPasswordCommand(password string) (Command, error) {
	args, err := EncodeSetPassword(password)
	if err != nil {
		return Command{}, err
	}
	return Command{Opcode: OpSetPassword, Args: args}, nil
}

// ParseAck checks the acknowledgement read back from the command input
// characteristic after writing op. Bytes past the first two are junk.
func ParseAck(op Opcode, ack []byte) error {
	if len(ack) < 2 {
		return decodeErr("ack", len(ack), "need 2 bytes, got %d", len(ack))
	}
	if Opcode(ack[0]) != op {
		return decodeErr("ack", 0, "echoed opcode 0x%02x, sent %s", ack[0], op)
	}
	switch ack[1] {
	case ResultSuccess:
		return nil
	case ResultError:
		return &DeviceRejectedError{Opcode: op}
	default:
		return decodeErr("ack", 1, "unknown result code 0x%02x for %s", ack[1], op)
	}
}

// State is the position of the command state machine.
type State int

const (
	StateIdle State = iota
	StateSent
	StateAwaitingAck
	StateAckedSuccess
	StateAckedError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSent:
		return "sent"
	case StateAwaitingAck:
		return "awaiting-ack"
	case StateAckedSuccess:
		return "acked-success"
	case StateAckedError:
		return "acked-error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Machine tracks the single outstanding command on a connection.
//
//	Idle -Begin-> Sent -Written-> AwaitingAck -Ack-> AckedSuccess|AckedError -> Idle
//
// The acked states are left immediately; Outcome reports the last one.
// Fail returns to Idle from any state. Machine is safe for concurrent use.
type Machine struct {
	mu            sync.Mutex
	state         State
	outcome       State
	current       Opcode
	authenticated bool
}

// SetAuthenticated records whether the password was written on this
// connection.
func (m *Machine) SetAuthenticated(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authenticated = ok
}

// Authenticated reports the value last passed to SetAuthenticated.
func (m *Machine) Authenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authenticated
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Outcome returns the acked state of the last completed command, or
// StateIdle if none completed.
func (m *Machine) Outcome() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcome
}

// Begin starts cmd and returns the frame to write.
func (m *Machine) Begin(cmd Command) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.authenticated {
		return nil, ErrNotAuthenticated
	}
	if m.state != StateIdle {
		return nil, fmt.Errorf("%w: %s while %s is %s", ErrSequencing, cmd.Opcode, m.current, m.state)
	}
	frame, err := cmd.Frame()
	if err != nil {
		return nil, err
	}
	m.state = StateSent
	m.current = cmd.Opcode
	return frame, nil
}

// Written records that the frame reached the device.
func (m *Machine) Written() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateSent {
		return fmt.Errorf("%w: write completed while %s", ErrSequencing, m.state)
	}
	m.state = StateAwaitingAck
	return nil
}

// Ack consumes the acknowledgement bytes and returns to Idle. The returned
// error is a *DeviceRejectedError for an error ack and wraps
// ErrProtocolViolation for anything malformed.
func (m *Machine) Ack(ack []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateAwaitingAck {
		return fmt.Errorf("%w: ack received while %s", ErrSequencing, m.state)
	}
	err := ParseAck(m.current, ack)
	switch {
	case err == nil:
		m.outcome = StateAckedSuccess
	case isRejected(err):
		m.outcome = StateAckedError
	default:
		m.outcome = StateIdle
	}
	m.state = StateIdle
	return err
}

// Fail abandons the outstanding command, if any.
func (m *Machine) Fail() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateIdle
}

func isRejected(err error) bool {
	_, ok := err.(*DeviceRejectedError)
	return ok
}
