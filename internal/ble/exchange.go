package ble

import (
	"fmt"
	"log/slog"

	"github.com/chaz8081/timeflip/internal/ble/protocol"
)

// commander runs command exchanges on one connection. The device answers a
// command write through a read of the same characteristic, so every
// exchange is write, read ack, and optionally read output.
type commander struct {
	machine protocol.Machine
	input   Characteristic
	output  Characteristic
}

// exchange sends cmd and waits for its acknowledgement. For commands with
// output, the first read of the command output characteristic is returned.
func (c *commander) exchange(cmd protocol.Command) ([]byte, error) {
	frame, err := c.machine.Begin(cmd)
	if err != nil {
		return nil, err
	}

	if err := c.input.Write(frame); err != nil {
		c.machine.Fail()
		return nil, &TransportError{Op: "write", Char: CommandInputCharUUID, Err: err}
	}
	if err := c.machine.Written(); err != nil {
		c.machine.Fail()
		return nil, err
	}

	ack, err := c.input.Read()
	if err != nil {
		c.machine.Fail()
		return nil, fmt.Errorf("%w: no ack for %s: %w", protocol.ErrProtocolViolation, cmd.Opcode,
			&TransportError{Op: "read", Char: CommandInputCharUUID, Err: err})
	}
	if err := c.machine.Ack(ack); err != nil {
		slog.Debug("[BLE] command failed", "command", cmd, "ack", fmt.Sprintf("%x", ack), "error", err)
		return nil, err
	}
	slog.Debug("[BLE] command acknowledged", "command", cmd)

	if !cmd.Opcode.HasOutput() {
		return nil, nil
	}
	return c.readOutput()
}

// readOutput reads the command output characteristic once.
func (c *commander) readOutput() ([]byte, error) {
	out, err := c.output.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: reading command output: %w", protocol.ErrProtocolViolation,
			&TransportError{Op: "read", Char: CommandOutputCharUUID, Err: err})
	}
	if len(out) > protocol.PackageSize {
		out = out[:protocol.PackageSize]
	}
	return out, nil
}
