package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/timeflip/internal/ble/protocol"
)

// DefaultPassword is the factory password of a TimeFlip.
const DefaultPassword = "000000"

// SessionOptions configures session behavior.
type SessionOptions struct {
	NotifyBuffer       int  // pending notifications kept before the oldest is dropped
	MaxHistoryPackages int  // read-out bound when the terminator never arrives
	SkipInvalidHistory bool // drop history blocks with out-of-range facets instead of failing
}

// DefaultSessionOptions returns sensible defaults.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		NotifyBuffer:       32,
		MaxHistoryPackages: 4096,
	}
}

// link is the state owned by one connection. It is replaced wholesale on
// every Connect, so a stale link can never authenticate a new connection.
type link struct {
	conn  Connection
	chars map[uuid.UUID]Characteristic
	cmd   *commander
}

func (l *link) char(id uuid.UUID) (Characteristic, error) {
	ch, ok := l.chars[id]
	if !ok {
		return nil, fmt.Errorf("ble: %s characteristic not available", charName(id))
	}
	return ch, nil
}

// read reads a characteristic, truncated to its documented length.
func (l *link) read(id uuid.UUID) ([]byte, error) {
	ch, err := l.char(id)
	if err != nil {
		return nil, err
	}
	data, err := ch.Read()
	if err != nil {
		return nil, &TransportError{Op: "read", Char: id, Err: err}
	}
	if c, ok := lookupChar(id); ok && c.readLen > 0 && len(data) > c.readLen {
		data = data[:c.readLen]
	}
	return data, nil
}

func (l *link) write(id uuid.UUID, data []byte) error {
	ch, err := l.char(id)
	if err != nil {
		return err
	}
	if err := ch.Write(data); err != nil {
		return &TransportError{Op: "write", Char: id, Err: err}
	}
	return nil
}

// Session is the connection-scoped conversation with one TimeFlip. Create
// one per device; a process may drive several concurrently.
type Session struct {
	adapter Adapter
	opts    SessionOptions
	notes   *notifyBuffer

	// opMu serializes operations so exchanges never interleave on the wire.
	opMu sync.Mutex

	mu         sync.Mutex
	closed     bool
	link       *link
	address    string
	fault      error
	status     protocol.Status
	haveStatus bool
	facet      int
}

// NewSession creates a disconnected session.
func NewSession(adapter Adapter, opts SessionOptions) *Session {
	if opts.NotifyBuffer <= 0 {
		opts.NotifyBuffer = 32
	}
	if opts.MaxHistoryPackages <= 0 {
		opts.MaxHistoryPackages = 4096
	}
	return &Session{
		adapter: adapter,
		opts:    opts,
		notes:   newNotifyBuffer(opts.NotifyBuffer),
		facet:   -1,
	}
}

// Connect establishes a connection and discovers the TimeFlip
// characteristics. Any previous connection is dropped. The new connection is
// not authenticated.
func (s *Session) Connect(ctx context.Context, address string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	old := s.link
	s.link = nil
	s.mu.Unlock()
	if old != nil {
		_ = old.conn.Disconnect()
	}

	if err := s.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}
	conn, err := s.adapter.Connect(ctx, address)
	if err != nil {
		return fmt.Errorf("ble: connect to %s: %w", address, err)
	}

	l := &link{conn: conn, chars: make(map[uuid.UUID]Characteristic)}
	for _, c := range gattChars {
		ch, err := conn.DiscoverCharacteristic(c.service, c.char)
		if err != nil {
			if c.optional {
				slog.Debug("[BLE] optional characteristic not found", "char", c.name, "error", err)
				continue
			}
			_ = conn.Disconnect()
			return fmt.Errorf("ble: discover %s characteristic: %w", c.name, err)
		}
		l.chars[c.char] = ch
	}
	l.cmd = &commander{input: l.chars[CommandInputCharUUID], output: l.chars[CommandOutputCharUUID]}

	conn.OnDisconnect(func() {
		s.dropLink(l, "disconnected")
	})

	s.mu.Lock()
	s.link = l
	s.address = address
	s.fault = nil
	s.status = protocol.Status{}
	s.haveStatus = false
	s.facet = -1
	s.mu.Unlock()

	slog.Info("[BLE] connected", "address", address)
	return nil
}

// dropLink forgets l if it is still the current link.
func (s *Session) dropLink(l *link, reason string) {
	l.cmd.machine.Fail()
	l.cmd.machine.SetAuthenticated(false)

	s.mu.Lock()
	current := s.link == l
	if current {
		s.link = nil
	}
	address := s.address
	s.mu.Unlock()

	if current {
		slog.Warn("[BLE] connection dropped", "address", address, "reason", reason)
	}
}

// Connected reports whether the session holds a live connection.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link != nil
}

// Authenticated reports whether the password was written on the current
// connection.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	l := s.link
	s.mu.Unlock()
	return l != nil && l.cmd.machine.Authenticated()
}

// do runs fn on the current link with operations serialized. Cancelling ctx
// while fn runs tears the connection down. A protocol violation or an
// abandoned history read-out marks the connection as faulted until the next
// Connect.
func (s *Session) do(ctx context.Context, fn func(l *link) error) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	l, fault, closed := s.link, s.fault, s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if l == nil {
		return ErrNotConnected
	}
	if fault != nil {
		return fmt.Errorf("ble: connection faulted, reconnect required: %w", fault)
	}

	stop := context.AfterFunc(ctx, func() {
		s.dropLink(l, "cancelled")
		_ = l.conn.Disconnect()
	})
	err := fn(l)
	if !stop() {
		return errors.Join(ctx.Err(), err)
	}

	s.mu.Lock()
	dropped := s.link != l
	s.mu.Unlock()
	if dropped && err != nil {
		return fmt.Errorf("%w: %w", ErrDisconnected, err)
	}

	if desynced(err) {
		l.cmd.machine.SetAuthenticated(false)
		s.mu.Lock()
		if s.link == l {
			s.fault = err
		}
		s.mu.Unlock()
		slog.Error("[BLE] connection out of sync, reconnect required", "error", err)
	}
	return err
}

// desynced reports whether err leaves the device in a state the session
// cannot follow: a malformed reply, or a history read-out still in progress.
func desynced(err error) bool {
	return errors.Is(err, protocol.ErrProtocolViolation) || errors.Is(err, protocol.ErrIncompleteStream)
}

// doAuthenticated is do for operations that need the password handshake.
func (s *Session) doAuthenticated(ctx context.Context, fn func(l *link) error) error {
	return s.do(ctx, func(l *link) error {
		if !l.cmd.machine.Authenticated() {
			return protocol.ErrNotAuthenticated
		}
		return fn(l)
	})
}

// Authenticate writes the password for this connection. The device gives no
// feedback on a wrong password; the only signal is that later commands are
// rejected.
func (s *Session) Authenticate(ctx context.Context, password string) error {
	data, err := protocol.EncodeSetPassword(password)
	if err != nil {
		return err
	}
	return s.do(ctx, func(l *link) error {
		if err := l.write(PasswordCharUUID, data); err != nil {
			return err
		}
		l.cmd.machine.SetAuthenticated(true)
		slog.Debug("[BLE] password written")
		return nil
	})
}

// Setup runs the usual opening sequence: read the firmware revision,
// authenticate, subscribe to notifications, refresh the status and read the
// current facet.
func (s *Session) Setup(ctx context.Context, password string) error {
	if fw, err := s.FirmwareRevision(ctx); err != nil {
		slog.Warn("[BLE] firmware revision unavailable", "error", err)
	} else {
		slog.Info("[BLE] firmware", "revision", fw)
	}
	if err := s.Authenticate(ctx, password); err != nil {
		return fmt.Errorf("ble: authenticate: %w", err)
	}
	if err := s.Watch(ctx); err != nil {
		return err
	}
	if _, err := s.Status(ctx); err != nil {
		return fmt.Errorf("ble: initial status: %w", err)
	}
	if _, err := s.CurrentFacet(ctx); err != nil {
		return fmt.Errorf("ble: initial facet: %w", err)
	}
	return nil
}

// Watch subscribes to facet notifications and probes the battery and
// double-tap notifications, which not every firmware supports.
func (s *Session) Watch(ctx context.Context) error {
	return s.doAuthenticated(ctx, func(l *link) error {
		if err := s.subscribe(l, FacetCharUUID, NotifyFacet); err != nil {
			return err
		}
		for _, probe := range []struct {
			id   uuid.UUID
			kind NotificationKind
		}{
			{BatteryLevelCharUUID, NotifyBattery},
			{DoubleTapCharUUID, NotifyDoubleTap},
		} {
			if err := s.subscribe(l, probe.id, probe.kind); err != nil {
				slog.Debug("[BLE] notification not supported", "kind", probe.kind, "error", err)
			}
		}
		return nil
	})
}

func (s *Session) subscribe(l *link, id uuid.UUID, kind NotificationKind) error {
	ch, err := l.char(id)
	if err != nil {
		return err
	}
	err = ch.Subscribe(func(data []byte) {
		s.handleNotification(kind, data)
	})
	if err != nil {
		return &TransportError{Op: "subscribe", Char: id, Err: err}
	}
	return nil
}

func (s *Session) handleNotification(kind NotificationKind, data []byte) {
	var (
		v   uint8
		err error
	)
	switch kind {
	case NotifyFacet:
		v, err = protocol.DecodeFacet(data)
	case NotifyBattery:
		v, err = protocol.DecodeBattery(data)
	default:
		if len(data) == 0 {
			return
		}
		v = data[0]
	}
	if err != nil {
		slog.Warn("[BLE] dropping malformed notification", "kind", kind, "data", fmt.Sprintf("%x", data), "error", err)
		return
	}
	if kind == NotifyFacet {
		s.mu.Lock()
		s.facet = int(v)
		s.mu.Unlock()
	}
	s.notes.push(Notification{Kind: kind, Value: v, At: time.Now()})
}

// Notifications returns the channel of pushed values. It is closed by Close.
func (s *Session) Notifications() <-chan Notification {
	return s.notes.ch
}

// DroppedNotifications returns how many notifications were discarded
// because the consumer fell behind.
func (s *Session) DroppedNotifications() int {
	return s.notes.Dropped()
}

// Close disconnects and closes the notification channel. The session cannot
// be used afterwards.
func (s *Session) Close() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	l := s.link
	s.link = nil
	s.mu.Unlock()

	s.notes.close()
	if l == nil {
		return nil
	}
	l.cmd.machine.SetAuthenticated(false)
	if err := l.conn.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect: %w", err)
	}
	return nil
}

// BatteryLevel reads the battery percentage.
func (s *Session) BatteryLevel(ctx context.Context) (uint8, error) {
	var level uint8
	err := s.do(ctx, func(l *link) error {
		data, err := l.read(BatteryLevelCharUUID)
		if err != nil {
			return err
		}
		level, err = protocol.DecodeBattery(data)
		return err
	})
	return level, err
}

// FirmwareRevision reads the firmware revision string.
func (s *Session) FirmwareRevision(ctx context.Context) (string, error) {
	var rev string
	err := s.do(ctx, func(l *link) error {
		data, err := l.read(FirmwareRevisionCharUUID)
		if err != nil {
			return err
		}
		rev, err = protocol.DecodeFirmwareRevision(data)
		return err
	})
	return rev, err
}

// DeviceName reads the advertised device name.
func (s *Session) DeviceName(ctx context.Context) (string, error) {
	var name string
	err := s.do(ctx, func(l *link) error {
		data, err := l.read(DeviceNameCharUUID)
		if err != nil {
			return err
		}
		name = protocol.DecodeDeviceName(data)
		return nil
	})
	return name, err
}

// CurrentFacet reads the facet that is face up.
func (s *Session) CurrentFacet(ctx context.Context) (uint8, error) {
	var facet uint8
	err := s.doAuthenticated(ctx, func(l *link) error {
		data, err := l.read(FacetCharUUID)
		if err != nil {
			return err
		}
		facet, err = protocol.DecodeFacet(data)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.facet = int(facet)
		s.mu.Unlock()
		return nil
	})
	return facet, err
}

// LastFacet returns the facet from the latest read or notification, or -1.
func (s *Session) LastFacet() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.facet
}

// Calibration reads the calibration token.
func (s *Session) Calibration(ctx context.Context) (uint32, error) {
	var token uint32
	err := s.doAuthenticated(ctx, func(l *link) error {
		data, err := l.read(CalibrationCharUUID)
		if err != nil {
			return err
		}
		token, err = protocol.DecodeCalibration(data)
		return err
	})
	return token, err
}

// SetCalibration writes the calibration token.
func (s *Session) SetCalibration(ctx context.Context, token uint32) error {
	return s.doAuthenticated(ctx, func(l *link) error {
		return l.write(CalibrationCharUUID, protocol.EncodeCalibration(token))
	})
}

// Accelerometer reads the raw accelerometer vector.
func (s *Session) Accelerometer(ctx context.Context) (protocol.Vector, error) {
	var v protocol.Vector
	err := s.doAuthenticated(ctx, func(l *link) error {
		data, err := l.read(AccelerometerCharUUID)
		if err != nil {
			return err
		}
		v, err = protocol.DecodeAccelerometer(data)
		return err
	})
	return v, err
}

// LastStatus returns the status from the latest status command, updated by
// successful lock, pause and auto-pause commands.
func (s *Session) LastStatus() (protocol.Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.haveStatus
}

func (s *Session) updateStatus(fn func(st *protocol.Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.status)
}

// run performs a single command exchange.
func (s *Session) run(ctx context.Context, cmd protocol.Command) ([]byte, error) {
	var out []byte
	err := s.do(ctx, func(l *link) error {
		var err error
		out, err = l.cmd.exchange(cmd)
		return err
	})
	return out, err
}

// Status requests the lock, pause and auto-pause state.
func (s *Session) Status(ctx context.Context) (protocol.Status, error) {
	var st protocol.Status
	err := s.do(ctx, func(l *link) error {
		out, err := l.cmd.exchange(protocol.StatusCommand())
		if err != nil {
			return err
		}
		if st, err = protocol.DecodeStatus(out); err != nil {
			return err
		}
		s.mu.Lock()
		s.status = st
		s.haveStatus = true
		s.mu.Unlock()
		return nil
	})
	if err != nil {
		return protocol.Status{}, err
	}
	return st, nil
}

// SetName renames the device (at most 19 ASCII characters).
func (s *Session) SetName(ctx context.Context, name string) error {
	cmd, err := protocol.SetNameCommand(name)
	if err != nil {
		return err
	}
	_, err = s.run(ctx, cmd)
	return err
}

// SetPassword changes the device password. The connection is no longer
// authenticated afterwards; call Authenticate with the new password.
func (s *Session) SetPassword(ctx context.Context, password string) error {
	cmd, err := protocol.SetPasswordCommand(password)
	if err != nil {
		return err
	}
	return s.do(ctx, func(l *link) error {
		if _, err := l.cmd.exchange(cmd); err != nil {
			return err
		}
		l.cmd.machine.SetAuthenticated(false)
		slog.Info("[BLE] password changed, authenticate again")
		return nil
	})
}

// SetAutoPause sets the auto-pause delay in minutes; 0 disables it.
func (s *Session) SetAutoPause(ctx context.Context, minutes uint16) error {
	if _, err := s.run(ctx, protocol.AutoPauseCommand(minutes)); err != nil {
		return err
	}
	s.updateStatus(func(st *protocol.Status) { st.AutoPauseMinutes = minutes })
	return nil
}

// Pause pauses the timer. Paused time is recorded with facet 63.
func (s *Session) Pause(ctx context.Context) error { return s.setPaused(ctx, true) }

// Resume resumes the timer.
func (s *Session) Resume(ctx context.Context) error { return s.setPaused(ctx, false) }

func (s *Session) setPaused(ctx context.Context, on bool) error {
	if _, err := s.run(ctx, protocol.PauseCommand(on)); err != nil {
		return err
	}
	s.updateStatus(func(st *protocol.Status) { st.Paused = on })
	return nil
}

// Lock stops facet notifications until Unlock.
func (s *Session) Lock(ctx context.Context) error { return s.setLocked(ctx, true) }

// Unlock re-enables facet notifications.
func (s *Session) Unlock(ctx context.Context) error { return s.setLocked(ctx, false) }

func (s *Session) setLocked(ctx context.Context, on bool) error {
	if _, err := s.run(ctx, protocol.LockCommand(on)); err != nil {
		return err
	}
	s.updateStatus(func(st *protocol.Status) { st.Locked = on })
	return nil
}

// ResetCalibration resets the calibration token to 0.
func (s *Session) ResetCalibration(ctx context.Context) error {
	_, err := s.run(ctx, protocol.ResetCalibrationCommand())
	return err
}

// ClearHistory erases the stored history.
func (s *Session) ClearHistory(ctx context.Context) error {
	_, err := s.run(ctx, protocol.ClearHistoryCommand())
	return err
}

// ResetFirmware sends the reset-firmware command. The device accepts it but
// what it does is unverified.
func (s *Session) ResetFirmware(ctx context.Context) error {
	_, err := s.run(ctx, protocol.ResetFirmwareCommand())
	return err
}

// History reads out and decodes the stored history.
func (s *Session) History(ctx context.Context) ([]protocol.Record, error) {
	var records []protocol.Record
	err := s.do(ctx, func(l *link) error {
		pkg, err := l.cmd.exchange(protocol.HistoryCommand())
		if err != nil {
			return err
		}

		dec := &protocol.HistoryDecoder{SkipInvalid: s.opts.SkipInvalidHistory}
		for read := 1; ; read++ {
			done, err := dec.Feed(pkg)
			if err != nil {
				return err
			}
			if done {
				break
			}
			if read >= s.opts.MaxHistoryPackages {
				return fmt.Errorf("%w: no terminator within %d packages", protocol.ErrIncompleteStream, read)
			}
			if pkg, err = l.cmd.readOutput(); err != nil {
				return err
			}
		}

		records, err = dec.Records()
		for _, skipped := range dec.Skipped() {
			slog.Warn("[BLE] skipped history block", "block", skipped.Block, "error", skipped)
		}
		slog.Debug("[BLE] history read", "packages", dec.Packages(), "records", len(records))
		return err
	})
	return records, err
}
