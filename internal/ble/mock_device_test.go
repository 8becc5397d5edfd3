package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/chaz8081/timeflip/internal/ble/protocol"
)

// mockCharacteristic records writes and serves reads through optional hooks.
type mockCharacteristic struct {
	mu           sync.Mutex
	value        []byte
	writes       [][]byte
	callback     func([]byte)
	subscribeErr error
	onRead       func() ([]byte, error)
	onWrite      func([]byte)
}

func (c *mockCharacteristic) Read() ([]byte, error) {
	c.mu.Lock()
	hook := c.onRead
	value := append([]byte(nil), c.value...)
	c.mu.Unlock()
	if hook != nil {
		return hook()
	}
	return value, nil
}

func (c *mockCharacteristic) Write(data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	c.mu.Lock()
	c.writes = append(c.writes, cp)
	hook := c.onWrite
	c.mu.Unlock()
	if hook != nil {
		hook(cp)
	}
	return nil
}

func (c *mockCharacteristic) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscribeErr != nil {
		return c.subscribeErr
	}
	c.callback = cb
	return nil
}

// SimulateNotification sends a notification to the subscriber.
func (c *mockCharacteristic) SimulateNotification(data []byte) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

func (c *mockCharacteristic) writeLog() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

func (c *mockCharacteristic) set(value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = value
}

// fakeTimeFlip emulates the device firmware: password check, command
// acknowledgements, status and history output.
type fakeTimeFlip struct {
	mu          sync.Mutex
	password    string
	authed      bool
	ack         []byte
	ackOverride []byte
	output      [][]byte
	lastOutput  []byte
	status      protocol.Status
	name        string
	history     [][]byte
	omit        map[uuid.UUID]bool
	stall       chan struct{} // when set, ack reads block until closed
	inFlight    int
	interleaved bool

	chars map[uuid.UUID]*mockCharacteristic
	conn  *mockConnection
}

func newFakeTimeFlip() *fakeTimeFlip {
	f := &fakeTimeFlip{
		password: DefaultPassword,
		name:     "TimeFlip",
		history:  [][]byte{make([]byte, protocol.PackageSize)},
		omit:     make(map[uuid.UUID]bool),
		chars:    make(map[uuid.UUID]*mockCharacteristic),
	}
	for _, c := range gattChars {
		f.chars[c.char] = &mockCharacteristic{}
	}
	f.chars[FacetCharUUID].set([]byte{3})
	f.chars[BatteryLevelCharUUID].set([]byte{87})
	f.chars[FirmwareRevisionCharUUID].set([]byte("TFv3.1"))
	f.chars[DeviceNameCharUUID].set([]byte("TimeFlip\x00\x00"))
	f.chars[AccelerometerCharUUID].set([]byte{0x00, 0x10, 0x00, 0xf0, 0x34, 0x12})
	f.chars[CalibrationCharUUID].set([]byte{0, 0, 0, 0})

	f.chars[PasswordCharUUID].onWrite = f.writePassword
	f.chars[CommandInputCharUUID].onWrite = f.writeCommand
	f.chars[CommandInputCharUUID].onRead = f.readAck
	f.chars[CommandOutputCharUUID].onRead = f.readOutput
	f.chars[CalibrationCharUUID].onWrite = func(data []byte) {
		f.chars[CalibrationCharUUID].set(data)
	}
	return f
}

func (f *fakeTimeFlip) writePassword(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authed = string(data) == f.password
}

func (f *fakeTimeFlip) writeCommand(frame []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.inFlight++
	if f.inFlight > 1 {
		f.interleaved = true
	}

	op := protocol.Opcode(frame[0])
	args := frame[1:]
	result := protocol.ResultSuccess
	if !f.authed {
		result = protocol.ResultError
	} else {
		switch op {
		case protocol.OpStatus:
			f.output = [][]byte{statusBytes(f.status)}
		case protocol.OpHistory:
			f.output = append([][]byte(nil), f.history...)
		case protocol.OpClearHistory:
			f.history = [][]byte{make([]byte, protocol.PackageSize)}
		case protocol.OpLock:
			f.status.Locked = args[0] == 0x01
		case protocol.OpPause:
			f.status.Paused = args[0] == 0x01
		case protocol.OpAutoPause:
			f.status.AutoPauseMinutes = uint16(args[0]) | uint16(args[1])<<8
		case protocol.OpSetName:
			f.name = string(args[1 : 1+int(args[0])])
		case protocol.OpSetPassword:
			f.password = string(args)
		case protocol.OpResetCalibration:
			f.chars[CalibrationCharUUID].set([]byte{0, 0, 0, 0})
		default:
			result = protocol.ResultError
		}
	}
	// Real firmware pads the ack with junk.
	f.ack = []byte{byte(op), result, 0xde, 0xad}
}

func (f *fakeTimeFlip) readAck() ([]byte, error) {
	f.mu.Lock()
	stall, conn := f.stall, f.conn
	f.mu.Unlock()
	if stall != nil {
		select {
		case <-stall:
		case <-conn.gone:
			return nil, ErrDisconnected
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--
	if f.ackOverride != nil {
		return f.ackOverride, nil
	}
	return f.ack, nil
}

// readOutput pops the next output package. Once drained, the last package
// is repeated.
func (f *fakeTimeFlip) readOutput() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.output) > 0 {
		f.lastOutput = f.output[0]
		f.output = f.output[1:]
	}
	return append([]byte(nil), f.lastOutput...), nil
}

func (f *fakeTimeFlip) wasInterleaved() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interleaved
}

func (f *fakeTimeFlip) setHistory(packages ...[]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = packages
}

func statusBytes(st protocol.Status) []byte {
	flag := func(on bool) byte {
		if on {
			return 0x01
		}
		return 0x02
	}
	return []byte{flag(st.Locked), flag(st.Paused), byte(st.AutoPauseMinutes), byte(st.AutoPauseMinutes >> 8)}
}

// mockConnection simulates a BLE connection to the fake device.
type mockConnection struct {
	device *fakeTimeFlip
	gone   chan struct{}

	mu           sync.Mutex
	disconnectCb func()
	disconnected bool
}

func (c *mockConnection) DiscoverCharacteristic(_, charUUID uuid.UUID) (Characteristic, error) {
	ch, ok := c.device.chars[charUUID]
	if !ok || c.device.omit[charUUID] {
		return nil, fmt.Errorf("mock: unknown characteristic UUID %s", charUUID)
	}
	return ch, nil
}

func (c *mockConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.disconnected {
		c.disconnected = true
		close(c.gone)
	}
	return nil
}

func (c *mockConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *mockConnection) isDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// SimulateDisconnect drops the link from the device side. The callback runs
// before pending reads are released.
func (c *mockConnection) SimulateDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
	_ = c.Disconnect()
}

// mockAdapter hands out connections to a single fake device.
type mockAdapter struct {
	device *fakeTimeFlip

	mu       sync.Mutex
	failures int // connect attempts to fail before succeeding
	connects int
}

func newMockAdapter(device *fakeTimeFlip) *mockAdapter {
	return &mockAdapter{device: device}
}

func (a *mockAdapter) Enable() error { return nil }

func (a *mockAdapter) Connect(ctx context.Context, _ string) (Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connects++
	if a.failures > 0 {
		a.failures--
		return nil, errors.New("mock: connection refused")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn := &mockConnection{device: a.device, gone: make(chan struct{})}
	a.device.mu.Lock()
	a.device.authed = false
	a.device.conn = conn
	a.device.mu.Unlock()
	return conn, nil
}

func (a *mockAdapter) connectCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connects
}

// newTestSession returns a session connected to a fresh fake device.
func newTestSession(t *testing.T, opts SessionOptions) (*Session, *fakeTimeFlip) {
	t.Helper()
	device := newFakeTimeFlip()
	s := NewSession(newMockAdapter(device), opts)
	if err := s.Connect(context.Background(), "AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, device
}

// newAuthedSession is newTestSession followed by the default password.
func newAuthedSession(t *testing.T, opts SessionOptions) (*Session, *fakeTimeFlip) {
	t.Helper()
	s, device := newTestSession(t, opts)
	if err := s.Authenticate(context.Background(), DefaultPassword); err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	return s, device
}

func TestMockAdapterImplementsInterface(t *testing.T) {
	var _ Adapter = (*mockAdapter)(nil)
}

func TestMockConnectionImplementsInterface(t *testing.T) {
	var _ Connection = (*mockConnection)(nil)
}

func TestMockCharacteristicImplementsInterface(t *testing.T) {
	var _ Characteristic = (*mockCharacteristic)(nil)
}
