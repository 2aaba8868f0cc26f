package adapter

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eddyem/canserver/internal/can"
	"github.com/eddyem/canserver/internal/metrics"
)

// Sentinel errors classified by the CAN supervisor via errors.Is.
var (
	ErrSpeedRange = errors.New("CAN speed out of range")
	ErrEcho       = errors.New("echo mismatch")
	ErrIO         = errors.New("adapter io")
	ErrBadFrame   = errors.New("bad frame")
)

const (
	// UARTBaud is the serial line rate of the adapter itself, not the
	// CAN bus bitrate.
	UARTBaud = 115200

	// EchoTolerance is how many non-matching lines the write-echo
	// handshake drops as crossing traffic before giving up.
	EchoTolerance = 3

	// lineIdle cuts a line read off after this long without traffic.
	lineIdle = 10 * time.Millisecond

	// pollTimeout bounds one ReadFrame call.
	pollTimeout = 500 * time.Millisecond

	readBufSize = 256
)

// Transport owns the serial descriptor. The CAN supervisor is the
// sole caller; one mutex serialises writes and reads anyway so that a
// reopen cannot race a late call.
type Transport struct {
	mu           sync.Mutex
	port         Port
	carry        []byte
	disconnected atomic.Bool
}

// Open opens the device at path in blocking mode at the given UART
// baud (use UARTBaud unless the adapter is configured otherwise).
func Open(path string, baud int) (*Transport, error) {
	p, err := openPort(path, baud)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return NewTransport(p), nil
}

// NewTransport wraps an already-open port.
func NewTransport(p Port) *Transport {
	return &Transport{port: p}
}

// Disconnected reports whether the device vanished under us.
func (t *Transport) Disconnected() bool { return t.disconnected.Load() }

// Close releases the descriptor and marks the transport disconnected.
func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port != nil {
		_ = t.port.Close()
	}
	t.disconnected.Store(true)
	t.carry = nil
}

// carryLine pops one complete line from the carry buffer.
func (t *Transport) carryLine() (string, bool) {
	for i, b := range t.carry {
		if b == '\n' {
			line := strings.TrimRight(string(t.carry[:i]), "\r")
			t.carry = append(t.carry[:0], t.carry[i+1:]...)
			return line, true
		}
	}
	return "", false
}

// readLine returns the next complete line, waiting at most idle after
// the last received byte. The carry buffer retains anything past the
// first newline so the next call needs no OS read.
func (t *Transport) readLine(idle time.Duration) (string, bool) {
	if line, ok := t.carryLine(); ok {
		return line, true
	}
	if t.disconnected.Load() {
		return "", false
	}
	buf := make([]byte, readBufSize)
	deadline := time.Now().Add(idle)
	for time.Now().Before(deadline) {
		n, err := t.port.Read(buf)
		if n > 0 {
			t.carry = append(t.carry, buf[:n]...)
			if line, ok := t.carryLine(); ok {
				return line, true
			}
			deadline = time.Now().Add(idle)
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			// The port timeout tick surfaces as EOF; anything else
			// means the device is gone.
			t.disconnected.Store(true)
			metrics.IncError(metrics.ErrSerialRead)
			return "", false
		}
	}
	return "", false
}

// writeLine sends one command line and performs the echo handshake:
// the first received line must start with the command; up to
// EchoTolerance non-matching lines (or silent periods) are dropped.
func (t *Transport) writeLine(cmd string) error {
	if t.disconnected.Load() {
		return fmt.Errorf("%w: disconnected", ErrIO)
	}
	if _, err := t.port.Write([]byte(cmd + "\n")); err != nil {
		t.disconnected.Store(true)
		metrics.IncError(metrics.ErrSerialWrite)
		return fmt.Errorf("%w: write: %v", ErrIO, err)
	}
	spurious := 0
	for {
		line, ok := t.readLine(lineIdle)
		if t.disconnected.Load() {
			return fmt.Errorf("%w: disconnected", ErrIO)
		}
		if ok && strings.HasPrefix(line, cmd) {
			return nil
		}
		spurious++
		if spurious > EchoTolerance {
			metrics.IncError(metrics.ErrEchoMismatch)
			return fmt.Errorf("%w: no echo for %q", ErrEcho, cmd)
		}
	}
}

// drainInput discards buffered input, e.g. informational lines after
// a speed change.
func (t *Transport) drainInput() {
	for {
		if _, ok := t.readLine(lineIdle); !ok {
			return
		}
	}
}

// SetSpeed reconfigures the CAN bus bitrate in kbaud. Zero means
// "do not change". Valid range is 10..3000.
func (t *Transport) SetSpeed(kbaud int) error {
	if kbaud == 0 {
		return nil
	}
	if kbaud < 10 || kbaud > 3000 {
		return fmt.Errorf("%w: %d", ErrSpeedRange, kbaud)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.writeLine(fmt.Sprintf("b %d", kbaud)); err != nil {
		return err
	}
	t.drainInput()
	return nil
}

// WriteFrame transmits one frame through the adapter.
func (t *Transport) WriteFrame(f *can.Frame) error {
	if f.Len > 8 || f.ID > can.SFFMask {
		return fmt.Errorf("%w: id=0x%X len=%d", ErrBadFrame, f.ID, f.Len)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.writeLine(EmitFrame(f)); err != nil {
		return err
	}
	metrics.IncSerialTx()
	return nil
}

// ReadFrame waits up to half a second for an incoming frame and
// returns the first one parsed, regardless of id. Informational
// adapter lines are skipped.
func (t *Transport) ReadFrame() (can.Frame, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	deadline := time.Now().Add(pollTimeout)
	for !t.disconnected.Load() && time.Now().Before(deadline) {
		line, ok := t.readLine(lineIdle)
		if !ok {
			continue
		}
		if f, ok := ParseFrame(line); ok {
			metrics.IncSerialRx()
			return f, true
		}
	}
	return can.Frame{}, false
}
