package link

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

const (
	DefaultBaudRate = 115200

	// DefaultReadSlice is the port-level read timeout. ReadLine loops over slices of this length
	// until its own timeout expires, so it bounds how late a ReadLine can return.
	DefaultReadSlice = 50 * time.Millisecond
)

// SerialOptions configures a serial port link.
type SerialOptions struct {
	BaudRate int
	DataBits int
	Parity   serial.Parity
	StopBits serial.StopBits

	// HoldControlLines keeps DTR and RTS asserted. Many ESP32 and Arduino adapters reset the
	// controller on a DTR/RTS edge, which would wipe the machine state mid-job.
	HoldControlLines bool

	ReadSlice time.Duration
}

// DefaultSerialOptions returns 115200 8N1 with control lines held high.
func DefaultSerialOptions() SerialOptions {
	return SerialOptions{
		BaudRate:         DefaultBaudRate,
		DataBits:         8,
		Parity:           serial.NoParity,
		StopBits:         serial.OneStopBit,
		HoldControlLines: true,
		ReadSlice:        DefaultReadSlice,
	}
}

// SerialLink is a Link over a serial port.
type SerialLink struct {
	name    string
	port    serial.Port
	reader  *lineReader
	writeMu sync.Mutex
	closed  atomic.Bool
}

var _ Link = (*SerialLink)(nil)

// OpenSerial opens the named serial port and wraps it as a Link.
func OpenSerial(name string, opts SerialOptions) (*SerialLink, error) {
	opts = normalizeSerialOptions(opts)

	port, err := serial.Open(name, &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		Parity:   opts.Parity,
		StopBits: opts.StopBits,
	})
	if err != nil {
		return nil, fmt.Errorf("link: open serial port %s: %w", name, err)
	}

	l, err := NewSerialLink(name, port, opts)
	if err != nil {
		return nil, errors.Join(err, port.Close())
	}

	return l, nil
}

// NewSerialLink wraps an already opened port.
func NewSerialLink(name string, port serial.Port, opts SerialOptions) (*SerialLink, error) {
	if port == nil {
		return nil, errors.New("link: serial port is nil")
	}

	opts = normalizeSerialOptions(opts)

	// polling reads let ReadLine honour its timeout
	if err := port.SetReadTimeout(opts.ReadSlice); err != nil {
		return nil, fmt.Errorf("link: set read timeout on %s: %w", name, err)
	}

	if opts.HoldControlLines {
		if err := port.SetDTR(true); err != nil {
			return nil, fmt.Errorf("link: set DTR on %s: %w", name, err)
		}
		if err := port.SetRTS(true); err != nil {
			return nil, fmt.Errorf("link: set RTS on %s: %w", name, err)
		}
	}

	l := &SerialLink{name: name, port: port}
	l.reader = newLineReader(l.readChunk)

	return l, nil
}

// Name returns the port name the link was opened with.
func (l *SerialLink) Name() string { return l.name }

func (l *SerialLink) Write(p []byte) (int, error) {
	if l.closed.Load() {
		return 0, ErrClosed
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if err := writeAll(l.port, p); err != nil {
		return 0, fmt.Errorf("link: write %s: %w", l.name, err)
	}

	return len(p), nil
}

func (l *SerialLink) ReadLine(timeout time.Duration) ([]byte, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}

	return l.reader.readLine(timeout)
}

func (l *SerialLink) Drain() error {
	if l.closed.Load() {
		return ErrClosed
	}

	return l.port.Drain()
}

func (l *SerialLink) ResetInputBuffer() error {
	if l.closed.Load() {
		return ErrClosed
	}

	l.reader.requestDiscard()

	return l.port.ResetInputBuffer()
}

// Close closes the port. Control lines are re-asserted first to minimise the chance of an
// adapter resetting the controller during close.
func (l *SerialLink) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}

	_ = l.port.SetDTR(true)
	_ = l.port.SetRTS(true)

	return l.port.Close()
}

func (l *SerialLink) readChunk(buf []byte, _ time.Time) (int, error) {
	n, err := l.port.Read(buf)
	if err != nil {
		if l.closed.Load() {
			return n, ErrClosed
		}

		var portErr *serial.PortError
		if errors.As(err, &portErr) && portErr.Code() == serial.PortClosed {
			return n, ErrClosed
		}

		return n, fmt.Errorf("link: read %s: %w", l.name, err)
	}

	return n, nil
}

func normalizeSerialOptions(opts SerialOptions) SerialOptions {
	def := DefaultSerialOptions()
	if opts.BaudRate <= 0 {
		opts.BaudRate = def.BaudRate
	}
	if opts.DataBits == 0 {
		opts.DataBits = def.DataBits
	}
	if opts.ReadSlice <= 0 {
		opts.ReadSlice = def.ReadSlice
	}

	return opts
}
