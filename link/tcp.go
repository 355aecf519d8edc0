package link

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultDialTimeout = 3 * time.Second

	// drainSilence is how long the line must stay quiet before ResetInputBuffer is complete.
	drainSilence = 20 * time.Millisecond
)

// ConnLink is a Link over a stream connection, typically the telnet port of a FluidNC board.
type ConnLink struct {
	conn    net.Conn
	reader  *lineReader
	writeMu sync.Mutex
	closed  atomic.Bool
	// drainReq is set by ResetInputBuffer and served by the reader goroutine, which owns conn reads.
	drainReq atomic.Bool
}

var _ Link = (*ConnLink)(nil)

// DialTCP connects to addr ("host:port") and wraps the connection as a Link.
func DialTCP(addr string, timeout time.Duration) (*ConnLink, error) {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}

	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("link: dial %s: %w", addr, err)
	}

	return NewConnLink(conn), nil
}

// NewConnLink wraps an established connection.
func NewConnLink(conn net.Conn) *ConnLink {
	l := &ConnLink{conn: conn}
	l.reader = newLineReader(l.readChunk)

	return l
}

func (l *ConnLink) Write(p []byte) (int, error) {
	if l.closed.Load() {
		return 0, ErrClosed
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if err := writeAll(l.conn, p); err != nil {
		if isClosedErr(err) {
			return 0, ErrClosed
		}

		return 0, fmt.Errorf("link: write: %w", err)
	}

	return len(p), nil
}

func (l *ConnLink) ReadLine(timeout time.Duration) ([]byte, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}

	if l.drainReq.Swap(false) {
		l.drainUntilSilence()
	}

	return l.reader.readLine(timeout)
}

// Drain is a no-op: writes on a stream connection are handed to the kernel synchronously.
func (l *ConnLink) Drain() error {
	if l.closed.Load() {
		return ErrClosed
	}

	return nil
}

func (l *ConnLink) ResetInputBuffer() error {
	if l.closed.Load() {
		return ErrClosed
	}

	l.reader.requestDiscard()
	l.drainReq.Store(true)

	return nil
}

func (l *ConnLink) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}

	if err := l.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}

	return nil
}

func (l *ConnLink) readChunk(buf []byte, deadline time.Time) (int, error) {
	if err := l.conn.SetReadDeadline(deadline); err != nil {
		return 0, l.mapReadErr(err)
	}

	n, err := l.conn.Read(buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return n, nil
		}

		return n, l.mapReadErr(err)
	}

	return n, nil
}

// drainUntilSilence reads and discards bytes until nothing arrives for drainSilence.
func (l *ConnLink) drainUntilSilence() {
	buf := make([]byte, 256)

	for {
		_ = l.conn.SetReadDeadline(time.Now().Add(drainSilence))

		if _, err := l.conn.Read(buf); err != nil {
			return
		}
	}
}

func (l *ConnLink) mapReadErr(err error) error {
	if l.closed.Load() || isClosedErr(err) {
		return ErrClosed
	}

	return fmt.Errorf("link: read: %w", err)
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe)
}
