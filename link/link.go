// Package link provides the duplex byte stream a grbl session talks over.
//
// A Link carries newline-terminated ASCII lines in both directions plus single-byte realtime
// commands on the outbound side. Two implementations are provided: a serial port backed by
// go.bug.st/serial, and a TCP connection for network attached controllers (FluidNC telnet).
package link

import (
	"errors"
	"time"
)

var (
	// ErrReadTimeout is returned by ReadLine when no complete line arrived within the timeout.
	// It is not a failure; callers simply read again.
	ErrReadTimeout = errors.New("link: read timeout")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("link: closed")
)

// Link is the transport consumed by a grbl session.
//
// ReadLine is called from a single reader goroutine. Write, Drain and ResetInputBuffer may be
// called from another goroutine concurrently with ReadLine.
type Link interface {
	// Write writes raw bytes (a command line or a realtime byte).
	Write(p []byte) (int, error)
	// ReadLine returns the next line without its terminator, waiting at most timeout.
	// It returns ErrReadTimeout when no full line is available yet.
	ReadLine(timeout time.Duration) ([]byte, error)
	// Drain blocks until buffered output has been transmitted.
	Drain() error
	// ResetInputBuffer discards received but unread input, including a partially read line.
	ResetInputBuffer() error
	// Close releases the transport.
	Close() error
}

// writeAll writes all bytes in data to w.
func writeAll(w interface{ Write([]byte) (int, error) }, data []byte) error {
	for written := 0; written < len(data); {
		n, err := w.Write(data[written:])
		written += n

		if err != nil {
			return err
		}
		if n == 0 {
			return errors.New("link: short write")
		}
	}

	return nil
}
