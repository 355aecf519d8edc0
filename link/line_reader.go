package link

import (
	"bytes"
	"sync/atomic"
	"time"
)

// maxLineLength bounds a single received line. Controllers never send lines this long; hitting the
// bound means the stream is garbage (wrong baud rate) and the partial data is dropped.
const maxLineLength = 4096

// chunkReader reads whatever bytes are available, waiting at most until deadline.
// It returns (0, nil) when the deadline passed without data.
type chunkReader func(buf []byte, deadline time.Time) (int, error)

// lineReader assembles lines from a chunkReader. It is owned by the single reader goroutine;
// only the discard flag is touched from other goroutines.
type lineReader struct {
	read    chunkReader
	pending []byte
	chunk   []byte
	discard atomic.Bool
}

func newLineReader(read chunkReader) *lineReader {
	return &lineReader{
		read:  read,
		chunk: make([]byte, 256),
	}
}

// requestDiscard asks the reader goroutine to drop its partial line before the next read.
func (lr *lineReader) requestDiscard() {
	lr.discard.Store(true)
}

func (lr *lineReader) readLine(timeout time.Duration) ([]byte, error) {
	if lr.discard.Swap(false) {
		lr.pending = lr.pending[:0]
	}

	deadline := time.Now().Add(timeout)

	for {
		if line, ok := lr.takeLine(); ok {
			return line, nil
		}

		if !time.Now().Before(deadline) {
			return nil, ErrReadTimeout
		}

		n, err := lr.read(lr.chunk, deadline)
		if n > 0 {
			lr.pending = append(lr.pending, lr.chunk[:n]...)
			if len(lr.pending) > maxLineLength && bytes.IndexByte(lr.pending, '\n') < 0 {
				lr.pending = lr.pending[:0]
			}
		}
		if err != nil {
			return nil, err
		}
	}
}

// takeLine pops the first complete line from pending, trimming "\r\n".
func (lr *lineReader) takeLine() ([]byte, bool) {
	idx := bytes.IndexByte(lr.pending, '\n')
	if idx < 0 {
		return nil, false
	}

	line := make([]byte, idx)
	copy(line, lr.pending[:idx])
	lr.pending = append(lr.pending[:0], lr.pending[idx+1:]...)

	return bytes.TrimRight(line, "\r"), true
}
