package link

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"go.bug.st/serial"
)

// newPipeConn creates a net.Pipe pair and registers cleanup.
func newPipeConn(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()

	local, remote := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})

	return local, remote
}

// mustWrite writes data to w, failing the test on error.
func mustWrite(t *testing.T, w io.Writer, data []byte) {
	t.Helper()

	if _, err := w.Write(data); err != nil {
		t.Errorf("mustWrite: %v", err)
	}
}

// fakePort is an in-memory serial.Port. Methods not overridden panic through the nil embed.
type fakePort struct {
	serial.Port

	mu          sync.Mutex
	rx          chan []byte
	pending     []byte
	written     []byte
	readTimeout time.Duration
	dtr, rts    bool
	resets      int
	drains      int
	closed      bool
}

func newFakePort() *fakePort {
	return &fakePort{rx: make(chan []byte, 16)}
}

func (p *fakePort) feed(s string) { p.rx <- []byte(s) }

func (p *fakePort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, &serial.PortError{}
	}
	if len(p.pending) == 0 {
		timeout := p.readTimeout
		p.mu.Unlock()

		select {
		case data := <-p.rx:
			p.mu.Lock()
			p.pending = append(p.pending, data...)
		case <-time.After(timeout):
			return 0, nil
		}
	}
	defer p.mu.Unlock()

	n := copy(buf, p.pending)
	p.pending = p.pending[n:]

	return n, nil
}

func (p *fakePort) Write(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.written = append(p.written, buf...)

	return len(buf), nil
}

func (p *fakePort) SetReadTimeout(d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.readTimeout = d

	return nil
}

func (p *fakePort) SetDTR(v bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.dtr = v

	return nil
}

func (p *fakePort) SetRTS(v bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.rts = v

	return nil
}

func (p *fakePort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.resets++
	p.pending = nil
	for {
		select {
		case <-p.rx:
		default:
			return nil
		}
	}
}

func (p *fakePort) Drain() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.drains++

	return nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true

	return nil
}

func (p *fakePort) writtenString() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return string(p.written)
}
