// Package grblsim is a scriptable in-memory GRBL controller implementing link.Link.
//
// It answers the status query with a status report, the soft reset byte with the greeting
// banner and every command line with a reply. Default replies are "ok" for parseable G-code,
// "error:2" otherwise, and the usual state changes for $X and $H. Tests override replies per
// command with Handle and script status answers with ScriptStatus.
package grblsim

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/256dpi/gcode"

	"github.com/arloliu/go-grbl/link"
)

// Banner is printed after a soft reset.
const Banner = "Grbl 1.1h ['$' for help]"

// Response is the scripted reaction to a command line.
type Response struct {
	// Lines are sent back in order, e.g. "ok" or "ALARM:9".
	Lines []string
	// State, when set, becomes the machine state before the lines are sent.
	State string
	// Delay postpones the lines.
	Delay time.Duration
}

// OK is the plain acknowledgement.
func OK() Response { return Response{Lines: []string{"ok"}} }

// Handler returns the response to the n-th occurrence (1-based) of a command.
type Handler func(n int) Response

// Device is a simulated controller.
type Device struct {
	mu         sync.Mutex
	state      string
	resetState string
	script     []string
	handlers   map[string]Handler
	counts     map[string]int
	commands   []string
	partial    []byte
	pos        [4]float64
	relative   bool
	resets     int
	statusReqs int
	inputReset int

	out       chan string
	closed    chan struct{}
	closeOnce sync.Once
}

var _ link.Link = (*Device)(nil)

// New returns an Idle device.
func New() *Device {
	return &Device{
		state:      "Idle",
		resetState: "Alarm",
		handlers:   make(map[string]Handler),
		counts:     make(map[string]int),
		out:        make(chan string, 4096),
		closed:     make(chan struct{}),
	}
}

// SetState sets the machine state.
func (d *Device) SetState(state string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.state = state
}

// State returns the machine state.
func (d *Device) State() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.state
}

// SetResetState sets the state entered after a soft reset. It defaults to Alarm, as on a
// controller with homing enabled.
func (d *Device) SetResetState(state string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.resetState = state
}

// ScriptStatus queues the states reported by the next status queries, one per query. Once the
// script is used up the current state is reported.
func (d *Device) ScriptStatus(states ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.script = append(d.script, states...)
}

// Handle overrides the reaction to cmd. The match is on the trimmed, upper-cased line.
func (d *Device) Handle(cmd string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.handlers[normalize(cmd)] = h
}

// Push sends an unsolicited line.
func (d *Device) Push(line string) {
	d.emit(line)
}

// Commands returns the command lines received, in order.
func (d *Device) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]string(nil), d.commands...)
}

// Count returns how often cmd was received.
func (d *Device) Count(cmd string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.counts[normalize(cmd)]
}

// Resets returns the number of soft resets received.
func (d *Device) Resets() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.resets
}

// StatusRequests returns the number of status queries received.
func (d *Device) StatusRequests() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.statusReqs
}

// Position returns the machine position of X, Y, Z and A.
func (d *Device) Position() [4]float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.pos
}

func (d *Device) Write(p []byte) (int, error) {
	select {
	case <-d.closed:
		return 0, link.ErrClosed
	default:
	}

	for _, ch := range p {
		switch ch {
		case '?':
			d.statusReport()
		case 0x18:
			d.softReset()
		case '\r':
		case '\n':
			d.mu.Lock()
			line := string(d.partial)
			d.partial = d.partial[:0]
			d.mu.Unlock()

			if strings.TrimSpace(line) != "" {
				d.processLine(line)
			}
		default:
			d.mu.Lock()
			d.partial = append(d.partial, ch)
			d.mu.Unlock()
		}
	}

	return len(p), nil
}

func (d *Device) ReadLine(timeout time.Duration) ([]byte, error) {
	select {
	case <-d.closed:
		return nil, link.ErrClosed
	default:
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case line := <-d.out:
		return []byte(line), nil
	case <-d.closed:
		return nil, link.ErrClosed
	case <-t.C:
		return nil, link.ErrReadTimeout
	}
}

func (d *Device) Drain() error { return nil }

// ResetInputBuffer drops every line not read yet.
func (d *Device) ResetInputBuffer() error {
	d.mu.Lock()
	d.inputReset++
	d.mu.Unlock()

	for {
		select {
		case <-d.out:
		default:
			return nil
		}
	}
}

func (d *Device) Close() error {
	d.closeOnce.Do(func() { close(d.closed) })
	return nil
}

// Closed reports whether Close was called.
func (d *Device) Closed() bool {
	select {
	case <-d.closed:
		return true
	default:
		return false
	}
}

func (d *Device) processLine(line string) {
	cmd := normalize(line)

	d.mu.Lock()
	d.commands = append(d.commands, cmd)
	d.counts[cmd]++
	n := d.counts[cmd]
	h := d.handlers[cmd]
	d.mu.Unlock()

	var resp Response
	if h != nil {
		resp = h(n)
	} else {
		resp = d.defaultResponse(cmd)
	}

	d.respond(resp)
}

func (d *Device) respond(resp Response) {
	if resp.Delay > 0 {
		go func() {
			time.Sleep(resp.Delay)
			d.respond(Response{Lines: resp.Lines, State: resp.State})
		}()

		return
	}

	if resp.State != "" {
		d.SetState(resp.State)
	}

	for _, line := range resp.Lines {
		d.emit(line)
	}
}

func (d *Device) defaultResponse(cmd string) Response {
	switch {
	case cmd == "$X":
		return Response{Lines: []string{"[MSG:Caution: Unlocked]", "ok"}, State: "Idle"}
	case strings.HasPrefix(cmd, "$H"):
		return Response{Lines: []string{"ok"}, State: "Idle"}
	case strings.HasPrefix(cmd, "$"):
		return OK()
	}

	return d.execGcode(cmd)
}

// execGcode tracks modal distance mode and the position of linear moves.
func (d *Device) execGcode(cmd string) Response {
	line, err := gcode.ParseLine(cmd)
	if err != nil {
		return Response{Lines: []string{"error:2"}}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	motion := false
	target := d.pos
	for _, code := range line.Codes {
		switch code.Letter {
		case "G":
			switch int(code.Value) {
			case 0, 1:
				motion = true
			case 90:
				d.relative = false
			case 91:
				d.relative = true
			}
		case "X", "Y", "Z", "A":
			idx := strings.Index("XYZA", code.Letter)
			if d.relative {
				target[idx] += code.Value
			} else {
				target[idx] = code.Value
			}
		}
	}

	if motion {
		d.pos = target
	}

	return OK()
}

func (d *Device) statusReport() {
	d.mu.Lock()
	d.statusReqs++
	state := d.state
	if len(d.script) > 0 {
		state = d.script[0]
		d.script = d.script[1:]
	}
	pos := d.pos
	d.mu.Unlock()

	d.emit(fmt.Sprintf("<%s|MPos:%.3f,%.3f,%.3f,%.3f|FS:0,0>", state, pos[0], pos[1], pos[2], pos[3]))
}

func (d *Device) softReset() {
	d.mu.Lock()
	d.resets++
	d.state = d.resetState
	d.partial = d.partial[:0]
	d.relative = false
	d.mu.Unlock()

	d.emit("")
	d.emit(Banner)
}

func (d *Device) emit(line string) {
	select {
	case d.out <- line:
	default:
	}
}

func normalize(cmd string) string {
	return strings.ToUpper(strings.TrimSpace(cmd))
}
