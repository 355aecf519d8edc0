package grbl

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MachineState is the state label reported in status reports.
type MachineState uint8

const (
	StateUnknown MachineState = iota
	StateIdle
	StateRun
	StateHold
	StateHome
	StateJog
	StateAlarm
	StateCheck
	StateDoor
)

func (s MachineState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRun:
		return "Run"
	case StateHold:
		return "Hold"
	case StateHome:
		return "Home"
	case StateJog:
		return "Jog"
	case StateAlarm:
		return "Alarm"
	case StateCheck:
		return "Check"
	case StateDoor:
		return "Door"
	default:
		return "Unknown"
	}
}

// ParseMachineState maps a status label to a MachineState. Sub-states such as "Hold:0" or
// "Door:1" map to their base state. Unrecognized labels (Sleep, Tool) are StateUnknown.
func ParseMachineState(label string) MachineState {
	base, _, _ := strings.Cut(strings.TrimSpace(label), ":")

	switch strings.ToLower(base) {
	case "idle":
		return StateIdle
	case "run":
		return StateRun
	case "hold":
		return StateHold
	case "home":
		return StateHome
	case "jog":
		return StateJog
	case "alarm":
		return StateAlarm
	case "check":
		return StateCheck
	case "door":
		return StateDoor
	default:
		return StateUnknown
	}
}

// ParseStatusReport extracts the state label from a status report such as
// "<Idle|MPos:0.000,0.000,0.000|FS:0,0>". The label is the text before the first "|", or the
// whole bracket content when there is no separator. It returns false for any other line.
func ParseStatusReport(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "<") {
		return "", false
	}

	body := line[1:]
	if idx := strings.IndexByte(body, '|'); idx >= 0 {
		return strings.TrimSpace(body[:idx]), true
	}

	if strings.HasSuffix(body, ">") {
		return strings.TrimSpace(strings.TrimSuffix(body, ">")), true
	}

	return "", false
}

// bannerPrefixes start the greeting of the supported firmwares. FluidNC greets with
// "Grbl 3.x [FluidNC v...]", and also names itself inside [VER:] and [MSG:] lines, which are
// not greetings.
var bannerPrefixes = []string{"grbl ", "grblhal ", "fluidnc v"}

// isWelcomeBanner reports whether line is the greeting printed after a controller reset.
func isWelcomeBanner(line string) bool {
	lower := strings.ToLower(strings.TrimSpace(line))
	for _, prefix := range bannerPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}

	return false
}

// Snapshot is one observation of the machine state.
type Snapshot struct {
	State MachineState
	// Label is the raw label as reported, e.g. "Hold:0".
	Label string
	// Seq increases with every observation, so waits can tell a fresh report from a cached one.
	Seq uint64
	At  time.Time
}

// StateTracker holds the last observed machine state.
//
// The receiver writes observations and the recovery resets it after flushing the link.
// Writers are serialized so Seq never goes back. Readers get an immutable snapshot without
// locking.
type StateTracker struct {
	mu   sync.Mutex
	snap atomic.Pointer[Snapshot]
	seq  atomic.Uint64
}

// NewStateTracker returns a tracker in StateUnknown.
func NewStateTracker() *StateTracker {
	t := &StateTracker{}
	t.snap.Store(&Snapshot{State: StateUnknown, Label: StateUnknown.String(), At: time.Now()})

	return t
}

// Snapshot returns the last observation.
func (t *StateTracker) Snapshot() Snapshot {
	return *t.snap.Load()
}

// State returns the last observed state.
func (t *StateTracker) State() MachineState {
	return t.snap.Load().State
}

// Seq returns the sequence number of the last observation.
func (t *StateTracker) Seq() uint64 {
	return t.snap.Load().Seq
}

func (t *StateTracker) update(label string) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := &Snapshot{
		State: ParseMachineState(label),
		Label: label,
		Seq:   t.seq.Add(1),
		At:    time.Now(),
	}
	t.snap.Store(snap)

	return *snap
}

// reset reasserts StateUnknown after a controller or link reset.
func (t *StateTracker) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.snap.Store(&Snapshot{
		State: StateUnknown,
		Label: StateUnknown.String(),
		Seq:   t.seq.Add(1),
		At:    time.Now(),
	})
}
