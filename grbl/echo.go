package grbl

// Direction tags a line passed to an EchoFunc.
type Direction uint8

const (
	// DirOutbound is a command written to the device.
	DirOutbound Direction = iota + 1
	// DirInbound is a line received from the device.
	DirInbound
	// DirEvent is a recovery action or a progress marker.
	DirEvent
)

func (d Direction) String() string {
	switch d {
	case DirOutbound:
		return "out"
	case DirInbound:
		return "in"
	case DirEvent:
		return "event"
	default:
		return "unknown"
	}
}

// EchoFunc observes the traffic of a session. It is called from the receiver and dispatcher
// goroutines and must not block.
type EchoFunc func(dir Direction, text string)

func nopEcho(Direction, string) {}
