package grbl

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout indicates that no reply arrived within the per-attempt timeout.
	ErrTimeout = errors.New("grbl: no reply within timeout")
	// ErrProtocol indicates that the device answered with error:N.
	ErrProtocol = errors.New("grbl: device reported error")
	// ErrAlarmRecoverable indicates an alarm cleared by hard clear and retry (codes 8 and 9).
	ErrAlarmRecoverable = errors.New("grbl: recoverable alarm")
	// ErrAlarmFatal indicates any other alarm, including alarms without a readable code.
	ErrAlarmFatal = errors.New("grbl: fatal alarm")
	// ErrTransport indicates a failed write on the link.
	ErrTransport = errors.New("grbl: transport failure")
	// ErrInput indicates a missing or unreadable input file.
	ErrInput = errors.New("grbl: input error")
	// ErrStateTimeout indicates that a state wait ended without the wanted state.
	ErrStateTimeout = errors.New("grbl: state wait timeout")
	// ErrAlarmState indicates that the machine entered Alarm while waiting for motion to end.
	ErrAlarmState = errors.New("grbl: machine in alarm state")

	ErrHomingFailed   = errors.New("grbl: homing macro failed")
	ErrStreamAborted  = errors.New("grbl: file stream aborted")
	ErrSessionStopped = errors.New("grbl: session stopped")
	ErrSessionClosed  = errors.New("grbl: session input closed")
	ErrNilLink        = errors.New("grbl: link is nil")
)

// AlarmError is returned when the device answers a command with alarm:N.
type AlarmError struct {
	Code int
	Raw  string
}

func (e *AlarmError) Error() string {
	if e.Code == AlarmCodeUnknown {
		return fmt.Sprintf("grbl: alarm with unknown code (%q)", e.Raw)
	}

	return fmt.Sprintf("grbl: alarm %d (%q)", e.Code, e.Raw)
}

// Unwrap returns ErrAlarmRecoverable for codes 8 and 9 and ErrAlarmFatal otherwise.
func (e *AlarmError) Unwrap() error {
	if IsRecoverableAlarm(e.Code) {
		return ErrAlarmRecoverable
	}

	return ErrAlarmFatal
}

// Recoverable reports whether the alarm is cleared by the hard clear sequence.
func (e *AlarmError) Recoverable() bool {
	return IsRecoverableAlarm(e.Code)
}

// ProtocolError is returned when the device answers a command with error:N.
type ProtocolError struct {
	Detail string
	Raw    string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("grbl: device error %s (%q)", e.Detail, e.Raw)
}

func (e *ProtocolError) Unwrap() error { return ErrProtocol }

// StepError describes a failed homing, move or stream step. LastReply and LastState are kept
// for the failure report.
type StepError struct {
	Step      string
	Attempts  int
	Err       error
	LastReply string
	LastState MachineState
}

func (e *StepError) Error() string {
	reply := e.LastReply
	if reply == "" {
		reply = "none"
	}

	return fmt.Sprintf("grbl: step %q failed after %d attempt(s): %v (last reply: %s, last state: %s)",
		e.Step, e.Attempts, e.Err, reply, e.LastState)
}

func (e *StepError) Unwrap() error { return e.Err }

// replyError converts a non-ok reply into its error value.
func replyError(r Reply) error {
	switch r.Kind {
	case ReplyOK:
		return nil
	case ReplyAlarm:
		return &AlarmError{Code: r.Code, Raw: r.Raw}
	default:
		return &ProtocolError{Detail: r.Detail, Raw: r.Raw}
	}
}
