package grbl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/arloliu/go-grbl/internal/pool"
	"github.com/arloliu/go-grbl/logger"
)

// StepKind is the kind of a homing macro step.
type StepKind uint8

const (
	// StepHome runs the homing cycle of one axis ($H<axis>).
	StepHome StepKind = iota + 1
	// StepMove is a rapid absolute move (G90 then G0 <target>).
	StepMove
)

// Step is one typed step of a homing macro.
type Step struct {
	Kind StepKind
	// Axis is the single axis letter of a StepHome.
	Axis string
	// Target holds the axis words of a StepMove, e.g. "X45 Y45".
	Target string
}

// HomeStep returns a step homing axis.
func HomeStep(axis string) Step {
	return Step{Kind: StepHome, Axis: strings.ToUpper(strings.TrimSpace(axis))}
}

// MoveStep returns a rapid absolute move to target.
func MoveStep(target string) Step {
	return Step{Kind: StepMove, Target: strings.ToUpper(strings.TrimSpace(target))}
}

// Command returns the command line of the step.
func (s Step) Command() string {
	switch s.Kind {
	case StepHome:
		return "$H" + s.Axis
	case StepMove:
		return "G0 " + s.Target
	default:
		return ""
	}
}

func (s Step) String() string { return s.Command() }

func (s Step) validate() error {
	switch s.Kind {
	case StepHome:
		if len(s.Axis) != 1 || !strings.ContainsAny(s.Axis, "XYZABC") {
			return fmt.Errorf("invalid homing axis %q", s.Axis)
		}
	case StepMove:
		if s.Target == "" {
			return errors.New("empty move target")
		}
	default:
		return fmt.Errorf("unknown step kind %d", s.Kind)
	}

	return nil
}

// DefaultHomingMacro returns the homing and staging sequence of a four axis arm: home Z, lift
// Z, home A, home Y, stage Y, home Z again, home X, then move to the ready pose.
func DefaultHomingMacro() []Step {
	return []Step{
		HomeStep("Z"),
		MoveStep("Z180"),
		HomeStep("A"),
		HomeStep("Y"),
		MoveStep("Y45"),
		HomeStep("Z"),
		HomeStep("X"),
		MoveStep("X45 Y45 Z45 A45"),
	}
}

// HomingPhase is the phase of the step being executed.
type HomingPhase uint8

const (
	PhaseIdle HomingPhase = iota
	PhaseSending
	PhaseAwaitingStart
	PhaseInMotion
	PhaseComplete
	PhaseFailed
)

func (p HomingPhase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseSending:
		return "Sending"
	case PhaseAwaitingStart:
		return "AwaitingStart"
	case PhaseInMotion:
		return "InMotion"
	case PhaseComplete:
		return "Complete"
	case PhaseFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// HomingSequencer runs homing macros on the dispatcher goroutine.
type HomingSequencer struct {
	cfg      *Config
	disp     *Dispatcher
	recovery *Recovery
	tracker  *StateTracker
	logger   logger.Logger
	phase    HomingPhase
}

func newHomingSequencer(cfg *Config, disp *Dispatcher, recovery *Recovery, tracker *StateTracker) *HomingSequencer {
	return &HomingSequencer{
		cfg:      cfg,
		disp:     disp,
		recovery: recovery,
		tracker:  tracker,
		logger:   cfg.logger,
	}
}

// Phase returns the phase of the current or last step.
func (h *HomingSequencer) Phase() HomingPhase { return h.phase }

// Run executes macro in order. The first failed step aborts the macro and the returned error
// wraps ErrHomingFailed and the *StepError of that step.
func (h *HomingSequencer) Run(ctx context.Context, macro []Step) error {
	h.cfg.echo(DirEvent, "%%HOME (begin sequence)")
	h.logger.Info("grbl: homing macro started", "steps", len(macro))

	for i, step := range macro {
		var err error

		switch step.Kind {
		case StepHome:
			err = h.HomeAxis(ctx, step)
		case StepMove:
			err = h.Move(ctx, step)
		default:
			err = fmt.Errorf("grbl: unknown step kind %d", step.Kind)
		}

		if err != nil {
			h.cfg.echo(DirEvent, "%%HOME (FAILED) - aborting")
			h.logger.Error("grbl: homing macro aborted", "step", i+1, "command", step.Command(), "error", err)

			return fmt.Errorf("%w: step %d: %w", ErrHomingFailed, i+1, err)
		}
	}

	h.cfg.echo(DirEvent, "%%HOME (done)")
	h.logger.Info("grbl: homing macro done")

	return nil
}

// HomeAxis runs a StepHome with up to HomingTries attempts.
//
// An attempt counts as started on an ok reply or on a fresh status report out of Idle within
// the start window. An alarm pending from earlier motion is taken as the attempt's reply and
// the command is not written. A recoverable alarm before the start is cleared (and nudged for alarm 9
// when a nudge policy is set) and retried. Any other alarm or error reply fails the step at
// once. No reply and no motion leads to a speculative hard clear and a retry. Once started,
// the step completes when the motion completes.
func (h *HomingSequencer) HomeAxis(ctx context.Context, step Step) error {
	if step.Kind != StepHome {
		return fmt.Errorf("grbl: %s is not a homing step", step)
	}

	cmd := step.Command()
	tries := h.cfg.homingTries

	var (
		lastReply Reply
		lastErr   error
	)

	for attempt := 1; attempt <= tries; attempt++ {
		h.setPhase(PhaseSending, cmd)
		h.logger.Info("grbl: homing", "command", cmd, "attempt", attempt, "max_tries", tries)

		since := h.tracker.Seq()

		var (
			started bool
			reply   Reply
		)

		// an alarm left from the previous motion is handled as this attempt's reply
		if pending, found := h.disp.discardStale(); found {
			reply = pending
		} else {
			if err := h.disp.writeLine(cmd); err != nil {
				lastErr = err
				if err := pool.Sleep(ctx, h.cfg.retryDelay); err != nil {
					return err
				}

				continue
			}

			h.setPhase(PhaseAwaitingStart, cmd)

			var err error
			if started, reply, err = h.awaitStart(ctx, since); err != nil {
				return err
			}
		}
		if reply.Kind != 0 {
			lastReply = reply
		}

		if !started {
			if reply.Kind == ReplyAlarm || reply.Kind == ReplyError {
				lastErr = replyError(reply)

				code, _ := ClassifyAlarm(reply)
				if reply.Kind == ReplyError || !IsRecoverableAlarm(code) {
					h.logger.Error("grbl: non-recoverable reply during homing", "command", cmd, "reply", reply.Raw)
					return h.fail(step, attempt, lastErr, lastReply)
				}

				if err := h.recoverAlarm(ctx, step, code, attempt); err != nil {
					return err
				}

				continue
			}

			lastErr = fmt.Errorf("%w: homing did not start within %s", ErrTimeout, h.cfg.homingStartWindow)
			h.logger.Warn("grbl: homing did not start, clearing a possibly missed alarm", "command", cmd, "attempt", attempt)

			if err := h.recoverAlarm(ctx, step, AlarmCodeUnknown, attempt); err != nil {
				return err
			}

			continue
		}

		h.setPhase(PhaseInMotion, cmd)

		finish := max(h.cfg.homingAckTimeout, h.cfg.motionFinish)
		if err := h.disp.WaitMotionComplete(ctx, h.cfg.motionLeaveIdle, finish); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			lastErr = err
			h.logger.Warn("grbl: homing did not return to Idle", "command", cmd, "attempt", attempt, "error", err)

			if errors.Is(err, ErrAlarmState) {
				alarm, found := h.disp.discardStale()
				if found {
					lastReply = alarm
					lastErr = replyError(alarm)
				}

				code, _ := ClassifyAlarm(alarm)
				if found && !IsRecoverableAlarm(code) {
					return h.fail(step, attempt, lastErr, lastReply)
				}

				if err := h.recoverAlarm(ctx, step, code, attempt); err != nil {
					return err
				}
			}

			continue
		}

		h.setPhase(PhaseComplete, cmd)
		h.logger.Info("grbl: homing step done", "command", cmd, "attempt", attempt)

		return nil
	}

	h.logger.Error("grbl: homing failed", "command", cmd, "tries", tries)

	return h.fail(step, tries, lastErr, lastReply)
}

// Move runs a StepMove with up to MoveTries attempts: clear a pending alarm, force absolute
// mode, send the move and wait for the motion to complete.
func (h *HomingSequencer) Move(ctx context.Context, step Step) error {
	if step.Kind != StepMove {
		return fmt.Errorf("grbl: %s is not a move step", step)
	}

	cmd := step.Command()
	tries := h.cfg.moveTries

	var (
		lastReply Reply
		lastErr   error
	)

	for attempt := 1; attempt <= tries; attempt++ {
		h.setPhase(PhaseSending, cmd)
		h.logger.Info("grbl: move", "command", cmd, "attempt", attempt, "max_tries", tries)

		if err := h.recovery.ClearAlarmIfNeeded(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			h.logger.Warn("grbl: alarm not cleared before move", "command", cmd, "error", err)
		}

		if _, err := h.disp.SendCommand(ctx, CmdAbsoluteMode, h.cfg.modeTimeout, 1); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			h.logger.Warn("grbl: absolute mode not acknowledged", "error", err)
		}

		reply, err := h.disp.SendCommand(ctx, cmd, h.cfg.homingAckTimeout, 1)
		if reply.Kind != 0 {
			lastReply = reply
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err

			var alarm *AlarmError
			if errors.As(err, &alarm) {
				if !alarm.Recoverable() {
					return h.fail(step, attempt, err, lastReply)
				}
				if err := h.hardClear(ctx); err != nil {
					return err
				}
			}

			continue
		}

		h.setPhase(PhaseInMotion, cmd)

		if err := h.disp.WaitMotionComplete(ctx, h.cfg.motionLeaveIdle, h.cfg.motionFinish); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			h.logger.Warn("grbl: move did not complete", "command", cmd, "attempt", attempt, "error", err)

			if errors.Is(err, ErrAlarmState) {
				if alarm, found := h.disp.discardStale(); found {
					lastReply = alarm
					lastErr = replyError(alarm)
					if code, _ := ClassifyAlarm(alarm); !IsRecoverableAlarm(code) {
						return h.fail(step, attempt, lastErr, lastReply)
					}
				}
				if err := h.hardClear(ctx); err != nil {
					return err
				}
			}

			continue
		}

		h.setPhase(PhaseComplete, cmd)

		return nil
	}

	return h.fail(step, tries, lastErr, lastReply)
}

// awaitStart watches for a reply or a fresh non-Idle status within the start window.
// A non-nil error is only returned when ctx is done.
func (h *HomingSequencer) awaitStart(ctx context.Context, since uint64) (bool, Reply, error) {
	deadline := time.Now().Add(h.cfg.homingStartWindow)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, Reply{}, nil
		}

		reply, err := h.disp.acks.Receive(ctx, min(h.cfg.pollInterval, remaining))
		switch {
		case err == nil:
			return reply.IsOK(), reply, nil
		case !errors.Is(err, ErrTimeout):
			return false, Reply{}, err
		}

		h.disp.RequestStatus()

		snap := h.tracker.Snapshot()
		if snap.Seq > since && snap.State != StateIdle && snap.State != StateAlarm && snap.State != StateUnknown {
			h.logger.Debug("grbl: homing started", "state", snap.Label)
			return true, Reply{}, nil
		}
	}
}

// recoverAlarm runs the hard clear, nudges the axis for alarm 9, then waits the retry delay.
func (h *HomingSequencer) recoverAlarm(ctx context.Context, step Step, code int, attempt int) error {
	h.logger.Warn("grbl: homing alarm, clearing and retrying",
		"command", step.Command(), "alarm", code, "attempt", attempt, "max_tries", h.cfg.homingTries)

	if err := h.hardClear(ctx); err != nil {
		return err
	}

	if code == 9 && h.cfg.nudgePolicy != nil {
		distance := h.cfg.nudgePolicy.Direction(step.Axis, attempt) * h.cfg.nudgeDistance
		if err := h.recovery.NudgeAxis(ctx, step.Axis, distance, h.cfg.nudgeFeed); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			h.logger.Warn("grbl: nudge failed", "axis", step.Axis, "distance", distance, "error", err)
		}
	}

	return pool.Sleep(ctx, h.cfg.retryDelay)
}

// hardClear runs Recovery.HardClear. Only a done ctx is returned as an error.
func (h *HomingSequencer) hardClear(ctx context.Context) error {
	if err := h.recovery.HardClear(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		h.logger.Warn("grbl: hard clear failed, retrying anyway", "error", err)
	}

	return nil
}

func (h *HomingSequencer) setPhase(phase HomingPhase, cmd string) {
	h.phase = phase
	h.logger.Debug("grbl: homing phase", "command", cmd, "phase", phase)
}

func (h *HomingSequencer) fail(step Step, attempts int, err error, reply Reply) error {
	h.setPhase(PhaseFailed, step.Command())

	return &StepError{
		Step:      step.Command(),
		Attempts:  attempts,
		Err:       err,
		LastReply: reply.Raw,
		LastState: h.tracker.State(),
	}
}
