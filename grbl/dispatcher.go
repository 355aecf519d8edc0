package grbl

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/arloliu/go-grbl/internal/pool"
	"github.com/arloliu/go-grbl/link"
	"github.com/arloliu/go-grbl/logger"
)

// Realtime command bytes. They bypass the controller's line buffer and get no reply.
const (
	StatusQueryByte = '?'
	SoftResetByte   = 0x18
)

// Dispatcher owns the command side of the link: it writes one command at a time and waits
// for its reply. Its methods must only be called from the session's dispatcher goroutine.
type Dispatcher struct {
	cfg     *Config
	link    link.Link
	acks    *AckChannel
	tracker *StateTracker
	metrics *Metrics
	logger  logger.Logger
}

func newDispatcher(cfg *Config, l link.Link, acks *AckChannel, tracker *StateTracker, metrics *Metrics) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		link:    l,
		acks:    acks,
		tracker: tracker,
		metrics: metrics,
		logger:  cfg.logger,
	}
}

// SendCommand writes text and waits up to timeoutPerTry for its reply, making at most maxTries
// attempts. Only an ok reply ends the attempts early.
//
// The error is nil only for an ok reply. Otherwise it is the outcome of the last attempt: an
// *AlarmError, a *ProtocolError, ErrTimeout, or an error wrapping ErrTransport. The returned
// Reply is the last reply received, if any. SendCommand never starts a recovery.
func (d *Dispatcher) SendCommand(ctx context.Context, text string, timeoutPerTry time.Duration, maxTries int) (Reply, error) {
	if maxTries < 1 {
		maxTries = 1
	}

	line := strings.TrimRight(text, "\r\n")

	var (
		last    Reply
		lastErr error
	)

	for attempt := 1; attempt <= maxTries; attempt++ {
		if attempt > 1 {
			d.metrics.incCommandRetryCount()
			if err := pool.Sleep(ctx, d.cfg.retryDelay); err != nil {
				return last, err
			}
		}

		d.logger.Debug("grbl: send command", "command", line, "attempt", attempt, "max_tries", maxTries)

		reply, err := d.transact(ctx, line, timeoutPerTry)
		if err == nil {
			return reply, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return last, ctxErr
		}

		if reply.Kind != 0 {
			last = reply
		}
		lastErr = err

		d.logger.Warn("grbl: command attempt failed",
			"command", line, "attempt", attempt, "max_tries", maxTries, "error", err)
	}

	return last, lastErr
}

// transact performs one attempt: drop unclaimed replies, write, and wait for the next reply.
// A pending alarm is the outcome of the attempt and nothing is written.
func (d *Dispatcher) transact(ctx context.Context, line string, timeout time.Duration) (Reply, error) {
	if alarm, found := d.discardStale(); found {
		return alarm, replyError(alarm)
	}

	if err := d.writeLine(line); err != nil {
		return Reply{}, err
	}

	reply, err := d.acks.Receive(ctx, timeout)
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			d.metrics.incCommandTimeoutCount()
			d.logger.Warn("grbl: no reply", "command", line, "timeout", timeout)
		}

		return Reply{}, err
	}

	if !reply.IsOK() {
		return reply, replyError(reply)
	}

	return reply, nil
}

// discardStale drops replies nobody waited for, e.g. the late reply of a timed out attempt.
// Alarms are kept: a motion alarm arrives after the ok of the line that raised it. The last
// alarm found is returned.
func (d *Dispatcher) discardStale() (Reply, bool) {
	var (
		alarm   Reply
		found   bool
		dropped int
	)

	for _, r := range d.acks.Drain() {
		if r.Kind == ReplyAlarm {
			alarm, found = r, true
			continue
		}
		dropped++
		d.logger.Warn("grbl: discard stale reply", "reply", r.Raw)
	}

	if dropped > 0 {
		d.metrics.addStaleAckCount(dropped)
	}
	if found {
		d.logger.Warn("grbl: pending alarm before send", "reply", alarm.Raw)
	}

	return alarm, found
}

func (d *Dispatcher) writeLine(line string) error {
	d.cfg.echo(DirOutbound, line)

	if _, err := d.link.Write([]byte(line + "\n")); err != nil {
		d.metrics.incWriteErrCount()
		d.logger.Error("grbl: write command failed", "command", line, "error", err)

		return fmt.Errorf("%w: %w", ErrTransport, err)
	}

	d.metrics.incCommandSendCount()

	return nil
}

// RequestStatus writes the status query byte. Failures are logged only.
func (d *Dispatcher) RequestStatus() {
	d.metrics.incStatusRequestCount()

	if _, err := d.link.Write([]byte{StatusQueryByte}); err != nil {
		d.metrics.incWriteErrCount()
		d.logger.Warn("grbl: status request failed", "error", err)
	}
}

// SoftReset writes the soft reset byte.
func (d *Dispatcher) SoftReset() error {
	d.cfg.echo(DirEvent, "soft reset (Ctrl-X)")
	d.logger.Info("grbl: soft reset")

	if _, err := d.link.Write([]byte{SoftResetByte}); err != nil {
		d.metrics.incWriteErrCount()
		return fmt.Errorf("%w: soft reset: %w", ErrTransport, err)
	}

	if err := d.link.Drain(); err != nil {
		d.logger.Warn("grbl: drain after soft reset failed", "error", err)
	}

	return nil
}

// WaitUntilIdle waits until the machine is confirmed Idle.
//
// Only status reports received after the wait started count. Once Idle is observed, a further
// poll cycle elapses, status is requested again and Idle must be reported a second time.
// It returns an error wrapping ErrStateTimeout on timeout and one wrapping ErrAlarmState when
// the machine reports Alarm.
func (d *Dispatcher) WaitUntilIdle(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	since := d.tracker.Seq()
	d.RequestStatus()

	for {
		if err := pool.Sleep(ctx, d.cfg.pollInterval); err != nil {
			return err
		}

		snap := d.tracker.Snapshot()
		if snap.Seq > since {
			switch snap.State {
			case StateIdle:
				confirmed, err := d.confirmState(ctx, StateIdle)
				if err != nil {
					return err
				}
				if confirmed {
					return nil
				}
			case StateAlarm:
				d.logger.Warn("grbl: alarm while waiting for Idle", "label", snap.Label)
				return fmt.Errorf("%w: while waiting for Idle", ErrAlarmState)
			}
		}

		if !time.Now().Before(deadline) {
			last := d.tracker.Snapshot()
			d.logger.Warn("grbl: timed out waiting for Idle", "timeout", timeout, "last_state", last.Label)

			return fmt.Errorf("%w: not Idle after %s, last state %s", ErrStateTimeout, timeout, last.Label)
		}

		d.RequestStatus()
	}
}

// WaitForState waits until the machine is confirmed in one of states and returns it.
// It uses the same fresh-report and double confirmation rules as WaitUntilIdle.
func (d *Dispatcher) WaitForState(ctx context.Context, timeout time.Duration, states ...MachineState) (MachineState, error) {
	if len(states) == 0 {
		return StateUnknown, errors.New("grbl: no target state")
	}

	deadline := time.Now().Add(timeout)
	since := d.tracker.Seq()
	d.RequestStatus()

	for {
		if err := pool.Sleep(ctx, d.cfg.pollInterval); err != nil {
			return StateUnknown, err
		}

		snap := d.tracker.Snapshot()
		if snap.Seq > since && slices.Contains(states, snap.State) {
			confirmed, err := d.confirmState(ctx, states...)
			if err != nil {
				return StateUnknown, err
			}
			if confirmed {
				return d.tracker.State(), nil
			}
		}

		if !time.Now().Before(deadline) {
			last := d.tracker.Snapshot()
			d.logger.Warn("grbl: timed out waiting for state",
				"targets", stateNames(states), "timeout", timeout, "last_state", last.Label)

			return last.State, fmt.Errorf("%w: none of %v after %s, last state %s",
				ErrStateTimeout, stateNames(states), timeout, last.Label)
		}

		d.RequestStatus()
	}
}

// WaitMotionComplete waits for a motion to finish. It first polls until the machine leaves
// Idle or leaveIdle elapses, since short moves may end before the first poll. Then it waits
// up to finish for a confirmed Idle.
func (d *Dispatcher) WaitMotionComplete(ctx context.Context, leaveIdle, finish time.Duration) error {
	deadline := time.Now().Add(leaveIdle)
	since := d.tracker.Seq()
	d.RequestStatus()

	for time.Now().Before(deadline) {
		if err := pool.Sleep(ctx, d.cfg.pollInterval); err != nil {
			return err
		}

		snap := d.tracker.Snapshot()
		if snap.Seq > since && snap.State != StateIdle && snap.State != StateUnknown {
			d.logger.Debug("grbl: motion started", "state", snap.Label)
			break
		}

		d.RequestStatus()
	}

	return d.WaitUntilIdle(ctx, finish)
}

// confirmState lets a poll cycle pass, requests status again and reports whether a fresh
// report is in states.
func (d *Dispatcher) confirmState(ctx context.Context, states ...MachineState) (bool, error) {
	if err := pool.Sleep(ctx, d.cfg.pollInterval); err != nil {
		return false, err
	}

	since := d.tracker.Seq()
	d.RequestStatus()

	// the confirming report must be newer than the re-request
	waited := time.Duration(0)
	for {
		if err := pool.Sleep(ctx, d.cfg.confirmSettle); err != nil {
			return false, err
		}
		waited += d.cfg.confirmSettle

		snap := d.tracker.Snapshot()
		if snap.Seq > since {
			return slices.Contains(states, snap.State), nil
		}
		if waited >= d.cfg.pollInterval {
			d.logger.Debug("grbl: no fresh status for confirmation")
			return false, nil
		}
	}
}

func stateNames(states []MachineState) []string {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = s.String()
	}

	return names
}
