package grbl

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/arloliu/go-grbl/internal/pool"
	"github.com/arloliu/go-grbl/logger"
)

// Commands sent by the recovery sequences.
const (
	CmdUnlock            = "$X"
	CmdDisableSoftLimits = "$20=0"
	CmdAbsoluteMode      = "G90"
	CmdRelativeMode      = "G91"
)

// RecoveryAction names a corrective action, as reported to the echo side channel.
type RecoveryAction uint8

const (
	ActionUnlock RecoveryAction = iota + 1
	ActionHardClear
	ActionNudge
)

func (a RecoveryAction) String() string {
	switch a {
	case ActionUnlock:
		return "unlock"
	case ActionHardClear:
		return "hard clear"
	case ActionNudge:
		return "nudge"
	default:
		return "unknown"
	}
}

// NudgePolicy chooses the sign of the nudge move made after alarm 9 on a homing attempt.
// attempt is the 1-based number of the homing attempt that raised the alarm.
type NudgePolicy interface {
	Direction(axis string, attempt int) float64
}

// NudgePolicyFunc adapts a function to NudgePolicy.
type NudgePolicyFunc func(axis string, attempt int) float64

func (f NudgePolicyFunc) Direction(axis string, attempt int) float64 { return f(axis, attempt) }

// InitialDirection returns the configured direction of an axis, +1 or -1.
type InitialDirection func(axis string) float64

// TowardNegative is the InitialDirection of machines that home every axis toward negative.
func TowardNegative(string) float64 { return -1 }

// FixedNudge always nudges in the initial direction of the axis.
func FixedNudge(initial InitialDirection) NudgePolicy {
	if initial == nil {
		initial = TowardNegative
	}

	return NudgePolicyFunc(func(axis string, _ int) float64 {
		return sign(initial(axis))
	})
}

// AlternatingNudge uses the initial direction on the first attempt, then alternates: positive
// on even attempts and negative on odd ones.
func AlternatingNudge(initial InitialDirection) NudgePolicy {
	if initial == nil {
		initial = TowardNegative
	}

	return NudgePolicyFunc(func(axis string, attempt int) float64 {
		if attempt <= 1 {
			return sign(initial(axis))
		}
		if attempt%2 == 0 {
			return 1
		}

		return -1
	})
}

// ParseNudgePolicy returns the policy named "none", "fixed" or "alternating". "none" returns a
// nil policy.
func ParseNudgePolicy(name string, initial InitialDirection) (NudgePolicy, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return nil, nil
	case "fixed":
		return FixedNudge(initial), nil
	case "alternating":
		return AlternatingNudge(initial), nil
	default:
		return nil, fmt.Errorf("grbl: unknown nudge policy %q", name)
	}
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}

	return 1
}

// Recovery runs the fault clearing sequences on behalf of the dispatcher.
type Recovery struct {
	cfg     *Config
	disp    *Dispatcher
	tracker *StateTracker
	metrics *Metrics
	logger  logger.Logger
}

func newRecovery(cfg *Config, disp *Dispatcher, tracker *StateTracker, metrics *Metrics) *Recovery {
	return &Recovery{
		cfg:     cfg,
		disp:    disp,
		tracker: tracker,
		metrics: metrics,
		logger:  cfg.logger,
	}
}

// HardClear is the universal alarm clearing sequence: soft reset, settle, discard pending
// input, unlock, disable soft limits, absolute mode, then confirm the machine reports one of
// Idle, Run, Hold, Jog or Check.
//
// Failed steps are logged and the sequence goes on. The returned error reports the first
// failure; callers usually retry their own operation whatever it is.
func (r *Recovery) HardClear(ctx context.Context) error {
	r.metrics.incHardClearCount()
	r.event(ActionHardClear, "Ctrl-X, "+CmdUnlock+", "+CmdDisableSoftLimits+", "+CmdAbsoluteMode)

	var errs []error

	if err := r.disp.SoftReset(); err != nil {
		errs = append(errs, err)
	}

	if err := pool.Sleep(ctx, r.cfg.softResetSettle); err != nil {
		return err
	}

	if err := r.disp.link.ResetInputBuffer(); err != nil {
		r.logger.Warn("grbl: reset input buffer failed", "error", err)
	}
	// the flush may have eaten the greeting and the last reports
	r.tracker.reset()
	if dropped := r.disp.acks.Drain(); len(dropped) > 0 {
		r.metrics.addStaleAckCount(len(dropped))
		r.logger.Debug("grbl: dropped replies after soft reset", "count", len(dropped))
	}

	if err := r.step(ctx, CmdUnlock, r.cfg.unlockTimeout); err != nil {
		errs = append(errs, err)
	}
	if r.cfg.disableSoftLimits {
		if err := r.step(ctx, CmdDisableSoftLimits, r.cfg.unlockTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.step(ctx, CmdAbsoluteMode, r.cfg.modeTimeout); err != nil {
		errs = append(errs, err)
	}

	state, err := r.disp.WaitForState(ctx, r.cfg.recoveryConfirmTimeout,
		StateIdle, StateRun, StateHold, StateJog, StateCheck)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		r.logger.Warn("grbl: hard clear incomplete", "state", r.tracker.Snapshot().Label, "error", errors.Join(errs...))
		return fmt.Errorf("grbl: hard clear: %w", errs[0])
	}

	r.logger.Info("grbl: hard clear done", "state", state)

	return nil
}

// Unlock sends $X and confirms the machine left Alarm. It is the light clearing of alarms 8
// and 9 raised outside a homing macro or file stream.
func (r *Recovery) Unlock(ctx context.Context) error {
	r.metrics.incUnlockCount()
	r.event(ActionUnlock, CmdUnlock)

	if err := r.step(ctx, CmdUnlock, r.cfg.unlockTimeout); err != nil {
		return fmt.Errorf("grbl: unlock: %w", err)
	}

	state, err := r.disp.WaitForState(ctx, r.cfg.recoveryConfirmTimeout,
		StateIdle, StateRun, StateHold, StateJog, StateCheck)
	if err != nil {
		return fmt.Errorf("grbl: unlock: %w", err)
	}

	r.logger.Info("grbl: unlock done", "state", state)

	return nil
}

// RecoverAlarm clears the alarm a plain command was answered with. Alarms 8 and 9 are
// unlocked and fall back to HardClear when the unlock fails; any other alarm is hard cleared.
// It returns the last action taken.
func (r *Recovery) RecoverAlarm(ctx context.Context, alarm *AlarmError) (RecoveryAction, error) {
	if alarm.Recoverable() {
		err := r.Unlock(ctx)
		if err == nil {
			return ActionUnlock, nil
		}
		if ctx.Err() != nil {
			return ActionUnlock, ctx.Err()
		}
		r.logger.Warn("grbl: unlock failed, hard clearing", "alarm", alarm.Code, "error", err)
	}

	return ActionHardClear, r.HardClear(ctx)
}

// step sends one recovery command with a single attempt.
func (r *Recovery) step(ctx context.Context, cmd string, timeout time.Duration) error {
	if _, err := r.disp.SendCommand(ctx, cmd, timeout, 1); err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}

	return nil
}

// NudgeAxis moves axis by the signed distance in relative mode at feed, waits for Idle and
// restores absolute mode. It moves an axis off a triggered limit switch before homing again.
func (r *Recovery) NudgeAxis(ctx context.Context, axis string, distance, feed float64) error {
	axis = strings.ToUpper(axis)
	move := "G1 " + axis + formatNumber(distance) + " F" + formatNumber(feed)

	r.metrics.incNudgeCount()
	r.event(ActionNudge, move)

	if _, err := r.disp.SendCommand(ctx, CmdRelativeMode, r.cfg.modeTimeout, 1); err != nil {
		return fmt.Errorf("grbl: nudge %s: %w", axis, err)
	}

	// absolute mode must come back even when the move fails
	defer func() {
		if _, err := r.disp.SendCommand(ctx, CmdAbsoluteMode, r.cfg.modeTimeout, 1); err != nil {
			r.logger.Warn("grbl: restore absolute mode after nudge failed", "axis", axis, "error", err)
		}
	}()

	if _, err := r.disp.SendCommand(ctx, move, r.cfg.nudgeMoveTimeout, 1); err != nil {
		return fmt.Errorf("grbl: nudge %s: %w", axis, err)
	}

	if err := r.disp.WaitUntilIdle(ctx, r.cfg.nudgeIdleTimeout); err != nil {
		return fmt.Errorf("grbl: nudge %s: %w", axis, err)
	}

	return nil
}

// ClearAlarmIfNeeded runs HardClear when the last observed state is Alarm, then waits for Idle.
// It does nothing otherwise.
func (r *Recovery) ClearAlarmIfNeeded(ctx context.Context) error {
	if r.tracker.State() != StateAlarm {
		return nil
	}

	r.logger.Warn("grbl: alarm state detected, clearing")
	r.event(ActionHardClear, "alarm state detected")

	if err := r.HardClear(ctx); err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	if _, err := r.disp.WaitForState(ctx, r.cfg.alarmClearTimeout, StateIdle); err != nil {
		return fmt.Errorf("grbl: clear alarm: %w", err)
	}

	return nil
}

func (r *Recovery) event(action RecoveryAction, detail string) {
	r.cfg.echo(DirEvent, action.String()+": "+detail)
}

// formatNumber renders a G-code number without exponent or trailing zeros.
func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
