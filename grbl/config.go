package grbl

import (
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/go-grbl/logger"
)

// Default timing and retry values, taken from the field-tested host tools for FluidNC boards.
const (
	DefaultAckTimeout    = 12 * time.Second
	DefaultLineRetries   = 1
	DefaultRetryDelay    = 200 * time.Millisecond
	DefaultPollInterval  = 250 * time.Millisecond
	DefaultConfirmSettle = 20 * time.Millisecond

	DefaultHomingTries       = 5
	DefaultMoveTries         = 3
	DefaultHomingAckTimeout  = 20 * time.Second
	DefaultHomingStartWindow = 3 * time.Second

	DefaultMotionLeaveIdle   = 2 * time.Second
	DefaultMotionFinish      = 300 * time.Second
	DefaultStreamIdleTimeout = 10 * time.Second

	DefaultSoftResetSettle        = 300 * time.Millisecond
	DefaultUnlockTimeout          = 6 * time.Second
	DefaultModeTimeout            = 3 * time.Second
	DefaultRecoveryConfirmTimeout = 3 * time.Second
	DefaultAlarmClearTimeout      = 10 * time.Second
	DefaultNudgeMoveTimeout       = 15 * time.Second
	DefaultNudgeIdleTimeout       = 20 * time.Second

	DefaultNudgeDistance = 1.0
	DefaultNudgeFeed     = 1000.0

	DefaultAckQueueSize  = 256
	DefaultWorkQueueSize = 1024

	DefaultReadTimeout      = 100 * time.Millisecond
	DefaultReadErrorBackoff = 50 * time.Millisecond
	DefaultCloseGrace       = 1 * time.Second
	DefaultWakeSettle       = 1500 * time.Millisecond

	DefaultFinalLeaveIdle = 1 * time.Second
	DefaultFinalFinish    = 600 * time.Second
)

const (
	MaxTries       = 100
	MaxQueueSize   = 1 << 20
	MaxNudgeFeed   = 100000.0
	MaxNudgeLength = 100.0
)

// StreamErrorPolicy decides what the file streamer does with a line the device rejected with
// error:N, or that never got a reply after every retry.
type StreamErrorPolicy uint8

const (
	// StreamAdvance logs the failed line and continues with the next one.
	StreamAdvance StreamErrorPolicy = iota
	// StreamAbort aborts the stream on the first failed line.
	StreamAbort
)

func (p StreamErrorPolicy) String() string {
	switch p {
	case StreamAdvance:
		return "advance"
	case StreamAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// ParseStreamErrorPolicy converts "advance" or "abort" into a StreamErrorPolicy.
func ParseStreamErrorPolicy(name string) (StreamErrorPolicy, error) {
	switch name {
	case "advance", "":
		return StreamAdvance, nil
	case "abort":
		return StreamAbort, nil
	default:
		return StreamAdvance, fmt.Errorf("grbl: unknown stream error policy %q", name)
	}
}

// Config holds the configuration of a Session.
type Config struct {
	ackTimeout    time.Duration
	lineRetries   int
	retryDelay    time.Duration
	pollInterval  time.Duration
	confirmSettle time.Duration

	homingTries       int
	moveTries         int
	homingAckTimeout  time.Duration
	homingStartWindow time.Duration
	homingMacro       []Step

	motionLeaveIdle   time.Duration
	motionFinish      time.Duration
	streamIdleTimeout time.Duration

	// recovery
	softResetSettle        time.Duration
	unlockTimeout          time.Duration
	modeTimeout            time.Duration
	recoveryConfirmTimeout time.Duration
	alarmClearTimeout      time.Duration
	disableSoftLimits      bool
	nudgeDistance          float64
	nudgeFeed              float64
	nudgePolicy            NudgePolicy
	nudgeMoveTimeout       time.Duration
	nudgeIdleTimeout       time.Duration

	streamErrorPolicy StreamErrorPolicy

	ackQueueSize  int
	workQueueSize int

	readTimeout      time.Duration
	readErrorBackoff time.Duration
	closeGrace       time.Duration
	closeLink        bool

	wake       bool
	wakeSettle time.Duration

	finalDrain     bool
	finalLeaveIdle time.Duration
	finalFinish    time.Duration

	echo   EchoFunc
	logger logger.Logger
}

// NewConfig creates a Config with the defaults, then applies opts in order.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		ackTimeout:             DefaultAckTimeout,
		lineRetries:            DefaultLineRetries,
		retryDelay:             DefaultRetryDelay,
		pollInterval:           DefaultPollInterval,
		confirmSettle:          DefaultConfirmSettle,
		homingTries:            DefaultHomingTries,
		moveTries:              DefaultMoveTries,
		homingAckTimeout:       DefaultHomingAckTimeout,
		homingStartWindow:      DefaultHomingStartWindow,
		homingMacro:            DefaultHomingMacro(),
		motionLeaveIdle:        DefaultMotionLeaveIdle,
		motionFinish:           DefaultMotionFinish,
		streamIdleTimeout:      DefaultStreamIdleTimeout,
		softResetSettle:        DefaultSoftResetSettle,
		unlockTimeout:          DefaultUnlockTimeout,
		modeTimeout:            DefaultModeTimeout,
		recoveryConfirmTimeout: DefaultRecoveryConfirmTimeout,
		alarmClearTimeout:      DefaultAlarmClearTimeout,
		disableSoftLimits:      true,
		nudgeDistance:          DefaultNudgeDistance,
		nudgeFeed:              DefaultNudgeFeed,
		nudgeMoveTimeout:       DefaultNudgeMoveTimeout,
		nudgeIdleTimeout:       DefaultNudgeIdleTimeout,
		streamErrorPolicy:      StreamAdvance,
		ackQueueSize:           DefaultAckQueueSize,
		workQueueSize:          DefaultWorkQueueSize,
		readTimeout:            DefaultReadTimeout,
		readErrorBackoff:       DefaultReadErrorBackoff,
		closeGrace:             DefaultCloseGrace,
		closeLink:              true,
		wake:                   true,
		wakeSettle:             DefaultWakeSettle,
		finalDrain:             true,
		finalLeaveIdle:         DefaultFinalLeaveIdle,
		finalFinish:            DefaultFinalFinish,
		echo:                   nopEcho,
		logger:                 logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// --- Getters ---

// AckTimeout returns the reply timeout of a plain command or file line.
func (cfg *Config) AckTimeout() time.Duration { return cfg.ackTimeout }

// LineRetries returns the number of extra attempts for a command or file line.
func (cfg *Config) LineRetries() int { return cfg.lineRetries }

func (cfg *Config) RetryDelay() time.Duration    { return cfg.retryDelay }
func (cfg *Config) PollInterval() time.Duration  { return cfg.pollInterval }
func (cfg *Config) ConfirmSettle() time.Duration { return cfg.confirmSettle }

// HomingTries returns the number of attempts per homing step.
func (cfg *Config) HomingTries() int { return cfg.homingTries }

// MoveTries returns the number of attempts per positioning step of the homing macro.
func (cfg *Config) MoveTries() int { return cfg.moveTries }

func (cfg *Config) HomingAckTimeout() time.Duration  { return cfg.homingAckTimeout }
func (cfg *Config) HomingStartWindow() time.Duration { return cfg.homingStartWindow }

// HomingMacro returns a copy of the step list run for the home macro command.
func (cfg *Config) HomingMacro() []Step { return append([]Step(nil), cfg.homingMacro...) }

func (cfg *Config) MotionLeaveIdle() time.Duration   { return cfg.motionLeaveIdle }
func (cfg *Config) MotionFinish() time.Duration      { return cfg.motionFinish }
func (cfg *Config) StreamIdleTimeout() time.Duration { return cfg.streamIdleTimeout }

func (cfg *Config) SoftResetSettle() time.Duration        { return cfg.softResetSettle }
func (cfg *Config) UnlockTimeout() time.Duration          { return cfg.unlockTimeout }
func (cfg *Config) ModeTimeout() time.Duration            { return cfg.modeTimeout }
func (cfg *Config) RecoveryConfirmTimeout() time.Duration { return cfg.recoveryConfirmTimeout }
func (cfg *Config) AlarmClearTimeout() time.Duration      { return cfg.alarmClearTimeout }

// DisableSoftLimits reports whether hard clear sends $20=0.
func (cfg *Config) DisableSoftLimits() bool { return cfg.disableSoftLimits }

func (cfg *Config) NudgeDistance() float64 { return cfg.nudgeDistance }
func (cfg *Config) NudgeFeed() float64     { return cfg.nudgeFeed }

// NudgeMoveTimeout returns the reply timeout of the nudge move.
func (cfg *Config) NudgeMoveTimeout() time.Duration { return cfg.nudgeMoveTimeout }

// NudgeIdleTimeout returns how long a nudge waits for Idle after its move.
func (cfg *Config) NudgeIdleTimeout() time.Duration { return cfg.nudgeIdleTimeout }

// NudgePolicy returns the nudge direction policy, nil when nudging is disabled.
func (cfg *Config) NudgePolicy() NudgePolicy { return cfg.nudgePolicy }

func (cfg *Config) StreamErrorPolicy() StreamErrorPolicy { return cfg.streamErrorPolicy }

func (cfg *Config) AckQueueSize() int  { return cfg.ackQueueSize }
func (cfg *Config) WorkQueueSize() int { return cfg.workQueueSize }

func (cfg *Config) ReadTimeout() time.Duration { return cfg.readTimeout }
func (cfg *Config) CloseGrace() time.Duration  { return cfg.closeGrace }

// CloseLink reports whether Session.Close closes the link.
func (cfg *Config) CloseLink() bool { return cfg.closeLink }

// Wake reports whether Session.Open wakes the controller before starting.
func (cfg *Config) Wake() bool                { return cfg.wake }
func (cfg *Config) WakeSettle() time.Duration { return cfg.wakeSettle }

// FinalDrain reports whether the end of input waits for motion to complete.
func (cfg *Config) FinalDrain() bool { return cfg.finalDrain }

// GetLogger returns the configured logger.
func (cfg *Config) GetLogger() logger.Logger { return cfg.logger }

// --- Option ---

// Option is a functional option for configuring a Config.
type Option interface {
	apply(*Config) error
}

type optFunc func(*Config) error

func (f optFunc) apply(cfg *Config) error { return f(cfg) }

func validateDuration(name string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("grbl: %s must be positive, got %s", name, d)
	}

	return nil
}

func validateTries(name string, n, min int) error {
	if n < min || n > MaxTries {
		return fmt.Errorf("grbl: %s %d out of range [%d, %d]", name, n, min, MaxTries)
	}

	return nil
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(cfg *Config) error {
		if l == nil {
			return errors.New("grbl: logger is nil")
		}
		cfg.logger = l

		return nil
	})
}

// WithEcho sets the traffic observer. A nil fn disables echo.
func WithEcho(fn EchoFunc) Option {
	return optFunc(func(cfg *Config) error {
		if fn == nil {
			fn = nopEcho
		}
		cfg.echo = fn

		return nil
	})
}

// WithAckTimeout sets the reply timeout of a plain command or file line.
func WithAckTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if err := validateDuration("ack timeout", d); err != nil {
			return err
		}
		cfg.ackTimeout = d

		return nil
	})
}

// WithLineRetries sets the number of extra attempts for a command or file line.
func WithLineRetries(n int) Option {
	return optFunc(func(cfg *Config) error {
		if err := validateTries("line retries", n, 0); err != nil {
			return err
		}
		cfg.lineRetries = n

		return nil
	})
}

// WithRetryDelay sets the delay between two attempts of a command.
func WithRetryDelay(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < 0 {
			return fmt.Errorf("grbl: retry delay must not be negative, got %s", d)
		}
		cfg.retryDelay = d

		return nil
	})
}

// WithPollInterval sets the status poll period and the confirmation settle time.
func WithPollInterval(poll, settle time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if err := validateDuration("poll interval", poll); err != nil {
			return err
		}
		if err := validateDuration("confirm settle", settle); err != nil {
			return err
		}
		if settle > poll {
			return fmt.Errorf("grbl: confirm settle %s exceeds poll interval %s", settle, poll)
		}
		cfg.pollInterval = poll
		cfg.confirmSettle = settle

		return nil
	})
}

// WithHomingTries sets the number of attempts per homing step.
func WithHomingTries(n int) Option {
	return optFunc(func(cfg *Config) error {
		if err := validateTries("homing tries", n, 1); err != nil {
			return err
		}
		cfg.homingTries = n

		return nil
	})
}

// WithMoveTries sets the number of attempts per positioning step.
func WithMoveTries(n int) Option {
	return optFunc(func(cfg *Config) error {
		if err := validateTries("move tries", n, 1); err != nil {
			return err
		}
		cfg.moveTries = n

		return nil
	})
}

// WithHomingTimeouts sets the reply timeout of homing and positioning steps and the window in
// which a homing command must show that it started.
func WithHomingTimeouts(ack, startWindow time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if err := validateDuration("homing ack timeout", ack); err != nil {
			return err
		}
		if err := validateDuration("homing start window", startWindow); err != nil {
			return err
		}
		cfg.homingAckTimeout = ack
		cfg.homingStartWindow = startWindow

		return nil
	})
}

// WithHomingMacro replaces the step list run for the home macro command.
func WithHomingMacro(steps ...Step) Option {
	return optFunc(func(cfg *Config) error {
		if len(steps) == 0 {
			return errors.New("grbl: homing macro is empty")
		}
		for i, step := range steps {
			if err := step.validate(); err != nil {
				return fmt.Errorf("grbl: homing macro step %d: %w", i+1, err)
			}
		}
		cfg.homingMacro = append([]Step(nil), steps...)

		return nil
	})
}

// WithMotionTimeouts sets how long a motion wait looks for the machine to leave Idle and how
// long it then waits for Idle again.
func WithMotionTimeouts(leaveIdle, finish time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if err := validateDuration("motion leave idle timeout", leaveIdle); err != nil {
			return err
		}
		if err := validateDuration("motion finish timeout", finish); err != nil {
			return err
		}
		cfg.motionLeaveIdle = leaveIdle
		cfg.motionFinish = finish

		return nil
	})
}

// WithStreamIdleTimeout sets the Idle wait before a file stream starts.
func WithStreamIdleTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if err := validateDuration("stream idle timeout", d); err != nil {
			return err
		}
		cfg.streamIdleTimeout = d

		return nil
	})
}

// WithRecoveryTimeouts sets the timings of the hard clear sequence: the settle after the
// soft reset, the unlock reply timeout, the mode command reply timeout, the final state
// confirmation and the Idle wait after an alarm clear.
func WithRecoveryTimeouts(settle, unlock, mode, confirm, alarmClear time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if settle < 0 {
			return fmt.Errorf("grbl: soft reset settle must not be negative, got %s", settle)
		}
		for name, d := range map[string]time.Duration{
			"unlock timeout":           unlock,
			"mode timeout":             mode,
			"recovery confirm timeout": confirm,
			"alarm clear timeout":      alarmClear,
		} {
			if err := validateDuration(name, d); err != nil {
				return err
			}
		}
		cfg.softResetSettle = settle
		cfg.unlockTimeout = unlock
		cfg.modeTimeout = mode
		cfg.recoveryConfirmTimeout = confirm
		cfg.alarmClearTimeout = alarmClear

		return nil
	})
}

// WithDisableSoftLimits sets whether hard clear disables soft limits with $20=0.
func WithDisableSoftLimits(disable bool) Option {
	return optFunc(func(cfg *Config) error {
		cfg.disableSoftLimits = disable
		return nil
	})
}

// WithNudge enables the axis nudge after alarm 9 during homing. distance is the unsigned nudge
// length; the sign comes from policy.
func WithNudge(policy NudgePolicy, distance, feed float64) Option {
	return optFunc(func(cfg *Config) error {
		if policy == nil {
			return errors.New("grbl: nudge policy is nil")
		}
		if distance <= 0 || distance > MaxNudgeLength {
			return fmt.Errorf("grbl: nudge distance %g out of range (0, %g]", distance, MaxNudgeLength)
		}
		if feed <= 0 || feed > MaxNudgeFeed {
			return fmt.Errorf("grbl: nudge feed %g out of range (0, %g]", feed, MaxNudgeFeed)
		}
		cfg.nudgePolicy = policy
		cfg.nudgeDistance = distance
		cfg.nudgeFeed = feed

		return nil
	})
}

// WithNudgeTimeouts sets the reply timeout of the nudge move and the Idle wait after it.
func WithNudgeTimeouts(move, idle time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if err := validateDuration("nudge move timeout", move); err != nil {
			return err
		}
		if err := validateDuration("nudge idle timeout", idle); err != nil {
			return err
		}
		cfg.nudgeMoveTimeout = move
		cfg.nudgeIdleTimeout = idle

		return nil
	})
}

// WithStreamErrorPolicy sets what happens to a file line that failed without an alarm.
func WithStreamErrorPolicy(p StreamErrorPolicy) Option {
	return optFunc(func(cfg *Config) error {
		if p != StreamAdvance && p != StreamAbort {
			return fmt.Errorf("grbl: invalid stream error policy %d", p)
		}
		cfg.streamErrorPolicy = p

		return nil
	})
}

// WithQueueSizes sets the capacity of the ack channel and of the work queue.
func WithQueueSizes(ack, work int) Option {
	return optFunc(func(cfg *Config) error {
		if ack < 1 || ack > MaxQueueSize {
			return fmt.Errorf("grbl: ack queue size %d out of range [1, %d]", ack, MaxQueueSize)
		}
		if work < 1 || work > MaxQueueSize {
			return fmt.Errorf("grbl: work queue size %d out of range [1, %d]", work, MaxQueueSize)
		}
		cfg.ackQueueSize = ack
		cfg.workQueueSize = work

		return nil
	})
}

// WithReadTimeout sets the link read timeout of the receiver loop. It bounds how long the
// receiver takes to notice a shutdown.
func WithReadTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if err := validateDuration("read timeout", d); err != nil {
			return err
		}
		cfg.readTimeout = d

		return nil
	})
}

// WithCloseGrace sets how long Close waits for the loops to terminate.
func WithCloseGrace(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if err := validateDuration("close grace", d); err != nil {
			return err
		}
		cfg.closeGrace = d

		return nil
	})
}

// WithCloseLink sets whether Close closes the link. Keeping a serial port open avoids the
// controller reset some USB adapters trigger on close.
func WithCloseLink(closeLink bool) Option {
	return optFunc(func(cfg *Config) error {
		cfg.closeLink = closeLink
		return nil
	})
}

// WithWake sets whether Open wakes the controller and how long it then waits before
// discarding the greeting.
func WithWake(wake bool, settle time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if wake {
			if err := validateDuration("wake settle", settle); err != nil {
				return err
			}
			cfg.wakeSettle = settle
		}
		cfg.wake = wake

		return nil
	})
}

// WithFinalDrain sets whether the end of input waits for motion to complete, and its timings.
func WithFinalDrain(enabled bool, leaveIdle, finish time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if enabled {
			if err := validateDuration("final leave idle timeout", leaveIdle); err != nil {
				return err
			}
			if err := validateDuration("final finish timeout", finish); err != nil {
				return err
			}
			cfg.finalLeaveIdle = leaveIdle
			cfg.finalFinish = finish
		}
		cfg.finalDrain = enabled

		return nil
	})
}
