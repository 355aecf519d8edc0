package grbl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-grbl/internal/pool"
	"github.com/arloliu/go-grbl/internal/task"
	"github.com/arloliu/go-grbl/link"
	"github.com/arloliu/go-grbl/logger"
)

// wakeSequence is written on open to flush a half-received line on the controller side.
var wakeSequence = []byte("\r\n\r\n")

// Session drives one controller over one link.
//
// It runs a receiver loop and a dispatcher loop. Commands enqueued by a producer are executed
// by the dispatcher in order, one at a time. A failed homing macro or file stream raises the
// stop signal: the dispatcher exits, queued commands are discarded and Err reports the cause.
type Session struct {
	cfg    *Config
	link   link.Link
	logger logger.Logger

	tracker *StateTracker
	acks    *AckChannel
	work    chan Command
	metrics *Metrics

	receiver *Receiver
	disp     *Dispatcher
	recovery *Recovery
	homing   *HomingSequencer
	streamer *FileStreamer

	taskMgr *task.Manager
	opState AtomicOpState

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
	doneOnce sync.Once

	dispatcherStarted atomic.Bool
	inputClosed       atomic.Bool
	finished          atomic.Bool
	closeOnce         sync.Once

	errMu sync.Mutex
	err   error
}

// NewSession creates a session over l. A nil cfg uses the defaults.
// The session is bound to ctx: cancelling it stops both loops.
func NewSession(ctx context.Context, l link.Link, cfg *Config) (*Session, error) {
	if l == nil {
		return nil, ErrNilLink
	}

	if cfg == nil {
		var err error
		if cfg, err = NewConfig(); err != nil {
			return nil, err
		}
	}

	s := &Session{
		cfg:     cfg,
		link:    l,
		logger:  cfg.logger,
		tracker: NewStateTracker(),
		acks:    NewAckChannel(cfg.ackQueueSize),
		work:    make(chan Command, cfg.workQueueSize),
		metrics: newMetrics(),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	s.receiver = newReceiver(cfg, l, s.acks, s.tracker, s.metrics)
	s.disp = newDispatcher(cfg, l, s.acks, s.tracker, s.metrics)
	s.recovery = newRecovery(cfg, s.disp, s.tracker, s.metrics)
	s.homing = newHomingSequencer(cfg, s.disp, s.recovery, s.tracker)
	s.streamer = newFileStreamer(cfg, s.disp, s.recovery, s.metrics)
	s.taskMgr = task.NewManager(ctx, cfg.logger)

	return s, nil
}

// Open wakes the controller (unless disabled) and starts the receiver and dispatcher loops.
func (s *Session) Open() error {
	if !s.opState.ToOpening() {
		return fmt.Errorf("grbl: cannot open session in %s state", s.opState.String())
	}

	if s.cfg.wake {
		if err := s.wake(); err != nil {
			s.opState.Set(ClosedState)
			return err
		}
	}

	if err := s.taskMgr.Start("receiver", s.receiver.step, nil); err != nil {
		s.opState.Set(ClosedState)
		return err
	}

	if err := s.taskMgr.Start("dispatcher", s.dispatchStep, s.onDispatcherExit); err != nil {
		s.opState.Set(ClosedState)
		return err
	}
	s.dispatcherStarted.Store(true)

	s.opState.ToOpened()
	s.logger.Info("grbl: session opened")

	return nil
}

// wake discards stale input, sends blank lines and waits for the controller to settle.
func (s *Session) wake() error {
	s.logger.Debug("grbl: wake controller", "settle", s.cfg.wakeSettle)

	if err := s.link.ResetInputBuffer(); err != nil {
		s.logger.Warn("grbl: reset input buffer failed", "error", err)
	}

	if _, err := s.link.Write(wakeSequence); err != nil {
		return fmt.Errorf("%w: wake: %w", ErrTransport, err)
	}
	if err := s.link.Drain(); err != nil {
		s.logger.Warn("grbl: drain failed", "error", err)
	}

	if err := pool.Sleep(s.taskMgr.Context(), s.cfg.wakeSettle); err != nil {
		return err
	}

	if err := s.link.ResetInputBuffer(); err != nil {
		s.logger.Warn("grbl: reset input buffer failed", "error", err)
	}
	s.tracker.reset()

	return nil
}

// Enqueue appends cmd to the work queue. It blocks while the queue is full.
// It returns ErrSessionClosed after CloseInput and ErrSessionStopped once the session stopped.
func (s *Session) Enqueue(ctx context.Context, cmd Command) error {
	if s.inputClosed.Load() {
		return ErrSessionClosed
	}

	select {
	case <-s.stopCh:
		return ErrSessionStopped
	case <-s.doneCh:
		return ErrSessionStopped
	default:
	}

	select {
	case s.work <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopCh:
		return ErrSessionStopped
	case <-s.doneCh:
		return ErrSessionStopped
	}
}

// CloseInput appends the end of input sentinel. The dispatcher finishes the queued work, then
// exits. Further calls have no effect.
func (s *Session) CloseInput() {
	if !s.inputClosed.CompareAndSwap(false, true) {
		return
	}

	select {
	case s.work <- EndOfInput():
	case <-s.stopCh:
	case <-s.doneCh:
	}
}

// Feed reads producer lines from r, enqueues them, and closes the input when r is exhausted.
// Blank lines are ignored and the tokens %%HOME, %%RESET and %%STREAM <path> map to their
// commands. Input left after the session stopped is discarded and ErrSessionStopped returned.
func (s *Session) Feed(ctx context.Context, r io.Reader) error {
	defer s.CloseInput()

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		cmd, ok := ParseCommand(scanner.Text())
		if !ok {
			continue
		}

		if err := s.Enqueue(ctx, cmd); err != nil {
			return err
		}
	}

	return scanner.Err()
}

// Wait blocks until the dispatcher has exited and returns Err, or ctx.Err() if ctx ends first.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.doneCh:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the dispatcher has exited.
func (s *Session) Done() <-chan struct{} {
	return s.doneCh
}

// Close raises the stop signal, joins both loops within the close grace and closes the link
// when configured to.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.doClose()
	})

	return err
}

func (s *Session) doClose() error {
	s.opState.ToClosing()
	s.signalStop()
	s.taskMgr.Stop()

	var errs []error
	if !s.taskMgr.Wait(s.cfg.closeGrace) {
		errs = append(errs, errors.New("grbl: close session timeout"))
	}

	if !s.dispatcherStarted.Load() {
		s.closeDone()
	}

	if s.cfg.closeLink {
		if err := s.link.Close(); err != nil && !errors.Is(err, link.ErrClosed) {
			errs = append(errs, fmt.Errorf("grbl: close link: %w", err))
		}
	}

	s.opState.Set(ClosedState)
	s.logger.Info("grbl: session closed", s.metrics.KeyValues()...)

	return errors.Join(errs...)
}

// Stopped reports whether the stop signal was raised.
func (s *Session) Stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// Err returns the reason the session stopped, or nil after a normal end of input.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()

	return s.err
}

// State returns the last observed machine state.
func (s *Session) State() MachineState { return s.tracker.State() }

// Snapshot returns the last machine state observation.
func (s *Session) Snapshot() Snapshot { return s.tracker.Snapshot() }

// Metrics returns the session counters.
func (s *Session) Metrics() *Metrics { return s.metrics }

// Config returns the session configuration.
func (s *Session) Config() *Config { return s.cfg }

// OpState returns the lifecycle state.
func (s *Session) OpState() OpState { return s.opState.Get() }

// dispatchStep executes one queued command. It returns false when the dispatcher must exit.
func (s *Session) dispatchStep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-s.stopCh:
		return false
	case cmd := <-s.work:
		if s.Stopped() {
			s.logger.Warn("grbl: session stopped, discard command", "command", cmd.String())
			return false
		}

		return s.execute(ctx, cmd)
	}
}

// sendLine sends a producer line with up to 1+LineRetries attempts. An alarm reply is cleared
// before the next attempt; after a fatal alarm the line is given up once cleared. A line that
// still fails is logged and the dispatcher goes on.
func (s *Session) sendLine(ctx context.Context, text string) bool {
	maxAttempts := 1 + s.cfg.lineRetries

	var (
		last    Reply
		lastErr error
	)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			s.metrics.incCommandRetryCount()
			if err := pool.Sleep(ctx, s.cfg.retryDelay); err != nil {
				return false
			}
		}

		reply, err := s.disp.SendCommand(ctx, text, s.cfg.ackTimeout, 1)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		if reply.Kind != 0 {
			last = reply
		}
		lastErr = err

		var alarm *AlarmError
		if !errors.As(err, &alarm) {
			continue
		}

		s.logger.Warn("grbl: alarm on line", "command", text, "alarm", alarm.Code, "attempt", attempt)

		action, rerr := s.recovery.RecoverAlarm(ctx, alarm)
		if rerr != nil {
			if ctx.Err() != nil {
				return false
			}
			s.logger.Warn("grbl: alarm not cleared", "command", text, "action", action, "error", rerr)
		}

		if !alarm.Recoverable() {
			break
		}
	}

	s.logger.Error("grbl: giving up on line",
		"command", text, "last_reply", last.Raw, "state", s.tracker.State(), "error", lastErr)

	return true
}

func (s *Session) execute(ctx context.Context, cmd Command) bool {
	switch cmd.Kind {
	case CommandGcode:
		return s.sendLine(ctx, cmd.Text)

	case CommandHomeMacro:
		if err := s.homing.Run(ctx, s.cfg.homingMacro); err != nil {
			if ctx.Err() == nil {
				s.abort(err)
			}
			return false
		}

	case CommandResetMacro:
		s.cfg.echo(DirEvent, "%%RESET (Ctrl-X soft reset)")
		if err := s.disp.SoftReset(); err != nil {
			s.logger.Error("grbl: soft reset failed", "error", err)
		}

	case CommandStreamFile:
		if _, err := s.streamer.Stream(ctx, cmd.Text); err != nil {
			if ctx.Err() == nil {
				s.abort(err)
			}
			return false
		}

	case CommandEndOfInput:
		if s.cfg.finalDrain {
			if err := s.disp.WaitMotionComplete(ctx, s.cfg.finalLeaveIdle, s.cfg.finalFinish); err != nil {
				if ctx.Err() != nil {
					return false
				}
				s.logger.Warn("grbl: motion not complete at end of input", "error", err)
			}
		}

		s.finished.Store(true)
		s.logger.Info("grbl: end of input, all commands dispatched")

		return false

	default:
		s.logger.Warn("grbl: unknown command kind", "kind", cmd.Kind)
	}

	return true
}

func (s *Session) onDispatcherExit() {
	if !s.finished.Load() {
		s.setErr(ErrSessionStopped)
	}

	if n := s.discardQueued(); n > 0 {
		s.logger.Warn("grbl: discarded queued commands", "count", n)
	}

	s.closeDone()
}

// abort records err and raises the stop signal.
func (s *Session) abort(err error) {
	s.setErr(err)
	s.logger.Error("grbl: sequence failed, stopping session", "error", err)
	s.signalStop()
}

// setErr keeps the first error.
func (s *Session) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()

	if s.err == nil {
		s.err = err
	}
}

func (s *Session) signalStop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Session) closeDone() {
	s.doneOnce.Do(func() { close(s.doneCh) })
}

func (s *Session) discardQueued() int {
	n := 0
	for {
		select {
		case cmd := <-s.work:
			if cmd.Kind != CommandEndOfInput {
				n++
			}
		default:
			return n
		}
	}
}
