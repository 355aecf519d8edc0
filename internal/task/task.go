// Package task runs the long-lived loops of a grbl session (the line receiver and the command
// dispatcher) as managed goroutines with shared cancellation, panic protection and a bounded join.
package task

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-grbl/logger"
)

// LoopFunc is one iteration of a managed loop. It returns true to keep looping and false to stop.
//
// ctx is cancelled when the manager is stopped; blocking work inside an iteration should honour it.
type LoopFunc func(ctx context.Context) bool

// ExitFunc is called once when a managed loop returns, whatever the reason.
type ExitFunc func()

// Manager manages the lifecycle of the goroutines of a session.
//
// Example Usage:
//
//	mgr := task.NewManager(ctx, logger)
//
//	mgr.Start("receiver", func(ctx context.Context) bool {
//	    // ... one read ...
//	    return true
//	}, nil)
//
//	mgr.Stop()
//	mgr.Wait(time.Second)
type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger logger.Logger
	count  atomic.Int32
}

// NewManager creates a Manager whose loops are cancelled with ctx or by Stop.
func NewManager(ctx context.Context, l logger.Logger) *Manager {
	mgr := &Manager{logger: l}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)

	return mgr
}

// Context returns the context shared by all loops of the manager.
func (mgr *Manager) Context() context.Context {
	return mgr.ctx
}

// Start runs fn in a new goroutine until it returns false, panics, or the manager is stopped.
// onExit, if not nil, runs when the goroutine finishes.
func (mgr *Manager) Start(name string, fn LoopFunc, onExit ExitFunc) error {
	if fn == nil {
		return fmt.Errorf("task %s: loop function is nil", name)
	}

	select {
	case <-mgr.ctx.Done():
		return fmt.Errorf("task %s: manager already stopped", name)
	default:
	}

	mgr.logger.Debug("start task", "name", name)

	started := make(chan struct{})

	mgr.wg.Add(1)
	mgr.count.Add(1)

	go func() {
		defer mgr.wg.Done()
		defer func() {
			mgr.count.Add(-1)
			mgr.logger.Debug("task terminated", "name", name, "task_count", mgr.Count())
		}()

		if onExit != nil {
			defer mgr.callWithRecover(name, onExit)
		}

		close(started)
		mgr.runLoop(name, fn)
	}()

	<-started

	return nil
}

// Stop cancels the context shared by all loops. It does not wait for them.
func (mgr *Manager) Stop() {
	mgr.cancel()
}

// Done is closed once Stop was called or the parent context ended.
func (mgr *Manager) Done() <-chan struct{} {
	return mgr.ctx.Done()
}

// Wait blocks until every loop has returned or the timeout elapses.
// It reports whether all loops returned in time. A non-positive timeout waits forever.
func (mgr *Manager) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		mgr.wg.Wait()
		close(done)
	}()

	if timeout <= 0 {
		<-done
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		mgr.logger.Warn("tasks did not terminate in time", "timeout", timeout, "task_count", mgr.Count())
		return false
	}
}

// Count returns the number of running loops.
func (mgr *Manager) Count() int {
	return int(mgr.count.Load())
}

func (mgr *Manager) runLoop(name string, fn LoopFunc) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in task loop", "name", name, "panic", r)
		}
	}()

	for {
		select {
		case <-mgr.ctx.Done():
			return
		default:
			if !fn(mgr.ctx) {
				return
			}
		}
	}
}

func (mgr *Manager) callWithRecover(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			mgr.logger.Error("panic in task exit handler", "name", name, "panic", r)
		}
	}()

	fn()
}
