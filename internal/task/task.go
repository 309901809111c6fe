// Package task manages the lifecycle of named goroutines with a shared
// cancellation context and panic protection.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-temserver/logger"
)

// ErrStopped is returned when starting a task on a stopped Manager.
var ErrStopped = errors.New("task manager already stopped")

// LoopFunc is called repeatedly by a loop task.
// It should return true to continue running the task, or false to stop the goroutine.
type LoopFunc func() bool

// Func is the body of a one-shot task. It receives the manager context and
// should return when the context is done.
type Func func(ctx context.Context)

// Manager manages the lifecycle of goroutines (tasks).
//
// Example Usage:
//
//	mgr := task.NewManager(ctx, logger)
//
//	mgr.StartLoop("acceptLoop", func() bool {
//	    // ... accept one connection ...
//	    return true // Return true to continue running, false to stop
//	})
//
//	mgr.Go("session", func(ctx context.Context) { ... })
//
//	mgr.Stop()
//	mgr.Wait()
type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger logger.Logger
	count  atomic.Int32
	mu     sync.Mutex // serializes Add against Stop
	closed bool
}

// NewManager creates a new Manager whose tasks are cancelled together with ctx.
func NewManager(ctx context.Context, l logger.Logger) *Manager {
	mgr := &Manager{logger: l}
	mgr.ctx, mgr.cancel = context.WithCancel(ctx)

	return mgr
}

// Context returns the context shared by all tasks.
func (mgr *Manager) Context() context.Context {
	return mgr.ctx
}

// StartLoop starts a goroutine that calls fn until it returns false or the
// manager is stopped. A panic in fn terminates the loop and is logged.
func (mgr *Manager) StartLoop(name string, fn LoopFunc) error {
	return mgr.Go(name, func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			default:
				if !fn() {
					return
				}
			}
		}
	})
}

// Go starts a one-shot goroutine running fn with panic protection.
func (mgr *Manager) Go(name string, fn Func) error {
	mgr.mu.Lock()
	if mgr.closed || mgr.ctx.Err() != nil {
		mgr.mu.Unlock()
		return fmt.Errorf("start %s: %w", name, ErrStopped)
	}
	mgr.wg.Add(1)
	mgr.mu.Unlock()

	mgr.count.Add(1)
	mgr.logger.Debug("start task", "name", name, "task_count", mgr.Count())

	go func() {
		defer func() {
			mgr.count.Add(-1)
			mgr.wg.Done()
			mgr.logger.Debug("task terminated", "name", name, "task_count", mgr.Count())
		}()
		defer func() {
			if r := recover(); r != nil {
				mgr.logger.Error("panic in task", "name", name, "panic", r)
			}
		}()

		fn(mgr.ctx)
	}()

	return nil
}

// Stop signals all running goroutines. Further starts fail with ErrStopped.
func (mgr *Manager) Stop() {
	mgr.mu.Lock()
	mgr.closed = true
	mgr.mu.Unlock()

	mgr.cancel()
}

// Wait waits for all goroutines to terminate.
func (mgr *Manager) Wait() {
	mgr.wg.Wait()
}

// WaitTimeout waits for all goroutines to terminate or for timeout to elapse.
// It reports whether every goroutine terminated.
func (mgr *Manager) WaitTimeout(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		mgr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Count returns the number of currently running goroutines.
func (mgr *Manager) Count() int {
	return int(mgr.count.Load())
}
