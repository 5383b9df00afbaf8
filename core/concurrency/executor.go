// File: core/concurrency/executor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Executor is the async domain: an explicitly constructed service that runs
// one long-lived task per forwarding session, bounds the number of concurrent
// tasks, owns delayed callbacks, and is shut down explicitly.

package concurrency

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/wsfork/api"
)

// TaskFunc is the body of an async task. ctx is cancelled on Abort or on
// executor shutdown.
type TaskFunc func(ctx context.Context)

// Executor manages async task goroutines.
type Executor struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group
	closed atomic.Bool
	active atomic.Int64

	mu     sync.Mutex
	timers map[*time.Timer]func()

	log *logrus.Entry
}

// NewExecutor creates an executor allowing at most maxTasks concurrent tasks
// (maxTasks <= 0 means unbounded).
func NewExecutor(maxTasks int, log *logrus.Entry) *Executor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		ctx:    ctx,
		cancel: cancel,
		timers: make(map[*time.Timer]func()),
		log:    log.WithField("component", "executor"),
	}
	if maxTasks > 0 {
		e.group.SetLimit(maxTasks)
	}
	return e
}

// Task is a handle on a spawned task.
type Task struct {
	name    string
	done    chan struct{}
	cancel  context.CancelFunc
	aborted atomic.Bool
}

// Name returns the task label.
func (t *Task) Name() string { return t.name }

// Done is closed once the task body has returned.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task exits or timeout elapses; it reports whether the
// task exited.
func (t *Task) Wait(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.done:
		return true
	case <-timer.C:
		return false
	}
}

// Abort cancels the task context. The body is expected to release its
// resources and return promptly.
func (t *Task) Abort() {
	if t.aborted.CompareAndSwap(false, true) {
		t.cancel()
	}
}

// Aborted reports whether Abort was called.
func (t *Task) Aborted() bool { return t.aborted.Load() }

// Spawn starts fn on its own goroutine. It fails with api.ErrExecutorClosed
// after Close, and api.ErrResourceExhausted when the task limit is reached.
func (e *Executor) Spawn(name string, fn TaskFunc) (*Task, error) {
	if e.closed.Load() {
		return nil, ErrExecutorClosed
	}
	ctx, cancel := context.WithCancel(e.ctx)
	t := &Task{name: name, done: make(chan struct{}), cancel: cancel}

	started := e.group.TryGo(func() error {
		e.active.Add(1)
		defer func() {
			e.active.Add(-1)
			cancel()
			close(t.done)
		}()
		e.safeExecute(ctx, t.name, fn)
		return nil
	})
	if !started {
		cancel()
		return nil, fmt.Errorf("spawn %s: %w", name, api.ErrResourceExhausted)
	}
	return t, nil
}

func (e *Executor) safeExecute(ctx context.Context, name string, fn TaskFunc) {
	defer func() {
		if r := recover(); r != nil {
			e.log.WithFields(logrus.Fields{
				"task":  name,
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("task panicked")
		}
	}()
	fn(ctx)
}

// AfterFunc runs fn after d on its own goroutine. Pending callbacks run
// immediately when the executor closes. The returned stop function cancels a
// callback that has not run yet.
func (e *Executor) AfterFunc(d time.Duration, fn func()) (stop func() bool) {
	var t *time.Timer
	e.mu.Lock()
	if e.closed.Load() {
		e.mu.Unlock()
		fn()
		return func() bool { return false }
	}
	t = time.AfterFunc(d, func() {
		e.mu.Lock()
		_, pending := e.timers[t]
		delete(e.timers, t)
		e.mu.Unlock()
		if pending {
			fn()
		}
	})
	e.timers[t] = fn
	e.mu.Unlock()

	return func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		if _, ok := e.timers[t]; !ok {
			return false
		}
		delete(e.timers, t)
		return t.Stop()
	}
}

// Active returns the number of running tasks.
func (e *Executor) Active() int {
	return int(e.active.Load())
}

// Close cancels every task, flushes pending callbacks and waits up to timeout
// for tasks to return.
func (e *Executor) Close(timeout time.Duration) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.cancel()

	e.mu.Lock()
	pending := make([]func(), 0, len(e.timers))
	for t, fn := range e.timers {
		t.Stop()
		pending = append(pending, fn)
	}
	e.timers = make(map[*time.Timer]func())
	e.mu.Unlock()
	for _, fn := range pending {
		fn()
	}

	done := make(chan struct{})
	go func() {
		_ = e.group.Wait()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		e.log.WithField("active", e.Active()).Warn("executor close timed out")
		return ErrTaskTimeout
	}
}
