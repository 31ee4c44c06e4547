// Package sched implements the single-goroutine task scheduler that
// replaces GLib's idle_add/timeout_add coroutine callbacks spec.md §9
// flags for re-architecture: every WindowSource gets one Scheduler, whose
// own goroutine runs that window's posted tasks and timer callbacks one at
// a time. Damage calls still arrive on the caller's goroutine, so the
// window guards its state with its own mutex as well.
package sched

import (
	"sync"
	"time"
)

// Cancel stops a previously scheduled task if it hasn't run yet. Calling it
// after the task has already run, or more than once, is a no-op.
type Cancel func()

// Scheduler runs tasks one at a time on a dedicated goroutine, started by
// Run and stopped by Stop. It is the Go analogue of a GLib main loop
// restricted to a single window's callbacks.
type Scheduler struct {
	tasks  chan func()
	timers sync.Map // id -> *time.Timer, for After's Cancel
	nextID uint64
	idMu   sync.Mutex

	stop chan struct{}
	done chan struct{}
}

// New creates a Scheduler with a reasonable task queue depth; Run must be
// called before any task is delivered.
func New() *Scheduler {
	return &Scheduler{
		tasks: make(chan func(), 256),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Run drains the task queue until Stop is called. Intended to be launched
// as `go sched.Run()` once per window.
func (s *Scheduler) Run() {
	defer close(s.done)
	for {
		select {
		case fn := <-s.tasks:
			fn()
		case <-s.stop:
			s.drain()
			return
		}
	}
}

// drain runs any tasks still queued at shutdown so deferred cleanup
// (closing encoders, releasing mmap regions) isn't silently skipped.
func (s *Scheduler) drain() {
	for {
		select {
		case fn := <-s.tasks:
			fn()
		default:
			return
		}
	}
}

// Stop requests the run loop to exit after draining pending tasks, and
// blocks until it has.
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

// Idle enqueues fn to run as soon as the scheduler is free, the analogue of
// GLib's idle_add.
func (s *Scheduler) Idle(fn func()) {
	s.tasks <- fn
}

// After schedules fn to run on the scheduler's goroutine after d has
// elapsed (not immediately inline in the timer callback, preserving the
// single-goroutine invariant), the analogue of GLib's timeout_add. The
// returned Cancel prevents fn from running if called before the timer
// fires.
func (s *Scheduler) After(d time.Duration, fn func()) Cancel {
	s.idMu.Lock()
	s.nextID++
	id := s.nextID
	s.idMu.Unlock()

	t := time.AfterFunc(d, func() {
		s.timers.Delete(id)
		select {
		case s.tasks <- fn:
		case <-s.stop:
		}
	})
	s.timers.Store(id, t)
	return func() {
		if v, ok := s.timers.LoadAndDelete(id); ok {
			v.(*time.Timer).Stop()
		}
	}
}
