// Package sched is a small cooperative scheduler. Every task runs on the
// scheduler's goroutine and runs to completion; tasks are (re)scheduled from
// any goroutine without locks, last writer wins.
package sched

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Schedulable is a unit of deferred work. Tick runs when the task is due and
// returns the delay until its next run, or false to go idle until something
// schedules it again.
type Schedulable interface {
	Tick(now time.Time) (next time.Duration, again bool)
}

// Func adapts a one-shot function to Schedulable.
type Func func(now time.Time)

// Tick calls f and goes idle.
func (f Func) Tick(now time.Time) (time.Duration, bool) {
	f(now)
	return 0, false
}

const idle int64 = 0

// Task is a registered Schedulable with a pending due time.
type Task struct {
	name string
	work Schedulable
	s    *Scheduler
	due  atomic.Int64 // unix nanos; idle when not pending
}

// Name returns the task's name.
func (t *Task) Name() string { return t.name }

// Schedule arranges for the task to run delay from now, replacing any pending
// run. A negative delay cancels the pending run; zero runs it on the next pass.
// Safe to call from any goroutine, including GPIO event handlers.
func (t *Task) Schedule(delay time.Duration) {
	if delay < 0 {
		t.due.Store(idle)
		return
	}
	at := t.s.now().Add(delay).UnixNano()
	if at == idle {
		at++
	}
	t.due.Store(at)
	t.s.wakeUp()
}

// Pending reports whether the task has a run scheduled.
func (t *Task) Pending() bool { return t.due.Load() != idle }

// Scheduler runs tasks on a single goroutine.
type Scheduler struct {
	tasks []*Task
	wake  chan struct{}
	now   func() time.Time
	log   *zap.Logger
}

// New creates a scheduler. A nil clock uses time.Now.
func New(clock func() time.Time, log *zap.Logger) *Scheduler {
	if clock == nil {
		clock = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		wake: make(chan struct{}, 1),
		now:  clock,
		log:  log,
	}
}

// Add registers work. Register every task before Run.
func (s *Scheduler) Add(name string, work Schedulable) *Task {
	t := &Task{name: name, work: work, s: s}
	s.tasks = append(s.tasks, t)
	return t
}

func (s *Scheduler) wakeUp() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// RunDue runs every task whose due time is at or before now, in registration
// order, and returns the earliest remaining due time in now's location.
func (s *Scheduler) RunDue(now time.Time) (next time.Time, ok bool) {
	n := now.UnixNano()
	for _, t := range s.tasks {
		at := t.due.Load()
		if at == idle || at > n {
			continue
		}
		// Claim the run. A Schedule from another goroutine after this point
		// stands and is not overwritten below.
		if !t.due.CompareAndSwap(at, idle) {
			continue
		}
		delay, again := t.work.Tick(now)
		if again {
			if delay < 0 {
				delay = 0
			}
			nextAt := now.Add(delay).UnixNano()
			if nextAt == idle {
				nextAt++
			}
			t.due.CompareAndSwap(idle, nextAt)
		}
	}
	var earliest int64
	for _, t := range s.tasks {
		at := t.due.Load()
		if at != idle && (earliest == 0 || at < earliest) {
			earliest = at
		}
	}
	if earliest == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, earliest).In(now.Location()), true
}

// Run drives the tasks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	s.log.Info("scheduler started", zap.Int("tasks", len(s.tasks)))
	for {
		next, ok := s.RunDue(s.now())
		wait := time.Hour
		if ok {
			wait = next.Sub(s.now())
			if wait < 0 {
				wait = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return ctx.Err()
		case <-s.wake:
		case <-timer.C:
		}
	}
}
