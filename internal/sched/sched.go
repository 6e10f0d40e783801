// Package sched runs the server's periodic work: a single-threaded tick
// loop executing registered tasks by priority. Sync fan-out, flushes and
// cache maintenance all run here, so tasks never race each other.
package sched

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"
)

// Task is one periodic unit of work.
type Task struct {
	Name string
	// Every is the minimum interval between runs; zero runs every tick.
	Every time.Duration
	// Priority orders tasks within a tick, lower first. Equal priorities
	// keep registration order.
	Priority int
	// Fn receives the time elapsed since the task's previous run.
	Fn func(delta time.Duration)
}

type taskState struct {
	Task
	seq     int
	lastRun time.Time
}

// farFuture blocks re-entry while a task is on the stack: a running
// task's lastRun is parked here so a nested RunDue skips it.
var farFuture = time.Unix(1<<60, 0)

// Loop is the tick scheduler. Tasks may be added and removed at any
// time, including from inside a running task.
type Loop struct {
	interval time.Duration

	mu    sync.Mutex
	tasks map[string]*taskState
	seq   int
	now   func() time.Time // test hook
}

// New creates a Loop ticking at the given interval.
func New(interval time.Duration) *Loop {
	return &Loop{
		interval: interval,
		tasks:    make(map[string]*taskState),
		now:      time.Now,
	}
}

// Interval returns the tick interval.
func (l *Loop) Interval() time.Duration { return l.interval }

// Add registers a task. Re-adding a name replaces the previous task.
func (l *Loop) Add(t Task) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	l.tasks[t.Name] = &taskState{Task: t, seq: l.seq, lastRun: l.now()}
}

// Remove unregisters a task. Removing an unknown name is a no-op.
func (l *Loop) Remove(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.tasks, name)
}

// Len returns the number of registered tasks.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}

// Run ticks until the context is cancelled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	log.Printf("[sched] loop started, tick %v", l.interval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[sched] loop stopped")
			return
		case <-ticker.C:
			l.RunDue(l.now())
		}
	}
}

// RunDue executes every task whose interval has elapsed, ordered by
// priority then registration. Returns the number of tasks run.
func (l *Loop) RunDue(now time.Time) int {
	l.mu.Lock()
	due := make([]*taskState, 0, len(l.tasks))
	for _, ts := range l.tasks {
		if ts.lastRun.Equal(farFuture) {
			continue
		}
		if now.Sub(ts.lastRun) >= ts.Every {
			due = append(due, ts)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority < due[j].Priority
		}
		return due[i].seq < due[j].seq
	})
	deltas := make([]time.Duration, len(due))
	for i, ts := range due {
		deltas[i] = now.Sub(ts.lastRun)
		ts.lastRun = farFuture
	}
	l.mu.Unlock()

	for i, ts := range due {
		l.runOne(ts, deltas[i], now)
	}
	return len(due)
}

func (l *Loop) runOne(ts *taskState, delta time.Duration, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[sched] task %s panicked: %v", ts.Name, r)
		}
		l.mu.Lock()
		// The task may have removed or replaced itself.
		if cur, ok := l.tasks[ts.Name]; ok && cur == ts {
			ts.lastRun = now
		}
		l.mu.Unlock()
	}()
	ts.Fn(delta)
}
