// Package sched abstracts repeating timers so the sync loop can be driven
// by virtual time in tests instead of real tickers.
package sched

import (
	"sync"
	"time"
)

// CancelFunc stops a scheduled task. Safe to call more than once.
type CancelFunc func()

// Scheduler runs a function repeatedly at a fixed interval. A non-positive
// interval schedules nothing and returns a no-op CancelFunc.
type Scheduler interface {
	ScheduleRepeating(interval time.Duration, fn func()) CancelFunc
}

// Ticker is the production Scheduler backed by time.Ticker.
type Ticker struct{}

// ScheduleRepeating implements Scheduler.
func (Ticker) ScheduleRepeating(interval time.Duration, fn func()) CancelFunc {
	if interval <= 0 {
		return func() {}
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	var once sync.Once

	go func() {
		for {
			select {
			case <-ticker.C:
				fn()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() {
		once.Do(func() { close(done) })
	}
}

// Manual is a Scheduler driven explicitly by tests. Advance moves virtual
// time forward and fires every due task synchronously.
type Manual struct {
	mu    sync.Mutex
	now   time.Duration
	tasks []*manualTask
}

type manualTask struct {
	interval time.Duration
	next     time.Duration
	fn       func()
	stopped  bool
}

// NewManual returns a Scheduler with virtual time at zero.
func NewManual() *Manual {
	return &Manual{}
}

// ScheduleRepeating implements Scheduler.
func (m *Manual) ScheduleRepeating(interval time.Duration, fn func()) CancelFunc {
	if interval <= 0 {
		return func() {}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	task := &manualTask{
		interval: interval,
		next:     m.now + interval,
		fn:       fn,
	}
	m.tasks = append(m.tasks, task)

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		task.stopped = true
	}
}

// Advance moves virtual time forward by d, firing due tasks in order.
// Task functions run without the scheduler lock held, so they may schedule
// or cancel tasks themselves.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now + d
	m.mu.Unlock()

	for {
		fn := m.popDue(target)
		if fn == nil {
			break
		}
		fn()
	}

	m.mu.Lock()
	m.now = target
	m.mu.Unlock()
}

// popDue returns the next task function due at or before target, advancing
// its next-fire time, or nil when nothing further is due.
func (m *Manual) popDue(target time.Duration) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due *manualTask
	for _, task := range m.tasks {
		if task.stopped || task.next > target {
			continue
		}
		if due == nil || task.next < due.next {
			due = task
		}
	}
	if due == nil {
		return nil
	}
	due.next += due.interval
	return due.fn
}
