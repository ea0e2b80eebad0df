// Package debounce provides a coalescing timer for bursty triggers.
package debounce

import (
	"sync"
	"time"
)

// DefaultDelay is the coalescing window used when none is configured.
const DefaultDelay = 300 * time.Millisecond

// Timer coalesces bursts of Trigger calls into a single invocation of fn.
// Each Trigger resets the pending delay; fn runs once the delay elapses
// without a further Trigger. fn never runs concurrently with itself.
type Timer struct {
	delay time.Duration
	fn    func()

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	stopped bool

	runMu sync.Mutex
}

// New creates a Timer that calls fn after delay of quiet.
func New(delay time.Duration, fn func()) *Timer {
	if delay < 0 {
		delay = 0
	}
	if fn == nil {
		fn = func() {}
	}
	return &Timer{delay: delay, fn: fn}
}

// Trigger schedules fn, replacing any pending schedule.
func (t *Timer) Trigger() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(t.delay, func() {
		t.fire(gen)
	})
}

func (t *Timer) fire(gen uint64) {
	t.mu.Lock()
	// A Trigger that raced with this timer owns the next run.
	if t.stopped || gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.mu.Unlock()

	t.runMu.Lock()
	defer t.runMu.Unlock()
	t.fn()
}

// Flush runs fn immediately if a run is pending.
func (t *Timer) Flush() {
	t.mu.Lock()
	if t.stopped || t.timer == nil {
		t.mu.Unlock()
		return
	}
	t.timer.Stop()
	t.timer = nil
	t.gen++
	t.mu.Unlock()

	t.runMu.Lock()
	defer t.runMu.Unlock()
	t.fn()
}

// Pending reports whether a run is scheduled.
func (t *Timer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}

// Stop cancels any pending run and disables further triggers.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
