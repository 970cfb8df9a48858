// Package schedule provides deferred tasks that coalesce repeated triggers.
//
// Every task is an explicit value with Cancel/Stop; nothing runs on an
// ambient timeout. Callbacks run on their own goroutine and never while a
// task's internal lock is held.
package schedule

import (
	"sync"
	"time"
)

// Debouncer runs fn once after delay, no matter how many times Trigger is
// called while a run is pending.
type Debouncer struct {
	mu      sync.Mutex
	delay   time.Duration
	fn      func()
	timer   *time.Timer
	pending bool
	stopped bool
}

// NewDebouncer returns a debouncer for fn. A zero delay runs on the next
// scheduler tick.
func NewDebouncer(delay time.Duration, fn func()) *Debouncer {
	return &Debouncer{delay: delay, fn: fn}
}

// Trigger schedules a run unless one is already pending.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || d.pending {
		return
	}
	d.pending = true
	d.timer = time.AfterFunc(d.delay, d.fire)
}

// Reset schedules a run delay from now, replacing any pending run.
func (d *Debouncer) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.pending = true
	d.timer = time.AfterFunc(d.delay, d.fire)
}

// Cancel drops a pending run. Returns whether one was pending.
func (d *Debouncer) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.pending {
		return false
	}
	d.pending = false
	if d.timer != nil {
		d.timer.Stop()
	}
	return true
}

// Pending reports whether a run is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Stop cancels any pending run and disables future triggers.
func (d *Debouncer) Stop() {
	d.Cancel()
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	if !d.pending || d.stopped {
		d.mu.Unlock()
		return
	}
	d.pending = false
	d.mu.Unlock()
	d.fn()
}

// Batcher collects items and hands them to flush as one batch after a time
// window opened by the first item.
type Batcher[T any] struct {
	mu      sync.Mutex
	window  time.Duration
	flush   func([]T)
	items   []T
	timer   *time.Timer
	stopped bool
	flushMu sync.Mutex
}

// NewBatcher returns a batcher delivering to flush.
func NewBatcher[T any](window time.Duration, flush func([]T)) *Batcher[T] {
	return &Batcher[T]{window: window, flush: flush}
}

// Add enqueues items, opening a window if none is open.
func (b *Batcher[T]) Add(items ...T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.items = append(b.items, items...)
	if b.timer == nil {
		b.timer = time.AfterFunc(b.window, b.Flush)
	}
}

// Len returns the number of items waiting.
func (b *Batcher[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Flush delivers waiting items now. Batches are delivered one at a time,
// in order.
func (b *Batcher[T]) Flush() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	b.mu.Lock()
	items := b.items
	b.items = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()
	if len(items) > 0 {
		b.flush(items)
	}
}

// Stop flushes waiting items and rejects further ones.
func (b *Batcher[T]) Stop() {
	b.Flush()
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
}
