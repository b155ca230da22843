package testutil

import (
	"sort"
	"sync"
	"time"

	"github.com/roach88/meshsync/internal/schedule"
)

// Epoch is the default start time of a FakeClock.
var Epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// FakeClock is a manually advanced schedule.Clock for tests.
//
// Timers never fire on their own. Advance moves time forward and runs every
// timer that comes due, in due-time order (ties in creation order), on the
// calling goroutine. A callback that schedules a new timer due before the
// advance target sees it fire within the same Advance.
//
// Thread-safety: All methods are safe for concurrent use. Callbacks run
// without the clock's lock held, so they may call back into the clock.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	nextID uint64
	timers map[uint64]*fakeTimer
}

type fakeTimer struct {
	clock *FakeClock
	id    uint64
	at    time.Time
	fn    func()
}

// NewFakeClock creates a clock at start, or at Epoch if start is zero.
func NewFakeClock(start time.Time) *FakeClock {
	if start.IsZero() {
		start = Epoch
	}
	return &FakeClock{now: start, timers: make(map[uint64]*fakeTimer)}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc registers f to run once the clock has advanced by d.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) schedule.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	t := &fakeTimer{clock: c, id: c.nextID, at: c.now.Add(d), fn: f}
	c.timers[t.id] = t
	return t
}

// Stop implements schedule.Timer.
func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if _, ok := t.clock.timers[t.id]; !ok {
		return false
	}
	delete(t.clock.timers, t.id)
	return true
}

// Advance moves the clock forward by d, firing due timers in order.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.dueLocked(target)
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		delete(c.timers, next.id)
		c.now = next.at
		c.mu.Unlock()

		next.fn()
	}
}

// dueLocked returns the earliest timer due at or before target.
func (c *FakeClock) dueLocked(target time.Time) *fakeTimer {
	var due *fakeTimer
	for _, t := range c.timers {
		if t.at.After(target) {
			continue
		}
		if due == nil || t.at.Before(due.at) || (t.at.Equal(due.at) && t.id < due.id) {
			due = t
		}
	}
	return due
}

// Set jumps the clock to t without firing timers. Used to make stored
// records look stale.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Pending returns the due offsets, relative to now, of every live timer in
// ascending order.
func (c *FakeClock) Pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]time.Duration, 0, len(c.timers))
	for _, t := range c.timers {
		out = append(out, t.at.Sub(c.now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
