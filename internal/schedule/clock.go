// Package schedule provides the clock abstraction and the arena of keyed,
// cancellable timers used by the engines for retries, heartbeats and sweeps.
package schedule

import "time"

// Timer is a scheduled callback that can be stopped.
type Timer interface {
	// Stop prevents the callback from running. It reports false if the
	// callback already ran or the timer was already stopped.
	Stop() bool
}

// Clock supplies wall time and one-shot timers.
//
// Production code uses SystemClock; tests use testutil.FakeClock to fire
// timers deterministically.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// SystemClock is the Clock backed by package time.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time {
	return time.Now()
}

// AfterFunc wraps time.AfterFunc.
func (SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
