// Package clock abstracts the timer primitives used by the session manager so
// boundary detection can be exercised deterministically with a fake clock.
package clock

import "time"

// Timer is a cancellable, re-armable one-shot timer.
type Timer interface {
	// Stop cancels the timer. It reports whether the timer was still armed.
	Stop() bool

	// Reset re-arms the timer to fire after d.
	Reset(d time.Duration) bool
}

// Clock supplies the current time and one-shot timers.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc arms a timer that calls f after d.
	AfterFunc(d time.Duration, f func()) Timer
}

// systemClock is the real wall-clock implementation.
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// System returns the real clock backed by the time package.
func System() Clock { return systemClock{} }
