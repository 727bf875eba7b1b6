package clock

import (
	"time"
)

// Timer is a handle to a scheduled one-shot callback.
type Timer interface {
	// Stop cancels the timer. It returns false if the timer already
	// fired or was stopped.
	Stop() bool
}

// Clock abstracts wall-clock access so schedulers can be driven
// deterministically in tests.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// AfterFunc calls fn in its own goroutine once d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer
}

type realClock struct{}

// New returns a Clock backed by the time package.
func New() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// UTCDate returns the calendar date of t in UTC as YYYY-MM-DD.
func UTCDate(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// NextUTCMidnight returns the first UTC midnight strictly after t.
func NextUTCMidnight(t time.Time) time.Time {
	u := t.UTC()

	return time.Date(u.Year(), u.Month(), u.Day()+1, 0, 0, 0, 0, time.UTC)
}

// UntilNextUTCMidnight returns the delay from t to the next UTC midnight.
func UntilNextUTCMidnight(t time.Time) time.Duration {
	return NextUTCMidnight(t).Sub(t)
}
