// Package clock routes wall-clock reads through an injectable abstraction so
// timeout and pricing logic can be driven deterministically in tests.
package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock is the subset of clockwork.Clock the engine depends on.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// Real returns the process wall clock.
func Real() Clock {
	return clockwork.NewRealClock()
}

// NewFake returns a fake clock pinned at t. Use Advance on the result to move time.
func NewFake(t time.Time) *clockwork.FakeClock {
	return clockwork.NewFakeClockAt(t)
}

// UTCNow returns c.Now() in UTC, the representation stored in the database.
func UTCNow(c Clock) time.Time {
	return c.Now().UTC()
}
