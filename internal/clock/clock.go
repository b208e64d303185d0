// Package clock centralizes the clockwork.Clock used by the worker (Tick
// timestamps) and the object-store sink (time-bucket rotation) so that
// tests can substitute a FakeClock instead of depending on wall time.
// The teacher's own clock package wraps clockwork the same way for a
// different purpose (epoch arithmetic); here the wrapper is a bare alias
// since the indexer has no epoch concept, only durations and instants.
package clock

import "github.com/jonboulle/clockwork"

// Clock is the subset of clockwork.Clock the indexer core depends on.
type Clock = clockwork.Clock

// Real returns the real wall-clock implementation.
func Real() Clock {
	return clockwork.NewRealClock()
}

// NewFake returns a deterministic clock for tests.
func NewFake() clockwork.FakeClock {
	return clockwork.NewFakeClock()
}
