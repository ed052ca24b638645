package clock

import (
	"sync"
	"time"
)

// Clock is the time source injected into every component that schedules work
// (election timers, gossip rounds, tombstone GC). Production code uses
// WallClock; tests drive a SimulatedClock manually so timer-dependent state
// machines run deterministically.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
}

// WallClock is the real time source.
type WallClock struct{}

func (WallClock) Now() time.Time { return time.Now() }

// SimulatedClock is a deterministic, manual-advance clock.
// It starts at startTime and only moves when Advance is called.
type SimulatedClock struct {
	mu      sync.Mutex
	current time.Time
}

// NewSimulatedClock creates a new simulated clock starting at the given time.
func NewSimulatedClock(startTime time.Time) *SimulatedClock {
	return &SimulatedClock{current: startTime}
}

// Now implements Clock.
func (c *SimulatedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward by the provided duration.
// Negative durations are ignored.
func (c *SimulatedClock) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.current = c.current.Add(d)
	c.mu.Unlock()
}
