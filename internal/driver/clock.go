package driver

import (
	"sync"
	"time"
)

// Clock abstracts session time so the coordinator and boundary monitor
// run identically against replayed history and the wall.
type Clock interface {
	Now() time.Time
}

// WallClock reads the system clock.
type WallClock struct{}

func (WallClock) Now() time.Time { return time.Now() }

// VirtualClock is the backtest time source. The backtest driver moves
// it to each bar's timestamp and jumps it across session boundaries;
// everything downstream just calls Now.
type VirtualClock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewVirtualClock starts a virtual clock at the given instant.
func NewVirtualClock(at time.Time) *VirtualClock {
	return &VirtualClock{now: at}
}

func (c *VirtualClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Set moves the clock to the given instant. Moving backwards is
// allowed; callers own the ordering discipline.
func (c *VirtualClock) Set(at time.Time) {
	c.mu.Lock()
	c.now = at
	c.mu.Unlock()
}

// Advance moves the clock forward by d and returns the new instant.
func (c *VirtualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}
