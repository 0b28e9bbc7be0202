package retry

import (
	"sync"
	"time"
)

// Clock is the time source used by every bounded wait in the shared-memory
// core. Production code uses RealClock; tests inject a FakeClock so that
// retry budgets can be exercised without sleeping.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// RealClock is the wall clock.
var RealClock Clock = realClock{}

// Policy is a retry budget: at most Attempts tries, Delay apart.
type Policy struct {
	Attempts int
	Delay    time.Duration
}

// Do calls fn until it returns true or the budget is exhausted. fn receives
// the zero-based attempt number. Do reports whether fn succeeded.
func Do(clock Clock, p Policy, fn func(attempt int) bool) bool {
	if clock == nil {
		clock = RealClock
	}
	for attempt := 0; ; attempt++ {
		if fn(attempt) {
			return true
		}
		if attempt+1 >= p.Attempts {
			return false
		}
		clock.Sleep(p.Delay)
	}
}

// FakeClock advances only when slept on or when Advance is called.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	slept   time.Duration
	sleeps  int
	onSleep func(d time.Duration)
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	if d > 0 {
		c.now = c.now.Add(d)
		c.slept += d
	}
	c.sleeps++
	hook := c.onSleep
	c.mu.Unlock()
	if hook != nil {
		hook(d)
	}
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Slept returns the total simulated sleep time.
func (c *FakeClock) Slept() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slept
}

// Sleeps returns the number of Sleep calls.
func (c *FakeClock) Sleeps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sleeps
}

// OnSleep installs a hook run after every Sleep; tests use it to publish
// data "while" the code under test is waiting.
func (c *FakeClock) OnSleep(fn func(d time.Duration)) {
	c.mu.Lock()
	c.onSleep = fn
	c.mu.Unlock()
}
