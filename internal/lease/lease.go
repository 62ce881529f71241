// Package lease defines the session lease value types shared by the store,
// the renewal client and the coordinator: the clock, timestamp normalization,
// the expiry cookie codec and the countdown display format.
package lease

import (
	"sync"
	"time"
)

// DefaultDuration is the length of a freshly issued lease.
const DefaultDuration = 20 * time.Minute

// Clock is the time source used by every lease consumer.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }

// FakeClock is a manually advanced clock for tests and simulations.
// It is safe for concurrent use.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock returns a FakeClock set to now.
func NewFakeClock(now time.Time) *FakeClock {
	return &FakeClock{now: now}
}

// Now returns the clock's current time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set moves the clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Remaining returns the time left until expiresAt. Negative values mean the
// lease has already run out.
func Remaining(expiresAt, now time.Time) time.Duration {
	return expiresAt.Sub(now)
}

// UnixMilli returns t as epoch milliseconds, the at-rest representation of
// expiresAt in the state file and Redis.
func UnixMilli(t time.Time) int64 {
	return t.UnixMilli()
}
