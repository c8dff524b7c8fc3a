// Package timeutil abstracts the clock so time-driven behavior (the
// stability dwell, the analyzer watchdog) is testable without wall-clock
// waits.
package timeutil

import (
	"sync"
	"time"
)

// Clock is the time source injected into components that read the clock or
// arm timers. Production code passes RealClock; tests pass a MockClock and
// drive it with Advance.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration

	// NewTimer arms a single-shot timer that delivers on its channel
	// after at least d.
	NewTimer(d time.Duration) Timer
}

// Timer is a single-shot timer. Stop reports whether the call prevented
// the timer from firing.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// RealClock reads the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time                  { return time.Now() }
func (RealClock) Since(t time.Time) time.Duration { return time.Since(t) }

func (RealClock) NewTimer(d time.Duration) Timer {
	return &wallTimer{timer: time.NewTimer(d)}
}

type wallTimer struct {
	timer *time.Timer
}

func (t *wallTimer) C() <-chan time.Time { return t.timer.C }
func (t *wallTimer) Stop() bool          { return t.timer.Stop() }

// MockClock is a manually driven clock. Time moves only through Set and
// Advance; Advance also fires any timer whose deadline has been reached.
type MockClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*MockTimer
}

// NewMockClock creates a MockClock frozen at t.
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

// Now returns the mocked current time.
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set jumps the clock to t without firing timers.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the clock forward by d and fires every timer whose
// deadline has passed.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	timers := c.timers
	c.mu.Unlock()

	for _, t := range timers {
		t.fireIfDue(now)
	}
}

// Since returns the duration between t and the mocked current time.
func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// NewTimer arms a MockTimer against the mocked clock.
func (c *MockClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &MockTimer{
		ch:       make(chan time.Time, 1),
		deadline: c.now.Add(d),
	}
	c.timers = append(c.timers, t)
	return t
}

// MockTimer fires at most once, when the owning MockClock advances past
// its deadline.
type MockTimer struct {
	mu       sync.Mutex
	ch       chan time.Time
	deadline time.Time
	stopped  bool
	fired    bool
}

func (t *MockTimer) C() <-chan time.Time { return t.ch }

// Stop prevents the timer from firing. Reports whether it was still armed.
func (t *MockTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasActive := !t.stopped && !t.fired
	t.stopped = true
	return wasActive
}

func (t *MockTimer) fireIfDue(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped || t.fired || now.Before(t.deadline) {
		return
	}
	t.fired = true
	select {
	case t.ch <- now:
	default:
	}
}
