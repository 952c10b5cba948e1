// Package clock supplies the time source every liveness check reads.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// System is the wall clock, in UTC.
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

// Timer is a manually driven clock for test and dev deployments.
// It never moves on its own.
type Timer struct {
	mu  sync.RWMutex
	now time.Time
}

func NewTimer(start time.Time) *Timer {
	return &Timer{now: start.UTC()}
}

func (t *Timer) Now() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.now
}

// SetTime moves the timer to an absolute time. Moving backwards is allowed.
func (t *Timer) SetTime(now time.Time) {
	t.mu.Lock()
	t.now = now.UTC()
	t.mu.Unlock()
}

// CatchUp moves the timer to at if at is later, so a restarted engine never
// runs behind its own log. It returns the resulting time.
func (t *Timer) CatchUp(at time.Time) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if at.After(t.now) {
		t.now = at.UTC()
	}
	return t.now
}

// Advance moves the timer forward by d and returns the new time.
func (t *Timer) Advance(d time.Duration) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = t.now.Add(d)
	return t.now
}
