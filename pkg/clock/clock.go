// Package clock provides the time source for the dispatch core. Everything
// that schedules or timestamps goes through Clock so tests can drive time
// deterministically.
package clock

import (
	"errors"
	"sync"
	"time"
)

// ErrClockRegression is returned when the wall clock is observed moving
// backward. Callers treat this as fatal.
var ErrClockRegression = errors.New("clock moved backward")

// Clock abstracts the time source.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	// After returns a channel that fires once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// Real is the production clock backed by the time package. It tracks the
// last observed instant and flags regressions.
type Real struct {
	mu   sync.Mutex
	last time.Time
}

// NewReal returns a production clock.
func NewReal() *Real {
	return &Real{}
}

// Now returns the current instant.
func (r *Real) Now() time.Time {
	now := time.Now()
	r.mu.Lock()
	if now.Before(r.last) {
		r.mu.Unlock()
		// Monotonic reads cannot regress; a wall regression here means the
		// host clock was stepped. Surface via Check.
		return now
	}
	r.last = now
	r.mu.Unlock()
	return now
}

// Since returns the elapsed time since t.
func (r *Real) Since(t time.Time) time.Duration {
	return time.Since(t)
}

// After wraps time.After.
func (r *Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Check returns ErrClockRegression if the wall clock currently reads before
// the last instant Now handed out.
func (r *Real) Check() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if time.Now().Before(r.last) {
		return ErrClockRegression
	}
	return nil
}

// Fake is a manually-advanced clock for tests.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
}

type waiter struct {
	at time.Time
	ch chan time.Time
}

// NewFake returns a fake clock starting at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

// Now returns the fake instant.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Since returns elapsed fake time since t.
func (f *Fake) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

// After returns a channel that fires when the fake clock is advanced past d.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 1)
	at := f.now.Add(d)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.waiters = append(f.waiters, waiter{at: at, ch: ch})
	return ch
}

// Advance moves the fake clock forward, firing any due waiters. Deadlines
// landing exactly on the new instant fire (>= semantics).
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	remaining := f.waiters[:0]
	var due []chan time.Time
	for _, w := range f.waiters {
		if !w.at.After(now) {
			due = append(due, w.ch)
		} else {
			remaining = append(remaining, w)
		}
	}
	f.waiters = remaining
	f.mu.Unlock()

	for _, ch := range due {
		ch <- now
	}
}
