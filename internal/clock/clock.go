// Package clock abstracts wall time and one-shot timers so the sync core can
// be driven deterministically in tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Timer is a cancelable one-shot callback.
type Timer interface {
	// Stop cancels the timer. It reports whether the call prevented the callback.
	Stop() bool
}

type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

type realClock struct{}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// Fake is a manually advanced Clock. Callbacks run synchronously inside
// Advance, in deadline order, on the caller's goroutine.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

type fakeTimer struct {
	clock    *Fake
	deadline time.Time
	seq      int
	fn       func()
}

func NewFake() *Fake {
	return &Fake{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	t := &fakeTimer{clock: f, deadline: f.now.Add(d), seq: f.seq, fn: fn}
	f.timers = append(f.timers, t)
	return t
}

// Pending returns the number of armed timers.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

// NextDeadline returns the delay until the earliest armed timer.
func (f *Fake) NextDeadline() (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.timers) == 0 {
		return 0, false
	}
	f.sortLocked()
	return f.timers[0].deadline.Sub(f.now), true
}

// Advance moves time forward by d, firing every timer whose deadline is reached.
// Timers armed by callbacks fire too if they fall inside the window.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		f.sortLocked()
		if len(f.timers) == 0 || f.timers[0].deadline.After(target) {
			f.now = target
			f.mu.Unlock()
			return
		}
		t := f.timers[0]
		f.timers = f.timers[1:]
		f.now = t.deadline
		f.mu.Unlock()
		t.fn()
	}
}

func (f *Fake) sortLocked() {
	sort.SliceStable(f.timers, func(i, j int) bool {
		if f.timers[i].deadline.Equal(f.timers[j].deadline) {
			return f.timers[i].seq < f.timers[j].seq
		}
		return f.timers[i].deadline.Before(f.timers[j].deadline)
	})
}

func (t *fakeTimer) Stop() bool {
	f := t.clock
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, other := range f.timers {
		if other == t {
			f.timers = append(f.timers[:i], f.timers[i+1:]...)
			return true
		}
	}
	return false
}
