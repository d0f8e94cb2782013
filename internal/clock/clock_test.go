package clock

import (
	"testing"
	"time"
)

func TestFakeAdvanceFiresInDeadlineOrder(t *testing.T) {
	f := NewFake()
	var got []string
	f.AfterFunc(300*time.Millisecond, func() { got = append(got, "c") })
	f.AfterFunc(100*time.Millisecond, func() { got = append(got, "a") })
	f.AfterFunc(200*time.Millisecond, func() { got = append(got, "b") })

	f.Advance(250 * time.Millisecond)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("after 250ms fired %v, want [a b]", got)
	}
	if f.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", f.Pending())
	}
	f.Advance(50 * time.Millisecond)
	if len(got) != 3 || got[2] != "c" {
		t.Fatalf("fired %v, want [a b c]", got)
	}
}

func TestFakeStopPreventsCallback(t *testing.T) {
	f := NewFake()
	fired := false
	tm := f.AfterFunc(time.Second, func() { fired = true })
	if !tm.Stop() {
		t.Fatal("Stop on armed timer should report true")
	}
	if tm.Stop() {
		t.Fatal("second Stop should report false")
	}
	f.Advance(2 * time.Second)
	if fired {
		t.Fatal("stopped timer fired")
	}
}

func TestFakeTimersArmedDuringAdvance(t *testing.T) {
	f := NewFake()
	start := f.Now()
	var at []time.Duration
	var tick func()
	tick = func() {
		at = append(at, f.Now().Sub(start))
		f.AfterFunc(time.Second, tick)
	}
	f.AfterFunc(time.Second, tick)

	f.Advance(3500 * time.Millisecond)
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}
	if len(at) != len(want) {
		t.Fatalf("ticks at %v, want %v", at, want)
	}
	for i := range want {
		if at[i] != want[i] {
			t.Errorf("tick %d at %v, want %v", i, at[i], want[i])
		}
	}
	if d, ok := f.NextDeadline(); !ok || d != 500*time.Millisecond {
		t.Fatalf("NextDeadline = %v, %v; want 500ms, true", d, ok)
	}
	if got := f.Now().Sub(start); got != 3500*time.Millisecond {
		t.Fatalf("now advanced %v, want 3.5s", got)
	}
}
