// Package player provides a headless core.Player driven by a clock, used by
// the participant CLI and by tests.
package player

import (
	"context"
	"sync"
	"time"

	"github.com/jxt1009/toperparty/internal/clock"
	"github.com/jxt1009/toperparty/internal/core"
)

// Virtual simulates a media element: its position advances with the clock
// while playing, scaled by Rate, and every state change is reported to
// subscribers the way a real player reports its own events.
type Virtual struct {
	clk clock.Clock

	mu       sync.Mutex
	base     time.Duration
	since    time.Time
	paused   bool
	rate     float64
	length   time.Duration
	detached bool
	latency  time.Duration
	subs     map[int]func(core.PlayerEvent)
	nextSub  int
}

// NewVirtual returns a paused player at position 0. length 0 means unbounded.
func NewVirtual(clk clock.Clock, length time.Duration) *Virtual {
	return &Virtual{
		clk:    clk,
		since:  clk.Now(),
		paused: true,
		rate:   1,
		length: length,
		subs:   make(map[int]func(core.PlayerEvent)),
	}
}

// SetRate changes the playback speed, e.g. 1.02 to simulate a drifting peer.
func (v *Virtual) SetRate(rate float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rebaseLocked()
	v.rate = rate
}

// SetDetached makes every query report core.ErrUnknownState.
func (v *Virtual) SetDetached(detached bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.detached = detached
}

// SetLatency delays every call by d, bounded by the caller's context.
func (v *Virtual) SetLatency(d time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.latency = d
}

func (v *Virtual) positionLocked() time.Duration {
	pos := v.base
	if !v.paused {
		elapsed := v.clk.Now().Sub(v.since)
		pos += time.Duration(float64(elapsed) * v.rate)
	}
	if v.length > 0 && pos > v.length {
		pos = v.length
	}
	return pos
}

func (v *Virtual) rebaseLocked() {
	v.base = v.positionLocked()
	v.since = v.clk.Now()
}

func (v *Virtual) wait(ctx context.Context) error {
	v.mu.Lock()
	d := v.latency
	v.mu.Unlock()
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (v *Virtual) Play(ctx context.Context) error {
	return v.setPaused(ctx, false)
}

func (v *Virtual) Pause(ctx context.Context) error {
	return v.setPaused(ctx, true)
}

func (v *Virtual) setPaused(ctx context.Context, paused bool) error {
	if err := v.wait(ctx); err != nil {
		return err
	}
	v.mu.Lock()
	if v.detached {
		v.mu.Unlock()
		return core.ErrUnknownState
	}
	if v.paused == paused {
		v.mu.Unlock()
		return nil
	}
	v.rebaseLocked()
	v.paused = paused
	ev := core.PlayerEvent{Kind: core.EventPlay, At: v.base}
	if paused {
		ev.Kind = core.EventPause
	}
	subs := v.subscribersLocked()
	v.mu.Unlock()

	emit(subs, ev)
	return nil
}

func (v *Virtual) Seek(ctx context.Context, pos time.Duration) error {
	if err := v.wait(ctx); err != nil {
		return err
	}
	if pos < 0 {
		pos = 0
	}
	v.mu.Lock()
	if v.detached {
		v.mu.Unlock()
		return core.ErrUnknownState
	}
	if v.length > 0 && pos > v.length {
		pos = v.length
	}
	v.base = pos
	v.since = v.clk.Now()
	subs := v.subscribersLocked()
	v.mu.Unlock()

	emit(subs, core.PlayerEvent{Kind: core.EventSeek, At: pos})
	return nil
}

func (v *Virtual) CurrentTime(ctx context.Context) (time.Duration, error) {
	if err := v.wait(ctx); err != nil {
		return 0, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.detached {
		return 0, core.ErrUnknownState
	}
	return v.positionLocked(), nil
}

func (v *Virtual) IsPaused(ctx context.Context) (bool, error) {
	if err := v.wait(ctx); err != nil {
		return false, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.detached {
		return false, core.ErrUnknownState
	}
	return v.paused, nil
}

func (v *Virtual) Subscribe(fn func(core.PlayerEvent)) func() {
	v.mu.Lock()
	defer v.mu.Unlock()
	id := v.nextSub
	v.nextSub++
	v.subs[id] = fn
	return func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		delete(v.subs, id)
	}
}

func (v *Virtual) subscribersLocked() []func(core.PlayerEvent) {
	out := make([]func(core.PlayerEvent), 0, len(v.subs))
	for _, fn := range v.subs {
		out = append(out, fn)
	}
	return out
}

func emit(subs []func(core.PlayerEvent), ev core.PlayerEvent) {
	for _, fn := range subs {
		fn(ev)
	}
}
