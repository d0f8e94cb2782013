package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jxt1009/toperparty/internal/config"
	"github.com/jxt1009/toperparty/internal/core"
	"github.com/jxt1009/toperparty/internal/protocol"
)

// fakePlayer records commands and, like a real media element, reports its
// own state changes back to the subscriber.
type fakePlayer struct {
	mu      sync.Mutex
	paused  bool
	pos     time.Duration
	err     error
	posErr  error
	calls   []string
	queries int
	sub     func(core.PlayerEvent)
	// seekBursts makes Seek emit extra seek events, as players do while buffering.
	seekBursts int
}

func (p *fakePlayer) command(name string, apply func()) error {
	p.mu.Lock()
	p.calls = append(p.calls, name)
	if p.err != nil {
		err := p.err
		p.mu.Unlock()
		return err
	}
	apply()
	p.mu.Unlock()
	return nil
}

func (p *fakePlayer) emit(ev core.PlayerEvent) {
	p.mu.Lock()
	sub := p.sub
	p.mu.Unlock()
	if sub != nil {
		sub(ev)
	}
}

func (p *fakePlayer) Play(context.Context) error {
	err := p.command("play", func() { p.paused = false })
	if err == nil {
		p.emit(core.PlayerEvent{Kind: core.EventPlay, At: p.position()})
	}
	return err
}

func (p *fakePlayer) Pause(context.Context) error {
	err := p.command("pause", func() { p.paused = true })
	if err == nil {
		p.emit(core.PlayerEvent{Kind: core.EventPause, At: p.position()})
	}
	return err
}

func (p *fakePlayer) Seek(_ context.Context, pos time.Duration) error {
	err := p.command(fmt.Sprintf("seek %s", pos), func() { p.pos = pos })
	if err == nil {
		p.mu.Lock()
		n := 1 + p.seekBursts
		p.mu.Unlock()
		for i := 0; i < n; i++ {
			p.emit(core.PlayerEvent{Kind: core.EventSeek, At: pos})
		}
	}
	return err
}

func (p *fakePlayer) CurrentTime(context.Context) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queries++
	if p.posErr != nil {
		return 0, p.posErr
	}
	return p.pos, nil
}

func (p *fakePlayer) IsPaused(context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queries++
	if p.posErr != nil {
		return false, p.posErr
	}
	return p.paused, nil
}

func (p *fakePlayer) Subscribe(fn func(core.PlayerEvent)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sub = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.sub = nil
	}
}

func (p *fakePlayer) position() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pos
}

func (p *fakePlayer) commands() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakePlayer) queryCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queries
}

type recordingSender struct {
	mu       sync.Mutex
	msgs     []protocol.Message
	inactive bool
}

func (s *recordingSender) SafeSend(m protocol.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inactive {
		return false
	}
	s.msgs = append(s.msgs, m)
	return true
}

func (s *recordingSender) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.inactive
}

func (s *recordingSender) sent() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Message(nil), s.msgs...)
}

func testSyncConfig() config.SyncConfig {
	return config.DefaultSync()
}
