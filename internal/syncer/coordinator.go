// Package syncer decides which local playback changes are announced to the
// party and applies remote ones without echoing them back.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/jxt1009/toperparty/internal/clock"
	"github.com/jxt1009/toperparty/internal/config"
	"github.com/jxt1009/toperparty/internal/core"
	"github.com/jxt1009/toperparty/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Sender is the outbound gate the coordinator broadcasts through.
type Sender interface {
	SafeSend(protocol.Message) bool
	IsActive() bool
}

type Action int

const (
	ActionPlay Action = iota
	ActionPause
	ActionSeek
)

func (a Action) String() string {
	switch a {
	case ActionPlay:
		return "play"
	case ActionPause:
		return "pause"
	case ActionSeek:
		return "seek"
	default:
		return "unknown"
	}
}

// RemoteCommand is a playback instruction received from a peer. Playing is
// only meaningful for seeks; nil leaves the play state alone.
type RemoteCommand struct {
	Action   Action
	Position time.Duration
	Playing  *bool
}

// CommandFromMessage maps a PLAY_PAUSE or SEEK message to a RemoteCommand.
func CommandFromMessage(m protocol.Message) (RemoteCommand, bool) {
	switch v := m.(type) {
	case *protocol.PlayPause:
		cmd := RemoteCommand{Action: ActionPlay, Position: protocol.Position(v.CurrentTime)}
		if v.Control == protocol.ControlPause {
			cmd.Action = ActionPause
		}
		return cmd, true
	case *protocol.Seek:
		playing := v.IsPlaying
		return RemoteCommand{Action: ActionSeek, Position: protocol.Position(v.CurrentTime), Playing: &playing}, true
	default:
		return RemoteCommand{}, false
	}
}

// window accumulates the local events seen during one debounce period.
type window struct {
	seek      bool
	seekAt    time.Duration
	hasToggle bool
	toggle    core.PlayerEvent
}

func (w *window) add(ev core.PlayerEvent) {
	switch ev.Kind {
	case core.EventSeek:
		w.seek = true
		w.seekAt = ev.At
	case core.EventPlay, core.EventPause:
		w.hasToggle = true
		w.toggle = ev
	}
}

func (w *window) empty() bool { return !w.seek && !w.hasToggle }

// Coordinator owns the suppression window and the debounce state machine:
// Idle, Suppressed(until) and Debouncing(pending, timer).
type Coordinator struct {
	cfg    config.SyncConfig
	clk    clock.Clock
	player core.Player
	out    Sender
	logger zerolog.Logger

	mu              sync.Mutex
	suppressUntil   time.Time
	lastInteraction time.Time
	lastPlaying     bool
	pending         window
	debounce        clock.Timer
	gen             uint64
	stopped         bool
}

func NewCoordinator(cfg config.SyncConfig, clk clock.Clock, player core.Player, out Sender) *Coordinator {
	return &Coordinator{
		cfg:    cfg,
		clk:    clk,
		player: player,
		out:    out,
		logger: log.With().Str("module", "syncer.coordinator").Logger(),
	}
}

// Start arms the startup grace suppression. Call it before subscribing to
// player events so a freshly attached player's autoplay and seek-to-zero are
// swallowed.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.extendLocked(c.cfg.StartupGrace)
	c.logger.Info().Time("suppress_until", c.suppressUntil).Msg("startup grace armed")
}

// Stop cancels the debounce timer and drops any pending events.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
	c.pending = window{}
}

// Suppressed reports whether local events are currently treated as echoes.
func (c *Coordinator) Suppressed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clk.Now().Before(c.suppressUntil)
}

func (c *Coordinator) SuppressedUntil() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.suppressUntil
}

// LastInteraction is the time of the last accepted local event.
func (c *Coordinator) LastInteraction() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastInteraction
}

func (c *Coordinator) extendLocked(d time.Duration) {
	until := c.clk.Now().Add(d)
	if until.After(c.suppressUntil) {
		c.suppressUntil = until
	}
}

// OnLocalEvent is the player subscription callback.
func (c *Coordinator) OnLocalEvent(ev core.PlayerEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	now := c.clk.Now()
	if now.Before(c.suppressUntil) {
		c.logger.Debug().Str("event", ev.Kind.String()).Dur("remaining", c.suppressUntil.Sub(now)).Msg("local event suppressed")
		return
	}

	c.lastInteraction = now
	switch ev.Kind {
	case core.EventPlay:
		c.lastPlaying = true
	case core.EventPause:
		c.lastPlaying = false
	}
	c.pending.add(ev)

	if c.debounce != nil {
		c.debounce.Stop()
	}
	c.gen++
	gen := c.gen
	c.debounce = c.clk.AfterFunc(c.cfg.DebounceWindow, func() { c.flush(gen) })
}

func (c *Coordinator) flush(gen uint64) {
	c.mu.Lock()
	if c.stopped || gen != c.gen {
		c.mu.Unlock()
		return
	}
	w := c.pending
	c.pending = window{}
	c.debounce = nil
	suppressed := c.clk.Now().Before(c.suppressUntil)
	fallback := c.lastPlaying
	c.mu.Unlock()

	if w.empty() {
		return
	}
	if suppressed {
		c.logger.Debug().Msg("window dropped, remote command applied meanwhile")
		return
	}

	if w.seek {
		playing := fallback
		if paused, err := c.queryPaused(context.Background()); err == nil {
			playing = !paused
		}
		c.logger.Info().Dur("at", w.seekAt).Bool("playing", playing).Msg("broadcast seek")
		c.out.SafeSend(&protocol.Seek{CurrentTime: protocol.Seconds(w.seekAt), IsPlaying: playing})
		return
	}

	ctrl := protocol.ControlPlay
	if w.toggle.Kind == core.EventPause {
		ctrl = protocol.ControlPause
	}
	c.logger.Info().Str("control", string(ctrl)).Dur("at", w.toggle.At).Msg("broadcast play/pause")
	c.out.SafeSend(&protocol.PlayPause{Control: ctrl, CurrentTime: protocol.Seconds(w.toggle.At)})
}

func (c *Coordinator) lockFor(a Action) time.Duration {
	if a == ActionSeek {
		return c.cfg.SeekLock
	}
	return c.cfg.PlayPauseLock
}

// ApplyRemote drives the player on behalf of a peer. The suppression window
// is extended before the player is touched so the events it emits are not
// re-broadcast. Player failures are logged; suppression is not rolled back.
func (c *Coordinator) ApplyRemote(ctx context.Context, cmd RemoteCommand) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.extendLocked(c.lockFor(cmd.Action))
	until := c.suppressUntil
	c.mu.Unlock()

	logger := c.logger.With().Str("action", cmd.Action.String()).Logger()
	logger.Info().Dur("position", cmd.Position).Time("suppress_until", until).Msg("apply remote")

	switch cmd.Action {
	case ActionPlay:
		c.applyPlaying(ctx, true)
	case ActionPause:
		c.applyPlaying(ctx, false)
	case ActionSeek:
		err := c.call(ctx, func(ctx context.Context) error { return c.player.Seek(ctx, cmd.Position) })
		if err != nil {
			logger.Warn().Err(err).Msg("remote seek failed")
			return
		}
		if cmd.Playing == nil {
			return
		}
		paused, err := c.queryPaused(ctx)
		if err != nil {
			logger.Debug().Err(err).Msg("play state unknown after seek")
			return
		}
		if *cmd.Playing == paused {
			c.applyPlaying(ctx, *cmd.Playing)
		}
	}
}

func (c *Coordinator) applyPlaying(ctx context.Context, playing bool) {
	fn := c.player.Pause
	if playing {
		fn = c.player.Play
	}
	if err := c.call(ctx, fn); err != nil {
		c.logger.Warn().Err(err).Bool("playing", playing).Msg("remote play/pause failed")
		return
	}
	c.mu.Lock()
	c.lastPlaying = playing
	c.mu.Unlock()
}

func (c *Coordinator) call(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.AdapterTimeout)
	defer cancel()
	return fn(ctx)
}

func (c *Coordinator) queryPaused(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.AdapterTimeout)
	defer cancel()
	return c.player.IsPaused(ctx)
}

func (c *Coordinator) queryPosition(ctx context.Context) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.AdapterTimeout)
	defer cancel()
	return c.player.CurrentTime(ctx)
}
