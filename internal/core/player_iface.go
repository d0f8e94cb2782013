package core

import (
	"context"
	"errors"
	"time"
)

// ErrUnknownState is returned by a Player when it cannot report a value,
// e.g. the media surface is not attached yet. Callers must not act on it.
var ErrUnknownState = errors.New("player state unknown")

type PlayerEventKind int

const (
	EventPlay PlayerEventKind = iota
	EventPause
	EventSeek
)

func (k PlayerEventKind) String() string {
	switch k {
	case EventPlay:
		return "play"
	case EventPause:
		return "pause"
	case EventSeek:
		return "seek"
	default:
		return "unknown"
	}
}

// PlayerEvent is a locally observed playback change. At is the position the
// player reported at the moment of observation.
type PlayerEvent struct {
	Kind PlayerEventKind
	At   time.Duration
}

// Player is the media surface the party drives. Every call may block and
// must honor ctx; a timed-out or failed query means "unknown".
type Player interface {
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	Seek(ctx context.Context, pos time.Duration) error
	CurrentTime(ctx context.Context) (time.Duration, error)
	IsPaused(ctx context.Context) (bool, error)
	// Subscribe registers fn for local play/pause/seek events until cancel is called.
	Subscribe(fn func(PlayerEvent)) (cancel func())
}
