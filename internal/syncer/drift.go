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

// SyncOutcome says what HandlePassiveSync did with a SYNC_TIME message.
type SyncOutcome int

const (
	SyncCorrected SyncOutcome = iota
	SyncInTolerance
	SyncStale
	SyncSuppressed
	SyncRecentInteraction
	SyncUnknownPosition
	SyncStopped
)

func (o SyncOutcome) String() string {
	switch o {
	case SyncCorrected:
		return "corrected"
	case SyncInTolerance:
		return "in_tolerance"
	case SyncStale:
		return "stale"
	case SyncSuppressed:
		return "suppressed"
	case SyncRecentInteraction:
		return "recent_interaction"
	case SyncUnknownPosition:
		return "unknown_position"
	case SyncStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// DriftCorrector keeps positions loosely aligned with passive SYNC_TIME
// heartbeats. Corrections go through the coordinator so they are suppressed
// like any other remote command.
type DriftCorrector struct {
	cfg    config.SyncConfig
	clk    clock.Clock
	player core.Player
	coord  *Coordinator
	out    Sender
	logger zerolog.Logger

	mu       sync.Mutex
	ticker   clock.Timer
	lastSent time.Time
	stopped  bool
}

func NewDriftCorrector(cfg config.SyncConfig, clk clock.Clock, player core.Player, coord *Coordinator, out Sender) *DriftCorrector {
	return &DriftCorrector{
		cfg:    cfg,
		clk:    clk,
		player: player,
		coord:  coord,
		out:    out,
		logger: log.With().Str("module", "syncer.drift").Logger(),
	}
}

// Start begins the periodic SYNC_TIME sender. It stops with ctx or Stop.
func (d *DriftCorrector) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || d.ticker != nil {
		return
	}
	d.scheduleLocked(ctx)
}

func (d *DriftCorrector) scheduleLocked(ctx context.Context) {
	d.ticker = d.clk.AfterFunc(d.cfg.SyncInterval, func() {
		if ctx.Err() != nil {
			return
		}
		d.MaybeBroadcast(ctx)
		d.mu.Lock()
		defer d.mu.Unlock()
		if !d.stopped {
			d.scheduleLocked(ctx)
		}
	})
}

func (d *DriftCorrector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.ticker != nil {
		d.ticker.Stop()
		d.ticker = nil
	}
}

// MaybeBroadcast sends SYNC_TIME when the session is active, nothing is
// suppressed, the player is known to be playing, the user has been quiet for
// the send quiet period and the last heartbeat is at least one interval old.
func (d *DriftCorrector) MaybeBroadcast(ctx context.Context) bool {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return false
	}
	now := d.clk.Now()
	lastSent := d.lastSent
	d.mu.Unlock()

	if !d.out.IsActive() || d.coord.Suppressed() {
		return false
	}
	if li := d.coord.LastInteraction(); !li.IsZero() && now.Sub(li) < d.cfg.SendQuietPeriod {
		return false
	}
	if !lastSent.IsZero() && now.Sub(lastSent) < d.cfg.SyncInterval {
		return false
	}

	paused, err := d.coord.queryPaused(ctx)
	if err != nil || paused {
		return false
	}
	pos, err := d.coord.queryPosition(ctx)
	if err != nil {
		return false
	}

	msg := &protocol.SyncTime{CurrentTime: protocol.Seconds(pos), IsPlaying: true}
	msg.Timestamp = now.UnixMilli()
	if !d.out.SafeSend(msg) {
		return false
	}
	d.mu.Lock()
	d.lastSent = now
	d.mu.Unlock()
	d.logger.Debug().Dur("position", pos).Msg("sync heartbeat sent")
	return true
}

// HandlePassiveSync reconciles the local player against a peer's heartbeat.
func (d *DriftCorrector) HandlePassiveSync(ctx context.Context, m *protocol.SyncTime) SyncOutcome {
	d.mu.Lock()
	stopped := d.stopped
	d.mu.Unlock()
	if stopped {
		return SyncStopped
	}

	now := d.clk.Now()
	logger := d.logger.With().Str("from", m.Sender()).Logger()

	if age := time.Duration(now.UnixMilli()-m.Timestamp) * time.Millisecond; age > d.cfg.StaleAfter {
		logger.Debug().Dur("age", age).Msg("stale sync discarded")
		return SyncStale
	}
	if d.coord.Suppressed() {
		logger.Debug().Msg("sync discarded, suppression active")
		return SyncSuppressed
	}
	if li := d.coord.LastInteraction(); !li.IsZero() && now.Sub(li) < d.cfg.InteractionGuard {
		logger.Debug().Msg("sync discarded, recent local interaction")
		return SyncRecentInteraction
	}

	local, err := d.coord.queryPosition(ctx)
	if err != nil {
		logger.Debug().Err(err).Msg("sync discarded, local position unknown")
		return SyncUnknownPosition
	}
	remote := protocol.Position(m.CurrentTime)
	drift := local - remote
	if drift < 0 {
		drift = -drift
	}
	if drift <= d.cfg.DriftTolerance {
		return SyncInTolerance
	}

	logger.Info().Dur("local", local).Dur("remote", remote).Dur("drift", drift).Msg("drift correction")
	playing := m.IsPlaying
	d.coord.ApplyRemote(ctx, RemoteCommand{Action: ActionSeek, Position: remote, Playing: &playing})
	return SyncCorrected
}
