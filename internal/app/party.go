package app

import (
	"context"
	"errors"
	"sync"

	"github.com/jxt1009/toperparty/internal/clock"
	"github.com/jxt1009/toperparty/internal/config"
	"github.com/jxt1009/toperparty/internal/core"
	"github.com/jxt1009/toperparty/internal/domain"
	"github.com/jxt1009/toperparty/internal/mesh"
	"github.com/jxt1009/toperparty/internal/protocol"
	"github.com/jxt1009/toperparty/internal/session"
	"github.com/jxt1009/toperparty/internal/syncer"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var (
	ErrAlreadyActive = errors.New("session already active")
	ErrNotActive     = errors.New("no active session")
)

// ChannelDialer opens the signaling channel for one room.
type ChannelDialer func(ctx context.Context, room domain.RoomID, self domain.UserID) (core.SignalChannel, error)

// Status is what the control surface reports.
type Status struct {
	Active bool            `json:"active"`
	RoomID domain.RoomID   `json:"roomId,omitempty"`
	UserID domain.UserID   `json:"userId,omitempty"`
	Peers  []mesh.PeerInfo `json:"peers,omitempty"`
}

// run holds everything built for one party session.
type run struct {
	sess        *session.Session
	coord       *syncer.Coordinator
	drift       *syncer.DriftCorrector
	mesh        *mesh.Manager
	unsubscribe func()

	redial    func(ctx context.Context) (core.SignalChannel, error)
	reconnect config.ReconnectConfig

	chMu    sync.Mutex
	channel core.SignalChannel
}

// Party is the control surface. Every StartSession builds a fresh session
// and fresh components; StopSession drops them.
type Party struct {
	cfg     *config.Config
	clk     clock.Clock
	player  core.Player
	dial    ChannelDialer
	newConn core.MediaConnectionFactory
	sink    mesh.MediaSink

	// LocalID, when set, is used instead of a generated id.
	LocalID domain.UserID

	mu     sync.Mutex
	run    *run
	tracks []webrtc.TrackLocal
}

func NewParty(
	cfg *config.Config,
	clk clock.Clock,
	player core.Player,
	dial ChannelDialer,
	newConn core.MediaConnectionFactory,
	sink mesh.MediaSink,
) *Party {
	return &Party{
		cfg:     cfg,
		clk:     clk,
		player:  player,
		dial:    dial,
		newConn: newConn,
		sink:    sink,
	}
}

// StartSession joins room, generating a room id when empty, and returns the
// local user id announced to the other members.
func (p *Party) StartSession(ctx context.Context, room string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.run != nil {
		if p.run.sess.IsActive() {
			return "", ErrAlreadyActive
		}
		// The relay was lost for good; clear what is left of that session.
		p.run.stop()
		p.run = nil
	}

	roomID := domain.NormalizeRoomID(room)
	if roomID == "" {
		roomID = domain.NewRoomID()
	}
	localID := p.LocalID
	if localID == "" {
		localID = domain.NewUserID()
	}
	if err := localID.Validate(); err != nil {
		return "", err
	}

	ch, err := p.dial(ctx, roomID, localID)
	if err != nil {
		return "", err
	}

	sess := session.New(context.WithoutCancel(ctx), ch, p.clk, localID, roomID)
	coord := syncer.NewCoordinator(p.cfg.Sync, p.clk, p.player, sess)
	r := &run{
		sess:    sess,
		channel: ch,
		coord:   coord,
		drift:   syncer.NewDriftCorrector(p.cfg.Sync, p.clk, p.player, coord, sess),
		mesh:    mesh.NewManager(sess.Context(), localID, sess, p.newConn, p.sink, p.clk, p.cfg.Reconnect),
		redial: func(ctx context.Context) (core.SignalChannel, error) {
			return p.dial(ctx, roomID, localID)
		},
		reconnect: p.cfg.Reconnect,
	}
	ch.OnMessage(func(f core.Frame) { r.dispatch(f) })

	coord.Start()
	r.unsubscribe = p.player.Subscribe(coord.OnLocalEvent)
	r.drift.Start(sess.Context())
	if len(p.tracks) > 0 {
		r.mesh.SetLocalTracks(p.tracks)
	}
	p.run = r

	sess.SafeSend(&protocol.Join{})
	r.watchChannel(ch)
	log.Info().Str("module", "party").Str("room", string(roomID)).Str("user", string(localID)).Msg("session started")
	return string(localID), nil
}

// StopSession announces LEAVE and tears the session down. It is a no-op when
// no session was started.
func (p *Party) StopSession() {
	p.mu.Lock()
	r := p.run
	p.run = nil
	p.mu.Unlock()
	if r == nil {
		return
	}
	r.sess.SafeSend(&protocol.Leave{})
	r.stop()
}

func (r *run) stop() {
	st := r.sess.Snapshot()
	r.drift.Stop()
	r.coord.Stop()
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
	r.mesh.Close()
	r.sess.Close()
	if err := r.currentChannel().Close(); err != nil {
		log.Warn().Err(err).Str("module", "party").Msg("channel close")
	}
	log.Info().Str("module", "party").Str("room", string(st.RoomID)).Str("user", string(st.LocalID)).Msg("session stopped")
}

func (r *run) currentChannel() core.SignalChannel {
	r.chMu.Lock()
	defer r.chMu.Unlock()
	return r.channel
}

func (p *Party) Status() Status {
	p.mu.Lock()
	r := p.run
	p.mu.Unlock()
	if r == nil {
		return Status{}
	}
	st := r.sess.Snapshot()
	return Status{
		Active: st.Active,
		RoomID: st.RoomID,
		UserID: st.LocalID,
		Peers:  r.mesh.Peers(),
	}
}

// SetLocalTracks publishes the local camera and microphone to every peer,
// now and in later sessions.
func (p *Party) SetLocalTracks(tracks ...webrtc.TrackLocal) {
	p.mu.Lock()
	p.tracks = tracks
	r := p.run
	p.mu.Unlock()
	if r != nil {
		r.mesh.SetLocalTracks(tracks)
	}
}

// HandleFrame dispatches one inbound frame to the active session.
func (p *Party) HandleFrame(data []byte) error {
	p.mu.Lock()
	r := p.run
	p.mu.Unlock()
	if r == nil {
		return ErrNotActive
	}
	r.dispatch(data)
	return nil
}
