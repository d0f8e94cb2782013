// Package media drains remote peer tracks and keeps per-peer receive stats.
package media

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jxt1009/toperparty/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TrackStats is a snapshot of one inbound track.
type TrackStats struct {
	Kind     string    `json:"kind"`
	Packets  uint64    `json:"packets"`
	Bytes    uint64    `json:"bytes"`
	LastSeen time.Time `json:"last_seen"`
}

type inTrack struct {
	kind     string
	packets  atomic.Uint64
	bytes    atomic.Uint64
	lastSeen atomic.Int64
}

type peerTracks struct {
	ctx    context.Context
	cancel context.CancelFunc
	// link is the connection context the current tracks arrived on.
	link   context.Context
	tracks map[string]*inTrack
}

// Sink implements mesh.MediaSink. Each remote track is read until it ends,
// its peer is removed, or the sink is closed.
type Sink struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.RWMutex
	peers map[domain.UserID]*peerTracks

	// OnPacket, if set, sees every packet read from a remote track.
	OnPacket func(peer domain.UserID, kind string, pkt *rtp.Packet)
}

func NewSink(ctx context.Context) *Sink {
	ctx, cancel := context.WithCancel(ctx)
	return &Sink{
		ctx:    ctx,
		cancel: cancel,
		peers:  make(map[domain.UserID]*peerTracks),
	}
}

func (s *Sink) AttachTrack(ctx context.Context, peer domain.UserID, track *webrtc.TrackRemote) {
	read := func() (*rtp.Packet, error) {
		pkt, _, err := track.ReadRTP()
		return pkt, err
	}
	s.attach(ctx, peer, track.ID(), track.Kind().String(), read)
}

func (s *Sink) attach(ctx context.Context, peer domain.UserID, trackID, kind string, read func() (*rtp.Packet, error)) {
	s.mu.Lock()
	pt, ok := s.peers[peer]
	if !ok {
		pctx, pcancel := context.WithCancel(s.ctx)
		pt = &peerTracks{ctx: pctx, cancel: pcancel, tracks: make(map[string]*inTrack)}
		s.peers[peer] = pt
	}
	if pt.link != ctx {
		if pt.link != nil {
			log.Debug().Str("module", "media.sink").Str("peer", string(peer)).Int("dropped", len(pt.tracks)).Msg("new link, track stats reset")
		}
		pt.link = ctx
		pt.tracks = make(map[string]*inTrack)
	}
	in := &inTrack{kind: kind}
	pt.tracks[trackID] = in
	peerCtx := pt.ctx
	s.mu.Unlock()

	logger := log.With().
		Str("module", "media.sink").
		Str("peer", string(peer)).
		Str("track_id", trackID).
		Str("kind", kind).
		Logger()
	logger.Info().Msg("remote track attached")

	loopCtx, cancel := context.WithCancel(peerCtx)
	stop := context.AfterFunc(ctx, cancel)
	go func() {
		defer stop()
		s.loop(loopCtx, cancel, peer, in, read, &logger)
	}()
}

// loop reads RTP packets from the remote track until it fails or ctx ends.
func (s *Sink) loop(ctx context.Context, cancel context.CancelFunc, peer domain.UserID, in *inTrack, read func() (*rtp.Packet, error), logger *zerolog.Logger) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("sink ctx done")
			return
		default:
		}
		pkt, err := read()
		if err != nil {
			logger.Info().Err(err).Msg("remote track ended")
			return
		}
		in.packets.Add(1)
		in.bytes.Add(uint64(len(pkt.Payload)))
		in.lastSeen.Store(time.Now().UnixNano())
		if s.OnPacket != nil {
			s.OnPacket(peer, in.kind, pkt)
		}
	}
}

func (s *Sink) RemovePeer(peer domain.UserID) {
	s.mu.Lock()
	pt, ok := s.peers[peer]
	delete(s.peers, peer)
	s.mu.Unlock()
	if !ok {
		return
	}
	pt.cancel()
	log.Info().Str("module", "media.sink").Str("peer", string(peer)).Msg("peer media removed")
}

// Stats returns the inbound track stats for peer.
func (s *Sink) Stats(peer domain.UserID) ([]TrackStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pt, ok := s.peers[peer]
	if !ok {
		return nil, false
	}
	out := make([]TrackStats, 0, len(pt.tracks))
	for _, in := range pt.tracks {
		ts := TrackStats{Kind: in.kind, Packets: in.packets.Load(), Bytes: in.bytes.Load()}
		if ns := in.lastSeen.Load(); ns != 0 {
			ts.LastSeen = time.Unix(0, ns)
		}
		out = append(out, ts)
	}
	return out, true
}

func (s *Sink) Close() {
	s.cancel()
	s.mu.Lock()
	s.peers = make(map[domain.UserID]*peerTracks)
	s.mu.Unlock()
}
