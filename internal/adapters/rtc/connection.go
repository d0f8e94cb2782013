package rtc

import (
	"context"
	"errors"
	"sync"

	"github.com/jxt1009/toperparty/internal/core"
	"github.com/jxt1009/toperparty/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var ErrNotStarted = errors.New("connection not started")

// WebRTCConnection implements core.MediaConnection on a pion PeerConnection
// with trickle ICE.
type WebRTCConnection struct {
	pc     *webrtc.PeerConnection
	peer   domain.UserID
	cancel context.CancelFunc

	mu       sync.RWMutex
	onICE    func(webrtc.ICECandidateInit)
	onState  func(webrtc.PeerConnectionState)
	onTrack  func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	started  bool
	closeOne sync.Once
}

func DefaultWebRTCConfig() webrtc.Configuration {
	return WebRTCConfig([]string{"stun:stun.l.google.com:19302"})
}

func WebRTCConfig(servers []string) webrtc.Configuration {
	cfg := webrtc.Configuration{}
	if len(servers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: servers}}
	}
	return cfg
}

// NewFactory returns a core.MediaConnectionFactory building pion connections.
func NewFactory(cfg webrtc.Configuration) core.MediaConnectionFactory {
	return func(peer domain.UserID) (core.MediaConnection, error) {
		return NewWebRTCConnection(cfg, peer)
	}
}

func NewWebRTCConnection(cfg webrtc.Configuration, peer domain.UserID) (*WebRTCConnection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return &WebRTCConnection{pc: pc, peer: peer}, nil
}

func (c *WebRTCConnection) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "webrtc").Str("peer", string(c.peer)).Str("ice_state", s.String()).Msg("ICE state")
	})

	// State handlers run on their own goroutine so they may Close the connection.
	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("peer", string(c.peer)).Str("peer_connection_state", s.String()).Msg("Peer state")
		c.mu.RLock()
		fn := c.onState
		c.mu.RUnlock()
		if fn != nil {
			go fn(s)
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		c.mu.RLock()
		fn := c.onICE
		c.mu.RUnlock()
		if cand != nil && fn != nil {
			fn(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "webrtc").
			Str("peer", string(c.peer)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		c.mu.RLock()
		fn := c.onTrack
		c.mu.RUnlock()
		if fn != nil {
			fn(ctx, track, receiver)
		}
	})

	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	return nil
}

// ensureTransceivers lets an offerer without local media still receive the
// peer's audio and video.
func (c *WebRTCConnection) ensureTransceivers() error {
	have := make(map[webrtc.RTPCodecType]bool)
	for _, t := range c.pc.GetTransceivers() {
		have[t.Kind()] = true
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if have[kind] {
			continue
		}
		_, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *WebRTCConnection) CreateAndSetOffer() (webrtc.SessionDescription, error) {
	if !c.isStarted() {
		return webrtc.SessionDescription{}, ErrNotStarted
	}
	if err := c.ensureTransceivers(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (c *WebRTCConnection) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if !c.isStarted() {
		return webrtc.SessionDescription{}, ErrNotStarted
	}
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (c *WebRTCConnection) ApplyAnswer(answer webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(answer)
}

func (c *WebRTCConnection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

// SetLocalTracks swaps the track on an existing sender of the same kind and
// adds a sender otherwise.
func (c *WebRTCConnection) SetLocalTracks(tracks []webrtc.TrackLocal) (bool, error) {
	added := false
	for _, track := range tracks {
		replaced := false
		for _, sender := range c.pc.GetSenders() {
			current := sender.Track()
			if current == nil || current.Kind() != track.Kind() {
				continue
			}
			if err := sender.ReplaceTrack(track); err != nil {
				return added, err
			}
			replaced = true
			break
		}
		if replaced {
			continue
		}
		sender, err := c.pc.AddTrack(track)
		if err != nil {
			return added, err
		}
		go drainRTCP(sender)
		added = true
	}
	return added, nil
}

// drainRTCP keeps interceptors (NACK, reports) running for an outgoing sender.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (c *WebRTCConnection) Close() {
	c.closeOne.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		if c.pc != nil {
			if err := c.pc.Close(); err != nil {
				log.Error().Err(err).Str("module", "webrtc").Str("peer", string(c.peer)).Msg("close error")
			} else {
				log.Info().Str("module", "webrtc").Str("peer", string(c.peer)).Msg("closed")
			}
		}
	})
}

func (c *WebRTCConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICE = fn
}

func (c *WebRTCConnection) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

// OnTrack sets application-level callback for remote tracks.
func (c *WebRTCConnection) OnTrack(fn func(ctx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = fn
}

func (c *WebRTCConnection) isStarted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.started
}
