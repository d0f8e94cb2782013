package mesh

import (
	"context"
	"fmt"
	"sync"

	"github.com/jxt1009/toperparty/internal/core"
	"github.com/jxt1009/toperparty/internal/domain"
	"github.com/jxt1009/toperparty/internal/protocol"
	"github.com/pion/webrtc/v4"
)

type fakeConn struct {
	peer domain.UserID
	seq  int

	mu         sync.Mutex
	started    bool
	closed     bool
	offers     int
	answers    []webrtc.SessionDescription
	remote     []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	tracks     []webrtc.TrackLocal
	offerErr   error

	onICE   func(webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
}

func (c *fakeConn) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = true
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) CreateAndSetOffer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.offerErr != nil {
		return webrtc.SessionDescription{}, c.offerErr
	}
	c.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%s-%d-%d", c.peer, c.seq, c.offers)}, nil
}

func (c *fakeConn) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remote = append(c.remote, offer)
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-" + string(c.peer)}, nil
}

func (c *fakeConn) ApplyAnswer(answer webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answers = append(c.answers, answer)
	return nil
}

func (c *fakeConn) AddICECandidate(ci webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidates = append(c.candidates, ci)
	return nil
}

func (c *fakeConn) SetLocalTracks(tracks []webrtc.TrackLocal) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	added := len(tracks) > len(c.tracks)
	c.tracks = tracks
	return added, nil
}

func (c *fakeConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICE = fn
}

func (c *fakeConn) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *fakeConn) OnTrack(func(context.Context, *webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (c *fakeConn) setState(s webrtc.PeerConnectionState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	fn(s)
}

func (c *fakeConn) gather(ci webrtc.ICECandidateInit) {
	c.mu.Lock()
	fn := c.onICE
	c.mu.Unlock()
	fn(ci)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) appliedCandidates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.candidates)
}

type connFactory struct {
	mu    sync.Mutex
	conns map[domain.UserID][]*fakeConn
}

func newConnFactory() *connFactory {
	return &connFactory{conns: make(map[domain.UserID][]*fakeConn)}
}

func (f *connFactory) New(peer domain.UserID) (core.MediaConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeConn{peer: peer, seq: len(f.conns[peer]) + 1}
	f.conns[peer] = append(f.conns[peer], c)
	return c, nil
}

func (f *connFactory) count(peer domain.UserID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns[peer])
}

func (f *connFactory) latest(peer domain.UserID) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	cs := f.conns[peer]
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (s *recordingSender) SafeSend(m protocol.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, m)
	return true
}

// count returns how many messages of type k addressed to peer were sent.
func (s *recordingSender) count(k protocol.Type, peer domain.UserID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.msgs {
		if m.Kind() == k && m.Envelope().To == string(peer) {
			n++
		}
	}
	return n
}

type recordingSink struct {
	mu      sync.Mutex
	removed []domain.UserID
}

func (s *recordingSink) AttachTrack(context.Context, domain.UserID, *webrtc.TrackRemote) {}

func (s *recordingSink) RemovePeer(peer domain.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, peer)
}

func (s *recordingSink) removedCount(peer domain.UserID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.removed {
		if p == peer {
			n++
		}
	}
	return n
}
