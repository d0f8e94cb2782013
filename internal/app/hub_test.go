package app

import (
	"context"
	"errors"
	"sync"

	"github.com/jxt1009/toperparty/internal/core"
	"github.com/jxt1009/toperparty/internal/domain"
	"github.com/jxt1009/toperparty/internal/protocol"
	"github.com/pion/webrtc/v4"
)

// hub is an in-memory relay. Each member has its own delivery goroutine so
// handlers never run on the sender's stack, as with a real socket.
type hub struct {
	mu       sync.Mutex
	members  map[*hubChannel]struct{}
	frames   []core.Frame
	down     bool
	dialErrs int
}

var errHubDown = errors.New("hub down")

func newHub() *hub {
	return &hub{members: make(map[*hubChannel]struct{})}
}

func (h *hub) dial(_ context.Context, room domain.RoomID, user domain.UserID) (core.SignalChannel, error) {
	h.mu.Lock()
	if h.down {
		h.dialErrs++
		h.mu.Unlock()
		return nil, errHubDown
	}
	c := &hubChannel{hub: h, room: room, user: user, in: make(chan core.Frame, 256), done: make(chan struct{})}
	h.members[c] = struct{}{}
	h.mu.Unlock()
	go c.pump()
	return c, nil
}

// setDown makes every later dial fail until it is called with false.
func (h *hub) setDown(down bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.down = down
}

func (h *hub) failedDials() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dialErrs
}

// kick drops every connection of user, as the relay does for a bad member.
func (h *hub) kick(user domain.UserID) {
	h.mu.Lock()
	var victims []*hubChannel
	for m := range h.members {
		if m.user == user {
			victims = append(victims, m)
		}
	}
	h.mu.Unlock()
	for _, m := range victims {
		_ = m.Close()
	}
}

func (h *hub) broadcast(from *hubChannel, f core.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, f)
	for m := range h.members {
		if m == from || m.room != from.room {
			continue
		}
		select {
		case m.in <- f:
		default:
		}
	}
}

// count returns how many frames of type k the hub relayed from sender.
func (h *hub) count(k protocol.Type, sender domain.UserID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, f := range h.frames {
		m, err := protocol.Decode(f)
		if err != nil {
			continue
		}
		if m.Kind() == k && m.Envelope().Sender() == string(sender) {
			n++
		}
	}
	return n
}

type hubChannel struct {
	hub  *hub
	room domain.RoomID
	user domain.UserID
	in   chan core.Frame
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	handler func(core.Frame)
}

func (c *hubChannel) Send(_ context.Context, f core.Frame) error {
	select {
	case <-c.done:
		return errHubDown
	default:
	}
	c.hub.broadcast(c, f)
	return nil
}

func (c *hubChannel) OnMessage(fn func(core.Frame)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = fn
}

func (c *hubChannel) Done() <-chan struct{} { return c.done }

func (c *hubChannel) Close() error {
	c.once.Do(func() {
		c.hub.mu.Lock()
		delete(c.hub.members, c)
		c.hub.mu.Unlock()
		close(c.done)
	})
	return nil
}

func (c *hubChannel) pump() {
	for {
		select {
		case <-c.done:
			return
		case f := <-c.in:
			c.mu.Lock()
			fn := c.handler
			c.mu.Unlock()
			if fn != nil {
				fn(f)
			}
		}
	}
}

// nopConn negotiates instantly and never carries media.
type nopConn struct{}

func newNopConn(domain.UserID) (core.MediaConnection, error) { return nopConn{}, nil }

func (nopConn) Start(context.Context) error { return nil }
func (nopConn) Close()                      {}
func (nopConn) CreateAndSetOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}, nil
}
func (nopConn) ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}, nil
}
func (nopConn) ApplyAnswer(webrtc.SessionDescription) error                             { return nil }
func (nopConn) AddICECandidate(webrtc.ICECandidateInit) error                           { return nil }
func (nopConn) SetLocalTracks([]webrtc.TrackLocal) (bool, error)                        { return false, nil }
func (nopConn) OnICECandidate(func(webrtc.ICECandidateInit))                            {}
func (nopConn) OnStateChange(func(webrtc.PeerConnectionState))                          {}
func (nopConn) OnTrack(func(context.Context, *webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

type nopSink struct{}

func (nopSink) AttachTrack(context.Context, domain.UserID, *webrtc.TrackRemote) {}
func (nopSink) RemovePeer(domain.UserID)                                        {}
