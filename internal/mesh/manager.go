// Package mesh keeps one direct media connection per remote participant,
// using the relay purely to carry offers, answers and candidates.
package mesh

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/jxt1009/toperparty/internal/clock"
	"github.com/jxt1009/toperparty/internal/config"
	"github.com/jxt1009/toperparty/internal/core"
	"github.com/jxt1009/toperparty/internal/domain"
	"github.com/jxt1009/toperparty/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("mesh closed")

// Sender is the outbound gate for negotiation messages.
type Sender interface {
	SafeSend(protocol.Message) bool
}

// MediaSink receives remote tracks. RemovePeer is called when a peer is gone for good.
type MediaSink interface {
	AttachTrack(ctx context.Context, peer domain.UserID, track *webrtc.TrackRemote)
	RemovePeer(peer domain.UserID)
}

type Manager struct {
	localID domain.UserID
	out     Sender
	newConn core.MediaConnectionFactory
	sink    MediaSink
	clk     clock.Clock
	cfg     config.ReconnectConfig
	ctx     context.Context
	logger  zerolog.Logger

	// opMu serializes negotiation steps that call into connections.
	opMu sync.Mutex

	mu      sync.Mutex
	peers   map[domain.UserID]*peerLink
	records map[domain.UserID]*reconnectRecord
	left    map[domain.UserID]struct{}
	tracks  []webrtc.TrackLocal
	closed  bool
}

func NewManager(
	ctx context.Context,
	localID domain.UserID,
	out Sender,
	newConn core.MediaConnectionFactory,
	sink MediaSink,
	clk clock.Clock,
	cfg config.ReconnectConfig,
) *Manager {
	return &Manager{
		localID: localID,
		out:     out,
		newConn: newConn,
		sink:    sink,
		clk:     clk,
		cfg:     cfg,
		ctx:     ctx,
		logger:  log.With().Str("module", "mesh").Str("local", string(localID)).Logger(),
		peers:   make(map[domain.UserID]*peerLink),
		records: make(map[domain.UserID]*reconnectRecord),
		left:    make(map[domain.UserID]struct{}),
	}
}

// HandleJoin opens a connection to a newly announced peer and offers to it.
func (m *Manager) HandleJoin(from domain.UserID) {
	if from == "" || from == m.localID {
		return
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	delete(m.left, from)
	_, known := m.peers[from]
	m.mu.Unlock()
	if known {
		m.logger.Debug().Str("peer", string(from)).Msg("join from known peer ignored")
		return
	}

	m.logger.Info().Str("peer", string(from)).Msg("peer joined")
	if err := m.sendOffer(from); err != nil {
		m.logger.Error().Err(err).Str("peer", string(from)).Msg("offer on join failed")
	}
}

// HandleOffer answers a remote offer. A link that is mid-negotiation is
// discarded and rebuilt; a stable link is renegotiated in place. When both
// sides offered at once the peer with the lower id keeps its offer and the
// other one answers it.
func (m *Manager) HandleOffer(from domain.UserID, offer webrtc.SessionDescription) {
	if from == "" || from == m.localID {
		return
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()

	logger := m.logger.With().Str("peer", string(from)).Logger()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if _, gone := m.left[from]; gone {
		m.mu.Unlock()
		logger.Warn().Msg("offer from departed peer ignored")
		return
	}
	link := m.peers[from]
	if link != nil && link.state == StateHaveLocalOffer && m.localID < from {
		m.mu.Unlock()
		logger.Info().Msg("offer collision, keeping our offer")
		return
	}
	_, recovering := m.records[from]
	reuse := link != nil && link.state == StateStable && !recovering
	m.mu.Unlock()

	if !reuse {
		if link != nil {
			logger.Info().Str("state", link.state.String()).Msg("discarding unstable link for incoming offer")
		}
		var err error
		if link, err = m.connect(from); err != nil {
			logger.Error().Err(err).Msg("connect for offer failed")
			return
		}
	}

	m.setState(link, StateHaveRemoteOffer)
	answer, err := link.conn.ApplyOfferAndCreateAnswer(offer)
	if err != nil {
		logger.Error().Err(err).Msg("apply offer failed")
		return
	}
	m.setState(link, StateStable)
	m.holdReconnect(from)
	m.flushCandidates(link)

	msg := &protocol.Answer{Answer: answer}
	msg.To = string(from)
	m.out.SafeSend(msg)
	logger.Info().Bool("renegotiation", reuse).Msg("answer sent")
}

// HandleAnswer completes our offer. Answers in any other state are duplicates
// or the losing side of glare and are ignored.
func (m *Manager) HandleAnswer(from domain.UserID, answer webrtc.SessionDescription) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	logger := m.logger.With().Str("peer", string(from)).Logger()

	m.mu.Lock()
	link := m.peers[from]
	state := StateClosed
	if link != nil {
		state = link.state
	}
	m.mu.Unlock()

	if link == nil || state != StateHaveLocalOffer {
		logger.Warn().Str("state", state.String()).Msg("answer without pending offer ignored")
		return
	}
	if err := link.conn.ApplyAnswer(answer); err != nil {
		logger.Error().Err(err).Msg("apply answer failed")
		return
	}
	m.setState(link, StateStable)
	m.holdReconnect(from)
	m.flushCandidates(link)
	logger.Info().Msg("answer applied")
}

// HandleCandidate applies a remote ICE candidate, queueing it until the
// remote description is known. Candidates for unknown peers are dropped.
func (m *Manager) HandleCandidate(from domain.UserID, cand webrtc.ICECandidateInit) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	link := m.peers[from]
	if link == nil {
		m.mu.Unlock()
		m.logger.Debug().Str("peer", string(from)).Msg("candidate for unknown peer dropped")
		return
	}
	if !link.state.hasRemoteDescription() {
		link.pending = append(link.pending, cand)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err := link.conn.AddICECandidate(cand); err != nil {
		m.logger.Warn().Err(err).Str("peer", string(from)).Msg("add ice candidate")
	}
}

// HandleLeave tears the peer down and bars automatic reconnection until the
// peer joins again.
func (m *Manager) HandleLeave(from domain.UserID) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	m.left[from] = struct{}{}
	link := m.peers[from]
	delete(m.peers, from)
	rec := m.records[from]
	delete(m.records, from)
	m.mu.Unlock()

	rec.cancel()
	if link != nil {
		m.closeLink(link)
	}
	m.sink.RemovePeer(from)
	m.logger.Info().Str("peer", string(from)).Msg("peer left")
}

// SetLocalTracks makes tracks the outgoing media of every current and future
// link. Stable links that gained a new sender are renegotiated.
func (m *Manager) SetLocalTracks(tracks []webrtc.TrackLocal) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.tracks = append([]webrtc.TrackLocal(nil), tracks...)
	links := make([]*peerLink, 0, len(m.peers))
	for _, l := range m.peers {
		links = append(links, l)
	}
	m.mu.Unlock()

	for _, link := range links {
		renegotiate, err := link.conn.SetLocalTracks(tracks)
		if err != nil {
			m.logger.Warn().Err(err).Str("peer", string(link.id)).Msg("attach local tracks")
			continue
		}
		if renegotiate && m.stateOf(link) == StateStable {
			if err := m.offerOn(link); err != nil {
				m.logger.Warn().Err(err).Str("peer", string(link.id)).Msg("renegotiation offer")
			}
		}
	}
}

// Peers returns a snapshot of every link, sorted by peer id.
func (m *Manager) Peers() []PeerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PeerInfo, 0, len(m.peers))
	for id, l := range m.peers {
		info := PeerInfo{ID: id, State: l.state.String()}
		if rec := m.records[id]; rec != nil {
			info.Attempts = rec.attempts
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close tears down every link and cancels every pending reconnection.
func (m *Manager) Close() {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	links := m.peers
	records := m.records
	m.peers = make(map[domain.UserID]*peerLink)
	m.records = make(map[domain.UserID]*reconnectRecord)
	m.mu.Unlock()

	for _, rec := range records {
		rec.cancel()
	}
	for id, link := range links {
		m.closeLink(link)
		m.sink.RemovePeer(id)
	}
	m.logger.Info().Int("peers", len(links)).Msg("mesh closed")
}

// connect builds a fresh link for peer, replacing and closing any previous
// one. Callers hold opMu.
func (m *Manager) connect(peer domain.UserID) (*peerLink, error) {
	conn, err := m.newConn(peer)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(m.ctx)
	link := &peerLink{id: peer, conn: conn, state: StateNew, cancel: cancel}

	conn.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if !m.isCurrent(link) {
			return
		}
		msg := &protocol.ICECandidate{Candidate: c}
		msg.To = string(peer)
		m.out.SafeSend(msg)
	})
	conn.OnStateChange(func(s webrtc.PeerConnectionState) { m.onStateChange(link, s) })
	conn.OnTrack(func(trackCtx context.Context, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if m.isCurrent(link) {
			m.sink.AttachTrack(trackCtx, peer, track)
		}
	})
	if err := conn.Start(ctx); err != nil {
		cancel()
		conn.Close()
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.closeLink(link)
		return nil, ErrClosed
	}
	old := m.peers[peer]
	m.peers[peer] = link
	tracks := m.tracks
	m.mu.Unlock()

	if old != nil {
		m.closeLink(old)
	}
	if len(tracks) > 0 {
		if _, err := conn.SetLocalTracks(tracks); err != nil {
			m.logger.Warn().Err(err).Str("peer", string(peer)).Msg("attach local tracks")
		}
	}
	return link, nil
}

// sendOffer runs the full offer path on a fresh link. Callers hold opMu.
func (m *Manager) sendOffer(peer domain.UserID) error {
	link, err := m.connect(peer)
	if err != nil {
		return err
	}
	return m.offerOn(link)
}

func (m *Manager) offerOn(link *peerLink) error {
	offer, err := link.conn.CreateAndSetOffer()
	if err != nil {
		return err
	}
	m.setState(link, StateHaveLocalOffer)
	msg := &protocol.Offer{Offer: offer}
	msg.To = string(link.id)
	m.out.SafeSend(msg)
	m.logger.Info().Str("peer", string(link.id)).Msg("offer sent")
	return nil
}

func (m *Manager) closeLink(link *peerLink) {
	m.mu.Lock()
	link.state = StateClosed
	link.pending = nil
	m.mu.Unlock()
	link.cancel()
	link.conn.Close()
}

func (m *Manager) flushCandidates(link *peerLink) {
	m.mu.Lock()
	pending := link.pending
	link.pending = nil
	m.mu.Unlock()
	for _, c := range pending {
		if err := link.conn.AddICECandidate(c); err != nil {
			m.logger.Warn().Err(err).Str("peer", string(link.id)).Msg("add queued ice candidate")
		}
	}
}

func (m *Manager) setState(link *peerLink, s DescriptorState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if link.state != StateClosed {
		link.state = s
	}
}

func (m *Manager) stateOf(link *peerLink) DescriptorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return link.state
}

func (m *Manager) isCurrent(link *peerLink) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && m.peers[link.id] == link
}
