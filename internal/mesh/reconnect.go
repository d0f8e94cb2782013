package mesh

import (
	"github.com/cenkalti/backoff/v4"
	"github.com/jxt1009/toperparty/internal/clock"
	"github.com/jxt1009/toperparty/internal/config"
	"github.com/jxt1009/toperparty/internal/domain"
	"github.com/pion/webrtc/v4"
)

// reconnectRecord tracks automatic recovery for one peer. It lives from the
// first failure until the link connects, the peer leaves, or the attempt
// budget is spent.
type reconnectRecord struct {
	attempts int
	schedule backoff.BackOff
	timer    clock.Timer
	// awaiting is set while timer is the answer deadline of the last attempt
	// rather than the delay before the next one.
	awaiting bool
}

func (r *reconnectRecord) cancel() {
	if r == nil || r.timer == nil {
		return
	}
	r.timer.Stop()
	r.timer = nil
	r.awaiting = false
}

// NewSchedule yields min(base * 2^attempt, max) without jitter, then Stop
// after MaxAttempts delays.
func NewSchedule(cfg config.ReconnectConfig) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.BaseDelay
	eb.RandomizationFactor = 0
	eb.Multiplier = 2
	eb.MaxInterval = cfg.MaxDelay
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithMaxRetries(eb, uint64(cfg.MaxAttempts))
}

func (m *Manager) onStateChange(link *peerLink, s webrtc.PeerConnectionState) {
	logger := m.logger.With().Str("peer", string(link.id)).Str("peer_connection_state", s.String()).Logger()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if _, gone := m.left[link.id]; gone && (s == webrtc.PeerConnectionStateDisconnected || s == webrtc.PeerConnectionStateFailed) {
		current := m.peers[link.id] == link
		if current {
			delete(m.peers, link.id)
		}
		rec := m.records[link.id]
		delete(m.records, link.id)
		m.mu.Unlock()
		rec.cancel()
		logger.Info().Msg("departed peer link dropped")
		m.closeLink(link)
		if current {
			m.sink.RemovePeer(link.id)
		}
		return
	}
	if m.peers[link.id] != link {
		m.mu.Unlock()
		logger.Debug().Msg("state change from stale link ignored")
		return
	}

	switch s {
	case webrtc.PeerConnectionStateConnected:
		rec := m.records[link.id]
		delete(m.records, link.id)
		m.mu.Unlock()
		rec.cancel()
		logger.Info().Msg("peer connected")

	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		abandoned := m.scheduleReconnectLocked(link.id)
		m.mu.Unlock()
		if abandoned != nil {
			m.closeLink(abandoned)
			m.sink.RemovePeer(link.id)
		}

	default:
		m.mu.Unlock()
		logger.Debug().Msg("peer state")
	}
}

// scheduleReconnectLocked arms the next attempt for peer, replacing a pending
// answer deadline. When the budget is spent the peer is abandoned and its
// link is returned for the caller to close.
func (m *Manager) scheduleReconnectLocked(peer domain.UserID) *peerLink {
	rec := m.records[peer]
	if rec == nil {
		rec = &reconnectRecord{schedule: NewSchedule(m.cfg)}
		m.records[peer] = rec
	}
	if rec.timer != nil {
		if !rec.awaiting {
			return nil
		}
		rec.cancel()
	}

	delay := rec.schedule.NextBackOff()
	if delay == backoff.Stop {
		delete(m.records, peer)
		link := m.peers[peer]
		delete(m.peers, peer)
		m.logger.Warn().Str("peer", string(peer)).Int("attempts", rec.attempts).Msg("reconnection budget exhausted, peer abandoned")
		return link
	}

	rec.attempts++
	attempt := rec.attempts
	rec.timer = m.clk.AfterFunc(delay, func() { m.reconnect(peer, attempt) })
	m.logger.Info().Str("peer", string(peer)).Int("attempt", attempt).Dur("delay", delay).Msg("reconnection scheduled")
	return nil
}

// reconnect always re-runs the full offer path on a brand new link.
func (m *Manager) reconnect(peer domain.UserID, attempt int) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	rec := m.records[peer]
	if m.closed || rec == nil || rec.attempts != attempt || rec.timer == nil || rec.awaiting {
		m.mu.Unlock()
		return
	}
	if _, gone := m.left[peer]; gone {
		delete(m.records, peer)
		m.mu.Unlock()
		return
	}
	rec.timer = nil
	m.mu.Unlock()

	m.logger.Info().Str("peer", string(peer)).Int("attempt", attempt).Msg("reconnecting")
	if err := m.sendOffer(peer); err != nil {
		m.logger.Warn().Err(err).Str("peer", string(peer)).Int("attempt", attempt).Msg("reconnect offer failed")
		m.retry(peer)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.records[peer] != rec || rec.timer != nil || m.cfg.AnswerTimeout <= 0 {
		return
	}
	rec.awaiting = true
	rec.timer = m.clk.AfterFunc(m.cfg.AnswerTimeout, func() { m.answerDeadline(peer, attempt) })
}

// answerDeadline fires when the offer of attempt got no answer in time and
// moves on to the next attempt.
func (m *Manager) answerDeadline(peer domain.UserID, attempt int) {
	m.mu.Lock()
	rec := m.records[peer]
	if m.closed || rec == nil || rec.attempts != attempt || !rec.awaiting {
		m.mu.Unlock()
		return
	}
	rec.timer = nil
	rec.awaiting = false
	if link := m.peers[peer]; link != nil && link.state == StateStable {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.logger.Warn().Str("peer", string(peer)).Int("attempt", attempt).Dur("timeout", m.cfg.AnswerTimeout).Msg("no answer to reconnection offer")
	m.retry(peer)
}

func (m *Manager) retry(peer domain.UserID) {
	m.mu.Lock()
	abandoned := m.scheduleReconnectLocked(peer)
	m.mu.Unlock()
	if abandoned != nil {
		m.closeLink(abandoned)
		m.sink.RemovePeer(peer)
	}
}

// ReconnectState reports the attempts made for peer and whether one is armed.
func (m *Manager) ReconnectState(peer domain.UserID) (attempts int, pending bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[peer]
	if rec == nil {
		return 0, false
	}
	return rec.attempts, rec.timer != nil
}

// holdReconnect cancels an armed attempt once a link negotiated to stable;
// the attempt count survives until the link actually connects.
func (m *Manager) holdReconnect(peer domain.UserID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[peer].cancel()
}
