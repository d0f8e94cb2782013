// Package session holds party membership and is the single gate every
// outbound signaling message passes through.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/jxt1009/toperparty/internal/clock"
	"github.com/jxt1009/toperparty/internal/core"
	"github.com/jxt1009/toperparty/internal/domain"
	"github.com/jxt1009/toperparty/internal/protocol"
	"github.com/rs/zerolog/log"
)

const defaultSendTimeout = 5 * time.Second

// State is a read-only snapshot of the party membership.
type State struct {
	LocalID domain.UserID `json:"userId"`
	RoomID  domain.RoomID `json:"roomId"`
	Active  bool          `json:"active"`
}

// Session lives from party start to party stop. It is the only holder of the
// signaling channel; other components send through SafeSend.
type Session struct {
	mu      sync.RWMutex
	state   State
	channel core.SignalChannel
	clk     clock.Clock

	ctx    context.Context
	cancel context.CancelFunc

	SendTimeout time.Duration
}

func New(parent context.Context, ch core.SignalChannel, clk clock.Clock, localID domain.UserID, roomID domain.RoomID) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		state:       State{LocalID: localID, RoomID: roomID, Active: true},
		channel:     ch,
		clk:         clk,
		ctx:         ctx,
		cancel:      cancel,
		SendTimeout: defaultSendTimeout,
	}
}

// Context is canceled when the session is closed.
func (s *Session) Context() context.Context { return s.ctx }

func (s *Session) IsActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Active && s.ctx.Err() == nil
}

func (s *Session) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.state
	st.Active = st.Active && s.ctx.Err() == nil
	return st
}

func (s *Session) LocalID() domain.UserID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.LocalID
}

// SafeSend stamps the sender, room and timestamp onto m and hands it to the
// channel. It reports false, after logging, when the session is torn down or
// the send fails.
func (s *Session) SafeSend(m protocol.Message) bool {
	s.mu.RLock()
	st := s.state
	ch := s.channel
	s.mu.RUnlock()

	if !st.Active || s.ctx.Err() != nil || ch == nil {
		log.Warn().Str("module", "session").Str("type", string(m.Kind())).Msg("send on inactive session dropped")
		return false
	}

	h := m.Envelope()
	h.From = string(st.LocalID)
	h.UserID = string(st.LocalID)
	h.RoomID = string(st.RoomID)
	if h.Timestamp == 0 {
		h.Timestamp = s.clk.Now().UnixMilli()
	}

	data, err := protocol.Encode(m)
	if err != nil {
		log.Error().Err(err).Str("module", "session").Str("type", string(m.Kind())).Msg("encode failed")
		return false
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.SendTimeout)
	defer cancel()
	if err := ch.Send(ctx, data); err != nil {
		log.Warn().Err(err).Str("module", "session").Str("type", string(m.Kind())).Str("to", h.To).Msg("send failed")
		return false
	}
	log.Debug().Str("module", "session").Str("type", string(m.Kind())).Str("to", h.To).Msg("sent")
	return true
}

// Rebind swaps in a freshly dialed channel after the relay connection was
// lost. It reports false when the session is no longer active.
func (s *Session) Rebind(ch core.SignalChannel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Active || s.ctx.Err() != nil {
		return false
	}
	s.channel = ch
	return true
}

// Close deactivates the session. Further sends are no-ops.
func (s *Session) Close() {
	s.mu.Lock()
	s.state.Active = false
	s.channel = nil
	s.mu.Unlock()
	s.cancel()
	log.Info().Str("module", "session").Str("room", string(s.state.RoomID)).Msg("session closed")
}
