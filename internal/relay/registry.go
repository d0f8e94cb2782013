package relay

import (
	"context"
	"sync"

	"github.com/jxt1009/toperparty/internal/core"
	"github.com/jxt1009/toperparty/internal/domain"
	"github.com/rs/zerolog/log"
)

type sessionEntry struct {
	Room    domain.RoomID
	Session core.MemberSession
	Cancel  context.CancelFunc
}

// Registry maps relay connections to their room.
type Registry struct {
	mu       sync.RWMutex
	sessions map[core.SessionID]*sessionEntry
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[core.SessionID]*sessionEntry)}
}

func (r *Registry) Bind(sid core.SessionID, room domain.RoomID, sess core.MemberSession, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sid] = &sessionEntry{Room: room, Session: sess, Cancel: cancel}
	log.Info().Str("module", "relay.registry").Str("sid", string(sid)).Str("room", string(room)).Msg("bound session")
}

func (r *Registry) Unbind(sid core.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sid)
	log.Info().Str("module", "relay.registry").Str("sid", string(sid)).Msg("unbind session")
}

func (r *Registry) GetSession(sid core.SessionID) (core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sid]; ok {
		return e.Session, true
	}
	return nil, false
}

func (r *Registry) RoomOf(sid core.SessionID) (domain.RoomID, core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sid]
	if !ok || e.Room == "" {
		return "", nil, false
	}
	return e.Room, e.Session, true
}

type regSnap struct {
	SID     core.SessionID
	Session core.MemberSession
}

func (r *Registry) MembersOfRoom(room domain.RoomID) []regSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]regSnap, 0, len(r.sessions))
	for sid, e := range r.sessions {
		if e.Room == room {
			out = append(out, regSnap{SID: sid, Session: e.Session})
		}
	}
	return out
}

// Cancel stops the pumps of sid; the read pump then reports the disconnect.
func (r *Registry) Cancel(sid core.SessionID) bool {
	r.mu.RLock()
	e, ok := r.sessions[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "relay.registry").Str("sid", string(sid)).Msg("canceled session")
	return true
}
