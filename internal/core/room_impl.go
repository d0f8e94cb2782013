package core

import (
	"sync"

	"github.com/jxt1009/toperparty/internal/domain"
	"github.com/rs/zerolog/log"
)

// roomImpl is a threadsafe in-memory room.
// It never closes adapter-owned resources.
type roomImpl struct {
	room  *domain.Room
	mu    sync.RWMutex
	bySID map[SessionID]MemberSession
}

func NewRoomService(room *domain.Room) RoomService {
	return &roomImpl{
		room:  room,
		bySID: make(map[SessionID]MemberSession),
	}
}

func (r *roomImpl) Room() *domain.Room { return r.room }

func (r *roomImpl) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySID)
}

func (r *roomImpl) AddMember(sid SessionID, ms MemberSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySID[sid] = ms
	log.Info().Str("module", "core.room").Str("room", string(r.room.ID)).Str("sid", string(sid)).Msg("member added")
}

func (r *roomImpl) RemoveMember(sid SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bySID, sid)
	log.Info().Str("module", "core.room").Str("room", string(r.room.ID)).Str("sid", string(sid)).Msg("member removed")
}

// Broadcast fans data out to every member except the sender. It never blocks
// on a slow member; those are reported back in Dropped.
func (r *roomImpl) Broadcast(from SessionID, data Frame) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for sid, m := range r.bySID {
		if sid == from {
			continue
		}
		if err := m.Signal().TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, m)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.room").Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}
