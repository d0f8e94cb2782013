// Package relay is the dumb fan-out side of the signaling channel: every
// frame a member sends is delivered unchanged to the rest of its room.
package relay

import (
	"sync"

	"github.com/jxt1009/toperparty/internal/core"
	"github.com/jxt1009/toperparty/internal/domain"
	"github.com/rs/zerolog/log"
)

type Relay struct {
	Registry *Registry
	Rooms    core.RoomManager
	Policy   Policy
	Limiter  *RateLimiter

	// membership serializes room creation against empty-room removal.
	membership sync.Mutex
}

func (o *Relay) Join(sid core.SessionID, room domain.RoomID) bool {
	_, sess, ok := o.Registry.RoomOf(sid)
	if !ok {
		return false
	}
	o.membership.Lock()
	o.Rooms.GetOrCreate(room).AddMember(sid, sess)
	o.membership.Unlock()
	log.Info().Str("module", "relay").Str("sid", string(sid)).Str("room", string(room)).Msg("joined room")
	return true
}

func (o *Relay) OnFrame(sid core.SessionID, data core.Frame) {
	roomID, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		return
	}
	if o.Limiter != nil && !o.Limiter.Allow(sid) {
		log.Warn().Str("module", "relay").Str("sid", string(sid)).Msg("rate limited, frame dropped")
		return
	}
	room, ok := o.Rooms.GetRoom(roomID)
	if !ok {
		return
	}

	res := room.Broadcast(sid, data)
	if o.Policy == nil {
		return
	}
	for _, slow := range res.Dropped {
		switch o.Policy.OnBackPressure(room, slow) {
		case KickMember:
			for _, snap := range o.Registry.MembersOfRoom(roomID) {
				if snap.Session == slow {
					o.Kick(snap.SID)
				}
			}
		case DropFrame, NoAction:
		}
	}
}

// Kick cancels the member's connection; cleanup follows in OnDisconnect.
func (o *Relay) Kick(sid core.SessionID) {
	log.Warn().Str("module", "relay").Str("sid", string(sid)).Msg("kicking member")
	o.Registry.Cancel(sid)
}

func (o *Relay) OnDisconnect(sid core.SessionID) {
	roomID, _, ok := o.Registry.RoomOf(sid)
	o.Registry.Unbind(sid)
	if o.Limiter != nil {
		o.Limiter.Forget(sid)
	}
	if !ok {
		return
	}
	o.membership.Lock()
	defer o.membership.Unlock()
	room, ok := o.Rooms.GetRoom(roomID)
	if !ok {
		return
	}
	room.RemoveMember(sid)
	if room.MemberCount() == 0 {
		o.Rooms.StopRoom(roomID)
		log.Info().Str("module", "relay").Str("room", string(roomID)).Msg("room closed")
	}
}

func (o *Relay) EvictRoom(id domain.RoomID) {
	for _, snap := range o.Registry.MembersOfRoom(id) {
		o.Kick(snap.SID)
	}
	o.Rooms.StopRoom(id)
}
