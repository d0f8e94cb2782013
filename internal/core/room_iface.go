package core

import (
	"github.com/jxt1009/toperparty/internal/domain"
)

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// RoomService is the relay-facing API of a room.
// It owns the membership set but never touches transport resources.
type RoomService interface {
	Room() *domain.Room
	MemberCount() int

	AddMember(sid SessionID, ms MemberSession)
	RemoveMember(sid SessionID)
	Broadcast(from SessionID, data Frame) PublishResult
}

type RoomInfo struct {
	ID          domain.RoomID `json:"id"`
	MemberCount int           `json:"member_count"`
}

type RoomManager interface {
	GetOrCreate(id domain.RoomID) RoomService
	GetRoom(id domain.RoomID) (RoomService, bool)
	List() []RoomInfo
	StopRoom(id domain.RoomID)
}
