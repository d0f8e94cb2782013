package relay

import "github.com/jxt1009/toperparty/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
	DropFrame
)

// Policy decides what happens to a member whose send buffer is full.
type Policy interface {
	OnBackPressure(room core.RoomService, member core.MemberSession) BackpressureAction
}

// SimplePolicy disconnects slow members; their client reconnects and rejoins.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(core.RoomService, core.MemberSession) BackpressureAction {
	return KickMember
}

// LenientPolicy only loses the frame. The sync protocol tolerates loss.
type LenientPolicy struct{}

func (LenientPolicy) OnBackPressure(core.RoomService, core.MemberSession) BackpressureAction {
	return DropFrame
}
