package core

import "github.com/jxt1009/toperparty/internal/domain"

// SessionID identifies one relay connection.
type SessionID string

// MemberSession binds domain.Member and its transport endpoint.
// This is what a room stores and fans out to.
type MemberSession interface {
	Meta() *domain.Member
	Signal() SignalConnection
}

type memberSession struct {
	meta *domain.Member
	conn SignalConnection
}

func NewMemberSession(meta *domain.Member, conn SignalConnection) MemberSession {
	return &memberSession{meta: meta, conn: conn}
}

func (m *memberSession) Meta() *domain.Member     { return m.meta }
func (m *memberSession) Signal() SignalConnection { return m.conn }
