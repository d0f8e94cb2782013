package domain

import "time"

// Member represents a relay connection's participation meta for a room.
// No transport or lifecycle logic here.
type Member struct {
	Token    string
	JoinedAt time.Time
}

// NewMember avoids raw literals in adapters and keeps construction obvious.
func NewMember(token string, now time.Time) *Member {
	return &Member{Token: token, JoinedAt: now}
}
