package domain

import (
	"strings"

	"github.com/google/uuid"
)

const MaxRoomIDLen = 64

type RoomID string

// NewRoomID returns a short random room id.
func NewRoomID() RoomID {
	return RoomID(uuid.NewString()[:8])
}

// NormalizeRoomID trims and truncates ids coming from clients.
func NormalizeRoomID(raw string) RoomID {
	raw = strings.TrimSpace(raw)
	if len(raw) > MaxRoomIDLen {
		raw = raw[:MaxRoomIDLen]
	}
	return RoomID(raw)
}

type Room struct {
	ID RoomID
}
