package core

import (
	"errors"
	"testing"
	"time"

	"github.com/jxt1009/toperparty/internal/domain"
)

type stubConn struct {
	full bool
	got  []Frame
}

func (c *stubConn) TrySend(f Frame) error {
	if c.full {
		return errors.New("full")
	}
	c.got = append(c.got, f)
	return nil
}

func (c *stubConn) Close() {}

func TestBroadcastSkipsSenderAndReportsDropped(t *testing.T) {
	room := NewRoomService(&domain.Room{ID: "movie"})
	a, b, c := &stubConn{}, &stubConn{}, &stubConn{full: true}
	slow := NewMemberSession(domain.NewMember("c", time.Now()), c)
	room.AddMember("a", NewMemberSession(domain.NewMember("a", time.Now()), a))
	room.AddMember("b", NewMemberSession(domain.NewMember("b", time.Now()), b))
	room.AddMember("c", slow)

	res := room.Broadcast("a", Frame("hi"))
	if res.SendTo != 1 {
		t.Fatalf("SendTo = %d, want 1", res.SendTo)
	}
	if len(res.Dropped) != 1 || res.Dropped[0] != slow {
		t.Fatalf("Dropped = %v", res.Dropped)
	}
	if len(a.got) != 0 || len(b.got) != 1 {
		t.Fatalf("a got %d, b got %d", len(a.got), len(b.got))
	}

	room.RemoveMember("c")
	if room.MemberCount() != 2 {
		t.Fatalf("MemberCount = %d", room.MemberCount())
	}
}
