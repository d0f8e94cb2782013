package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jxt1009/toperparty/internal/clock"
	"github.com/jxt1009/toperparty/internal/core"
	"github.com/jxt1009/toperparty/internal/protocol"
)

type recordingChannel struct {
	mu     sync.Mutex
	frames []core.Frame
	err    error
}

func (c *recordingChannel) Send(_ context.Context, f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *recordingChannel) OnMessage(func(core.Frame)) {}
func (c *recordingChannel) Close() error               { return nil }

func (c *recordingChannel) sent() []core.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.Frame(nil), c.frames...)
}

func TestSafeSendStampsEnvelope(t *testing.T) {
	clk := clock.NewFake()
	ch := &recordingChannel{}
	s := New(context.Background(), ch, clk, "alice", "room-1")

	msg := &protocol.PlayPause{Control: protocol.ControlPlay, CurrentTime: 3}
	msg.To = "bob"
	if !s.SafeSend(msg) {
		t.Fatal("SafeSend returned false on active session")
	}

	frames := ch.sent()
	if len(frames) != 1 {
		t.Fatalf("sent %d frames, want 1", len(frames))
	}
	m, err := protocol.Decode(frames[0])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	h := m.Envelope()
	if h.From != "alice" || h.UserID != "alice" || h.RoomID != "room-1" || h.To != "bob" {
		t.Errorf("header = %+v", h)
	}
	if h.Timestamp != clk.Now().UnixMilli() {
		t.Errorf("timestamp = %d, want %d", h.Timestamp, clk.Now().UnixMilli())
	}
}

func TestSafeSendKeepsExplicitTimestamp(t *testing.T) {
	ch := &recordingChannel{}
	s := New(context.Background(), ch, clock.NewFake(), "alice", "room-1")

	msg := &protocol.SyncTime{CurrentTime: 1, IsPlaying: true}
	msg.Timestamp = 42
	s.SafeSend(msg)

	m, err := protocol.Decode(ch.sent()[0])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if m.Envelope().Timestamp != 42 {
		t.Fatalf("timestamp = %d, want 42", m.Envelope().Timestamp)
	}
}

func TestSafeSendAfterCloseIsNoop(t *testing.T) {
	ch := &recordingChannel{}
	s := New(context.Background(), ch, clock.NewFake(), "alice", "room-1")
	s.Close()

	if s.SafeSend(&protocol.Join{}) {
		t.Fatal("SafeSend succeeded on closed session")
	}
	if len(ch.sent()) != 0 {
		t.Fatal("frame sent after close")
	}
	if s.IsActive() || s.Snapshot().Active {
		t.Fatal("closed session reports active")
	}
	if s.Context().Err() == nil {
		t.Fatal("session context not canceled")
	}
}

func TestSafeSendReportsTransportFailure(t *testing.T) {
	ch := &recordingChannel{err: errors.New("relay down")}
	s := New(context.Background(), ch, clock.NewFake(), "alice", "room-1")
	if s.SafeSend(&protocol.Join{}) {
		t.Fatal("SafeSend reported success on failing channel")
	}
	if !s.IsActive() {
		t.Fatal("a failed send must not end the session")
	}
}

func TestParentCancelDeactivates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(ctx, &recordingChannel{}, clock.NewFake(), "alice", "room-1")
	cancel()
	if s.IsActive() {
		t.Fatal("session active after parent cancel")
	}
}

func TestRebindSwapsChannel(t *testing.T) {
	first := &recordingChannel{}
	s := New(context.Background(), first, clock.NewFake(), "alice", "room-1")

	second := &recordingChannel{}
	if !s.Rebind(second) {
		t.Fatal("Rebind refused on an active session")
	}
	if !s.SafeSend(&protocol.Join{}) {
		t.Fatal("SafeSend failed after Rebind")
	}
	if len(first.sent()) != 0 || len(second.sent()) != 1 {
		t.Fatalf("first got %d frames, second %d", len(first.sent()), len(second.sent()))
	}

	s.Close()
	if s.Rebind(&recordingChannel{}) {
		t.Fatal("Rebind accepted on a closed session")
	}
	if s.SafeSend(&protocol.Join{}) {
		t.Fatal("closed session sent after Rebind")
	}
}
