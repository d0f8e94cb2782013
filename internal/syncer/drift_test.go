package syncer

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/jxt1009/toperparty/internal/clock"
	"github.com/jxt1009/toperparty/internal/core"
	"github.com/jxt1009/toperparty/internal/protocol"
)

type driftFixture struct {
	clk    *clock.Fake
	player *fakePlayer
	out    *recordingSender
	coord  *Coordinator
	drift  *DriftCorrector
}

func newDriftFixture(p *fakePlayer) *driftFixture {
	clk := clock.NewFake()
	out := &recordingSender{}
	coord := NewCoordinator(testSyncConfig(), clk, p, out)
	p.Subscribe(coord.OnLocalEvent)
	return &driftFixture{
		clk:    clk,
		player: p,
		out:    out,
		coord:  coord,
		drift:  NewDriftCorrector(testSyncConfig(), clk, p, coord, out),
	}
}

func (f *driftFixture) syncAt(pos time.Duration, playing bool, age time.Duration) *protocol.SyncTime {
	m := &protocol.SyncTime{CurrentTime: protocol.Seconds(pos), IsPlaying: playing}
	m.From = "bob"
	m.Timestamp = f.clk.Now().Add(-age).UnixMilli()
	return m
}

func TestStaleSyncIsDiscardedWithoutPlayerCalls(t *testing.T) {
	f := newDriftFixture(&fakePlayer{pos: 10 * time.Second})

	got := f.drift.HandlePassiveSync(context.Background(), f.syncAt(60*time.Second, true, 5001*time.Millisecond))
	if got != SyncStale {
		t.Fatalf("outcome = %v, want stale", got)
	}
	if len(f.player.commands()) != 0 || f.player.queryCount() != 0 {
		t.Fatalf("player touched: calls %v, queries %d", f.player.commands(), f.player.queryCount())
	}
}

func TestSyncWithinToleranceIsNoop(t *testing.T) {
	f := newDriftFixture(&fakePlayer{pos: 100 * time.Second, paused: true})

	got := f.drift.HandlePassiveSync(context.Background(), f.syncAt(103*time.Second, true, 0))
	if got != SyncInTolerance {
		t.Fatalf("outcome = %v, want in tolerance", got)
	}
	if calls := f.player.commands(); len(calls) != 0 {
		t.Fatalf("player commands = %v, want none", calls)
	}
	if f.coord.Suppressed() {
		t.Fatal("a no-op sync must not arm suppression")
	}
}

func TestSyncBeyondToleranceCorrectsOnce(t *testing.T) {
	f := newDriftFixture(&fakePlayer{pos: 100 * time.Second, paused: true})

	got := f.drift.HandlePassiveSync(context.Background(), f.syncAt(110*time.Second, true, time.Second))
	if got != SyncCorrected {
		t.Fatalf("outcome = %v, want corrected", got)
	}
	want := []string{"seek 1m50s", "play"}
	if calls := f.player.commands(); !reflect.DeepEqual(calls, want) {
		t.Fatalf("player commands = %v, want %v", calls, want)
	}
	f.clk.Advance(5 * time.Second)
	if n := len(f.out.sent()); n != 0 {
		t.Fatalf("correction echoed %d messages", n)
	}
}

func TestSyncGuards(t *testing.T) {
	t.Run("suppressed", func(t *testing.T) {
		f := newDriftFixture(&fakePlayer{pos: 100 * time.Second})
		f.coord.ApplyRemote(context.Background(), RemoteCommand{Action: ActionPause})
		if got := f.drift.HandlePassiveSync(context.Background(), f.syncAt(200*time.Second, true, 0)); got != SyncSuppressed {
			t.Fatalf("outcome = %v, want suppressed", got)
		}
	})

	t.Run("recent interaction", func(t *testing.T) {
		f := newDriftFixture(&fakePlayer{pos: 100 * time.Second})
		f.coord.OnLocalEvent(core.PlayerEvent{Kind: core.EventPlay, At: 100 * time.Second})
		f.clk.Advance(9 * time.Second)
		if got := f.drift.HandlePassiveSync(context.Background(), f.syncAt(200*time.Second, true, 0)); got != SyncRecentInteraction {
			t.Fatalf("outcome = %v, want recent interaction", got)
		}
		f.clk.Advance(time.Second)
		if got := f.drift.HandlePassiveSync(context.Background(), f.syncAt(200*time.Second, true, 0)); got != SyncCorrected {
			t.Fatalf("outcome after guard = %v, want corrected", got)
		}
	})

	t.Run("unknown position", func(t *testing.T) {
		f := newDriftFixture(&fakePlayer{posErr: core.ErrUnknownState})
		if got := f.drift.HandlePassiveSync(context.Background(), f.syncAt(200*time.Second, true, 0)); got != SyncUnknownPosition {
			t.Fatalf("outcome = %v, want unknown position", got)
		}
		if calls := f.player.commands(); len(calls) != 0 {
			t.Fatalf("player commands = %v, want none", calls)
		}
	})

	t.Run("stopped", func(t *testing.T) {
		f := newDriftFixture(&fakePlayer{pos: 100 * time.Second})
		f.drift.Stop()
		if got := f.drift.HandlePassiveSync(context.Background(), f.syncAt(200*time.Second, true, 0)); got != SyncStopped {
			t.Fatalf("outcome = %v, want stopped", got)
		}
	})
}

func TestMaybeBroadcastConditions(t *testing.T) {
	f := newDriftFixture(&fakePlayer{pos: 42 * time.Second})

	if !f.drift.MaybeBroadcast(context.Background()) {
		t.Fatal("expected a heartbeat from a playing, idle player")
	}
	msgs := f.out.sent()
	st, ok := msgs[0].(*protocol.SyncTime)
	if !ok {
		t.Fatalf("sent %T, want *protocol.SyncTime", msgs[0])
	}
	if st.CurrentTime != 42 || !st.IsPlaying || st.Timestamp != f.clk.Now().UnixMilli() {
		t.Fatalf("heartbeat = %+v", st)
	}

	if f.drift.MaybeBroadcast(context.Background()) {
		t.Fatal("second heartbeat inside the interval")
	}
	f.clk.Advance(10 * time.Second)
	if !f.drift.MaybeBroadcast(context.Background()) {
		t.Fatal("expected a heartbeat after the interval")
	}

	f.player.mu.Lock()
	f.player.paused = true
	f.player.mu.Unlock()
	f.clk.Advance(10 * time.Second)
	if f.drift.MaybeBroadcast(context.Background()) {
		t.Fatal("paused player must not send heartbeats")
	}
}

func TestMaybeBroadcastQuietAfterInteraction(t *testing.T) {
	f := newDriftFixture(&fakePlayer{pos: time.Second})
	f.coord.OnLocalEvent(core.PlayerEvent{Kind: core.EventPlay, At: time.Second})
	f.clk.Advance(4 * time.Second)
	if f.drift.MaybeBroadcast(context.Background()) {
		t.Fatal("heartbeat sent within the quiet period")
	}
	f.clk.Advance(time.Second)
	if !f.drift.MaybeBroadcast(context.Background()) {
		t.Fatal("heartbeat withheld after the quiet period")
	}
}

func TestMaybeBroadcastInactiveSession(t *testing.T) {
	f := newDriftFixture(&fakePlayer{pos: time.Second})
	f.out.inactive = true
	if f.drift.MaybeBroadcast(context.Background()) {
		t.Fatal("heartbeat on inactive session")
	}
}

func TestPeriodicHeartbeat(t *testing.T) {
	f := newDriftFixture(&fakePlayer{pos: time.Second})
	f.drift.Start(context.Background())

	f.clk.Advance(10 * time.Second)
	f.clk.Advance(10 * time.Second)
	if n := len(f.out.sent()); n != 2 {
		t.Fatalf("sent %d heartbeats over 20s, want 2", n)
	}

	f.drift.Stop()
	if f.clk.Pending() != 0 {
		t.Fatalf("%d timers armed after Stop", f.clk.Pending())
	}
	f.clk.Advance(time.Minute)
	if n := len(f.out.sent()); n != 2 {
		t.Fatalf("sent %d heartbeats after Stop", n)
	}
}

func TestPeriodicHeartbeatStopsWithContext(t *testing.T) {
	f := newDriftFixture(&fakePlayer{pos: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	f.drift.Start(ctx)
	cancel()
	f.clk.Advance(time.Minute)
	if n := len(f.out.sent()); n != 0 {
		t.Fatalf("sent %d heartbeats after cancel", n)
	}
	if f.clk.Pending() != 0 {
		t.Fatalf("%d timers armed after cancel", f.clk.Pending())
	}
}
