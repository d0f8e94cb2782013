package app

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jxt1009/toperparty/internal/core"
	"github.com/jxt1009/toperparty/internal/mesh"
	"github.com/jxt1009/toperparty/internal/protocol"
	"github.com/rs/zerolog/log"
)

// doneNotifier is implemented by channels that notice when the relay drops
// them, such as the websocket channel.
type doneNotifier interface {
	Done() <-chan struct{}
}

// watchChannel redials the relay if ch goes away while the session is still
// running. Channels that cannot report the loss are not watched.
func (r *run) watchChannel(ch core.SignalChannel) {
	dn, ok := ch.(doneNotifier)
	if !ok {
		return
	}
	ctx := r.sess.Context()
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-dn.Done():
		}
		r.redialRelay(ctx)
	}()
}

// redialRelay reconnects on the reconnection schedule, rebinds the session
// and announces JOIN again. When every attempt fails the session ends.
func (r *run) redialRelay(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	st := r.sess.Snapshot()
	logger := log.With().Str("module", "party.redial").Str("room", string(st.RoomID)).Str("user", string(st.LocalID)).Logger()
	logger.Warn().Msg("relay connection lost")

	var ch core.SignalChannel
	op := func() error {
		c, err := r.redial(ctx)
		if err != nil {
			return err
		}
		ch = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		logger.Warn().Err(err).Dur("retry_in", next).Msg("redial failed")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(mesh.NewSchedule(r.reconnect), ctx), notify); err != nil {
		if ctx.Err() == nil {
			logger.Error().Err(err).Msg("relay unreachable, session ended")
			r.sess.Close()
		}
		return
	}

	ch.OnMessage(func(f core.Frame) { r.dispatch(f) })
	r.chMu.Lock()
	if !r.sess.Rebind(ch) {
		r.chMu.Unlock()
		_ = ch.Close()
		return
	}
	r.channel = ch
	r.chMu.Unlock()

	r.sess.SafeSend(&protocol.Join{})
	logger.Info().Msg("relay connection restored")
	r.watchChannel(ch)
}
