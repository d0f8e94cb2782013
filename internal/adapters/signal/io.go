package signal

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jxt1009/toperparty/internal/core"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	var ping <-chan time.Time
	if ctl.PingPeriod > 0 {
		ticker := time.NewTicker(ctl.PingPeriod)
		defer ticker.Stop()
		ping = ticker.C
	}
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, sid core.SessionID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump closing")
		cancel()
		ctl.Relay.OnDisconnect(sid)
		c.Close()
	}()

	// Closing the socket unblocks ReadMessage when the session is kicked.
	stop := context.AfterFunc(ctx, c.Close)
	defer stop()

	if ctl.PingPeriod > 0 {
		pongWait := ctl.PingPeriod * 10 / 9
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		ctl.Relay.OnFrame(sid, core.Frame(data))
	}
}
