package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jxt1009/toperparty/internal/clock"
	"github.com/jxt1009/toperparty/internal/core"
	"github.com/jxt1009/toperparty/internal/domain"
	"github.com/jxt1009/toperparty/internal/relay"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

type SignalWSController struct {
	Relay      *relay.Relay
	Clock      clock.Clock
	ReadLimit  int64
	PingPeriod time.Duration
	SendBuffer int
}

func NewSignalWSController(r *relay.Relay, clk clock.Clock, readLimit int64, pingPeriod time.Duration, sendBuffer int) *SignalWSController {
	return &SignalWSController{
		Relay:      r,
		Clock:      clk,
		ReadLimit:  readLimit,
		PingPeriod: pingPeriod,
		SendBuffer: sendBuffer,
	}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and joins the connection to ?room=.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	room := domain.NormalizeRoomID(c.Query("room"))
	if room == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room is required"})
		return
	}
	sid := core.SessionID(uuid.NewString())
	token := c.GetString("client_token")
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("client", token).Str("room", string(room)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, ctl.SendBuffer),
	}

	meta := domain.NewMember(token, ctl.Clock.Now())
	sess := core.NewMemberSession(meta, conn)
	ctx, cancel := context.WithCancel(ctx)
	ctl.Relay.Registry.Bind(sid, room, sess, cancel)
	ctl.Relay.Join(sid, room)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, sid, conn)
}
