// Package channel implements core.SignalChannel over the relay transports.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jxt1009/toperparty/internal/core"
	"github.com/jxt1009/toperparty/internal/domain"
	"github.com/rs/zerolog/log"
)

var (
	ErrClosed       = errors.New("channel closed")
	ErrBackpressure = errors.New("backpressure")
)

const writeWait = 5 * time.Second

// WSChannel speaks to the fan-out relay over one WebSocket.
type WSChannel struct {
	conn   *websocket.Conn
	send   chan core.Frame
	cancel context.CancelFunc

	mu      sync.RWMutex
	handler func(core.Frame)
	closed  bool
	done    chan struct{}
}

// RoomURL appends the room query parameter to the relay endpoint.
func RoomURL(base string, room domain.RoomID) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("room", string(room))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// DialWS connects to the relay room and starts the read and write pumps.
func DialWS(ctx context.Context, base string, room domain.RoomID, timeout time.Duration) (*WSChannel, error) {
	target, err := RoomURL(base, room)
	if err != nil {
		return nil, err
	}
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = timeout
	ws, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	log.Info().Str("module", "channel.ws").Str("url", target).Msg("connected")
	return newWSChannel(ws), nil
}

func newWSChannel(ws *websocket.Conn) *WSChannel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &WSChannel{
		conn:   ws,
		send:   make(chan core.Frame, 64),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go c.writePump(ctx)
	go c.readPump(ctx)
	return c
}

func (c *WSChannel) Send(ctx context.Context, f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrBackpressure
	}
}

func (c *WSChannel) OnMessage(fn func(core.Frame)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = fn
}

// Done is closed once the relay connection is gone.
func (c *WSChannel) Done() <-chan struct{} { return c.done }

func (c *WSChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.cancel()
	c.mu.Unlock()

	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	return c.conn.Close()
}

func (c *WSChannel) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "channel.ws").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "channel.ws").Msg("writePump write error")
				return
			}
		}
	}
}

func (c *WSChannel) readPump(ctx context.Context) {
	defer func() {
		close(c.done)
		log.Info().Str("module", "channel.ws").Msg("readPump closing")
		_ = c.Close()
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Str("module", "channel.ws").Msg("readPump read error")
			}
			return
		}
		c.mu.RLock()
		fn := c.handler
		c.mu.RUnlock()
		if fn != nil {
			fn(core.Frame(data))
		}
	}
}
