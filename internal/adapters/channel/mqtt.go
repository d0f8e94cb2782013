package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jxt1009/toperparty/internal/core"
	"github.com/jxt1009/toperparty/internal/domain"
	"github.com/rs/zerolog/log"
)

// MQTTChannel uses one broker topic per room as the relay. The broker echoes
// our own publications back; the dispatcher drops them by sender id.
type MQTTChannel struct {
	client mqtt.Client
	topic  string

	mu      sync.RWMutex
	handler func(core.Frame)
	closed  bool
}

// Topic returns the room topic under prefix.
func Topic(prefix string, room domain.RoomID) string {
	return fmt.Sprintf("%s/%s", prefix, room)
}

// DialMQTT connects to broker and subscribes to the room topic.
func DialMQTT(broker, clientID, prefix string, room domain.RoomID, timeout time.Duration) (*MQTTChannel, error) {
	c := &MQTTChannel{topic: Topic(prefix, room)}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(timeout)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Str("module", "channel.mqtt").Str("topic", c.topic).Msg("connection lost")
	})
	// Resubscribe after an automatic reconnect; clean sessions drop subscriptions.
	opts.SetOnConnectHandler(func(cl mqtt.Client) {
		if tok := cl.Subscribe(c.topic, 0, c.onPublish); tok.Wait() && tok.Error() != nil {
			log.Error().Err(tok.Error()).Str("module", "channel.mqtt").Str("topic", c.topic).Msg("subscribe failed")
			return
		}
		log.Info().Str("module", "channel.mqtt").Str("topic", c.topic).Msg("subscribed")
	})

	c.client = mqtt.NewClient(opts)
	if tok := c.client.Connect(); !tok.WaitTimeout(timeout) {
		return nil, fmt.Errorf("mqtt connect: timeout after %s", timeout)
	} else if tok.Error() != nil {
		return nil, fmt.Errorf("mqtt connect failed: %w", tok.Error())
	}
	return c, nil
}

func (c *MQTTChannel) onPublish(_ mqtt.Client, msg mqtt.Message) {
	c.mu.RLock()
	fn := c.handler
	c.mu.RUnlock()
	if fn != nil {
		fn(append(core.Frame(nil), msg.Payload()...))
	}
}

func (c *MQTTChannel) Send(ctx context.Context, f core.Frame) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	tok := c.client.Publish(c.topic, 0, false, []byte(f))
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("publish failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *MQTTChannel) OnMessage(fn func(core.Frame)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = fn
}

func (c *MQTTChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.client.Unsubscribe(c.topic).WaitTimeout(time.Second)
	c.client.Disconnect(250)
	return nil
}
