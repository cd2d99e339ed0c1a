package broker

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrClosed       = errors.New("broker closed")
	ErrDisconnected = errors.New("broker disconnected")
)

// DefaultPrefix is the topic root bots publish under.
const DefaultPrefix = "bots"

// Message is one delivery from a subscription.
type Message struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// Subscription is a lazy stream of messages. C is closed when the subscription
// ends; Err then reports why (nil after Close).
type Subscription interface {
	C() <-chan Message
	Err() error
	Close() error
}

// Broker is a pub/sub connection. Delivery into a subscription's channel blocks
// when the channel is full; messages are never dropped for a slow reader.
type Broker interface {
	Subscribe(ctx context.Context, pattern string, buffer int) (Subscription, error)
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

func join(prefix, bot, leaf string) string {
	p := strings.TrimSuffix(prefix, "/")
	if p == "" {
		p = DefaultPrefix
	}
	return p + "/" + bot + "/" + leaf
}

func StatusTopic(prefix, bot string) string  { return join(prefix, bot, "status") }
func EventsTopic(prefix, bot string) string  { return join(prefix, bot, "events") }
func CommandTopic(prefix, bot string) string { return join(prefix, bot, "cmd") }

// BotPattern matches every topic of one bot.
func BotPattern(prefix, bot string) string { return join(prefix, bot, "*") }

// IsCommandTopic reports whether topic is a bot's inbound command channel.
func IsCommandTopic(topic string) bool { return strings.HasSuffix(topic, "/cmd") }
