package bus

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Connection is a handle on the broker scoped to one instance id.
// Implementations are safe for concurrent use.
type Connection interface {
	// InstanceID is the id this connection acts for.
	InstanceID() string
	// Topic namespaces every channel used by this connection.
	Topic() string
	// BrokerURL is the URL the connection was dialled with.
	BrokerURL() string
	// Connect establishes (or verifies) the link to the broker.
	Connect(ctx context.Context) error
	// Clone returns a connection for another instance id that shares the
	// broker client and the Shortcuts table. Closing a clone leaves the
	// shared client open.
	Clone(instanceID string) Connection
	// Publish sends msg on channel.
	Publish(ctx context.Context, channel string, msg *Message) error
	// Subscribe listens on the given channels until the subscription is
	// closed or ctx is cancelled.
	Subscribe(ctx context.Context, channels ...string) (*Subscription, error)
	// Ping verifies broker connectivity.
	Ping(ctx context.Context) error
	// Shortcuts is the in-process delivery table shared with all clones.
	Shortcuts() *Shortcuts
	// Close releases the broker client if this connection owns it.
	Close() error
}

// Dial creates a connection for brokerURL, choosing the implementation by
// URL scheme: redis://, rediss:// and unix:// use Redis pub/sub, nats:// uses
// NATS. The connection is not connected until Connect is called.
func Dial(brokerURL, topic, instanceID string) (Connection, error) {
	if instanceID == "" {
		return nil, fmt.Errorf("instance id cannot be empty")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic cannot be empty")
	}

	u, err := url.Parse(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid broker URL %q: %w", brokerURL, err)
	}

	switch u.Scheme {
	case "redis", "rediss", "unix":
		opts, err := redis.ParseURL(brokerURL)
		if err != nil {
			return nil, fmt.Errorf("invalid Redis URL %q: %w", brokerURL, err)
		}
		return NewRedisConnection(opts, brokerURL, topic, instanceID)
	case "nats", "tls":
		return NewNATSConnection(brokerURL, topic, instanceID)
	default:
		return nil, fmt.Errorf("unsupported broker scheme %q (expected redis, rediss, unix or nats)", u.Scheme)
	}
}

// Subscription represents an active subscription to one or more channels.
// Caller must call Close() when done to clean up resources.
type Subscription struct {
	messages <-chan *Message
	errors   <-chan error
	cancel   func()
	once     sync.Once
}

// Messages returns the channel of decoded messages.
// The channel is closed when the subscription is closed or the context is cancelled.
func (s *Subscription) Messages() <-chan *Message {
	return s.messages
}

// Errors returns the channel of subscription errors.
// Errors are non-fatal: undecodable messages are reported here and skipped.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription. Safe to call multiple times.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// subscriptionBuffer is the capacity of the message and error channels.
const subscriptionBuffer = 64

// deliver pushes a raw payload through the codec onto the subscription
// channels. It returns false once ctx is done.
func deliver(ctx context.Context, channel string, payload []byte, messages chan<- *Message, errs chan<- error) bool {
	msg, err := Decode(payload)
	if err != nil {
		select {
		case errs <- fmt.Errorf("channel %s: %w", channel, err):
			return true
		case <-ctx.Done():
			return false
		}
	}
	msg.Channel = channel

	select {
	case messages <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}
