package bus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisConnection implements Connection on top of Redis pub/sub.
// The connection is thread-safe and can be used concurrently from multiple goroutines.
type RedisConnection struct {
	rdb        *redis.Client
	brokerURL  string
	topic      string
	instanceID string
	shortcuts  *Shortcuts
	owner      bool
}

// NewRedisConnection creates a new Redis backed connection for the specified
// instance.
//
// Parameters:
//   - redisOpts: Redis connection options (address, password, DB, etc.)
//   - brokerURL: the URL reported by BrokerURL (informational)
//   - topic: channel namespace (must not be empty)
//   - instanceID: the instance this connection acts for (must not be empty)
func NewRedisConnection(redisOpts *redis.Options, brokerURL, topic, instanceID string) (*RedisConnection, error) {
	if instanceID == "" {
		return nil, fmt.Errorf("instance id cannot be empty")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic cannot be empty")
	}
	if brokerURL == "" {
		brokerURL = "redis://" + redisOpts.Addr
	}

	return &RedisConnection{
		rdb:        redis.NewClient(redisOpts),
		brokerURL:  brokerURL,
		topic:      topic,
		instanceID: instanceID,
		shortcuts:  NewShortcuts(),
		owner:      true,
	}, nil
}

func (c *RedisConnection) InstanceID() string    { return c.instanceID }
func (c *RedisConnection) Topic() string         { return c.topic }
func (c *RedisConnection) BrokerURL() string     { return c.brokerURL }
func (c *RedisConnection) Shortcuts() *Shortcuts { return c.shortcuts }

// Connect verifies that Redis is reachable; go-redis dials lazily.
func (c *RedisConnection) Connect(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis at %s: %w", c.brokerURL, err)
	}
	return nil
}

// Clone shares the Redis client; only the original connection closes it.
func (c *RedisConnection) Clone(instanceID string) Connection {
	return &RedisConnection{
		rdb:        c.rdb,
		brokerURL:  c.brokerURL,
		topic:      c.topic,
		instanceID: instanceID,
		shortcuts:  c.shortcuts,
		owner:      false,
	}
}

// Ping verifies Redis connectivity. Useful for health checks.
func (c *RedisConnection) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis client if this connection created it.
func (c *RedisConnection) Close() error {
	if !c.owner {
		return nil
	}
	return c.rdb.Close()
}

// Publish encodes msg and publishes it on channel.
func (c *RedisConnection) Publish(ctx context.Context, channel string, msg *Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := c.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish on %s: %w", channel, err)
	}
	return nil
}

// Subscribe subscribes to the given channels. The call returns once Redis
// has confirmed every channel, so messages published afterwards are not
// missed.
//
// Messages are delivered on a buffered channel. Redis pub/sub is at-most-once:
// a subscriber that falls too far behind loses messages.
func (c *RedisConnection) Subscribe(ctx context.Context, channels ...string) (*Subscription, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("no channels to subscribe to")
	}

	pubsub := c.rdb.Subscribe(ctx, channels...)
	// Redis confirms each channel separately.
	for confirmed := 0; confirmed < len(channels); {
		reply, err := pubsub.Receive(ctx)
		if err != nil {
			pubsub.Close()
			return nil, fmt.Errorf("failed to subscribe to %v: %w", channels, err)
		}
		if _, ok := reply.(*redis.Subscription); ok {
			confirmed++
		}
	}

	messages := make(chan *Message, subscriptionBuffer)
	errs := make(chan error, subscriptionBuffer)
	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(messages)
		defer close(errs)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if !deliver(subCtx, msg.Channel, []byte(msg.Payload), messages, errs) {
					return
				}
			}
		}
	}()

	return &Subscription{
		messages: messages,
		errors:   errs,
		cancel:   cancelFunc,
	}, nil
}
