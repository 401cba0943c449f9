package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
)

// NATSConnection implements Connection on top of core NATS subjects.
// Channel names map to subjects by replacing ':' with '.'.
type NATSConnection struct {
	shared     *natsShared
	brokerURL  string
	topic      string
	instanceID string
	shortcuts  *Shortcuts
	owner      bool
}

// natsShared holds the lazily dialled NATS connection used by a connection
// and its clones.
type natsShared struct {
	mu sync.Mutex
	nc *nats.Conn
}

// NewNATSConnection creates a NATS backed connection. Nothing is dialled
// until Connect is called.
func NewNATSConnection(brokerURL, topic, instanceID string) (*NATSConnection, error) {
	if instanceID == "" {
		return nil, fmt.Errorf("instance id cannot be empty")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic cannot be empty")
	}
	return &NATSConnection{
		shared:     &natsShared{},
		brokerURL:  brokerURL,
		topic:      topic,
		instanceID: instanceID,
		shortcuts:  NewShortcuts(),
		owner:      true,
	}, nil
}

func (c *NATSConnection) InstanceID() string    { return c.instanceID }
func (c *NATSConnection) Topic() string         { return c.topic }
func (c *NATSConnection) BrokerURL() string     { return c.brokerURL }
func (c *NATSConnection) Shortcuts() *Shortcuts { return c.shortcuts }

// Connect dials the NATS server if no connection exists yet.
func (c *NATSConnection) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.shared.mu.Lock()
	defer c.shared.mu.Unlock()
	if c.shared.nc != nil && !c.shared.nc.IsClosed() {
		return nil
	}
	nc, err := nats.Connect(c.brokerURL, nats.Name(c.instanceID))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", c.brokerURL, err)
	}
	c.shared.nc = nc
	return nil
}

func (c *NATSConnection) conn() (*nats.Conn, error) {
	c.shared.mu.Lock()
	defer c.shared.mu.Unlock()
	if c.shared.nc == nil {
		return nil, fmt.Errorf("not connected to NATS")
	}
	return c.shared.nc, nil
}

// Clone shares the NATS connection; only the original connection closes it.
func (c *NATSConnection) Clone(instanceID string) Connection {
	return &NATSConnection{
		shared:     c.shared,
		brokerURL:  c.brokerURL,
		topic:      c.topic,
		instanceID: instanceID,
		shortcuts:  c.shortcuts,
		owner:      false,
	}
}

// Ping measures a round trip to the server.
func (c *NATSConnection) Ping(_ context.Context) error {
	nc, err := c.conn()
	if err != nil {
		return err
	}
	_, err = nc.RTT()
	return err
}

// Close drains the NATS connection if this connection created it.
func (c *NATSConnection) Close() error {
	if !c.owner {
		return nil
	}
	c.shared.mu.Lock()
	defer c.shared.mu.Unlock()
	if c.shared.nc == nil {
		return nil
	}
	c.shared.nc.Close()
	c.shared.nc = nil
	return nil
}

// Publish encodes msg and publishes it on the subject derived from channel.
func (c *NATSConnection) Publish(_ context.Context, channel string, msg *Message) error {
	nc, err := c.conn()
	if err != nil {
		return err
	}
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := nc.Publish(subject(channel), data); err != nil {
		return fmt.Errorf("failed to publish on %s: %w", channel, err)
	}
	return nil
}

// Subscribe subscribes to the subjects derived from channels. The call
// returns after the server has processed the subscriptions.
func (c *NATSConnection) Subscribe(ctx context.Context, channels ...string) (*Subscription, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("no channels to subscribe to")
	}
	nc, err := c.conn()
	if err != nil {
		return nil, err
	}

	messages := make(chan *Message, subscriptionBuffer)
	errs := make(chan error, subscriptionBuffer)
	subCtx, cancelFunc := context.WithCancel(ctx)

	raw := make(chan *nats.Msg, subscriptionBuffer)
	subs := make([]*nats.Subscription, 0, len(channels))
	byChannel := make(map[string]string, len(channels))
	for _, ch := range channels {
		byChannel[subject(ch)] = ch
		sub, err := nc.ChanSubscribe(subject(ch), raw)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			cancelFunc()
			return nil, fmt.Errorf("failed to subscribe to %s: %w", ch, err)
		}
		subs = append(subs, sub)
	}
	if err := nc.Flush(); err != nil {
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
		cancelFunc()
		return nil, fmt.Errorf("failed to confirm subscription: %w", err)
	}

	go func() {
		defer close(messages)
		defer close(errs)
		defer func() {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
		}()

		for {
			select {
			case <-subCtx.Done():
				return
			case m := <-raw:
				channel, ok := byChannel[m.Subject]
				if !ok {
					channel = strings.ReplaceAll(m.Subject, ".", ":")
				}
				if !deliver(subCtx, channel, m.Data, messages, errs) {
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

// subject maps a channel name onto a NATS subject.
func subject(channel string) string {
	return strings.ReplaceAll(channel, ":", ".")
}
