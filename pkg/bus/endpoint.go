package bus

import (
	"context"
	"errors"
	"fmt"
	"os/user"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrTimeout is returned by Request when no reply arrives in time.
var ErrTimeout = errors.New("request timed out")

// DefaultRequestTimeout applies when Options.RequestTimeout is zero.
const DefaultRequestTimeout = 10 * time.Second

// Broadcast slot names used for instance discovery.
const (
	SlotInstanceNew     = "slotInstanceNew"
	SlotInstanceUpdated = "slotInstanceUpdated"
	SlotInstanceGone    = "slotInstanceGone"
	SlotHeartbeat       = "slotHeartbeat"
)

// SlotFunc handles one call of a slot. Returning an error sends an error
// reply to the caller; returning nil sends an empty reply unless the call
// was deferred or already answered.
type SlotFunc func(ctx context.Context, call *Call) error

// RemoteError is the error a peer replied with.
type RemoteError struct {
	Instance string
	Slot     string
	Message  string
	Details  string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Options configures an Endpoint.
type Options struct {
	// HeartbeatInterval between slotHeartbeat broadcasts. Zero disables
	// heartbeats.
	HeartbeatInterval time.Duration
	// InstanceInfo is announced with slotInstanceNew and every heartbeat.
	InstanceInfo Hash
	// ConsumeBroadcasts subscribes the endpoint to the broadcast channel.
	// Instances hosted in another process's shortcut table leave this off
	// and receive broadcasts forwarded by their host.
	ConsumeBroadcasts bool
	// RequestTimeout bounds Request and outgoing replies.
	RequestTimeout time.Duration
	// Logger defaults to a no-op logger.
	Logger *zerolog.Logger
}

// Endpoint is the RPC face of one instance: it dispatches incoming calls to
// registered slots, sends calls, requests and replies, emits signals and
// announces the instance on the broadcast channel.
type Endpoint struct {
	conn Connection
	opts Options
	log  zerolog.Logger

	mu          sync.RWMutex
	slots       map[string]SlotFunc
	onBroadcast func(header, body Hash)
	// shortcutToken is zero until Start registered the shortcut.
	shortcutToken uint64

	infoMu sync.Mutex
	info   Hash

	pendingMu sync.Mutex
	pending   map[string]chan *Message

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	stopOnce sync.Once
}

// NewEndpoint creates an endpoint acting for conn.InstanceID().
func NewEndpoint(conn Connection, opts Options) *Endpoint {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	info := opts.InstanceInfo.Clone()
	ctx, cancel := context.WithCancel(context.Background())

	return &Endpoint{
		conn:    conn,
		opts:    opts,
		log:     log.With().Str("instance_id", conn.InstanceID()).Logger(),
		slots:   make(map[string]SlotFunc),
		info:    info,
		pending: make(map[string]chan *Message),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// InstanceID returns the id this endpoint acts for.
func (e *Endpoint) InstanceID() string {
	return e.conn.InstanceID()
}

// RegisterSlot makes fn callable as name. Registering the same name twice
// replaces the previous slot.
func (e *Endpoint) RegisterSlot(name string, fn SlotFunc) {
	e.mu.Lock()
	e.slots[name] = fn
	e.mu.Unlock()
}

// SetBroadcastHandler installs a hook that sees every message arriving on
// the broadcast channel before it is dispatched.
func (e *Endpoint) SetBroadcastHandler(fn func(header, body Hash)) {
	e.mu.Lock()
	e.onBroadcast = fn
	e.mu.Unlock()
}

// InstanceInfo returns a copy of the announced instance info.
func (e *Endpoint) InstanceInfo() Hash {
	e.infoMu.Lock()
	defer e.infoMu.Unlock()
	return e.info.Clone()
}

// Start subscribes to the instance channel (and the broadcast channel if
// configured), registers the in-process shortcut, announces the instance and
// starts the heartbeat loop.
func (e *Endpoint) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("endpoint %s already started", e.InstanceID())
	}
	e.started = true
	e.mu.Unlock()

	channels := []string{InstanceChannel(e.conn.Topic(), e.InstanceID())}
	if e.opts.ConsumeBroadcasts {
		channels = append(channels, BroadcastChannel(e.conn.Topic()))
	}
	sub, err := e.conn.Subscribe(e.ctx, channels...)
	if err != nil {
		return fmt.Errorf("failed to start endpoint %s: %w", e.InstanceID(), err)
	}
	e.pump(sub, func(msg *Message) { e.deliver(msg) })

	token := e.conn.Shortcuts().Register(e.InstanceID(), e.deliver)
	e.mu.Lock()
	e.shortcutToken = token
	e.mu.Unlock()

	if err := e.Broadcast(ctx, SlotInstanceNew, e.InstanceID(), e.InstanceInfo()); err != nil {
		e.log.Warn().Err(err).Msg("Failed to announce instance")
	}

	if e.opts.HeartbeatInterval > 0 {
		e.wg.Add(1)
		go e.heartbeatLoop()
	}
	return nil
}

// Stop unregisters the shortcut, announces that the instance is gone and
// stops all subscriptions. Safe to call multiple times and from within a
// slot.
func (e *Endpoint) Stop(ctx context.Context) {
	e.stopOnce.Do(func() {
		e.mu.RLock()
		started := e.started
		token := e.shortcutToken
		e.mu.RUnlock()
		if token != 0 {
			e.conn.Shortcuts().Unregister(e.InstanceID(), token)
		}
		if started {
			if err := e.Broadcast(ctx, SlotInstanceGone, e.InstanceID(), e.InstanceInfo()); err != nil {
				e.log.Debug().Err(err).Msg("Failed to announce instance gone")
			}
		}

		e.cancel()
		e.wg.Wait()

		e.pendingMu.Lock()
		for id, ch := range e.pending {
			close(ch)
			delete(e.pending, id)
		}
		e.pendingMu.Unlock()
	})
}

// Done is closed once the endpoint has been stopped.
func (e *Endpoint) Done() <-chan struct{} {
	return e.ctx.Done()
}

// UpdateInstanceInfo merges delta into the instance info and broadcasts
// slotInstanceUpdated.
func (e *Endpoint) UpdateInstanceInfo(ctx context.Context, delta Hash) error {
	e.infoMu.Lock()
	e.info.Merge(delta)
	info := e.info.Clone()
	e.infoMu.Unlock()
	return e.Broadcast(ctx, SlotInstanceUpdated, e.InstanceID(), info)
}

// Call invokes slot on instanceID without waiting for a reply.
func (e *Endpoint) Call(ctx context.Context, instanceID, slot string, args ...any) error {
	msg := e.newMessage(JoinInstanceIDs(instanceID), slot, args)
	return e.send(ctx, instanceID, msg)
}

// Request invokes slot on instanceID and waits for the reply arguments.
// A peer error is returned as *RemoteError; no reply within the request
// timeout gives ErrTimeout.
func (e *Endpoint) Request(ctx context.Context, instanceID, slot string, args ...any) ([]any, error) {
	replyID := uuid.New().String()
	ch := make(chan *Message, 1)

	e.pendingMu.Lock()
	e.pending[replyID] = ch
	e.pendingMu.Unlock()
	defer func() {
		e.pendingMu.Lock()
		delete(e.pending, replyID)
		e.pendingMu.Unlock()
	}()

	msg := e.newMessage(JoinInstanceIDs(instanceID), slot, args)
	msg.Header[HeaderReplyTo] = e.InstanceID()
	msg.Header[HeaderReplyID] = replyID
	if err := e.send(ctx, instanceID, msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(e.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("endpoint %s stopped while waiting for %s.%s", e.InstanceID(), instanceID, slot)
		}
		if text, isErr := reply.Body.String(BodyError); isErr {
			details, _ := reply.Body.String(BodyDetails)
			return nil, &RemoteError{Instance: instanceID, Slot: slot, Message: text, Details: details}
		}
		return reply.Args(), nil
	case <-timer.C:
		return nil, fmt.Errorf("%s.%s after %s: %w", instanceID, slot, e.opts.RequestTimeout, ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Broadcast calls slot on every instance.
func (e *Endpoint) Broadcast(ctx context.Context, slot string, args ...any) error {
	msg := e.newMessage(JoinInstanceIDs(Wildcard), slot, args)
	return e.conn.Publish(ctx, BroadcastChannel(e.conn.Topic()), msg)
}

// Emit publishes signal with args to every connected slot.
func (e *Endpoint) Emit(ctx context.Context, signal string, args ...any) error {
	msg := e.newMessage("", "", args)
	msg.Header[HeaderSignalFunction] = signal
	return e.conn.Publish(ctx, SignalChannel(e.conn.Topic(), e.InstanceID(), signal), msg)
}

// Connect subscribes the local slot to signal emitted by signalInstanceID.
// The subscription lives until the endpoint stops.
func (e *Endpoint) Connect(ctx context.Context, signalInstanceID, signal, slot string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	channel := SignalChannel(e.conn.Topic(), signalInstanceID, signal)
	sub, err := e.conn.Subscribe(e.ctx, channel)
	if err != nil {
		return fmt.Errorf("failed to connect %s.%s to %s: %w", signalInstanceID, signal, slot, err)
	}
	e.pump(sub, func(msg *Message) { e.dispatch(slot, msg, true) })
	return nil
}

// pump forwards a subscription to handle until the endpoint stops.
func (e *Endpoint) pump(sub *Subscription, handle func(*Message)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer sub.Close()

		msgs, errs := sub.Messages(), sub.Errors()
		for {
			select {
			case <-e.ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				handle(msg)
			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				e.log.Warn().Err(err).Msg("Dropped undecodable message")
			}
		}
	}()
}

func (e *Endpoint) heartbeatLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.opts.HeartbeatInterval)
	defer ticker.Stop()

	seconds := int64(e.opts.HeartbeatInterval / time.Second)
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(e.ctx, e.opts.RequestTimeout)
			if err := e.Broadcast(ctx, SlotHeartbeat, e.InstanceID(), seconds, e.InstanceInfo()); err != nil {
				e.log.Warn().Err(err).Msg("Failed to send heartbeat")
			}
			cancel()
		}
	}
}

// deliver is the single entry point for messages addressed to this
// instance, whether they came over the broker or through a shortcut.
func (e *Endpoint) deliver(msg *Message) {
	if replyFrom, ok := msg.Header.String(HeaderReplyFrom); ok && replyFrom != "" {
		e.resolve(replyFrom, msg)
		return
	}

	ids, _ := msg.Header.String(HeaderSlotInstanceIDs)
	broadcast := AddressedTo(ids, Wildcard)

	if msg.Channel != "" && msg.Channel == BroadcastChannel(e.conn.Topic()) {
		e.mu.RLock()
		hook := e.onBroadcast
		e.mu.RUnlock()
		if hook != nil {
			hook(msg.Header, msg.Body)
		}
	}

	if !broadcast && !AddressedTo(ids, e.InstanceID()) {
		return
	}
	slot, _ := msg.Header.String(HeaderSlotFunction)
	e.dispatch(slot, msg, broadcast)
}

func (e *Endpoint) resolve(replyID string, msg *Message) {
	e.pendingMu.Lock()
	ch, ok := e.pending[replyID]
	if ok {
		delete(e.pending, replyID)
	}
	e.pendingMu.Unlock()
	if !ok {
		e.log.Debug().Str("reply_id", replyID).Msg("Dropping reply without pending request")
		return
	}
	ch <- msg
}

// dispatch runs slot on its own goroutine. Unknown slots are ignored for
// broadcasts and answered with an error for directed requests.
func (e *Endpoint) dispatch(slot string, msg *Message, broadcast bool) {
	call := &Call{
		Slot:   slot,
		Header: msg.Header,
		Args:   msg.Args(),
		ep:     e,
	}

	e.mu.RLock()
	fn, ok := e.slots[slot]
	e.mu.RUnlock()
	if !ok {
		if !broadcast {
			e.log.Warn().Str("slot", slot).Str("sender", call.Sender()).Msg("Call to unknown slot")
			_ = call.Error(fmt.Sprintf("'%s' has no slot '%s'", e.InstanceID(), slot), "")
		}
		return
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.log.Error().Str("slot", slot).Interface("panic", r).Msg("Slot panicked")
				_ = call.Error(fmt.Sprintf("slot '%s' failed: %v", slot, r), "")
			}
		}()

		if err := fn(e.ctx, call); err != nil {
			details := ""
			var detailed interface{ Details() string }
			if errors.As(err, &detailed) {
				details = detailed.Details()
			}
			_ = call.Error(err.Error(), details)
			return
		}
		if !call.isDeferred() {
			_ = call.Reply()
		}
	}()
}

func (e *Endpoint) newMessage(slotInstanceIDs, slot string, args []any) *Message {
	if args == nil {
		args = []any{}
	}
	header := Hash{
		HeaderSignalInstanceID: e.InstanceID(),
		HeaderUserName:         currentUser(),
	}
	if host, ok := e.InstanceInfo().String("host"); ok {
		header[HeaderHostName] = host
	}
	if slotInstanceIDs != "" {
		header[HeaderSlotInstanceIDs] = slotInstanceIDs
	}
	if slot != "" {
		header[HeaderSlotFunction] = slot
	}
	return &Message{Header: header, Body: Hash{BodyArgs: args}}
}

// send delivers msg to instanceID in-process when possible and over the
// broker otherwise.
func (e *Endpoint) send(ctx context.Context, instanceID string, msg *Message) error {
	if e.conn.Shortcuts().TryCall(instanceID, msg) {
		return nil
	}
	return e.conn.Publish(ctx, InstanceChannel(e.conn.Topic(), instanceID), msg)
}

var (
	userOnce sync.Once
	userName string
)

func currentUser() string {
	userOnce.Do(func() {
		if u, err := user.Current(); err == nil {
			userName = u.Username
		}
	})
	return userName
}

// Call is one incoming slot invocation.
type Call struct {
	Slot   string
	Header Hash
	Args   []any

	ep       *Endpoint
	mu       sync.Mutex
	deferred bool
	replied  bool
}

// Arg returns the i-th argument or nil.
func (c *Call) Arg(i int) any {
	if i < 0 || i >= len(c.Args) {
		return nil
	}
	return c.Args[i]
}

// Sender is the instance id of the caller.
func (c *Call) Sender() string {
	s, _ := c.Header.String(HeaderSignalInstanceID)
	return s
}

// ExpectsReply reports whether the caller waits for an answer.
func (c *Call) ExpectsReply() bool {
	to, _ := c.Header.String(HeaderReplyTo)
	return to != ""
}

// Defer suppresses the automatic empty reply; the slot (or a goroutine it
// started) answers later through Reply or Error.
func (c *Call) Defer() {
	c.mu.Lock()
	c.deferred = true
	c.mu.Unlock()
}

func (c *Call) isDeferred() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deferred || c.replied
}

// Reply answers the call with args. Only the first answer is sent.
func (c *Call) Reply(args ...any) error {
	if args == nil {
		args = []any{}
	}
	return c.answer(Hash{BodyArgs: args})
}

// Error answers the call with an error message and optional details.
func (c *Call) Error(message, details string) error {
	body := Hash{BodyError: message}
	if details != "" {
		body[BodyDetails] = details
	}
	return c.answer(body)
}

func (c *Call) answer(body Hash) error {
	c.mu.Lock()
	if c.replied {
		c.mu.Unlock()
		return nil
	}
	c.replied = true
	c.mu.Unlock()

	to, _ := c.Header.String(HeaderReplyTo)
	replyID, _ := c.Header.String(HeaderReplyID)
	if to == "" || replyID == "" {
		return nil
	}

	msg := &Message{
		Header: Hash{
			HeaderSignalInstanceID: c.ep.InstanceID(),
			HeaderSlotInstanceIDs:  JoinInstanceIDs(to),
			HeaderReplyFrom:        replyID,
		},
		Body: body,
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.ep.opts.RequestTimeout)
	defer cancel()
	if err := c.ep.send(ctx, to, msg); err != nil {
		c.ep.log.Warn().Err(err).Str("to", to).Str("slot", c.Slot).Msg("Failed to send reply")
		return err
	}
	return nil
}
