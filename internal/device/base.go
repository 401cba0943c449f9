package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dyluth/burrow/internal/logging"
	"github.com/dyluth/burrow/pkg/bus"
	"github.com/rs/zerolog"
)

// SlotKillDevice is called by the hosting server at shutdown and by
// operators to stop a device.
const SlotKillDevice = "slotKillDevice"

// SlotDeviceGone is the server slot a terminating device reports to.
const SlotDeviceGone = "slotDeviceGone"

// TimeTick is one time notification.
type TimeTick struct {
	ID       uint64
	Seconds  uint64
	Fraction uint64
	Period   uint64
}

// Base implements the server side of the Device contract. Concrete devices
// embed *Base and override OnTimeUpdate or add slots.
type Base struct {
	id       string
	classID  string
	serverID string
	hostName string
	cfg      bus.Hash
	log      zerolog.Logger

	mu           sync.Mutex
	slots        map[string]bus.SlotFunc
	initializer  func(ctx context.Context) error
	ep           *bus.Endpoint
	timeServerID string
	lastTick     TimeTick
	hasTick      bool
	lastUpdate   TimeTick
	hasUpdate    bool

	terminateOnce sync.Once
}

// NewBase prepares a device of classID from a server-injected
// configuration. The configuration must carry _deviceId_.
func NewBase(classID string, cfg bus.Hash) (*Base, error) {
	id, _ := cfg.String(KeyDeviceID)
	if id == "" {
		return nil, fmt.Errorf("configuration of class '%s' lacks %s", classID, KeyDeviceID)
	}
	serverID, _ := cfg.String(KeyServerID)
	hostName, _ := cfg.String(KeyHostName)

	return &Base{
		id:       id,
		classID:  classID,
		serverID: serverID,
		hostName: hostName,
		cfg:      cfg.Clone(),
		log:      logging.WithComponent("device").With().Str("device_id", id).Logger(),
		slots:    make(map[string]bus.SlotFunc),
	}, nil
}

func (b *Base) ID() string       { return b.id }
func (b *Base) ClassID() string  { return b.classID }
func (b *Base) ServerID() string { return b.serverID }

// Config returns a copy of the device configuration.
func (b *Base) Config() bus.Hash { return b.cfg.Clone() }

// Logger returns the device logger.
func (b *Base) Logger() *zerolog.Logger { return &b.log }

// RegisterSlot adds a slot exposed once the device is on the bus. Slots
// must be registered before FinalizeInitialization.
func (b *Base) RegisterSlot(name string, fn bus.SlotFunc) {
	b.mu.Lock()
	b.slots[name] = fn
	b.mu.Unlock()
}

// SetInitializer installs the device's own initialization step, run after
// the device is reachable on the bus.
func (b *Base) SetInitializer(fn func(ctx context.Context) error) {
	b.mu.Lock()
	b.initializer = fn
	b.mu.Unlock()
}

// Endpoint returns the device endpoint, or nil before initialization.
func (b *Base) Endpoint() *bus.Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ep
}

// TimeServerID returns the time server the device was initialized with.
func (b *Base) TimeServerID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.timeServerID
}

func (b *Base) FinalizeInitialization(ctx context.Context, conn bus.Connection, consumeBroadcasts bool, timeServerID string) error {
	ep := bus.NewEndpoint(conn, bus.Options{
		ConsumeBroadcasts: consumeBroadcasts,
		Logger:            &b.log,
		InstanceInfo: bus.Hash{
			"type":     "device",
			"classId":  b.classID,
			"serverId": b.serverID,
			"host":     b.hostName,
			"lang":     "go",
		},
	})

	b.mu.Lock()
	for name, fn := range b.slots {
		ep.RegisterSlot(name, fn)
	}
	initializer := b.initializer
	b.ep = ep
	b.timeServerID = timeServerID
	b.mu.Unlock()

	ep.RegisterSlot(SlotKillDevice, func(_ context.Context, _ *bus.Call) error {
		b.log.Info().Msg("Device is going down")
		b.Terminate()
		return nil
	})

	if err := ep.Start(ctx); err != nil {
		return err
	}

	if initializer != nil {
		if err := initializer(ctx); err != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			ep.Stop(stopCtx)
			return err
		}
	}

	b.log.Info().Str("class_id", b.classID).Msg("Device initialized")
	return nil
}

// OnTimeUpdate records the update. Devices embedding Base override it to
// act on train ids.
func (b *Base) OnTimeUpdate(id, sec, frac, period uint64) {
	b.mu.Lock()
	b.lastUpdate = TimeTick{ID: id, Seconds: sec, Fraction: frac, Period: period}
	b.hasUpdate = true
	b.mu.Unlock()
}

// SlotTimeTick records the latest external tick.
func (b *Base) SlotTimeTick(id, sec, frac, period uint64) {
	b.mu.Lock()
	b.lastTick = TimeTick{ID: id, Seconds: sec, Fraction: frac, Period: period}
	b.hasTick = true
	b.mu.Unlock()
}

// LastTimeTick returns the latest external tick, if any.
func (b *Base) LastTimeTick() (TimeTick, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastTick, b.hasTick
}

// LastTimeUpdate returns the latest time update recorded by Base, if any.
func (b *Base) LastTimeUpdate() (TimeTick, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastUpdate, b.hasUpdate
}

// Terminate reports the device gone to its server and leaves the bus.
func (b *Base) Terminate() {
	b.terminateOnce.Do(func() {
		ep := b.Endpoint()
		if ep == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if b.serverID != "" {
			if err := ep.Call(ctx, b.serverID, SlotDeviceGone, b.id); err != nil {
				b.log.Warn().Err(err).Msg("Failed to notify server")
			}
		}
		ep.Stop(ctx)
	})
}
