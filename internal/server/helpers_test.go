package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/burrow/internal/config"
	"github.com/dyluth/burrow/internal/logging"
	"github.com/dyluth/burrow/pkg/bus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// fakeDevice records the time notifications it receives.
type fakeDevice struct {
	id string

	mu         sync.Mutex
	updates    []tick
	ticks      []tick
	terminated bool
	panicTick  bool
}

type tick struct {
	id, sec, frac, period uint64
}

func newFakeDevice(id string) *fakeDevice { return &fakeDevice{id: id} }

func (d *fakeDevice) ID() string      { return d.id }
func (d *fakeDevice) ClassID() string { return "Fake" }

func (d *fakeDevice) FinalizeInitialization(context.Context, bus.Connection, bool, string) error {
	return nil
}

func (d *fakeDevice) OnTimeUpdate(id, sec, frac, period uint64) {
	d.mu.Lock()
	d.updates = append(d.updates, tick{id, sec, frac, period})
	d.mu.Unlock()
}

func (d *fakeDevice) SlotTimeTick(id, sec, frac, period uint64) {
	d.mu.Lock()
	d.ticks = append(d.ticks, tick{id, sec, frac, period})
	p := d.panicTick
	d.mu.Unlock()
	if p {
		panic("tick")
	}
}

func (d *fakeDevice) Terminate() {
	d.mu.Lock()
	d.terminated = true
	d.mu.Unlock()
}

func (d *fakeDevice) Updates() []tick {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]tick(nil), d.updates...)
}

func (d *fakeDevice) Ticks() []tick {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]tick(nil), d.ticks...)
}

// addRunning registers dev as a running device.
func addRunning(t *testing.T, r *Registry, dev *fakeDevice) *Strand {
	t.Helper()
	require.NoError(t, r.Reserve(dev.ID(), dev.ClassID()))
	require.True(t, r.SetDevice(dev.ID(), dev))
	strand := NewStrand(logging.NewTestLogger())
	require.True(t, r.MarkRunning(dev.ID(), strand))
	return strand
}

// fakeTimer stands in for time.AfterFunc; tests fire it by hand.
type fakeTimer struct {
	mu      sync.Mutex
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (f *fakeTimer) Stop() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped || f.fired {
		return false
	}
	f.stopped = true
	return true
}

func (f *fakeTimer) Fire() {
	f.mu.Lock()
	f.fired = true
	fn := f.fn
	f.mu.Unlock()
	fn()
}

// fakeClock records the timers a Ticker schedules.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{delay: d, fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Last() *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.timers) == 0 {
		return nil
	}
	return c.timers[len(c.timers)-1]
}

func (c *fakeClock) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// setupTestBroker starts miniredis and returns a connected connection
// acting for instanceID.
func setupTestBroker(t *testing.T, instanceID string) (*miniredis.Miniredis, bus.Connection) {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	return mr, newTestConnection(t, mr, instanceID)
}

func newTestConnection(t *testing.T, mr *miniredis.Miniredis, instanceID string) bus.Connection {
	t.Helper()
	conn, err := bus.NewRedisConnection(&redis.Options{Addr: mr.Addr()}, "", "burrow", instanceID)
	require.NoError(t, err)
	require.NoError(t, conn.Connect(context.Background()))
	t.Cleanup(func() { conn.Close() })
	return conn
}

func testIdentity(t *testing.T, serverID string, classes ...string) *Identity {
	t.Helper()
	cfg := config.Default()
	cfg.ServerID = serverID
	cfg.HostName = "hostA"
	cfg.DeviceClasses = classes
	id, err := NewIdentity(cfg, 123)
	require.NoError(t, err)
	return id
}
