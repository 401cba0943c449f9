package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/burrow/internal/config"
	"github.com/dyluth/burrow/internal/device"
	"github.com/dyluth/burrow/internal/logging"
	"github.com/dyluth/burrow/pkg/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	*Server
	client *bus.Endpoint
	pings  chan []any
	errCh  chan error
}

// startTestServer runs a server "srv" on miniredis and returns it together
// with a client endpoint on a separate connection.
func startTestServer(t *testing.T, mutate func(cfg *config.ServerConfig)) *testServer {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	cfg := config.Default()
	cfg.ServerID = "srv"
	cfg.HostName = "hostA"
	cfg.Broker.URL = "redis://" + mr.Addr()
	if mutate != nil {
		mutate(cfg)
	}

	pings := make(chan []any, 10)
	classes := device.NewRegistry()
	require.NoError(t, device.RegisterBuiltins(classes))
	classes.MustRegister(device.Class{ID: "Listener", New: func(c bus.Hash) (device.Device, error) {
		b, err := device.NewBase("Listener", c)
		if err != nil {
			return nil, err
		}
		b.RegisterSlot("slotPing", func(_ context.Context, call *bus.Call) error {
			pings <- call.Args
			return nil
		})
		return b, nil
	}})

	s, err := New(Options{
		Config:     cfg,
		Classes:    classes,
		Connection: newTestConnection(t, mr, "srv"),
		Version:    "test",
		PID:        123,
	})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()
	require.Eventually(t, s.IsRunning, 2*time.Second, 5*time.Millisecond)

	client := bus.NewEndpoint(newTestConnection(t, mr, "client"), bus.Options{RequestTimeout: 3 * time.Second})
	require.NoError(t, client.Start(context.Background()))
	t.Cleanup(func() {
		client.Stop(context.Background())
		s.Terminate()
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})

	return &testServer{Server: s, client: client, pings: pings, errCh: errCh}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	classes := device.NewRegistry()

	tests := []struct {
		name   string
		mutate func(cfg *config.ServerConfig)
	}{
		{"heartbeat too small", func(cfg *config.ServerConfig) { cfg.HeartbeatInterval = 5 }},
		{"obsolete autoStart", func(cfg *config.ServerConfig) { cfg.AutoStart = []any{"x"} }},
		{"unknown flag", func(cfg *config.ServerConfig) { cfg.ServerFlags = []string{"Nope"} }},
		{"bad init", func(cfg *config.ServerConfig) { cfg.Init = `{"d1": {}}` }},
		{"unusable server id", func(cfg *config.ServerConfig) { cfg.ServerID = "srv:1" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			_, err := New(Options{Config: cfg, Classes: classes, PID: 1})
			assert.Error(t, err)
		})
	}
}

func TestNew_ConnectionMustMatchServerID(t *testing.T) {
	_, conn := setupTestBroker(t, "other")
	cfg := config.Default()
	cfg.ServerID = "srv"

	_, err := New(Options{Config: cfg, Classes: device.NewRegistry(), Connection: conn})
	assert.ErrorContains(t, err, "does not match server id")
}

func TestServer_AnnouncesInstanceInfo(t *testing.T) {
	ts := startTestServer(t, func(cfg *config.ServerConfig) {
		cfg.DeviceClasses = []string{"Echo"}
	})

	info := ts.Endpoint().InstanceInfo()
	assert.Equal(t, "server", info["type"])
	assert.Equal(t, "srv", info["serverId"])
	assert.Equal(t, "test", info["version"])
	assert.Equal(t, []any{"Echo"}, info["deviceClasses"])
	assert.Equal(t, []any{int(device.User)}, info["visibilities"])
}

func TestServer_StartDeviceSlot(t *testing.T) {
	ts := startTestServer(t, nil)
	ctx := context.Background()

	args, err := ts.client.Request(ctx, "srv", SlotStartDevice, bus.Hash{
		"classId":       "Echo",
		"deviceId":      "e1",
		"configuration": bus.Hash{"prefix": ">"},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"e1"}, args)
	assert.True(t, ts.Registry().IsRunning("e1"))

	args, err = ts.client.Request(ctx, "e1", "slotEcho", "hi")
	require.NoError(t, err)
	assert.Equal(t, []any{">hi"}, args)

	_, err = ts.client.Request(ctx, "srv", SlotStartDevice, bus.Hash{"classId": "Echo", "deviceId": "e1"})
	var remote *bus.RemoteError
	require.True(t, errors.As(err, &remote), "got %v", err)
	assert.Equal(t, "Device 'e1' of class 'Echo' could not be started: Device 'e1' already running/starting on this server.", remote.Message)

	_, err = ts.client.Request(ctx, "srv", SlotStartDevice, "not a record")
	assert.True(t, errors.As(err, &remote))
}

func TestServer_KillDeviceRemovesIt(t *testing.T) {
	ts := startTestServer(t, nil)
	ctx := context.Background()

	_, err := ts.client.Request(ctx, "srv", SlotStartDevice, bus.Hash{"classId": "Echo", "deviceId": "e1"})
	require.NoError(t, err)

	require.NoError(t, ts.client.Call(ctx, "e1", device.SlotKillDevice))
	assert.Eventually(t, func() bool { return !ts.Registry().Has("e1") }, 3*time.Second, 10*time.Millisecond)
}

func TestServer_AutoStartAndTimeTicks(t *testing.T) {
	ts := startTestServer(t, func(cfg *config.ServerConfig) {
		cfg.Init = `{"c1": {"classId": "TrainCounter"}, "e1": {"classId": "Echo", "prefix": "!"}}`
	})
	ctx := context.Background()

	require.Eventually(t, func() bool {
		return ts.Registry().IsRunning("c1") && ts.Registry().IsRunning("e1")
	}, 3*time.Second, 10*time.Millisecond)

	args, err := ts.client.Request(ctx, "e1", "slotEcho", "x")
	require.NoError(t, err)
	assert.Equal(t, []any{"!x"}, args)

	require.NoError(t, ts.client.Call(ctx, "srv", SlotTimeTick, uint64(10), uint64(0), uint64(0), uint64(100_000)))

	assert.Eventually(t, func() bool {
		args, err := ts.client.Request(ctx, "c1", "slotGetCount")
		if err != nil || len(args) != 2 {
			return false
		}
		count, _ := bus.ToUint64(args[0])
		last, _ := bus.ToUint64(args[1])
		// The ticker keeps extrapolating after the first tick.
		return count >= 2 && last >= 11
	}, 3*time.Second, 50*time.Millisecond)

	_, err = ts.client.Request(ctx, "srv", SlotTimeTick, "bad")
	assert.Error(t, err)
}

func TestServer_ForwardsBroadcastsToDevices(t *testing.T) {
	ts := startTestServer(t, nil)
	ctx := context.Background()

	_, err := ts.client.Request(ctx, "srv", SlotStartDevice, bus.Hash{"classId": "Listener", "deviceId": "l1"})
	require.NoError(t, err)

	require.NoError(t, ts.client.Broadcast(ctx, "slotPing", "hello"))

	select {
	case args := <-ts.pings:
		assert.Equal(t, []any{"hello"}, args)
	case <-time.After(3 * time.Second):
		t.Fatal("broadcast was not forwarded to the device")
	}

	// Delivered once, through the server.
	select {
	case args := <-ts.pings:
		t.Fatalf("unexpected second delivery: %v", args)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestServer_GetClassSchema(t *testing.T) {
	ts := startTestServer(t, nil)
	ctx := context.Background()

	args, err := ts.client.Request(ctx, "srv", SlotGetClassSchema, "Echo")
	require.NoError(t, err)
	require.Len(t, args, 3)
	schema, ok := bus.AsHash(args[0])
	require.True(t, ok)
	assert.Equal(t, "Echo", schema["classId"])
	assert.Equal(t, "Echo", args[1])
	assert.Equal(t, "srv", args[2])

	_, err = ts.client.Request(ctx, "srv", SlotGetClassSchema, "Nope")
	var remote *bus.RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Contains(t, remote.Message, "unknown device class")
}

func TestServer_LoggerSlots(t *testing.T) {
	ts := startTestServer(t, nil)
	ctx := context.Background()
	t.Cleanup(func() { _, _ = logging.SetLevel("INFO") })

	args, err := ts.client.Request(ctx, "srv", SlotLoggerContent, bus.Hash{"logs": 3})
	require.NoError(t, err)
	require.Len(t, args, 1)
	reply, ok := bus.AsHash(args[0])
	require.True(t, ok)
	assert.Equal(t, "srv", reply["serverId"])
	content, ok := reply["content"].([]any)
	require.True(t, ok)
	assert.LessOrEqual(t, len(content), 3)

	_, err = ts.client.Request(ctx, "srv", SlotLoggerPriority, "DEBUG")
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", ts.Identity().LogPriority())
	assert.Equal(t, "DEBUG", ts.Endpoint().InstanceInfo()["log"])

	_, err = ts.client.Request(ctx, "srv", SlotLoggerPriority, "LOUD")
	assert.Error(t, err)
	assert.Equal(t, "DEBUG", ts.Identity().LogPriority())
}

func TestServer_KillServer(t *testing.T) {
	ts := startTestServer(t, func(cfg *config.ServerConfig) {
		cfg.Init = `{"c1": {"classId": "TrainCounter"}}`
	})
	ctx := context.Background()
	require.Eventually(t, func() bool { return ts.Registry().IsRunning("c1") }, 3*time.Second, 10*time.Millisecond)

	args, err := ts.client.Request(ctx, "srv", SlotKillServer)
	require.NoError(t, err)
	assert.Equal(t, []any{"srv"}, args)

	select {
	case err := <-ts.errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	// Run has returned; let the cleanup see a closed channel.
	ts.errCh <- nil

	assert.False(t, ts.IsRunning())
	assert.Equal(t, 0, ts.Registry().Len())
}

func TestServer_RunStopsOnContextCancel(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	cfg := config.Default()
	cfg.ServerID = "srv"
	cfg.Broker.URL = "redis://" + mr.Addr()
	s, err := New(Options{Config: cfg, Classes: device.NewRegistry(), Connection: newTestConnection(t, mr, "srv")})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	require.Eventually(t, s.IsRunning, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.False(t, s.IsRunning())
}
