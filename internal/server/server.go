// Package server implements the device server: it hosts device actors,
// exposes them on the bus, forwards broadcasts to them and keeps them in step
// with the train-id clock of a time server.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dyluth/burrow/internal/config"
	"github.com/dyluth/burrow/internal/device"
	"github.com/dyluth/burrow/internal/logging"
	"github.com/dyluth/burrow/pkg/bus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds the kill notifications sent to devices at shutdown.
const shutdownTimeout = 5 * time.Second

// Options configures a Server.
type Options struct {
	Config  *config.ServerConfig
	Classes *device.Registry
	// Connection overrides dialling Config.Broker.URL. Its instance id must
	// be the server id.
	Connection bus.Connection
	Version    string
	// PID defaults to the process id.
	PID int
}

// Server is the composition root of the device server.
type Server struct {
	cfg       *config.ServerConfig
	identity  *Identity
	conn      bus.Connection
	endpoint  *bus.Endpoint
	registry  *Registry
	timeState *TimeState
	ticker    *Ticker
	timeSync  *TimeSynchronizer
	manager   *Manager
	router    *BroadcastRouter
	health    *HealthServer
	autoStart []config.AutoStartEntry
	log       zerolog.Logger

	running      atomic.Bool
	mu           sync.Mutex
	cancel       context.CancelFunc
	terminated   bool
	shutdownOnce sync.Once
}

// New validates the configuration and assembles a server. Configuration
// errors are fatal.
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Classes == nil {
		return nil, fmt.Errorf("device class registry is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if opts.PID == 0 {
		opts.PID = os.Getpid()
	}

	identity, err := NewIdentity(opts.Config, opts.PID)
	if err != nil {
		return nil, err
	}
	if err := bus.ValidateInstanceID(identity.ServerID); err != nil {
		return nil, fmt.Errorf("invalid server id: %w", err)
	}
	autoStart, err := config.ParseInit(opts.Config.Init)
	if err != nil {
		return nil, err
	}

	conn := opts.Connection
	if conn == nil {
		conn, err = bus.Dial(opts.Config.Broker.URL, opts.Config.Broker.Topic, identity.ServerID)
		if err != nil {
			return nil, err
		}
	} else if conn.InstanceID() != identity.ServerID {
		return nil, fmt.Errorf("connection instance id '%s' does not match server id '%s'", conn.InstanceID(), identity.ServerID)
	}

	log := logging.WithComponent("server").With().Str("server_id", identity.ServerID).Logger()

	s := &Server{
		cfg:       opts.Config,
		identity:  identity,
		conn:      conn,
		registry:  NewRegistry(),
		timeState: NewTimeState(),
		autoStart: autoStart,
		log:       log,
	}
	s.ticker = NewTicker(s.timeState, s.registry, log.With().Str("part", "ticker").Logger())
	s.timeSync = NewTimeSynchronizer(s.timeState, s.registry, s.ticker, log)
	s.manager = NewManager(identity, s.registry, opts.Classes, conn, opts.Config.TimeServerID,
		time.Duration(opts.Config.InstantiationTimeout)*time.Second, log)
	s.router = NewBroadcastRouter(s.registry, conn.Shortcuts(), log)

	classes, visibilities := s.manager.AvailablePlugins()
	s.log.Info().Strs("device_classes", classes).Msg("Device classes available")

	s.endpoint = bus.NewEndpoint(conn, bus.Options{
		HeartbeatInterval: time.Duration(opts.Config.HeartbeatInterval) * time.Second,
		InstanceInfo:      identity.InstanceInfo(opts.Version, classes, visibilities),
		ConsumeBroadcasts: true,
		Logger:            &s.log,
	})
	s.registerSlots()
	s.endpoint.SetBroadcastHandler(func(header, body bus.Hash) {
		s.router.OnBroadcast(header, body)
	})

	if opts.Config.Health.Addr != "" {
		s.health = NewHealthServer(opts.Config.Health.Addr, identity.ServerID, conn, s.registry)
	}
	return s, nil
}

// ID returns the server id.
func (s *Server) ID() string { return s.identity.ServerID }

// Identity returns the server identity.
func (s *Server) Identity() *Identity { return s.identity }

// Registry returns the hosted devices.
func (s *Server) Registry() *Registry { return s.registry }

// Manager returns the lifecycle manager.
func (s *Server) Manager() *Manager { return s.manager }

// Endpoint returns the server's bus endpoint.
func (s *Server) Endpoint() *bus.Endpoint { return s.endpoint }

// IsRunning reports whether the server is between startup and shutdown.
func (s *Server) IsRunning() bool { return s.running.Load() }

// Run starts the server and blocks until ctx is cancelled or Terminate is
// called, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return nil
	}
	s.cancel = cancel
	s.mu.Unlock()

	if err := s.conn.Connect(ctx); err != nil {
		return err
	}
	if err := s.endpoint.Start(ctx); err != nil {
		s.conn.Close()
		return err
	}
	s.running.Store(true)

	s.log.Info().
		Int("pid", s.identity.PID).
		Str("host", s.identity.HostName).
		Str("broker", s.conn.BrokerURL()).
		Msg("Starting burrow device server")

	for _, entry := range s.autoStart {
		s.manager.StartDevice(ctx, entry.Request(), &logReplier{log: s.log, deviceID: entry.DeviceID})
	}

	if ts := s.cfg.TimeServerID; ts != "" {
		go func() {
			if err := s.endpoint.Connect(ctx, ts, SignalTimeTick, SlotTimeTick); err != nil {
				s.log.Warn().Err(err).Str("time_server_id", ts).Msg("Failed to connect to time server")
				return
			}
			s.log.Info().Str("time_server_id", ts).Msg("Successfully connected to time server")
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	if s.health != nil {
		g.Go(func() error { return s.health.Serve(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	err := g.Wait()

	s.shutdown()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// Terminate makes Run return after shutting down.
func (s *Server) Terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminated = true
	if s.cancel != nil {
		s.cancel()
	}
}

// shutdown stops the ticker, tells every device to die, clears the registry
// and leaves the bus.
func (s *Server) shutdown() {
	s.shutdownOnce.Do(func() {
		s.log.Info().Int("devices", s.registry.Len()).Msg("Shutting down device server")
		s.ticker.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		ids := s.registry.IDs()
		var g errgroup.Group
		g.SetLimit(16)
		for _, id := range ids {
			id := id
			g.Go(func() error {
				if err := s.endpoint.Call(ctx, id, device.SlotKillDevice); err != nil {
					s.log.Warn().Err(err).Str("device_id", id).Msg("Failed to send kill to device")
				}
				return nil
			})
		}
		_ = g.Wait()

		s.registry.Clear()
		s.running.Store(false)

		s.waitDevicesGone(ctx, ids)
		s.endpoint.Stop(ctx)
		if err := s.conn.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to close broker connection")
		}
	})
}

// waitDevicesGone gives in-process devices a moment to leave the bus before
// the shared connection is closed.
func (s *Server) waitDevicesGone(ctx context.Context, ids []string) {
	shortcuts := s.conn.Shortcuts()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		remaining := 0
		for _, id := range ids {
			if shortcuts.Has(id) {
				remaining++
			}
		}
		if remaining == 0 {
			return
		}
		select {
		case <-ctx.Done():
			s.log.Warn().Int("devices", remaining).Msg("Devices still on the bus at shutdown")
			return
		case <-ticker.C:
		}
	}
}

// logReplier logs the outcome of auto-started devices.
type logReplier struct {
	log      zerolog.Logger
	deviceID string
}

func (r *logReplier) Reply(args ...any) error {
	r.log.Info().Str("device_id", r.deviceID).Msg("Auto-started device")
	return nil
}

func (r *logReplier) Error(message, details string) error {
	r.log.Error().Str("device_id", r.deviceID).Str("details", details).Msg(message)
	return nil
}
