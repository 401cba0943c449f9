package server

import (
	"context"
	"fmt"

	"github.com/dyluth/burrow/internal/device"
	"github.com/dyluth/burrow/internal/logging"
	"github.com/dyluth/burrow/pkg/bus"
)

// Slots exposed by the server.
const (
	SlotStartDevice    = "slotStartDevice"
	SlotKillServer     = "slotKillServer"
	SlotGetClassSchema = "slotGetClassSchema"
	SlotLoggerPriority = "slotLoggerPriority"
	SlotTimeTick       = "slotTimeTick"
	SlotLoggerContent  = "slotLoggerContent"
)

// SignalTimeTick is the time server signal the server connects to.
const SignalTimeTick = "signalTimeTick"

// defaultLoggerContentLines is the number of log records slotLoggerContent
// returns without a "logs" argument.
const defaultLoggerContentLines = 10

func (s *Server) registerSlots() {
	s.endpoint.RegisterSlot(SlotStartDevice, s.slotStartDevice)
	s.endpoint.RegisterSlot(SlotKillServer, s.slotKillServer)
	s.endpoint.RegisterSlot(device.SlotDeviceGone, s.slotDeviceGone)
	s.endpoint.RegisterSlot(SlotGetClassSchema, s.slotGetClassSchema)
	s.endpoint.RegisterSlot(SlotLoggerPriority, s.slotLoggerPriority)
	s.endpoint.RegisterSlot(SlotTimeTick, s.slotTimeTick)
	s.endpoint.RegisterSlot(SlotLoggerContent, s.slotLoggerContent)
}

func (s *Server) slotStartDevice(ctx context.Context, call *bus.Call) error {
	req, ok := bus.AsHash(call.Arg(0))
	if !ok {
		return fmt.Errorf("%s expects a configuration record", SlotStartDevice)
	}
	call.Defer()
	s.manager.StartDevice(ctx, req, call)
	return nil
}

func (s *Server) slotKillServer(_ context.Context, call *bus.Call) error {
	s.log.Info().Str("sender", call.Sender()).Msg("Received kill signal")
	if err := call.Reply(s.identity.ServerID); err != nil {
		s.log.Warn().Err(err).Msg("Failed to acknowledge kill signal")
	}
	go s.Terminate()
	return nil
}

func (s *Server) slotDeviceGone(_ context.Context, call *bus.Call) error {
	id, ok := call.Arg(0).(string)
	if !ok {
		return fmt.Errorf("%s expects a device id", device.SlotDeviceGone)
	}
	s.manager.DeviceGone(id)
	return nil
}

func (s *Server) slotGetClassSchema(_ context.Context, call *bus.Call) error {
	classID, ok := call.Arg(0).(string)
	if !ok {
		return fmt.Errorf("%s expects a class id", SlotGetClassSchema)
	}
	schema, err := s.manager.ClassSchema(classID)
	if err != nil {
		return err
	}
	return call.Reply(schema.ToHash(), classID, s.identity.ServerID)
}

func (s *Server) slotLoggerPriority(ctx context.Context, call *bus.Call) error {
	priority, ok := call.Arg(0).(string)
	if !ok {
		return fmt.Errorf("%s expects a priority", SlotLoggerPriority)
	}
	old, err := logging.SetLevel(priority)
	if err != nil {
		return err
	}
	s.identity.SetLogPriority(priority)
	s.log.Info().Msgf("Logger priority changed : %s ==> %s", old, priority)
	return s.endpoint.UpdateInstanceInfo(ctx, bus.Hash{"log": priority})
}

func (s *Server) slotTimeTick(_ context.Context, call *bus.Call) error {
	var v [4]uint64
	for i := range v {
		n, ok := bus.ToUint64(call.Arg(i))
		if !ok {
			return fmt.Errorf("%s expects four unsigned integers (id, sec, frac, period)", SlotTimeTick)
		}
		v[i] = n
	}
	s.timeSync.OnExternalTick(v[0], v[1], v[2], v[3])
	return nil
}

func (s *Server) slotLoggerContent(_ context.Context, call *bus.Call) error {
	lines := defaultLoggerContentLines
	if input, ok := bus.AsHash(call.Arg(0)); ok && input.Has("logs") {
		n, ok := input.Int("logs")
		if !ok || n < 0 {
			return fmt.Errorf("%s: 'logs' must be a non-negative integer", SlotLoggerContent)
		}
		lines = n
	}

	records := logging.GetCache().Content(lines)
	content := make([]any, len(records))
	for i, r := range records {
		content[i] = bus.Hash(r)
	}
	return call.Reply(bus.Hash{"serverId": s.identity.ServerID, "content": content})
}
