package server

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dyluth/burrow/internal/device"
	"github.com/dyluth/burrow/pkg/bus"
	"github.com/rs/zerolog"
)

// Replier receives the asynchronous outcome of a start request. *bus.Call
// implements it.
type Replier interface {
	Reply(args ...any) error
	Error(message, details string) error
}

// StartError is the failure of a start request.
type StartError struct {
	DeviceID string
	ClassID  string
	Message  string
	Details  string
	Err      error
}

func (e *StartError) Error() string { return e.Message }
func (e *StartError) Unwrap() error { return e.Err }

// ErrInstantiationTimeout is the cause of a start that did not finish
// initialization in time.
var ErrInstantiationTimeout = errors.New("instantiation timeout")

// Manager starts and removes the devices hosted by the server.
type Manager struct {
	identity     *Identity
	registry     *Registry
	classes      *device.Registry
	conn         bus.Connection
	timeServerID string

	// instantiationTimeout bounds initialization; zero waits forever.
	instantiationTimeout time.Duration
	log                  zerolog.Logger

	countersMu sync.Mutex
	counters   map[string]int

	inflight sync.WaitGroup
}

// NewManager wires a lifecycle manager. conn is cloned for every device.
func NewManager(identity *Identity, registry *Registry, classes *device.Registry, conn bus.Connection, timeServerID string, instantiationTimeout time.Duration, log zerolog.Logger) *Manager {
	return &Manager{
		identity:             identity,
		registry:             registry,
		classes:              classes,
		conn:                 conn,
		timeServerID:         timeServerID,
		instantiationTimeout: instantiationTimeout,
		log:                  log,
		counters:             make(map[string]int),
	}
}

// StartDevice starts a device on its own goroutine and answers through r
// with the device id or an error.
func (m *Manager) StartDevice(ctx context.Context, req bus.Hash, r Replier) {
	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()

		id, err := m.Start(ctx, req)
		if err != nil {
			var startErr *StartError
			if errors.As(err, &startErr) {
				_ = r.Error(startErr.Message, startErr.Details)
				return
			}
			_ = r.Error(err.Error(), "")
			return
		}
		_ = r.Reply(id)
	}()
}

// Wait blocks until every start in flight has replied.
func (m *Manager) Wait() {
	m.inflight.Wait()
}

// Start runs a start request synchronously. Errors are *StartError.
func (m *Manager) Start(ctx context.Context, req bus.Hash) (string, error) {
	deviceID, classID, cfg, err := m.normalize(req)
	if err != nil {
		msg := fmt.Sprintf("Invalid start request: %v", err)
		m.log.Error().Err(err).Msg("Invalid start request")
		return "", &StartError{Message: msg, Err: err}
	}

	m.log.Info().Str("device_id", deviceID).Str("class_id", classID).Msg("Trying to start device")

	if err := m.registry.Reserve(deviceID, classID); err != nil {
		return "", m.startFailed(deviceID, classID, err, false)
	}

	dev, err := m.construct(classID, cfg)
	if err != nil {
		return "", m.startFailed(deviceID, classID, err, true)
	}
	if !m.registry.SetDevice(deviceID, dev) {
		m.log.Warn().Str("device_id", deviceID).Msg("Device left the registry during construction")
	}

	if m.instantiationTimeout <= 0 {
		if err := m.finishStart(ctx, dev, deviceID, classID); err != nil {
			return "", err
		}
		return deviceID, nil
	}

	initCtx, cancel := context.WithTimeout(ctx, m.instantiationTimeout)
	done := make(chan error, 1)
	go func() {
		defer cancel()
		done <- m.finishStart(initCtx, dev, deviceID, classID)
	}()

	timer := time.NewTimer(m.instantiationTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			return "", err
		}
		return deviceID, nil
	case <-timer.C:
		// The record stays: a late device that still comes up is kept.
		msg := fmt.Sprintf("Timeout of instantiation: %s did not confirm it is up within %g seconds", deviceID, m.instantiationTimeout.Seconds())
		m.log.Warn().Str("device_id", deviceID).Str("class_id", classID).Msg(msg)
		return "", &StartError{DeviceID: deviceID, ClassID: classID, Message: msg, Err: ErrInstantiationTimeout}
	}
}

// finishStart initializes dev and marks it running, or rolls the start back.
func (m *Manager) finishStart(ctx context.Context, dev device.Device, deviceID, classID string) error {
	if err := m.initialize(ctx, dev, deviceID); err != nil {
		return m.startFailed(deviceID, classID, err, true)
	}

	strand := NewStrand(m.log.With().Str("device_id", deviceID).Logger())
	if !m.registry.MarkRunning(deviceID, strand) {
		strand.Stop()
		m.log.Warn().Str("device_id", deviceID).Msg("Device left the registry during initialization")
	}

	m.log.Info().Str("device_id", deviceID).Str("class_id", classID).Msg("Device started")
	return nil
}

// normalize accepts the new style {classId, deviceId?, configuration} and
// the old style {<classId>: {deviceId?, ...}} and injects the server keys.
func (m *Manager) normalize(req bus.Hash) (deviceID, classID string, cfg bus.Hash, err error) {
	if req.Has("classId") {
		classID, _ = req.String("classId")
		if classID == "" {
			return "", "", nil, fmt.Errorf("classId must be a non-empty string")
		}
		cfg = bus.Hash{}
		if req.Has("configuration") {
			sub, ok := req.Sub("configuration")
			if !ok {
				return "", "", nil, fmt.Errorf("configuration must be a record")
			}
			cfg = sub.Clone()
		}
		if deviceID, err = optionalString(req, "deviceId"); err != nil {
			return "", "", nil, err
		}
	} else {
		if len(req) != 1 {
			return "", "", nil, fmt.Errorf("expected classId or a single class key, got %d keys", len(req))
		}
		for key, value := range req {
			classID = key
			sub, ok := bus.AsHash(value)
			if !ok {
				return "", "", nil, fmt.Errorf("configuration of class '%s' must be a record", key)
			}
			cfg = sub.Clone()
		}
		if deviceID, err = optionalString(cfg, "deviceId"); err != nil {
			return "", "", nil, err
		}
	}

	if deviceID == "" {
		deviceID = m.defaultDeviceID(classID)
	}
	if err := bus.ValidateInstanceID(deviceID); err != nil {
		return "", "", nil, err
	}
	cfg[device.KeyServerID] = m.identity.ServerID
	cfg[device.KeyDeviceID] = deviceID
	cfg[device.KeyHostName] = m.identity.HostName
	return deviceID, classID, cfg, nil
}

// optionalString returns h[key] if it is a string and "" if it is absent.
func optionalString(h bus.Hash, key string) (string, error) {
	if !h.Has(key) {
		return "", nil
	}
	s, ok := h.String(key)
	if !ok {
		return "", fmt.Errorf("%s must be a string, got %T", key, h[key])
	}
	return s, nil
}

func (m *Manager) defaultDeviceID(classID string) string {
	m.countersMu.Lock()
	m.counters[classID]++
	n := m.counters[classID]
	m.countersMu.Unlock()
	return fmt.Sprintf("%s_%s_%d", m.identity.ShortServerID(), classID, n)
}

// InstanceCounters returns a copy of the per-class default id counters.
func (m *Manager) InstanceCounters() map[string]int {
	m.countersMu.Lock()
	defer m.countersMu.Unlock()
	out := make(map[string]int, len(m.counters))
	for k, v := range m.counters {
		out[k] = v
	}
	return out
}

func (m *Manager) construct(classID string, cfg bus.Hash) (dev device.Device, err error) {
	defer func() {
		if r := recover(); r != nil {
			dev = nil
			err = device.WithDetails(fmt.Errorf("panic during construction: %v", r), string(debug.Stack()))
		}
	}()
	return m.classes.Create(classID, cfg)
}

func (m *Manager) initialize(ctx context.Context, dev device.Device, deviceID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = device.WithDetails(fmt.Errorf("panic during initialization: %v", r), string(debug.Stack()))
		}
	}()
	// The server forwards broadcasts to its devices.
	return dev.FinalizeInitialization(ctx, m.conn.Clone(deviceID), false, m.timeServerID)
}

// startFailed removes the record by id if this request reserved it. A device
// that reported itself gone and was restarted under the same id in the
// meantime loses its new record here.
func (m *Manager) startFailed(deviceID, classID string, cause error, reserved bool) error {
	if reserved {
		m.registry.Remove(deviceID)
	}

	details := ""
	var detailed interface{ Details() string }
	if errors.As(cause, &detailed) {
		details = detailed.Details()
	}

	msg := fmt.Sprintf("Device '%s' of class '%s' could not be started: %s", deviceID, classID, cause.Error())
	event := m.log.Error().Str("device_id", deviceID).Str("class_id", classID)
	if details != "" {
		event = event.Str("details", details)
	}
	event.Msg(msg)

	return &StartError{DeviceID: deviceID, ClassID: classID, Message: msg, Details: details, Err: cause}
}

// DeviceGone removes id. Unknown ids are ignored.
func (m *Manager) DeviceGone(id string) bool {
	m.log.Info().Str("device_id", id).Msg("Device notifies about its future death")
	if m.registry.Remove(id) {
		m.log.Info().Str("device_id", id).Msg("Device removed from server")
		return true
	}
	return false
}

// ClassSchema returns the schema of classID.
func (m *Manager) ClassSchema(classID string) (*device.Schema, error) {
	return m.classes.Schema(classID)
}

// AvailablePlugins returns the allowed classes whose schema can be built,
// with a parallel list of their visibilities.
func (m *Manager) AvailablePlugins() ([]string, []int) {
	allowed := make(map[string]bool, len(m.identity.DeviceClasses))
	for _, c := range m.identity.DeviceClasses {
		allowed[c] = true
	}

	var classes []string
	var visibilities []int
	for _, classID := range m.classes.Classes() {
		if len(allowed) > 0 && !allowed[classID] {
			continue
		}
		schema, err := m.classes.Schema(classID)
		if err != nil {
			m.log.Warn().Err(err).Str("class_id", classID).Msg("Device class is ignored because of schema building failure")
			continue
		}
		classes = append(classes, classID)
		visibilities = append(visibilities, int(schema.Visibility))
	}
	return classes, visibilities
}
