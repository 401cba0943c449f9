package server

import (
	"sync"

	"github.com/dyluth/burrow/internal/device"
	"github.com/dyluth/burrow/internal/epochstamp"
	"github.com/rs/zerolog"
)

// TimeState is the last external time tick.
type TimeState struct {
	mu       sync.Mutex
	trainID  uint64
	stamp    epochstamp.Stamp
	period   uint64 // microseconds, never zero
	received bool
}

// TimeSnapshot is a copy of TimeState.
type TimeSnapshot struct {
	TrainID  uint64
	Stamp    epochstamp.Stamp
	Period   uint64
	Received bool
}

// NewTimeState returns the state before any tick: period 1 so that it can
// always be divided by.
func NewTimeState() *TimeState {
	return &TimeState{period: 1}
}

// Update stores a tick. A zero sec takes the wall clock now instead. It
// reports whether this was the first tick ever. period must be non-zero.
func (t *TimeState) Update(id, sec, frac, period uint64, now epochstamp.Stamp) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.trainID = id
	t.stamp = epochstamp.Stamp{Seconds: sec, Fraction: frac}
	if sec == 0 {
		t.stamp = now
	}
	t.period = period
	first := !t.received
	t.received = true
	return first
}

// Snapshot copies the state.
func (t *TimeState) Snapshot() TimeSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TimeSnapshot{TrainID: t.trainID, Stamp: t.stamp, Period: t.period, Received: t.received}
}

// TimeSynchronizer handles external time ticks: it updates TimeState,
// forwards the tick to running devices and resynchronizes the Ticker.
type TimeSynchronizer struct {
	state    *TimeState
	registry *Registry
	ticker   *Ticker
	now      func() epochstamp.Stamp
	log      zerolog.Logger
}

// NewTimeSynchronizer wires the synchronizer.
func NewTimeSynchronizer(state *TimeState, registry *Registry, ticker *Ticker, log zerolog.Logger) *TimeSynchronizer {
	return &TimeSynchronizer{
		state:    state,
		registry: registry,
		ticker:   ticker,
		now:      epochstamp.Now,
		log:      log,
	}
}

// OnExternalTick processes one tick of the time server.
func (s *TimeSynchronizer) OnExternalTick(id, sec, frac, period uint64) {
	if period == 0 {
		s.log.Error().
			Uint64("id", id).
			Uint64("sec", sec).
			Uint64("frac", frac).
			Msg("Ignore invalid time tick: period=0")
		return
	}

	// Taken before locking so that contention does not skew the fallback.
	now := s.now()
	first := s.state.Update(id, sec, frac, period, now)

	// Direct forward, not through the strands, for latency.
	for _, dev := range s.registry.running() {
		s.forward(dev, id, sec, frac, period)
	}

	// Cancel first: a timer that already fired re-arms itself with the new
	// state.
	if s.ticker.Cancel() || first {
		s.ticker.Run(id)
	}
}

func (s *TimeSynchronizer) forward(dev device.Device, id, sec, frac, period uint64) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("device_id", dev.ID()).Interface("panic", r).Msg("Device panicked on time tick")
		}
	}()
	dev.SlotTimeTick(id, sec, frac, period)
}
