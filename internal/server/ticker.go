package server

import (
	"sync"
	"time"

	"github.com/dyluth/burrow/internal/device"
	"github.com/dyluth/burrow/internal/epochstamp"
	"github.com/rs/zerolog"
)

// maxBacklogMicros bounds catch-up to ten minutes worth of train ids.
const maxBacklogMicros = 600_000_000

// timer is the part of *time.Timer the Ticker uses.
type timer interface {
	Stop() bool
}

// Ticker extrapolates train ids between external ticks and delivers
// OnTimeUpdate for every id to running devices through their strands.
type Ticker struct {
	state    *TimeState
	registry *Registry
	log      zerolog.Logger

	afterFunc func(d time.Duration, f func()) timer
	now       func() time.Time

	mu         sync.Mutex // guards timer, generation, closed
	timer      timer
	generation uint64
	closed     bool

	runMu         sync.Mutex // serializes Run
	lastDelivered uint64
	started       bool
}

// NewTicker creates a stopped ticker; it is started by the first external
// tick.
func NewTicker(state *TimeState, registry *Registry, log zerolog.Logger) *Ticker {
	return &Ticker{
		state:    state,
		registry: registry,
		log:      log,
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
		now: time.Now,
	}
}

// Cancel stops the pending timer. It reports whether a pending timer was
// stopped before it fired.
func (t *Ticker) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer == nil || !t.timer.Stop() {
		return false
	}
	t.timer = nil
	t.generation++
	return true
}

// Stop cancels the timer for good; later runs do not reschedule.
func (t *Ticker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.generation++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Run delivers the ids up to targetID and schedules the next run.
func (t *Ticker) Run(targetID uint64) {
	t.runMu.Lock()
	defer t.runMu.Unlock()

	snap := t.state.Snapshot()

	// A run queued before a newer external tick landed.
	if targetID < snap.TrainID {
		targetID = snap.TrainID
	}
	delta := targetID - snap.TrainID
	stamp := snap.Stamp.AddMicros(delta * snap.Period)

	if !t.started {
		t.started = true
		if targetID > 0 {
			t.lastDelivered = targetID - 1
		}
	}

	backlog := uint64(maxBacklogMicros) / snap.Period
	if backlog == 0 {
		backlog = 1
	}
	if targetID > t.lastDelivered+backlog {
		t.log.Warn().
			Uint64("from", t.lastDelivered).
			Uint64("to", targetID).
			Uint64("backlog", backlog).
			Msgf("Big gap between train ids, skipping %d..%d", t.lastDelivered+1, targetID-backlog)
		t.lastDelivered = targetID - backlog
	}

	for t.lastDelivered < targetID {
		t.lastDelivered++
		id := t.lastDelivered
		t.registry.forEachRunning(func(_ string, dev device.Device, strand *Strand) {
			strand.Post(func() {
				dev.OnTimeUpdate(id, stamp.Seconds, stamp.Fraction, snap.Period)
			})
		})
	}

	t.schedule(stamp.AddMicros(snap.Period), targetID+1)
}

// LastDelivered returns the last id delivered to devices.
func (t *Ticker) LastDelivered() uint64 {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	return t.lastDelivered
}

func (t *Ticker) schedule(at epochstamp.Stamp, id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	delay := at.Time().Sub(t.now())
	if delay < 0 {
		delay = 0
	}
	gen := t.generation
	t.timer = t.afterFunc(delay, func() { t.fire(gen, id) })
}

func (t *Ticker) fire(gen, id uint64) {
	t.mu.Lock()
	stale := t.closed || gen != t.generation
	if !stale {
		t.timer = nil
	}
	t.mu.Unlock()

	if stale {
		return
	}
	t.Run(id)
}
