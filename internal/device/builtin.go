package device

import (
	"context"
	"sync/atomic"

	"github.com/dyluth/burrow/pkg/bus"
)

// TrainCounter counts the time updates it receives.
type TrainCounter struct {
	*Base
	count  atomic.Uint64
	lastID atomic.Uint64
}

// NewTrainCounter is the factory of the TrainCounter class.
func NewTrainCounter(cfg bus.Hash) (Device, error) {
	base, err := NewBase("TrainCounter", cfg)
	if err != nil {
		return nil, err
	}
	d := &TrainCounter{Base: base}
	d.RegisterSlot("slotGetCount", func(_ context.Context, call *bus.Call) error {
		return call.Reply(d.Count(), d.LastID())
	})
	d.RegisterSlot("slotReset", func(_ context.Context, _ *bus.Call) error {
		d.count.Store(0)
		return nil
	})
	return d, nil
}

func (d *TrainCounter) OnTimeUpdate(id, sec, frac, period uint64) {
	d.Base.OnTimeUpdate(id, sec, frac, period)
	d.count.Add(1)
	d.lastID.Store(id)
}

// Count is the number of time updates received.
func (d *TrainCounter) Count() uint64 { return d.count.Load() }

// LastID is the most recent train id received.
func (d *TrainCounter) LastID() uint64 { return d.lastID.Load() }

// Echo replies to slotEcho with its arguments. String arguments get the
// configured prefix.
type Echo struct {
	*Base
	prefix string
}

// NewEcho is the factory of the Echo class.
func NewEcho(cfg bus.Hash) (Device, error) {
	base, err := NewBase("Echo", cfg)
	if err != nil {
		return nil, err
	}
	d := &Echo{Base: base}
	d.prefix, _ = cfg.String("prefix")
	d.RegisterSlot("slotEcho", func(_ context.Context, call *bus.Call) error {
		out := make([]any, len(call.Args))
		for i, arg := range call.Args {
			if s, ok := arg.(string); ok {
				arg = d.prefix + s
			}
			out[i] = arg
		}
		return call.Reply(out...)
	})
	return d, nil
}

// RegisterBuiltins adds the TrainCounter and Echo classes to r.
func RegisterBuiltins(r *Registry) error {
	classes := []Class{
		{
			ID: "TrainCounter",
			Schema: func() (*Schema, error) {
				return &Schema{
					Visibility: Observer,
					Parameters: []Parameter{
						{Key: "count", Type: "UINT64", Description: "Time updates received", ReadOnly: true},
					},
				}, nil
			},
			New: NewTrainCounter,
		},
		{
			ID: "Echo",
			Schema: func() (*Schema, error) {
				return &Schema{
					Visibility: User,
					Parameters: []Parameter{
						{Key: "prefix", Type: "STRING", Description: "Prepended to echoed strings", Default: ""},
					},
				}, nil
			},
			New: NewEcho,
		},
	}
	for _, c := range classes {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
