package server

import (
	"github.com/dyluth/burrow/pkg/bus"
	"github.com/rs/zerolog"
)

// BroadcastRouter forwards broadcasts received by the server to its devices
// in-process. Devices are started with broadcast consumption off and rely
// on it.
type BroadcastRouter struct {
	registry  *Registry
	shortcuts *bus.Shortcuts
	log       zerolog.Logger
}

// NewBroadcastRouter creates a router delivering through shortcuts.
func NewBroadcastRouter(registry *Registry, shortcuts *bus.Shortcuts, log zerolog.Logger) *BroadcastRouter {
	return &BroadcastRouter{registry: registry, shortcuts: shortcuts, log: log}
}

// OnBroadcast forwards one broadcast to every device not named explicitly
// in its slotInstanceIds header. It returns the number of devices reached.
func (r *BroadcastRouter) OnBroadcast(header, body bus.Hash) int {
	ids, ok := header[bus.HeaderSlotInstanceIDs].(string)
	if !ok {
		return 0
	}

	msg := &bus.Message{Header: header, Body: body}
	delivered := 0
	for _, id := range r.registry.IDs() {
		// Explicitly addressed devices got the message directly.
		if bus.AddressedTo(ids, id) {
			continue
		}
		if !r.shortcuts.TryCall(id, msg) {
			r.log.Debug().Str("device_id", id).Msg("Failed to forward broadcast to local device, likely still coming up")
			continue
		}
		delivered++
	}
	return delivered
}
