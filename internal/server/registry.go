package server

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dyluth/burrow/internal/device"
)

// ErrDuplicateInstance is wrapped by Reserve when the device id is taken.
var ErrDuplicateInstance = errors.New("already running/starting on this server")

type record struct {
	classID string
	device  device.Device
	strand  *Strand // nil while pending
}

// DeviceInfo is a copy of one registry entry.
type DeviceInfo struct {
	ID      string `json:"id"`
	ClassID string `json:"classId"`
	Running bool   `json:"running"`
}

// Registry holds the devices hosted by the server, at most one per id.
type Registry struct {
	mu      sync.Mutex
	records map[string]*record
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*record)}
}

// Reserve inserts a pending record for id. It fails if id is present.
func (r *Registry) Reserve(id, classID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; ok {
		return fmt.Errorf("Device '%s' %w.", id, ErrDuplicateInstance)
	}
	r.records[id] = &record{classID: classID}
	return nil
}

// SetDevice attaches the constructed device to a pending record. It
// returns false if the record is gone.
func (r *Registry) SetDevice(id string, dev device.Device) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return false
	}
	rec.device = dev
	return true
}

// MarkRunning attaches strand to the record, making it running. It returns
// false if the record is gone; the caller then owns strand.
func (r *Registry) MarkRunning(id string, strand *Strand) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return false
	}
	if rec.strand != nil {
		rec.strand.Stop()
	}
	rec.strand = strand
	return true
}

// Remove deletes the record for id and stops its strand. It reports
// whether a record was removed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	rec, ok := r.records[id]
	if ok {
		delete(r.records, id)
	}
	r.mu.Unlock()

	if ok && rec.strand != nil {
		rec.strand.Stop()
	}
	return ok
}

// Has reports whether id is registered, pending or running.
func (r *Registry) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.records[id]
	return ok
}

// IsRunning reports whether id is registered and running.
func (r *Registry) IsRunning(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	return ok && rec.strand != nil
}

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Snapshot returns a copy of all records sorted by id.
func (r *Registry) Snapshot() []DeviceInfo {
	r.mu.Lock()
	out := make([]DeviceInfo, 0, len(r.records))
	for id, rec := range r.records {
		out = append(out, DeviceInfo{ID: id, ClassID: rec.classID, Running: rec.strand != nil})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Clear removes every record and stops their strands.
func (r *Registry) Clear() {
	r.mu.Lock()
	old := r.records
	r.records = make(map[string]*record)
	r.mu.Unlock()

	for _, rec := range old {
		if rec.strand != nil {
			rec.strand.Stop()
		}
	}
}

// forEachRunning calls fn for every running device while holding the lock.
// fn must not block or call back into the registry.
func (r *Registry) forEachRunning(fn func(id string, dev device.Device, strand *Strand)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, rec := range r.records {
		if rec.strand != nil && rec.device != nil {
			fn(id, rec.device, rec.strand)
		}
	}
}

// running returns the running devices.
func (r *Registry) running() []device.Device {
	var out []device.Device
	r.forEachRunning(func(_ string, dev device.Device, _ *Strand) {
		out = append(out, dev)
	})
	return out
}
