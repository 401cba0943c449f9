package bus

import "sync"

// Handler receives messages delivered in-process. It must not block; long
// work belongs on its own goroutine.
type Handler func(msg *Message)

// Shortcuts is the process-local table of instances that accept direct
// deliveries. A connection and all of its clones share one table, so a
// server can reach the devices it hosts without going through the broker.
type Shortcuts struct {
	mu       sync.RWMutex
	handlers map[string]shortcut
	next     uint64
}

type shortcut struct {
	token   uint64
	handler Handler
}

// NewShortcuts returns an empty table.
func NewShortcuts() *Shortcuts {
	return &Shortcuts{handlers: make(map[string]shortcut)}
}

// Register makes instanceID reachable in-process, replacing any previous
// handler for the same id. The returned token identifies this registration
// for Unregister.
func (s *Shortcuts) Register(instanceID string, h Handler) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.handlers[instanceID] = shortcut{token: s.next, handler: h}
	return s.next
}

// Unregister removes instanceID if it is still held by the registration
// that returned token. A newer registration under the same id is kept.
func (s *Shortcuts) Unregister(instanceID string, token uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.handlers[instanceID]
	if !ok || current.token != token {
		return false
	}
	delete(s.handlers, instanceID)
	return true
}

// Has reports whether instanceID is registered.
func (s *Shortcuts) Has(instanceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.handlers[instanceID]
	return ok
}

// TryCall hands msg to instanceID's handler. It returns false if the
// instance has not registered (yet).
func (s *Shortcuts) TryCall(instanceID string, msg *Message) bool {
	s.mu.RLock()
	sc, ok := s.handlers[instanceID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	sc.handler(msg)
	return true
}
