package device

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dyluth/burrow/pkg/bus"
)

var (
	ErrUnknownClass = errors.New("unknown device class")
	ErrClassExists  = errors.New("device class already registered")
	ErrInvalidClass = errors.New("invalid device class")
)

// Class registers a device class with the registry.
type Class struct {
	ID string
	// Schema builds the class schema. Nil means an Observer-visible schema
	// without parameters.
	Schema func() (*Schema, error)
	New    Factory
}

// Registry stores device classes by class id.
type Registry struct {
	mu      sync.RWMutex
	classes map[string]Class
}

// NewRegistry creates an empty class registry.
func NewRegistry() *Registry {
	return &Registry{classes: make(map[string]Class)}
}

// Register adds a class to the registry.
func (r *Registry) Register(class Class) error {
	if strings.TrimSpace(class.ID) == "" {
		return fmt.Errorf("%w: class id is required", ErrInvalidClass)
	}
	if class.New == nil {
		return fmt.Errorf("%w: class '%s' has no factory", ErrInvalidClass, class.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.classes[class.ID]; ok {
		return fmt.Errorf("%w: '%s'", ErrClassExists, class.ID)
	}
	r.classes[class.ID] = class
	return nil
}

// MustRegister is Register for init-time registration of known classes.
func (r *Registry) MustRegister(class Class) {
	if err := r.Register(class); err != nil {
		panic(err)
	}
}

// Has reports whether classID is registered.
func (r *Registry) Has(classID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.classes[classID]
	return ok
}

// Classes returns the registered class ids in sorted order.
func (r *Registry) Classes() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.classes))
	for id := range r.classes {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (r *Registry) lookup(classID string) (Class, error) {
	r.mu.RLock()
	class, ok := r.classes[classID]
	r.mu.RUnlock()
	if !ok {
		return Class{}, fmt.Errorf("%w: '%s'", ErrUnknownClass, classID)
	}
	return class, nil
}

// Create constructs a device of classID. Panics in the factory are left to
// the caller to recover.
func (r *Registry) Create(classID string, cfg bus.Hash) (Device, error) {
	class, err := r.lookup(classID)
	if err != nil {
		return nil, err
	}
	dev, err := class.New(cfg)
	if err != nil {
		return nil, err
	}
	if dev == nil {
		return nil, fmt.Errorf("factory of class '%s' returned no device", classID)
	}
	return dev, nil
}

// Schema builds the schema of classID. A panicking schema builder is
// reported as an error.
func (r *Registry) Schema(classID string) (schema *Schema, err error) {
	class, err := r.lookup(classID)
	if err != nil {
		return nil, err
	}
	if class.Schema == nil {
		return &Schema{ClassID: classID, Visibility: Observer}, nil
	}

	defer func() {
		if rec := recover(); rec != nil {
			schema, err = nil, fmt.Errorf("schema of class '%s' panicked: %v", classID, rec)
		}
	}()
	schema, err = class.Schema()
	if err != nil {
		return nil, err
	}
	if schema == nil {
		return nil, fmt.Errorf("class '%s' returned no schema", classID)
	}
	if schema.ClassID == "" {
		schema.ClassID = classID
	}
	return schema, nil
}
