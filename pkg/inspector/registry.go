package inspector

import (
	"fmt"
	"sync"

	"github.com/certen/pisa/pkg/appointment"
)

// Registry manages the set of Inspectors a tower has registered, one per
// dispute mode.
type Registry struct {
	mu         sync.RWMutex
	inspectors map[appointment.Mode]Inspector
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		inspectors: make(map[appointment.Mode]Inspector),
	}
}

// Register adds an inspector for its mode. Registering the same mode
// twice is an error — modes are meant to be wired once at startup.
func (r *Registry) Register(i Inspector) error {
	if i == nil {
		return fmt.Errorf("inspector: cannot register nil inspector")
	}
	mode := i.Mode()
	if mode == "" {
		return fmt.Errorf("inspector: mode cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.inspectors[mode]; exists {
		return fmt.Errorf("inspector: already registered for mode %q", mode)
	}
	r.inspectors[mode] = i
	return nil
}

// Get retrieves the inspector registered for mode.
func (r *Registry) Get(mode appointment.Mode) (Inspector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, exists := r.inspectors[mode]
	if !exists {
		return nil, fmt.Errorf("inspector: no inspector registered for mode %q", mode)
	}
	return i, nil
}

// Has reports whether mode has a registered inspector.
func (r *Registry) Has(mode appointment.Mode) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.inspectors[mode]
	return exists
}

// List returns every registered mode.
func (r *Registry) List() []appointment.Mode {
	r.mu.RLock()
	defer r.mu.RUnlock()

	modes := make([]appointment.Mode, 0, len(r.inspectors))
	for m := range r.inspectors {
		modes = append(modes, m)
	}
	return modes
}
