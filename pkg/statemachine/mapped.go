package statemachine

import "sync"

// MappedMachine runs one independent Machine per key, the shape the
// Watcher uses to track every live appointment's Active/Triggered
// transition without the appointments interfering with each other
// (spec.md §4.H). Safe for concurrent use.
type MappedMachine[K comparable, S any, I any, O any] struct {
	mu       sync.Mutex
	reduce   Reducer[S, I, O]
	sink     func(K, O)
	initial  func(K) S
	machines map[K]*Machine[S, I, O]
}

// NewMapped constructs a MappedMachine. initial supplies the seed state
// for a key the first time it is seen; sink receives every output
// tagged with the key that produced it.
func NewMapped[K comparable, S any, I any, O any](initial func(K) S, reduce Reducer[S, I, O], sink func(K, O)) *MappedMachine[K, S, I, O] {
	if sink == nil {
		sink = func(K, O) {}
	}
	return &MappedMachine[K, S, I, O]{
		reduce:   reduce,
		sink:     sink,
		initial:  initial,
		machines: make(map[K]*Machine[S, I, O]),
	}
}

// Apply feeds input through the machine for key, creating it on first
// use. The transition and the sink calls it produces run with m's lock
// held, so a sink that calls back into m deadlocks.
func (m *MappedMachine[K, S, I, O]) Apply(key K, input I) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mach, ok := m.machines[key]
	if !ok {
		mach = New(m.initial(key), m.reduce, func(o O) { m.sink(key, o) })
		m.machines[key] = mach
	}
	mach.Apply(input)
}

// State returns the current state for key and whether it has been seen.
func (m *MappedMachine[K, S, I, O]) State(key K) (S, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mach, ok := m.machines[key]
	if !ok {
		var zero S
		return zero, false
	}
	return mach.State(), true
}

// Delete drops a key's machine, e.g. once the Garbage Collector has
// pruned the appointment it tracked.
func (m *MappedMachine[K, S, I, O]) Delete(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.machines, key)
}

// Len reports how many keys currently have live machines.
func (m *MappedMachine[K, S, I, O]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.machines)
}
