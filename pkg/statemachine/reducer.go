// Package statemachine implements the generic per-component state
// transition runtime used by the Watcher (spec.md §4.C):
// a pure reduce function plus a thin runtime that applies it to a stream
// of inputs and reports transitions to a caller-supplied sink.
package statemachine

// Reducer advances a single state value S in response to an input I,
// returning the next state and the outputs produced by the transition.
// Implementations must be pure: no I/O, no blocking, no shared mutable
// state, so the runtime can replay a reducer deterministically during
// crash recovery.
type Reducer[S any, I any, O any] func(current S, input I) (next S, outputs []O)

// Machine drives a Reducer over a single logical state value, keeping the
// current state and feeding every output to Sink.
type Machine[S any, I any, O any] struct {
	state   S
	reduce  Reducer[S, I, O]
	sink    func(O)
}

// New constructs a Machine seeded with the given initial state. Sink may
// be nil, in which case outputs are discarded (useful in tests that only
// care about the resulting state).
func New[S any, I any, O any](initial S, reduce Reducer[S, I, O], sink func(O)) *Machine[S, I, O] {
	if sink == nil {
		sink = func(O) {}
	}
	return &Machine[S, I, O]{state: initial, reduce: reduce, sink: sink}
}

// State returns the machine's current state.
func (m *Machine[S, I, O]) State() S {
	return m.state
}

// Apply feeds one input through the reducer, updates the held state, and
// forwards every produced output to the sink in order.
func (m *Machine[S, I, O]) Apply(input I) {
	next, outputs := m.reduce(m.state, input)
	m.state = next
	for _, o := range outputs {
		m.sink(o)
	}
}
