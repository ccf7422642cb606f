// Package threadlocal implements a pointer-keyed map of values with
// destructors, meant to be consulted only from the worker goroutine
// currently invoking the task that owns it (see package task's
// GetThreadLocal/SetThreadLocal, which index a worker's Map by task).
package threadlocal

import "sync"

// Destructor is called exactly once when a key's value is replaced or the
// Map is freed.
type Destructor func(value any)

type entry struct {
	value   any
	dnotify Destructor
}

// Map is a pointer-keyed store of (value, destructor) pairs. The key is
// typically the address of a stable object (e.g. a JS runtime context);
// Go's comparable `any` is used in place of a raw pointer so any
// comparable value with stable identity works as a key. Map guards its
// entries with an internal mutex and runs destructors outside it; in this
// runtime a given instance is owned by exactly one worker goroutine.
type Map struct {
	mu      sync.Mutex
	entries map[any]entry
}

// New returns an empty Map.
func New() *Map {
	return &Map{entries: make(map[any]entry)}
}

// Get returns the value stored for key, or nil if unset.
func (m *Map) Get(key any) any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[key].value
}

// Set stores (value, dnotify) for key. If key was already present, the
// previous entry's destructor is invoked with its value before being
// overwritten.
func (m *Map) Set(key, value any, dnotify Destructor) {
	m.mu.Lock()
	prev, had := m.entries[key]
	m.entries[key] = entry{value: value, dnotify: dnotify}
	m.mu.Unlock()

	if had && prev.dnotify != nil {
		prev.dnotify(prev.value)
	}
}

// Free invokes every stored destructor and empties the Map. Called once,
// at worker teardown.
func (m *Map) Free() {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[any]entry)
	m.mu.Unlock()

	for _, e := range entries {
		if e.dnotify != nil {
			e.dnotify(e.value)
		}
	}
}
