// Package connectivity provides the online/offline signal that drives
// queue draining and sync triggering.
//
// The signal is injected rather than read from global state so the core
// logic is testable without a real network stack. Production uses the
// WebSocket monitor, which holds a heartbeat connection to the sync server
// and flips offline whenever the connection drops.
package connectivity

import "sync"

// Monitor exposes the current connectivity state and change notifications.
type Monitor interface {
	// Online reports the current state.
	Online() bool

	// Subscribe registers fn to run on every state change. The returned
	// function unsubscribes it.
	Subscribe(fn func(online bool)) (cancel func())
}

// Manual is a Monitor whose state is set explicitly. It backs tests and
// the CLI's one-shot commands, which assume online and let per-call
// failures degrade through the normal fallback paths.
type Manual struct {
	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]func(bool)
}

// NewManual returns a Manual monitor in the given initial state.
func NewManual(online bool) *Manual {
	return &Manual{
		online: online,
		subs:   make(map[int]func(bool)),
	}
}

// Online implements Monitor.
func (m *Manual) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe implements Monitor.
func (m *Manual) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.subs[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// SetOnline updates the state and notifies subscribers on change.
func (m *Manual) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
}
