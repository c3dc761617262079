// Package request implements the correlation-id request manager from §4.5:
// a rolling 32-bit id space, per-id callback with an absolute deadline, and
// a trim pass that silently drops expired entries. Plugins that need a
// reply from a client (bandwidth windows, flow summaries) allocate an id
// here, embed it in their own R-routed payload, and match the client's
// reply back to the stored callback.
package request

import (
	"sync"
	"time"
)

// Callback receives the response payload and whether a response actually
// arrived (false on timeout/miss).
type Callback func(data []byte, ok bool)

type entry struct {
	cb       Callback
	deadline time.Time
}

// Manager assigns ids and tracks their pending callbacks.
type Manager struct {
	mu      sync.Mutex
	next    uint32
	pending map[uint32]entry
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{pending: make(map[uint32]entry)}
}

// Register allocates the next id (mod 2^32) and stores cb with deadline,
// returning the assigned id.
func (m *Manager) Register(cb Callback, deadline time.Time) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.next
	m.next++ // wraps naturally at 2^32 since id is a uint32

	m.pending[id] = entry{cb: cb, deadline: deadline}
	return id
}

// Response delivers data for id, firing its callback with ok=true and
// removing it. Unknown ids are ignored by the caller (logged there).
func (m *Manager) Response(id uint32, data []byte) bool {
	m.mu.Lock()
	e, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	e.cb(data, true)
	return true
}

// Missing fires id's callback with ok=false and removes it.
func (m *Manager) Missing(id uint32) bool {
	m.mu.Lock()
	e, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	e.cb(nil, false)
	return true
}

// Trim drops every entry whose deadline is before now; those callbacks
// never fire, matching §4.5's "Caller must expect that a callback may never
// fire".
func (m *Manager) Trim(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.pending {
		if e.deadline.Before(now) {
			delete(m.pending, id)
		}
	}
}

// Pending reports the number of outstanding requests, for tests and
// diagnostics.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}
