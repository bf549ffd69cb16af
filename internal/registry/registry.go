package registry

import "sync"

// Conn is a live client connection capable of receiving a JSON message.
type Conn interface {
	Send(v any) error
}

// Registry maps driver/user identifiers to their currently-live
// connection. At most one entry exists per id: a later registration for
// the same id replaces the earlier one. Nothing here is persisted.
// It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{conns: make(map[string]Conn)}
}

// Register stores the connection for id, replacing any existing entry.
func (r *Registry) Register(id string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[id] = c
}

// Unregister removes every entry still holding exactly this handle.
// Matching on the handle rather than the id means a stale close arriving
// after a reconnect cannot evict the newer registration.
func (r *Registry) Unregister(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, cur := range r.conns {
		if cur == c {
			delete(r.conns, id)
		}
	}
}

// Lookup returns the live connection for id, if any.
func (r *Registry) Lookup(id string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Each calls fn for every registered connection.
func (r *Registry) Each(fn func(id string, c Conn)) {
	r.mu.RLock()
	snapshot := make(map[string]Conn, len(r.conns))
	for id, c := range r.conns {
		snapshot[id] = c
	}
	r.mu.RUnlock()

	for id, c := range snapshot {
		fn(id, c)
	}
}

// Len reports the number of live registrations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
