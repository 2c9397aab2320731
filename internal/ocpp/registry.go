package ocpp

import (
	"sort"
	"sync"
)

// Registry maps charge point identities to their live connection. It is the
// only place connections are shared between the receive loops and the
// control plane.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*Conn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Register stores c under its identity and returns the connection it
// replaced, if any. A reconnect always wins over the previous entry.
func (r *Registry) Register(c *Conn) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.conns[c.Identity()]
	r.conns[c.Identity()] = c
	if prev == c {
		return nil
	}
	return prev
}

func (r *Registry) Lookup(identity string) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[identity]
	return c, ok
}

func (r *Registry) Remove(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, identity)
}

// Unregister removes c only if it is still the registered connection for its
// identity, so a closing stale connection cannot evict its replacement.
func (r *Registry) Unregister(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[c.Identity()]; ok && cur == c {
		delete(r.conns, c.Identity())
		return true
	}
	return false
}

// Snapshot returns every connection whose socket is open, by identity.
func (r *Registry) Snapshot() []*Conn {
	r.mu.Lock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		if c.IsOpen() {
			out = append(out, c)
		}
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Identity() < out[j].Identity() })
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// CloseAll closes every registered connection.
func (r *Registry) CloseAll() {
	for _, c := range r.Snapshot() {
		c.Close()
	}
}
