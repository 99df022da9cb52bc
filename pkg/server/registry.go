package server

import (
	"slices"
	"sync"

	"github.com/NicolasHaas/parley/pkg/model"
)

// Conn is one live client connection as seen by the coordinator.
// Send must not block; Close is idempotent.
type Conn interface {
	ID() string
	Send(frame []byte) error
	Close(reason string) error
}

// Registry maps joined usernames to their connection.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Conn
	order  []string // join order of the current bindings
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]Conn),
	}
}

// Register binds username to conn and returns the connection that held the
// name before, or nil. Re-registering moves the name to the end of Usernames.
func (r *Registry) Register(username string, conn Conn) Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.byName[username]
	if ok {
		r.removeOrderLocked(username)
	}
	r.byName[username] = conn
	r.order = append(r.order, username)
	return prev
}

// Unregister removes username if present.
func (r *Registry) Unregister(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[username]; !ok {
		return
	}
	delete(r.byName, username)
	r.removeOrderLocked(username)
}

// UnregisterConn removes username only while it is still bound to conn.
func (r *Registry) UnregisterConn(username string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.byName[username]
	if !ok || cur != conn {
		return false
	}
	delete(r.byName, username)
	r.removeOrderLocked(username)
	return true
}

func (r *Registry) removeOrderLocked(username string) {
	if i := slices.Index(r.order, username); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
}

// Lookup returns the connection bound to username.
func (r *Registry) Lookup(username string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byName[username]
	return c, ok
}

// FoldedNames returns the joined usernames that match name
// case-insensitively, in join order.
func (r *Registry) FoldedNames(name string) []string {
	key := model.FoldUsername(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, u := range r.order {
		if model.FoldUsername(u) == key {
			out = append(out, u)
		}
	}
	return out
}

// Usernames returns a snapshot of the joined usernames in join order.
func (r *Registry) Usernames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Count returns the number of joined usernames.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}
