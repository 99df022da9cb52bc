package server

import (
	"log/slog"
	"sync"

	"github.com/NicolasHaas/parley/pkg/model"
	"github.com/NicolasHaas/parley/pkg/protocol"
)

// Router delivers events to attached connections. Every frame is encoded
// once and enqueued on each target without blocking.
type Router struct {
	mu       sync.Mutex
	conns    map[string]Conn // connID -> conn, joined or not
	registry *Registry
	metrics  *Metrics
}

// NewRouter creates a router that resolves usernames through registry.
func NewRouter(registry *Registry, metrics *Metrics) *Router {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Router{
		conns:    make(map[string]Conn),
		registry: registry,
		metrics:  metrics,
	}
}

// Attach adds conn to the broadcast set.
func (r *Router) Attach(conn Conn) {
	r.mu.Lock()
	r.conns[conn.ID()] = conn
	r.mu.Unlock()
}

// Detach removes conn from the broadcast set.
func (r *Router) Detach(conn Conn) {
	r.mu.Lock()
	if cur, ok := r.conns[conn.ID()]; ok && cur == conn {
		delete(r.conns, conn.ID())
	}
	r.mu.Unlock()
}

// Attached returns the number of attached connections.
func (r *Router) Attached() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func encode(event string, data any) []byte {
	frame, err := protocol.Encode(event, data)
	if err != nil {
		slog.Error("encode event", "event", event, "err", err)
		return nil
	}
	return frame
}

func (r *Router) deliver(conn Conn, event string, frame []byte) {
	if err := conn.Send(frame); err != nil {
		r.metrics.FramesDropped.Add(1)
		slog.Warn("dropping frame", "event", event, "conn", conn.ID(), "err", err)
	}
}

// SendTo delivers one event to a single connection.
func (r *Router) SendTo(conn Conn, event string, data any) {
	frame := encode(event, data)
	if frame == nil {
		return
	}
	r.deliver(conn, event, frame)
}

// SendToUser delivers an event to the connection registered as username.
// It reports whether the user was online.
func (r *Router) SendToUser(username, event string, data any) bool {
	conn, ok := r.registry.Lookup(username)
	if !ok {
		return false
	}
	r.SendTo(conn, event, data)
	return true
}

// Broadcast delivers an event to every attached connection.
func (r *Router) Broadcast(event string, data any) {
	frame := encode(event, data)
	if frame == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conns {
		r.deliver(c, event, frame)
	}
}

// BroadcastPresence sends the current username list to every attached
// connection. The snapshot is taken under the same lock as the enqueue, so
// the last list any connection receives reflects the latest registry state.
func (r *Router) BroadcastPresence() {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := r.registry.Usernames()
	if names == nil {
		names = []string{}
	}
	frame := encode(protocol.EventUserList, names)
	if frame == nil {
		return
	}
	for _, c := range r.conns {
		r.deliver(c, protocol.EventUserList, frame)
	}
}

// RoutePrivate delivers msg to its recipient and echoes it to the sender,
// once if both are the same connection. An offline recipient produces
// userNotFound for the sender only. It reports whether msg was delivered.
func (r *Router) RoutePrivate(sender Conn, msg model.Message) bool {
	recipient, ok := r.registry.Lookup(msg.To)
	if !ok {
		r.SendTo(sender, protocol.EventUserNotFound, msg.To)
		return false
	}
	frame := encode(protocol.EventPrivateMessage, msg)
	if frame == nil {
		return false
	}
	r.deliver(recipient, protocol.EventPrivateMessage, frame)
	if recipient != sender {
		r.deliver(sender, protocol.EventPrivateMessage, frame)
	}
	return true
}
