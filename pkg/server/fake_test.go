package server

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/NicolasHaas/parley/pkg/datastore"
	"github.com/NicolasHaas/parley/pkg/events"
	"github.com/NicolasHaas/parley/pkg/model"
	"github.com/NicolasHaas/parley/pkg/protocol"
	"github.com/NicolasHaas/parley/pkg/store"
)

// fakeConn records every frame it is sent.
type fakeConn struct {
	id string

	mu     sync.Mutex
	frames [][]byte
	closed bool
	reason string
	full   bool // simulate a full send buffer
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	if c.full {
		return errSendBufferFull
	}
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.reason = reason
	}
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// envelopes decodes everything received so far.
func (c *fakeConn) envelopes(t *testing.T) []protocol.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Envelope, 0, len(c.frames))
	for _, f := range c.frames {
		env, err := protocol.Decode(f)
		if err != nil {
			t.Fatalf("decode frame %s: %v", f, err)
		}
		out = append(out, *env)
	}
	return out
}

// eventNames lists the received event names in order.
func (c *fakeConn) eventNames(t *testing.T) []string {
	t.Helper()
	var names []string
	for _, env := range c.envelopes(t) {
		names = append(names, env.Event)
	}
	return names
}

// all returns the payloads of every received event of the given name.
func (c *fakeConn) all(t *testing.T, event string) []json.RawMessage {
	t.Helper()
	var out []json.RawMessage
	for _, env := range c.envelopes(t) {
		if env.Event == event {
			out = append(out, env.Data)
		}
	}
	return out
}

// last decodes the most recent payload of event into v and reports whether one was found.
func (c *fakeConn) last(t *testing.T, event string, v any) bool {
	t.Helper()
	payloads := c.all(t, event)
	if len(payloads) == 0 {
		return false
	}
	if v != nil {
		if err := json.Unmarshal(payloads[len(payloads)-1], v); err != nil {
			t.Fatalf("unmarshal %s payload: %v", event, err)
		}
	}
	return true
}

func (c *fakeConn) count(t *testing.T, event string) int {
	t.Helper()
	return len(c.all(t, event))
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

var testClock = func() time.Time { return time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC) }

type harness struct {
	coord      *Coordinator
	registry   *Registry
	moderation *Moderation
	router     *Router
	metrics    *Metrics
	log        datastore.MessageLog
	mem        *store.MemoryLog
	bus        *events.Bus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := store.NewMemoryWithClock(testClock)
	return newHarnessWithLog(t, mem, mem)
}

func newHarnessWithLog(t *testing.T, log datastore.MessageLog, mem *store.MemoryLog) *harness {
	t.Helper()
	metrics := NewMetrics()
	registry := NewRegistry()
	moderation := NewModeration("hafeez", "adminUser")
	router := NewRouter(registry, metrics)
	bus := events.NewBus()
	t.Cleanup(func() {
		_ = bus.Close()
		_ = log.Close()
	})

	coord := NewCoordinator(CoordinatorConfig{HistoryLimit: 50, MaxMessageLength: 2000}, CoordinatorDeps{
		Registry:   registry,
		Moderation: moderation,
		Router:     router,
		Log:        log,
		Bus:        bus,
		Metrics:    metrics,
		Now:        testClock,
	})
	return &harness{
		coord:      coord,
		registry:   registry,
		moderation: moderation,
		router:     router,
		metrics:    metrics,
		log:        log,
		mem:        mem,
		bus:        bus,
	}
}

// connect attaches a new fake connection.
func (h *harness) connect(id string) (*fakeConn, *Session) {
	conn := newFakeConn(id)
	return conn, h.coord.Connect(conn)
}

// join connects and joins as name.
func (h *harness) join(t *testing.T, name string) (*fakeConn, *Session) {
	t.Helper()
	conn, sess := h.connect("conn-" + name)
	h.send(t, sess, protocol.EventJoin, name)
	if state, got := h.coord.snapshot(sess); state != model.StateJoined || got != name {
		t.Fatalf("join %q: state=%s username=%q", name, state, got)
	}
	return conn, sess
}

// send encodes and handles one inbound event.
func (h *harness) send(t *testing.T, sess *Session, event string, data any) {
	t.Helper()
	frame, err := protocol.Encode(event, data)
	if err != nil {
		t.Fatalf("Encode(%s): %v", event, err)
	}
	h.coord.Handle(t.Context(), sess, frame)
}

func resetAll(conns ...*fakeConn) {
	for _, c := range conns {
		c.reset()
	}
}
