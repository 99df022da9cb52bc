package server

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/NicolasHaas/parley/pkg/model"
	"github.com/NicolasHaas/parley/pkg/protocol"
)

func newTestRouter() (*Router, *Registry, *Metrics) {
	reg := NewRegistry()
	metrics := NewMetrics()
	return NewRouter(reg, metrics), reg, metrics
}

func TestRouterBroadcastReachesEveryAttached(t *testing.T) {
	r, _, _ := newTestRouter()
	a, b := newFakeConn("a"), newFakeConn("b")
	r.Attach(a)
	r.Attach(b)

	r.Broadcast(protocol.EventPublicMessage, model.Message{ID: 7, From: "alice", Text: "hi"})

	for _, c := range []*fakeConn{a, b} {
		var got model.Message
		if !c.last(t, protocol.EventPublicMessage, &got) || got.ID != 7 {
			t.Fatalf("%s: broadcast not received", c.id)
		}
	}

	r.Detach(b)
	r.Broadcast(protocol.EventPublicMessage, model.Message{ID: 8, From: "alice", Text: "again"})
	if b.count(t, protocol.EventPublicMessage) != 1 {
		t.Fatalf("detached conn still receives broadcasts")
	}
	if r.Attached() != 1 {
		t.Fatalf("Attached: want 1 got %d", r.Attached())
	}
}

func TestRouterDetachIgnoresStaleConn(t *testing.T) {
	r, _, _ := newTestRouter()
	old, fresh := newFakeConn("same"), newFakeConn("same")
	r.Attach(old)
	r.Attach(fresh)
	r.Detach(old)
	if r.Attached() != 1 {
		t.Fatalf("stale Detach removed the newer conn")
	}
}

func TestRouterBroadcastPresence(t *testing.T) {
	r, reg, _ := newTestRouter()
	watcher := newFakeConn("w")
	r.Attach(watcher)

	r.BroadcastPresence()
	var names []string
	watcher.last(t, protocol.EventUserList, &names)
	if names == nil || len(names) != 0 {
		t.Fatalf("empty presence: want [] got %#v", names)
	}

	reg.Register("alice", newFakeConn("a"))
	reg.Register("bob", newFakeConn("b"))
	r.BroadcastPresence()
	watcher.last(t, protocol.EventUserList, &names)
	if diff := cmp.Diff([]string{"alice", "bob"}, names); diff != "" {
		t.Fatalf("userList mismatch (-want +got):\n%s", diff)
	}
}

func TestRouterRoutePrivate(t *testing.T) {
	tests := map[string]struct {
		to            string
		wantDelivered bool
		wantSender    []string
		wantRecipient []string
	}{
		"online": {
			to:            "bob",
			wantDelivered: true,
			wantSender:    []string{protocol.EventPrivateMessage},
			wantRecipient: []string{protocol.EventPrivateMessage},
		},
		"offline": {
			to:         "ghost",
			wantSender: []string{protocol.EventUserNotFound},
		},
		"self": {
			to:            "alice",
			wantDelivered: true,
			wantSender:    []string{protocol.EventPrivateMessage},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			r, reg, _ := newTestRouter()
			alice, bob := newFakeConn("a"), newFakeConn("b")
			reg.Register("alice", alice)
			reg.Register("bob", bob)

			got := r.RoutePrivate(alice, model.Message{From: "alice", To: tc.to, Text: "psst"})
			if got != tc.wantDelivered {
				t.Fatalf("RoutePrivate: want %t got %t", tc.wantDelivered, got)
			}
			if diff := cmp.Diff(tc.wantSender, alice.eventNames(t)); diff != "" {
				t.Fatalf("sender events (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tc.wantRecipient, bob.eventNames(t)); diff != "" {
				t.Fatalf("recipient events (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRouterDropsOnFullBuffer(t *testing.T) {
	r, reg, metrics := newTestRouter()
	ok, slow := newFakeConn("ok"), newFakeConn("slow")
	slow.full = true
	r.Attach(ok)
	r.Attach(slow)
	reg.Register("slow", slow)

	r.Broadcast(protocol.EventPublicMessage, model.Message{ID: 1, From: "x", Text: "y"})
	if !r.SendToUser("slow", protocol.EventMuted, "muted") {
		t.Fatalf("SendToUser: slow should count as online")
	}
	if r.SendToUser("nobody", protocol.EventMuted, "muted") {
		t.Fatalf("SendToUser: offline user reported online")
	}

	if ok.count(t, protocol.EventPublicMessage) != 1 {
		t.Fatalf("healthy conn missed the broadcast")
	}
	if got := metrics.FramesDropped.Load(); got != 2 {
		t.Fatalf("FramesDropped: want 2 got %d", got)
	}
}
