package events

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer func() { _ = bus.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan ModerationEvent, 4)
	if err := bus.Subscribe(ctx, func(_ context.Context, ev ModerationEvent) error {
		got <- ev
		return nil
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	want := ModerationEvent{
		Action: "kick_user",
		Actor:  "hafeez",
		Target: "bob",
		OK:     true,
		Detail: "Kicked bob",
		At:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	if err := bus.Publish(want); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case ev := <-got:
		if diff := cmp.Diff(want, ev); diff != "" {
			t.Fatalf("event mismatch (-want +got):\n%s", diff)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	bus := NewBus()
	defer func() { _ = bus.Close() }()

	if err := bus.Publish(ModerationEvent{Action: "mute_user", Actor: "hafeez"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
}

func TestHandlerErrorDoesNotStall(t *testing.T) {
	bus := NewBus()
	defer func() { _ = bus.Close() }()

	calls := make(chan string, 4)
	if err := bus.Subscribe(context.Background(), func(_ context.Context, ev ModerationEvent) error {
		calls <- ev.Action
		return context.Canceled
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for _, action := range []string{"first", "second"} {
		if err := bus.Publish(ModerationEvent{Action: action}); err != nil {
			t.Fatalf("Publish(%s): %v", action, err)
		}
	}
	// delivery order across publishes is not guaranteed
	seen := map[string]bool{}
	for range 2 {
		select {
		case got := <-calls:
			seen[got] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for events, saw %v", seen)
		}
	}
	if !seen["first"] || !seen["second"] {
		t.Fatalf("handler saw %v, want first and second", seen)
	}
}
