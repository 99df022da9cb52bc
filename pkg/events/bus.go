// Package events carries moderation actions from the session coordinator to
// interested subscribers over an in-process watermill pub/sub.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// TopicModeration is the topic every moderation action is published on.
const TopicModeration = "moderation.actions"

const metaKeyAction = "action"

// ModerationEvent records one moderation command and its outcome.
type ModerationEvent struct {
	Action string    `json:"action" yaml:"action"`
	Actor  string    `json:"actor" yaml:"actor"`
	Target string    `json:"target,omitempty" yaml:"target,omitempty"`
	OK     bool      `json:"ok" yaml:"ok"`
	Detail string    `json:"detail,omitempty" yaml:"detail,omitempty"`
	At     time.Time `json:"at" yaml:"at"`
}

// Handler processes a decoded event. Errors are logged; the message is still acked.
type Handler func(ctx context.Context, ev ModerationEvent) error

// Bus wraps a watermill GoChannel.
type Bus struct {
	pub message.Publisher
	sub message.Subscriber
}

// NewBus creates an in-memory bus.
func NewBus() *Bus {
	logger := watermill.NewStdLogger(false, false)
	goChannel := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: 64},
		logger,
	)
	return &Bus{pub: goChannel, sub: goChannel}
}

// Publish sends ev on TopicModeration. With no subscribers it is dropped.
func (b *Bus) Publish(ev ModerationEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metaKeyAction, ev.Action)
	if err := b.pub.Publish(TopicModeration, msg); err != nil {
		return fmt.Errorf("events: publish: %w", err)
	}
	return nil
}

// Subscribe starts delivering moderation events to handler until ctx is
// cancelled or the bus is closed. It returns once the subscription is live.
func (b *Bus) Subscribe(ctx context.Context, handler Handler) error {
	messages, err := b.sub.Subscribe(ctx, TopicModeration)
	if err != nil {
		return fmt.Errorf("events: subscribe: %w", err)
	}

	go func() {
		for wmMsg := range messages {
			var ev ModerationEvent
			if err := json.Unmarshal(wmMsg.Payload, &ev); err != nil {
				slog.Error("events: bad payload", "msg_id", wmMsg.UUID, "err", err)
			} else if err := handler(ctx, ev); err != nil {
				slog.Error("events: handler failed", "action", ev.Action, "msg_id", wmMsg.UUID, "err", err)
			}
			// gochannel redelivers nacked messages forever
			wmMsg.Ack()
		}
		slog.Debug("events: subscription ended", "topic", TopicModeration)
	}()
	return nil
}

// Close stops all subscriptions.
func (b *Bus) Close() error {
	return b.sub.Close()
}
