package datastore

import (
	"context"

	"github.com/NicolasHaas/parley/pkg/model"
)

// MessageLog is the persistence contract for chat history. The coordinator
// only relies on these operations; the default implementation is SQLite and
// pkg/store provides an in-memory one for tests.
type MessageLog interface {
	MessageReadProvider
	MessageWriteProvider

	Close() error
}

// Compile-time check: *SQLLog implements MessageLog.
var _ MessageLog = (*SQLLog)(nil)

type MessageReadProvider interface {
	// RecentPublic returns up to limit most recent public messages, oldest first.
	RecentPublic(ctx context.Context, limit int) ([]model.Message, error)

	// Conversation returns every private message exchanged between a and b, ordered by id.
	Conversation(ctx context.Context, a, b string) ([]model.Message, error)

	// ListMessages returns messages matching filters, ordered by id.
	ListMessages(ctx context.Context, filters model.MessageFilters) ([]model.Message, error)
}

type MessageWriteProvider interface {
	// AppendMessage stores message and sets its ID. An empty Time is filled in.
	AppendMessage(ctx context.Context, message *model.Message) error

	// DeleteMessage removes the public message with id. It reports whether a row was removed.
	DeleteMessage(ctx context.Context, id int64) (bool, error)

	// DeleteAllPublic removes every public message and returns how many were removed.
	DeleteAllPublic(ctx context.Context) (int64, error)
}
