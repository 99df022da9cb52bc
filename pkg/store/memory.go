// Package store provides an in-memory message log with the same observable
// behavior as the SQLite one. It backs tests and ephemeral deployments.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/NicolasHaas/parley/pkg/datastore"
	"github.com/NicolasHaas/parley/pkg/model"
)

// ErrInjected is returned by a MemoryLog after FailNext.
var ErrInjected = errors.New("store: injected failure")

var _ datastore.MessageLog = (*MemoryLog)(nil)

// MemoryLog keeps every message in a slice ordered by id.
type MemoryLog struct {
	mu sync.Mutex

	now func() time.Time

	nextID   int64
	messages []model.Message
	failing  map[string]error
	closed   bool
}

// NewMemory creates a MemoryLog using time.Now().UTC().
func NewMemory() *MemoryLog {
	return NewMemoryWithClock(func() time.Time { return time.Now().UTC() })
}

// NewMemoryWithClock creates a MemoryLog with a custom clock.
func NewMemoryWithClock(now func() time.Time) *MemoryLog {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryLog{
		now:     now,
		nextID:  1,
		failing: make(map[string]error),
	}
}

// FailNext makes the next call of op ("AppendMessage", "RecentPublic",
// "Conversation", "ListMessages", "DeleteMessage", "DeleteAllPublic")
// return err. A nil err selects ErrInjected.
func (s *MemoryLog) FailNext(op string, err error) {
	if err == nil {
		err = ErrInjected
	}
	s.mu.Lock()
	s.failing[op] = err
	s.mu.Unlock()
}

// takeFailure must be called with s.mu held for writing.
func (s *MemoryLog) takeFailure(op string) error {
	if s.closed {
		return fmt.Errorf("store: %s: log closed", op)
	}
	err, ok := s.failing[op]
	if !ok {
		return nil
	}
	delete(s.failing, op)
	return fmt.Errorf("store: %s: %w", op, err)
}

// Close marks the log closed. Later calls fail.
func (s *MemoryLog) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// AppendMessage validates and stores message, setting its ID.
func (s *MemoryLog) AppendMessage(ctx context.Context, message *model.Message) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("store: append message: %w", err)
	}
	if err := message.Validate(model.MaxStoredMessageLength); err != nil {
		return fmt.Errorf("store: message failed validation: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("AppendMessage"); err != nil {
		return err
	}
	if message.Time == "" {
		message.Time = model.FormatTimestamp(s.now())
	}
	message.ID = s.nextID
	s.nextID++
	s.messages = append(s.messages, *message)
	return nil
}

// RecentPublic returns the newest limit public messages in chronological order.
func (s *MemoryLog) RecentPublic(ctx context.Context, limit int) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("store: recent public: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("RecentPublic"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	var out []model.Message
	for i := len(s.messages) - 1; i >= 0 && len(out) < limit; i-- {
		if s.messages[i].Kind == model.KindPublic {
			out = append(out, s.messages[i])
		}
	}
	slices.Reverse(out)
	return out, nil
}

// Conversation returns the private messages between a and b in id order.
func (s *MemoryLog) Conversation(ctx context.Context, a, b string) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("store: conversation: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("Conversation"); err != nil {
		return nil, err
	}

	var out []model.Message
	for _, m := range s.messages {
		if m.Kind != model.KindPrivate {
			continue
		}
		if (m.From == a && m.To == b) || (m.From == b && m.To == a) {
			out = append(out, m)
		}
	}
	return out, nil
}

// ListMessages returns messages matching filters in id order.
func (s *MemoryLog) ListMessages(ctx context.Context, filters model.MessageFilters) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("ListMessages"); err != nil {
		return nil, err
	}

	var matched []model.Message
	for _, m := range s.messages {
		if filters.LimitToKind != nil && m.Kind != *filters.LimitToKind {
			continue
		}
		if filters.LimitToSender != nil && m.From != *filters.LimitToSender {
			continue
		}
		matched = append(matched, m)
	}

	if filters.Offset != nil {
		off := int(max(*filters.Offset, 0))
		if off >= len(matched) {
			return nil, nil
		}
		matched = matched[off:]
	}
	if filters.PageSize != nil && *filters.PageSize >= 0 && int(*filters.PageSize) < len(matched) {
		matched = matched[:*filters.PageSize]
	}
	return matched, nil
}

// DeleteMessage removes a public message by ID.
func (s *MemoryLog) DeleteMessage(ctx context.Context, id int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("store: delete message: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("DeleteMessage"); err != nil {
		return false, err
	}

	i := slices.IndexFunc(s.messages, func(m model.Message) bool {
		return m.ID == id && m.Kind == model.KindPublic
	})
	if i < 0 {
		return false, nil
	}
	s.messages = slices.Delete(s.messages, i, i+1)
	return true, nil
}

// DeleteAllPublic removes every public message.
func (s *MemoryLog) DeleteAllPublic(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("store: delete all public: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("DeleteAllPublic"); err != nil {
		return 0, err
	}

	before := len(s.messages)
	s.messages = slices.DeleteFunc(s.messages, func(m model.Message) bool {
		return m.Kind == model.KindPublic
	})
	return int64(before - len(s.messages)), nil
}
