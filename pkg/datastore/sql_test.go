package datastore_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/NicolasHaas/parley/pkg/datastore"
	"github.com/NicolasHaas/parley/pkg/model"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func NewTestSqlConn(t *testing.T) (*datastore.SQLLog, error) {
	t.Helper()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	st, err := datastore.NewSQLLog(dbPath)
	if err != nil {
		return nil, fmt.Errorf("datastore_test: failed to open db: %w", err)
	}

	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			fmt.Printf("Error closing database: %v\n", err)
		}
	})

	return st, nil
}

func mustAppend(t *testing.T, st datastore.MessageLog, m model.Message) model.Message {
	t.Helper()
	if err := st.AppendMessage(context.Background(), &m); err != nil {
		t.Fatalf("AppendMessage: failed to seed message: %v", err)
	}
	return m
}

func public(from, text string) model.Message {
	return model.Message{Kind: model.KindPublic, From: from, Text: text, Time: "2026-01-02 03:04:05"}
}

func private(from, to, text string) model.Message {
	return model.Message{Kind: model.KindPrivate, From: from, To: to, Text: text, Time: "2026-01-02 03:04:05"}
}

func TestSchemaVersion(t *testing.T) {
	st, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}

	got, err := st.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if got != 2 {
		t.Fatalf("SchemaVersion = %d, want 2", got)
	}
}

func TestReopenKeepsHistory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")

	st, err := datastore.NewSQLLog(dbPath)
	if err != nil {
		t.Fatalf("NewSQLLog: %v", err)
	}
	first := mustAppend(t, st, public("alice", "persisted"))
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st, err = datastore.NewSQLLog(dbPath)
	if err != nil {
		t.Fatalf("NewSQLLog (reopen): %v", err)
	}
	defer func() { _ = st.Close() }()

	got, err := st.RecentPublic(context.Background(), 50)
	if err != nil {
		t.Fatalf("RecentPublic: %v", err)
	}
	if diff := cmp.Diff([]model.Message{first}, got); diff != "" {
		t.Fatalf("RecentPublic after reopen mismatch (-want +got):\n%s", diff)
	}
}

func TestInMemoryDatabase(t *testing.T) {
	st, err := datastore.NewSQLLog(":memory:")
	if err != nil {
		t.Fatalf("NewSQLLog(:memory:): %v", err)
	}
	defer func() { _ = st.Close() }()

	mustAppend(t, st, public("alice", "hi"))
	got, err := st.RecentPublic(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentPublic: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("RecentPublic returned %d messages, want 1", len(got))
	}
}

func TestAppendMessage(t *testing.T) {
	t.Parallel()

	type tcase struct {
		message   model.Message
		expectErr error
	}

	tcases := map[string]tcase{
		"public": {
			message: public("alice", "hello"),
		},
		"private": {
			message: private("alice", "bob", "psst"),
		},
		"injection_text": { // stored verbatim, never interpreted
			message: public("alice", "'); DROP TABLE messages; --"),
		},
		"empty_text": {
			message:   public("alice", "   "),
			expectErr: model.ErrMessageBodyEmpty,
		},
		"too_long": {
			message:   public("alice", strings.Repeat("x", model.MaxStoredMessageLength+1)),
			expectErr: model.ErrMessageBodyTooLong,
		},
		"private_without_recipient": {
			message:   private("alice", "", "psst"),
			expectErr: model.ErrMessageRecipient,
		},
		"unknown_kind": {
			message:   model.Message{Kind: "broadcast", From: "alice", Text: "hi"},
			expectErr: model.ErrMessageKind,
		},
		"no_sender": {
			message:   public("", "hi"),
			expectErr: model.ErrMessageSender,
		},
	}

	for name, tc := range tcases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			st, err := NewTestSqlConn(t)
			if err != nil {
				t.Fatalf("failed to open test connection: %v", err)
			}

			m := tc.message
			err = st.AppendMessage(context.Background(), &m)
			if tc.expectErr != nil {
				if !errors.Is(err, tc.expectErr) {
					t.Fatalf("AppendMessage: error = %v, want %v", err, tc.expectErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("AppendMessage: unexpected error: %v", err)
			}
			if m.ID <= 0 {
				t.Fatalf("AppendMessage: ID not assigned, got %d", m.ID)
			}

			got, err := st.ListMessages(context.Background(), model.MessageFilters{})
			if err != nil {
				t.Fatalf("ListMessages: %v", err)
			}
			if diff := cmp.Diff([]model.Message{m}, got); diff != "" {
				t.Errorf("ListMessages mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAppendFillsTime(t *testing.T) {
	st, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}

	m := model.Message{Kind: model.KindPublic, From: "alice", Text: "now"}
	if err := st.AppendMessage(context.Background(), &m); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if len(m.Time) != len(model.TimestampLayout) {
		t.Fatalf("AppendMessage: Time = %q, want layout %q", m.Time, model.TimestampLayout)
	}
}

func TestRecentPublic(t *testing.T) {
	st, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}

	var want []model.Message
	for i := range 60 {
		m := mustAppend(t, st, public("alice", fmt.Sprintf("msg %d", i)))
		want = append(want, m)
		// private traffic must never leak into public history
		mustAppend(t, st, private("alice", "bob", fmt.Sprintf("secret %d", i)))
	}

	got, err := st.RecentPublic(context.Background(), 50)
	if err != nil {
		t.Fatalf("RecentPublic: %v", err)
	}
	if diff := cmp.Diff(want[10:], got); diff != "" {
		t.Fatalf("RecentPublic mismatch (-want +got):\n%s", diff)
	}

	got, err = st.RecentPublic(context.Background(), 0)
	if err != nil {
		t.Fatalf("RecentPublic(0): %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("RecentPublic(0) returned %d messages", len(got))
	}
}

func TestConversation(t *testing.T) {
	st, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}

	m1 := mustAppend(t, st, private("alice", "bob", "one"))
	mustAppend(t, st, private("alice", "carol", "elsewhere"))
	m2 := mustAppend(t, st, private("bob", "alice", "two"))
	mustAppend(t, st, public("alice", "to everyone"))
	m3 := mustAppend(t, st, private("alice", "bob", "three"))

	want := []model.Message{m1, m2, m3}
	for _, pair := range [][2]string{{"alice", "bob"}, {"bob", "alice"}} {
		got, err := st.Conversation(context.Background(), pair[0], pair[1])
		if err != nil {
			t.Fatalf("Conversation(%s, %s): %v", pair[0], pair[1], err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Conversation(%s, %s) mismatch (-want +got):\n%s", pair[0], pair[1], diff)
		}
	}

	got, err := st.Conversation(context.Background(), "bob", "carol")
	if err != nil {
		t.Fatalf("Conversation(bob, carol): %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Conversation(bob, carol) = %d messages, want 0", len(got))
	}
}

func TestListMessagesFilters(t *testing.T) {
	st, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}

	a1 := mustAppend(t, st, public("alice", "a1"))
	b1 := mustAppend(t, st, public("bob", "b1"))
	p1 := mustAppend(t, st, private("alice", "bob", "p1"))
	a2 := mustAppend(t, st, public("alice", "a2"))

	kindPublic := model.KindPublic
	kindPrivate := model.KindPrivate
	alice := "alice"
	one := int64(1)
	two := int64(2)

	tests := map[string]struct {
		filters model.MessageFilters
		want    []model.Message
	}{
		"no_filters":     {filters: model.MessageFilters{}, want: []model.Message{a1, b1, p1, a2}},
		"public_only":    {filters: model.MessageFilters{LimitToKind: &kindPublic}, want: []model.Message{a1, b1, a2}},
		"private_only":   {filters: model.MessageFilters{LimitToKind: &kindPrivate}, want: []model.Message{p1}},
		"sender":         {filters: model.MessageFilters{LimitToSender: &alice}, want: []model.Message{a1, p1, a2}},
		"sender_public":  {filters: model.MessageFilters{LimitToKind: &kindPublic, LimitToSender: &alice}, want: []model.Message{a1, a2}},
		"page":           {filters: model.MessageFilters{PageSize: &two}, want: []model.Message{a1, b1}},
		"page_offset":    {filters: model.MessageFilters{PageSize: &two, Offset: &one}, want: []model.Message{b1, p1}},
		"offset_no_page": {filters: model.MessageFilters{Offset: &two}, want: []model.Message{p1, a2}},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := st.ListMessages(context.Background(), tc.filters)
			if err != nil {
				t.Fatalf("ListMessages: %v", err)
			}
			if diff := cmp.Diff(tc.want, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("ListMessages mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDeleteMessage(t *testing.T) {
	st, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	ctx := context.Background()

	keep := mustAppend(t, st, public("alice", "keep"))
	gone := mustAppend(t, st, public("alice", "gone"))
	dm := mustAppend(t, st, private("alice", "bob", "dm"))

	ok, err := st.DeleteMessage(ctx, gone.ID)
	if err != nil || !ok {
		t.Fatalf("DeleteMessage(%d) = %v, %v; want true, nil", gone.ID, ok, err)
	}
	ok, err = st.DeleteMessage(ctx, gone.ID)
	if err != nil || ok {
		t.Fatalf("DeleteMessage twice = %v, %v; want false, nil", ok, err)
	}
	ok, err = st.DeleteMessage(ctx, dm.ID)
	if err != nil || ok {
		t.Fatalf("DeleteMessage(private) = %v, %v; want false, nil", ok, err)
	}

	got, err := st.ListMessages(ctx, model.MessageFilters{})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if diff := cmp.Diff([]model.Message{keep, dm}, got); diff != "" {
		t.Fatalf("ListMessages after delete mismatch (-want +got):\n%s", diff)
	}
}

func TestDeleteAllPublic(t *testing.T) {
	st, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	ctx := context.Background()

	mustAppend(t, st, public("alice", "one"))
	last := mustAppend(t, st, public("bob", "two"))
	dm := mustAppend(t, st, private("alice", "bob", "dm"))

	n, err := st.DeleteAllPublic(ctx)
	if err != nil {
		t.Fatalf("DeleteAllPublic: %v", err)
	}
	if n != 2 {
		t.Fatalf("DeleteAllPublic removed %d, want 2", n)
	}

	got, err := st.ListMessages(ctx, model.MessageFilters{})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if diff := cmp.Diff([]model.Message{dm}, got); diff != "" {
		t.Fatalf("ListMessages after DeleteAllPublic mismatch (-want +got):\n%s", diff)
	}

	// ids are never reused after a purge
	next := mustAppend(t, st, public("carol", "fresh"))
	if next.ID <= last.ID || next.ID <= dm.ID {
		t.Fatalf("new id %d reuses a deleted id (last public %d, dm %d)", next.ID, last.ID, dm.ID)
	}
}
