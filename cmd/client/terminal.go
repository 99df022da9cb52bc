package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/NicolasHaas/parley/pkg/client"
	"github.com/NicolasHaas/parley/pkg/model"
	"github.com/NicolasHaas/parley/pkg/protocol"
)

// terminal renders engine callbacks as text lines.
type terminal struct {
	mu       sync.Mutex
	out      io.Writer
	settings *client.Settings

	disconnected chan struct{}
	once         sync.Once
}

func newTerminal(out io.Writer, settings *client.Settings) *terminal {
	return &terminal{out: out, settings: settings, disconnected: make(chan struct{})}
}

func (t *terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format+"\n", args...)
}

func (t *terminal) formatMessage(m model.Message) string {
	var b strings.Builder
	if t.settings.ShowTimestamps && m.Time != "" {
		b.WriteString("[" + m.Time + "] ")
	}
	if t.settings.ShowIDs && m.ID != 0 {
		fmt.Fprintf(&b, "#%d ", m.ID)
	}
	if m.To != "" {
		fmt.Fprintf(&b, "%s -> %s: %s", m.From, m.To, m.Text)
	} else {
		fmt.Fprintf(&b, "<%s> %s", m.From, m.Text)
	}
	return b.String()
}

func (t *terminal) attach(e *client.Engine) {
	e.OnUsers = func(users []string) {
		t.printf("* online: %s", strings.Join(users, ", "))
	}
	e.OnHistory = func(msgs []model.Message) {
		for _, m := range msgs {
			t.printf("%s", t.formatMessage(m))
		}
	}
	e.OnPublicMessage = func(m model.Message) {
		t.printf("%s", t.formatMessage(m))
	}
	e.OnPrivateMessage = func(m model.Message) {
		t.printf("%s", t.formatMessage(m))
	}
	e.OnPrivateHistory = func(partner string, msgs []model.Message) {
		t.printf("* conversation with %s (%d messages)", partner, len(msgs))
		for _, m := range msgs {
			t.printf("  %s", t.formatMessage(m))
		}
	}
	e.OnPrivateView = func(v protocol.PrivateMessagesView) {
		t.printf("* private messages between %s and %s (%d)", v.User1, v.User2, len(v.Messages))
		for _, m := range v.Messages {
			t.printf("  %s", t.formatMessage(m))
		}
	}
	e.OnDeleted = func(id int64, all bool) {
		if all {
			t.printf("* all public messages were deleted")
			return
		}
		t.printf("* message #%d was deleted", id)
	}
	e.OnUserNotFound = func(name string) {
		t.printf("! %s is not online", name)
	}
	e.OnAdminStatus = func(admin bool) {
		if admin {
			t.printf("* you are an admin")
		}
	}
	e.OnNotice = func(_ string, text string) {
		t.printf("* %s", text)
	}
	e.OnActionResult = func(res protocol.ActionResult) {
		mark := "ok"
		if !res.OK {
			mark = "failed"
		}
		t.printf("* %s: %s", mark, res.Msg)
	}
	e.OnDisconnect = func(reason string) {
		t.printf("* disconnected (%s)", reason)
		t.once.Do(func() { close(t.disconnected) })
	}
}
