package client

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/NicolasHaas/parley/pkg/model"
	"github.com/NicolasHaas/parley/pkg/protocol"
)

// State represents the client's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateJoined
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateJoined:
		return "joined"
	default:
		return "unknown"
	}
}

// Engine keeps the client's view of the chat (users, public history, admin
// status) in sync with server events and exposes the chat commands.
type Engine struct {
	mu sync.RWMutex

	state    State
	connID   string
	username string
	admin    bool
	users    []string
	history  []model.Message

	control *ControlClient

	// Callbacks for UI updates. They run on the receive goroutine.
	OnStateChange    func(state State)
	OnUsers          func(users []string)
	OnHistory        func(msgs []model.Message)
	OnPublicMessage  func(msg model.Message)
	OnPrivateMessage func(msg model.Message)
	OnPrivateHistory func(partner string, msgs []model.Message)
	OnPrivateView    func(view protocol.PrivateMessagesView)
	OnDeleted        func(id int64, all bool)
	OnUserNotFound   func(username string)
	OnAdminStatus    func(admin bool)
	OnNotice         func(event, text string)
	OnActionResult   func(res protocol.ActionResult)
	OnDisconnect     func(reason string)
}

// NewEngine creates a new client engine.
func NewEngine() *Engine {
	return &Engine{state: StateDisconnected}
}

// Connect dials the server at url and starts receiving events.
func (e *Engine) Connect(ctx context.Context, url string) error {
	e.mu.Lock()
	if e.state != StateDisconnected {
		e.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	e.state = StateConnecting
	e.mu.Unlock()
	e.notifyStateChange(StateConnecting)

	ctrl, err := NewControlClient(ctx, url)
	if err != nil {
		e.setState(StateDisconnected)
		return err
	}
	ctrl.SetEventHandler(e.handleEvent)

	e.mu.Lock()
	e.control = ctrl
	e.state = StateConnected
	e.mu.Unlock()
	e.notifyStateChange(StateConnected)

	ctrl.StartReceiving()
	go func() {
		<-ctrl.Done()
		e.handleDisconnect("connection closed")
	}()
	return nil
}

func (e *Engine) handleEvent(env *protocol.Envelope) {
	switch env.Event {
	case protocol.EventUserList:
		var users []string
		if !decode(env, &users) {
			return
		}
		e.mu.Lock()
		e.users = users
		e.mu.Unlock()
		if e.OnUsers != nil {
			e.OnUsers(slices.Clone(users))
		}

	case protocol.EventYourID:
		id, _ := env.DecodeString()
		e.mu.Lock()
		e.connID = id
		e.state = StateJoined
		e.mu.Unlock()
		e.notifyStateChange(StateJoined)

	case protocol.EventAdminStatus:
		var admin bool
		if !decode(env, &admin) {
			return
		}
		e.mu.Lock()
		e.admin = admin
		e.mu.Unlock()
		if e.OnAdminStatus != nil {
			e.OnAdminStatus(admin)
		}

	case protocol.EventLoadOldMessages:
		var msgs []model.Message
		if !decode(env, &msgs) {
			return
		}
		e.mu.Lock()
		e.history = msgs
		e.mu.Unlock()
		if e.OnHistory != nil {
			e.OnHistory(slices.Clone(msgs))
		}

	case protocol.EventPublicMessage:
		var msg model.Message
		if !decode(env, &msg) {
			return
		}
		e.mu.Lock()
		e.history = append(e.history, msg)
		e.mu.Unlock()
		if e.OnPublicMessage != nil {
			e.OnPublicMessage(msg)
		}

	case protocol.EventPrivateMessage:
		var msg model.Message
		if decode(env, &msg) && e.OnPrivateMessage != nil {
			e.OnPrivateMessage(msg)
		}

	case protocol.EventLoadOldPrivateMessages:
		var hist protocol.PrivateHistory
		if decode(env, &hist) && e.OnPrivateHistory != nil {
			e.OnPrivateHistory(hist.Partner, hist.Messages)
		}

	case protocol.EventPrivateMessagesView:
		var view protocol.PrivateMessagesView
		if decode(env, &view) && e.OnPrivateView != nil {
			e.OnPrivateView(view)
		}

	case protocol.EventDeletePublicMessage:
		e.applyDelete(env)

	case protocol.EventUserNotFound:
		name, _ := env.DecodeString()
		if e.OnUserNotFound != nil {
			e.OnUserNotFound(name)
		}

	case protocol.EventActionResult:
		var res protocol.ActionResult
		if decode(env, &res) && e.OnActionResult != nil {
			e.OnActionResult(res)
		}

	case protocol.EventMuted, protocol.EventUnmuted, protocol.EventPromoted, protocol.EventDemoted:
		text, _ := env.DecodeString()
		if e.OnNotice != nil {
			e.OnNotice(env.Event, text)
		}

	case protocol.EventKicked, protocol.EventSessionReplaced:
		text, _ := env.DecodeString()
		slog.Info("removed by server", "event", env.Event, "text", text)
		if e.OnNotice != nil {
			e.OnNotice(env.Event, text)
		}

	default:
		slog.Debug("unhandled event", "event", env.Event)
	}
}

func (e *Engine) applyDelete(env *protocol.Envelope) {
	if s, err := env.DecodeString(); err == nil && s == protocol.DeleteAll {
		e.mu.Lock()
		e.history = e.history[:0]
		e.mu.Unlock()
		if e.OnDeleted != nil {
			e.OnDeleted(0, true)
		}
		return
	}
	id, err := protocol.DecodeMessageID(env.Data)
	if err != nil {
		slog.Warn("bad delete event", "err", err)
		return
	}
	e.mu.Lock()
	e.history = slices.DeleteFunc(e.history, func(m model.Message) bool { return m.ID == id })
	e.mu.Unlock()
	if e.OnDeleted != nil {
		e.OnDeleted(id, false)
	}
}

func decode(env *protocol.Envelope, v any) bool {
	if err := env.DecodeData(v); err != nil {
		slog.Warn("bad event payload", "event", env.Event, "err", err)
		return false
	}
	return true
}

func (e *Engine) send(event string, data any) error {
	e.mu.RLock()
	ctrl := e.control
	e.mu.RUnlock()

	if ctrl == nil {
		return fmt.Errorf("not connected")
	}
	return ctrl.Send(event, data)
}

// Join claims username for this connection.
func (e *Engine) Join(username string) error {
	name, err := model.NormalizeUsername(username)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.username = name
	e.mu.Unlock()
	return e.send(protocol.EventJoin, name)
}

// SendPublic posts text to the shared channel.
func (e *Engine) SendPublic(text string) error {
	return e.send(protocol.EventPublicMessage, protocol.PublicMessageRequest{Text: text})
}

// SendPrivate sends text to one user.
func (e *Engine) SendPrivate(to, text string) error {
	return e.send(protocol.EventPrivateMessage, protocol.PrivateMessageRequest{
		To:  to,
		Msg: protocol.MessageBody{Text: text},
	})
}

// LoadPrivate requests the conversation with partner.
func (e *Engine) LoadPrivate(partner string) error {
	return e.send(protocol.EventLoadPrivateMessages, partner)
}

// Kick disconnects username (admin only).
func (e *Engine) Kick(username string) error {
	return e.send(protocol.EventKickUser, username)
}

// Mute silences username (admin only).
func (e *Engine) Mute(username string) error {
	return e.send(protocol.EventMuteUser, username)
}

// Unmute lifts a mute (admin only).
func (e *Engine) Unmute(username string) error {
	return e.send(protocol.EventUnmuteUser, username)
}

// Promote grants admin (admin only).
func (e *Engine) Promote(username string) error {
	return e.send(protocol.EventPromoteUser, username)
}

// Demote revokes admin (admin only).
func (e *Engine) Demote(username string) error {
	return e.send(protocol.EventDemoteUser, username)
}

// DeletePublic removes one public message (admin only).
func (e *Engine) DeletePublic(id int64) error {
	return e.send(protocol.EventDeletePublicMessage, id)
}

// DeleteAllPublic clears the public history (admin only).
func (e *Engine) DeleteAllPublic() error {
	return e.send(protocol.EventDeleteAllPublicMessages, nil)
}

// ViewPrivate requests the conversation between two other users (admin only).
func (e *Engine) ViewPrivate(user1, user2 string) error {
	return e.send(protocol.EventViewPrivateMessages, protocol.ViewPrivateRequest{User1: user1, User2: user2})
}

// Disconnect disconnects from the server.
func (e *Engine) Disconnect() {
	e.handleDisconnect("user disconnected")
}

// GetState returns the current connection state.
func (e *Engine) GetState() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// GetUsername returns the name last passed to Join.
func (e *Engine) GetUsername() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.username
}

// GetConnID returns the connection id assigned by the server.
func (e *Engine) GetConnID() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connID
}

// IsAdmin reports the last admin status received.
func (e *Engine) IsAdmin() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.admin
}

// GetUsers returns the last received user list.
func (e *Engine) GetUsers() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.users)
}

// GetHistory returns the public messages currently known to the client.
func (e *Engine) GetHistory() []model.Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.history)
}

func (e *Engine) handleDisconnect(reason string) {
	e.mu.Lock()
	if e.state == StateDisconnected {
		e.mu.Unlock()
		return
	}
	e.state = StateDisconnected
	e.admin = false
	e.users = nil
	e.history = nil
	ctrl := e.control
	e.control = nil
	e.mu.Unlock()

	if ctrl != nil {
		_ = ctrl.Close()
	}

	slog.Info("disconnected", "reason", reason)
	e.notifyStateChange(StateDisconnected)
	if e.OnDisconnect != nil {
		e.OnDisconnect(reason)
	}
}

func (e *Engine) setState(state State) {
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
	e.notifyStateChange(state)
}

func (e *Engine) notifyStateChange(state State) {
	if e.OnStateChange != nil {
		e.OnStateChange(state)
	}
}
