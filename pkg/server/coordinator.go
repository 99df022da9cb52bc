package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/NicolasHaas/parley/pkg/datastore"
	"github.com/NicolasHaas/parley/pkg/events"
	"github.com/NicolasHaas/parley/pkg/model"
	"github.com/NicolasHaas/parley/pkg/protocol"
	"github.com/NicolasHaas/parley/pkg/rbac"
)

// Notice texts sent to the affected user.
const (
	textMuted         = "You are muted by an admin."
	textMutedNotice   = "You were muted by an admin."
	textUnmutedNotice = "You were unmuted by an admin."
	textKicked        = "You were kicked by an admin."
	textPromoted      = "You were promoted to admin."
	textDemoted       = "You were demoted by an admin."
	textReplaced      = "You signed in from another connection."
)

// Session is the coordinator's per-connection state.
type Session struct {
	conn     Conn
	state    model.SessionState
	username string
}

// Conn returns the connection the session belongs to.
func (s *Session) Conn() Conn { return s.conn }

// CoordinatorConfig holds the limits the coordinator enforces.
type CoordinatorConfig struct {
	HistoryLimit     int // public messages replayed on join
	MaxMessageLength int // in runes
	MaxFrameBytes    int // outbound frame limit for history payloads
}

// CoordinatorDeps wires the coordinator to shared state. Bus and Now are optional.
type CoordinatorDeps struct {
	Registry   *Registry
	Moderation *Moderation
	Router     *Router
	Log        datastore.MessageLog
	Bus        *events.Bus
	Metrics    *Metrics
	Now        func() time.Time
}

// Coordinator runs the per-connection state machine and dispatches commands.
// Commands of one session run on that session's goroutine; membership
// transitions across sessions are serialized by mu.
type Coordinator struct {
	cfg        CoordinatorConfig
	registry   *Registry
	moderation *Moderation
	router     *Router
	log        datastore.MessageLog
	bus        *events.Bus
	metrics    *Metrics
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session // connID -> session

	idMu   sync.Mutex
	lastID int64 // last fallback id handed out
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg CoordinatorConfig, deps CoordinatorDeps) *Coordinator {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = model.DefaultMaxMessageLength
	}
	if cfg.MaxFrameBytes <= 0 || cfg.MaxFrameBytes > protocol.MaxFrameSize {
		cfg.MaxFrameBytes = protocol.MaxFrameSize
	}
	return &Coordinator{
		cfg:        cfg,
		registry:   deps.Registry,
		moderation: deps.Moderation,
		router:     deps.Router,
		log:        deps.Log,
		bus:        deps.Bus,
		metrics:    deps.Metrics,
		now:        deps.Now,
		sessions:   make(map[string]*Session),
	}
}

// Connect attaches conn and returns its session in the Unjoined state.
func (c *Coordinator) Connect(conn Conn) *Session {
	sess := &Session{conn: conn, state: model.StateUnjoined}
	c.mu.Lock()
	c.sessions[conn.ID()] = sess
	c.mu.Unlock()
	c.router.Attach(conn)
	return sess
}

// Disconnect terminates sess after its connection went away.
func (c *Coordinator) Disconnect(sess *Session) {
	c.mu.Lock()
	wasJoined := sess.state == model.StateJoined
	name := sess.username
	sess.state = model.StateTerminated
	if cur, ok := c.sessions[sess.conn.ID()]; ok && cur == sess {
		delete(c.sessions, sess.conn.ID())
	}
	c.router.Detach(sess.conn)
	if wasJoined && c.registry.UnregisterConn(name, sess.conn) {
		c.router.BroadcastPresence()
	}
	c.mu.Unlock()

	if wasJoined {
		slog.Info("client left", "user", name, "conn", sess.conn.ID())
	}
}

// Sessions returns the number of live sessions.
func (c *Coordinator) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

func (c *Coordinator) snapshot(sess *Session) (model.SessionState, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sess.state, sess.username
}

// terminateLocked ends a session on behalf of another one: the target gets
// a final notice and its connection is closed. c.mu must be held.
func (c *Coordinator) terminateLocked(sess *Session, event, text, reason string) {
	if sess.state == model.StateTerminated {
		return
	}
	if sess.state == model.StateJoined {
		c.registry.UnregisterConn(sess.username, sess.conn)
	}
	sess.state = model.StateTerminated
	c.router.SendTo(sess.conn, event, text)
	c.router.Detach(sess.conn)
	delete(c.sessions, sess.conn.ID())
	if err := sess.conn.Close(reason); err != nil {
		slog.Debug("close terminated connection", "conn", sess.conn.ID(), "err", err)
	}
}

// Handle decodes one inbound frame and dispatches it.
func (c *Coordinator) Handle(ctx context.Context, sess *Session, frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		slog.Debug("ignoring malformed frame", "conn", sess.conn.ID(), "err", err)
		return
	}

	switch env.Event {
	case protocol.EventJoin:
		c.handleJoin(ctx, sess, env)
	case protocol.EventPublicMessage:
		c.handlePublicMessage(ctx, sess, env)
	case protocol.EventPrivateMessage:
		c.handlePrivateMessage(ctx, sess, env)
	case protocol.EventLoadPrivateMessages:
		c.handleLoadPrivateMessages(ctx, sess, env)
	case protocol.EventKickUser:
		c.handleKickUser(sess, env)
	case protocol.EventMuteUser:
		c.handleMuteUser(sess, env, true)
	case protocol.EventUnmuteUser:
		c.handleMuteUser(sess, env, false)
	case protocol.EventPromoteUser:
		c.handlePromoteUser(sess, env)
	case protocol.EventDemoteUser:
		c.handleDemoteUser(sess, env)
	case protocol.EventDeletePublicMessage:
		c.handleDeletePublicMessage(ctx, sess, env)
	case protocol.EventDeleteAllPublicMessages:
		c.handleDeleteAllPublicMessages(ctx, sess)
	case protocol.EventViewPrivateMessages:
		c.handleViewPrivateMessages(ctx, sess, env)
	default:
		slog.Debug("ignoring unknown event", "event", env.Event, "conn", sess.conn.ID())
	}
}

func (c *Coordinator) handleJoin(ctx context.Context, sess *Session, env *protocol.Envelope) {
	raw, err := env.DecodeString()
	if err != nil {
		slog.Debug("bad join payload", "conn", sess.conn.ID(), "err", err)
		return
	}
	name, err := model.NormalizeUsername(raw)
	if err != nil {
		slog.Debug("rejected username", "conn", sess.conn.ID(), "err", err)
		return
	}

	c.mu.Lock()
	if sess.state == model.StateTerminated {
		c.mu.Unlock()
		return
	}
	if sess.state == model.StateJoined && sess.username != name {
		c.registry.UnregisterConn(sess.username, sess.conn)
	}
	prev := c.registry.Register(name, sess.conn)
	sess.state = model.StateJoined
	sess.username = name
	if prev != nil && prev != sess.conn {
		if old, ok := c.sessions[prev.ID()]; ok {
			c.terminateLocked(old, protocol.EventSessionReplaced, textReplaced, "session replaced")
		} else {
			_ = prev.Close("session replaced")
		}
		c.metrics.SessionsReplaced.Add(1)
		slog.Info("session replaced", "user", name, "old_conn", prev.ID(), "conn", sess.conn.ID())
	}
	c.router.BroadcastPresence()
	c.mu.Unlock()

	c.metrics.Joins.Add(1)
	slog.Info("client joined", "user", name, "conn", sess.conn.ID())

	c.router.SendTo(sess.conn, protocol.EventYourID, sess.conn.ID())
	if c.moderation.IsAdmin(name) {
		c.router.SendTo(sess.conn, protocol.EventAdminStatus, true)
	}

	history, err := c.log.RecentPublic(ctx, c.cfg.HistoryLimit)
	if err != nil {
		c.logFailure("recent public", err, "user", name)
		return
	}
	c.router.SendTo(sess.conn, protocol.EventLoadOldMessages, c.fitHistory(protocol.EventLoadOldMessages, history))
}

func (c *Coordinator) handlePublicMessage(ctx context.Context, sess *Session, env *protocol.Envelope) {
	state, name := c.snapshot(sess)
	if state != model.StateJoined {
		return
	}
	if c.moderation.IsMuted(name) {
		c.router.SendTo(sess.conn, protocol.EventMuted, textMuted)
		return
	}

	var req protocol.PublicMessageRequest
	if err := env.DecodeData(&req); err != nil {
		slog.Debug("bad public message", "user", name, "err", err)
		return
	}
	msg := model.Message{
		Kind: model.KindPublic,
		From: name,
		Text: model.SanitizeText(req.Text),
		Time: model.FormatTimestamp(c.now()),
	}
	if err := msg.Validate(c.cfg.MaxMessageLength); err != nil {
		slog.Debug("dropping public message", "user", name, "err", err)
		return
	}

	if err := c.log.AppendMessage(ctx, &msg); err != nil {
		c.logFailure("append public message", err, "user", name)
		msg.ID = c.fallbackID()
	}
	c.router.Broadcast(protocol.EventPublicMessage, msg)
	c.metrics.PublicMessages.Add(1)
}

func (c *Coordinator) handlePrivateMessage(ctx context.Context, sess *Session, env *protocol.Envelope) {
	state, name := c.snapshot(sess)
	if state != model.StateJoined {
		return
	}
	if c.moderation.IsMuted(name) {
		c.router.SendTo(sess.conn, protocol.EventMuted, textMuted)
		return
	}

	var req protocol.PrivateMessageRequest
	if err := env.DecodeData(&req); err != nil {
		slog.Debug("bad private message", "user", name, "err", err)
		return
	}
	to, err := model.NormalizeUsername(req.To)
	if err != nil {
		slog.Debug("dropping private message", "user", name, "err", err)
		return
	}
	msg := model.Message{
		Kind: model.KindPrivate,
		From: name,
		To:   to,
		Text: model.SanitizeText(req.Msg.Text),
		Time: model.FormatTimestamp(c.now()),
	}
	if err := msg.Validate(c.cfg.MaxMessageLength); err != nil {
		slog.Debug("dropping private message", "user", name, "err", err)
		return
	}

	stored := msg
	if err := c.log.AppendMessage(ctx, &stored); err != nil {
		c.logFailure("append private message", err, "user", name, "to", to)
	}
	if c.router.RoutePrivate(sess.conn, msg) {
		c.metrics.PrivateMessages.Add(1)
	}
}

func (c *Coordinator) handleLoadPrivateMessages(ctx context.Context, sess *Session, env *protocol.Envelope) {
	state, name := c.snapshot(sess)
	if state != model.StateJoined {
		return
	}
	partner := targetOf(env)
	if partner == "" {
		return
	}

	msgs, err := c.log.Conversation(ctx, name, partner)
	if err != nil {
		c.logFailure("conversation", err, "user", name, "partner", partner)
		c.result(sess, false, "DB fetch failed.")
		return
	}
	c.router.SendTo(sess.conn, protocol.EventLoadOldPrivateMessages, protocol.PrivateHistory{
		Partner:  partner,
		Messages: c.fitHistory(protocol.EventLoadOldPrivateMessages, msgs),
	})
}

// authorize applies the admin gate. Terminated sessions are ignored silently.
func (c *Coordinator) authorize(sess *Session, perm model.Permission) (string, bool) {
	state, name := c.snapshot(sess)
	if state == model.StateTerminated {
		return "", false
	}
	role := model.RoleUser
	if state == model.StateJoined {
		role = c.moderation.RoleOf(name)
	}
	if msg := rbac.RequirePermission(role, perm); msg != "" {
		c.metrics.DeniedActions.Add(1)
		slog.Info("moderation denied", "action", rbac.PermName(perm), "user", name, "conn", sess.conn.ID())
		c.finish(sess, perm, name, "", false, msg)
		return "", false
	}
	return name, true
}

func (c *Coordinator) handleKickUser(sess *Session, env *protocol.Envelope) {
	actor, ok := c.authorize(sess, model.PermKickUser)
	if !ok {
		return
	}
	target := targetOf(env)

	c.mu.Lock()
	names := c.registry.FoldedNames(target)
	if target == "" || len(names) == 0 {
		c.mu.Unlock()
		c.finish(sess, model.PermKickUser, actor, target, false, "Target not online.")
		return
	}
	for _, name := range names {
		conn, ok := c.registry.Lookup(name)
		if !ok {
			continue
		}
		if victim, ok := c.sessions[conn.ID()]; ok {
			c.terminateLocked(victim, protocol.EventKicked, textKicked, "kicked")
		} else {
			c.registry.Unregister(name)
			_ = conn.Close("kicked")
		}
	}
	c.router.BroadcastPresence()
	c.mu.Unlock()

	c.metrics.KickCount.Add(1)
	slog.Info("user kicked", "target", target, "by", actor)
	c.finish(sess, model.PermKickUser, actor, target, true, "Kicked "+target)
}

func (c *Coordinator) handleMuteUser(sess *Session, env *protocol.Envelope, mute bool) {
	perm := model.PermMuteUser
	actor, ok := c.authorize(sess, perm)
	if !ok {
		return
	}
	target := targetOf(env)
	if target == "" {
		c.finish(sess, perm, actor, target, false, "No target provided.")
		return
	}

	event, notice, msg := protocol.EventMuted, textMutedNotice, "Muted "+target
	if mute {
		c.moderation.Mute(target)
		c.metrics.MuteCount.Add(1)
	} else {
		c.moderation.Unmute(target)
		event, notice, msg = protocol.EventUnmuted, textUnmutedNotice, "Unmuted "+target
	}
	c.notify(target, event, notice)
	slog.Info("mute state changed", "target", target, "muted", mute, "by", actor)
	c.finish(sess, perm, actor, target, true, msg)
}

func (c *Coordinator) handlePromoteUser(sess *Session, env *protocol.Envelope) {
	actor, ok := c.authorize(sess, model.PermPromoteUser)
	if !ok {
		return
	}
	target := targetOf(env)
	if target == "" {
		c.finish(sess, model.PermPromoteUser, actor, target, false, "No target provided.")
		return
	}

	c.moderation.Promote(target)
	c.notify(target, protocol.EventAdminStatus, true)
	c.notify(target, protocol.EventPromoted, textPromoted)
	slog.Info("user promoted", "target", target, "by", actor)
	c.finish(sess, model.PermPromoteUser, actor, target, true, fmt.Sprintf("Promoted %s to admin", target))
}

func (c *Coordinator) handleDemoteUser(sess *Session, env *protocol.Envelope) {
	actor, ok := c.authorize(sess, model.PermDemoteUser)
	if !ok {
		return
	}
	target := targetOf(env)
	if target == "" {
		c.finish(sess, model.PermDemoteUser, actor, target, false, "No target provided.")
		return
	}
	if model.FoldUsername(target) == model.FoldUsername(actor) {
		c.finish(sess, model.PermDemoteUser, actor, target, false, "You cannot demote yourself.")
		return
	}

	c.moderation.Demote(target)
	c.notify(target, protocol.EventAdminStatus, false)
	c.notify(target, protocol.EventDemoted, textDemoted)
	slog.Info("user demoted", "target", target, "by", actor)
	c.finish(sess, model.PermDemoteUser, actor, target, true, "Demoted "+target)
}

func (c *Coordinator) handleDeletePublicMessage(ctx context.Context, sess *Session, env *protocol.Envelope) {
	actor, ok := c.authorize(sess, model.PermDeleteMessage)
	if !ok {
		return
	}
	id, err := protocol.DecodeMessageID(env.Data)
	if err != nil {
		c.finish(sess, model.PermDeleteMessage, actor, "", false, "Invalid message id.")
		return
	}
	target := fmt.Sprintf("%d", id)

	removed, err := c.log.DeleteMessage(ctx, id)
	if err != nil {
		c.logFailure("delete message", err, "id", id)
		c.finish(sess, model.PermDeleteMessage, actor, target, false, "DB delete failed.")
		return
	}
	if !removed {
		c.finish(sess, model.PermDeleteMessage, actor, target, false, "Message not found.")
		return
	}

	c.router.Broadcast(protocol.EventDeletePublicMessage, id)
	c.metrics.DeleteCount.Add(1)
	slog.Info("public message deleted", "id", id, "by", actor)
	c.finish(sess, model.PermDeleteMessage, actor, target, true, "Deleted message "+target)
}

func (c *Coordinator) handleDeleteAllPublicMessages(ctx context.Context, sess *Session) {
	actor, ok := c.authorize(sess, model.PermDeleteMessage)
	if !ok {
		return
	}

	n, err := c.log.DeleteAllPublic(ctx)
	if err != nil {
		c.logFailure("delete all public", err)
		c.finish(sess, model.PermDeleteMessage, actor, protocol.DeleteAll, false, "Failed to delete all messages.")
		return
	}

	c.router.Broadcast(protocol.EventDeletePublicMessage, protocol.DeleteAll)
	c.metrics.DeleteCount.Add(n)
	slog.Info("all public messages deleted", "count", n, "by", actor)
	c.finish(sess, model.PermDeleteMessage, actor, protocol.DeleteAll, true, "All public messages deleted.")
}

func (c *Coordinator) handleViewPrivateMessages(ctx context.Context, sess *Session, env *protocol.Envelope) {
	actor, ok := c.authorize(sess, model.PermViewPrivate)
	if !ok {
		return
	}
	var req protocol.ViewPrivateRequest
	if err := env.DecodeData(&req); err != nil {
		c.finish(sess, model.PermViewPrivate, actor, "", false, "Invalid request.")
		return
	}
	u1, u2 := strings.TrimSpace(req.User1), strings.TrimSpace(req.User2)
	if u1 == "" || u2 == "" {
		c.finish(sess, model.PermViewPrivate, actor, "", false, "Two usernames required.")
		return
	}
	target := u1 + "," + u2

	msgs, err := c.log.Conversation(ctx, u1, u2)
	if err != nil {
		c.logFailure("conversation", err, "user1", u1, "user2", u2)
		c.finish(sess, model.PermViewPrivate, actor, target, false, "DB fetch failed.")
		return
	}
	c.router.SendTo(sess.conn, protocol.EventPrivateMessagesView, protocol.PrivateMessagesView{
		User1:    u1,
		User2:    u2,
		Messages: c.fitHistory(protocol.EventPrivateMessagesView, msgs),
	})
	c.audit(model.PermViewPrivate, actor, target, true, "")
}

// notify sends an event to every online user whose name matches target
// case-insensitively.
func (c *Coordinator) notify(target, event string, data any) {
	for _, name := range c.registry.FoldedNames(target) {
		c.router.SendToUser(name, event, data)
	}
}

func (c *Coordinator) result(sess *Session, ok bool, msg string) {
	c.router.SendTo(sess.conn, protocol.EventActionResult, protocol.ActionResult{OK: ok, Msg: msg})
}

// finish replies to the actor and records the outcome on the audit bus.
func (c *Coordinator) finish(sess *Session, perm model.Permission, actor, target string, ok bool, msg string) {
	c.result(sess, ok, msg)
	c.audit(perm, actor, target, ok, msg)
}

func (c *Coordinator) audit(perm model.Permission, actor, target string, ok bool, detail string) {
	if c.bus == nil {
		return
	}
	ev := events.ModerationEvent{
		Action: rbac.PermName(perm),
		Actor:  actor,
		Target: target,
		OK:     ok,
		Detail: detail,
		At:     c.now().UTC(),
	}
	if err := c.bus.Publish(ev); err != nil {
		slog.Error("publish moderation event", "action", ev.Action, "err", err)
	}
}

func (c *Coordinator) logFailure(op string, err error, args ...any) {
	c.metrics.LogErrors.Add(1)
	slog.Error("message log: "+op, append(args, "err", err)...)
}

// fallbackID stands in for a log-assigned id when the append failed. Ids are
// wall-clock milliseconds, bumped to stay strictly increasing.
func (c *Coordinator) fallbackID() int64 {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	id := c.now().UnixMilli()
	if id <= c.lastID {
		id = c.lastID + 1
	}
	c.lastID = id
	return id
}

func targetOf(env *protocol.Envelope) string {
	s, err := env.DecodeString()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

// fitHistory drops the oldest messages that would push the frame past
// MaxFrameBytes.
func (c *Coordinator) fitHistory(event string, msgs []model.Message) []model.Message {
	kept, dropped := protocol.FitHistory(msgs, c.cfg.MaxFrameBytes-protocol.HistoryOverhead)
	if dropped > 0 {
		c.metrics.HistoryTrimmed.Add(int64(dropped))
		slog.Warn("history trimmed to fit frame", "event", event, "dropped", dropped, "kept", len(kept))
	}
	return nonNil(kept)
}

func nonNil(msgs []model.Message) []model.Message {
	if msgs == nil {
		return []model.Message{}
	}
	return msgs
}
