// Package protocol defines the WebSocket event envelope and payloads.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/NicolasHaas/parley/pkg/model"
)

const (
	// MaxMessageSize is the maximum inbound frame size (64KB).
	MaxMessageSize = 65536

	// MaxFrameSize is the maximum outbound frame size (8MB). History
	// payloads are trimmed with FitHistory to stay under it.
	MaxFrameSize = 8 << 20

	// HistoryOverhead is reserved for the envelope and the non-message
	// fields of a history payload.
	HistoryOverhead = 4096

	// DeleteAll is the deletePublicMessage payload that clears all public history.
	DeleteAll = "all"
)

// Client -> server events.
const (
	EventJoin                    = "join"
	EventPublicMessage           = "publicMessage"
	EventPrivateMessage          = "privateMessage"
	EventLoadPrivateMessages     = "loadPrivateMessages"
	EventKickUser                = "kickUser"
	EventMuteUser                = "muteUser"
	EventUnmuteUser              = "unmuteUser"
	EventPromoteUser             = "promoteUser"
	EventDemoteUser              = "demoteUser"
	EventDeletePublicMessage     = "deletePublicMessage"
	EventDeleteAllPublicMessages = "deleteAllPublicMessages"
	EventViewPrivateMessages     = "viewPrivateMessages"
)

// Server -> client events. publicMessage, privateMessage and
// deletePublicMessage travel in both directions.
const (
	EventUserList               = "userList"
	EventYourID                 = "yourId"
	EventAdminStatus            = "adminStatus"
	EventLoadOldMessages        = "loadOldMessages"
	EventLoadOldPrivateMessages = "loadOldPrivateMessages"
	EventUserNotFound           = "userNotFound"
	EventKicked                 = "kicked"
	EventMuted                  = "muted"
	EventUnmuted                = "unmuted"
	EventPromoted               = "promoted"
	EventDemoted                = "demoted"
	EventSessionReplaced        = "sessionReplaced"
	EventActionResult           = "actionResult"
	EventPrivateMessagesView    = "privateMessagesView"
)

var ErrEmptyEvent = errors.New("protocol: envelope has no event name")

// Envelope is one WebSocket text frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ----- Payloads -----

type PublicMessageRequest struct {
	Text string `json:"text"`
}

type MessageBody struct {
	Text string `json:"text"`
}

type PrivateMessageRequest struct {
	To  string      `json:"to"`
	Msg MessageBody `json:"msg"`
}

type ViewPrivateRequest struct {
	User1 string `json:"user1"`
	User2 string `json:"user2"`
}

type ActionResult struct {
	OK  bool   `json:"ok"`
	Msg string `json:"msg"`
}

type PrivateHistory struct {
	Partner  string          `json:"partner"`
	Messages []model.Message `json:"messages"`
}

type PrivateMessagesView struct {
	User1    string          `json:"user1"`
	User2    string          `json:"user2"`
	Messages []model.Message `json:"messages"`
}

// NewEnvelope marshals data into an envelope for event. A nil data leaves
// the payload empty.
func NewEnvelope(event string, data any) (*Envelope, error) {
	env := &Envelope{Event: event}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", event, err)
	}
	env.Data = raw
	return env, nil
}

// Encode renders event and data as a single server frame.
func Encode(event string, data any) ([]byte, error) {
	return encode(event, data, MaxFrameSize)
}

// EncodeRequest renders a client frame, bounded by MaxMessageSize.
func EncodeRequest(event string, data any) ([]byte, error) {
	return encode(event, data, MaxMessageSize)
}

func encode(event string, data any, limit int) ([]byte, error) {
	env, err := NewEnvelope(event, data)
	if err != nil {
		return nil, err
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal envelope: %w", err)
	}
	if len(frame) > limit {
		return nil, fmt.Errorf("protocol: message too large: %d bytes", len(frame))
	}
	return frame, nil
}

// FitHistory drops messages from the oldest end until the encoded list fits
// in limit bytes. It returns the kept tail and the number dropped.
func FitHistory(msgs []model.Message, limit int) ([]model.Message, int) {
	size := 2
	for i := len(msgs) - 1; i >= 0; i-- {
		raw, err := json.Marshal(msgs[i])
		if err != nil {
			return msgs[i+1:], i + 1
		}
		size += len(raw) + 1
		if size > limit {
			return msgs[i+1:], i + 1
		}
	}
	return msgs, 0
}

// Decode parses a frame into an envelope.
func Decode(frame []byte) (*Envelope, error) {
	if len(frame) > MaxMessageSize {
		return nil, fmt.Errorf("protocol: message too large: %d bytes", len(frame))
	}
	env := &Envelope{}
	if err := json.Unmarshal(frame, env); err != nil {
		return nil, fmt.Errorf("protocol: unmarshal: %w", err)
	}
	if env.Event == "" {
		return nil, ErrEmptyEvent
	}
	return env, nil
}

// DecodeData unmarshals the envelope payload into v.
func (e *Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("protocol: %s: missing data", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("protocol: %s: %w", e.Event, err)
	}
	return nil
}

// DecodeString reads a payload that is a bare string, as used by join and
// the single-target moderation commands. Numbers are accepted and rendered
// in decimal.
func (e *Envelope) DecodeString() (string, error) {
	data := bytes.TrimSpace(e.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return "", fmt.Errorf("protocol: %s: want string payload: %w", e.Event, err)
	}
	return n.String(), nil
}

// DecodeMessageID reads a deletePublicMessage payload: a JSON number or a
// numeric string.
func DecodeMessageID(data json.RawMessage) (int64, error) {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return 0, fmt.Errorf("protocol: message id: %w", err)
	}

	var s string
	switch v := raw.(type) {
	case json.Number:
		s = v.String()
	case string:
		s = strings.TrimSpace(v)
	default:
		return 0, fmt.Errorf("protocol: message id: unexpected %T", raw)
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("protocol: message id %q: %w", s, err)
	}
	return id, nil
}
