package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const (
	// DefaultMaxMessageLength is the default limit on message text, in runes.
	DefaultMaxMessageLength = 2000

	// MaxStoredMessageLength bounds what a message log accepts regardless of configuration.
	MaxStoredMessageLength = 16384

	// TimestampLayout is the wire and storage format of Message.Time (UTC).
	TimestampLayout = "2006-01-02 15:04:05"
)

var ErrMessageBodyEmpty = errors.New("message text cannot be empty")
var ErrMessageBodyTooLong = errors.New("message text too long")
var ErrMessageKind = errors.New("message kind must be public or private")
var ErrMessageSender = errors.New("message sender must not be empty")
var ErrMessageRecipient = errors.New("private message requires a recipient")

// MessageKind separates the shared channel from direct messages.
type MessageKind string

const (
	KindPublic  MessageKind = "public"
	KindPrivate MessageKind = "private"
)

// Valid reports whether k is public or private.
func (k MessageKind) Valid() bool {
	return k == KindPublic || k == KindPrivate
}

// Message is a chat line. ID is assigned by the message log; live private
// messages are sent without one.
type Message struct {
	ID   int64       `json:"id,omitempty"`
	Kind MessageKind `json:"-"`
	From string      `json:"from"`
	To   string      `json:"to,omitempty"`
	Text string      `json:"text"`
	Time string      `json:"time"`
}

// Validate checks kind, participants and text length. maxLen <= 0 selects
// DefaultMaxMessageLength.
func (m *Message) Validate(maxLen int) error {
	if maxLen <= 0 {
		maxLen = DefaultMaxMessageLength
	}
	if !m.Kind.Valid() {
		return ErrMessageKind
	}
	if strings.TrimSpace(m.From) == "" {
		return ErrMessageSender
	}
	if m.Kind == KindPrivate && strings.TrimSpace(m.To) == "" {
		return ErrMessageRecipient
	}
	if strings.TrimSpace(m.Text) == "" {
		return ErrMessageBodyEmpty
	} else if utf8.RuneCountInString(m.Text) > maxLen {
		return fmt.Errorf("%w: exceeds %d characters", ErrMessageBodyTooLong, maxLen)
	}
	return nil
}

// MessageFilters narrows ListMessages. Nil fields are not applied.
type MessageFilters struct {
	LimitToKind   *MessageKind
	LimitToSender *string
	PageSize      *int64
	Offset        *int64
}

// FormatTimestamp renders t in TimestampLayout (UTC).
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// SanitizeText strips control characters from user-supplied text and
// collapses newlines to spaces.
func SanitizeText(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}
