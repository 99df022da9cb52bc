package model

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
)

const MaxUsernameLength = 32

var ErrUsernameEmpty = errors.New("username must not be empty")
var ErrUsernameTooLong = fmt.Errorf("username must not exceed %d characters", MaxUsernameLength)
var ErrUsernameInvalidChars = errors.New("username must not contain control characters")

// NormalizeUsername trims surrounding whitespace and validates the result.
// Names are not authenticated; any printable text of 1-32 runes is accepted.
func NormalizeUsername(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", ErrUsernameEmpty
	}
	if utf8.RuneCountInString(name) > MaxUsernameLength {
		return "", ErrUsernameTooLong
	}
	for _, r := range name {
		if unicode.IsControl(r) || r == utf8.RuneError {
			return "", ErrUsernameInvalidChars
		}
	}
	return name, nil
}

// FoldUsername returns the case-folded key used for admin and mute membership.
func FoldUsername(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}
