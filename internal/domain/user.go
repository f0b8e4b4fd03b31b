// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
)

const MaxUserIDLen = 64

var (
	ErrUserIDTooLong = errors.New("user id too long")
	ErrUserIDEmpty   = errors.New("user id empty")
)

// UserID is an opaque identity issued by the authentication collaborator.
type UserID string

// ParseUserID trims and validates an identity received from the wire.
func ParseUserID(raw string) (UserID, error) {
	id := strings.TrimSpace(raw)
	if len(id) == 0 {
		return "", ErrUserIDEmpty
	}
	if len(id) > MaxUserIDLen {
		return "", ErrUserIDTooLong
	}
	return UserID(id), nil
}
