// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const MaxUserIDLen = 64

var (
	ErrUserIDTooLong = errors.New("user id too long")
	ErrUserIDEmpty   = errors.New("user id empty")
)

// UserID is the opaque identity of a participant inside a party.
type UserID string

// NewUserID is a tiny helper to avoid ad-hoc uuid calls in adapters.
func NewUserID() UserID {
	return UserID(uuid.NewString())
}

func (u UserID) Validate() error {
	if len(u) == 0 {
		return ErrUserIDEmpty
	}
	if len(u) > MaxUserIDLen {
		return ErrUserIDTooLong
	}
	return nil
}
