package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Conversation groups a message tree under exactly one owner scope.
// The three owner fields are mutually exclusive: exactly one is set.
type Conversation struct {
	ID           uuid.UUID  `json:"id"`
	Title        string     `json:"title"`
	UserID       *uuid.UUID `json:"user_id,omitempty"`
	TeamID       *uuid.UUID `json:"team_id,omitempty"`
	OrgID        *uuid.UUID `json:"org_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	LastActiveAt time.Time  `json:"last_active_at"`
}

// ErrAmbiguousOwner is returned when zero or more than one owner scope
// is set on a conversation.
var ErrAmbiguousOwner = errors.New("conversation must have exactly one owner")

// ValidateOwner enforces the exactly-one-owner rule.
func (c *Conversation) ValidateOwner() error {
	n := 0
	if c.UserID != nil {
		n++
	}
	if c.TeamID != nil {
		n++
	}
	if c.OrgID != nil {
		n++
	}
	if n != 1 {
		return ErrAmbiguousOwner
	}
	return nil
}
