package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/lumoschat/lumos/internal/models"
)

// ErrTerminalStatus is returned by UpdateMessage when the stored message
// already reached finished, stopped, or failed. Terminal messages are
// immutable except for administrative deletion.
var ErrTerminalStatus = errors.New("message already in terminal status")

// MessageUpdate carries the mutable fields of a message. A nil Parts
// slice or Metadata map means "leave unchanged".
type MessageUpdate struct {
	Status   models.Status
	Parts    []models.Part
	Metadata map[string]any
}

// DataStore defines the interface for persistent storage of conversations,
// messages, and API keys. Both PostgresStore and SQLiteStore implement it.
type DataStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Conversation operations
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error)
	TouchConversation(ctx context.Context, id uuid.UUID) error

	// Message operations
	CreateMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	// UpdateMessage applies upd to the message. It fails with
	// ErrTerminalStatus if the stored status is already terminal, so a
	// late writer can never resurrect a finished message.
	UpdateMessage(ctx context.Context, id string, upd MessageUpdate) error
	// ListAncestors walks the parent chain starting at fromMessageID
	// (inclusive) and returns up to limit messages, oldest first.
	ListAncestors(ctx context.Context, conversationID uuid.UUID, fromMessageID string, limit int) ([]models.Message, error)

	// Stop flags
	RequestStop(ctx context.Context, messageID string) error
	StopRequested(ctx context.Context, messageID string) (bool, error)

	// ListStaleProcessing returns ids of messages that have sat in
	// processing longer than staleAfter. Used by the reconciliation sweep.
	ListStaleProcessing(ctx context.Context, staleAfter time.Duration, limit int) ([]string, error)

	// API keys
	GetAPIKeyHash(ctx context.Context, keyID string) (hash string, userID uuid.UUID, err error)
}
