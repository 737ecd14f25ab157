package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumoschat/lumos/internal/models"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	store := &PostgresStore{pool: pool}

	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id UUID PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		user_id UUID,
		team_id UUID,
		org_id UUID,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_active_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id UUID NOT NULL,
		parent_id TEXT,
		role TEXT NOT NULL,
		status TEXT NOT NULL,
		parts JSONB NOT NULL DEFAULT '[]',
		metadata JSONB NOT NULL DEFAULT '{}',
		stop_requested BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		key_hash TEXT NOT NULL,
		user_id UUID NOT NULL,
		revoked_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);
	CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status, updated_at);
	`

	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateConversation inserts a new conversation.
func (s *PostgresStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if err := conv.ValidateOwner(); err != nil {
		return err
	}
	if conv.ID == uuid.Nil {
		conv.ID = uuid.New()
	}
	return s.pool.QueryRow(ctx, `
		INSERT INTO conversations (id, title, user_id, team_id, org_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, last_active_at
	`, conv.ID, conv.Title, conv.UserID, conv.TeamID, conv.OrgID).Scan(
		&conv.CreatedAt,
		&conv.LastActiveAt,
	)
}

// GetConversation retrieves a conversation by ID.
func (s *PostgresStore) GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	conv := &models.Conversation{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, title, user_id, team_id, org_id, created_at, last_active_at
		FROM conversations WHERE id = $1
	`, id).Scan(
		&conv.ID,
		&conv.Title,
		&conv.UserID,
		&conv.TeamID,
		&conv.OrgID,
		&conv.CreatedAt,
		&conv.LastActiveAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return conv, nil
}

// TouchConversation updates the last_active_at timestamp.
func (s *PostgresStore) TouchConversation(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE conversations SET last_active_at = NOW() WHERE id = $1
	`, id)
	return err
}

// CreateMessage inserts a new message.
func (s *PostgresStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	parts, metadata, err := encodeMessageJSON(msg)
	if err != nil {
		return err
	}
	var parentID *string
	if msg.ParentID != "" {
		parentID = &msg.ParentID
	}
	return s.pool.QueryRow(ctx, `
		INSERT INTO messages (id, conversation_id, parent_id, role, status, parts, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, msg.ID, msg.ConversationID, parentID, msg.Role, msg.Status, parts, metadata).Scan(
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)
}

// GetMessage retrieves a message by ID.
func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	msg := &models.Message{}
	var parentID *string
	var parts, metadata []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, conversation_id, parent_id, role, status, parts, metadata, created_at, updated_at
		FROM messages WHERE id = $1
	`, id).Scan(
		&msg.ID,
		&msg.ConversationID,
		&parentID,
		&msg.Role,
		&msg.Status,
		&parts,
		&metadata,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if parentID != nil {
		msg.ParentID = *parentID
	}
	if err := decodeMessageJSON(msg, parts, metadata); err != nil {
		return nil, err
	}
	return msg, nil
}

// UpdateMessage applies upd to the message, refusing to touch a message
// whose stored status is already terminal.
func (s *PostgresStore) UpdateMessage(ctx context.Context, id string, upd MessageUpdate) error {
	var parts, metadata []byte
	var err error
	if upd.Parts != nil {
		parts, err = json.Marshal(upd.Parts)
		if err != nil {
			return err
		}
	}
	if upd.Metadata != nil {
		metadata, err = json.Marshal(upd.Metadata)
		if err != nil {
			return err
		}
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE messages
		SET status = $2,
		    parts = COALESCE($3, parts),
		    metadata = COALESCE($4, metadata),
		    updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('finished', 'stopped', 'failed')
	`, id, upd.Status, parts, metadata)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Either unknown id or terminal status; distinguish for the caller.
		var status models.Status
		err := s.pool.QueryRow(ctx, `SELECT status FROM messages WHERE id = $1`, id).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return pgx.ErrNoRows
		}
		if err != nil {
			return err
		}
		return ErrTerminalStatus
	}
	return nil
}

// ListAncestors walks the parent chain from fromMessageID (inclusive)
// upward, returning up to limit messages ordered oldest first.
func (s *PostgresStore) ListAncestors(ctx context.Context, conversationID uuid.UUID, fromMessageID string, limit int) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, `
		WITH RECURSIVE chain AS (
			SELECT m.*, 0 AS depth FROM messages m
			WHERE m.id = $1 AND m.conversation_id = $2
			UNION ALL
			SELECT p.*, chain.depth + 1 FROM messages p
			JOIN chain ON p.id = chain.parent_id
			WHERE chain.depth + 1 < $3
		)
		SELECT id, conversation_id, parent_id, role, status, parts, metadata, created_at, updated_at
		FROM chain ORDER BY depth DESC
	`, fromMessageID, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var msg models.Message
		var parentID *string
		var parts, metadata []byte
		err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&parentID,
			&msg.Role,
			&msg.Status,
			&parts,
			&metadata,
			&msg.CreatedAt,
			&msg.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		if parentID != nil {
			msg.ParentID = *parentID
		}
		if err := decodeMessageJSON(&msg, parts, metadata); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// RequestStop sets the stop flag on a message.
func (s *PostgresStore) RequestStop(ctx context.Context, messageID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE messages SET stop_requested = TRUE WHERE id = $1
	`, messageID)
	return err
}

// StopRequested reads the stop flag for a message.
func (s *PostgresStore) StopRequested(ctx context.Context, messageID string) (bool, error) {
	var requested bool
	err := s.pool.QueryRow(ctx, `
		SELECT stop_requested FROM messages WHERE id = $1
	`, messageID).Scan(&requested)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return requested, err
}

// ListStaleProcessing returns ids of messages stuck in processing.
func (s *PostgresStore) ListStaleProcessing(ctx context.Context, staleAfter time.Duration, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM messages
		WHERE status = 'processing' AND updated_at < NOW() - $1::interval
		ORDER BY updated_at ASC
		LIMIT $2
	`, staleAfter.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetAPIKeyHash retrieves the bcrypt hash and owner for an API key id.
func (s *PostgresStore) GetAPIKeyHash(ctx context.Context, keyID string) (string, uuid.UUID, error) {
	var hash string
	var userID uuid.UUID
	err := s.pool.QueryRow(ctx, `
		SELECT key_hash, user_id FROM api_keys WHERE id = $1 AND revoked_at IS NULL
	`, keyID).Scan(&hash, &userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", uuid.Nil, nil
	}
	if err != nil {
		return "", uuid.Nil, err
	}
	return hash, userID, nil
}

func encodeMessageJSON(msg *models.Message) (parts, metadata []byte, err error) {
	if msg.Parts == nil {
		msg.Parts = []models.Part{}
	}
	parts, err = json.Marshal(msg.Parts)
	if err != nil {
		return nil, nil, err
	}
	if msg.Metadata == nil {
		metadata = []byte("{}")
	} else if metadata, err = json.Marshal(msg.Metadata); err != nil {
		return nil, nil, err
	}
	return parts, metadata, nil
}

func decodeMessageJSON(msg *models.Message, parts, metadata []byte) error {
	if len(parts) > 0 {
		if err := json.Unmarshal(parts, &msg.Parts); err != nil {
			return err
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &msg.Metadata); err != nil {
			return err
		}
	}
	return nil
}
