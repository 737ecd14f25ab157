package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/lumoschat/lumos/internal/models"
)

// SQLiteStore handles SQLite database operations for single-node and
// development deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/lumos.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/lumos.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}

	// Initialize schema
	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		title TEXT DEFAULT '',
		user_id TEXT,
		team_id TEXT,
		org_id TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_active_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		parent_id TEXT,
		role TEXT NOT NULL,
		status TEXT NOT NULL,
		parts TEXT NOT NULL DEFAULT '[]',
		metadata TEXT NOT NULL DEFAULT '{}',
		stop_requested INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		key_hash TEXT NOT NULL,
		user_id TEXT NOT NULL,
		revoked_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);
	CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status, updated_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateConversation inserts a new conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if err := conv.ValidateOwner(); err != nil {
		return err
	}
	if conv.ID == uuid.Nil {
		conv.ID = uuid.New()
	}
	now := time.Now().UTC()
	conv.CreatedAt = now
	conv.LastActiveAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, user_id, team_id, org_id, created_at, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, conv.ID.String(), conv.Title, uuidPtr(conv.UserID), uuidPtr(conv.TeamID), uuidPtr(conv.OrgID), now, now)
	return err
}

// GetConversation retrieves a conversation by ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	conv := &models.Conversation{}
	var idStr string
	var userID, teamID, orgID *string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, user_id, team_id, org_id, created_at, last_active_at
		FROM conversations WHERE id = ?
	`, id.String()).Scan(
		&idStr,
		&conv.Title,
		&userID,
		&teamID,
		&orgID,
		&conv.CreatedAt,
		&conv.LastActiveAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	conv.ID = uuid.MustParse(idStr)
	conv.UserID = parseUUIDPtr(userID)
	conv.TeamID = parseUUIDPtr(teamID)
	conv.OrgID = parseUUIDPtr(orgID)
	return conv, nil
}

// TouchConversation updates the last_active_at timestamp.
func (s *SQLiteStore) TouchConversation(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET last_active_at = ? WHERE id = ?
	`, time.Now().UTC(), id.String())
	return err
}

// CreateMessage inserts a new message.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	parts, metadata, err := encodeMessageJSON(msg)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	msg.CreatedAt = now
	msg.UpdatedAt = now

	var parentID *string
	if msg.ParentID != "" {
		parentID = &msg.ParentID
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, parent_id, role, status, parts, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, parentID, msg.Role, msg.Status, string(parts), string(metadata), now, now)
	return err
}

// GetMessage retrieves a message by ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	msg := &models.Message{}
	var parentID *string
	var parts, metadata string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, parent_id, role, status, parts, metadata, created_at, updated_at
		FROM messages WHERE id = ?
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
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if parentID != nil {
		msg.ParentID = *parentID
	}
	if err := decodeMessageJSON(msg, []byte(parts), []byte(metadata)); err != nil {
		return nil, err
	}
	return msg, nil
}

// UpdateMessage applies upd to the message, refusing to touch a message
// whose stored status is already terminal.
func (s *SQLiteStore) UpdateMessage(ctx context.Context, id string, upd MessageUpdate) error {
	var partsArg, metadataArg *string
	if upd.Parts != nil {
		b, err := json.Marshal(upd.Parts)
		if err != nil {
			return err
		}
		v := string(b)
		partsArg = &v
	}
	if upd.Metadata != nil {
		b, err := json.Marshal(upd.Metadata)
		if err != nil {
			return err
		}
		v := string(b)
		metadataArg = &v
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET status = ?,
		    parts = COALESCE(?, parts),
		    metadata = COALESCE(?, metadata),
		    updated_at = ?
		WHERE id = ? AND status NOT IN ('finished', 'stopped', 'failed')
	`, upd.Status, partsArg, metadataArg, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var status models.Status
		err := s.db.QueryRowContext(ctx, `SELECT status FROM messages WHERE id = ?`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return sql.ErrNoRows
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
func (s *SQLiteStore) ListAncestors(ctx context.Context, conversationID uuid.UUID, fromMessageID string, limit int) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE chain(id, conversation_id, parent_id, role, status, parts, metadata, created_at, updated_at, depth) AS (
			SELECT m.id, m.conversation_id, m.parent_id, m.role, m.status, m.parts, m.metadata, m.created_at, m.updated_at, 0
			FROM messages m WHERE m.id = ? AND m.conversation_id = ?
			UNION ALL
			SELECT p.id, p.conversation_id, p.parent_id, p.role, p.status, p.parts, p.metadata, p.created_at, p.updated_at, chain.depth + 1
			FROM messages p JOIN chain ON p.id = chain.parent_id
			WHERE chain.depth + 1 < ?
		)
		SELECT id, conversation_id, parent_id, role, status, parts, metadata, created_at, updated_at
		FROM chain ORDER BY depth DESC
	`, fromMessageID, conversationID.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var msg models.Message
		var parentID *string
		var parts, metadata string
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
		if err := decodeMessageJSON(&msg, []byte(parts), []byte(metadata)); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// RequestStop sets the stop flag on a message.
func (s *SQLiteStore) RequestStop(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET stop_requested = 1 WHERE id = ?
	`, messageID)
	return err
}

// StopRequested reads the stop flag for a message.
func (s *SQLiteStore) StopRequested(ctx context.Context, messageID string) (bool, error) {
	var requested bool
	err := s.db.QueryRowContext(ctx, `
		SELECT stop_requested FROM messages WHERE id = ?
	`, messageID).Scan(&requested)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return requested, err
}

// ListStaleProcessing returns ids of messages stuck in processing.
func (s *SQLiteStore) ListStaleProcessing(ctx context.Context, staleAfter time.Duration, limit int) ([]string, error) {
	cutoff := fmt.Sprintf("-%d seconds", int(staleAfter.Seconds()))
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM messages
		WHERE status = 'processing' AND updated_at < datetime('now', ?)
		ORDER BY updated_at ASC
		LIMIT ?
	`, cutoff, limit)
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
func (s *SQLiteStore) GetAPIKeyHash(ctx context.Context, keyID string) (string, uuid.UUID, error) {
	var hash, userIDStr string
	err := s.db.QueryRowContext(ctx, `
		SELECT key_hash, user_id FROM api_keys WHERE id = ? AND revoked_at IS NULL
	`, keyID).Scan(&hash, &userIDStr)
	if errors.Is(err, sql.ErrNoRows) {
		return "", uuid.Nil, nil
	}
	if err != nil {
		return "", uuid.Nil, err
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		return "", uuid.Nil, err
	}
	return hash, userID, nil
}

func uuidPtr(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}

func parseUUIDPtr(s *string) *uuid.UUID {
	if s == nil {
		return nil
	}
	id, err := uuid.Parse(*s)
	if err != nil {
		return nil
	}
	return &id
}
