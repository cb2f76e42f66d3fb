package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/parleyhq/parley/internal/common/apperr"
	"github.com/parleyhq/parley/internal/conversation/models"
	"github.com/parleyhq/parley/internal/db"
)

// SQLRepository provides SQL-backed conversation storage through sqlx.
// Queries are written with ? placeholders and rebound per driver, so the
// same implementation serves both SQLite and PostgreSQL pools.
type SQLRepository struct {
	pool *db.Pool
}

var _ Repository = (*SQLRepository)(nil)

// NewSQLRepository creates a conversation repository over the given pool
// and initializes the schema.
func NewSQLRepository(pool *db.Pool) (*SQLRepository, error) {
	repo := &SQLRepository{pool: pool}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize conversation schema: %w", err)
	}
	return repo, nil
}

// Close is a no-op; the pool is owned by the caller.
func (r *SQLRepository) Close() error {
	return nil
}

func (r *SQLRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		is_active INTEGER NOT NULL DEFAULT 1,
		max_messages INTEGER NOT NULL DEFAULT 1000,
		last_activity DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		deleted_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS conversation_messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		tool_call_id TEXT NOT NULL DEFAULT '',
		tool_calls TEXT NOT NULL DEFAULT '[]',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS conversation_snapshots (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation
		ON conversation_messages(conversation_id, position);
	CREATE INDEX IF NOT EXISTS idx_conversations_activity
		ON conversations(last_activity) WHERE deleted_at IS NULL;
	`
	_, err := r.pool.Writer().Exec(schema)
	return err
}

// CreateConversation persists a new conversation.
func (r *SQLRepository) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	w := r.pool.Writer()

	var exists int
	query := w.Rebind(`SELECT COUNT(1) FROM conversations WHERE id = ? AND deleted_at IS NULL`)
	if err := w.GetContext(ctx, &exists, query, conv.ID); err != nil {
		return apperr.Store(err, "failed to check conversation %s", conv.ID)
	}
	if exists > 0 {
		return apperr.Conflict("conversation already exists: %s", conv.ID)
	}

	metadataJSON, err := encodeMap(conv.Metadata)
	if err != nil {
		return apperr.Store(err, "failed to serialize conversation metadata")
	}

	query = w.Rebind(`
		INSERT INTO conversations (id, title, description, metadata, is_active, max_messages, last_activity, created_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = w.ExecContext(ctx, query,
		conv.ID, conv.Title, conv.Description, metadataJSON,
		boolToInt(conv.IsActive), conv.MaxMessages, conv.LastActivity, conv.CreatedAt, conv.DeletedAt)
	if err != nil {
		return apperr.Store(err, "failed to create conversation %s", conv.ID)
	}

	for i, msg := range conv.Messages {
		if err := r.insertMessage(ctx, w, conv.ID, i, msg); err != nil {
			return err
		}
	}
	return nil
}

// GetConversation loads a conversation with its full ordered timeline.
func (r *SQLRepository) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	ro := r.pool.Reader()

	conv := &models.Conversation{}
	var metadataJSON string
	var isActive int
	var deletedAt sql.NullTime

	query := ro.Rebind(`
		SELECT id, title, description, metadata, is_active, max_messages, last_activity, created_at, deleted_at
		FROM conversations WHERE id = ? AND deleted_at IS NULL`)
	err := ro.QueryRowxContext(ctx, query, id).Scan(
		&conv.ID, &conv.Title, &conv.Description, &metadataJSON,
		&isActive, &conv.MaxMessages, &conv.LastActivity, &conv.CreatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("conversation not found: %s", id)
	}
	if err != nil {
		return nil, apperr.Store(err, "failed to load conversation %s", id)
	}
	conv.IsActive = isActive == 1
	if deletedAt.Valid {
		t := deletedAt.Time
		conv.DeletedAt = &t
	}
	if conv.Metadata, err = decodeMap(metadataJSON); err != nil {
		return nil, apperr.Store(err, "failed to deserialize conversation metadata")
	}

	if conv.Messages, err = r.ListMessages(ctx, id); err != nil {
		return nil, err
	}
	return conv, nil
}

// UpdateConversation persists header fields.
func (r *SQLRepository) UpdateConversation(ctx context.Context, conv *models.Conversation) error {
	w := r.pool.Writer()

	metadataJSON, err := encodeMap(conv.Metadata)
	if err != nil {
		return apperr.Store(err, "failed to serialize conversation metadata")
	}

	query := w.Rebind(`
		UPDATE conversations
		SET title = ?, description = ?, metadata = ?, is_active = ?, max_messages = ?, last_activity = ?, deleted_at = ?
		WHERE id = ?`)
	res, err := w.ExecContext(ctx, query,
		conv.Title, conv.Description, metadataJSON, boolToInt(conv.IsActive),
		conv.MaxMessages, conv.LastActivity, conv.DeletedAt, conv.ID)
	if err != nil {
		return apperr.Store(err, "failed to update conversation %s", conv.ID)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return apperr.NotFound("conversation not found: %s", conv.ID)
	}
	return nil
}

// AppendMessage adds one message at the end of the timeline.
func (r *SQLRepository) AppendMessage(ctx context.Context, conversationID string, msg *models.Message) error {
	w := r.pool.Writer()

	var next int
	query := w.Rebind(`SELECT COALESCE(MAX(position) + 1, 0) FROM conversation_messages WHERE conversation_id = ?`)
	if err := w.GetContext(ctx, &next, query, conversationID); err != nil {
		return apperr.Store(err, "failed to determine message position")
	}
	if err := r.insertMessage(ctx, w, conversationID, next, msg); err != nil {
		return err
	}

	query = w.Rebind(`UPDATE conversations SET last_activity = ? WHERE id = ? AND last_activity < ?`)
	if _, err := w.ExecContext(ctx, query, msg.CreatedAt, conversationID, msg.CreatedAt); err != nil {
		return apperr.Store(err, "failed to touch conversation %s", conversationID)
	}
	return nil
}

func (r *SQLRepository) insertMessage(ctx context.Context, w *sqlx.DB, conversationID string, position int, msg *models.Message) error {
	toolCallsJSON, err := encodeToolCalls(msg.ToolCalls)
	if err != nil {
		return apperr.Store(err, "failed to serialize tool calls")
	}
	metadataJSON, err := encodeMap(msg.Metadata)
	if err != nil {
		return apperr.Store(err, "failed to serialize message metadata")
	}

	query := w.Rebind(`
		INSERT INTO conversation_messages (id, conversation_id, position, role, content, name, tool_call_id, tool_calls, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = w.ExecContext(ctx, query,
		msg.ID, conversationID, position, string(msg.Role), msg.Content,
		msg.Name, msg.ToolCallID, toolCallsJSON, metadataJSON, msg.CreatedAt)
	if err != nil {
		return apperr.Store(err, "failed to insert message %s", msg.ID)
	}
	return nil
}

// ReplaceMessages rewrites the timeline inside one transaction.
func (r *SQLRepository) ReplaceMessages(ctx context.Context, conversationID string, msgs []*models.Message) error {
	w := r.pool.Writer()

	tx, err := w.BeginTxx(ctx, nil)
	if err != nil {
		return apperr.Store(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	query := tx.Rebind(`DELETE FROM conversation_messages WHERE conversation_id = ?`)
	if _, err := tx.ExecContext(ctx, query, conversationID); err != nil {
		return apperr.Store(err, "failed to clear messages for %s", conversationID)
	}

	insert := tx.Rebind(`
		INSERT INTO conversation_messages (id, conversation_id, position, role, content, name, tool_call_id, tool_calls, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for i, msg := range msgs {
		toolCallsJSON, err := encodeToolCalls(msg.ToolCalls)
		if err != nil {
			return apperr.Store(err, "failed to serialize tool calls")
		}
		metadataJSON, err := encodeMap(msg.Metadata)
		if err != nil {
			return apperr.Store(err, "failed to serialize message metadata")
		}
		_, err = tx.ExecContext(ctx, insert,
			msg.ID, conversationID, i, string(msg.Role), msg.Content,
			msg.Name, msg.ToolCallID, toolCallsJSON, metadataJSON, msg.CreatedAt)
		if err != nil {
			return apperr.Store(err, "failed to insert message %s", msg.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperr.Store(err, "failed to commit message replacement")
	}
	return nil
}

// ListMessages returns the ordered timeline.
func (r *SQLRepository) ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	ro := r.pool.Reader()

	query := ro.Rebind(`
		SELECT id, role, content, name, tool_call_id, tool_calls, metadata, created_at
		FROM conversation_messages WHERE conversation_id = ? ORDER BY position ASC`)
	rows, err := ro.QueryxContext(ctx, query, conversationID)
	if err != nil {
		return nil, apperr.Store(err, "failed to list messages for %s", conversationID)
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Message
	for rows.Next() {
		msg := &models.Message{}
		var role, toolCallsJSON, metadataJSON string
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &msg.Name, &msg.ToolCallID,
			&toolCallsJSON, &metadataJSON, &msg.CreatedAt); err != nil {
			return nil, apperr.Store(err, "failed to scan message row")
		}
		msg.Role = models.Role(role)
		if msg.ToolCalls, err = decodeToolCalls(toolCallsJSON); err != nil {
			return nil, apperr.Store(err, "failed to deserialize tool calls")
		}
		if msg.Metadata, err = decodeMap(metadataJSON); err != nil {
			return nil, apperr.Store(err, "failed to deserialize message metadata")
		}
		result = append(result, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Store(err, "failed to iterate message rows")
	}
	return result, nil
}

// SoftDeleteInactiveSince marks stale active conversations deleted.
func (r *SQLRepository) SoftDeleteInactiveSince(ctx context.Context, cutoff time.Time) (int, error) {
	w := r.pool.Writer()

	query := w.Rebind(`
		UPDATE conversations SET deleted_at = ?, is_active = 0
		WHERE deleted_at IS NULL AND last_activity < ?`)
	res, err := w.ExecContext(ctx, query, time.Now().UTC(), cutoff)
	if err != nil {
		return 0, apperr.Store(err, "failed to soft-delete conversations")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.Store(err, "failed to count soft-deleted conversations")
	}
	return int(affected), nil
}

// HardDeleteBefore removes long-deleted conversations and their messages.
func (r *SQLRepository) HardDeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	w := r.pool.Writer()

	tx, err := w.BeginTxx(ctx, nil)
	if err != nil {
		return 0, apperr.Store(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	query := tx.Rebind(`
		DELETE FROM conversation_messages WHERE conversation_id IN (
			SELECT id FROM conversations WHERE deleted_at IS NOT NULL AND deleted_at < ?
		)`)
	if _, err := tx.ExecContext(ctx, query, cutoff); err != nil {
		return 0, apperr.Store(err, "failed to delete messages of expired conversations")
	}

	query = tx.Rebind(`DELETE FROM conversations WHERE deleted_at IS NOT NULL AND deleted_at < ?`)
	res, err := tx.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, apperr.Store(err, "failed to delete expired conversations")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.Store(err, "failed to count deleted conversations")
	}

	if err := tx.Commit(); err != nil {
		return 0, apperr.Store(err, "failed to commit hard delete")
	}
	return int(affected), nil
}

// SaveSnapshot persists a snapshot keyed by its id, overwriting any
// previous payload for the same id.
func (r *SQLRepository) SaveSnapshot(ctx context.Context, snap *models.Snapshot) error {
	w := r.pool.Writer()

	payload, err := json.Marshal(snap)
	if err != nil {
		return apperr.Store(err, "failed to serialize snapshot %s", snap.ID)
	}

	query := w.Rebind(`DELETE FROM conversation_snapshots WHERE id = ?`)
	if _, err := w.ExecContext(ctx, query, snap.ID); err != nil {
		return apperr.Store(err, "failed to replace snapshot %s", snap.ID)
	}
	query = w.Rebind(`
		INSERT INTO conversation_snapshots (id, conversation_id, payload, created_at)
		VALUES (?, ?, ?, ?)`)
	if _, err := w.ExecContext(ctx, query, snap.ID, snap.ConversationID, string(payload), snap.CreatedAt); err != nil {
		return apperr.Store(err, "failed to save snapshot %s", snap.ID)
	}
	return nil
}

// GetSnapshot loads a snapshot by id.
func (r *SQLRepository) GetSnapshot(ctx context.Context, id string) (*models.Snapshot, error) {
	ro := r.pool.Reader()

	var payload string
	query := ro.Rebind(`SELECT payload FROM conversation_snapshots WHERE id = ?`)
	err := ro.GetContext(ctx, &payload, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("snapshot not found: %s", id)
	}
	if err != nil {
		return nil, apperr.Store(err, "failed to load snapshot %s", id)
	}

	snap := &models.Snapshot{}
	if err := json.Unmarshal([]byte(payload), snap); err != nil {
		return nil, apperr.Store(err, "failed to deserialize snapshot %s", id)
	}
	return snap, nil
}

// DeleteSnapshot removes a snapshot by id.
func (r *SQLRepository) DeleteSnapshot(ctx context.Context, id string) error {
	w := r.pool.Writer()

	query := w.Rebind(`DELETE FROM conversation_snapshots WHERE id = ?`)
	res, err := w.ExecContext(ctx, query, id)
	if err != nil {
		return apperr.Store(err, "failed to delete snapshot %s", id)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return apperr.NotFound("snapshot not found: %s", id)
	}
	return nil
}

func encodeMap(m map[string]interface{}) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeMap(s string) (map[string]interface{}, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func encodeToolCalls(calls []models.ToolCall) (string, error) {
	if len(calls) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(calls)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeToolCalls(s string) ([]models.ToolCall, error) {
	if s == "" || s == "[]" {
		return nil, nil
	}
	var calls []models.ToolCall
	if err := json.Unmarshal([]byte(s), &calls); err != nil {
		return nil, err
	}
	return calls, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
