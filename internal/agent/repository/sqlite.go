package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/parleyhq/parley/internal/agent/models"
	"github.com/parleyhq/parley/internal/common/apperr"
	"github.com/parleyhq/parley/internal/db"
)

// SQLRepository provides SQL-backed agent storage through sqlx. The switch
// history lives in its own table and is re-materialized chronologically.
type SQLRepository struct {
	pool *db.Pool
}

var _ Repository = (*SQLRepository)(nil)

// NewSQLRepository creates an agent repository over the given pool and
// initializes the schema.
func NewSQLRepository(pool *db.Pool) (*SQLRepository, error) {
	repo := &SQLRepository{pool: pool}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize agent schema: %w", err)
	}
	return repo, nil
}

// Close is a no-op; the pool is owned by the caller.
func (r *SQLRepository) Close() error {
	return nil
}

func (r *SQLRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL UNIQUE,
		agent_type TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		last_switch_at DATETIME,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_switches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		from_type TEXT NOT NULL DEFAULT '',
		to_type TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		confidence REAL NOT NULL DEFAULT 0,
		switched_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES agents(session_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_agent_switches_session
		ON agent_switches(session_id, switched_at);
	`
	_, err := r.pool.Writer().Exec(schema)
	return err
}

// CreateAgent persists a new agent.
func (r *SQLRepository) CreateAgent(ctx context.Context, agent *models.Agent) error {
	w := r.pool.Writer()

	var exists int
	query := w.Rebind(`SELECT COUNT(1) FROM agents WHERE session_id = ?`)
	if err := w.GetContext(ctx, &exists, query, agent.SessionID); err != nil {
		return apperr.Store(err, "failed to check agent for session %s", agent.SessionID)
	}
	if exists > 0 {
		return apperr.Conflict("agent already exists for session %s", agent.SessionID)
	}

	metadataJSON, err := encodeAgentMetadata(agent.Metadata)
	if err != nil {
		return apperr.Store(err, "failed to serialize agent metadata")
	}

	query = w.Rebind(`
		INSERT INTO agents (id, session_id, agent_type, metadata, last_switch_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	_, err = w.ExecContext(ctx, query,
		agent.ID, agent.SessionID, string(agent.CurrentType()),
		metadataJSON, agent.LastSwitchAt, agent.CreatedAt)
	if err != nil {
		return apperr.Store(err, "failed to create agent for session %s", agent.SessionID)
	}
	return r.syncSwitchHistory(ctx, agent)
}

// GetAgentBySession loads the session's agent with its switch history.
func (r *SQLRepository) GetAgentBySession(ctx context.Context, sessionID string) (*models.Agent, error) {
	ro := r.pool.Reader()

	agent := &models.Agent{SessionID: sessionID}
	var agentType, metadataJSON string
	var lastSwitchAt sql.NullTime

	query := ro.Rebind(`
		SELECT id, agent_type, metadata, last_switch_at, created_at
		FROM agents WHERE session_id = ?`)
	err := ro.QueryRowxContext(ctx, query, sessionID).Scan(
		&agent.ID, &agentType, &metadataJSON, &lastSwitchAt, &agent.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("agent not found for session %s", sessionID)
	}
	if err != nil {
		return nil, apperr.Store(err, "failed to load agent for session %s", sessionID)
	}

	agent.Capabilities = models.CapabilitiesFor(models.AgentType(agentType))
	if lastSwitchAt.Valid {
		t := lastSwitchAt.Time
		agent.LastSwitchAt = &t
	}
	if err := json.Unmarshal([]byte(metadataJSON), &agent.Metadata); err != nil {
		return nil, apperr.Store(err, "failed to deserialize agent metadata")
	}

	query = ro.Rebind(`
		SELECT from_type, to_type, reason, confidence, switched_at
		FROM agent_switches WHERE session_id = ? ORDER BY switched_at ASC, id ASC`)
	rows, err := ro.QueryxContext(ctx, query, sessionID)
	if err != nil {
		return nil, apperr.Store(err, "failed to load switch history for session %s", sessionID)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var rec models.SwitchRecord
		var from, to string
		if err := rows.Scan(&from, &to, &rec.Reason, &rec.Confidence, &rec.At); err != nil {
			return nil, apperr.Store(err, "failed to scan switch record")
		}
		rec.FromType = models.AgentType(from)
		rec.ToType = models.AgentType(to)
		agent.SwitchHistory = append(agent.SwitchHistory, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Store(err, "failed to iterate switch records")
	}
	agent.SwitchCount = len(agent.SwitchHistory)
	return agent, nil
}

// UpdateAgent persists the agent's current state and switch history.
func (r *SQLRepository) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	w := r.pool.Writer()

	metadataJSON, err := encodeAgentMetadata(agent.Metadata)
	if err != nil {
		return apperr.Store(err, "failed to serialize agent metadata")
	}

	query := w.Rebind(`
		UPDATE agents SET agent_type = ?, metadata = ?, last_switch_at = ?
		WHERE session_id = ?`)
	res, err := w.ExecContext(ctx, query,
		string(agent.CurrentType()), metadataJSON, agent.LastSwitchAt, agent.SessionID)
	if err != nil {
		return apperr.Store(err, "failed to update agent for session %s", agent.SessionID)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return apperr.NotFound("agent not found for session %s", agent.SessionID)
	}
	return r.syncSwitchHistory(ctx, agent)
}

// syncSwitchHistory rewrites the session's switch rows to match the
// aggregate. Histories are short (bounded by maxSwitches), so a full
// rewrite stays cheap and keeps ordering authoritative.
func (r *SQLRepository) syncSwitchHistory(ctx context.Context, agent *models.Agent) error {
	w := r.pool.Writer()

	tx, err := w.BeginTxx(ctx, nil)
	if err != nil {
		return apperr.Store(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	query := tx.Rebind(`DELETE FROM agent_switches WHERE session_id = ?`)
	if _, err := tx.ExecContext(ctx, query, agent.SessionID); err != nil {
		return apperr.Store(err, "failed to clear switch history")
	}

	insert := tx.Rebind(`
		INSERT INTO agent_switches (session_id, from_type, to_type, reason, confidence, switched_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	for _, rec := range agent.SwitchHistory {
		_, err := tx.ExecContext(ctx, insert,
			agent.SessionID, string(rec.FromType), string(rec.ToType),
			rec.Reason, rec.Confidence, rec.At)
		if err != nil {
			return apperr.Store(err, "failed to insert switch record")
		}
	}

	if err := tx.Commit(); err != nil {
		return apperr.Store(err, "failed to commit switch history")
	}
	return nil
}

// DeleteAgentBySession removes the session's agent and history.
func (r *SQLRepository) DeleteAgentBySession(ctx context.Context, sessionID string) error {
	w := r.pool.Writer()

	query := w.Rebind(`DELETE FROM agent_switches WHERE session_id = ?`)
	if _, err := w.ExecContext(ctx, query, sessionID); err != nil {
		return apperr.Store(err, "failed to delete switch history for session %s", sessionID)
	}
	query = w.Rebind(`DELETE FROM agents WHERE session_id = ?`)
	res, err := w.ExecContext(ctx, query, sessionID)
	if err != nil {
		return apperr.Store(err, "failed to delete agent for session %s", sessionID)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return apperr.NotFound("agent not found for session %s", sessionID)
	}
	return nil
}

func encodeAgentMetadata(m map[string]interface{}) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
