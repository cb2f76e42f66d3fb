package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/parleyhq/parley/internal/approval/models"
	"github.com/parleyhq/parley/internal/common/apperr"
	"github.com/parleyhq/parley/internal/db"
)

// SQLRepository provides SQL-backed approval storage through sqlx.
type SQLRepository struct {
	pool *db.Pool
}

var _ Repository = (*SQLRepository)(nil)

// NewSQLRepository creates an approval repository over the given pool and
// initializes the schema.
func NewSQLRepository(pool *db.Pool) (*SQLRepository, error) {
	repo := &SQLRepository{pool: pool}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize approval schema: %w", err)
	}
	return repo, nil
}

// Close is a no-op; the pool is owned by the caller.
func (r *SQLRepository) Close() error {
	return nil
}

func (r *SQLRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS approvals (
		id TEXT PRIMARY KEY,
		approval_type TEXT NOT NULL,
		status TEXT NOT NULL,
		session_id TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		request_data TEXT NOT NULL DEFAULT '{}',
		reason TEXT NOT NULL DEFAULT '',
		decision TEXT NOT NULL DEFAULT '',
		decided_at DATETIME,
		timeout_seconds INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_approvals_session_status
		ON approvals(session_id, status, created_at);
	`
	_, err := r.pool.Writer().Exec(schema)
	return err
}

// CreateApproval persists a new request.
func (r *SQLRepository) CreateApproval(ctx context.Context, req *models.ApprovalRequest) error {
	w := r.pool.Writer()

	var exists int
	query := w.Rebind(`SELECT COUNT(1) FROM approvals WHERE id = ?`)
	if err := w.GetContext(ctx, &exists, query, req.ID); err != nil {
		return apperr.Store(err, "failed to check approval %s", req.ID)
	}
	if exists > 0 {
		return apperr.Conflict("approval already exists: %s", req.ID)
	}

	requestDataJSON, err := encodeRequestData(req.RequestData)
	if err != nil {
		return apperr.Store(err, "failed to serialize approval request data")
	}

	query = w.Rebind(`
		INSERT INTO approvals (id, approval_type, status, session_id, subject, request_data, reason, decision, decided_at, timeout_seconds, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = w.ExecContext(ctx, query,
		req.ID, string(req.Type), string(req.Status), req.SessionID, req.Subject,
		requestDataJSON, req.Reason, req.Decision, req.DecidedAt, req.TimeoutSeconds, req.CreatedAt)
	if err != nil {
		return apperr.Store(err, "failed to create approval %s", req.ID)
	}
	return nil
}

// GetApproval loads a request by id.
func (r *SQLRepository) GetApproval(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	ro := r.pool.Reader()

	query := ro.Rebind(`
		SELECT id, approval_type, status, session_id, subject, request_data, reason, decision, decided_at, timeout_seconds, created_at
		FROM approvals WHERE id = ?`)
	req, err := scanApproval(ro.QueryRowxContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("approval not found: %s", id)
	}
	if err != nil {
		return nil, apperr.Store(err, "failed to load approval %s", id)
	}
	return req, nil
}

// UpdateApproval persists a request's state.
func (r *SQLRepository) UpdateApproval(ctx context.Context, req *models.ApprovalRequest) error {
	w := r.pool.Writer()

	query := w.Rebind(`
		UPDATE approvals SET status = ?, decision = ?, reason = ?, decided_at = ?
		WHERE id = ?`)
	res, err := w.ExecContext(ctx, query,
		string(req.Status), req.Decision, req.Reason, req.DecidedAt, req.ID)
	if err != nil {
		return apperr.Store(err, "failed to update approval %s", req.ID)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return apperr.NotFound("approval not found: %s", req.ID)
	}
	return nil
}

// ListPendingBySession returns pending requests ordered by creation time.
func (r *SQLRepository) ListPendingBySession(ctx context.Context, sessionID string) ([]*models.ApprovalRequest, error) {
	ro := r.pool.Reader()

	query := ro.Rebind(`
		SELECT id, approval_type, status, session_id, subject, request_data, reason, decision, decided_at, timeout_seconds, created_at
		FROM approvals WHERE session_id = ? AND status = ? ORDER BY created_at ASC`)
	return r.listApprovals(ctx, ro, query, sessionID, string(models.StatusPending))
}

// ListExpiredPending returns pending requests past their timeout.
// The timeout comparison happens in Go to stay portable across drivers.
func (r *SQLRepository) ListExpiredPending(ctx context.Context, sessionID string, now time.Time) ([]*models.ApprovalRequest, error) {
	ro := r.pool.Reader()

	var (
		query string
		args  []interface{}
	)
	if sessionID == "" {
		query = ro.Rebind(`
			SELECT id, approval_type, status, session_id, subject, request_data, reason, decision, decided_at, timeout_seconds, created_at
			FROM approvals WHERE status = ? ORDER BY created_at ASC`)
		args = []interface{}{string(models.StatusPending)}
	} else {
		query = ro.Rebind(`
			SELECT id, approval_type, status, session_id, subject, request_data, reason, decision, decided_at, timeout_seconds, created_at
			FROM approvals WHERE session_id = ? AND status = ? ORDER BY created_at ASC`)
		args = []interface{}{sessionID, string(models.StatusPending)}
	}

	pending, err := r.listApprovals(ctx, ro, query, args...)
	if err != nil {
		return nil, err
	}
	expired := pending[:0]
	for _, req := range pending {
		if req.IsExpired(now) {
			expired = append(expired, req)
		}
	}
	return expired, nil
}

func (r *SQLRepository) listApprovals(ctx context.Context, ro *sqlx.DB, query string, args ...interface{}) ([]*models.ApprovalRequest, error) {
	rows, err := ro.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Store(err, "failed to list approvals")
	}
	defer func() { _ = rows.Close() }()

	var result []*models.ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, apperr.Store(err, "failed to scan approval row")
		}
		result = append(result, req)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Store(err, "failed to iterate approval rows")
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanApproval(row rowScanner) (*models.ApprovalRequest, error) {
	req := &models.ApprovalRequest{}
	var approvalType, status, requestDataJSON string
	var decidedAt sql.NullTime

	err := row.Scan(&req.ID, &approvalType, &status, &req.SessionID, &req.Subject,
		&requestDataJSON, &req.Reason, &req.Decision, &decidedAt, &req.TimeoutSeconds, &req.CreatedAt)
	if err != nil {
		return nil, err
	}
	req.Type = models.ApprovalType(approvalType)
	req.Status = models.Status(status)
	if decidedAt.Valid {
		t := decidedAt.Time
		req.DecidedAt = &t
	}
	if requestDataJSON != "" && requestDataJSON != "{}" {
		if err := json.Unmarshal([]byte(requestDataJSON), &req.RequestData); err != nil {
			return nil, err
		}
	}
	return req, nil
}

func encodeRequestData(m map[string]interface{}) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
