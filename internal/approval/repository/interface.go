// Package repository defines approval storage contracts and implementations.
package repository

import (
	"context"
	"time"

	"github.com/parleyhq/parley/internal/approval/models"
)

// Repository is the durable store for approval requests.
type Repository interface {
	// CreateApproval persists a new request. Returns a Conflict error when
	// the id already exists.
	CreateApproval(ctx context.Context, req *models.ApprovalRequest) error

	// GetApproval loads a request by id.
	GetApproval(ctx context.Context, id string) (*models.ApprovalRequest, error)

	// UpdateApproval persists a request's state.
	UpdateApproval(ctx context.Context, req *models.ApprovalRequest) error

	// ListPendingBySession returns the session's pending requests ordered
	// by creation time ascending.
	ListPendingBySession(ctx context.Context, sessionID string) ([]*models.ApprovalRequest, error)

	// ListExpiredPending returns pending requests whose timeout elapsed
	// before now. An empty sessionID matches all sessions.
	ListExpiredPending(ctx context.Context, sessionID string, now time.Time) ([]*models.ApprovalRequest, error)

	// Close releases store resources.
	Close() error
}
