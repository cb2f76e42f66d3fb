package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/approval/models"
	"github.com/parleyhq/parley/internal/common/apperr"
)

// MemoryRepository provides in-memory approval storage.
type MemoryRepository struct {
	approvals map[string]*models.ApprovalRequest
	mu        sync.RWMutex
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates a new in-memory approval repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{approvals: make(map[string]*models.ApprovalRequest)}
}

// Close is a no-op for the in-memory repository.
func (r *MemoryRepository) Close() error {
	return nil
}

// CreateApproval persists a new request.
func (r *MemoryRepository) CreateApproval(ctx context.Context, req *models.ApprovalRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.approvals[req.ID]; ok {
		return apperr.Conflict("approval already exists: %s", req.ID)
	}
	r.approvals[req.ID] = cloneApproval(req)
	return nil
}

// GetApproval loads a request by id.
func (r *MemoryRepository) GetApproval(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	req, ok := r.approvals[id]
	if !ok {
		return nil, apperr.NotFound("approval not found: %s", id)
	}
	return cloneApproval(req), nil
}

// UpdateApproval persists a request's state.
func (r *MemoryRepository) UpdateApproval(ctx context.Context, req *models.ApprovalRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.approvals[req.ID]; !ok {
		return apperr.NotFound("approval not found: %s", req.ID)
	}
	r.approvals[req.ID] = cloneApproval(req)
	return nil
}

// ListPendingBySession returns pending requests ordered by creation time.
func (r *MemoryRepository) ListPendingBySession(ctx context.Context, sessionID string) ([]*models.ApprovalRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.ApprovalRequest
	for _, req := range r.approvals {
		if req.SessionID == sessionID && req.Status == models.StatusPending {
			result = append(result, cloneApproval(req))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// ListExpiredPending returns pending requests past their timeout.
func (r *MemoryRepository) ListExpiredPending(ctx context.Context, sessionID string, now time.Time) ([]*models.ApprovalRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.ApprovalRequest
	for _, req := range r.approvals {
		if sessionID != "" && req.SessionID != sessionID {
			continue
		}
		if req.IsExpired(now) {
			result = append(result, cloneApproval(req))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func cloneApproval(req *models.ApprovalRequest) *models.ApprovalRequest {
	clone := *req
	if req.RequestData != nil {
		clone.RequestData = make(map[string]interface{}, len(req.RequestData))
		for k, v := range req.RequestData {
			clone.RequestData[k] = v
		}
	}
	if req.DecidedAt != nil {
		at := *req.DecidedAt
		clone.DecidedAt = &at
	}
	return &clone
}
