// Package service implements the approval request lifecycle: creation,
// policy-independent state transitions, and the periodic expiry sweep.
package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/approval/models"
	"github.com/parleyhq/parley/internal/approval/repository"
	"github.com/parleyhq/parley/internal/common/clock"
	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/events/bus"
)

const eventSource = "approval-service"

// Service coordinates approval state changes and emits domain events.
type Service struct {
	repo     repository.Repository
	eventBus bus.EventBus
	clock    clock.Clock
	logger   *logger.Logger
}

// NewService creates an approval service.
func NewService(repo repository.Repository, eventBus bus.EventBus, clk clock.Clock, log *logger.Logger) *Service {
	if clk == nil {
		clk = clock.System{}
	}
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		repo:     repo,
		eventBus: eventBus,
		clock:    clk,
		logger:   log.WithFields(zap.String("component", "approval-service")),
	}
}

// Request creates a pending approval. The id doubles as the tool call id
// so clients can join decisions back to calls; duplicates are Conflicts.
func (s *Service) Request(ctx context.Context, id string, approvalType models.ApprovalType, sessionID, subject string, requestData map[string]interface{}, reason string, timeoutSeconds int) (*models.ApprovalRequest, error) {
	req, err := models.NewApprovalRequest(id, approvalType, sessionID, subject, requestData, reason, timeoutSeconds)
	if err != nil {
		return nil, err
	}
	// CreatedAt anchors the expiry deadline; it must come from the same
	// clock the sweep compares against.
	req.CreatedAt = s.clock.Now()
	if err := s.repo.CreateApproval(ctx, req); err != nil {
		return nil, err
	}

	data := map[string]interface{}{
		"approval_id":   req.ID,
		"approval_type": string(req.Type),
		"session_id":    req.SessionID,
		"subject":       req.Subject,
	}
	s.publish(ctx, bus.SubjectApprovalRequested, data)
	s.publish(ctx, bus.SubjectUserDecisionRequired, data)

	s.logger.WithSessionID(sessionID).Info("approval requested",
		zap.String("approval_id", req.ID),
		zap.String("subject", req.Subject))
	return req, nil
}

// Grant approves a pending request.
func (s *Service) Grant(ctx context.Context, id, decision string) (*models.ApprovalRequest, error) {
	return s.transition(ctx, id, models.StatusApproved, decision, bus.SubjectApprovalGranted)
}

// Reject declines a pending request.
func (s *Service) Reject(ctx context.Context, id, reason string) (*models.ApprovalRequest, error) {
	return s.transition(ctx, id, models.StatusRejected, reason, bus.SubjectApprovalRejected)
}

// Expire times out a pending request.
func (s *Service) Expire(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	return s.transition(ctx, id, models.StatusExpired, "timed out", bus.SubjectApprovalExpired)
}

func (s *Service) transition(ctx context.Context, id string, next models.Status, decision, subject string) (*models.ApprovalRequest, error) {
	req, err := s.repo.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := req.Transition(next, decision, s.clock.Now()); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateApproval(ctx, req); err != nil {
		return nil, err
	}

	s.publish(ctx, subject, map[string]interface{}{
		"approval_id": req.ID,
		"session_id":  req.SessionID,
		"status":      string(req.Status),
		"decision":    req.Decision,
	})
	s.logger.WithSessionID(req.SessionID).Info("approval resolved",
		zap.String("approval_id", req.ID),
		zap.String("status", string(req.Status)))
	return req, nil
}

// Get loads an approval by id.
func (s *Service) Get(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	return s.repo.GetApproval(ctx, id)
}

// FindPendingBySession returns the session's pending approvals ordered by
// creation time, for clients rebuilding their approval UI after reconnect.
func (s *Service) FindPendingBySession(ctx context.Context, sessionID string) ([]*models.ApprovalRequest, error) {
	return s.repo.ListPendingBySession(ctx, sessionID)
}

// ProcessExpired transitions timed-out pending approvals to expired.
// An empty sessionID sweeps all sessions. Returns the number expired.
func (s *Service) ProcessExpired(ctx context.Context, sessionID string) (int, error) {
	expired, err := s.repo.ListExpiredPending(ctx, sessionID, s.clock.Now())
	if err != nil {
		return 0, err
	}

	count := 0
	for _, req := range expired {
		if _, err := s.Expire(ctx, req.ID); err != nil {
			// A concurrent decision may have won; skip and keep sweeping.
			s.logger.WithError(err).Warn("failed to expire approval",
				zap.String("approval_id", req.ID))
			continue
		}
		count++
	}
	return count, nil
}

func (s *Service) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if s.eventBus == nil {
		return
	}
	if err := s.eventBus.Publish(ctx, subject, bus.NewEvent(subject, eventSource, data)); err != nil {
		s.logger.WithError(err).Warn("failed to publish event", zap.String("subject", subject))
	}
}
