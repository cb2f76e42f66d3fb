// Package service implements agent assignment operations: get-or-create,
// validated switching with history, and reset.
package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/internal/agent/models"
	"github.com/parleyhq/parley/internal/agent/repository"
	"github.com/parleyhq/parley/internal/common/apperr"
	"github.com/parleyhq/parley/internal/common/clock"
	"github.com/parleyhq/parley/internal/common/logger"
	"github.com/parleyhq/parley/internal/events/bus"
)

const eventSource = "agent-service"

// Service coordinates agent assignment changes and emits domain events.
type Service struct {
	repo     repository.Repository
	eventBus bus.EventBus
	clock    clock.Clock
	logger   *logger.Logger
}

// NewService creates an agent service.
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
		logger:   log.WithFields(zap.String("component", "agent-service")),
	}
}

// Get loads the session's agent.
func (s *Service) Get(ctx context.Context, sessionID string) (*models.Agent, error) {
	return s.repo.GetAgentBySession(ctx, sessionID)
}

// GetOrCreate loads the session's agent, creating one with the default
// orchestrator type on first contact.
func (s *Service) GetOrCreate(ctx context.Context, sessionID string) (*models.Agent, error) {
	agent, err := s.repo.GetAgentBySession(ctx, sessionID)
	if err == nil {
		return agent, nil
	}
	if !apperr.IsKind(err, apperr.KindNotFound) {
		return nil, err
	}

	agent = models.NewAgent(sessionID)
	if err := s.repo.CreateAgent(ctx, agent); err != nil {
		// Lost a create race; the winner's row is authoritative.
		if apperr.IsKind(err, apperr.KindConflict) {
			return s.repo.GetAgentBySession(ctx, sessionID)
		}
		return nil, err
	}

	s.publish(ctx, bus.SubjectAgentAssigned, map[string]interface{}{
		"session_id": sessionID,
		"agent_type": string(agent.CurrentType()),
	})
	s.logger.WithSessionID(sessionID).Info("agent assigned",
		zap.String("agent_type", string(agent.CurrentType())))
	return agent, nil
}

// Switch transitions the session's agent to a new type. Identity switches
// and switches past the per-type limit fail with Conflict errors; a limit
// violation additionally emits agent.switch_limit_reached.
func (s *Service) Switch(ctx context.Context, sessionID string, to models.AgentType, reason string, confidence float64) (*models.Agent, error) {
	agent, err := s.repo.GetAgentBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	from := agent.CurrentType()
	if err := agent.RecordSwitch(to, reason, confidence, s.clock.Now()); err != nil {
		if agent.SwitchCount >= agent.Capabilities.MaxSwitches {
			s.publish(ctx, bus.SubjectAgentSwitchLimitReached, map[string]interface{}{
				"session_id":   sessionID,
				"agent_type":   string(from),
				"max_switches": agent.Capabilities.MaxSwitches,
			})
		}
		return nil, err
	}

	if err := s.repo.UpdateAgent(ctx, agent); err != nil {
		return nil, err
	}

	s.publish(ctx, bus.SubjectAgentSwitched, map[string]interface{}{
		"session_id": sessionID,
		"from_agent": string(from),
		"to_agent":   string(to),
		"reason":     reason,
		"confidence": confidence,
	})
	s.logger.WithSessionID(sessionID).Info("agent switched",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int("switch_count", agent.SwitchCount))
	return agent, nil
}

// Reset deletes the session's agent so the next request starts over with
// the default orchestrator and a clean switch history.
func (s *Service) Reset(ctx context.Context, sessionID string) error {
	err := s.repo.DeleteAgentBySession(ctx, sessionID)
	if err != nil && !apperr.IsKind(err, apperr.KindNotFound) {
		return err
	}
	s.logger.WithSessionID(sessionID).Info("agent reset")
	return nil
}

func (s *Service) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if s.eventBus == nil {
		return
	}
	if err := s.eventBus.Publish(ctx, subject, bus.NewEvent(subject, eventSource, data)); err != nil {
		s.logger.WithError(err).Warn("failed to publish event", zap.String("subject", subject))
	}
}
