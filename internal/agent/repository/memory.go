package repository

import (
	"context"
	"sync"

	"github.com/parleyhq/parley/internal/agent/models"
	"github.com/parleyhq/parley/internal/common/apperr"
)

// MemoryRepository provides in-memory agent storage keyed by session.
type MemoryRepository struct {
	agents map[string]*models.Agent
	mu     sync.RWMutex
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates a new in-memory agent repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{agents: make(map[string]*models.Agent)}
}

// Close is a no-op for the in-memory repository.
func (r *MemoryRepository) Close() error {
	return nil
}

// CreateAgent persists a new agent.
func (r *MemoryRepository) CreateAgent(ctx context.Context, agent *models.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[agent.SessionID]; ok {
		return apperr.Conflict("agent already exists for session %s", agent.SessionID)
	}
	r.agents[agent.SessionID] = cloneAgent(agent)
	return nil
}

// GetAgentBySession loads the session's agent.
func (r *MemoryRepository) GetAgentBySession(ctx context.Context, sessionID string) (*models.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[sessionID]
	if !ok {
		return nil, apperr.NotFound("agent not found for session %s", sessionID)
	}
	return cloneAgent(agent), nil
}

// UpdateAgent persists the agent's current state.
func (r *MemoryRepository) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[agent.SessionID]; !ok {
		return apperr.NotFound("agent not found for session %s", agent.SessionID)
	}
	r.agents[agent.SessionID] = cloneAgent(agent)
	return nil
}

// DeleteAgentBySession removes the session's agent.
func (r *MemoryRepository) DeleteAgentBySession(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[sessionID]; !ok {
		return apperr.NotFound("agent not found for session %s", sessionID)
	}
	delete(r.agents, sessionID)
	return nil
}

func cloneAgent(agent *models.Agent) *models.Agent {
	clone := *agent
	clone.Capabilities.SupportedTools = append([]string{}, agent.Capabilities.SupportedTools...)
	clone.SwitchHistory = append([]models.SwitchRecord{}, agent.SwitchHistory...)
	if agent.Metadata != nil {
		clone.Metadata = make(map[string]interface{}, len(agent.Metadata))
		for k, v := range agent.Metadata {
			clone.Metadata[k] = v
		}
	}
	if agent.LastSwitchAt != nil {
		at := *agent.LastSwitchAt
		clone.LastSwitchAt = &at
	}
	return &clone
}
