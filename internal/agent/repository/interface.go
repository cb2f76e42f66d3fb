// Package repository defines agent storage contracts and implementations.
package repository

import (
	"context"

	"github.com/parleyhq/parley/internal/agent/models"
)

// Repository is the durable store for per-session agent assignments.
// Exactly one agent row exists per session; switch history is
// re-materialized in chronological order on load.
type Repository interface {
	// CreateAgent persists a new agent. Returns a Conflict error when the
	// session already has one.
	CreateAgent(ctx context.Context, agent *models.Agent) error

	// GetAgentBySession loads the session's agent with its switch history.
	GetAgentBySession(ctx context.Context, sessionID string) (*models.Agent, error)

	// UpdateAgent persists the agent's current state and any new history
	// records.
	UpdateAgent(ctx context.Context, agent *models.Agent) error

	// DeleteAgentBySession removes the session's agent and history.
	DeleteAgentBySession(ctx context.Context, sessionID string) error

	// Close releases store resources.
	Close() error
}
