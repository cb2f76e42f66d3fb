// Package models defines the per-session agent assignment aggregate.
package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/common/apperr"
)

// AgentType identifies one of the specialized agents. The set is closed;
// unknown values are rejected at the boundary.
type AgentType string

const (
	AgentTypeOrchestrator AgentType = "orchestrator"
	AgentTypeCoder        AgentType = "coder"
	AgentTypeArchitect    AgentType = "architect"
	AgentTypeDebug        AgentType = "debug"
	AgentTypeAsk          AgentType = "ask"
	AgentTypeUniversal    AgentType = "universal"
)

// DefaultAgentType is assigned on first contact with a session.
const DefaultAgentType = AgentTypeOrchestrator

// Valid reports whether the type is one of the known agents.
func (t AgentType) Valid() bool {
	switch t {
	case AgentTypeOrchestrator, AgentTypeCoder, AgentTypeArchitect,
		AgentTypeDebug, AgentTypeAsk, AgentTypeUniversal:
		return true
	}
	return false
}

// ParseAgentType validates a wire-level agent type string.
func ParseAgentType(s string) (AgentType, error) {
	t := AgentType(s)
	if !t.Valid() {
		return "", apperr.Validation("unknown agent type: %q", s)
	}
	return t, nil
}

// Capabilities describes what an agent type may do in a session.
type Capabilities struct {
	AgentType        AgentType `json:"agent_type"`
	SupportedTools   []string  `json:"supported_tools"`
	MaxSwitches      int       `json:"max_switches"`
	CanDelegate      bool      `json:"can_delegate"`
	RequiresApproval bool      `json:"requires_approval"`
}

var readOnlyTools = []string{"read_file", "list_files", "search_files"}

// CapabilitiesFor returns the fixed capability profile of an agent type.
func CapabilitiesFor(t AgentType) Capabilities {
	switch t {
	case AgentTypeOrchestrator:
		return Capabilities{
			AgentType:      t,
			SupportedTools: append(append([]string{}, readOnlyTools...), "switch_mode", "plan_execution"),
			MaxSwitches:    10,
			CanDelegate:    true,
		}
	case AgentTypeCoder:
		return Capabilities{
			AgentType: t,
			SupportedTools: append(append([]string{}, readOnlyTools...),
				"write_file", "delete_file", "create_directory", "move_file", "execute_command", "switch_mode"),
			MaxSwitches:      5,
			RequiresApproval: true,
		}
	case AgentTypeArchitect:
		return Capabilities{
			AgentType:      t,
			SupportedTools: append(append([]string{}, readOnlyTools...), "write_file", "plan_execution", "switch_mode"),
			MaxSwitches:    5,
		}
	case AgentTypeDebug:
		return Capabilities{
			AgentType:        t,
			SupportedTools:   append(append([]string{}, readOnlyTools...), "execute_command", "switch_mode"),
			MaxSwitches:      5,
			RequiresApproval: true,
		}
	case AgentTypeAsk:
		return Capabilities{
			AgentType:      t,
			SupportedTools: append([]string{}, readOnlyTools...),
			MaxSwitches:    3,
		}
	case AgentTypeUniversal:
		return Capabilities{
			AgentType: t,
			SupportedTools: append(append([]string{}, readOnlyTools...),
				"write_file", "delete_file", "create_directory", "move_file",
				"execute_command", "switch_mode", "plan_execution"),
			MaxSwitches:      10,
			CanDelegate:      true,
			RequiresApproval: true,
		}
	default:
		return Capabilities{AgentType: t}
	}
}

// SupportsTool reports whether the tool is on the agent's allow-list.
func (c Capabilities) SupportsTool(name string) bool {
	for _, t := range c.SupportedTools {
		if t == name {
			return true
		}
	}
	return false
}

// SwitchRecord is one entry in the agent's switch history.
type SwitchRecord struct {
	FromType   AgentType `json:"from_type,omitempty"`
	ToType     AgentType `json:"to_type"`
	Reason     string    `json:"reason,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	At         time.Time `json:"at"`
}

// Agent is the per-session agent assignment. Exactly one exists per
// session, created on first request with the orchestrator type.
type Agent struct {
	ID            string                 `json:"id"`
	SessionID     string                 `json:"session_id"`
	Capabilities  Capabilities           `json:"capabilities"`
	SwitchHistory []SwitchRecord         `json:"switch_history"`
	SwitchCount   int                    `json:"switch_count"`
	LastSwitchAt  *time.Time             `json:"last_switch_at,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}

// NewAgent creates a session's agent with the default type.
func NewAgent(sessionID string) *Agent {
	return &Agent{
		ID:           uuid.New().String(),
		SessionID:    sessionID,
		Capabilities: CapabilitiesFor(DefaultAgentType),
		Metadata:     map[string]interface{}{},
		CreatedAt:    time.Now().UTC(),
	}
}

// CurrentType returns the agent's active type.
func (a *Agent) CurrentType() AgentType {
	return a.Capabilities.AgentType
}

// CanSwitchTo validates a proposed switch against the identity and
// limit rules without mutating the agent.
func (a *Agent) CanSwitchTo(to AgentType) error {
	if !to.Valid() {
		return apperr.Validation("unknown agent type: %q", to)
	}
	if to == a.CurrentType() {
		return apperr.Conflict("agent for session %s is already %s", a.SessionID, to)
	}
	if a.SwitchCount >= a.Capabilities.MaxSwitches {
		return apperr.Conflict("agent for session %s reached the switch limit of %d",
			a.SessionID, a.Capabilities.MaxSwitches)
	}
	return nil
}

// RecordSwitch applies a validated switch: appends the history record,
// bumps the count, and swaps the capability profile.
func (a *Agent) RecordSwitch(to AgentType, reason string, confidence float64, at time.Time) error {
	if err := a.CanSwitchTo(to); err != nil {
		return err
	}
	from := a.CurrentType()
	a.SwitchHistory = append(a.SwitchHistory, SwitchRecord{
		FromType:   from,
		ToType:     to,
		Reason:     reason,
		Confidence: confidence,
		At:         at,
	})
	a.SwitchCount = len(a.SwitchHistory)
	a.Capabilities = CapabilitiesFor(to)
	switchedAt := at
	a.LastSwitchAt = &switchedAt
	return nil
}
