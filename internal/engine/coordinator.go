package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	agentmodels "github.com/parleyhq/parley/internal/agent/models"
	agentservice "github.com/parleyhq/parley/internal/agent/service"
	"github.com/parleyhq/parley/internal/common/logger"
	convmodels "github.com/parleyhq/parley/internal/conversation/models"
	convservice "github.com/parleyhq/parley/internal/conversation/service"
)

// switchSentinelTools are the tool names an agent uses to request a
// hand-off. A call to one of these never executes externally.
var switchSentinelTools = map[string]bool{
	"switch_mode":  true,
	"switch_agent": true,
}

// AgentSwitchCoordinator performs the invariant sequence run on every
// agent switch: settle any dangling switch tool call, clear the tool
// history so the next agent starts with a fresh tool-call namespace,
// anchor the thread with a system marker, and record the switch.
type AgentSwitchCoordinator struct {
	conversations *convservice.Service
	agents        *agentservice.Service
	logger        *logger.Logger
}

// NewAgentSwitchCoordinator creates a coordinator over the two services.
func NewAgentSwitchCoordinator(conversations *convservice.Service, agents *agentservice.Service, log *logger.Logger) *AgentSwitchCoordinator {
	if log == nil {
		log = logger.Default()
	}
	return &AgentSwitchCoordinator{
		conversations: conversations,
		agents:        agents,
		logger:        log.WithFields(zap.String("component", "switch-coordinator")),
	}
}

// Switch moves the session to the target agent type and returns the
// agent_switched chunk to emit. Callers must hold the session lock.
//
// The switch is validated up front so a doomed request does not mutate
// the conversation before failing.
func (c *AgentSwitchCoordinator) Switch(ctx context.Context, sessionID string, to agentmodels.AgentType, reason string, confidence float64) (Chunk, error) {
	agent, err := c.agents.GetOrCreate(ctx, sessionID)
	if err != nil {
		return Chunk{}, err
	}
	from := agent.CurrentType()
	if err := agent.CanSwitchTo(to); err != nil {
		return Chunk{}, err
	}

	conv, err := c.conversations.GetOrCreate(ctx, sessionID)
	if err != nil {
		return Chunk{}, err
	}

	// Settle an outstanding switch tool call so the provider never sees a
	// tool call without its result.
	if callID := danglingSwitchCallID(conv); callID != "" {
		if _, err := c.conversations.AppendToolResult(ctx, sessionID, callID,
			fmt.Sprintf("Switched to %s agent", to)); err != nil {
			return Chunk{}, err
		}
	}

	removed, preserved, err := c.conversations.ClearToolMessagesSelective(ctx, sessionID)
	if err != nil {
		return Chunk{}, err
	}

	marker := fmt.Sprintf("Agent switched: %s → %s\nPrevious context preserved. Tool history cleared to prevent conflicts.", from, to)
	markerMsg, err := convmodels.NewMessage(convmodels.RoleSystem, marker)
	if err != nil {
		return Chunk{}, err
	}
	if err := c.conversations.AppendMessage(ctx, sessionID, markerMsg); err != nil {
		return Chunk{}, err
	}

	if preserved != "" {
		conv, err = c.conversations.Get(ctx, sessionID)
		if err != nil {
			return Chunk{}, err
		}
		if !hasAssistantContent(conv, preserved) {
			preservedMsg, err := convmodels.NewMessage(convmodels.RoleAssistant, preserved)
			if err != nil {
				return Chunk{}, err
			}
			if err := c.conversations.AppendMessage(ctx, sessionID, preservedMsg); err != nil {
				return Chunk{}, err
			}
		}
	}

	if _, err := c.agents.Switch(ctx, sessionID, to, reason, confidence); err != nil {
		return Chunk{}, err
	}

	c.logger.WithSessionID(sessionID).Info("agent switch completed",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int("tool_messages_removed", removed))
	return agentSwitchedChunk(from, to, reason, confidence), nil
}

// danglingSwitchCallID finds the most recent switch-sentinel tool call
// that has no tool result yet.
func danglingSwitchCallID(conv *convmodels.Conversation) string {
	answered := make(map[string]bool)
	for _, msg := range conv.Messages {
		if msg.Role == convmodels.RoleTool && msg.ToolCallID != "" {
			answered[msg.ToolCallID] = true
		}
	}
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		msg := conv.Messages[i]
		if !msg.HasToolCalls() {
			continue
		}
		for _, call := range msg.ToolCalls {
			if switchSentinelTools[call.Name] && !answered[call.ID] {
				return call.ID
			}
		}
	}
	return ""
}

func hasAssistantContent(conv *convmodels.Conversation, content string) bool {
	for _, msg := range conv.Messages {
		if msg.Role == convmodels.RoleAssistant && msg.Content == content {
			return true
		}
	}
	return false
}
