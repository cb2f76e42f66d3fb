// Package engine implements the orchestration core: it drives user
// messages, tool results, and approval decisions through the session's
// agent, streaming typed chunks back to the transport.
package engine

import "github.com/parleyhq/parley/internal/agent/models"

// ChunkType identifies one kind of outbound stream record.
type ChunkType string

const (
	ChunkAssistantMessage ChunkType = "assistant_message"
	ChunkToolCall         ChunkType = "tool_call"
	ChunkAgentSwitched    ChunkType = "agent_switched"
	ChunkError            ChunkType = "error"
	ChunkDone             ChunkType = "done"

	// Pass-through chunk types. The engine never produces these itself
	// but round-trips them when an agent emits them.
	ChunkStatus                   ChunkType = "status"
	ChunkPlanCreated              ChunkType = "plan_created"
	ChunkPlanApprovalRequired     ChunkType = "plan_approval_required"
	ChunkPlanRejected             ChunkType = "plan_rejected"
	ChunkPlanModificationRequest  ChunkType = "plan_modification_requested"
	ChunkExecutionCompleted       ChunkType = "execution_completed"
)

// Chunk is one record in the response stream for a request. The stream
// ends after the first chunk with IsFinal set.
type Chunk struct {
	Type             ChunkType              `json:"type"`
	Token            string                 `json:"token,omitempty"`
	Content          string                 `json:"content,omitempty"`
	CallID           string                 `json:"call_id,omitempty"`
	ToolName         string                 `json:"tool_name,omitempty"`
	Arguments        map[string]interface{} `json:"arguments,omitempty"`
	RequiresApproval bool                   `json:"requires_approval,omitempty"`
	Error            string                 `json:"error,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	IsFinal          bool                   `json:"is_final"`
}

func tokenChunk(token string) Chunk {
	return Chunk{Type: ChunkAssistantMessage, Token: token}
}

func finalAssistantChunk(content string) Chunk {
	return Chunk{Type: ChunkAssistantMessage, Content: content, IsFinal: true}
}

func doneChunk() Chunk {
	return Chunk{Type: ChunkDone, IsFinal: true}
}

func errorChunk(msg string) Chunk {
	return Chunk{Type: ChunkError, Error: msg, IsFinal: true}
}

func toolCallChunk(callID, toolName string, args map[string]interface{}, requiresApproval bool) Chunk {
	return Chunk{
		Type:             ChunkToolCall,
		CallID:           callID,
		ToolName:         toolName,
		Arguments:        args,
		RequiresApproval: requiresApproval,
		IsFinal:          true,
	}
}

func agentSwitchedChunk(from, to models.AgentType, reason string, confidence float64) Chunk {
	metadata := map[string]interface{}{
		"from_agent": string(from),
		"to_agent":   string(to),
		"reason":     reason,
	}
	if confidence > 0 {
		metadata["confidence"] = confidence
	}
	return Chunk{
		Type:     ChunkAgentSwitched,
		Content:  "Switched to " + string(to) + " agent",
		Metadata: metadata,
	}
}
