// Package model defines the port to the language-model provider as a
// stream of typed frames over a channel.
package model

import (
	"context"

	convmodels "github.com/parleyhq/parley/internal/conversation/models"
)

// FrameType identifies one kind of provider output.
type FrameType string

const (
	// FrameToken carries one increment of assistant text.
	FrameToken FrameType = "token"
	// FrameToolCall carries a complete tool invocation request.
	FrameToolCall FrameType = "tool_call"
	// FrameSwitchAgent asks the engine to hand the session to another agent.
	FrameSwitchAgent FrameType = "switch_agent"
	// FramePassthrough carries an agent-defined record (status updates,
	// plan lifecycle) that the engine forwards to the client unchanged.
	FramePassthrough FrameType = "passthrough"
	// FrameDone ends the stream for this request.
	FrameDone FrameType = "done"
)

// Passthrough is an agent-defined record the engine forwards as-is. Kind
// becomes the outbound chunk type; Final ends the stream.
type Passthrough struct {
	Kind     string
	Content  string
	Metadata map[string]interface{}
	Final    bool
}

// Frame is one record produced by a model stream.
type Frame struct {
	Type  FrameType
	Token string

	// tool_call
	ToolCall *convmodels.ToolCall

	// switch_agent
	TargetAgent string
	Reason      string
	Confidence  float64

	// passthrough
	Passthrough *Passthrough

	// Err terminates the stream abnormally; set only on the last frame.
	Err error
}

// Request describes one model invocation.
type Request struct {
	SessionID    string
	AgentType    string
	SystemPrompt string
	Messages     []*convmodels.Message
	Tools        []string
}

// Provider opens model streams. Implementations must close the returned
// channel when the stream ends and must honor ctx cancellation.
type Provider interface {
	Stream(ctx context.Context, req Request) (<-chan Frame, error)
}
