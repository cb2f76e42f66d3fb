package engine

import (
	"encoding/json"

	"github.com/parleyhq/parley/internal/common/apperr"
)

// Inbound message kinds accepted from the transport.
const (
	MessageTypeUser        = "user_message"
	MessageTypeToolResult  = "tool_result"
	MessageTypeSwitchAgent = "switch_agent"
	MessageTypeHITL        = "hitl_decision"
)

// Decision values for hitl_decision messages.
const (
	DecisionApprove = "approve"
	DecisionEdit    = "edit"
	DecisionReject  = "reject"
)

// Envelope is the transport-level wrapper around one inbound message.
type Envelope struct {
	SessionID string         `json:"session_id,omitempty"`
	Message   InboundMessage `json:"message"`
}

// InboundMessage is the union payload of an envelope; the fields used
// depend on Type.
type InboundMessage struct {
	Type string `json:"type"`

	// user_message
	Content   string `json:"content,omitempty"`
	AgentType string `json:"agent_type,omitempty"`

	// tool_result and hitl_decision
	CallID string `json:"call_id,omitempty"`

	// tool_result
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`

	// switch_agent
	Reason string `json:"reason,omitempty"`

	// hitl_decision
	Decision          string                 `json:"decision,omitempty"`
	ModifiedArguments map[string]interface{} `json:"modified_arguments,omitempty"`
	Feedback          string                 `json:"feedback,omitempty"`
}

// ParseEnvelope decodes and validates an inbound envelope.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, apperr.Validation("malformed envelope: %v", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate checks the per-type required fields.
func (e *Envelope) Validate() error {
	switch e.Message.Type {
	case MessageTypeUser:
		// Content may be empty; the processor treats it as a continuation.
		return nil
	case MessageTypeToolResult:
		if e.Message.CallID == "" {
			return apperr.Validation("tool_result requires a call_id")
		}
		return nil
	case MessageTypeSwitchAgent:
		if e.Message.AgentType == "" {
			return apperr.Validation("switch_agent requires an agent_type")
		}
		return nil
	case MessageTypeHITL:
		if e.Message.CallID == "" {
			return apperr.Validation("hitl_decision requires a call_id")
		}
		switch e.Message.Decision {
		case DecisionApprove, DecisionEdit, DecisionReject:
			return nil
		}
		return apperr.Validation("unknown hitl decision: %q", e.Message.Decision)
	}
	return apperr.Validation("unknown message type: %q", e.Message.Type)
}
